package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost/internal/model"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Track phase completion",
}

var progressSetCmd = &cobra.Command{
	Use:   "set <project-id> <phase-id> <percent>",
	Short: "Set a phase's completion percentage (clamped to 0-100)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pct, err := strconv.Atoi(args[2])
		if err != nil {
			return model.NewValidationError("percent", "must be an integer")
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Progress.SetProgress(ctx, args[0], args[1], pct, actor())
		if err != nil {
			return eris.Wrap(err, "progress set")
		}
		formatProgress(cmd.OutOrStdout(), []model.PhaseProgress{*p})
		return nil
	},
}

var progressGetCmd = &cobra.Command{
	Use:   "get <project-id> [phase-id]",
	Short: "Show progress for one phase, or every phase of a project",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 2 {
			p, err := env.Progress.GetProgress(ctx, args[0], args[1])
			if err != nil {
				return eris.Wrap(err, "progress get")
			}
			formatProgress(cmd.OutOrStdout(), []model.PhaseProgress{*p})
			return nil
		}

		rows, err := env.Progress.ListProgress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "progress get")
		}
		if len(rows) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No progress recorded.")
			return nil
		}
		formatProgress(cmd.OutOrStdout(), rows)
		return nil
	},
}

// formatProgress writes a tabular list of phase progress to w.
func formatProgress(out io.Writer, rows []model.PhaseProgress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROJECT\tPHASE\tPERCENT\tUPDATED\tBY")
	for _, p := range rows {
		updated := "-"
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Format("2006-01-02 15:04")
		}
		by := p.UpdatedBy
		if by == "" {
			by = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", p.ProjectID, p.PhaseID, p.Percent, updated, by)
	}
	_ = w.Flush()
}

func init() {
	progressCmd.AddCommand(progressSetCmd, progressGetCmd)
	rootCmd.AddCommand(progressCmd)
}
