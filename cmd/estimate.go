package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost/internal/estimate"
	"github.com/sells-group/jobcost/internal/model"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Manage versioned estimates",
	Long:  "Create, revise, retire and inspect the forecast figures attached to project phases.",
}

// -- estimate create --

var estimateCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Record a new estimate, superseding the current one for the same phase and kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		phase, _ := flags.GetString("phase")
		kind, _ := flags.GetString("kind")
		amountStr, _ := flags.GetString("amount")
		dateStr, _ := flags.GetString("date")
		notes, _ := flags.GetString("notes")

		amount, err := parseAmount(amountStr)
		if err != nil {
			return err
		}
		in := estimate.CreateInput{
			ProjectID: args[0],
			PhaseID:   optional(phase),
			Kind:      model.EstimateKind(kind),
			Amount:    amount,
			Notes:     notes,
		}
		if dateStr != "" {
			if in.EstimateDate, err = parseDay(dateStr); err != nil {
				return err
			}
		}
		if flags.Changed("confidence") {
			c, _ := flags.GetInt("confidence")
			in.Confidence = &c
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		e, err := env.Estimates.CreateWithRetry(ctx, in, actor())
		if err != nil {
			return eris.Wrap(err, "estimate create")
		}
		formatEstimates(cmd.OutOrStdout(), []model.Estimate{*e})
		return nil
	},
}

// -- estimate update --

var estimateUpdateCmd = &cobra.Command{
	Use:   "update <estimate-id>",
	Short: "Edit the current estimate in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		var in estimate.UpdateInput
		if flags.Changed("kind") {
			k, _ := flags.GetString("kind")
			kind := model.EstimateKind(k)
			in.Kind = &kind
		}
		if flags.Changed("amount") {
			s, _ := flags.GetString("amount")
			amount, err := parseAmount(s)
			if err != nil {
				return err
			}
			in.Amount = &amount
		}
		if flags.Changed("date") {
			s, _ := flags.GetString("date")
			d, err := parseDay(s)
			if err != nil {
				return err
			}
			in.EstimateDate = &d
		}
		if flags.Changed("confidence") {
			c, _ := flags.GetInt("confidence")
			in.Confidence = &c
		}
		if flags.Changed("notes") {
			n, _ := flags.GetString("notes")
			in.Notes = &n
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		e, err := env.Estimates.Update(ctx, args[0], in, actor())
		if err != nil {
			return eris.Wrap(err, "estimate update")
		}
		formatEstimates(cmd.OutOrStdout(), []model.Estimate{*e})
		return nil
	},
}

// -- estimate delete --

var estimateDeleteCmd = &cobra.Command{
	Use:   "delete <estimate-id>",
	Short: "Retire the current estimate, keeping it in history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		e, err := env.Estimates.Delete(ctx, args[0], actor())
		if err != nil {
			return eris.Wrap(err, "estimate delete")
		}
		formatEstimates(cmd.OutOrStdout(), []model.Estimate{*e})
		return nil
	},
}

// -- estimate list --

var estimateListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List the current estimates of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ests, err := env.Estimates.ListCurrent(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "estimate list")
		}
		if len(ests) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No current estimates.")
			return nil
		}
		formatEstimates(cmd.OutOrStdout(), ests)
		return nil
	},
}

// -- estimate history --

var estimateHistoryCmd = &cobra.Command{
	Use:   "history <project-id>",
	Short: "Show every version of one estimate slot, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		phase, _ := cmd.Flags().GetString("phase")
		kind, _ := cmd.Flags().GetString("kind")

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ests, err := env.Estimates.History(ctx, model.EstimateKey{
			ProjectID: args[0],
			PhaseID:   optional(phase),
			Kind:      model.EstimateKind(kind),
		})
		if err != nil {
			return eris.Wrap(err, "estimate history")
		}
		if len(ests) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No estimate history.")
			return nil
		}
		formatEstimates(cmd.OutOrStdout(), ests)
		return nil
	},
}

// formatEstimates writes a tabular list of estimates to w.
func formatEstimates(out io.Writer, ests []model.Estimate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPHASE\tKIND\tAMOUNT\tDATE\tCONF\tVALID_FROM\tVALID_UNTIL\tBY")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t----\t----\t----------\t-----------\t--")

	for _, e := range ests {
		phase := model.UnassignedPhaseName
		if e.PhaseID != nil {
			phase = *e.PhaseID
		}
		conf := "-"
		if e.Confidence != nil {
			conf = fmt.Sprintf("%d", *e.Confidence)
		}
		until := "current"
		if e.ValidUntil != nil {
			until = e.ValidUntil.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.ID),
			phase,
			e.Kind,
			e.Amount.StringFixed(2),
			e.EstimateDate.Format(time.DateOnly),
			conf,
			e.ValidFrom.Format("2006-01-02 15:04"),
			until,
			e.UpdatedBy,
		)
	}
	_ = w.Flush()
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, model.NewValidationError("amount", "is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, model.NewValidationError("amount", "must be a decimal number")
	}
	return d, nil
}

func parseDay(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, model.NewValidationError("date", "must be YYYY-MM-DD")
	}
	return d, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	estimateCreateCmd.Flags().String("phase", "", "phase id (omit for the unassigned slot)")
	estimateCreateCmd.Flags().String("kind", "", "revenue, cost, hours or materials")
	estimateCreateCmd.Flags().String("amount", "", "estimated amount")
	estimateCreateCmd.Flags().String("date", "", "estimate date, YYYY-MM-DD (default today)")
	estimateCreateCmd.Flags().Int("confidence", 0, "confidence from 1 to 5")
	estimateCreateCmd.Flags().String("notes", "", "free-form notes")
	_ = estimateCreateCmd.MarkFlagRequired("kind")
	_ = estimateCreateCmd.MarkFlagRequired("amount")

	estimateUpdateCmd.Flags().String("kind", "", "new kind")
	estimateUpdateCmd.Flags().String("amount", "", "new amount")
	estimateUpdateCmd.Flags().String("date", "", "new estimate date, YYYY-MM-DD")
	estimateUpdateCmd.Flags().Int("confidence", 0, "new confidence from 1 to 5")
	estimateUpdateCmd.Flags().String("notes", "", "new notes")

	estimateHistoryCmd.Flags().String("phase", "", "phase id (omit for the unassigned slot)")
	estimateHistoryCmd.Flags().String("kind", "", "estimate kind")
	_ = estimateHistoryCmd.MarkFlagRequired("kind")

	estimateCmd.AddCommand(estimateCreateCmd, estimateUpdateCmd, estimateDeleteCmd, estimateListCmd, estimateHistoryCmd)
	rootCmd.AddCommand(estimateCmd)
}
