package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost/internal/model"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Change project status",
}

var projectArchiveCmd = &cobra.Command{
	Use:   "archive <project-id>",
	Short: "Mark a project inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProjectActive(cmd, args[0], false)
	},
}

var projectActivateCmd = &cobra.Command{
	Use:   "activate <project-id>",
	Short: "Mark a project active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProjectActive(cmd, args[0], true)
	},
}

func setProjectActive(cmd *cobra.Command, projectID string, active bool) error {
	ctx := cmd.Context()

	env, err := initEnv(ctx, "cli")
	if err != nil {
		return err
	}
	defer env.Close()

	p, err := env.Ledger.SetProjectActive(ctx, projectID, active, actor())
	if err != nil {
		return eris.Wrapf(err, "project %s", cmd.Name())
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Project %s (%s) is now %s.\n", p.ID, p.Name, projectStatus(p))
	return nil
}

func projectStatus(p *model.Project) string {
	if p.Active {
		return "active"
	}
	return "archived"
}

func init() {
	projectCmd.AddCommand(projectArchiveCmd, projectActivateCmd)
	rootCmd.AddCommand(projectCmd)
}
