package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost/internal/ledger"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load phases, projects and actuals from a YAML fixture",
	Long:  "Upserts the phase catalog, projects, invoices and bills described in a fixture file. Re-running the same fixture is a no-op.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := ledger.LoadFixture(seedFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.ApplyFixture(ctx, f); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d phases, %d projects, %d invoices, %d bills from %s\n",
			len(f.Phases), len(f.Projects), len(f.Invoices), len(f.Bills), seedFile)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "fixtures/demo.yaml", "fixture file to load")
	rootCmd.AddCommand(seedCmd)
}
