package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/config"
)

var (
	cfg       *config.Config
	actorFlag string
)

var rootCmd = &cobra.Command{
	Use:   "jobcost",
	Short: "Job-costing ledger: versioned estimates, phase progress and financial rollups",
	Long:  "Tracks per-phase estimates and progress for construction projects, rolls accounting actuals up into phase, project and portfolio figures, and keeps an audit trail of every change.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment variables win.
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "acting user recorded in the audit log (default $JOBCOST_ACTOR or $USER)")
}

// actor resolves who a CLI mutation is attributed to.
func actor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if a := os.Getenv("JOBCOST_ACTOR"); a != "" {
		return a
	}
	return os.Getenv("USER")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
