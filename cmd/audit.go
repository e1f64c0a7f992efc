package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost/internal/model"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		entity, _ := flags.GetString("entity")
		eventType, _ := flags.GetString("type")
		by, _ := flags.GetString("by")
		since, _ := flags.GetDuration("since")
		limit, _ := flags.GetInt("limit")

		filter := model.AuditFilter{
			EntityID:  entity,
			EventType: model.AuditEventType(eventType),
			Actor:     by,
			Limit:     limit,
		}
		if since > 0 {
			filter.Since = time.Now().UTC().Add(-since)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Audit.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "audit list")
		}
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No audit entries found.")
			return nil
		}
		formatAudit(cmd.OutOrStdout(), entries)
		return nil
	},
}

// formatAudit writes a tabular list of audit entries to w.
func formatAudit(out io.Writer, entries []model.AuditLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tEVENT\tACTION\tENTITY\tACTOR\tMETADATA")
	for _, e := range entries {
		meta := ""
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err == nil {
				meta = string(b)
			}
		}
		if len(meta) > 80 {
			meta = meta[:77] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.EventType,
			e.Action,
			e.EntityID,
			e.Actor,
			meta,
		)
	}
	_ = w.Flush()
}

func init() {
	auditListCmd.Flags().String("entity", "", "filter by entity id")
	auditListCmd.Flags().String("type", "", "filter by event type (estimate_change, progress_change, phase_assignment, project_status)")
	auditListCmd.Flags().String("by", "", "filter by actor")
	auditListCmd.Flags().Duration("since", 0, "only entries newer than this (e.g. 24h)")
	auditListCmd.Flags().Int("limit", 50, "maximum entries to show")

	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
