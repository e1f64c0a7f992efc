package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/jobcost/internal/model"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print financial rollups",
}

var reportPhasesCmd = &cobra.Command{
	Use:   "phases <project-id>",
	Short: "Per-phase actuals, estimates, profit and progress for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		phases, err := env.Rollup.ComputePhaseSummary(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report phases")
		}
		newReportFormatter().phases(cmd.OutOrStdout(), phases)
		return nil
	},
}

var reportTotalsCmd = &cobra.Command{
	Use:   "totals <project-id>",
	Short: "Project-level totals across every phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		totals, err := env.Rollup.ComputeProjectTotals(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report totals")
		}
		newReportFormatter().totals(cmd.OutOrStdout(), totals)
		return nil
	},
}

var reportDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Portfolio-wide snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Rollup.ComputeDashboardStats(ctx)
		if err != nil {
			return eris.Wrap(err, "report dashboard")
		}
		newReportFormatter().dashboard(cmd.OutOrStdout(), stats)
		return nil
	},
}

// reportFormatter renders amounts in the display currency and numbers in
// the display locale.
type reportFormatter struct {
	currency string
	printer  *message.Printer
}

func newReportFormatter() reportFormatter {
	return makeReportFormatter(cfg.Report.Currency, cfg.Report.Locale)
}

func makeReportFormatter(currency, locale string) reportFormatter {
	if money.GetCurrency(currency) == nil {
		currency = "USD"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	return reportFormatter{currency: currency, printer: message.NewPrinter(tag)}
}

func (f reportFormatter) money(d decimal.Decimal) string {
	cur := money.GetCurrency(f.currency)
	factor := decimal.New(1, int32(cur.Fraction))
	return money.New(d.Mul(factor).Round(0).IntPart(), f.currency).Display()
}

func (f reportFormatter) percent(margin decimal.Decimal) string {
	pct, _ := model.MarginPercent(margin).Float64()
	return f.printer.Sprintf("%.1f%%", pct)
}

func (f reportFormatter) count(n int) string {
	return f.printer.Sprintf("%d", n)
}

func (f reportFormatter) phases(out io.Writer, phases []model.PhaseSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "PHASE\tREVENUE\tCOSTS\tPROFIT\tMARGIN\tEST_COST\tVARIANCE\tPAID\tDUE\tPROGRESS\t")
	for _, p := range phases {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d%%\t\n",
			p.PhaseName,
			f.money(p.Revenue),
			f.money(p.Costs),
			f.money(p.Profit),
			f.percent(p.Margin),
			f.money(p.EstimatedCost),
			f.money(p.Variance),
			f.money(p.AmountPaid),
			f.money(p.AmountDue),
			p.Progress,
		)
	}
	_ = w.Flush()
}

func (f reportFormatter) totals(out io.Writer, t *model.ProjectTotals) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Project:\t%s\n", t.ProjectID)
	_, _ = fmt.Fprintf(w, "Actual revenue:\t%s\n", f.money(t.ActualRevenue))
	_, _ = fmt.Fprintf(w, "Estimated revenue:\t%s\n", f.money(t.EstimatedRevenue))
	_, _ = fmt.Fprintf(w, "Actual costs:\t%s\n", f.money(t.ActualCosts))
	_, _ = fmt.Fprintf(w, "Estimated cost:\t%s\n", f.money(t.EstimatedCost))
	_, _ = fmt.Fprintf(w, "Revenue:\t%s\n", f.money(t.Revenue))
	_, _ = fmt.Fprintf(w, "Costs:\t%s\n", f.money(t.Costs))
	_, _ = fmt.Fprintf(w, "Profit:\t%s\n", f.money(t.Profit))
	_, _ = fmt.Fprintf(w, "Margin:\t%s\n", f.percent(t.Margin))
	_, _ = fmt.Fprintf(w, "Variance:\t%s\n", f.money(t.Variance))
	_, _ = fmt.Fprintf(w, "Paid:\t%s\n", f.money(t.AmountPaid))
	_, _ = fmt.Fprintf(w, "Due:\t%s\n", f.money(t.AmountDue))
	_ = w.Flush()
}

func (f reportFormatter) dashboard(out io.Writer, s *model.DashboardStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total revenue:\t%s\n", f.money(s.TotalRevenue))
	_, _ = fmt.Fprintf(w, "Total costs:\t%s\n", f.money(s.TotalCosts))
	_, _ = fmt.Fprintf(w, "Total profit:\t%s\n", f.money(s.TotalProfit))
	_, _ = fmt.Fprintf(w, "Margin:\t%s\n", f.percent(s.Margin))
	_, _ = fmt.Fprintf(w, "Active projects:\t%s\n", f.count(s.ActiveProjects))
	_, _ = fmt.Fprintf(w, "Invoices pending:\t%s\n", f.count(s.InvoicesPending))
	_, _ = fmt.Fprintf(w, "Invoices overdue:\t%s\n", f.count(s.InvoicesOverdue))
	_, _ = fmt.Fprintf(w, "Computed at:\t%s\n", s.ComputedAt.Format("2006-01-02 15:04:05 MST"))
	_ = w.Flush()
}

func init() {
	reportCmd.AddCommand(reportPhasesCmd, reportTotalsCmd, reportDashboardCmd)
	rootCmd.AddCommand(reportCmd)
}
