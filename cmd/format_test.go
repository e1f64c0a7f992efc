package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/jobcost/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReportFormatter_Money(t *testing.T) {
	f := makeReportFormatter("USD", "en-US")
	assert.Equal(t, "$10,000.00", f.money(dec("10000")))
	assert.Equal(t, "$2,350.40", f.money(dec("2350.4")))
	assert.Equal(t, "$0.01", f.money(dec("0.005")))
}

func TestReportFormatter_UnknownCurrencyFallsBack(t *testing.T) {
	f := makeReportFormatter("XXXX", "not a locale!!")
	assert.Equal(t, "$5.00", f.money(dec("5")))
}

func TestReportFormatter_PercentAndCount(t *testing.T) {
	f := makeReportFormatter("USD", "en-US")
	assert.Equal(t, "50.0%", f.percent(dec("0.5")))
	assert.Equal(t, "53.4%", f.percent(dec("0.5336")))
	assert.Equal(t, "1,234", f.count(1234))
}

func TestReportFormatter_Phases(t *testing.T) {
	f := makeReportFormatter("USD", "en-US")
	var buf bytes.Buffer
	f.phases(&buf, []model.PhaseSummary{
		{PhaseName: "Foundation", Revenue: dec("10000"), Costs: dec("4000"), Profit: dec("6000"), Margin: dec("0.6"), Progress: 80},
		{PhaseName: model.UnassignedPhaseName, Costs: dec("1000"), Profit: dec("-1000")},
	})

	out := buf.String()
	assert.Contains(t, out, "PHASE")
	assert.Contains(t, out, "Foundation")
	assert.Contains(t, out, "$10,000.00")
	assert.Contains(t, out, "60.0%")
	assert.Contains(t, out, "80%")
	assert.Contains(t, out, "Unassigned")
}

func TestReportFormatter_Dashboard(t *testing.T) {
	f := makeReportFormatter("USD", "en-US")
	var buf bytes.Buffer
	f.dashboard(&buf, &model.DashboardStats{
		TotalRevenue:    dec("11200"),
		TotalCosts:      dec("5000"),
		TotalProfit:     dec("6200"),
		Margin:          dec("0.5536"),
		ActiveProjects:  2,
		InvoicesPending: 2,
		InvoicesOverdue: 1,
		ComputedAt:      time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	})

	out := buf.String()
	assert.Contains(t, out, "$11,200.00")
	assert.Contains(t, out, "55.4%")
	assert.Contains(t, out, "Invoices overdue:")
	assert.Contains(t, out, "2026-04-01 12:00:00 UTC")
}

func TestFormatEstimates(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	phase := "framing"
	conf := 4
	ests := []model.Estimate{
		{
			ID: "abc12345-6789-0000-0000-000000000000", PhaseID: &phase, Kind: model.EstimateCost,
			Amount: dec("1500"), EstimateDate: now, Confidence: &conf, ValidFrom: now, UpdatedBy: "alice",
		},
		{
			ID: "def12345-6789-0000-0000-000000000000", Kind: model.EstimateRevenue,
			Amount: dec("900.5"), EstimateDate: now, ValidFrom: now.Add(-time.Hour), ValidUntil: &now, UpdatedBy: "bob",
		},
	}

	var buf bytes.Buffer
	formatEstimates(&buf, ests)

	out := buf.String()
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "framing")
	assert.Contains(t, out, "1500.00")
	assert.Contains(t, out, "current")
	assert.Contains(t, out, "Unassigned")
	assert.Contains(t, out, "900.50")
	assert.Contains(t, out, "2026-03-01 09:30")
}

func TestFormatProgress(t *testing.T) {
	var buf bytes.Buffer
	formatProgress(&buf, []model.PhaseProgress{
		{ProjectID: "p1", PhaseID: "framing", Percent: 40, UpdatedBy: "alice", UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ProjectID: "p1", PhaseID: "finishes"},
	})

	out := buf.String()
	assert.Contains(t, out, "40%")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "finishes")
	assert.Contains(t, out, "0%")
}

func TestFormatAudit(t *testing.T) {
	var buf bytes.Buffer
	formatAudit(&buf, []model.AuditLogEntry{{
		EventType: model.AuditProgressChange,
		Action:    model.AuditUpdate,
		EntityID:  "p1:framing",
		Actor:     "alice",
		Metadata:  map[string]any{"old": 10, "new": 40},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "progress_change")
	assert.Contains(t, out, "p1:framing")
	assert.Contains(t, out, `"new":40`)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
