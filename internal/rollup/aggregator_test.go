package rollup

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/store"
)

var asOf = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "rollup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertPhases(ctx, []model.BuildPhase{
		{ID: "framing", Name: "Framing", DisplayOrder: 2, Active: true},
		{ID: "foundation", Name: "Foundation", DisplayOrder: 1, Active: true, Color: "#607d8b"},
		{ID: "legacy", Name: "Legacy", DisplayOrder: 3, Active: false},
	}))
	require.NoError(t, st.UpsertProjects(ctx, []model.Project{
		{ID: "p1", Name: "Harbour View", Active: true},
		{ID: "p2", Name: "Old Mill", Active: false},
		{ID: "p3", Name: "Empty Lot", Active: true},
	}))
	return st
}

func addEstimate(t *testing.T, st store.Store, projectID string, phase *string, kind model.EstimateKind, amount string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &model.Estimate{
		ID: projectID + "-" + string(kind) + "-" + amount, ProjectID: projectID, PhaseID: phase, Kind: kind,
		Amount: dec(amount), EstimateDate: now, ValidFrom: now,
		CreatedBy: "alice", UpdatedBy: "alice", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertEstimate(context.Background(), e)
	}))
}

// seedScenario records a paid 10,000 invoice, an authorised 4,000 bill and
// a 1,000 cost estimate against the foundation phase of p1.
func seedScenario(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertInvoices(ctx, []model.Invoice{
		{ID: "inv-1", ProjectID: "p1", PhaseID: ptr("foundation"), Type: model.InvoiceTypeReceivable,
			Status: model.DocStatusPaid, Total: dec("10000"), AmountPaid: dec("10000"), Date: day("2026-02-01")},
	}))
	require.NoError(t, st.UpsertBills(ctx, []model.Bill{
		{ID: "bill-1", ProjectID: "p1", PhaseID: ptr("foundation"), Status: model.DocStatusAuthorised,
			Total: dec("4000"), AmountDue: dec("4000"), Date: day("2026-02-03")},
	}))
	addEstimate(t, st, "p1", ptr("foundation"), model.EstimateCost, "1000")
}

func findPhase(t *testing.T, summaries []model.PhaseSummary, id string) model.PhaseSummary {
	t.Helper()
	for _, s := range summaries {
		if s.PhaseID == id {
			return s
		}
	}
	t.Fatalf("phase %q not in summary", id)
	return model.PhaseSummary{}
}

func TestComputePhaseSummary_Scenario(t *testing.T) {
	st := newTestStore(t)
	seedScenario(t, st)
	agg := NewAggregator(st)

	summaries, err := agg.ComputePhaseSummary(context.Background(), "p1")
	require.NoError(t, err)

	f := findPhase(t, summaries, "foundation")
	assert.True(t, dec("10000").Equal(f.Revenue), "revenue %s", f.Revenue)
	assert.True(t, dec("5000").Equal(f.Costs), "costs %s", f.Costs)
	assert.True(t, dec("5000").Equal(f.Profit), "profit %s", f.Profit)
	assert.True(t, dec("0.5").Equal(f.Margin), "margin %s", f.Margin)
	assert.True(t, dec("-3000").Equal(f.Variance), "variance %s", f.Variance)
	assert.True(t, dec("4000").Equal(f.AmountDue))
	assert.True(t, f.AmountPaid.IsZero())
	assert.Equal(t, "#607d8b", f.Color)
}

func TestComputePhaseSummary_OrderAndBuckets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	require.NoError(t, st.UpsertBills(ctx, []model.Bill{
		{ID: "bill-legacy", ProjectID: "p1", PhaseID: ptr("legacy"), Status: model.DocStatusPaid, Total: dec("999"), Date: day("2026-01-01")},
	}))
	agg := NewAggregator(st)

	summaries, err := agg.ComputePhaseSummary(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, summaries, 2, "active phases only, no unassigned bucket without activity")
	assert.Equal(t, "foundation", summaries[0].PhaseID)
	assert.Equal(t, "framing", summaries[1].PhaseID)
	assert.True(t, summaries[1].Revenue.IsZero())
	assert.True(t, summaries[1].Margin.IsZero(), "zero revenue means zero margin")

	addEstimate(t, st, "p1", nil, model.EstimateRevenue, "2500")
	summaries, err = agg.ComputePhaseSummary(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	last := summaries[2]
	assert.Equal(t, model.UnassignedPhaseID, last.PhaseID)
	assert.Equal(t, model.UnassignedPhaseName, last.PhaseName)
	assert.True(t, dec("2500").Equal(last.EstimatedRevenue))

	active := ActivePhases(summaries)
	require.Len(t, active, 2)
	assert.Equal(t, "foundation", active[0].PhaseID)
	assert.Equal(t, model.UnassignedPhaseID, active[1].PhaseID)
}

func TestComputePhaseSummary_StatusAndTypeRules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertInvoices(ctx, []model.Invoice{
		{ID: "i-draft", ProjectID: "p1", PhaseID: ptr("framing"), Type: model.InvoiceTypeReceivable, Status: model.DocStatusDraft, Total: dec("100"), Date: day("2026-01-01")},
		{ID: "i-void", ProjectID: "p1", PhaseID: ptr("framing"), Type: model.InvoiceTypeReceivable, Status: model.DocStatusVoided, Total: dec("200"), Date: day("2026-01-01")},
		{ID: "i-auth", ProjectID: "p1", PhaseID: ptr("framing"), Type: model.InvoiceTypeReceivable, Status: model.DocStatusAuthorised, Total: dec("300"), AmountDue: dec("300"), Date: day("2026-01-01")},
		{ID: "i-pay", ProjectID: "p1", PhaseID: ptr("framing"), Type: model.InvoiceTypePayable, Status: model.DocStatusPaid, Total: dec("50"), Date: day("2026-01-01")},
	}))
	require.NoError(t, st.UpsertBills(ctx, []model.Bill{
		{ID: "b-paid", ProjectID: "p1", PhaseID: ptr("framing"), Status: model.DocStatusPaid, Total: dec("70.25"), AmountPaid: dec("70.25"), Date: day("2026-01-01")},
		{ID: "b-draft", ProjectID: "p1", PhaseID: ptr("framing"), Status: model.DocStatusDraft, Total: dec("1000"), Date: day("2026-01-01")},
	}))
	addEstimate(t, st, "p1", ptr("framing"), model.EstimateMaterials, "20")
	addEstimate(t, st, "p1", ptr("framing"), model.EstimateHours, "40")
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.UpsertProgress(ctx, &model.PhaseProgress{ProjectID: "p1", PhaseID: "framing", Percent: 35, UpdatedBy: "alice", CreatedAt: asOf, UpdatedAt: asOf})
	}))

	summaries, err := NewAggregator(st).ComputePhaseSummary(ctx, "p1")
	require.NoError(t, err)
	f := findPhase(t, summaries, "framing")

	assert.Equal(t, "300.00", f.ActualRevenue.StringFixed(2))
	assert.Equal(t, "120.25", f.ActualCosts.StringFixed(2))
	assert.Equal(t, "20.00", f.EstimatedCost.StringFixed(2), "hours never count as cost")
	assert.Equal(t, "70.25", f.AmountPaid.StringFixed(2))
	assert.Equal(t, "159.75", f.Profit.StringFixed(2))
	assert.Equal(t, "0.5325", f.Margin.StringFixed(4))
	assert.Equal(t, 35, f.Progress)
}

func TestComputePhaseSummary_UnknownProject(t *testing.T) {
	st := newTestStore(t)
	_, err := NewAggregator(st).ComputePhaseSummary(context.Background(), "nope")
	assert.True(t, model.IsNotFound(err))
	_, err = NewAggregator(st).ComputeProjectTotals(context.Background(), "nope")
	assert.True(t, model.IsNotFound(err))
}

func TestComputeProjectTotals(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)
	addEstimate(t, st, "p1", ptr("framing"), model.EstimateRevenue, "10000")
	addEstimate(t, st, "p1", ptr("framing"), model.EstimateCost, "9000")

	totals, err := NewAggregator(st).ComputeProjectTotals(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", totals.ProjectID)
	assert.Equal(t, "20000.00", totals.Revenue.StringFixed(2))
	assert.Equal(t, "14000.00", totals.Costs.StringFixed(2))
	assert.Equal(t, "6000.00", totals.Profit.StringFixed(2))
	// 6000/20000, not the average of 0.5 and 0.1.
	assert.Equal(t, "0.3000", totals.Margin.StringFixed(4))
	assert.Equal(t, "6000.00", totals.Variance.StringFixed(2))

	empty, err := NewAggregator(st).ComputeProjectTotals(ctx, "p3")
	require.NoError(t, err)
	assert.True(t, empty.Margin.IsZero())
}

func TestComputeDashboardStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	require.NoError(t, st.UpsertInvoices(ctx, []model.Invoice{
		{ID: "inv-overdue", ProjectID: "p1", Type: model.InvoiceTypeReceivable, Status: model.DocStatusAuthorised,
			Total: dec("500"), AmountDue: dec("500"), Date: day("2026-02-01"), DueDate: ptr(day("2026-03-01"))},
		{ID: "inv-pending", ProjectID: "p1", Type: model.InvoiceTypeReceivable, Status: model.DocStatusAuthorised,
			Total: dec("700"), AmountDue: dec("700"), Date: day("2026-03-20"), DueDate: ptr(day("2026-04-20"))},
		{ID: "inv-archived", ProjectID: "p2", Type: model.InvoiceTypeReceivable, Status: model.DocStatusAuthorised,
			Total: dec("9999"), AmountDue: dec("9999"), Date: day("2026-01-01"), DueDate: ptr(day("2026-01-15"))},
	}))

	agg := NewAggregator(st, WithClock(func() time.Time { return asOf }))
	stats, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.ActiveProjects)
	assert.Equal(t, 2, stats.InvoicesPending)
	assert.Equal(t, 1, stats.InvoicesOverdue)
	assert.Equal(t, "11200.00", stats.TotalRevenue.StringFixed(2))
	assert.Equal(t, "5000.00", stats.TotalCosts.StringFixed(2))
	assert.Equal(t, "6200.00", stats.TotalProfit.StringFixed(2))
	assert.Equal(t, asOf, stats.ComputedAt)
}

func TestComputeDashboardStats_CountsInactivePhases(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)
	require.NoError(t, st.UpsertInvoices(ctx, []model.Invoice{
		{ID: "inv-legacy", ProjectID: "p1", PhaseID: ptr("legacy"), Type: model.InvoiceTypeReceivable,
			Status: model.DocStatusPaid, Total: dec("2500"), AmountPaid: dec("2500"), Date: day("2026-01-10")},
	}))

	agg := NewAggregator(st, WithClock(func() time.Time { return asOf }))
	totals, err := agg.ComputeProjectTotals(ctx, "p1")
	require.NoError(t, err)
	stats, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, "10000.00", totals.Revenue.StringFixed(2))
	assert.Equal(t, "12500.00", stats.TotalRevenue.StringFixed(2))
	assert.True(t, stats.TotalCosts.Equal(totals.Costs))
}

func TestComputeDashboardStats_CachedUntilInvalidated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	agg := NewAggregator(st, WithCache(NewMemoryCache(time.Hour)))
	first, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)

	addEstimate(t, st, "p3", nil, model.EstimateRevenue, "1000")
	second, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)
	assert.True(t, first.TotalRevenue.Equal(second.TotalRevenue), "served from cache")
	assert.Equal(t, first.ComputedAt, second.ComputedAt)

	require.NoError(t, agg.Invalidate(ctx))
	third, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11000.00", third.TotalRevenue.StringFixed(2))
}

func TestComputeDashboardStats_IdempotentWithoutCache(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	agg := NewAggregator(st, WithCache(NewMemoryCache(0)), WithClock(func() time.Time { return asOf }))
	a, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)
	b, err := agg.ComputeDashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// countingReader counts portfolio queries and slows them down so concurrent
// dashboard requests overlap.
type countingReader struct {
	store.Reader
	calls atomic.Int32
}

func (r *countingReader) SumPortfolio(ctx context.Context, asOf time.Time) (*model.PortfolioSums, error) {
	r.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return r.Reader.SumPortfolio(ctx, asOf)
}

func TestComputeDashboardStats_ConcurrentMissesShareWork(t *testing.T) {
	st := newTestStore(t)
	seedScenario(t, st)
	reader := &countingReader{Reader: st}
	agg := NewAggregator(reader, WithCache(NewMemoryCache(time.Hour)))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := agg.ComputeDashboardStats(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "10000.00", stats.TotalRevenue.StringFixed(2))
		}()
	}
	wg.Wait()
	assert.Less(t, reader.calls.Load(), int32(10))
}

type brokenCache struct{}

func (brokenCache) Get(context.Context) (*model.DashboardStats, bool, error) {
	return nil, false, assert.AnError
}
func (brokenCache) Set(context.Context, *model.DashboardStats) error { return assert.AnError }
func (brokenCache) Invalidate(context.Context) error                 { return assert.AnError }

func TestComputeDashboardStats_CacheFailureFallsBack(t *testing.T) {
	st := newTestStore(t)
	seedScenario(t, st)
	agg := NewAggregator(st, WithCache(brokenCache{}))

	stats, err := agg.ComputeDashboardStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5000", stats.Margin.StringFixed(4))
	assert.Error(t, agg.Invalidate(context.Background()))
}
