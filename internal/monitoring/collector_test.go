package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/rollup"
	"github.com/sells-group/jobcost/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeProjects implements ProjectLister for testing.
type fakeProjects struct {
	projects []model.Project
	err      error
	filters  []model.ProjectFilter
}

func (f *fakeProjects) ListProjects(_ context.Context, filter model.ProjectFilter) ([]model.Project, error) {
	f.filters = append(f.filters, filter)
	return f.projects, f.err
}

// fakeSummarizer implements Summarizer for testing.
type fakeSummarizer struct {
	phases map[string][]model.PhaseSummary
	err    error
}

func (f *fakeSummarizer) ComputePhaseSummary(_ context.Context, projectID string) ([]model.PhaseSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.phases[projectID], nil
}

func TestCollector_Collect(t *testing.T) {
	projects := &fakeProjects{projects: []model.Project{
		{ID: "p1", Name: "Harbour View", Active: true},
		{ID: "p2", Name: "Old Mill", Active: true},
	}}
	sum := &fakeSummarizer{phases: map[string][]model.PhaseSummary{
		"p1": {{PhaseID: "framing", ActualRevenue: dec("1000"), ActualCosts: dec("600")}},
	}}

	snap, err := NewCollector(projects, sum).Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Projects, 2)
	assert.Equal(t, "p1", snap.Projects[0].ProjectID)
	assert.Equal(t, "Harbour View", snap.Projects[0].Name)
	assert.True(t, snap.Projects[0].Totals.Revenue.Equal(dec("1000")))
	assert.True(t, snap.Projects[0].Totals.Margin.Equal(dec("0.4")))
	assert.Equal(t, "p2", snap.Projects[1].ProjectID)
	assert.True(t, snap.Projects[1].Totals.Revenue.IsZero())
	assert.False(t, snap.CollectedAt.IsZero())

	require.Len(t, projects.filters, 1)
	assert.True(t, projects.filters[0].ActiveOnly)
}

func TestCollector_ListError(t *testing.T) {
	projects := &fakeProjects{err: errors.New("db down")}
	_, err := NewCollector(projects, &fakeSummarizer{}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list projects")
}

func TestCollector_SummaryError(t *testing.T) {
	projects := &fakeProjects{projects: []model.Project{{ID: "p1", Active: true}}}
	_, err := NewCollector(projects, &fakeSummarizer{err: errors.New("boom")}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarize project p1")
}

func TestCollector_WithStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertPhases(ctx, []model.BuildPhase{
		{ID: "framing", Name: "Framing", DisplayOrder: 1, Active: true},
	}))
	require.NoError(t, st.UpsertProjects(ctx, []model.Project{
		{ID: "p1", Name: "Harbour View", Active: true},
		{ID: "p2", Name: "Old Mill", Active: false},
	}))
	framing := "framing"
	require.NoError(t, st.UpsertInvoices(ctx, []model.Invoice{{
		ID: "INV-1", ProjectID: "p1", PhaseID: &framing, Type: model.InvoiceTypeReceivable,
		Status: model.DocStatusPaid, Total: dec("1000"), AmountPaid: dec("1000"),
		Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}))
	require.NoError(t, st.UpsertBills(ctx, []model.Bill{{
		ID: "BILL-1", ProjectID: "p1", PhaseID: &framing, Status: model.DocStatusAuthorised,
		Total: dec("950"), AmountDue: dec("950"),
		Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}}))

	agg := rollup.NewAggregator(st)
	snap, err := NewCollector(st, agg).Collect(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "p1", snap.Projects[0].ProjectID)
	assert.True(t, snap.Projects[0].Totals.Margin.Equal(dec("0.05")))

	alerts := NewAlerter(testConfig()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowMargin, alerts[0].Type)
}
