package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/config"
	"github.com/sells-group/jobcost/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&fakeProjects{}, &fakeSummarizer{})
	cfg := testConfig()
	cfg.CheckIntervalSecs = 1
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&fakeProjects{}, &fakeSummarizer{})
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	projects := &fakeProjects{projects: []model.Project{
		{ID: "p1", Name: "Harbour View", Active: true},
		{ID: "p2", Name: "Old Mill", Active: true},
	}}
	sum := &fakeSummarizer{phases: map[string][]model.PhaseSummary{
		"p1": {{
			PhaseID: "framing", PhaseName: "Framing",
			ActualRevenue: dec("1000"),
			ActualCosts: dec("980"), EstimatedCost: dec("900"), Variance: dec("-80"),
		}},
		"p2": {{
			PhaseID: "framing", PhaseName: "Framing",
			ActualRevenue: dec("5000"), ActualCosts: dec("1000"),
		}},
	}}

	cfg := testConfig()
	cfg.WebhookURL = srv.URL
	checker := NewChecker(NewCollector(projects, sum), NewAlerter(cfg), cfg)

	r := checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, 2, r.Projects)
	assert.Equal(t, 2, r.Triggered)
	assert.Equal(t, 2, r.Sent)
	assert.Equal(t, int32(2), hits.Load())
	require.Len(t, r.Flagged, 1)
	assert.Equal(t, ProjectAlerts{
		ProjectID: "p1", Name: "Harbour View", Count: 2,
		Types: []AlertType{AlertLowMargin, AlertPhaseOverBudget},
	}, r.Flagged[0])
	assert.Empty(t, r.Cleared)
}

func TestChecker_CheckReportsClearedProjects(t *testing.T) {
	projects := &fakeProjects{projects: []model.Project{{ID: "p1", Name: "Harbour View", Active: true}}}
	sum := &fakeSummarizer{phases: map[string][]model.PhaseSummary{
		"p1": {{PhaseID: "framing", PhaseName: "Framing", ActualRevenue: dec("1000"), ActualCosts: dec("980")}},
	}}
	checker := NewChecker(NewCollector(projects, sum), NewAlerter(testConfig()), testConfig())
	ctx := context.Background()

	r := checker.check(ctx, zap.NewNop())
	require.Len(t, r.Flagged, 1)
	assert.Equal(t, 0, r.Sent, "no webhook configured")

	// Same state again: still flagged, nothing cleared.
	r = checker.check(ctx, zap.NewNop())
	require.Len(t, r.Flagged, 1)
	assert.Empty(t, r.Cleared)

	// Revenue recovers; the project drops off the flagged list.
	sum.phases["p1"] = []model.PhaseSummary{{PhaseID: "framing", PhaseName: "Framing",
		ActualRevenue: dec("5000"), ActualCosts: dec("980")}}
	r = checker.check(ctx, zap.NewNop())
	assert.Empty(t, r.Flagged)
	assert.Equal(t, []string{"p1"}, r.Cleared)

	r = checker.check(ctx, zap.NewNop())
	assert.Empty(t, r.Cleared)
}

func TestChecker_CheckCollectError(t *testing.T) {
	collector := NewCollector(&fakeProjects{err: errors.New("db down")}, &fakeSummarizer{})
	checker := NewChecker(collector, NewAlerter(testConfig()), testConfig())
	assert.Equal(t, CheckReport{}, checker.check(context.Background(), zap.NewNop()))
}

func TestGroupAlerts(t *testing.T) {
	names := map[string]string{"p1": "Harbour View", "p2": "Old Mill"}

	tests := []struct {
		name   string
		alerts []Alert
		want   []ProjectAlerts
	}{
		{name: "none", alerts: nil, want: nil},
		{
			name: "worst project first",
			alerts: []Alert{
				{Type: AlertLowMargin, ProjectID: "p1"},
				{Type: AlertPhaseOverBudget, ProjectID: "p2", PhaseID: "framing"},
				{Type: AlertPhaseOverBudget, ProjectID: "p2", PhaseID: "roofing"},
			},
			want: []ProjectAlerts{
				{ProjectID: "p2", Name: "Old Mill", Count: 2, Types: []AlertType{AlertPhaseOverBudget}},
				{ProjectID: "p1", Name: "Harbour View", Count: 1, Types: []AlertType{AlertLowMargin}},
			},
		},
		{
			name: "ties by project id",
			alerts: []Alert{
				{Type: AlertCompleteWithoutSpend, ProjectID: "p2"},
				{Type: AlertLowMargin, ProjectID: "p1"},
			},
			want: []ProjectAlerts{
				{ProjectID: "p1", Name: "Harbour View", Count: 1, Types: []AlertType{AlertLowMargin}},
				{ProjectID: "p2", Name: "Old Mill", Count: 1, Types: []AlertType{AlertCompleteWithoutSpend}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, groupAlerts(tt.alerts, names))
		})
	}
}
