// Package rollup derives per-phase, per-project and portfolio figures from
// the ledger. Nothing here is stored: every figure is recomputed from
// actuals, current estimates and progress on demand.
package rollup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/store"
)

const dashboardKey = "dashboard"

// Aggregator computes rollups over a store.Reader.
type Aggregator struct {
	reader store.Reader
	cache  StatsCache
	group  singleflight.Group
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCache sets the dashboard snapshot cache. Default: a 30s MemoryCache.
func WithCache(c StatsCache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithClock overrides the clock used for "today" and ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator reading from r.
func NewAggregator(r store.Reader, opts ...Option) *Aggregator {
	a := &Aggregator{
		reader: r,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(a)
	}
	if a.cache == nil {
		a.cache = NewMemoryCache(30 * time.Second)
	}
	return a
}

// ComputePhaseSummary returns one summary per active phase in display
// order, followed by the Unassigned bucket when it carries activity.
// Activity recorded against inactive phases is left out.
func (a *Aggregator) ComputePhaseSummary(ctx context.Context, projectID string) ([]model.PhaseSummary, error) {
	if _, err := a.reader.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	var (
		phases    []model.BuildPhase
		actuals   map[string]model.PhaseActuals
		estimates map[string]model.PhaseEstimates
		progress  []model.PhaseProgress
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		phases, err = a.reader.ListPhases(gctx, true)
		return err
	})
	g.Go(func() error {
		var err error
		actuals, err = a.reader.SumActualsByPhase(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		estimates, err = a.reader.SumEstimatesByPhase(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		progress, err = a.reader.ListProgress(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pct := make(map[string]int, len(progress))
	for _, p := range progress {
		pct[p.PhaseID] = p.Percent
	}

	out := make([]model.PhaseSummary, 0, len(phases)+1)
	for _, ph := range phases {
		s := summarize(ph.ID, actuals[ph.ID], estimates[ph.ID], pct[ph.ID])
		s.PhaseName = ph.Name
		s.DisplayOrder = ph.DisplayOrder
		s.Color = ph.Color
		s.Icon = ph.Icon
		out = append(out, s)
	}

	unassigned := summarize(model.UnassignedPhaseID,
		actuals[model.UnassignedPhaseID], estimates[model.UnassignedPhaseID], 0)
	unassigned.PhaseName = model.UnassignedPhaseName
	if unassigned.HasActivity() {
		if n := len(phases); n > 0 {
			unassigned.DisplayOrder = phases[n-1].DisplayOrder + 1
		}
		out = append(out, unassigned)
	}
	return out, nil
}

// ActivePhases keeps only the summaries with financial activity or progress.
func ActivePhases(summaries []model.PhaseSummary) []model.PhaseSummary {
	out := make([]model.PhaseSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.HasActivity() {
			out = append(out, s)
		}
	}
	return out
}

// ComputeProjectTotals sums every phase of a project. Margin is recomputed
// from the summed profit and revenue, not averaged.
func (a *Aggregator) ComputeProjectTotals(ctx context.Context, projectID string) (*model.ProjectTotals, error) {
	summaries, err := a.ComputePhaseSummary(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Totals(projectID, summaries), nil
}

// Totals sums phase summaries into project totals.
func Totals(projectID string, summaries []model.PhaseSummary) *model.ProjectTotals {
	t := &model.ProjectTotals{ProjectID: projectID}
	for _, s := range summaries {
		t.ActualRevenue = t.ActualRevenue.Add(s.ActualRevenue)
		t.ActualCosts = t.ActualCosts.Add(s.ActualCosts)
		t.EstimatedRevenue = t.EstimatedRevenue.Add(s.EstimatedRevenue)
		t.EstimatedCost = t.EstimatedCost.Add(s.EstimatedCost)
		t.AmountPaid = t.AmountPaid.Add(s.AmountPaid)
		t.AmountDue = t.AmountDue.Add(s.AmountDue)
	}
	t.Revenue = t.ActualRevenue.Add(t.EstimatedRevenue)
	t.Costs = t.ActualCosts.Add(t.EstimatedCost)
	t.Profit = t.Revenue.Sub(t.Costs)
	t.Margin = model.Margin(t.Profit, t.Revenue)
	t.Variance = t.EstimatedCost.Sub(t.ActualCosts)
	return t
}

// ComputeDashboardStats returns the portfolio snapshot, serving it from the
// cache while fresh. Concurrent misses share one computation.
func (a *Aggregator) ComputeDashboardStats(ctx context.Context) (*model.DashboardStats, error) {
	if stats, ok, err := a.cache.Get(ctx); err != nil {
		zap.L().Warn("rollup: dashboard cache read failed", zap.Error(err))
	} else if ok {
		return stats, nil
	}

	v, err, _ := a.group.Do(dashboardKey, func() (any, error) {
		stats, err := a.computeDashboard(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.cache.Set(ctx, stats); err != nil {
			zap.L().Warn("rollup: dashboard cache write failed", zap.Error(err))
		}
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	stats := *v.(*model.DashboardStats)
	return &stats, nil
}

// Invalidate drops the cached dashboard snapshot.
func (a *Aggregator) Invalidate(ctx context.Context) error {
	return eris.Wrap(a.cache.Invalidate(ctx), "rollup: invalidate dashboard cache")
}

// computeDashboard reads the portfolio straight from the ledger. Money on
// retired phases stays in these figures even though project totals drop it.
func (a *Aggregator) computeDashboard(ctx context.Context) (*model.DashboardStats, error) {
	now := a.now()
	sums, err := a.reader.SumPortfolio(ctx, now)
	if err != nil {
		return nil, err
	}

	revenue := sums.ActualRevenue.Add(sums.EstimatedRevenue)
	costs := sums.ActualCosts.Add(sums.EstimatedCost)
	profit := revenue.Sub(costs)
	return &model.DashboardStats{
		TotalRevenue:    revenue,
		TotalCosts:      costs,
		TotalProfit:     profit,
		Margin:          model.Margin(profit, revenue),
		ActiveProjects:  sums.ActiveProjects,
		InvoicesPending: sums.InvoicesPending,
		InvoicesOverdue: sums.InvoicesOverdue,
		ComputedAt:      now,
	}, nil
}

func summarize(phaseID string, act model.PhaseActuals, est model.PhaseEstimates, progress int) model.PhaseSummary {
	s := model.PhaseSummary{
		PhaseID:          phaseID,
		ActualRevenue:    orZero(act.Revenue),
		ActualCosts:      orZero(act.Costs),
		EstimatedRevenue: orZero(est.Revenue),
		EstimatedCost:    orZero(est.Cost),
		AmountPaid:       orZero(act.AmountPaid),
		AmountDue:        orZero(act.AmountDue),
		Progress:         progress,
	}
	s.Revenue = s.ActualRevenue.Add(s.EstimatedRevenue)
	s.Costs = s.ActualCosts.Add(s.EstimatedCost)
	s.Profit = s.Revenue.Sub(s.Costs)
	s.Margin = model.Margin(s.Profit, s.Revenue)
	s.Variance = s.EstimatedCost.Sub(s.ActualCosts)
	return s
}

// orZero normalizes the zero Decimal value so JSON renders "0".
func orZero(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	return d
}
