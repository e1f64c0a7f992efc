// Package monitoring watches project financials in the background and
// raises webhook alerts when a project drifts out of bounds.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/rollup"
)

// ProjectHealth is the rolled-up state of one active project.
type ProjectHealth struct {
	ProjectID string               `json:"project_id"`
	Name      string               `json:"name"`
	Totals    *model.ProjectTotals `json:"totals"`
	Phases    []model.PhaseSummary `json:"phases"`
}

// MetricsSnapshot holds a point-in-time view of the active portfolio.
type MetricsSnapshot struct {
	Projects    []ProjectHealth `json:"projects"`
	CollectedAt time.Time       `json:"collected_at"`
}

// ProjectLister lists projects to inspect.
type ProjectLister interface {
	ListProjects(ctx context.Context, filter model.ProjectFilter) ([]model.Project, error)
}

// Summarizer computes per-phase rollups.
type Summarizer interface {
	ComputePhaseSummary(ctx context.Context, projectID string) ([]model.PhaseSummary, error)
}

// Collector gathers project rollups for evaluation.
type Collector struct {
	projects    ProjectLister
	summarizer  Summarizer
	concurrency int
}

// NewCollector creates a new metrics collector.
func NewCollector(projects ProjectLister, summarizer Summarizer) *Collector {
	return &Collector{projects: projects, summarizer: summarizer, concurrency: 4}
}

// Collect rolls up every active project.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	projects, err := c.projects.ListProjects(ctx, model.ProjectFilter{ActiveOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list projects")
	}

	snap := &MetricsSnapshot{
		Projects:    make([]ProjectHealth, len(projects)),
		CollectedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, p := range projects {
		g.Go(func() error {
			phases, err := c.summarizer.ComputePhaseSummary(gctx, p.ID)
			if err != nil {
				return eris.Wrapf(err, "monitoring: summarize project %s", p.ID)
			}
			mu.Lock()
			snap.Projects[i] = ProjectHealth{
				ProjectID: p.ID,
				Name:      p.Name,
				Totals:    rollup.Totals(p.ID, phases),
				Phases:    phases,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}
