package monitoring

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/config"
)

// Checker re-collects project rollups on a ticker and alerts on the
// projects whose margin or phase spend breaches the configured thresholds.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// flagged holds the projects that raised alerts on the previous check.
	flagged map[string]bool
}

// ProjectAlerts counts the alerts one project raised in a check.
type ProjectAlerts struct {
	ProjectID string
	Name      string
	Count     int
	Types     []AlertType
}

// CheckReport summarizes one pass over the portfolio.
type CheckReport struct {
	Projects  int
	Triggered int
	Sent      int
	Flagged   []ProjectAlerts
	Cleared   []string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		flagged:   map[string]bool{},
	}
}

// Run checks once immediately and then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Float64("margin_threshold", c.cfg.MarginThreshold),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	if ctx.Err() != nil {
		log.Info("alert checker stopped")
		return
	}
	c.check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var checks, sent int
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped",
				zap.Int("checks", checks),
				zap.Int("alerts_sent", sent),
				zap.Int("projects_flagged", len(c.flagged)),
			)
			return
		case <-ticker.C:
			r := c.check(ctx, log)
			checks++
			sent += r.Sent
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) CheckReport {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect project rollups", zap.Error(err))
		return CheckReport{}
	}

	alerts := c.alerter.Evaluate(snap)
	r := CheckReport{Projects: len(snap.Projects), Triggered: len(alerts)}

	names := make(map[string]string, len(snap.Projects))
	for _, p := range snap.Projects {
		names[p.ProjectID] = p.Name
	}
	r.Flagged = groupAlerts(alerts, names)

	now := make(map[string]bool, len(r.Flagged))
	for _, pa := range r.Flagged {
		now[pa.ProjectID] = true
		log.Warn("monitoring: project flagged",
			zap.String("project_id", pa.ProjectID),
			zap.String("project", pa.Name),
			zap.Int("alerts", pa.Count),
			zap.Any("types", pa.Types),
			zap.Bool("new", !c.flagged[pa.ProjectID]),
		)
	}
	for id := range c.flagged {
		if !now[id] {
			r.Cleared = append(r.Cleared, id)
		}
	}
	sort.Strings(r.Cleared)
	for _, id := range r.Cleared {
		log.Info("monitoring: project alerts cleared", zap.String("project_id", id), zap.String("project", names[id]))
	}
	c.flagged = now

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered", zap.Int("projects", r.Projects))
		return r
	}

	r.Sent = c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("projects", r.Projects),
		zap.Int("projects_flagged", len(r.Flagged)),
		zap.Int("alerts_triggered", r.Triggered),
		zap.Int("alerts_sent", r.Sent),
	)
	return r
}

// groupAlerts folds alerts into per-project counts, worst project first.
func groupAlerts(alerts []Alert, names map[string]string) []ProjectAlerts {
	idx := map[string]int{}
	var out []ProjectAlerts
	for _, a := range alerts {
		i, ok := idx[a.ProjectID]
		if !ok {
			i = len(out)
			idx[a.ProjectID] = i
			out = append(out, ProjectAlerts{ProjectID: a.ProjectID, Name: names[a.ProjectID]})
		}
		out[i].Count++
		if !containsType(out[i].Types, a.Type) {
			out[i].Types = append(out[i].Types, a.Type)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out
}

func containsType(types []AlertType, t AlertType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
