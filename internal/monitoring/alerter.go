package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/config"
	"github.com/sells-group/jobcost/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertLowMargin            AlertType = "low_margin"
	AlertPhaseOverBudget      AlertType = "phase_over_budget"
	AlertCompleteWithoutSpend AlertType = "complete_without_spend"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	ProjectID string         `json:"project_id"`
	PhaseID   string         `json:"phase_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	threshold := decimal.NewFromFloat(a.cfg.MarginThreshold)

	for _, p := range snap.Projects {
		t := p.Totals
		// Margin is meaningless without revenue.
		if t != nil && t.Revenue.IsPositive() && t.Margin.LessThan(threshold) {
			alerts = append(alerts, Alert{
				Type:      AlertLowMargin,
				Severity:  "high",
				ProjectID: p.ProjectID,
				Message: fmt.Sprintf("Project %s margin %s%% is below threshold %s%%",
					p.Name, model.MarginPercent(t.Margin).StringFixed(1), model.MarginPercent(threshold).StringFixed(1)),
				Details: map[string]any{
					"margin":    t.Margin.String(),
					"threshold": threshold.String(),
					"revenue":   t.Revenue.StringFixed(2),
					"profit":    t.Profit.StringFixed(2),
				},
				Timestamp: now,
			})
		}

		for _, ph := range p.Phases {
			if a.cfg.AlertOverBudget && ph.EstimatedCost.IsPositive() && ph.Variance.IsNegative() {
				alerts = append(alerts, Alert{
					Type:      AlertPhaseOverBudget,
					Severity:  "medium",
					ProjectID: p.ProjectID,
					PhaseID:   ph.PhaseID,
					Message: fmt.Sprintf("Project %s phase %s is %s over its cost estimate",
						p.Name, ph.PhaseName, ph.Variance.Neg().StringFixed(2)),
					Details: map[string]any{
						"estimated_cost": ph.EstimatedCost.StringFixed(2),
						"actual_costs":   ph.ActualCosts.StringFixed(2),
						"variance":       ph.Variance.StringFixed(2),
					},
					Timestamp: now,
				})
			}
			if a.cfg.AlertCompleteWithoutSpend && ph.Progress == 100 && ph.ActualCosts.IsZero() {
				alerts = append(alerts, Alert{
					Type:      AlertCompleteWithoutSpend,
					Severity:  "low",
					ProjectID: p.ProjectID,
					PhaseID:   ph.PhaseID,
					Message:   fmt.Sprintf("Project %s phase %s is marked complete with no recorded costs", p.Name, ph.PhaseName),
					Timestamp: now,
				})
			}
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("project_id", alert.ProjectID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("project_id", alert.ProjectID),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
