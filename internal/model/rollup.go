package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnassignedPhaseID is the synthetic bucket for activity without a phase.
const UnassignedPhaseID = ""

// UnassignedPhaseName labels the synthetic bucket in summaries.
const UnassignedPhaseName = "Unassigned"

// PhaseActuals holds summed actuals for one phase bucket.
type PhaseActuals struct {
	Revenue    decimal.Decimal
	Costs      decimal.Decimal
	AmountPaid decimal.Decimal
	AmountDue  decimal.Decimal
}

// PhaseEstimates holds summed current estimates for one phase bucket.
type PhaseEstimates struct {
	Revenue decimal.Decimal
	Cost    decimal.Decimal
}

// PhaseSummary is the rolled-up view of a single phase of a project.
type PhaseSummary struct {
	PhaseID          string          `json:"phase_id"`
	PhaseName        string          `json:"phase_name"`
	DisplayOrder     int             `json:"display_order"`
	Color            string          `json:"color,omitempty"`
	Icon             string          `json:"icon,omitempty"`
	ActualRevenue    decimal.Decimal `json:"actual_revenue"`
	ActualCosts      decimal.Decimal `json:"actual_costs"`
	EstimatedRevenue decimal.Decimal `json:"estimated_revenue"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	Revenue          decimal.Decimal `json:"revenue"`
	Costs            decimal.Decimal `json:"costs"`
	Profit           decimal.Decimal `json:"profit"`
	Margin           decimal.Decimal `json:"margin"`
	Variance         decimal.Decimal `json:"variance"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	AmountDue        decimal.Decimal `json:"amount_due"`
	Progress         int             `json:"progress"`
}

// HasActivity reports whether the phase carries any financial figure or progress.
func (p PhaseSummary) HasActivity() bool {
	return !p.ActualRevenue.IsZero() || !p.ActualCosts.IsZero() ||
		!p.EstimatedRevenue.IsZero() || !p.EstimatedCost.IsZero() ||
		!p.AmountPaid.IsZero() || !p.AmountDue.IsZero() || p.Progress > 0
}

// ProjectTotals sums every phase of a project.
type ProjectTotals struct {
	ProjectID        string          `json:"project_id"`
	ActualRevenue    decimal.Decimal `json:"actual_revenue"`
	ActualCosts      decimal.Decimal `json:"actual_costs"`
	EstimatedRevenue decimal.Decimal `json:"estimated_revenue"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	Revenue          decimal.Decimal `json:"revenue"`
	Costs            decimal.Decimal `json:"costs"`
	Profit           decimal.Decimal `json:"profit"`
	Margin           decimal.Decimal `json:"margin"`
	Variance         decimal.Decimal `json:"variance"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	AmountDue        decimal.Decimal `json:"amount_due"`
}

// PortfolioSums is the raw aggregate backing the dashboard.
type PortfolioSums struct {
	ActualRevenue    decimal.Decimal
	ActualCosts      decimal.Decimal
	EstimatedRevenue decimal.Decimal
	EstimatedCost    decimal.Decimal
	ActiveProjects   int
	InvoicesPending  int
	InvoicesOverdue  int
}

// DashboardStats is the portfolio-wide snapshot shown on the dashboard.
type DashboardStats struct {
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	TotalCosts      decimal.Decimal `json:"total_costs"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	Margin          decimal.Decimal `json:"margin"`
	ActiveProjects  int             `json:"active_projects"`
	InvoicesPending int             `json:"invoices_pending"`
	InvoicesOverdue int             `json:"invoices_overdue"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// Margin returns profit/revenue, or zero when revenue is zero.
func Margin(profit, revenue decimal.Decimal) decimal.Decimal {
	if revenue.IsZero() {
		return decimal.Zero
	}
	return profit.DivRound(revenue, 4)
}

// MarginPercent renders a margin fraction as a percentage.
func MarginPercent(margin decimal.Decimal) decimal.Decimal {
	return margin.Shift(2).Round(2)
}
