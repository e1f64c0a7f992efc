package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EstimateKind is the category of a forecast figure.
type EstimateKind string

const (
	EstimateRevenue   EstimateKind = "revenue"
	EstimateCost      EstimateKind = "cost"
	EstimateHours     EstimateKind = "hours"
	EstimateMaterials EstimateKind = "materials"
)

// Valid reports whether k is a known estimate kind.
func (k EstimateKind) Valid() bool {
	switch k {
	case EstimateRevenue, EstimateCost, EstimateHours, EstimateMaterials:
		return true
	}
	return false
}

// CountsAsCost reports whether estimates of this kind roll up into estimated cost.
func (k EstimateKind) CountsAsCost() bool {
	return k == EstimateCost || k == EstimateMaterials
}

// EstimateKey identifies the slot that holds at most one current estimate.
// A nil PhaseID is its own slot, not a wildcard.
type EstimateKey struct {
	ProjectID string       `json:"project_id"`
	PhaseID   *string      `json:"phase_id,omitempty"`
	Kind      EstimateKind `json:"kind"`
}

// PhaseKey returns the phase id or "" for the unassigned slot.
func (k EstimateKey) PhaseKey() string {
	if k.PhaseID == nil {
		return ""
	}
	return *k.PhaseID
}

// Estimate is one version of a user-entered forecast. ValidUntil is nil
// for the current version.
type Estimate struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	PhaseID      *string         `json:"phase_id,omitempty"`
	Kind         EstimateKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	EstimateDate time.Time       `json:"estimate_date"`
	Confidence   *int            `json:"confidence,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	CreatedBy    string          `json:"created_by"`
	UpdatedBy    string          `json:"updated_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the estimate's uniqueness key.
func (e *Estimate) Key() EstimateKey {
	return EstimateKey{ProjectID: e.ProjectID, PhaseID: e.PhaseID, Kind: e.Kind}
}

// IsCurrent reports whether the estimate has not been superseded or deleted.
func (e *Estimate) IsCurrent() bool {
	return e.ValidUntil == nil
}

// Owner implements authz.Ownable.
func (e *Estimate) Owner() string {
	return e.CreatedBy
}

// Snapshot returns the audit metadata view of the estimate.
func (e *Estimate) Snapshot() map[string]any {
	m := map[string]any{
		"id":            e.ID,
		"project_id":    e.ProjectID,
		"kind":          string(e.Kind),
		"amount":        e.Amount.StringFixed(2),
		"estimate_date": e.EstimateDate.Format("2006-01-02"),
		"notes":         e.Notes,
	}
	if e.PhaseID != nil {
		m["phase_id"] = *e.PhaseID
	}
	if e.Confidence != nil {
		m["confidence"] = *e.Confidence
	}
	return m
}
