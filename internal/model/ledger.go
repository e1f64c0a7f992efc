package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project is a billable job whose actuals arrive from the accounting system.
type Project struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Client    string     `json:"client,omitempty" yaml:"client"`
	Active    bool       `json:"active" yaml:"active"`
	StartDate *time.Time `json:"start_date,omitempty" yaml:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty" yaml:"end_date"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BuildPhase is an entry in the ordered phase catalog (e.g., Foundation, Framing).
type BuildPhase struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	DisplayOrder int    `json:"display_order" yaml:"display_order"`
	Color        string `json:"color,omitempty" yaml:"color"`
	Icon         string `json:"icon,omitempty" yaml:"icon"`
	Active       bool   `json:"active" yaml:"active"`
}

// InvoiceType distinguishes revenue-recognizing from cost-recognizing invoices.
type InvoiceType string

const (
	InvoiceTypeReceivable InvoiceType = "ACCREC" // revenue
	InvoiceTypePayable    InvoiceType = "ACCPAY" // cost
)

// Valid reports whether t is a known invoice type.
func (t InvoiceType) Valid() bool {
	return t == InvoiceTypeReceivable || t == InvoiceTypePayable
}

// DocStatus is the accounting status of an invoice or bill.
type DocStatus string

const (
	DocStatusDraft      DocStatus = "DRAFT"
	DocStatusAuthorised DocStatus = "AUTHORISED"
	DocStatusPaid       DocStatus = "PAID"
	DocStatusVoided     DocStatus = "VOIDED"
)

// CountsAsActual reports whether documents in this status contribute to actuals.
func (s DocStatus) CountsAsActual() bool {
	return s == DocStatusAuthorised || s == DocStatusPaid
}

// Valid reports whether s is a known status.
func (s DocStatus) Valid() bool {
	switch s {
	case DocStatusDraft, DocStatusAuthorised, DocStatusPaid, DocStatusVoided:
		return true
	}
	return false
}

// Invoice is an immutable actual synced from the accounting system.
type Invoice struct {
	ID         string          `json:"id" yaml:"id"`
	ProjectID  string          `json:"project_id" yaml:"project_id"`
	PhaseID    *string         `json:"phase_id,omitempty" yaml:"phase_id"`
	Type       InvoiceType     `json:"type" yaml:"type"`
	Status     DocStatus       `json:"status" yaml:"status"`
	Total      decimal.Decimal `json:"total" yaml:"total"`
	AmountPaid decimal.Decimal `json:"amount_paid" yaml:"amount_paid"`
	AmountDue  decimal.Decimal `json:"amount_due" yaml:"amount_due"`
	Date       time.Time       `json:"date" yaml:"date"`
	DueDate    *time.Time      `json:"due_date,omitempty" yaml:"due_date"`
	Reference  string          `json:"reference,omitempty" yaml:"reference"`
}

// Bill is a supplier bill synced from the accounting system. Bills are costs.
type Bill struct {
	ID         string          `json:"id" yaml:"id"`
	ProjectID  string          `json:"project_id" yaml:"project_id"`
	PhaseID    *string         `json:"phase_id,omitempty" yaml:"phase_id"`
	Status     DocStatus       `json:"status" yaml:"status"`
	Total      decimal.Decimal `json:"total" yaml:"total"`
	AmountPaid decimal.Decimal `json:"amount_paid" yaml:"amount_paid"`
	AmountDue  decimal.Decimal `json:"amount_due" yaml:"amount_due"`
	Date       time.Time       `json:"date" yaml:"date"`
	DueDate    *time.Time      `json:"due_date,omitempty" yaml:"due_date"`
	Reference  string          `json:"reference,omitempty" yaml:"reference"`
}

// ActualKind names the table an actual lives in.
type ActualKind string

const (
	ActualInvoice ActualKind = "invoice"
	ActualBill    ActualKind = "bill"
)

// ActualRef identifies a single invoice or bill.
type ActualRef struct {
	Kind ActualKind `json:"kind"`
	ID   string     `json:"id"`
}

// ProjectFilter narrows ListProjects.
type ProjectFilter struct {
	ActiveOnly bool
}
