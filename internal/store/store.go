// Package store persists the ledger: projects, phases, actuals, versioned
// estimates, phase progress and the audit trail.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost/internal/model"
)

// Reader is the read side of the ledger. The rollup aggregator depends only on it.
type Reader interface {
	// Catalog
	ListPhases(ctx context.Context, activeOnly bool) ([]model.BuildPhase, error)
	GetPhase(ctx context.Context, id string) (*model.BuildPhase, error)

	// Projects
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, filter model.ProjectFilter) ([]model.Project, error)

	// Estimates
	GetEstimate(ctx context.Context, id string) (*model.Estimate, error)
	ListCurrentEstimates(ctx context.Context, projectID string) ([]model.Estimate, error)
	ListEstimateHistory(ctx context.Context, key model.EstimateKey) ([]model.Estimate, error)

	// Progress. GetProgress returns nil, nil when no row exists.
	GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error)
	ListProgress(ctx context.Context, projectID string) ([]model.PhaseProgress, error)

	// Audit
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)

	// Aggregates, keyed by phase id ("" for unassigned).
	SumActualsByPhase(ctx context.Context, projectID string) (map[string]model.PhaseActuals, error)
	SumEstimatesByPhase(ctx context.Context, projectID string) (map[string]model.PhaseEstimates, error)
	// SumPortfolio filters by project only: actuals and estimates filed under
	// an inactive phase still count, although phase summaries and project
	// totals skip that phase. The portfolio can therefore exceed the sum of
	// its project totals.
	SumPortfolio(ctx context.Context, asOf time.Time) (*model.PortfolioSums, error)
}

// Tx is a unit of work bound to one database transaction. Writes to
// estimates, progress, phase assignment and the audit log go through it.
type Tx interface {
	ProjectExists(ctx context.Context, id string) (bool, error)
	PhaseExists(ctx context.Context, id string) (bool, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	SetProjectActive(ctx context.Context, id string, active bool, at time.Time) error

	// CurrentEstimate returns nil, nil when the key has no current row.
	CurrentEstimate(ctx context.Context, key model.EstimateKey) (*model.Estimate, error)
	GetEstimate(ctx context.Context, id string) (*model.Estimate, error)
	// CloseEstimate stamps valid_until on a current row. A row that is no
	// longer current yields a DuplicateKeyError.
	CloseEstimate(ctx context.Context, id string, until time.Time, actor string) error
	InsertEstimate(ctx context.Context, e *model.Estimate) error
	UpdateEstimate(ctx context.Context, e *model.Estimate) error

	GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error)
	UpsertProgress(ctx context.Context, p *model.PhaseProgress) error

	// ActualPhase returns the owning project and current phase of an
	// invoice or bill, locking the row where the backend supports it.
	ActualPhase(ctx context.Context, ref model.ActualRef) (projectID string, phaseID *string, err error)
	AssignPhase(ctx context.Context, ref model.ActualRef, phaseID *string) error

	// InsertAudit writes behind a savepoint so a failed entry never
	// aborts the surrounding transaction.
	InsertAudit(ctx context.Context, entry *model.AuditLogEntry) error
}

// Store defines the persistence interface for the ledger.
type Store interface {
	Reader

	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Ingestion (accounting sync and fixtures)
	UpsertPhases(ctx context.Context, phases []model.BuildPhase) error
	UpsertProjects(ctx context.Context, projects []model.Project) error
	UpsertInvoices(ctx context.Context, invoices []model.Invoice) error
	UpsertBills(ctx context.Context, bills []model.Bill) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func auditLimit(n int) int {
	switch {
	case n <= 0:
		return defaultAuditLimit
	case n > maxAuditLimit:
		return maxAuditLimit
	}
	return n
}

func actualTable(kind model.ActualKind) (string, error) {
	switch kind {
	case model.ActualInvoice:
		return "invoices", nil
	case model.ActualBill:
		return "bills", nil
	}
	return "", model.NewValidationError("kind", "must be invoice or bill")
}

// actualCents converts the money columns shared by invoices and bills.
func actualCents(id string, total, paid, due decimal.Decimal) ([]any, error) {
	out := make([]any, 0, 3)
	for _, d := range []decimal.Decimal{total, paid, due} {
		c, err := model.ToCents(d)
		if err != nil {
			return nil, eris.Wrapf(err, "actual %s", id)
		}
		out = append(out, c)
	}
	return out, nil
}

func dateOnly(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func addPhase(m map[string]model.PhaseActuals, phase string, fn func(*model.PhaseActuals)) {
	a := m[phase]
	fn(&a)
	m[phase] = a
}
