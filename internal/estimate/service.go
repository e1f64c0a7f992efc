// Package estimate manages versioned forecast figures. Every project, phase
// and kind combination holds at most one current estimate; creating a new
// one supersedes the old row instead of overwriting it.
package estimate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost/internal/audit"
	"github.com/sells-group/jobcost/internal/authz"
	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/notify"
	"github.com/sells-group/jobcost/internal/resilience"
	"github.com/sells-group/jobcost/internal/store"
)

// CreateInput holds the caller-supplied fields of a new estimate.
type CreateInput struct {
	ProjectID    string
	PhaseID      *string
	Kind         model.EstimateKind
	Amount       decimal.Decimal
	EstimateDate time.Time // zero means today
	Confidence   *int
	Notes        string
}

// Key returns the slot the new estimate will occupy.
func (in CreateInput) Key() model.EstimateKey {
	return model.EstimateKey{ProjectID: in.ProjectID, PhaseID: in.PhaseID, Kind: in.Kind}
}

// UpdateInput holds the fields to change in place. Nil fields are left alone.
type UpdateInput struct {
	Kind         *model.EstimateKind
	Amount       *decimal.Decimal
	EstimateDate *time.Time
	Confidence   *int
	Notes        *string
}

// Service creates, edits and retires estimates.
type Service struct {
	store  store.Store
	audit  *audit.Logger
	policy authz.Policy
	hook   notify.Hook
	retry  resilience.RetryConfig
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the authorization predicate. Default: authz.OwnershipPolicy.
func WithPolicy(p authz.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithHook sets the hook fired after each committed change.
func WithHook(h notify.Hook) Option {
	return func(s *Service) { s.hook = h }
}

// WithRetry sets the retry policy used by CreateWithRetry.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an estimate Service.
func NewService(st store.Store, al *audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		audit:  al,
		policy: authz.OwnershipPolicy{},
		hook:   notify.Nop{},
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// validateAmount checks the amount as it will be stored: rounded to cents
// and small enough for int64 cents.
func validateAmount(amount decimal.Decimal) error {
	if !model.RoundCents(amount).IsPositive() {
		return model.NewValidationError("amount", "must be at least 0.01")
	}
	if !model.CentsInRange(amount) {
		return model.NewValidationError("amount", "must not exceed "+model.MaxAmount.StringFixed(2))
	}
	return nil
}

func validateKind(kind model.EstimateKind) error {
	if !kind.Valid() {
		return model.NewValidationError("kind", "must be one of revenue, cost, hours, materials")
	}
	return nil
}

func validateConfidence(c *int) error {
	if c != nil && (*c < 1 || *c > 5) {
		return model.NewValidationError("confidence", "must be between 1 and 5")
	}
	return nil
}

func validateActor(actor string) error {
	if actor == "" {
		return model.NewValidationError("actor", "is required")
	}
	return nil
}

func (in CreateInput) validate(actor string) error {
	if err := validateAmount(in.Amount); err != nil {
		return err
	}
	if err := validateKind(in.Kind); err != nil {
		return err
	}
	if err := validateConfidence(in.Confidence); err != nil {
		return err
	}
	if err := validateActor(actor); err != nil {
		return err
	}
	if in.ProjectID == "" {
		return model.NewValidationError("project_id", "is required")
	}
	if in.PhaseID != nil && *in.PhaseID == "" {
		return model.NewValidationError("phase_id", "must not be empty when set")
	}
	return nil
}

func (in UpdateInput) validate(actor string) error {
	if in.Amount != nil {
		if err := validateAmount(*in.Amount); err != nil {
			return err
		}
	}
	if in.Kind != nil {
		if err := validateKind(*in.Kind); err != nil {
			return err
		}
	}
	if err := validateConfidence(in.Confidence); err != nil {
		return err
	}
	return validateActor(actor)
}

// Create records a new current estimate for the input's key, superseding
// the existing one. A concurrent writer claiming the key first yields a
// DuplicateKeyError.
func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*model.Estimate, error) {
	if err := in.validate(actor); err != nil {
		return nil, err
	}
	if !s.policy.Can(ctx, actor, authz.ActionCreate, nil) {
		return nil, model.NewNotFoundError("project", in.ProjectID)
	}

	var created *model.Estimate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := requireProjectAndPhase(ctx, tx, in.ProjectID, in.PhaseID); err != nil {
			return err
		}

		now := s.now()
		prev, err := tx.CurrentEstimate(ctx, in.Key())
		if err != nil {
			return err
		}
		if prev != nil {
			if err := tx.CloseEstimate(ctx, prev.ID, now, actor); err != nil {
				return err
			}
		}

		estDate := in.EstimateDate
		if estDate.IsZero() {
			estDate = now
		}
		e := &model.Estimate{
			ID:           uuid.New().String(),
			ProjectID:    in.ProjectID,
			PhaseID:      in.PhaseID,
			Kind:         in.Kind,
			Amount:       model.RoundCents(in.Amount),
			EstimateDate: estDate.UTC().Truncate(24 * time.Hour),
			Confidence:   in.Confidence,
			Notes:        in.Notes,
			ValidFrom:    now,
			CreatedBy:    actor,
			UpdatedBy:    actor,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertEstimate(ctx, e); err != nil {
			return err
		}

		meta := map[string]any{"estimate": e.Snapshot()}
		if prev != nil {
			meta["superseded_id"] = prev.ID
		}
		if _, err := s.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditEstimateChange,
			Action:    model.AuditCreate,
			EntityID:  e.ID,
			Actor:     actor,
			Metadata:  meta,
		}); err != nil {
			return err
		}
		created = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.fire(ctx, created, actor, model.AuditCreate)
	return created, nil
}

// CreateWithRetry is Create, retried when a concurrent writer wins the race
// for the same key. Each attempt re-reads the current row and supersedes it.
func (s *Service) CreateWithRetry(ctx context.Context, in CreateInput, actor string) (*model.Estimate, error) {
	cfg := s.retry
	cfg.ShouldRetry = model.IsDuplicateKey
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("estimate", "create")
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Estimate, error) {
		return s.Create(ctx, in, actor)
	})
}

// Update edits the current estimate id in place without creating a new
// version. Missing, superseded and foreign estimates are all NotFoundError.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, actor string) (*model.Estimate, error) {
	if err := in.validate(actor); err != nil {
		return nil, err
	}

	var updated *model.Estimate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		e, err := s.loadWritable(ctx, tx, id, actor, authz.ActionUpdate)
		if err != nil {
			return err
		}
		before := e.Snapshot()

		if in.Kind != nil && *in.Kind != e.Kind {
			key := e.Key()
			key.Kind = *in.Kind
			other, err := tx.CurrentEstimate(ctx, key)
			if err != nil {
				return err
			}
			if other != nil {
				return &model.DuplicateKeyError{Key: string(key.Kind)}
			}
			e.Kind = *in.Kind
		}
		if in.Amount != nil {
			e.Amount = model.RoundCents(*in.Amount)
		}
		if in.EstimateDate != nil {
			e.EstimateDate = in.EstimateDate.UTC().Truncate(24 * time.Hour)
		}
		if in.Confidence != nil {
			e.Confidence = in.Confidence
		}
		if in.Notes != nil {
			e.Notes = *in.Notes
		}
		e.UpdatedBy = actor
		e.UpdatedAt = s.now()

		if err := tx.UpdateEstimate(ctx, e); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditEstimateChange,
			Action:    model.AuditUpdate,
			EntityID:  e.ID,
			Actor:     actor,
			Metadata:  map[string]any{"before": before, "after": e.Snapshot()},
		}); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.fire(ctx, updated, actor, model.AuditUpdate)
	return updated, nil
}

// Delete retires the current estimate id and returns the retired row. It
// stays in history with valid_until stamped, leaving the key without a
// current estimate.
func (s *Service) Delete(ctx context.Context, id, actor string) (*model.Estimate, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	var deleted *model.Estimate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		e, err := s.loadWritable(ctx, tx, id, actor, authz.ActionDelete)
		if err != nil {
			return err
		}
		now := s.now()
		if err := tx.CloseEstimate(ctx, e.ID, now, actor); err != nil {
			return err
		}
		e.ValidUntil = &now
		e.UpdatedBy = actor
		e.UpdatedAt = now

		if _, err := s.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditEstimateChange,
			Action:    model.AuditDelete,
			EntityID:  e.ID,
			Actor:     actor,
			Metadata:  map[string]any{"estimate": e.Snapshot()},
		}); err != nil {
			return err
		}
		deleted = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.fire(ctx, deleted, actor, model.AuditDelete)
	return deleted, nil
}

// Get returns a single estimate version.
func (s *Service) Get(ctx context.Context, id string) (*model.Estimate, error) {
	return s.store.GetEstimate(ctx, id)
}

// ListCurrent returns the current estimates of a project.
func (s *Service) ListCurrent(ctx context.Context, projectID string) ([]model.Estimate, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListCurrentEstimates(ctx, projectID)
}

// History returns every version stored for key, oldest first.
func (s *Service) History(ctx context.Context, key model.EstimateKey) ([]model.Estimate, error) {
	if err := validateKind(key.Kind); err != nil {
		return nil, err
	}
	return s.store.ListEstimateHistory(ctx, key)
}

func (s *Service) loadWritable(ctx context.Context, tx store.Tx, id, actor string, action authz.Action) (*model.Estimate, error) {
	e, err := tx.GetEstimate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsCurrent() || !s.policy.Can(ctx, actor, action, e) {
		return nil, model.NewNotFoundError("estimate", id)
	}
	return e, nil
}

func (s *Service) fire(ctx context.Context, e *model.Estimate, actor string, action model.AuditAction) {
	ev := notify.Event{
		Type:      notify.EventEstimateChanged,
		ProjectID: e.ProjectID,
		EntityID:  e.ID,
		Actor:     actor,
		Data: map[string]any{
			"action": string(action),
			"kind":   string(e.Kind),
			"amount": e.Amount.StringFixed(2),
		},
	}
	if e.PhaseID != nil {
		ev.PhaseID = *e.PhaseID
	}
	notify.Fire(ctx, s.hook, ev)
}

func requireProjectAndPhase(ctx context.Context, tx store.Tx, projectID string, phaseID *string) error {
	ok, err := tx.ProjectExists(ctx, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewNotFoundError("project", projectID)
	}
	if phaseID == nil {
		return nil
	}
	ok, err = tx.PhaseExists(ctx, *phaseID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewNotFoundError("phase", *phaseID)
	}
	return nil
}
