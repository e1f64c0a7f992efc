// Package ledger performs the small set of mutations the core makes to
// synced accounting data: moving an actual between phases and flipping a
// project's active flag.
package ledger

import (
	"context"
	"time"

	"github.com/sells-group/jobcost/internal/audit"
	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/notify"
	"github.com/sells-group/jobcost/internal/store"
)

// Service mutates ledger metadata and loads fixtures.
type Service struct {
	store store.Store
	audit *audit.Logger
	hook  notify.Hook
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHook sets the hook fired after each committed change.
func WithHook(h notify.Hook) Option {
	return func(s *Service) { s.hook = h }
}

// NewService creates a ledger Service.
func NewService(st store.Store, al *audit.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		audit: al,
		hook:  notify.Nop{},
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AssignPhase moves an invoice or bill to phaseID, or to the unassigned
// bucket when phaseID is nil.
func (s *Service) AssignPhase(ctx context.Context, ref model.ActualRef, phaseID *string, actor string) error {
	if actor == "" {
		return model.NewValidationError("actor", "is required")
	}
	if ref.Kind != model.ActualInvoice && ref.Kind != model.ActualBill {
		return model.NewValidationError("kind", "must be invoice or bill")
	}
	if ref.ID == "" {
		return model.NewValidationError("id", "is required")
	}
	if phaseID != nil && *phaseID == "" {
		phaseID = nil
	}

	var (
		projectID string
		oldPhase  *string
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if phaseID != nil {
			ok, err := tx.PhaseExists(ctx, *phaseID)
			if err != nil {
				return err
			}
			if !ok {
				return model.NewNotFoundError("phase", *phaseID)
			}
		}

		project, old, err := tx.ActualPhase(ctx, ref)
		if err != nil {
			return err
		}
		if err := tx.AssignPhase(ctx, ref, phaseID); err != nil {
			return err
		}
		projectID, oldPhase = project, old

		_, err = s.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditPhaseAssignment,
			Action:    model.AuditUpdate,
			EntityID:  string(ref.Kind) + ":" + ref.ID,
			Actor:     actor,
			Metadata: map[string]any{
				"kind":       string(ref.Kind),
				"id":         ref.ID,
				"project_id": project,
				"old_phase":  phaseValue(old),
				"new_phase":  phaseValue(phaseID),
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	notify.Fire(ctx, s.hook, notify.Event{
		Type:      notify.EventPhaseAssigned,
		ProjectID: projectID,
		PhaseID:   phaseValue(phaseID),
		EntityID:  ref.ID,
		Actor:     actor,
		Data:      map[string]any{"kind": string(ref.Kind), "old_phase": phaseValue(oldPhase)},
	})
	return nil
}

// SetProjectActive archives or reactivates a project. Setting the current
// value again is a no-op and is not audited.
func (s *Service) SetProjectActive(ctx context.Context, projectID string, active bool, actor string) (*model.Project, error) {
	if actor == "" {
		return nil, model.NewValidationError("actor", "is required")
	}

	var project *model.Project
	changed := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		project = p
		if p.Active == active {
			return nil
		}

		now := s.now()
		if err := tx.SetProjectActive(ctx, projectID, active, now); err != nil {
			return err
		}
		p.Active = active
		p.UpdatedAt = now
		changed = true

		_, err = s.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditProjectStatus,
			Action:    model.AuditUpdate,
			EntityID:  projectID,
			Actor:     actor,
			Metadata:  map[string]any{"old_active": !active, "new_active": active},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		notify.Fire(ctx, s.hook, notify.Event{
			Type:      notify.EventProjectStatusChanged,
			ProjectID: projectID,
			EntityID:  projectID,
			Actor:     actor,
			Data:      map[string]any{"active": active},
		})
	}
	return project, nil
}

func phaseValue(p *string) string {
	if p == nil {
		return model.UnassignedPhaseID
	}
	return *p
}
