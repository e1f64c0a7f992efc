// Package progress records how complete each phase of a project is.
// Completion is entered by people and never derived from financials.
package progress

import (
	"context"
	"time"

	"github.com/sells-group/jobcost/internal/audit"
	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/notify"
	"github.com/sells-group/jobcost/internal/store"
)

// Tracker sets and reads phase completion percentages.
type Tracker struct {
	store store.Store
	audit *audit.Logger
	hook  notify.Hook
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHook sets the hook fired after each committed change.
func WithHook(h notify.Hook) Option {
	return func(t *Tracker) { t.hook = h }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(st store.Store, al *audit.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store: st,
		audit: al,
		hook:  notify.Nop{},
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetProgress stores pct for the phase, clamped to [0, 100].
func (t *Tracker) SetProgress(ctx context.Context, projectID, phaseID string, pct int, actor string) (*model.PhaseProgress, error) {
	switch {
	case actor == "":
		return nil, model.NewValidationError("actor", "is required")
	case projectID == "":
		return nil, model.NewValidationError("project_id", "is required")
	case phaseID == "":
		return nil, model.NewValidationError("phase_id", "is required")
	}
	pct = model.ClampPercent(pct)

	var saved *model.PhaseProgress
	var previous *int
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		ok, err := tx.ProjectExists(ctx, projectID)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewNotFoundError("project", projectID)
		}
		if ok, err = tx.PhaseExists(ctx, phaseID); err != nil {
			return err
		} else if !ok {
			return model.NewNotFoundError("phase", phaseID)
		}

		old, err := tx.GetProgress(ctx, projectID, phaseID)
		if err != nil {
			return err
		}

		now := t.now()
		p := &model.PhaseProgress{
			ProjectID: projectID,
			PhaseID:   phaseID,
			Percent:   pct,
			UpdatedBy: actor,
			CreatedAt: now,
			UpdatedAt: now,
		}
		action := model.AuditCreate
		meta := map[string]any{"project_id": projectID, "phase_id": phaseID, "new": pct, "old": nil}
		if old != nil {
			p.CreatedAt = old.CreatedAt
			action = model.AuditUpdate
			meta["old"] = old.Percent
			previous = &old.Percent
		}

		if err := tx.UpsertProgress(ctx, p); err != nil {
			return err
		}
		if _, err := t.audit.Record(ctx, tx, audit.Record{
			EventType: model.AuditProgressChange,
			Action:    action,
			EntityID:  projectID + ":" + phaseID,
			Actor:     actor,
			Metadata:  meta,
		}); err != nil {
			return err
		}
		saved = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{"percent": pct}
	if previous != nil {
		data["previous"] = *previous
	}
	notify.Fire(ctx, t.hook, notify.Event{
		Type:      notify.EventProgressChanged,
		ProjectID: projectID,
		PhaseID:   phaseID,
		EntityID:  projectID + ":" + phaseID,
		Actor:     actor,
		Data:      data,
	})
	return saved, nil
}

// GetProgress returns the phase's progress, or a zero-percent record when
// none has been entered.
func (t *Tracker) GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error) {
	p, err := t.store.GetProgress(ctx, projectID, phaseID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &model.PhaseProgress{ProjectID: projectID, PhaseID: phaseID}, nil
	}
	return p, nil
}

// ListProgress returns every recorded phase progress of a project.
func (t *Tracker) ListProgress(ctx context.Context, projectID string) ([]model.PhaseProgress, error) {
	return t.store.ListProgress(ctx, projectID)
}
