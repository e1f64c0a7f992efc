// Package notify delivers change events to downstream consumers after a
// write commits. Delivery is best effort: failures are logged and never
// reach the caller whose write already succeeded.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// EventType names the change that happened.
type EventType string

const (
	EventEstimateChanged      EventType = "estimate.changed"
	EventProgressChanged      EventType = "progress.changed"
	EventPhaseAssigned        EventType = "phase.assigned"
	EventProjectStatusChanged EventType = "project.status_changed"
)

// Event is the payload handed to hooks.
type Event struct {
	Type       EventType      `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	PhaseID    string         `json:"phase_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Hook receives committed change events.
type Hook interface {
	Notify(ctx context.Context, ev Event) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, ev Event) error

func (f HookFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every hook, joining their errors.
type Multi []Hook

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fire delivers ev through h and logs any failure. It never fails.
func Fire(ctx context.Context, h Hook, ev Event) {
	if h == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("notify: hook panicked", zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	if err := h.Notify(ctx, ev); err != nil {
		zap.L().Warn("notify: hook failed",
			zap.String("type", string(ev.Type)),
			zap.String("project_id", ev.ProjectID),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err),
		)
	}
}

// Invalidator drops cached derived data.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// CacheInvalidator clears a cache whenever a ledger write commits.
type CacheInvalidator struct {
	Cache Invalidator
}

func (c CacheInvalidator) Notify(ctx context.Context, _ Event) error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Invalidate(ctx)
}
