// Package audit records who changed what in the ledger.
//
// Entries are written inside the caller's transaction behind a savepoint.
// When an entry cannot be written the failure is logged and the business
// write still commits, unless the logger is strict, in which case the
// failure aborts the transaction.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/store"
)

// Logger appends audit entries and serves audit queries.
type Logger struct {
	reader store.Reader
	strict bool
	now    func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithStrict makes audit write failures abort the surrounding transaction.
func WithStrict(strict bool) Option {
	return func(l *Logger) { l.strict = strict }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger reading back through r.
func NewLogger(r store.Reader, opts ...Option) *Logger {
	l := &Logger{reader: r, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record describes one audited mutation.
type Record struct {
	EventType model.AuditEventType
	Action    model.AuditAction
	EntityID  string
	Actor     string
	Metadata  map[string]any
}

// Record appends an entry through tx. Missing actor or event type is a
// ValidationError. A storage failure returns (nil, nil) unless strict.
func (l *Logger) Record(ctx context.Context, tx store.Tx, r Record) (*model.AuditLogEntry, error) {
	if r.Actor == "" {
		return nil, model.NewValidationError("actor", "is required")
	}
	if r.EventType == "" {
		return nil, model.NewValidationError("event_type", "is required")
	}
	if r.Action == "" {
		r.Action = model.AuditUpdate
	}

	entry := &model.AuditLogEntry{
		ID:        uuid.New().String(),
		EventType: r.EventType,
		Action:    r.Action,
		EntityID:  r.EntityID,
		Actor:     r.Actor,
		Metadata:  r.Metadata,
		CreatedAt: l.now(),
	}
	if err := tx.InsertAudit(ctx, entry); err != nil {
		if l.strict {
			return nil, eris.Wrap(err, "audit: record")
		}
		zap.L().Warn("audit: entry not recorded",
			zap.String("event_type", string(r.EventType)),
			zap.String("action", string(r.Action)),
			zap.String("entity_id", r.EntityID),
			zap.String("actor", r.Actor),
			zap.Error(err),
		)
		return nil, nil
	}
	return entry, nil
}

// List returns entries matching filter, newest first.
func (l *Logger) List(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	entries, err := l.reader.ListAudit(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list")
	}
	return entries, nil
}
