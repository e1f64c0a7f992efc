package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// failingTx rejects every audit insert.
type failingTx struct {
	store.Tx
}

func (failingTx) InsertAudit(context.Context, *model.AuditLogEntry) error {
	return &model.PersistenceError{Op: "insert audit", Err: errors.New("disk full")}
}

func TestRecord_Validation(t *testing.T) {
	l := NewLogger(nil)
	tests := []struct {
		name string
		rec  Record
	}{
		{"missing actor", Record{EventType: model.AuditEstimateChange}},
		{"missing event type", Record{Actor: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(context.Background(), failingTx{}, tt.rec)
			assert.True(t, model.IsValidation(err))
		})
	}
}

func TestRecord_PersistsAndLists(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	l := NewLogger(st, WithClock(func() time.Time { return fixed }))

	var entry *model.AuditLogEntry
	err := st.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.Record(ctx, tx, Record{
			EventType: model.AuditEstimateChange,
			Action:    model.AuditCreate,
			EntityID:  "e1",
			Actor:     "alice",
			Metadata:  map[string]any{"amount": "100.00"},
		})
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, fixed, entry.CreatedAt)

	entries, err := l.List(ctx, model.AuditFilter{EntityID: "e1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditCreate, entries[0].Action)
	assert.Equal(t, "100.00", entries[0].Metadata["amount"])
	assert.True(t, fixed.Equal(entries[0].CreatedAt))
}

func TestRecord_DefaultsAction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	l := NewLogger(st)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		e, err := l.Record(ctx, tx, Record{EventType: model.AuditProgressChange, EntityID: "p1/framing", Actor: "bob"})
		require.NotNil(t, e)
		assert.Equal(t, model.AuditUpdate, e.Action)
		return err
	}))
}

func TestRecord_FailureIsLoggedNotReturned(t *testing.T) {
	l := NewLogger(nil)
	entry, err := l.Record(context.Background(), failingTx{}, Record{
		EventType: model.AuditProgressChange, EntityID: "p1/framing", Actor: "alice",
	})
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRecord_StrictPropagatesFailure(t *testing.T) {
	l := NewLogger(nil, WithStrict(true))
	_, err := l.Record(context.Background(), failingTx{}, Record{
		EventType: model.AuditProgressChange, EntityID: "p1/framing", Actor: "alice",
	})
	require.Error(t, err)
	assert.True(t, model.IsPersistence(err))
}
