package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/jobcost/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. Pragmas are set
// through the DSN so every pooled connection gets them, and write
// transactions take the lock up front (BEGIN IMMEDIATE) so concurrent
// writers queue on busy_timeout instead of failing on upgrade.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_time_format=sqlite",
		"_txlock=immediate",
	}
	if path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS build_phases (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	display_order INTEGER NOT NULL DEFAULT 0,
	color         TEXT NOT NULL DEFAULT '',
	icon          TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	client     TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	start_date TEXT,
	end_date   TEXT,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS invoices (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	phase_id          TEXT REFERENCES build_phases(id),
	type              TEXT NOT NULL CHECK (type IN ('ACCREC', 'ACCPAY')),
	status            TEXT NOT NULL,
	total_cents       INTEGER NOT NULL DEFAULT 0,
	amount_paid_cents INTEGER NOT NULL DEFAULT 0,
	amount_due_cents  INTEGER NOT NULL DEFAULT 0,
	date              TEXT NOT NULL,
	due_date          TEXT,
	reference         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bills (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	phase_id          TEXT REFERENCES build_phases(id),
	status            TEXT NOT NULL,
	total_cents       INTEGER NOT NULL DEFAULT 0,
	amount_paid_cents INTEGER NOT NULL DEFAULT 0,
	amount_due_cents  INTEGER NOT NULL DEFAULT 0,
	date              TEXT NOT NULL,
	due_date          TEXT,
	reference         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS estimates (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(id),
	phase_id      TEXT REFERENCES build_phases(id),
	kind          TEXT NOT NULL CHECK (kind IN ('revenue', 'cost', 'hours', 'materials')),
	amount_cents  INTEGER NOT NULL CHECK (amount_cents > 0),
	estimate_date TEXT NOT NULL,
	confidence    INTEGER CHECK (confidence BETWEEN 1 AND 5),
	notes         TEXT NOT NULL DEFAULT '',
	valid_from    DATETIME NOT NULL,
	valid_until   DATETIME,
	created_by    TEXT NOT NULL,
	updated_by    TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_estimates_current
	ON estimates (project_id, COALESCE(phase_id, ''), kind) WHERE valid_until IS NULL;
CREATE INDEX IF NOT EXISTS idx_estimates_history ON estimates (project_id, kind, valid_from);

CREATE TABLE IF NOT EXISTS phase_progress (
	project_id TEXT NOT NULL REFERENCES projects(id),
	phase_id   TEXT NOT NULL REFERENCES build_phases(id),
	percent    INTEGER NOT NULL CHECK (percent BETWEEN 0 AND 100),
	updated_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, phase_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	action     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	actor      TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_project ON invoices(project_id, phase_id);
CREATE INDEX IF NOT EXISTS idx_bills_project ON bills(project_id, phase_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);

CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_estimates_no_delete BEFORE DELETE ON estimates
BEGIN
	SELECT RAISE(ABORT, 'estimates is append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err, "begin tx", "")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(err, "commit tx", "")
	}
	return nil
}

// --- Scanning helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: dateOnly(*t), Valid: true}
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func parseNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &model.PersistenceError{Op: "sqlite: rows affected", Err: err}
	}
	if n == 0 {
		return model.NewNotFoundError(entity, id)
	}
	return nil
}

// --- Catalog & projects ---

func (s *SQLiteStore) ListPhases(ctx context.Context, activeOnly bool) ([]model.BuildPhase, error) {
	query := `SELECT id, name, display_order, color, icon, active FROM build_phases`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY display_order, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifySQLite(err, "list phases", "phase")
	}
	defer rows.Close() //nolint:errcheck

	var phases []model.BuildPhase
	for rows.Next() {
		var p model.BuildPhase
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayOrder, &p.Color, &p.Icon, &p.Active); err != nil {
			return nil, classifySQLite(err, "scan phase", "phase")
		}
		phases = append(phases, p)
	}
	return phases, classifySQLite(rows.Err(), "list phases", "phase")
}

func (s *SQLiteStore) GetPhase(ctx context.Context, id string) (*model.BuildPhase, error) {
	var p model.BuildPhase
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, display_order, color, icon, active FROM build_phases WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.DisplayOrder, &p.Color, &p.Icon, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("phase", id)
	}
	if err != nil {
		return nil, classifySQLite(err, "get phase", "phase")
	}
	return &p, nil
}

const sqliteProjectCols = `id, name, client, active, start_date, end_date, updated_at`

func scanSQLiteProject(row scannable) (*model.Project, error) {
	var (
		p          model.Project
		start, end sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Client, &p.Active, &start, &end, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.StartDate, err = parseNullDate(start); err != nil {
		return nil, err
	}
	if p.EndDate, err = parseNullDate(end); err != nil {
		return nil, err
	}
	return &p, nil
}

func sqliteGetProject(ctx context.Context, q sqlQuerier, id string) (*model.Project, error) {
	p, err := scanSQLiteProject(q.QueryRowContext(ctx, `SELECT `+sqliteProjectCols+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, classifySQLite(err, "get project", "project")
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return sqliteGetProject(ctx, s.db, id)
}

func (s *SQLiteStore) ListProjects(ctx context.Context, filter model.ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + sqliteProjectCols + ` FROM projects`
	if filter.ActiveOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifySQLite(err, "list projects", "project")
	}
	defer rows.Close() //nolint:errcheck

	var projects []model.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, classifySQLite(err, "scan project", "project")
		}
		projects = append(projects, *p)
	}
	return projects, classifySQLite(rows.Err(), "list projects", "project")
}

// --- Ingestion ---

// execBatch runs stmt once per row inside a single transaction.
func (s *SQLiteStore) execBatch(ctx context.Context, op, entity, stmt string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err, op, entity)
	}
	defer tx.Rollback() //nolint:errcheck

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return classifySQLite(err, op, entity)
	}
	defer prepared.Close() //nolint:errcheck

	for _, args := range rows {
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return classifySQLite(err, op, entity)
		}
	}
	return classifySQLite(tx.Commit(), op, entity)
}

func (s *SQLiteStore) UpsertPhases(ctx context.Context, phases []model.BuildPhase) error {
	rows := make([][]any, len(phases))
	for i, p := range phases {
		rows[i] = []any{p.ID, p.Name, p.DisplayOrder, p.Color, p.Icon, p.Active}
	}
	return s.execBatch(ctx, "upsert phases", "phase",
		`INSERT INTO build_phases (id, name, display_order, color, icon, active) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, display_order = excluded.display_order,
			color = excluded.color, icon = excluded.icon, active = excluded.active`, rows)
}

func (s *SQLiteStore) UpsertProjects(ctx context.Context, projects []model.Project) error {
	now := time.Now().UTC()
	rows := make([][]any, len(projects))
	for i, p := range projects {
		rows[i] = []any{p.ID, p.Name, p.Client, p.Active, nullDate(p.StartDate), nullDate(p.EndDate), now}
	}
	return s.execBatch(ctx, "upsert projects", "project",
		`INSERT INTO projects (id, name, client, active, start_date, end_date, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, client = excluded.client, active = excluded.active,
			start_date = excluded.start_date, end_date = excluded.end_date, updated_at = excluded.updated_at`, rows)
}

const sqliteActualUpdate = `ON CONFLICT (id) DO UPDATE SET project_id = excluded.project_id, phase_id = excluded.phase_id,
	status = excluded.status, total_cents = excluded.total_cents, amount_paid_cents = excluded.amount_paid_cents,
	amount_due_cents = excluded.amount_due_cents, date = excluded.date, due_date = excluded.due_date,
	reference = excluded.reference`

func (s *SQLiteStore) UpsertInvoices(ctx context.Context, invoices []model.Invoice) error {
	rows := make([][]any, len(invoices))
	for i, inv := range invoices {
		cents, err := actualCents(inv.ID, inv.Total, inv.AmountPaid, inv.AmountDue)
		if err != nil {
			return err
		}
		row := []any{inv.ID, inv.ProjectID, nullString(inv.PhaseID), string(inv.Type), string(inv.Status)}
		row = append(row, cents...)
		rows[i] = append(row, dateOnly(inv.Date), nullDate(inv.DueDate), inv.Reference)
	}
	return s.execBatch(ctx, "upsert invoices", "project",
		`INSERT INTO invoices (id, project_id, phase_id, type, status, total_cents, amount_paid_cents,
			amount_due_cents, date, due_date, reference) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`+sqliteActualUpdate+`, type = excluded.type`, rows)
}

func (s *SQLiteStore) UpsertBills(ctx context.Context, bills []model.Bill) error {
	rows := make([][]any, len(bills))
	for i, b := range bills {
		cents, err := actualCents(b.ID, b.Total, b.AmountPaid, b.AmountDue)
		if err != nil {
			return err
		}
		row := []any{b.ID, b.ProjectID, nullString(b.PhaseID), string(b.Status)}
		row = append(row, cents...)
		rows[i] = append(row, dateOnly(b.Date), nullDate(b.DueDate), b.Reference)
	}
	return s.execBatch(ctx, "upsert bills", "project",
		`INSERT INTO bills (id, project_id, phase_id, status, total_cents, amount_paid_cents,
			amount_due_cents, date, due_date, reference) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`+sqliteActualUpdate, rows)
}

// --- Estimates ---

const sqliteEstimateCols = `id, project_id, phase_id, kind, amount_cents, estimate_date, confidence, notes,
	valid_from, valid_until, created_by, updated_by, created_at, updated_at`

func scanSQLiteEstimate(row scannable) (*model.Estimate, error) {
	var (
		e          model.Estimate
		phase      sql.NullString
		cents      int64
		date       string
		confidence sql.NullInt64
		until      sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &phase, &e.Kind, &cents, &date, &confidence, &e.Notes,
		&e.ValidFrom, &until, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	e.EstimateDate = d
	e.PhaseID = stringPtr(phase)
	e.Amount = model.FromCents(cents)
	if confidence.Valid {
		c := int(confidence.Int64)
		e.Confidence = &c
	}
	if until.Valid {
		u := until.Time
		e.ValidUntil = &u
	}
	return &e, nil
}

func sqliteGetEstimate(ctx context.Context, q sqlQuerier, id string) (*model.Estimate, error) {
	e, err := scanSQLiteEstimate(q.QueryRowContext(ctx, `SELECT `+sqliteEstimateCols+` FROM estimates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("estimate", id)
	}
	if err != nil {
		return nil, classifySQLite(err, "get estimate", "estimate")
	}
	return e, nil
}

func (s *SQLiteStore) GetEstimate(ctx context.Context, id string) (*model.Estimate, error) {
	return sqliteGetEstimate(ctx, s.db, id)
}

func (s *SQLiteStore) queryEstimates(ctx context.Context, op, query string, args ...any) ([]model.Estimate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err, op, "estimate")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Estimate
	for rows.Next() {
		e, err := scanSQLiteEstimate(rows)
		if err != nil {
			return nil, classifySQLite(err, op, "estimate")
		}
		out = append(out, *e)
	}
	return out, classifySQLite(rows.Err(), op, "estimate")
}

func (s *SQLiteStore) ListCurrentEstimates(ctx context.Context, projectID string) ([]model.Estimate, error) {
	return s.queryEstimates(ctx, "list current estimates",
		`SELECT `+sqliteEstimateCols+` FROM estimates
		WHERE project_id = ? AND valid_until IS NULL
		ORDER BY COALESCE(phase_id, ''), kind`, projectID)
}

func (s *SQLiteStore) ListEstimateHistory(ctx context.Context, key model.EstimateKey) ([]model.Estimate, error) {
	return s.queryEstimates(ctx, "list estimate history",
		`SELECT `+sqliteEstimateCols+` FROM estimates
		WHERE project_id = ? AND COALESCE(phase_id, '') = ? AND kind = ?
		ORDER BY valid_from, rowid`, key.ProjectID, key.PhaseKey(), string(key.Kind))
}

// --- Progress ---

const sqliteProgressCols = `project_id, phase_id, percent, updated_by, created_at, updated_at`

func scanSQLiteProgress(row scannable) (*model.PhaseProgress, error) {
	var p model.PhaseProgress
	if err := row.Scan(&p.ProjectID, &p.PhaseID, &p.Percent, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func sqliteGetProgress(ctx context.Context, q sqlQuerier, projectID, phaseID string) (*model.PhaseProgress, error) {
	p, err := scanSQLiteProgress(q.QueryRowContext(ctx,
		`SELECT `+sqliteProgressCols+` FROM phase_progress WHERE project_id = ? AND phase_id = ?`, projectID, phaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite(err, "get progress", "progress")
	}
	return p, nil
}

func (s *SQLiteStore) GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error) {
	return sqliteGetProgress(ctx, s.db, projectID, phaseID)
}

func (s *SQLiteStore) ListProgress(ctx context.Context, projectID string) ([]model.PhaseProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProgressCols+` FROM phase_progress WHERE project_id = ? ORDER BY phase_id`, projectID)
	if err != nil {
		return nil, classifySQLite(err, "list progress", "progress")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PhaseProgress
	for rows.Next() {
		p, err := scanSQLiteProgress(rows)
		if err != nil {
			return nil, classifySQLite(err, "scan progress", "progress")
		}
		out = append(out, *p)
	}
	return out, classifySQLite(rows.Err(), "list progress", "progress")
}

// --- Audit ---

func (s *SQLiteStore) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, filter.Actor)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, event_type, action, entity_id, actor, metadata, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, rowid DESC LIMIT %d", auditLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err, "list audit", "audit entry")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditLogEntry
	for rows.Next() {
		var (
			e    model.AuditLogEntry
			meta string
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Action, &e.EntityID, &e.Actor, &meta, &e.CreatedAt); err != nil {
			return nil, classifySQLite(err, "scan audit", "audit entry")
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, &model.PersistenceError{Op: "sqlite: decode audit metadata", Err: err}
			}
		}
		out = append(out, e)
	}
	return out, classifySQLite(rows.Err(), "list audit", "audit entry")
}

// --- Aggregates ---

const (
	sqliteInvoiceSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(CASE WHEN type = 'ACCREC' THEN total_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = 'ACCPAY' THEN total_cents ELSE 0 END), 0)
	FROM invoices
	WHERE project_id = ? AND status IN ('AUTHORISED', 'PAID')
	GROUP BY 1`

	sqliteBillSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(total_cents), 0),
		COALESCE(SUM(CASE WHEN status = 'PAID' THEN total_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'AUTHORISED' THEN total_cents ELSE 0 END), 0)
	FROM bills
	WHERE project_id = ? AND status IN ('AUTHORISED', 'PAID')
	GROUP BY 1`

	sqliteEstimateSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(CASE WHEN kind = 'revenue' THEN amount_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN kind IN ('cost', 'materials') THEN amount_cents ELSE 0 END), 0)
	FROM estimates
	WHERE project_id = ? AND valid_until IS NULL
	GROUP BY 1`

	sqlitePortfolio = `SELECT
		(SELECT COUNT(*) FROM projects WHERE active = 1),
		(SELECT COALESCE(SUM(i.total_cents), 0) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active = 1 AND i.type = 'ACCREC' AND i.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(i.total_cents), 0) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active = 1 AND i.type = 'ACCPAY' AND i.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(b.total_cents), 0) FROM bills b JOIN projects p ON p.id = b.project_id
			WHERE p.active = 1 AND b.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(e.amount_cents), 0) FROM estimates e JOIN projects p ON p.id = e.project_id
			WHERE p.active = 1 AND e.valid_until IS NULL AND e.kind = 'revenue'),
		(SELECT COALESCE(SUM(e.amount_cents), 0) FROM estimates e JOIN projects p ON p.id = e.project_id
			WHERE p.active = 1 AND e.valid_until IS NULL AND e.kind IN ('cost', 'materials')),
		(SELECT COUNT(*) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active = 1 AND i.type = 'ACCREC' AND i.status = 'AUTHORISED' AND i.amount_due_cents > 0),
		(SELECT COUNT(*) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active = 1 AND i.type = 'ACCREC' AND i.status = 'AUTHORISED'
			AND i.due_date IS NOT NULL AND i.due_date < ?)`
)

func (s *SQLiteStore) SumActualsByPhase(ctx context.Context, projectID string) (map[string]model.PhaseActuals, error) {
	out := make(map[string]model.PhaseActuals)

	rows, err := s.db.QueryContext(ctx, sqliteInvoiceSums, projectID)
	if err != nil {
		return nil, classifySQLite(err, "sum invoices", "invoice")
	}
	for rows.Next() {
		var phase string
		var rev, cost int64
		if err := rows.Scan(&phase, &rev, &cost); err != nil {
			rows.Close() //nolint:errcheck
			return nil, classifySQLite(err, "scan invoice sums", "invoice")
		}
		addPhase(out, phase, func(a *model.PhaseActuals) {
			a.Revenue = a.Revenue.Add(model.FromCents(rev))
			a.Costs = a.Costs.Add(model.FromCents(cost))
		})
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err, "sum invoices", "invoice")
	}

	rows, err = s.db.QueryContext(ctx, sqliteBillSums, projectID)
	if err != nil {
		return nil, classifySQLite(err, "sum bills", "bill")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var phase string
		var total, paid, due int64
		if err := rows.Scan(&phase, &total, &paid, &due); err != nil {
			return nil, classifySQLite(err, "scan bill sums", "bill")
		}
		addPhase(out, phase, func(a *model.PhaseActuals) {
			a.Costs = a.Costs.Add(model.FromCents(total))
			a.AmountPaid = a.AmountPaid.Add(model.FromCents(paid))
			a.AmountDue = a.AmountDue.Add(model.FromCents(due))
		})
	}
	return out, classifySQLite(rows.Err(), "sum bills", "bill")
}

func (s *SQLiteStore) SumEstimatesByPhase(ctx context.Context, projectID string) (map[string]model.PhaseEstimates, error) {
	rows, err := s.db.QueryContext(ctx, sqliteEstimateSums, projectID)
	if err != nil {
		return nil, classifySQLite(err, "sum estimates", "estimate")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]model.PhaseEstimates)
	for rows.Next() {
		var phase string
		var rev, cost int64
		if err := rows.Scan(&phase, &rev, &cost); err != nil {
			return nil, classifySQLite(err, "scan estimate sums", "estimate")
		}
		out[phase] = model.PhaseEstimates{Revenue: model.FromCents(rev), Cost: model.FromCents(cost)}
	}
	return out, classifySQLite(rows.Err(), "sum estimates", "estimate")
}

func (s *SQLiteStore) SumPortfolio(ctx context.Context, asOf time.Time) (*model.PortfolioSums, error) {
	var (
		sums                                  model.PortfolioSums
		rev, payables, bills, estRev, estCost int64
	)
	err := s.db.QueryRowContext(ctx, sqlitePortfolio, dateOnly(asOf)).Scan(
		&sums.ActiveProjects, &rev, &payables, &bills, &estRev, &estCost,
		&sums.InvoicesPending, &sums.InvoicesOverdue)
	if err != nil {
		return nil, classifySQLite(err, "sum portfolio", "project")
	}
	sums.ActualRevenue = model.FromCents(rev)
	sums.ActualCosts = model.FromCents(payables + bills)
	sums.EstimatedRevenue = model.FromCents(estRev)
	sums.EstimatedCost = model.FromCents(estCost)
	return &sums, nil
}

// --- Transactions ---

// sqliteTx implements Tx. Write transactions begin IMMEDIATE, so reads
// inside one already hold the database write lock.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) exists(ctx context.Context, op, entity, query, id string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return false, classifySQLite(err, op, entity)
	}
	return n > 0, nil
}

func (t *sqliteTx) ProjectExists(ctx context.Context, id string) (bool, error) {
	return t.exists(ctx, "project exists", "project", `SELECT COUNT(*) FROM projects WHERE id = ?`, id)
}

func (t *sqliteTx) PhaseExists(ctx context.Context, id string) (bool, error) {
	return t.exists(ctx, "phase exists", "phase", `SELECT COUNT(*) FROM build_phases WHERE id = ?`, id)
}

func (t *sqliteTx) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return sqliteGetProject(ctx, t.tx, id)
}

func (t *sqliteTx) SetProjectActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE projects SET active = ?, updated_at = ? WHERE id = ?`, active, at, id)
	if err != nil {
		return classifySQLite(err, "set project active", "project")
	}
	return checkRowsAffected(res, "project", id)
}

func (t *sqliteTx) CurrentEstimate(ctx context.Context, key model.EstimateKey) (*model.Estimate, error) {
	e, err := scanSQLiteEstimate(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteEstimateCols+` FROM estimates
		WHERE project_id = ? AND COALESCE(phase_id, '') = ? AND kind = ? AND valid_until IS NULL`,
		key.ProjectID, key.PhaseKey(), string(key.Kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLite(err, "current estimate", "estimate")
	}
	return e, nil
}

func (t *sqliteTx) GetEstimate(ctx context.Context, id string) (*model.Estimate, error) {
	return sqliteGetEstimate(ctx, t.tx, id)
}

func (t *sqliteTx) CloseEstimate(ctx context.Context, id string, until time.Time, actor string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE estimates SET valid_until = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND valid_until IS NULL`, until, actor, until, id)
	if err != nil {
		return classifySQLite(err, "close estimate", "estimate")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.DuplicateKeyError{Key: id}
	}
	return nil
}

func confidenceArg(c *int) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (t *sqliteTx) InsertEstimate(ctx context.Context, e *model.Estimate) error {
	amount, err := model.ToCents(e.Amount)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO estimates (`+sqliteEstimateCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, nullString(e.PhaseID), string(e.Kind), amount,
		dateOnly(e.EstimateDate), confidenceArg(e.Confidence), e.Notes, e.ValidFrom, nullTime(e.ValidUntil),
		e.CreatedBy, e.UpdatedBy, e.CreatedAt, e.UpdatedAt)
	return classifySQLite(err, "insert estimate", "project")
}

func (t *sqliteTx) UpdateEstimate(ctx context.Context, e *model.Estimate) error {
	amount, err := model.ToCents(e.Amount)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE estimates SET kind = ?, amount_cents = ?, estimate_date = ?, confidence = ?, notes = ?,
			updated_by = ?, updated_at = ?
		WHERE id = ? AND valid_until IS NULL`,
		string(e.Kind), amount, dateOnly(e.EstimateDate), confidenceArg(e.Confidence), e.Notes,
		e.UpdatedBy, e.UpdatedAt, e.ID)
	if err != nil {
		return classifySQLite(err, "update estimate", "estimate")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.DuplicateKeyError{Key: e.ID}
	}
	return nil
}

func (t *sqliteTx) GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error) {
	return sqliteGetProgress(ctx, t.tx, projectID, phaseID)
}

func (t *sqliteTx) UpsertProgress(ctx context.Context, p *model.PhaseProgress) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO phase_progress (project_id, phase_id, percent, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, phase_id) DO UPDATE SET
			percent = excluded.percent, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		p.ProjectID, p.PhaseID, p.Percent, p.UpdatedBy, p.CreatedAt, p.UpdatedAt)
	return classifySQLite(err, "upsert progress", "project")
}

func (t *sqliteTx) ActualPhase(ctx context.Context, ref model.ActualRef) (string, *string, error) {
	table, err := actualTable(ref.Kind)
	if err != nil {
		return "", nil, err
	}
	var (
		projectID string
		phase     sql.NullString
	)
	err = t.tx.QueryRowContext(ctx, `SELECT project_id, phase_id FROM `+table+` WHERE id = ?`, ref.ID).
		Scan(&projectID, &phase)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, model.NewNotFoundError(string(ref.Kind), ref.ID)
	}
	if err != nil {
		return "", nil, classifySQLite(err, "get "+string(ref.Kind)+" phase", string(ref.Kind))
	}
	return projectID, stringPtr(phase), nil
}

func (t *sqliteTx) AssignPhase(ctx context.Context, ref model.ActualRef, phaseID *string) error {
	table, err := actualTable(ref.Kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE `+table+` SET phase_id = ? WHERE id = ?`, nullString(phaseID), ref.ID)
	if err != nil {
		return classifySQLite(err, "assign phase", "phase")
	}
	return checkRowsAffected(res, string(ref.Kind), ref.ID)
}

func (t *sqliteTx) InsertAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return &model.PersistenceError{Op: "sqlite: encode audit metadata", Err: err}
	}

	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT audit_entry`); err != nil {
		return classifySQLite(err, "audit savepoint", "audit entry")
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, event_type, action, entity_id, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.EventType), string(entry.Action), entry.EntityID, entry.Actor, string(meta), entry.CreatedAt)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_entry`); rbErr != nil {
			return classifySQLite(rbErr, "audit rollback to savepoint", "audit entry")
		}
		return classifySQLite(err, "insert audit", "audit entry")
	}
	_, err = t.tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_entry`)
	return classifySQLite(err, "audit release savepoint", "audit entry")
}
