package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost/internal/db"
	"github.com/sells-group/jobcost/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns           int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns           int32 `yaml:"min_conns" mapstructure:"min_conns"`
	StatementTimeoutMs int   `yaml:"statement_timeout_ms" mapstructure:"statement_timeout_ms"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	timeoutMs := 30000
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.StatementTimeoutMs > 0 {
			timeoutMs = poolCfg.StatementTimeoutMs
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Bound long-running aggregations server-side.
	pgxCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(timeoutMs)
	pgxCfg.ConnConfig.RuntimeParams["application_name"] = "jobcost"

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS build_phases (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	display_order INTEGER NOT NULL DEFAULT 0,
	color         TEXT NOT NULL DEFAULT '',
	icon          TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	client     TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	start_date DATE,
	end_date   DATE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS invoices (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	phase_id          TEXT REFERENCES build_phases(id),
	type              TEXT NOT NULL CHECK (type IN ('ACCREC', 'ACCPAY')),
	status            TEXT NOT NULL,
	total_cents       BIGINT NOT NULL DEFAULT 0,
	amount_paid_cents BIGINT NOT NULL DEFAULT 0,
	amount_due_cents  BIGINT NOT NULL DEFAULT 0,
	date              DATE NOT NULL,
	due_date          DATE,
	reference         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bills (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	phase_id          TEXT REFERENCES build_phases(id),
	status            TEXT NOT NULL,
	total_cents       BIGINT NOT NULL DEFAULT 0,
	amount_paid_cents BIGINT NOT NULL DEFAULT 0,
	amount_due_cents  BIGINT NOT NULL DEFAULT 0,
	date              DATE NOT NULL,
	due_date          DATE,
	reference         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS estimates (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(id),
	phase_id      TEXT REFERENCES build_phases(id),
	kind          TEXT NOT NULL CHECK (kind IN ('revenue', 'cost', 'hours', 'materials')),
	amount_cents  BIGINT NOT NULL CHECK (amount_cents > 0),
	estimate_date DATE NOT NULL,
	confidence    SMALLINT CHECK (confidence BETWEEN 1 AND 5),
	notes         TEXT NOT NULL DEFAULT '',
	valid_from    TIMESTAMPTZ NOT NULL,
	valid_until   TIMESTAMPTZ,
	created_by    TEXT NOT NULL,
	updated_by    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_estimates_current
	ON estimates (project_id, COALESCE(phase_id, ''), kind) WHERE valid_until IS NULL;
CREATE INDEX IF NOT EXISTS idx_estimates_history ON estimates (project_id, kind, valid_from);

CREATE TABLE IF NOT EXISTS phase_progress (
	project_id TEXT NOT NULL REFERENCES projects(id),
	phase_id   TEXT NOT NULL REFERENCES build_phases(id),
	percent    SMALLINT NOT NULL CHECK (percent BETWEEN 0 AND 100),
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, phase_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	action     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	actor      TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoices_project ON invoices(project_id, phase_id);
CREATE INDEX IF NOT EXISTS idx_bills_project ON bills(project_id, phase_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);

CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_audit_log_append_only ON audit_log;
CREATE TRIGGER trg_audit_log_append_only BEFORE UPDATE OR DELETE ON audit_log
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

DROP TRIGGER IF EXISTS trg_estimates_no_delete ON estimates;
CREATE TRIGGER trg_estimates_no_delete BEFORE DELETE ON estimates
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgQuerier is satisfied by both the pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgres(err, "begin tx", "")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(err, "commit tx", "")
	}
	return nil
}

// --- Catalog & projects ---

func (s *PostgresStore) ListPhases(ctx context.Context, activeOnly bool) ([]model.BuildPhase, error) {
	query := `SELECT id, name, display_order, color, icon, active FROM build_phases`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY display_order, name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyPostgres(err, "list phases", "phase")
	}
	defer rows.Close()

	var phases []model.BuildPhase
	for rows.Next() {
		var p model.BuildPhase
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayOrder, &p.Color, &p.Icon, &p.Active); err != nil {
			return nil, classifyPostgres(err, "scan phase", "phase")
		}
		phases = append(phases, p)
	}
	return phases, classifyPostgres(rows.Err(), "list phases", "phase")
}

func (s *PostgresStore) GetPhase(ctx context.Context, id string) (*model.BuildPhase, error) {
	var p model.BuildPhase
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, display_order, color, icon, active FROM build_phases WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.DisplayOrder, &p.Color, &p.Icon, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("phase", id)
	}
	if err != nil {
		return nil, classifyPostgres(err, "get phase", "phase")
	}
	return &p, nil
}

const pgProjectCols = `id, name, client, active, start_date, end_date, updated_at`

func scanPgProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Client, &p.Active, &p.StartDate, &p.EndDate, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return pgGetProject(ctx, s.pool, id, "")
}

func pgGetProject(ctx context.Context, q pgQuerier, id, suffix string) (*model.Project, error) {
	p, err := scanPgProject(q.QueryRow(ctx, `SELECT `+pgProjectCols+` FROM projects WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, classifyPostgres(err, "get project", "project")
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, filter model.ProjectFilter) ([]model.Project, error) {
	query := `SELECT ` + pgProjectCols + ` FROM projects`
	if filter.ActiveOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyPostgres(err, "list projects", "project")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanPgProject(rows)
		if err != nil {
			return nil, classifyPostgres(err, "scan project", "project")
		}
		projects = append(projects, *p)
	}
	return projects, classifyPostgres(rows.Err(), "list projects", "project")
}

// --- Ingestion ---

func (s *PostgresStore) UpsertPhases(ctx context.Context, phases []model.BuildPhase) error {
	rows := make([][]any, len(phases))
	for i, p := range phases {
		rows[i] = []any{p.ID, p.Name, p.DisplayOrder, p.Color, p.Icon, p.Active}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "build_phases",
		Columns:      []string{"id", "name", "display_order", "color", "icon", "active"},
		ConflictKeys: []string{"id"},
	}, rows)
	return classifyPostgres(err, "upsert phases", "phase")
}

func (s *PostgresStore) UpsertProjects(ctx context.Context, projects []model.Project) error {
	now := time.Now().UTC()
	rows := make([][]any, len(projects))
	for i, p := range projects {
		rows[i] = []any{p.ID, p.Name, p.Client, p.Active, p.StartDate, p.EndDate, now}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "projects",
		Columns:      []string{"id", "name", "client", "active", "start_date", "end_date", "updated_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	return classifyPostgres(err, "upsert projects", "project")
}

var actualColumns = []string{
	"id", "project_id", "phase_id", "status", "total_cents", "amount_paid_cents",
	"amount_due_cents", "date", "due_date", "reference",
}

func (s *PostgresStore) UpsertInvoices(ctx context.Context, invoices []model.Invoice) error {
	rows := make([][]any, len(invoices))
	for i, inv := range invoices {
		cents, err := actualCents(inv.ID, inv.Total, inv.AmountPaid, inv.AmountDue)
		if err != nil {
			return err
		}
		row := []any{inv.ID, inv.ProjectID, inv.PhaseID, string(inv.Status)}
		row = append(row, cents...)
		rows[i] = append(row, inv.Date, inv.DueDate, inv.Reference, string(inv.Type))
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "invoices",
		Columns:      append(append([]string{}, actualColumns...), "type"),
		ConflictKeys: []string{"id"},
	}, rows)
	return classifyPostgres(err, "upsert invoices", "project")
}

func (s *PostgresStore) UpsertBills(ctx context.Context, bills []model.Bill) error {
	rows := make([][]any, len(bills))
	for i, b := range bills {
		cents, err := actualCents(b.ID, b.Total, b.AmountPaid, b.AmountDue)
		if err != nil {
			return err
		}
		row := []any{b.ID, b.ProjectID, b.PhaseID, string(b.Status)}
		row = append(row, cents...)
		rows[i] = append(row, b.Date, b.DueDate, b.Reference)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "bills",
		Columns:      actualColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	return classifyPostgres(err, "upsert bills", "project")
}

// --- Estimates ---

const pgEstimateCols = `id, project_id, phase_id, kind, amount_cents, estimate_date, confidence, notes,
	valid_from, valid_until, created_by, updated_by, created_at, updated_at`

func scanPgEstimate(row pgx.Row) (*model.Estimate, error) {
	var e model.Estimate
	var cents int64
	if err := row.Scan(&e.ID, &e.ProjectID, &e.PhaseID, &e.Kind, &cents, &e.EstimateDate, &e.Confidence,
		&e.Notes, &e.ValidFrom, &e.ValidUntil, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Amount = model.FromCents(cents)
	return &e, nil
}

func (s *PostgresStore) GetEstimate(ctx context.Context, id string) (*model.Estimate, error) {
	return pgGetEstimate(ctx, s.pool, id, "")
}

func pgGetEstimate(ctx context.Context, q pgQuerier, id, suffix string) (*model.Estimate, error) {
	e, err := scanPgEstimate(q.QueryRow(ctx, `SELECT `+pgEstimateCols+` FROM estimates WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("estimate", id)
	}
	if err != nil {
		return nil, classifyPostgres(err, "get estimate", "estimate")
	}
	return e, nil
}

func (s *PostgresStore) queryEstimates(ctx context.Context, op, query string, args ...any) ([]model.Estimate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(err, op, "estimate")
	}
	defer rows.Close()

	var out []model.Estimate
	for rows.Next() {
		e, err := scanPgEstimate(rows)
		if err != nil {
			return nil, classifyPostgres(err, op, "estimate")
		}
		out = append(out, *e)
	}
	return out, classifyPostgres(rows.Err(), op, "estimate")
}

func (s *PostgresStore) ListCurrentEstimates(ctx context.Context, projectID string) ([]model.Estimate, error) {
	return s.queryEstimates(ctx, "list current estimates",
		`SELECT `+pgEstimateCols+` FROM estimates
		WHERE project_id = $1 AND valid_until IS NULL
		ORDER BY COALESCE(phase_id, ''), kind`, projectID)
}

func (s *PostgresStore) ListEstimateHistory(ctx context.Context, key model.EstimateKey) ([]model.Estimate, error) {
	return s.queryEstimates(ctx, "list estimate history",
		`SELECT `+pgEstimateCols+` FROM estimates
		WHERE project_id = $1 AND COALESCE(phase_id, '') = $2 AND kind = $3
		ORDER BY valid_from, created_at`, key.ProjectID, key.PhaseKey(), string(key.Kind))
}

// --- Progress ---

const pgProgressCols = `project_id, phase_id, percent, updated_by, created_at, updated_at`

func scanPgProgress(row pgx.Row) (*model.PhaseProgress, error) {
	var p model.PhaseProgress
	if err := row.Scan(&p.ProjectID, &p.PhaseID, &p.Percent, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error) {
	return pgGetProgress(ctx, s.pool, projectID, phaseID, "")
}

func pgGetProgress(ctx context.Context, q pgQuerier, projectID, phaseID, suffix string) (*model.PhaseProgress, error) {
	p, err := scanPgProgress(q.QueryRow(ctx,
		`SELECT `+pgProgressCols+` FROM phase_progress WHERE project_id = $1 AND phase_id = $2`+suffix,
		projectID, phaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgres(err, "get progress", "progress")
	}
	return p, nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, projectID string) ([]model.PhaseProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProgressCols+` FROM phase_progress WHERE project_id = $1 ORDER BY phase_id`, projectID)
	if err != nil {
		return nil, classifyPostgres(err, "list progress", "progress")
	}
	defer rows.Close()

	var out []model.PhaseProgress
	for rows.Next() {
		p, err := scanPgProgress(rows)
		if err != nil {
			return nil, classifyPostgres(err, "scan progress", "progress")
		}
		out = append(out, *p)
	}
	return out, classifyPostgres(rows.Err(), "list progress", "progress")
}

// --- Audit ---

func (s *PostgresStore) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	query := `SELECT id, event_type, action, entity_id, actor, metadata, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, auditLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(err, "list audit", "audit entry")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var (
			e    model.AuditLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Action, &e.EntityID, &e.Actor, &meta, &e.CreatedAt); err != nil {
			return nil, classifyPostgres(err, "scan audit", "audit entry")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, &model.PersistenceError{Op: "postgres: decode audit metadata", Err: err}
			}
		}
		out = append(out, e)
	}
	return out, classifyPostgres(rows.Err(), "list audit", "audit entry")
}

// --- Aggregates ---

const (
	pgInvoiceSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(CASE WHEN type = 'ACCREC' THEN total_cents ELSE 0 END), 0)::BIGINT,
		COALESCE(SUM(CASE WHEN type = 'ACCPAY' THEN total_cents ELSE 0 END), 0)::BIGINT
	FROM invoices
	WHERE project_id = $1 AND status IN ('AUTHORISED', 'PAID')
	GROUP BY 1`

	pgBillSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(total_cents), 0)::BIGINT,
		COALESCE(SUM(CASE WHEN status = 'PAID' THEN total_cents ELSE 0 END), 0)::BIGINT,
		COALESCE(SUM(CASE WHEN status = 'AUTHORISED' THEN total_cents ELSE 0 END), 0)::BIGINT
	FROM bills
	WHERE project_id = $1 AND status IN ('AUTHORISED', 'PAID')
	GROUP BY 1`

	pgEstimateSums = `SELECT COALESCE(phase_id, ''),
		COALESCE(SUM(CASE WHEN kind = 'revenue' THEN amount_cents ELSE 0 END), 0)::BIGINT,
		COALESCE(SUM(CASE WHEN kind IN ('cost', 'materials') THEN amount_cents ELSE 0 END), 0)::BIGINT
	FROM estimates
	WHERE project_id = $1 AND valid_until IS NULL
	GROUP BY 1`

	pgPortfolio = `SELECT
		(SELECT COUNT(*) FROM projects WHERE active),
		(SELECT COALESCE(SUM(i.total_cents), 0)::BIGINT FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active AND i.type = 'ACCREC' AND i.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(i.total_cents), 0)::BIGINT FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active AND i.type = 'ACCPAY' AND i.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(b.total_cents), 0)::BIGINT FROM bills b JOIN projects p ON p.id = b.project_id
			WHERE p.active AND b.status IN ('AUTHORISED', 'PAID')),
		(SELECT COALESCE(SUM(e.amount_cents), 0)::BIGINT FROM estimates e JOIN projects p ON p.id = e.project_id
			WHERE p.active AND e.valid_until IS NULL AND e.kind = 'revenue'),
		(SELECT COALESCE(SUM(e.amount_cents), 0)::BIGINT FROM estimates e JOIN projects p ON p.id = e.project_id
			WHERE p.active AND e.valid_until IS NULL AND e.kind IN ('cost', 'materials')),
		(SELECT COUNT(*) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active AND i.type = 'ACCREC' AND i.status = 'AUTHORISED' AND i.amount_due_cents > 0),
		(SELECT COUNT(*) FROM invoices i JOIN projects p ON p.id = i.project_id
			WHERE p.active AND i.type = 'ACCREC' AND i.status = 'AUTHORISED' AND i.due_date < $1::date)`
)

func (s *PostgresStore) SumActualsByPhase(ctx context.Context, projectID string) (map[string]model.PhaseActuals, error) {
	out := make(map[string]model.PhaseActuals)

	rows, err := s.pool.Query(ctx, pgInvoiceSums, projectID)
	if err != nil {
		return nil, classifyPostgres(err, "sum invoices", "invoice")
	}
	for rows.Next() {
		var phase string
		var rev, cost int64
		if err := rows.Scan(&phase, &rev, &cost); err != nil {
			rows.Close()
			return nil, classifyPostgres(err, "scan invoice sums", "invoice")
		}
		addPhase(out, phase, func(a *model.PhaseActuals) {
			a.Revenue = a.Revenue.Add(model.FromCents(rev))
			a.Costs = a.Costs.Add(model.FromCents(cost))
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err, "sum invoices", "invoice")
	}

	rows, err = s.pool.Query(ctx, pgBillSums, projectID)
	if err != nil {
		return nil, classifyPostgres(err, "sum bills", "bill")
	}
	defer rows.Close()
	for rows.Next() {
		var phase string
		var total, paid, due int64
		if err := rows.Scan(&phase, &total, &paid, &due); err != nil {
			return nil, classifyPostgres(err, "scan bill sums", "bill")
		}
		addPhase(out, phase, func(a *model.PhaseActuals) {
			a.Costs = a.Costs.Add(model.FromCents(total))
			a.AmountPaid = a.AmountPaid.Add(model.FromCents(paid))
			a.AmountDue = a.AmountDue.Add(model.FromCents(due))
		})
	}
	return out, classifyPostgres(rows.Err(), "sum bills", "bill")
}

func (s *PostgresStore) SumEstimatesByPhase(ctx context.Context, projectID string) (map[string]model.PhaseEstimates, error) {
	rows, err := s.pool.Query(ctx, pgEstimateSums, projectID)
	if err != nil {
		return nil, classifyPostgres(err, "sum estimates", "estimate")
	}
	defer rows.Close()

	out := make(map[string]model.PhaseEstimates)
	for rows.Next() {
		var phase string
		var rev, cost int64
		if err := rows.Scan(&phase, &rev, &cost); err != nil {
			return nil, classifyPostgres(err, "scan estimate sums", "estimate")
		}
		out[phase] = model.PhaseEstimates{Revenue: model.FromCents(rev), Cost: model.FromCents(cost)}
	}
	return out, classifyPostgres(rows.Err(), "sum estimates", "estimate")
}

func (s *PostgresStore) SumPortfolio(ctx context.Context, asOf time.Time) (*model.PortfolioSums, error) {
	var (
		sums                                  model.PortfolioSums
		rev, payables, bills, estRev, estCost int64
	)
	err := s.pool.QueryRow(ctx, pgPortfolio, dateOnly(asOf)).Scan(
		&sums.ActiveProjects, &rev, &payables, &bills, &estRev, &estCost,
		&sums.InvoicesPending, &sums.InvoicesOverdue)
	if err != nil {
		return nil, classifyPostgres(err, "sum portfolio", "project")
	}
	sums.ActualRevenue = model.FromCents(rev)
	sums.ActualCosts = model.FromCents(payables + bills)
	sums.EstimatedRevenue = model.FromCents(estRev)
	sums.EstimatedCost = model.FromCents(estCost)
	return &sums, nil
}

// --- Transactions ---

// pgTx implements Tx over a pgx transaction. Reads that precede a write
// lock the row with FOR UPDATE so concurrent writers serialize on it.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ProjectExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, id).Scan(&ok)
	return ok, classifyPostgres(err, "project exists", "project")
}

func (t *pgTx) PhaseExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM build_phases WHERE id = $1)`, id).Scan(&ok)
	return ok, classifyPostgres(err, "phase exists", "phase")
}

func (t *pgTx) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return pgGetProject(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) SetProjectActive(ctx context.Context, id string, active bool, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE projects SET active = $1, updated_at = $2 WHERE id = $3`, active, at, id)
	if err != nil {
		return classifyPostgres(err, "set project active", "project")
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("project", id)
	}
	return nil
}

func (t *pgTx) CurrentEstimate(ctx context.Context, key model.EstimateKey) (*model.Estimate, error) {
	e, err := scanPgEstimate(t.tx.QueryRow(ctx,
		`SELECT `+pgEstimateCols+` FROM estimates
		WHERE project_id = $1 AND COALESCE(phase_id, '') = $2 AND kind = $3 AND valid_until IS NULL
		FOR UPDATE`, key.ProjectID, key.PhaseKey(), string(key.Kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgres(err, "current estimate", "estimate")
	}
	return e, nil
}

func (t *pgTx) GetEstimate(ctx context.Context, id string) (*model.Estimate, error) {
	return pgGetEstimate(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) CloseEstimate(ctx context.Context, id string, until time.Time, actor string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE estimates SET valid_until = $1, updated_by = $2, updated_at = $1
		WHERE id = $3 AND valid_until IS NULL`, until, actor, id)
	if err != nil {
		return classifyPostgres(err, "close estimate", "estimate")
	}
	if tag.RowsAffected() == 0 {
		return &model.DuplicateKeyError{Key: id}
	}
	return nil
}

func (t *pgTx) InsertEstimate(ctx context.Context, e *model.Estimate) error {
	amount, err := model.ToCents(e.Amount)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO estimates (`+pgEstimateCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.ProjectID, e.PhaseID, string(e.Kind), amount, e.EstimateDate, e.Confidence,
		e.Notes, e.ValidFrom, e.ValidUntil, e.CreatedBy, e.UpdatedBy, e.CreatedAt, e.UpdatedAt)
	return classifyPostgres(err, "insert estimate", "project")
}

func (t *pgTx) UpdateEstimate(ctx context.Context, e *model.Estimate) error {
	amount, err := model.ToCents(e.Amount)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE estimates SET kind = $1, amount_cents = $2, estimate_date = $3, confidence = $4, notes = $5,
			updated_by = $6, updated_at = $7
		WHERE id = $8 AND valid_until IS NULL`,
		string(e.Kind), amount, e.EstimateDate, e.Confidence, e.Notes,
		e.UpdatedBy, e.UpdatedAt, e.ID)
	if err != nil {
		return classifyPostgres(err, "update estimate", "estimate")
	}
	if tag.RowsAffected() == 0 {
		return &model.DuplicateKeyError{Key: e.ID}
	}
	return nil
}

func (t *pgTx) GetProgress(ctx context.Context, projectID, phaseID string) (*model.PhaseProgress, error) {
	return pgGetProgress(ctx, t.tx, projectID, phaseID, " FOR UPDATE")
}

func (t *pgTx) UpsertProgress(ctx context.Context, p *model.PhaseProgress) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO phase_progress (project_id, phase_id, percent, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, phase_id) DO UPDATE SET
			percent = EXCLUDED.percent, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		p.ProjectID, p.PhaseID, p.Percent, p.UpdatedBy, p.CreatedAt, p.UpdatedAt)
	return classifyPostgres(err, "upsert progress", "project")
}

func (t *pgTx) ActualPhase(ctx context.Context, ref model.ActualRef) (string, *string, error) {
	table, err := actualTable(ref.Kind)
	if err != nil {
		return "", nil, err
	}
	var (
		projectID string
		phase     *string
	)
	err = t.tx.QueryRow(ctx, `SELECT project_id, phase_id FROM `+table+` WHERE id = $1 FOR UPDATE`, ref.ID).
		Scan(&projectID, &phase)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, model.NewNotFoundError(string(ref.Kind), ref.ID)
	}
	if err != nil {
		return "", nil, classifyPostgres(err, "get "+string(ref.Kind)+" phase", string(ref.Kind))
	}
	return projectID, phase, nil
}

func (t *pgTx) AssignPhase(ctx context.Context, ref model.ActualRef, phaseID *string) error {
	table, err := actualTable(ref.Kind)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE `+table+` SET phase_id = $1 WHERE id = $2`, phaseID, ref.ID)
	if err != nil {
		return classifyPostgres(err, "assign phase", "phase")
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(string(ref.Kind), ref.ID)
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return &model.PersistenceError{Op: "postgres: encode audit metadata", Err: err}
	}

	if _, err := t.tx.Exec(ctx, `SAVEPOINT audit_entry`); err != nil {
		return classifyPostgres(err, "audit savepoint", "audit entry")
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO audit_log (id, event_type, action, entity_id, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, string(entry.EventType), string(entry.Action), entry.EntityID, entry.Actor, meta, entry.CreatedAt)
	if err != nil {
		if _, rbErr := t.tx.Exec(ctx, `ROLLBACK TO SAVEPOINT audit_entry`); rbErr != nil {
			return classifyPostgres(rbErr, "audit rollback to savepoint", "audit entry")
		}
		return classifyPostgres(err, "insert audit", "audit entry")
	}
	_, err = t.tx.Exec(ctx, `RELEASE SAVEPOINT audit_entry`)
	return classifyPostgres(err, "audit release savepoint", "audit entry")
}
