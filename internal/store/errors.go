package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// classifyPostgres maps driver errors onto the domain error taxonomy.
func classifyPostgres(err error, op, entity string) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &model.DuplicateKeyError{Key: pgErr.ConstraintName, Err: err}
		case pgForeignKeyViolation:
			return &model.NotFoundError{Entity: referencedEntity(pgErr.ConstraintName, entity)}
		}
	}
	return &model.PersistenceError{Op: "postgres: " + op, Err: eris.Wrap(err, op)}
}

// classifySQLite maps driver errors onto the domain error taxonomy. The
// modernc driver reports constraint failures only through the message.
func classifySQLite(err error, op, entity string) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return &model.DuplicateKeyError{Key: strings.TrimSpace(after(msg, "UNIQUE constraint failed:")), Err: err}
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &model.NotFoundError{Entity: entity}
	}
	return &model.PersistenceError{Op: "sqlite: " + op, Err: eris.Wrap(err, op)}
}

func isDomainError(err error) bool {
	return model.IsValidation(err) || model.IsNotFound(err) ||
		model.IsDuplicateKey(err) || model.IsPersistence(err)
}

// referencedEntity guesses the missing parent from a constraint name such
// as "estimates_phase_id_fkey".
func referencedEntity(constraint, fallback string) string {
	switch {
	case strings.Contains(constraint, "phase_id"):
		return "phase"
	case strings.Contains(constraint, "project_id"):
		return "project"
	}
	return fallback
}

func after(s, sep string) string {
	if _, rest, ok := strings.Cut(s, sep); ok {
		return rest
	}
	return s
}
