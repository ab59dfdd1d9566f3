package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes and classes the ingestion path cares about.
const (
	CodeUniqueViolation = "23505"

	classDataException      = "22"
	classIntegrityViolation = "23"
	classSyntaxOrAccess     = "42"
)

// IsUniqueViolation reports whether err carries a unique-constraint violation
// anywhere in its chain.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == CodeUniqueViolation
}

// IsTransient reports whether err is worth retrying. Data, integrity and
// syntax/permission errors will fail again, as will a cancelled context.
// Everything else (connection resets, timeouts, serialization failures) is
// treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return true
		}
		switch pgErr.Code[:2] {
		case classDataException, classIntegrityViolation, classSyntaxOrAccess:
			return false
		}
	}
	return true
}

// ConstraintName returns the violated constraint, if err is a PgError.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
