package pgerror

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	UniqueViolation     = "23505"
	ForeignKeyViolation = "23503"
	CheckViolation      = "23514"
	NotNullViolation    = "23502"
)

// GetConstraintName returns the violated constraint of an integrity error.
func GetConstraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case UniqueViolation, ForeignKeyViolation, CheckViolation, NotNullViolation:
		return pgErr.ConstraintName, pgErr.ConstraintName != ""
	}
	return "", false
}

// IsRetryable reports whether a failed statement may succeed if sent again.
// Integrity and syntax errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return true
	}
	switch pgErr.Code[:2] {
	case "22", "23", "42":
		return false
	}
	return true
}
