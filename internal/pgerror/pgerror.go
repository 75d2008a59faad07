// Package pgerror maps Postgres integrity violations back to the
// constraint that raised them.
package pgerror

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE class 23 codes the schema can raise. Unique keys guard
// rollout names and target registrations; foreign keys tie groups,
// members and actions to their rollout.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// ConstraintName reports which integrity constraint err violated.
// The second return is false when err is not a constraint violation.
func ConstraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case uniqueViolation, foreignKeyViolation:
		if pgErr.ConstraintName != "" {
			return pgErr.ConstraintName, true
		}
	}
	return "", false
}
