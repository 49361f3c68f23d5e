// Package postgres implements the persistence repositories against
// PostgreSQL via sqlx. Every repository takes the shared *sqlx.DB and a
// per-query timeout; writes that touch multiple rows run inside a single
// database transaction. Unique violations map onto domain.ErrConflict,
// missing rows onto domain.ErrNotFound, so callers behave identically
// against the memory tier.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/biomex/biomex/internal/domain"
)

// scanner covers both *sqlx.Row and *sqlx.Rows so each repo needs a
// single scan helper.
type scanner interface {
	Scan(dest ...any) error
}

// nullTime converts an open TimeRange bound into SQL NULL so predicates
// of the form ($n::timestamptz IS NULL OR col >= $n) leave it unbounded.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// clampLimit normalizes a limit for LIMIT NULLIF($n, 0): zero or negative
// means unbounded.
func clampLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// requireRow turns a zero-row UPDATE or DELETE into domain.ErrNotFound.
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, domain.ErrNotFound)
	}
	return nil
}
