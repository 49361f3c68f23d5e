package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// auditRepo implements AuditRepo for PostgreSQL. The table is append-only
// with a serial id assigned on insert.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO audit_log (actor_id, action, entity, entity_id, detail, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		e.ActorID, e.Action, e.Entity, e.EntityID, e.Detail, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, f persistence.AuditFilter) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, actor_id, action, entity, COALESCE(entity_id, ''), detail, created_at
		FROM audit_log
		WHERE ($1 = '' OR actor_id = $1)
		  AND ($2 = '' OR entity = $2)
		ORDER BY id DESC
		LIMIT NULLIF($3, 0) OFFSET $4`

	rows, err := r.db.QueryxContext(ctx, query,
		f.ActorID, f.Entity, clampLimit(f.Limit), clampOffset(f.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &e.Detail, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}
	return out, nil
}
