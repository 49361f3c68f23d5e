package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// marketRepo implements MarketRepo for PostgreSQL. The venue state lives
// in a single row seeded by the schema.
type marketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketRepo creates a PostgreSQL market status repository.
func NewMarketRepo(db *sqlx.DB, timeout time.Duration) persistence.MarketRepo {
	return &marketRepo{db: db, timeout: timeout}
}

func (r *marketRepo) GetStatus(ctx context.Context) (*domain.MarketStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s domain.MarketStatus
	err := r.db.QueryRowxContext(ctx,
		`SELECT state, reason, updated_at FROM market_status WHERE id = 1`).
		Scan(&s.State, &s.Reason, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("market status not set: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get market status: %w", err)
	}
	return &s, nil
}

func (r *marketRepo) SetStatus(ctx context.Context, s domain.MarketStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO market_status (id, state, reason, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, s.State, s.Reason, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to set market status: %w", err)
	}
	return nil
}
