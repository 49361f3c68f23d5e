package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

const positionColumns = `id, user_id, instrument_id, side, quantity, entry_price,
		leverage, margin_used, swap_accrued, opened_at, updated_at`

// positionsRepo implements PositionsRepo for PostgreSQL.
type positionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionsRepo creates a PostgreSQL positions repository.
func NewPositionsRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionsRepo {
	return &positionsRepo{db: db, timeout: timeout}
}

func (r *positionsRepo) Upsert(ctx context.Context, p *domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO positions (
			id, user_id, instrument_id, side, quantity, entry_price,
			leverage, margin_used, swap_accrued, opened_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, instrument_id) DO UPDATE
		SET side = EXCLUDED.side, quantity = EXCLUDED.quantity,
		    entry_price = EXCLUDED.entry_price, leverage = EXCLUDED.leverage,
		    margin_used = EXCLUDED.margin_used, swap_accrued = EXCLUDED.swap_accrued,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.InstrumentID, p.Side, p.Quantity, p.EntryPrice,
		p.Leverage, p.MarginUsed, p.SwapAccrued, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func (r *positionsRepo) Delete(ctx context.Context, userID, instrumentID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return requireRow(res, "position", userID+"/"+instrumentID)
}

func (r *positionsRepo) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1
		ORDER BY instrument_id`
	return r.list(ctx, query, userID)
}

func (r *positionsRepo) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		ORDER BY user_id, instrument_id`
	return r.list(ctx, query)
}

func (r *positionsRepo) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		err := rows.Scan(
			&p.ID, &p.UserID, &p.InstrumentID, &p.Side, &p.Quantity, &p.EntryPrice,
			&p.Leverage, &p.MarginUsed, &p.SwapAccrued, &p.OpenedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read position rows: %w", err)
	}
	return out, nil
}
