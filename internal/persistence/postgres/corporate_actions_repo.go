package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// corporateActionsRepo implements CorporateActionsRepo for PostgreSQL.
type corporateActionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCorporateActionsRepo creates a PostgreSQL corporate actions repository.
func NewCorporateActionsRepo(db *sqlx.DB, timeout time.Duration) persistence.CorporateActionsRepo {
	return &corporateActionsRepo{db: db, timeout: timeout}
}

func (r *corporateActionsRepo) Insert(ctx context.Context, a *domain.CorporateAction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO corporate_actions (
			id, instrument_id, action_type, ratio, effective_at, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.InstrumentID, a.Type, a.Ratio, a.EffectiveAt, a.Note, a.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("corporate action %s already exists: %w", a.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert corporate action: %w", err)
	}
	return nil
}

func (r *corporateActionsRepo) ListByInstrument(ctx context.Context, instrumentID string) ([]domain.CorporateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, instrument_id, action_type, ratio, effective_at, note, created_at
		FROM corporate_actions
		WHERE instrument_id = $1
		ORDER BY effective_at`

	rows, err := r.db.QueryxContext(ctx, query, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list corporate actions: %w", err)
	}
	defer rows.Close()

	var out []domain.CorporateAction
	for rows.Next() {
		var a domain.CorporateAction
		err := rows.Scan(&a.ID, &a.InstrumentID, &a.Type, &a.Ratio, &a.EffectiveAt, &a.Note, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan corporate action row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corporate action rows: %w", err)
	}
	return out, nil
}
