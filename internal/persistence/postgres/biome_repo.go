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

const upsertBiomeMarketSQL = `
		INSERT INTO biome_markets (
			biome, cash_bdt, total_shares, attention_score, last_redistribution, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (biome) DO UPDATE
		SET cash_bdt = EXCLUDED.cash_bdt, total_shares = EXCLUDED.total_shares,
		    attention_score = EXCLUDED.attention_score,
		    last_redistribution = EXCLUDED.last_redistribution,
		    updated_at = EXCLUDED.updated_at`

// biomeRepo implements BiomeRepo for PostgreSQL. Upserting a holding with
// zero shares or an attention row with zero score deletes the row, so the
// tables only ever hold live positions and unspent scores.
type biomeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBiomeRepo creates a PostgreSQL biome repository.
func NewBiomeRepo(db *sqlx.DB, timeout time.Duration) persistence.BiomeRepo {
	return &biomeRepo{db: db, timeout: timeout}
}

func (r *biomeRepo) UpsertMarket(ctx context.Context, m *domain.BiomeMarket) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, upsertBiomeMarketSQL,
		m.Biome, m.Cash, m.TotalShares, m.Attention, m.LastRedistribution, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert biome market: %w", err)
	}
	return nil
}

func (r *biomeRepo) ReplaceMarkets(ctx context.Context, ms []domain.BiomeMarket) error {
	if len(ms) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin market replace: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBiomeMarketSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare market upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range ms {
		_, err := stmt.ExecContext(ctx,
			m.Biome, m.Cash, m.TotalShares, m.Attention, m.LastRedistribution, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert market %s: %w", m.Biome, err)
		}
	}

	return tx.Commit()
}

func (r *biomeRepo) GetMarket(ctx context.Context, b domain.Biome) (*domain.BiomeMarket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT biome, cash_bdt, total_shares, attention_score, last_redistribution, updated_at
		FROM biome_markets
		WHERE biome = $1`

	var m domain.BiomeMarket
	err := r.db.QueryRowxContext(ctx, query, b).Scan(
		&m.Biome, &m.Cash, &m.TotalShares, &m.Attention, &m.LastRedistribution, &m.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("biome market %s: %w", b, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get biome market: %w", err)
	}
	return &m, nil
}

// ListMarkets returns the market rows in canonical biome order.
func (r *biomeRepo) ListMarkets(ctx context.Context) ([]domain.BiomeMarket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT biome, cash_bdt, total_shares, attention_score, last_redistribution, updated_at
		FROM biome_markets`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list biome markets: %w", err)
	}
	defer rows.Close()

	byBiome := make(map[domain.Biome]domain.BiomeMarket, len(domain.Biomes()))
	for rows.Next() {
		var m domain.BiomeMarket
		err := rows.Scan(&m.Biome, &m.Cash, &m.TotalShares, &m.Attention, &m.LastRedistribution, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan biome market row: %w", err)
		}
		byBiome[m.Biome] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read biome market rows: %w", err)
	}

	out := make([]domain.BiomeMarket, 0, len(byBiome))
	for _, b := range domain.Biomes() {
		if m, ok := byBiome[b]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *biomeRepo) UpsertHolding(ctx context.Context, h *domain.Holding) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if h.Shares.IsZero() {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM biome_holdings WHERE user_id = $1 AND biome = $2`,
			h.UserID, h.Biome)
		if err != nil {
			return fmt.Errorf("failed to delete emptied holding: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO biome_holdings (user_id, biome, shares, invested_bdt, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, biome) DO UPDATE
		SET shares = EXCLUDED.shares, invested_bdt = EXCLUDED.invested_bdt,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, h.UserID, h.Biome, h.Shares, h.Invested, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}

func (r *biomeRepo) GetHolding(ctx context.Context, userID string, b domain.Biome) (*domain.Holding, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id, biome, shares, invested_bdt, updated_at
		FROM biome_holdings
		WHERE user_id = $1 AND biome = $2`

	var h domain.Holding
	err := r.db.QueryRowxContext(ctx, query, userID, b).Scan(
		&h.UserID, &h.Biome, &h.Shares, &h.Invested, &h.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("holding %s/%s: %w", userID, b, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return &h, nil
}

// ListHoldingsByUser returns the user's positions in canonical biome order.
func (r *biomeRepo) ListHoldingsByUser(ctx context.Context, userID string) ([]domain.Holding, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id, biome, shares, invested_bdt, updated_at
		FROM biome_holdings
		WHERE user_id = $1`

	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	byBiome := make(map[domain.Biome]domain.Holding)
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.UserID, &h.Biome, &h.Shares, &h.Invested, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding row: %w", err)
		}
		byBiome[h.Biome] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read holding rows: %w", err)
	}

	var out []domain.Holding
	for _, b := range domain.Biomes() {
		if h, ok := byBiome[b]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *biomeRepo) ListHolders(ctx context.Context, b domain.Biome, limit int) ([]domain.Holding, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id, biome, shares, invested_bdt, updated_at
		FROM biome_holdings
		WHERE biome = $1
		ORDER BY shares DESC, user_id
		LIMIT NULLIF($2, 0)`

	rows, err := r.db.QueryxContext(ctx, query, b, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	defer rows.Close()

	var out []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.UserID, &h.Biome, &h.Shares, &h.Invested, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holder row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read holder rows: %w", err)
	}
	return out, nil
}

func (r *biomeRepo) UpsertAttention(ctx context.Context, a *domain.Attention) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if a.Score == 0 {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM biome_attention WHERE user_id = $1 AND biome = $2`,
			a.UserID, a.Biome)
		if err != nil {
			return fmt.Errorf("failed to delete spent attention: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO biome_attention (user_id, biome, score, last_activity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, biome) DO UPDATE
		SET score = EXCLUDED.score, last_activity = EXCLUDED.last_activity`

	_, err := r.db.ExecContext(ctx, query, a.UserID, a.Biome, a.Score, a.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to upsert attention: %w", err)
	}
	return nil
}

func (r *biomeRepo) ListAttention(ctx context.Context) ([]domain.Attention, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id, biome, score, last_activity
		FROM biome_attention
		ORDER BY user_id, biome`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list attention: %w", err)
	}
	defer rows.Close()

	var out []domain.Attention
	for rows.Next() {
		var a domain.Attention
		if err := rows.Scan(&a.UserID, &a.Biome, &a.Score, &a.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan attention row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attention rows: %w", err)
	}
	return out, nil
}

func (r *biomeRepo) ClearAttention(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM biome_attention`); err != nil {
		return fmt.Errorf("failed to clear attention: %w", err)
	}
	return nil
}

func (r *biomeRepo) InsertPricePoints(ctx context.Context, pts []domain.PricePoint) error {
	if len(pts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin price history insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO biome_price_history (biome, price, cash_bdt, attention, at)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("failed to prepare price history insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pts {
		if _, err := stmt.ExecContext(ctx, p.Biome, p.Price, p.Cash, p.Attention, p.At); err != nil {
			return fmt.Errorf("failed to insert price point: %w", err)
		}
	}

	return tx.Commit()
}

// ListPriceHistory returns samples oldest first. A limit keeps the most
// recent ones, so the inner query walks the index backwards and the outer
// restores chronological order.
func (r *biomeRepo) ListPriceHistory(ctx context.Context, b domain.Biome, tr persistence.TimeRange, limit int) ([]domain.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT biome, price, cash_bdt, attention, at FROM (
			SELECT id, biome, price, cash_bdt, attention, at
			FROM biome_price_history
			WHERE biome = $1
			  AND ($2::timestamptz IS NULL OR at >= $2)
			  AND ($3::timestamptz IS NULL OR at <= $3)
			ORDER BY at DESC, id DESC
			LIMIT NULLIF($4, 0)
		) recent
		ORDER BY at, id`

	rows, err := r.db.QueryxContext(ctx, query, b, nullTime(tr.From), nullTime(tr.To), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list price history: %w", err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.Biome, &p.Price, &p.Cash, &p.Attention, &p.At); err != nil {
			return nil, fmt.Errorf("failed to scan price point row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read price point rows: %w", err)
	}
	return out, nil
}
