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

const tradeColumns = `id, instrument_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		price, quantity, taker_side, sequence, executed_at`

const insertTradeSQL = `
		INSERT INTO trades (
			id, instrument_id, buy_order_id, sell_order_id, buyer_id, seller_id,
			price, quantity, taker_side, sequence, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// tradesRepo implements TradesRepo for PostgreSQL. The unique
// (instrument_id, sequence) index is the durable form of the
// strictly-increasing sequence rule.
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates a PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

func (r *tradesRepo) Insert(ctx context.Context, t *domain.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertTradeSQL,
		t.ID, t.InstrumentID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Price, t.Quantity, t.TakerSide, t.Sequence, t.ExecutedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate trade sequence %d on %s: %w",
				t.Sequence, t.InstrumentID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (r *tradesRepo) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	// Large match cycles get proportionally more time.
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trade batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTradeSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		_, err := stmt.ExecContext(ctx,
			t.ID, t.InstrumentID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
			t.Price, t.Quantity, t.TakerSide, t.Sequence, t.ExecutedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("duplicate trade sequence %d on %s: %w",
					t.Sequence, t.InstrumentID, domain.ErrConflict)
			}
			return fmt.Errorf("failed to insert trade in batch: %w", err)
		}
	}

	return tx.Commit()
}

func (r *tradesRepo) ListByInstrument(ctx context.Context, instrumentID string, limit int) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE instrument_id = $1
		ORDER BY sequence DESC
		LIMIT NULLIF($2, 0)`
	return r.list(ctx, query, instrumentID, clampLimit(limit))
}

func (r *tradesRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY executed_at DESC, sequence DESC
		LIMIT NULLIF($2, 0) OFFSET $3`
	return r.list(ctx, query, userID, clampLimit(limit), clampOffset(offset))
}

func (r *tradesRepo) ListRange(ctx context.Context, instrumentID string, tr persistence.TimeRange) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE instrument_id = $1
		  AND ($2::timestamptz IS NULL OR executed_at >= $2)
		  AND ($3::timestamptz IS NULL OR executed_at <= $3)
		ORDER BY sequence`
	return r.list(ctx, query, instrumentID, nullTime(tr.From), nullTime(tr.To))
}

func (r *tradesRepo) LastSequence(ctx context.Context, instrumentID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var seq int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM trades WHERE instrument_id = $1`,
		instrumentID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last trade sequence: %w", err)
	}
	return seq, nil
}

func (r *tradesRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM trades
		WHERE ($1::timestamptz IS NULL OR executed_at >= $1)
		  AND ($2::timestamptz IS NULL OR executed_at <= $2)`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, nullTime(tr.From), nullTime(tr.To)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

func (r *tradesRepo) list(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := r.scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trade rows: %w", err)
	}
	return trades, nil
}

func (r *tradesRepo) scanTrade(s scanner) (*domain.Trade, error) {
	var t domain.Trade
	err := s.Scan(
		&t.ID, &t.InstrumentID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
		&t.Price, &t.Quantity, &t.TakerSide, &t.Sequence, &t.ExecutedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
