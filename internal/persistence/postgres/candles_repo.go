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

const candleColumns = `instrument_id, timeframe, open_time, open, high, low, close,
		volume, quote_volume, vwap, trade_count`

const upsertCandleSQL = `
		INSERT INTO candles (
			instrument_id, timeframe, open_time, open, high, low, close,
			volume, quote_volume, vwap, trade_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (instrument_id, timeframe, open_time) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume,
		    quote_volume = EXCLUDED.quote_volume, vwap = EXCLUDED.vwap,
		    trade_count = EXCLUDED.trade_count`

// candlesRepo implements CandlesRepo for PostgreSQL.
type candlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandlesRepo creates a PostgreSQL candles repository.
func NewCandlesRepo(db *sqlx.DB, timeout time.Duration) persistence.CandlesRepo {
	return &candlesRepo{db: db, timeout: timeout}
}

func (r *candlesRepo) Upsert(ctx context.Context, c domain.Candle) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, upsertCandleSQL,
		c.InstrumentID, c.Timeframe, c.OpenTime, c.Open, c.High, c.Low, c.Close,
		c.Volume, c.QuoteVolume, c.VWAP, c.TradeCount)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}
	return nil
}

func (r *candlesRepo) UpsertBatch(ctx context.Context, cs []domain.Candle) error {
	if len(cs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin candle batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare candle upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cs {
		_, err := stmt.ExecContext(ctx,
			c.InstrumentID, c.Timeframe, c.OpenTime, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.VWAP, c.TradeCount)
		if err != nil {
			return fmt.Errorf("failed to upsert candle in batch: %w", err)
		}
	}

	return tx.Commit()
}

// List returns candles oldest first. A limit keeps the most recent
// buckets, matching chart pagination.
func (r *candlesRepo) List(ctx context.Context, instrumentID string, tf domain.Timeframe, tr persistence.TimeRange, limit int) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + candleColumns + ` FROM (
			SELECT ` + candleColumns + `
			FROM candles
			WHERE instrument_id = $1 AND timeframe = $2
			  AND ($3::timestamptz IS NULL OR open_time >= $3)
			  AND ($4::timestamptz IS NULL OR open_time <= $4)
			ORDER BY open_time DESC
			LIMIT NULLIF($5, 0)
		) recent
		ORDER BY open_time`

	rows, err := r.db.QueryxContext(ctx, query,
		instrumentID, tf, nullTime(tr.From), nullTime(tr.To), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c, err := r.scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candle rows: %w", err)
	}
	return out, nil
}

func (r *candlesRepo) Latest(ctx context.Context, instrumentID string, tf domain.Timeframe) (*domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE instrument_id = $1 AND timeframe = $2
		ORDER BY open_time DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query, instrumentID, tf)

	c, err := r.scanCandle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no candles for %s %s: %w", instrumentID, tf, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest candle: %w", err)
	}
	return c, nil
}

func (r *candlesRepo) scanCandle(s scanner) (*domain.Candle, error) {
	var c domain.Candle
	err := s.Scan(
		&c.InstrumentID, &c.Timeframe, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.VWAP, &c.TradeCount)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
