package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

const instrumentColumns = `id, symbol, name, asset_class, tick_size, lot_size, max_leverage,
		margin_allowed, short_allowed, status, created_at, updated_at`

// instrumentsRepo implements InstrumentsRepo for PostgreSQL.
type instrumentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInstrumentsRepo creates a PostgreSQL instruments repository.
func NewInstrumentsRepo(db *sqlx.DB, timeout time.Duration) persistence.InstrumentsRepo {
	return &instrumentsRepo{db: db, timeout: timeout}
}

func (r *instrumentsRepo) Create(ctx context.Context, ins *domain.Instrument) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO instruments (
			id, symbol, name, asset_class, tick_size, lot_size, max_leverage,
			margin_allowed, short_allowed, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		ins.ID, ins.Symbol, ins.Name, ins.AssetClass, ins.TickSize, ins.LotSize, ins.MaxLeverage,
		ins.MarginOK, ins.ShortOK, ins.Status, ins.CreatedAt, ins.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "instruments_symbol_key" {
				return fmt.Errorf("symbol %s already listed: %w", ins.Symbol, domain.ErrConflict)
			}
			return fmt.Errorf("instrument %s already exists: %w", ins.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to create instrument: %w", err)
	}
	return nil
}

// Update persists listing attributes. Symbol stays fixed for the life of
// the listing.
func (r *instrumentsRepo) Update(ctx context.Context, ins *domain.Instrument) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE instruments
		SET name = $2, asset_class = $3, tick_size = $4, lot_size = $5, max_leverage = $6,
		    margin_allowed = $7, short_allowed = $8, status = $9, updated_at = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		ins.ID, ins.Name, ins.AssetClass, ins.TickSize, ins.LotSize, ins.MaxLeverage,
		ins.MarginOK, ins.ShortOK, ins.Status)
	if err != nil {
		return fmt.Errorf("failed to update instrument: %w", err)
	}
	return requireRow(res, "instrument", ins.ID)
}

func (r *instrumentsRepo) GetByID(ctx context.Context, id string) (*domain.Instrument, error) {
	return r.getWhere(ctx, `id = $1`, id)
}

func (r *instrumentsRepo) GetBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	return r.getWhere(ctx, `UPPER(symbol) = UPPER($1)`, symbol)
}

func (r *instrumentsRepo) getWhere(ctx context.Context, where, key string) (*domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE `+where, key)

	ins, err := r.scanInstrument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("instrument %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return ins, nil
}

func (r *instrumentsRepo) List(ctx context.Context, class domain.AssetClass, status domain.InstrumentStatus) ([]domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments
		WHERE ($1 = '' OR asset_class = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY symbol`

	rows, err := r.db.QueryxContext(ctx, query, string(class), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		ins, err := r.scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument row: %w", err)
		}
		out = append(out, *ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instrument rows: %w", err)
	}
	return out, nil
}

func (r *instrumentsRepo) SetStatus(ctx context.Context, id string, status domain.InstrumentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE instruments SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to set instrument status: %w", err)
	}
	return requireRow(res, "instrument", id)
}

func (r *instrumentsRepo) scanInstrument(s scanner) (*domain.Instrument, error) {
	var ins domain.Instrument
	err := s.Scan(
		&ins.ID, &ins.Symbol, &ins.Name, &ins.AssetClass, &ins.TickSize, &ins.LotSize,
		&ins.MaxLeverage, &ins.MarginOK, &ins.ShortOK, &ins.Status, &ins.CreatedAt, &ins.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}
