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

const orderColumns = `id, user_id, instrument_id, side, order_type, quantity, remaining,
		price, stop_price, trailing_offset, iceberg_visible, COALESCE(oco_group_id, ''),
		time_in_force, leverage, status, COALESCE(client_order_id, ''), reserved_funds,
		last_sequence, expires_at, created_at, updated_at`

// ordersRepo implements OrdersRepo for PostgreSQL. It is the write-behind
// record of the in-memory books, read back in full only on recovery.
type ordersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOrdersRepo creates a PostgreSQL orders repository.
func NewOrdersRepo(db *sqlx.DB, timeout time.Duration) persistence.OrdersRepo {
	return &ordersRepo{db: db, timeout: timeout}
}

func (r *ordersRepo) Insert(ctx context.Context, o *domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO orders (
			id, user_id, instrument_id, side, order_type, quantity, remaining,
			price, stop_price, trailing_offset, iceberg_visible, oco_group_id,
			time_in_force, leverage, status, client_order_id, reserved_funds,
			last_sequence, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''),
			$13, $14, $15, NULLIF($16, ''), $17, $18, $19, $20, $21
		)`

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.UserID, o.InstrumentID, o.Side, o.Type, o.Quantity, o.Remaining,
		o.Price, o.StopPrice, o.TrailingOffset, o.IcebergVisible, o.OCOGroupID,
		o.TimeInForce, o.Leverage, o.Status, o.ClientOrderID, o.ReservedFunds,
		o.LastSequence, o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "orders_client_order_key" {
				return fmt.Errorf("client order id %s already used: %w", o.ClientOrderID, domain.ErrConflict)
			}
			return fmt.Errorf("order %s already exists: %w", o.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// Update persists the fields the matching engine mutates after placement.
func (r *ordersRepo) Update(ctx context.Context, o *domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE orders
		SET remaining = $2, price = $3, stop_price = $4, status = $5,
		    reserved_funds = $6, last_sequence = $7, updated_at = $8
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		o.ID, o.Remaining, o.Price, o.StopPrice, o.Status,
		o.ReservedFunds, o.LastSequence, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return requireRow(res, "order", o.ID)
}

func (r *ordersRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := r.scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *ordersRepo) GetByClientOrderID(ctx context.Context, userID, clientOrderID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 AND client_order_id = $2`

	row := r.db.QueryRowxContext(ctx, query, userID, clientOrderID)

	o, err := r.scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("client order %s: %w", clientOrderID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order by client id: %w", err)
	}
	return o, nil
}

func (r *ordersRepo) ListOpen(ctx context.Context) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('pending', 'partial')
		ORDER BY created_at, id`
	return r.list(ctx, query)
}

func (r *ordersRepo) ListOpenByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND status IN ('pending', 'partial')
		ORDER BY created_at, id`
	return r.list(ctx, query, userID)
}

func (r *ordersRepo) ListByUser(ctx context.Context, userID string, f persistence.OrderFilter) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND ($2 = '' OR instrument_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0) OFFSET $5`
	return r.list(ctx, query, userID, f.InstrumentID, string(f.Status), clampLimit(f.Limit), clampOffset(f.Offset))
}

func (r *ordersRepo) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order rows: %w", err)
	}
	return orders, nil
}

func (r *ordersRepo) scanOrder(s scanner) (*domain.Order, error) {
	var o domain.Order
	err := s.Scan(
		&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Type, &o.Quantity, &o.Remaining,
		&o.Price, &o.StopPrice, &o.TrailingOffset, &o.IcebergVisible, &o.OCOGroupID,
		&o.TimeInForce, &o.Leverage, &o.Status, &o.ClientOrderID, &o.ReservedFunds,
		&o.LastSequence, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
