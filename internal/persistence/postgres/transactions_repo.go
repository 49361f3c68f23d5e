package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

const txColumns = `id, transaction_type, status, COALESCE(buyer_id, ''), COALESCE(seller_id, ''),
		COALESCE(instrument_id, ''), COALESCE(listing_id, ''), amount_bdt, platform_fee_bdt,
		gateway_fee_bdt, COALESCE(gateway, ''), COALESCE(gateway_ref, ''), COALESCE(biome, ''),
		shares, price_per_share_bdt, note, completed_at, created_at`

// transactionsRepo implements TransactionsRepo for PostgreSQL. Listings
// read from v_unified_transactions so the source bucket is available as a
// filter without the callers knowing the type-to-source mapping.
type transactionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTransactionsRepo creates a PostgreSQL transactions repository.
func NewTransactionsRepo(db *sqlx.DB, timeout time.Duration) persistence.TransactionsRepo {
	return &transactionsRepo{db: db, timeout: timeout}
}

func (r *transactionsRepo) Insert(ctx context.Context, tx *domain.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	query := `
		INSERT INTO transactions (
			id, transaction_type, status, buyer_id, seller_id, instrument_id, listing_id,
			amount_bdt, platform_fee_bdt, gateway_fee_bdt, gateway, gateway_ref,
			biome, shares, price_per_share_bdt, note, completed_at, created_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, $10, NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), $14, $15, $16, $17, $18
		)`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.Type, tx.Status, tx.BuyerID, tx.SellerID, tx.InstrumentID, tx.ListingID,
		tx.Amount, tx.PlatformFee, tx.GatewayFee, tx.Gateway, tx.GatewayRef,
		tx.Biome, tx.Shares, tx.PricePerShare, tx.Note, tx.CompletedAt, tx.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "transactions_gateway_ref_key" {
				return fmt.Errorf("gateway ref %s already recorded: %w", tx.GatewayRef, domain.ErrConflict)
			}
			return fmt.Errorf("transaction %s already exists: %w", tx.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// Update persists the fields that change after insertion: lifecycle
// status, gateway linkage and completion time.
func (r *transactionsRepo) Update(ctx context.Context, tx *domain.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE transactions
		SET status = $2, gateway_ref = NULLIF($3, ''), gateway_fee_bdt = $4,
		    note = $5, completed_at = $6
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.Status, tx.GatewayRef, tx.GatewayFee, tx.Note, tx.CompletedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("gateway ref %s already recorded: %w", tx.GatewayRef, domain.ErrConflict)
		}
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return requireRow(res, "transaction", tx.ID)
}

func (r *transactionsRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)

	tx, err := r.scanTx(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *transactionsRepo) GetByGatewayRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE gateway_ref = $1`, ref)

	tx, err := r.scanTx(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("gateway ref %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction by gateway ref: %w", err)
	}
	return tx, nil
}

func (r *transactionsRepo) ListByUser(ctx context.Context, userID string, f persistence.TxFilter) ([]domain.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM v_unified_transactions
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR source = $2)
		  AND ($3 = '' OR transaction_type = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($5, 0) OFFSET $6`
	return r.list(ctx, query, userID,
		string(f.Source), string(f.Type), string(f.Status), clampLimit(f.Limit), clampOffset(f.Offset))
}

func (r *transactionsRepo) List(ctx context.Context, f persistence.TxFilter) ([]domain.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM v_unified_transactions
		WHERE ($1 = '' OR source = $1)
		  AND ($2 = '' OR transaction_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0) OFFSET $5`
	return r.list(ctx, query,
		string(f.Source), string(f.Type), string(f.Status), clampLimit(f.Limit), clampOffset(f.Offset))
}

func (r *transactionsRepo) SumPlatformFees(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COALESCE(SUM(platform_fee_bdt), 0)
		FROM transactions
		WHERE status = 'completed'
		  AND ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)`

	var sum int64
	err := r.db.QueryRowxContext(ctx, query, nullTime(tr.From), nullTime(tr.To)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum platform fees: %w", err)
	}
	return sum, nil
}

func (r *transactionsRepo) list(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := r.scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transaction rows: %w", err)
	}
	return txs, nil
}

func (r *transactionsRepo) scanTx(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.Scan(
		&tx.ID, &tx.Type, &tx.Status, &tx.BuyerID, &tx.SellerID,
		&tx.InstrumentID, &tx.ListingID, &tx.Amount, &tx.PlatformFee,
		&tx.GatewayFee, &tx.Gateway, &tx.GatewayRef, &tx.Biome,
		&tx.Shares, &tx.PricePerShare, &tx.Note, &tx.CompletedAt, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
