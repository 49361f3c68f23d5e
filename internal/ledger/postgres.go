package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/biomex/biomex/internal/domain"
)

// Postgres is the durable ledger. User balances live on the users table;
// platform revenue is a singleton row. Settle locks every touched user
// row with SELECT ... FOR UPDATE in a single id-ordered statement, so two
// settlements over the same users serialize without deadlocking.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
	clock   clock.Clock
}

// NewPostgres creates a database-backed ledger. A nil clk falls back to
// the wall clock.
func NewPostgres(db *sqlx.DB, timeout time.Duration, clk clock.Clock) *Postgres {
	if clk == nil {
		clk = clock.New()
	}
	return &Postgres{db: db, timeout: timeout, clock: clk}
}

// Balance implements Ledger.
func (l *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var balance int64
	err := l.db.GetContext(ctx, &balance, `SELECT balance FROM users WHERE id = $1`, userID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Credit implements Ledger.
func (l *Postgres) Credit(ctx context.Context, userID string, amount int64) error {
	return l.Settle(ctx, Settlement{Credits: []Leg{{UserID: userID, Amount: amount}}})
}

// Debit implements Ledger.
func (l *Postgres) Debit(ctx context.Context, userID string, amount int64) error {
	return l.Settle(ctx, Settlement{Debits: []Leg{{UserID: userID, Amount: amount}}})
}

// Transfer implements Ledger.
func (l *Postgres) Transfer(ctx context.Context, from, to string, amount, fee int64) error {
	s, err := transferSettlement(from, to, amount, fee)
	if err != nil {
		return err
	}
	return l.Settle(ctx, s)
}

// Settle implements Ledger.
func (l *Postgres) Settle(ctx context.Context, s Settlement) error {
	if err := s.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, net := s.deltas()
	ids := make([]string, 0, len(net))
	for id := range net {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		// ORDER BY inside the locking select fixes the row lock order.
		rows, err := tx.QueryxContext(ctx,
			`SELECT id, balance FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to lock balances: %w", err)
		}

		balances := make(map[string]int64, len(ids))
		for rows.Next() {
			var id string
			var balance int64
			if err := rows.Scan(&id, &balance); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan balance row: %w", err)
			}
			balances[id] = balance
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read balance rows: %w", err)
		}

		for _, id := range ids {
			balance, ok := balances[id]
			if !ok {
				return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
			}
			if balance+net[id] < 0 {
				return fmt.Errorf("user %s balance %d cannot cover %d: %w",
					id, balance, -net[id], domain.ErrInsufficientFunds)
			}
		}

		for _, id := range ids {
			delta := net[id]
			if delta == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
				id, delta); err != nil {
				return fmt.Errorf("failed to update balance for %s: %w", id, err)
			}
		}
	}

	if s.Platform != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE platform_account SET revenue = revenue + $1, updated_at = NOW() WHERE id = 1`,
			s.Platform); err != nil {
			return fmt.Errorf("failed to update platform revenue: %w", err)
		}
	}

	if len(s.Journal) > 0 {
		s.stamp(l.clock.Now().UTC())
		for i := range s.Journal {
			if err := insertJournalTx(ctx, tx, &s.Journal[i]); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// insertJournalTx writes one transaction row inside the settlement's
// database transaction.
func insertJournalTx(ctx context.Context, tx *sqlx.Tx, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, transaction_type, status, buyer_id, seller_id, instrument_id, listing_id,
			amount_bdt, platform_fee_bdt, gateway_fee_bdt, gateway, gateway_ref,
			biome, shares, price_per_share_bdt, note, completed_at, created_at
		) VALUES (
			$1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), NULLIF($7,''),
			$8, $9, $10, NULLIF($11,''), NULLIF($12,''),
			NULLIF($13,''), $14, $15, $16, $17, $18
		)`

	_, err := tx.ExecContext(ctx, query,
		t.ID, t.Type, t.Status, t.BuyerID, t.SellerID, t.InstrumentID, t.ListingID,
		t.Amount, t.PlatformFee, t.GatewayFee, t.Gateway, t.GatewayRef,
		t.Biome, t.Shares, t.PricePerShare, t.Note, t.CompletedAt, t.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate transaction %s: %w", t.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to journal transaction: %w", err)
	}
	return nil
}

// PlatformRevenue implements Ledger.
func (l *Postgres) PlatformRevenue(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var revenue int64
	err := l.db.GetContext(ctx, &revenue, `SELECT revenue FROM platform_account WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to read platform revenue: %w", err)
	}
	return revenue, nil
}

// TotalBalance implements Ledger.
func (l *Postgres) TotalBalance(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var total int64
	err := l.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(balance), 0) FROM users`)
	if err != nil {
		return 0, fmt.Errorf("failed to sum balances: %w", err)
	}
	return total, nil
}
