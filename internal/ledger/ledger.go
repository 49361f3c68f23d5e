// Package ledger moves money between user balances and the platform
// revenue account. Every mutation is atomic: either all legs of a
// settlement apply or none do, and no balance ever goes negative.
//
// Reserved order funds and margin collateral are not ledger accounts;
// they are debited out of the owner's balance when taken and credited
// back when released, with the interim amount tracked by the component
// that holds it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/biomex/biomex/internal/domain"
)

// Leg is one user-balance movement inside a settlement. Amount is BDT
// minor units and always positive; direction comes from which list the
// leg sits in.
type Leg struct {
	UserID string
	Amount int64
}

// Settlement is a group of balance movements applied atomically.
// Platform is the revenue account delta and may be negative (the platform
// pays out, e.g. realized profit on a leveraged position). Journal rows
// are written in the same commit; missing IDs and timestamps are filled
// in.
type Settlement struct {
	Debits   []Leg
	Credits  []Leg
	Platform int64
	Journal  []domain.Transaction
}

// Validate rejects malformed settlements before any lock is taken.
func (s *Settlement) Validate() error {
	for _, l := range s.Debits {
		if l.UserID == "" || l.Amount <= 0 {
			return fmt.Errorf("invalid debit leg %+v: %w", l, domain.ErrValidation)
		}
	}
	for _, l := range s.Credits {
		if l.UserID == "" || l.Amount <= 0 {
			return fmt.Errorf("invalid credit leg %+v: %w", l, domain.ErrValidation)
		}
	}
	return nil
}

// deltas nets all legs into one signed delta per user, preserving first-
// touch order so lock acquisition stays deterministic.
func (s *Settlement) deltas() ([]string, map[string]int64) {
	order := make([]string, 0, len(s.Debits)+len(s.Credits))
	net := make(map[string]int64, len(s.Debits)+len(s.Credits))
	touch := func(id string, amount int64) {
		if _, seen := net[id]; !seen {
			order = append(order, id)
		}
		net[id] += amount
	}
	for _, l := range s.Debits {
		touch(l.UserID, -l.Amount)
	}
	for _, l := range s.Credits {
		touch(l.UserID, l.Amount)
	}
	return order, net
}

// stamp fills journal defaults.
func (s *Settlement) stamp(now time.Time) {
	for i := range s.Journal {
		if s.Journal[i].ID == "" {
			s.Journal[i].ID = ksuid.New().String()
		}
		if s.Journal[i].Status == "" {
			s.Journal[i].Status = domain.TxCompleted
		}
		if s.Journal[i].CreatedAt.IsZero() {
			s.Journal[i].CreatedAt = now
		}
		if s.Journal[i].Status == domain.TxCompleted && s.Journal[i].CompletedAt == nil {
			ts := now
			s.Journal[i].CompletedAt = &ts
		}
	}
}

// Ledger is the balance authority. Implementations must serialize
// concurrent settlements touching the same user and check every debit
// against the netted post-settlement balance.
type Ledger interface {
	// Balance returns a user's available balance
	Balance(ctx context.Context, userID string) (int64, error)

	// Credit adds amount to a user's balance
	Credit(ctx context.Context, userID string, amount int64) error

	// Debit removes amount from a user's balance, failing with
	// domain.ErrInsufficientFunds when it would go negative
	Debit(ctx context.Context, userID string, amount int64) error

	// Transfer debits from by amount and credits to by amount-fee; the
	// fee lands in platform revenue
	Transfer(ctx context.Context, from, to string, amount, fee int64) error

	// Settle applies a multi-leg settlement atomically
	Settle(ctx context.Context, s Settlement) error

	// PlatformRevenue returns the accumulated platform account balance
	PlatformRevenue(ctx context.Context) (int64, error)

	// TotalBalance sums every user balance, excluding platform revenue
	TotalBalance(ctx context.Context) (int64, error)
}

// transferSettlement builds the canonical transfer legs.
func transferSettlement(from, to string, amount, fee int64) (Settlement, error) {
	if amount <= 0 {
		return Settlement{}, fmt.Errorf("transfer amount must be positive: %w", domain.ErrValidation)
	}
	if fee < 0 || fee >= amount {
		return Settlement{}, fmt.Errorf("transfer fee %d out of range for amount %d: %w", fee, amount, domain.ErrValidation)
	}
	if from == to {
		return Settlement{}, fmt.Errorf("transfer to self: %w", domain.ErrValidation)
	}
	return Settlement{
		Debits:   []Leg{{UserID: from, Amount: amount}},
		Credits:  []Leg{{UserID: to, Amount: amount - fee}},
		Platform: fee,
	}, nil
}
