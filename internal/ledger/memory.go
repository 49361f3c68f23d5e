package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// account is one user's balance with its own lock, so settlements on
// disjoint users never contend.
type account struct {
	mu      sync.Mutex
	balance int64
}

// Memory is the in-process ledger used when the database is disabled and
// in tests. Accounts are created on first touch with a zero balance.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*account

	platformMu sync.Mutex
	platform   int64

	journal persistence.TransactionsRepo
	clock   clock.Clock
}

// NewMemory creates an empty in-process ledger. journal may be nil, in
// which case settlement journal rows are discarded; a nil clk falls back
// to the wall clock.
func NewMemory(journal persistence.TransactionsRepo, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		accounts: make(map[string]*account),
		journal:  journal,
		clock:    clk,
	}
}

// Seed sets a balance directly, bypassing settlement rules. Test helper.
func (m *Memory) Seed(userID string, balance int64) {
	acct := m.get(userID)
	acct.mu.Lock()
	acct.balance = balance
	acct.mu.Unlock()
}

func (m *Memory) get(userID string) *account {
	m.mu.RLock()
	acct, ok := m.accounts[userID]
	m.mu.RUnlock()
	if ok {
		return acct
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userID]; ok {
		return acct
	}
	acct = &account{}
	m.accounts[userID] = acct
	return acct
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, userID string) (int64, error) {
	acct := m.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

// Credit implements Ledger.
func (m *Memory) Credit(ctx context.Context, userID string, amount int64) error {
	return m.Settle(ctx, Settlement{Credits: []Leg{{UserID: userID, Amount: amount}}})
}

// Debit implements Ledger.
func (m *Memory) Debit(ctx context.Context, userID string, amount int64) error {
	return m.Settle(ctx, Settlement{Debits: []Leg{{UserID: userID, Amount: amount}}})
}

// Transfer implements Ledger.
func (m *Memory) Transfer(ctx context.Context, from, to string, amount, fee int64) error {
	s, err := transferSettlement(from, to, amount, fee)
	if err != nil {
		return err
	}
	return m.Settle(ctx, s)
}

// Settle implements Ledger. Locks are taken in sorted user-id order so
// concurrent settlements on overlapping users cannot deadlock.
func (m *Memory) Settle(ctx context.Context, s Settlement) error {
	if err := s.Validate(); err != nil {
		return err
	}

	order, net := s.deltas()
	sorted := make([]string, len(order))
	copy(sorted, order)
	sort.Strings(sorted)

	accts := make(map[string]*account, len(sorted))
	for _, id := range sorted {
		accts[id] = m.get(id)
	}
	for _, id := range sorted {
		accts[id].mu.Lock()
	}
	defer func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			accts[sorted[i]].mu.Unlock()
		}
	}()

	// Check every netted debit before touching anything.
	for _, id := range sorted {
		if accts[id].balance+net[id] < 0 {
			return fmt.Errorf("user %s balance %d cannot cover %d: %w",
				id, accts[id].balance, -net[id], domain.ErrInsufficientFunds)
		}
	}

	// Journal before money moves: a failed insert must leave every
	// balance untouched, matching the database ledger's transaction.
	if m.journal != nil && len(s.Journal) > 0 {
		s.stamp(m.clock.Now().UTC())
		for i := range s.Journal {
			if err := m.journal.Insert(ctx, &s.Journal[i]); err != nil {
				return fmt.Errorf("failed to journal settlement: %w", err)
			}
		}
	}

	for _, id := range sorted {
		accts[id].balance += net[id]
	}
	if s.Platform != 0 {
		m.platformMu.Lock()
		m.platform += s.Platform
		m.platformMu.Unlock()
	}
	return nil
}

// PlatformRevenue implements Ledger.
func (m *Memory) PlatformRevenue(_ context.Context) (int64, error) {
	m.platformMu.Lock()
	defer m.platformMu.Unlock()
	return m.platform, nil
}

// TotalBalance implements Ledger.
func (m *Memory) TotalBalance(_ context.Context) (int64, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var total int64
	for _, id := range ids {
		acct := m.get(id)
		acct.mu.Lock()
		total += acct.balance
		acct.mu.Unlock()
	}
	return total, nil
}
