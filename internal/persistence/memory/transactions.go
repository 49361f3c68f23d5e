package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// TransactionsRepo is the append-mostly unified money-movement history.
// Rows keep insertion order; listings walk it backwards, which matches
// the postgres created_at DESC ordering.
type TransactionsRepo struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]domain.Transaction
	byRef map[string]string
}

func NewTransactionsRepo() *TransactionsRepo {
	return &TransactionsRepo{
		byID:  make(map[string]domain.Transaction),
		byRef: make(map[string]string),
	}
}

func (r *TransactionsRepo) Insert(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, ok := r.byID[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists: %w", tx.ID, domain.ErrConflict)
	}
	if tx.GatewayRef != "" {
		if _, ok := r.byRef[tx.GatewayRef]; ok {
			return fmt.Errorf("gateway ref %s already recorded: %w", tx.GatewayRef, domain.ErrConflict)
		}
		r.byRef[tx.GatewayRef] = tx.ID
	}
	r.byID[tx.ID] = *tx
	r.order = append(r.order, tx.ID)
	return nil
}

func (r *TransactionsRepo) Update(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[tx.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrNotFound)
	}
	if cur.GatewayRef != tx.GatewayRef {
		delete(r.byRef, cur.GatewayRef)
		if tx.GatewayRef != "" {
			if _, dup := r.byRef[tx.GatewayRef]; dup {
				return fmt.Errorf("gateway ref %s already recorded: %w", tx.GatewayRef, domain.ErrConflict)
			}
			r.byRef[tx.GatewayRef] = tx.ID
		}
	}
	r.byID[tx.ID] = *tx
	return nil
}

func (r *TransactionsRepo) GetByID(_ context.Context, id string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return &tx, nil
}

func (r *TransactionsRepo) GetByGatewayRef(_ context.Context, ref string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("gateway ref %s: %w", ref, domain.ErrNotFound)
	}
	tx := r.byID[id]
	return &tx, nil
}

func (r *TransactionsRepo) ListByUser(_ context.Context, userID string, f persistence.TxFilter) ([]domain.Transaction, error) {
	return r.list(func(tx *domain.Transaction) bool {
		return tx.BuyerID == userID || tx.SellerID == userID
	}, f), nil
}

func (r *TransactionsRepo) List(_ context.Context, f persistence.TxFilter) ([]domain.Transaction, error) {
	return r.list(func(*domain.Transaction) bool { return true }, f), nil
}

func (r *TransactionsRepo) list(keep func(*domain.Transaction) bool, f persistence.TxFilter) []domain.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []domain.Transaction
	for i := len(r.order) - 1; i >= 0; i-- {
		tx := r.byID[r.order[i]]
		if !keep(&tx) {
			continue
		}
		if f.Source != "" && tx.Type.Source() != f.Source {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		all = append(all, tx)
	}
	return window(all, f.Limit, f.Offset)
}

func (r *TransactionsRepo) SumPlatformFees(_ context.Context, tr persistence.TimeRange) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, id := range r.order {
		tx := r.byID[id]
		if tx.Status == domain.TxCompleted && inRange(tx.CreatedAt, tr) {
			sum += tx.PlatformFee
		}
	}
	return sum, nil
}

// AuditRepo is the append-only admin action log.
type AuditRepo struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

func NewAuditRepo() *AuditRepo { return &AuditRepo{nextID: 1} }

func (r *AuditRepo) Insert(_ context.Context, e *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.nextID
	r.nextID++
	r.entries = append(r.entries, *e)
	return nil
}

func (r *AuditRepo) List(_ context.Context, f persistence.AuditFilter) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []domain.AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Entity != "" && e.Entity != f.Entity {
			continue
		}
		all = append(all, e)
	}
	return window(all, f.Limit, f.Offset), nil
}
