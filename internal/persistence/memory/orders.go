package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// OrdersRepo keeps the order write-behind records. A secondary index
// maps (user, client order id) for idempotent placement lookups.
type OrdersRepo struct {
	mu       sync.RWMutex
	byID     map[string]domain.Order
	byClient map[string]string // userID+"\x00"+clientOrderID -> orderID
	seq      int64             // insertion order, stands in for a serial column
	inserted map[string]int64
}

func NewOrdersRepo() *OrdersRepo {
	return &OrdersRepo{
		byID:     make(map[string]domain.Order),
		byClient: make(map[string]string),
		inserted: make(map[string]int64),
	}
}

func clientKey(userID, clientOrderID string) string {
	return userID + "\x00" + clientOrderID
}

func (r *OrdersRepo) Insert(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[o.ID]; ok {
		return fmt.Errorf("order %s already exists: %w", o.ID, domain.ErrConflict)
	}
	if o.ClientOrderID != "" {
		key := clientKey(o.UserID, o.ClientOrderID)
		if _, ok := r.byClient[key]; ok {
			return fmt.Errorf("client order id %s already used: %w", o.ClientOrderID, domain.ErrConflict)
		}
		r.byClient[key] = o.ID
	}
	r.seq++
	r.inserted[o.ID] = r.seq
	r.byID[o.ID] = *o
	return nil
}

func (r *OrdersRepo) Update(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrNotFound)
	}
	r.byID[o.ID] = *o
	return nil
}

func (r *OrdersRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return &o, nil
}

func (r *OrdersRepo) GetByClientOrderID(_ context.Context, userID, clientOrderID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientKey(userID, clientOrderID)]
	if !ok {
		return nil, fmt.Errorf("client order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	o := r.byID[id]
	return &o, nil
}

func (r *OrdersRepo) ListOpen(_ context.Context) ([]domain.Order, error) {
	return r.list(func(o *domain.Order) bool { return !o.Status.Terminal() }, false, 0, 0), nil
}

func (r *OrdersRepo) ListOpenByUser(_ context.Context, userID string) ([]domain.Order, error) {
	return r.list(func(o *domain.Order) bool {
		return o.UserID == userID && !o.Status.Terminal()
	}, false, 0, 0), nil
}

func (r *OrdersRepo) ListByUser(_ context.Context, userID string, f persistence.OrderFilter) ([]domain.Order, error) {
	return r.list(func(o *domain.Order) bool {
		if o.UserID != userID {
			return false
		}
		if f.InstrumentID != "" && o.InstrumentID != f.InstrumentID {
			return false
		}
		if f.Status != "" && o.Status != f.Status {
			return false
		}
		return true
	}, true, f.Limit, f.Offset), nil
}

// list filters and orders by insertion sequence; newest first when
// newestFirst is set, oldest first otherwise.
func (r *OrdersRepo) list(keep func(*domain.Order) bool, newestFirst bool, limit, offset int) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Order, 0, 16)
	for id := range r.byID {
		o := r.byID[id]
		if keep(&o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := r.inserted[out[i].ID], r.inserted[out[j].ID]
		if newestFirst {
			return a > b
		}
		return a < b
	})
	return window(out, limit, offset)
}
