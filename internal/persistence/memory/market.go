package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biomex/biomex/internal/domain"
)

// InstrumentsRepo keeps listings keyed by ID with a case-insensitive
// symbol index.
type InstrumentsRepo struct {
	mu       sync.RWMutex
	byID     map[string]domain.Instrument
	bySymbol map[string]string
}

func NewInstrumentsRepo() *InstrumentsRepo {
	return &InstrumentsRepo{
		byID:     make(map[string]domain.Instrument),
		bySymbol: make(map[string]string),
	}
}

func (r *InstrumentsRepo) Create(_ context.Context, ins *domain.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym := strings.ToUpper(ins.Symbol)
	if _, ok := r.byID[ins.ID]; ok {
		return fmt.Errorf("instrument %s already exists: %w", ins.ID, domain.ErrConflict)
	}
	if _, ok := r.bySymbol[sym]; ok {
		return fmt.Errorf("symbol %s already listed: %w", ins.Symbol, domain.ErrConflict)
	}
	r.byID[ins.ID] = *ins
	r.bySymbol[sym] = ins.ID
	return nil
}

func (r *InstrumentsRepo) Update(_ context.Context, ins *domain.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[ins.ID]
	if !ok {
		return fmt.Errorf("instrument %s: %w", ins.ID, domain.ErrNotFound)
	}
	if !strings.EqualFold(cur.Symbol, ins.Symbol) {
		return fmt.Errorf("symbol is immutable: %w", domain.ErrValidation)
	}
	r.byID[ins.ID] = *ins
	return nil
}

func (r *InstrumentsRepo) GetByID(_ context.Context, id string) (*domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ins, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, domain.ErrNotFound)
	}
	return &ins, nil
}

func (r *InstrumentsRepo) GetBySymbol(_ context.Context, symbol string) (*domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
	}
	ins := r.byID[id]
	return &ins, nil
}

func (r *InstrumentsRepo) List(_ context.Context, class domain.AssetClass, status domain.InstrumentStatus) ([]domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(r.byID))
	for _, ins := range r.byID {
		if class != "" && ins.AssetClass != class {
			continue
		}
		if status != "" && ins.Status != status {
			continue
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *InstrumentsRepo) SetStatus(_ context.Context, id string, status domain.InstrumentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ins, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, domain.ErrNotFound)
	}
	ins.Status = status
	ins.UpdatedAt = time.Now().UTC()
	r.byID[id] = ins
	return nil
}

// MarketRepo holds the venue-state singleton.
type MarketRepo struct {
	mu     sync.RWMutex
	status *domain.MarketStatus
}

func NewMarketRepo() *MarketRepo { return &MarketRepo{} }

func (r *MarketRepo) GetStatus(_ context.Context) (*domain.MarketStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.status == nil {
		return nil, fmt.Errorf("market status not set: %w", domain.ErrNotFound)
	}
	s := *r.status
	return &s, nil
}

func (r *MarketRepo) SetStatus(_ context.Context, s domain.MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = &s
	return nil
}
