package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// BiomeRepo keeps the share-market state: one market row per biome,
// holdings and attention keyed by (user, biome), and an append-only
// price history.
type BiomeRepo struct {
	mu        sync.RWMutex
	markets   map[domain.Biome]domain.BiomeMarket
	holdings  map[string]domain.Holding
	attention map[string]domain.Attention
	history   map[domain.Biome][]domain.PricePoint
}

func NewBiomeRepo() *BiomeRepo {
	return &BiomeRepo{
		markets:   make(map[domain.Biome]domain.BiomeMarket),
		holdings:  make(map[string]domain.Holding),
		attention: make(map[string]domain.Attention),
		history:   make(map[domain.Biome][]domain.PricePoint),
	}
}

func biomeKey(userID string, b domain.Biome) string { return userID + "\x00" + string(b) }

func (r *BiomeRepo) UpsertMarket(_ context.Context, m *domain.BiomeMarket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[m.Biome] = *m
	return nil
}

func (r *BiomeRepo) ReplaceMarkets(_ context.Context, ms []domain.BiomeMarket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ms {
		r.markets[m.Biome] = m
	}
	return nil
}

func (r *BiomeRepo) GetMarket(_ context.Context, b domain.Biome) (*domain.BiomeMarket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[b]
	if !ok {
		return nil, fmt.Errorf("biome market %s: %w", b, domain.ErrNotFound)
	}
	return &m, nil
}

func (r *BiomeRepo) ListMarkets(_ context.Context) ([]domain.BiomeMarket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.BiomeMarket, 0, len(r.markets))
	for _, b := range domain.Biomes() {
		if m, ok := r.markets[b]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *BiomeRepo) UpsertHolding(_ context.Context, h *domain.Holding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := biomeKey(h.UserID, h.Biome)
	if h.Shares.IsZero() {
		delete(r.holdings, key)
		return nil
	}
	r.holdings[key] = *h
	return nil
}

func (r *BiomeRepo) GetHolding(_ context.Context, userID string, b domain.Biome) (*domain.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.holdings[biomeKey(userID, b)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, b, domain.ErrNotFound)
	}
	return &h, nil
}

func (r *BiomeRepo) ListHoldingsByUser(_ context.Context, userID string) ([]domain.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Holding
	for _, b := range domain.Biomes() {
		if h, ok := r.holdings[biomeKey(userID, b)]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *BiomeRepo) ListHolders(_ context.Context, b domain.Biome, limit int) ([]domain.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Holding
	for _, h := range r.holdings {
		if h.Biome == b {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shares.GreaterThan(out[j].Shares) })
	return window(out, limit, 0), nil
}

func (r *BiomeRepo) UpsertAttention(_ context.Context, a *domain.Attention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := biomeKey(a.UserID, a.Biome)
	if a.Score == 0 {
		delete(r.attention, key)
		return nil
	}
	r.attention[key] = *a
	return nil
}

func (r *BiomeRepo) ListAttention(_ context.Context) ([]domain.Attention, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Attention, 0, len(r.attention))
	for _, a := range r.attention {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Biome < out[j].Biome
	})
	return out, nil
}

func (r *BiomeRepo) ClearAttention(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attention = make(map[string]domain.Attention)
	return nil
}

func (r *BiomeRepo) InsertPricePoints(_ context.Context, pts []domain.PricePoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pts {
		r.history[p.Biome] = append(r.history[p.Biome], p)
	}
	return nil
}

func (r *BiomeRepo) ListPriceHistory(_ context.Context, b domain.Biome, tr persistence.TimeRange, limit int) ([]domain.PricePoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PricePoint
	for _, p := range r.history[b] {
		if inRange(p.At, tr) {
			out = append(out, p)
		}
	}
	// Oldest first; a limit keeps the most recent samples.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	cp := make([]domain.PricePoint, len(out))
	copy(cp, out)
	return cp, nil
}
