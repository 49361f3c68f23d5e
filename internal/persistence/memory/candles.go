package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// CandlesRepo keys candles by (instrument, timeframe, open time).
type CandlesRepo struct {
	mu   sync.RWMutex
	rows map[string]domain.Candle
}

func NewCandlesRepo() *CandlesRepo {
	return &CandlesRepo{rows: make(map[string]domain.Candle)}
}

func candleKey(c *domain.Candle) string {
	return c.InstrumentID + "\x00" + string(c.Timeframe) + "\x00" + c.OpenTime.UTC().Format("2006-01-02T15:04:05")
}

func (r *CandlesRepo) Upsert(_ context.Context, c domain.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[candleKey(&c)] = c
	return nil
}

func (r *CandlesRepo) UpsertBatch(_ context.Context, cs []domain.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cs {
		r.rows[candleKey(&cs[i])] = cs[i]
	}
	return nil
}

func (r *CandlesRepo) List(_ context.Context, instrumentID string, tf domain.Timeframe, tr persistence.TimeRange, limit int) ([]domain.Candle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Candle
	for _, c := range r.rows {
		if c.InstrumentID != instrumentID || c.Timeframe != tf {
			continue
		}
		if !inRange(c.OpenTime, tr) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	// Oldest first; a limit keeps the most recent buckets.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *CandlesRepo) Latest(_ context.Context, instrumentID string, tf domain.Timeframe) (*domain.Candle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.Candle
	for key := range r.rows {
		c := r.rows[key]
		if c.InstrumentID != instrumentID || c.Timeframe != tf {
			continue
		}
		if latest == nil || c.OpenTime.After(latest.OpenTime) {
			latest = &c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no candles for %s %s: %w", instrumentID, tf, domain.ErrNotFound)
	}
	out := *latest
	return &out, nil
}

// CorporateActionsRepo appends listed-equity events.
type CorporateActionsRepo struct {
	mu   sync.RWMutex
	rows []domain.CorporateAction
}

func NewCorporateActionsRepo() *CorporateActionsRepo { return &CorporateActionsRepo{} }

func (r *CorporateActionsRepo) Insert(_ context.Context, a *domain.CorporateAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *a)
	return nil
}

func (r *CorporateActionsRepo) ListByInstrument(_ context.Context, instrumentID string) ([]domain.CorporateAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.CorporateAction
	for _, a := range r.rows {
		if a.InstrumentID == instrumentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveAt.Before(out[j].EffectiveAt) })
	return out, nil
}
