package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// TradesRepo appends executions per instrument in sequence order.
type TradesRepo struct {
	mu           sync.RWMutex
	byInstrument map[string][]domain.Trade
}

func NewTradesRepo() *TradesRepo {
	return &TradesRepo{byInstrument: make(map[string][]domain.Trade)}
}

func (r *TradesRepo) Insert(ctx context.Context, t *domain.Trade) error {
	return r.InsertBatch(ctx, []domain.Trade{*t})
}

func (r *TradesRepo) InsertBatch(_ context.Context, trades []domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		ts := r.byInstrument[t.InstrumentID]
		if n := len(ts); n > 0 && t.Sequence <= ts[n-1].Sequence {
			return fmt.Errorf("trade sequence %d not after %d on %s: %w",
				t.Sequence, ts[n-1].Sequence, t.InstrumentID, domain.ErrConflict)
		}
		r.byInstrument[t.InstrumentID] = append(ts, t)
	}
	return nil
}

func (r *TradesRepo) ListByInstrument(_ context.Context, instrumentID string, limit int) ([]domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.byInstrument[instrumentID]
	out := make([]domain.Trade, 0, len(ts))
	for i := len(ts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, ts[i])
	}
	return out, nil
}

func (r *TradesRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []domain.Trade
	for _, ts := range r.byInstrument {
		for _, t := range ts {
			if t.BuyerID == userID || t.SellerID == userID {
				all = append(all, t)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ExecutedAt.After(all[j].ExecutedAt) })
	return window(all, limit, offset), nil
}

func (r *TradesRepo) ListRange(_ context.Context, instrumentID string, tr persistence.TimeRange) ([]domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Trade
	for _, t := range r.byInstrument[instrumentID] {
		if inRange(t.ExecutedAt, tr) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *TradesRepo) LastSequence(_ context.Context, instrumentID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.byInstrument[instrumentID]
	if len(ts) == 0 {
		return 0, nil
	}
	return ts[len(ts)-1].Sequence, nil
}

func (r *TradesRepo) Count(_ context.Context, tr persistence.TimeRange) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, ts := range r.byInstrument {
		for _, t := range ts {
			if inRange(t.ExecutedAt, tr) {
				n++
			}
		}
	}
	return n, nil
}

// PositionsRepo keeps the netted per-(user, instrument) rows.
type PositionsRepo struct {
	mu   sync.RWMutex
	rows map[string]domain.Position // userID+"\x00"+instrumentID
}

func NewPositionsRepo() *PositionsRepo {
	return &PositionsRepo{rows: make(map[string]domain.Position)}
}

func posKey(userID, instrumentID string) string { return userID + "\x00" + instrumentID }

func (r *PositionsRepo) Upsert(_ context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[posKey(p.UserID, p.InstrumentID)] = *p
	return nil
}

func (r *PositionsRepo) Delete(_ context.Context, userID, instrumentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := posKey(userID, instrumentID)
	if _, ok := r.rows[key]; !ok {
		return fmt.Errorf("position %s/%s: %w", userID, instrumentID, domain.ErrNotFound)
	}
	delete(r.rows, key)
	return nil
}

func (r *PositionsRepo) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Position
	for _, p := range r.rows {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (r *PositionsRepo) ListOpen(_ context.Context) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Position, 0, len(r.rows))
	for _, p := range r.rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out, nil
}

// inRange applies an inclusive window; zero bounds are open.
func inRange(ts time.Time, tr persistence.TimeRange) bool {
	if !tr.From.IsZero() && ts.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && ts.After(tr.To) {
		return false
	}
	return true
}
