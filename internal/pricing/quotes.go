package pricing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

// Quote is one liquidity provider's two-sided price for an instrument.
// Sizes are advisory; best-price selection ignores them.
type Quote struct {
	LP           string          `json:"lp"`
	InstrumentID string          `json:"instrument_id"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	BidSize      decimal.Decimal `json:"bid_size"`
	AskSize      decimal.Decimal `json:"ask_size"`
	At           time.Time       `json:"at"`
}

// Validate rejects crossed or non-positive quotes.
func (q Quote) Validate() error {
	if q.LP == "" || q.InstrumentID == "" {
		return fmt.Errorf("quote missing lp or instrument: %w", domain.ErrValidation)
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("quote sides must be positive: %w", domain.ErrValidation)
	}
	if q.Ask.LessThanOrEqual(q.Bid) {
		return fmt.Errorf("crossed quote bid=%s ask=%s: %w", q.Bid, q.Ask, domain.ErrValidation)
	}
	if q.BidSize.IsNegative() || q.AskSize.IsNegative() {
		return fmt.Errorf("quote sizes must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Board keeps the latest quote per (instrument, LP) and serves the best
// fresh combination. Quotes older than the staleness window are ignored,
// so a silent LP drops out of pricing on its own.
type Board struct {
	mu     sync.RWMutex
	quotes map[string]map[string]Quote
	clock  clock.Clock
}

// NewBoard creates an empty quote board.
func NewBoard(clk clock.Clock) *Board {
	if clk == nil {
		clk = clock.New()
	}
	return &Board{
		quotes: make(map[string]map[string]Quote),
		clock:  clk,
	}
}

// Put stores a quote, stamping it with the board clock when At is zero.
func (b *Board) Put(q Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.At.IsZero() {
		q.At = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quotes[q.InstrumentID] == nil {
		b.quotes[q.InstrumentID] = make(map[string]Quote)
	}
	b.quotes[q.InstrumentID][q.LP] = q
	return nil
}

// Best returns the highest fresh bid and lowest fresh ask across LPs.
// They may come from different providers. ok is false when no LP has a
// fresh quote.
func (b *Board) Best(instrumentID string, staleAfter time.Duration) (bid, ask decimal.Decimal, ok bool) {
	cutoff := b.clock.Now().Add(-staleAfter)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, q := range b.quotes[instrumentID] {
		if q.At.Before(cutoff) {
			continue
		}
		if !ok {
			bid, ask, ok = q.Bid, q.Ask, true
			continue
		}
		if q.Bid.GreaterThan(bid) {
			bid = q.Bid
		}
		if q.Ask.LessThan(ask) {
			ask = q.Ask
		}
	}
	return bid, ask, ok
}

// Mid returns the midpoint of the best fresh quote, rounded to the
// nearest tick.
func (b *Board) Mid(instrumentID string, tick decimal.Decimal, staleAfter time.Duration) (decimal.Decimal, bool) {
	bid, ask, ok := b.Best(instrumentID, staleAfter)
	if !ok {
		return decimal.Zero, false
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if tick.IsPositive() {
		mid = mid.Div(tick).Round(0).Mul(tick)
	}
	return mid, true
}
