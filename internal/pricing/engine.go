// Package pricing aggregates liquidity provider quotes and trade
// executions into the venue's published prices: best bid/ask, mark
// prices for margin, and OHLCV candles with corporate actions applied on
// read.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// flushInterval is how often open candles and the closed backlog are
// persisted.
const flushInterval = 10 * time.Second

// Publisher pushes pricing events to stream subscribers.
type Publisher interface {
	Publish(channel, eventType string, data interface{})
}

// InstrumentQuote is the published two-sided price for an instrument,
// after any derivative markup and tick normalization.
type InstrumentQuote struct {
	InstrumentID string          `json:"instrument_id"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Mid          decimal.Decimal `json:"mid"`
	At           time.Time       `json:"at"`
}

// Engine is the pricing authority. It is safe for concurrent use.
type Engine struct {
	board    *Board
	agg      *aggregator
	candles  persistence.CandlesRepo
	actions  persistence.CorporateActionsRepo
	provider *config.Provider
	clock    clock.Clock
	pub      Publisher

	mu        sync.RWMutex
	lastTrade map[string]decimal.Decimal
}

// NewEngine creates a pricing engine. candles and actions may be nil in
// memory mode; candle history then lives only in process.
func NewEngine(candles persistence.CandlesRepo, actions persistence.CorporateActionsRepo,
	provider *config.Provider, clk clock.Clock, pub Publisher) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		board:     NewBoard(clk),
		agg:       newAggregator(),
		candles:   candles,
		actions:   actions,
		provider:  provider,
		clock:     clk,
		pub:       pub,
		lastTrade: make(map[string]decimal.Decimal),
	}
}

// PutQuote accepts a liquidity provider quote and publishes the refreshed
// instrument quote. Instrument metadata drives markup, so the caller
// resolves it first.
func (e *Engine) PutQuote(q Quote, ins *domain.Instrument) error {
	if err := e.board.Put(q); err != nil {
		return err
	}
	if e.pub != nil {
		if iq, ok := e.InstrumentQuote(ins); ok {
			e.pub.Publish("quote:"+ins.ID, "quote", iq)
		}
	}
	return nil
}

// InstrumentQuote returns the current best two-sided price. Derivative
// instruments get the configured markup added onto the ask, priced off
// the mid; prices then snap outward to the instrument tick so quoting
// never tightens the spread.
func (e *Engine) InstrumentQuote(ins *domain.Instrument) (InstrumentQuote, bool) {
	snap := e.provider.Snapshot()
	bid, ask, ok := e.board.Best(ins.ID, snap.StaleQuoteTimeout)
	if !ok {
		return InstrumentQuote{}, false
	}

	if ins.AssetClass == domain.AssetDerivative && snap.CFDMarkupBps > 0 {
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		ask = ask.Add(mid.Mul(decimal.NewFromInt(snap.CFDMarkupBps)).Div(decimal.NewFromInt(10000)))
	}
	if ins.TickSize.IsPositive() {
		bid = bid.Div(ins.TickSize).Floor().Mul(ins.TickSize)
		ask = ask.Div(ins.TickSize).Ceil().Mul(ins.TickSize)
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if ins.TickSize.IsPositive() {
		mid = mid.Div(ins.TickSize).Round(0).Mul(ins.TickSize)
	}
	return InstrumentQuote{
		InstrumentID: ins.ID,
		Bid:          bid,
		Ask:          ask,
		Mid:          mid,
		At:           e.clock.Now().UTC(),
	}, true
}

/// Mark returns the margin mark price: the last execution, or the raw LP
// mid when the instrument has not traded yet.
func (e *Engine) Mark(ins *domain.Instrument) (decimal.Decimal, bool) {
	e.mu.RLock()
	last, ok := e.lastTrade[ins.ID]
	e.mu.RUnlock()
	if ok {
		return last, true
	}
	return e.board.Mid(ins.ID, ins.TickSize, e.provider.Snapshot().StaleQuoteTimeout)
}

// OnTrade folds an execution into the candle set and the mark price, and
// publishes the updated minute candle plus any candles the trade closed.
func (e *Engine) OnTrade(t domain.Trade) {
	e.mu.Lock()
	e.lastTrade[t.InstrumentID] = t.Price
	e.mu.Unlock()

	rolled := e.agg.onTrade(t)

	if e.pub == nil {
		return
	}
	for _, c := range rolled {
		e.pub.Publish(candleChannel(c.InstrumentID, c.Timeframe), "candle_closed", c)
	}
	if live, ok := e.agg.liveFor(t.InstrumentID, domain.TF1m); ok {
		e.pub.Publish(candleChannel(t.InstrumentID, domain.TF1m), "candle", live)
	}
}

func candleChannel(instrumentID string, tf domain.Timeframe) string {
	return "candles:" + instrumentID + ":" + string(tf)
}

// Candles reads history from persistence with corporate actions applied.
func (e *Engine) Candles(ctx context.Context, instrumentID string, tf domain.Timeframe, tr persistence.TimeRange, limit int) ([]domain.Candle, error) {
	if !domain.ValidTimeframe(tf) {
		return nil, fmt.Errorf("unknown timeframe %q: %w", tf, domain.ErrValidation)
	}
	if e.candles == nil {
		return nil, nil
	}

	cs, err := e.candles.List(ctx, instrumentID, tf, tr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list candles: %w", err)
	}
	if e.actions == nil || len(cs) == 0 {
		return cs, nil
	}

	actions, err := e.actions.ListByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list corporate actions: %w", err)
	}
	return adjustForActions(cs, actions), nil
}

// Flush persists the closed backlog and the open candles.
func (e *Engine) Flush(ctx context.Context) error {
	batch := e.agg.snapshot()
	if len(batch) == 0 || e.candles == nil {
		return nil
	}
	if err := e.candles.UpsertBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to flush candles: %w", err)
	}
	return nil
}

// Run flushes candles on a timer until the context ends, with a final
// flush on the way out.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.Ticker(flushInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", flushInterval).Msg("pricing: candle flush loop started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Flush(flushCtx); err != nil {
				log.Error().Err(err).Msg("pricing: final candle flush failed")
			}
			cancel()
			log.Info().Msg("pricing: candle flush loop stopped")
			return
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("pricing: candle flush failed")
			}
		}
	}
}
