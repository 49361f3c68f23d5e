package pricing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

// liveCandle is the open bucket for one (instrument, timeframe), carrying
// the exact decimal sums that back VWAP and quote volume.
type liveCandle struct {
	c  domain.Candle
	pv decimal.Decimal // Σ price×qty
}

type liveKey struct {
	ins string
	tf  domain.Timeframe
}

// aggregator folds executions into candles across every timeframe. A
// trade in a new bucket closes the previous candle; closed candles stay
// queued until drained for persistence.
type aggregator struct {
	mu     sync.Mutex
	live   map[liveKey]*liveCandle
	closed []domain.Candle
}

func newAggregator() *aggregator {
	return &aggregator{live: make(map[liveKey]*liveCandle)}
}

// onTrade updates every timeframe's open candle and returns any candles
// this trade rolled over.
func (a *aggregator) onTrade(t domain.Trade) []domain.Candle {
	notional := t.Price.Mul(t.Quantity)

	a.mu.Lock()
	defer a.mu.Unlock()

	var rolled []domain.Candle
	for _, tf := range domain.Timeframes() {
		bucket := tf.Bucket(t.ExecutedAt)
		key := liveKey{ins: t.InstrumentID, tf: tf}

		lc := a.live[key]
		if lc != nil && bucket.After(lc.c.OpenTime) {
			a.closed = append(a.closed, lc.c)
			rolled = append(rolled, lc.c)
			lc = nil
		}
		if lc != nil && bucket.Before(lc.c.OpenTime) {
			// Replayed trade older than the open bucket; history already
			// accounts for it.
			continue
		}

		if lc == nil {
			lc = &liveCandle{
				c: domain.Candle{
					InstrumentID: t.InstrumentID,
					Timeframe:    tf,
					OpenTime:     bucket,
					Open:         t.Price,
					High:         t.Price,
					Low:          t.Price,
				},
			}
			a.live[key] = lc
		}

		if t.Price.GreaterThan(lc.c.High) {
			lc.c.High = t.Price
		}
		if t.Price.LessThan(lc.c.Low) {
			lc.c.Low = t.Price
		}
		lc.c.Close = t.Price
		lc.c.Volume = lc.c.Volume.Add(t.Quantity)
		lc.c.TradeCount++
		lc.pv = lc.pv.Add(notional)
		lc.c.QuoteVolume = domain.MoneyFromDecimal(lc.pv)
		if lc.c.Volume.IsPositive() {
			lc.c.VWAP = lc.pv.Div(lc.c.Volume)
		}
	}
	return rolled
}

// liveFor returns a copy of the open candle, if any.
func (a *aggregator) liveFor(instrumentID string, tf domain.Timeframe) (domain.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lc, ok := a.live[liveKey{ins: instrumentID, tf: tf}]
	if !ok {
		return domain.Candle{}, false
	}
	return lc.c, true
}

// snapshot returns the closed backlog plus a copy of every open candle,
// clearing the backlog. The caller persists the result; open candles are
// upserted again on the next flush with fresher numbers.
func (a *aggregator) snapshot() []domain.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.closed
	a.closed = nil
	for _, lc := range a.live {
		out = append(out, lc.c)
	}
	return out
}

// adjustForActions rewrites candle prices for splits effective after the
// candle's bucket, so history reads as if today's share count had always
// existed. Ratios compound when several splits apply. Dividends do not
// touch candles.
func adjustForActions(cs []domain.Candle, actions []domain.CorporateAction) []domain.Candle {
	var splits []domain.CorporateAction
	for _, a := range actions {
		if a.Type == domain.ActionSplit && a.Ratio.IsPositive() {
			splits = append(splits, a)
		}
	}
	if len(splits) == 0 {
		return cs
	}

	out := make([]domain.Candle, len(cs))
	for i, c := range cs {
		ratio := decimal.NewFromInt(1)
		for _, s := range splits {
			if c.OpenTime.Before(s.EffectiveAt) {
				ratio = ratio.Mul(s.Ratio)
			}
		}
		if ratio.Equal(decimal.NewFromInt(1)) {
			out[i] = c
			continue
		}
		c.Open = c.Open.Div(ratio)
		c.High = c.High.Div(ratio)
		c.Low = c.Low.Div(ratio)
		c.Close = c.Close.Div(ratio)
		c.VWAP = c.VWAP.Div(ratio)
		c.Volume = c.Volume.Mul(ratio)
		out[i] = c
	}
	return out
}
