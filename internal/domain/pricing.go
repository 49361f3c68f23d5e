package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a candle aggregation window.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF5s  Timeframe = "5s"
	TF15s Timeframe = "15s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

// Timeframes returns every supported window, shortest first.
func Timeframes() []Timeframe {
	return []Timeframe{TF1s, TF5s, TF15s, TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d, TF1w, TF1M}
}

// Duration returns the window length, nominal for calendar windows (a
// month counts as 30 days). Unknown timeframes return 0.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TF1s:
		return time.Second
	case TF5s:
		return 5 * time.Second
	case TF15s:
		return 15 * time.Second
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	case TF1w:
		return 7 * 24 * time.Hour
	case TF1M:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ValidTimeframe reports whether t is a supported window.
func ValidTimeframe(t Timeframe) bool { return t.Duration() > 0 }

// Bucket truncates ts to the start of t's window containing it. Weekly
// buckets start on Monday 00:00 UTC; monthly buckets on the first of the
// calendar month.
func (t Timeframe) Bucket(ts time.Time) time.Time {
	ts = ts.UTC()
	switch t {
	case TF1w:
		day := ts.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case TF1M:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(t.Duration())
}

// Candle is one OHLCV bucket for an instrument and timeframe. QuoteVolume
// is the traded notional in BDT minor units.
type Candle struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Timeframe    Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime     time.Time       `json:"open_time" db:"open_time"`
	Open         decimal.Decimal `json:"open" db:"open"`
	High         decimal.Decimal `json:"high" db:"high"`
	Low          decimal.Decimal `json:"low" db:"low"`
	Close        decimal.Decimal `json:"close" db:"close"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`
	QuoteVolume  int64           `json:"quote_volume" db:"quote_volume"`
	VWAP         decimal.Decimal `json:"vwap" db:"vwap"`
	TradeCount   int64           `json:"trade_count" db:"trade_count"`
}

// CorporateActionType of a listed-equity event.
type CorporateActionType string

const (
	ActionSplit    CorporateActionType = "split"
	ActionDividend CorporateActionType = "dividend"
)

// CorporateAction adjusts historical prices when read. For a split, Ratio
// is new-shares-per-old (2 for a 2:1 split, 0.5 for a 1:2 reverse split);
// candles before EffectiveAt are divided by Ratio on price and multiplied
// on volume. Dividends carry the per-share cash amount in Ratio and do not
// adjust candles.
type CorporateAction struct {
	ID           string              `json:"id" db:"id"`
	InstrumentID string              `json:"instrument_id" db:"instrument_id"`
	Type         CorporateActionType `json:"action_type" db:"action_type"`
	Ratio        decimal.Decimal     `json:"ratio" db:"ratio"`
	EffectiveAt  time.Time           `json:"effective_at" db:"effective_at"`
	Note         string              `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
}
