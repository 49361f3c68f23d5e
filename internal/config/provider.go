package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Bucket describes one rate-limit bucket: a burst capacity refilled at a
// steady rate.
type Bucket struct {
	Capacity      int     `yaml:"capacity" json:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec" json:"refill_per_sec"`
	CostOverrides bool    `yaml:"cost_overrides" json:"cost_overrides"`
}

// PasswordPolicy is the minimum complexity accepted at registration.
type PasswordPolicy struct {
	MinLength    int  `yaml:"min_length" json:"min_length"`
	RequireUpper bool `yaml:"require_upper" json:"require_upper"`
	RequireLower bool `yaml:"require_lower" json:"require_lower"`
	RequireDigit bool `yaml:"require_digit" json:"require_digit"`
}

// Snapshot is one immutable generation of the runtime tunables. Consumers
// read a pointer from the Provider and must never mutate the struct; admin
// updates build a modified copy and publish it whole.
type Snapshot struct {
	// Trading fees, basis points of notional.
	MakerFeeBps int64 `yaml:"maker_fee_bps" json:"maker_fee_bps"`
	TakerFeeBps int64 `yaml:"taker_fee_bps" json:"taker_fee_bps"`

	// Order risk caps. The percent caps are of account equity; the
	// per-instrument one bounds position plus working orders, so it is
	// never below the single-position cap.
	MaxOrderNotional             int64   `yaml:"max_order_notional" json:"max_order_notional"`
	MaxPositionPercent           float64 `yaml:"max_position_percent" json:"max_position_percent"`
	MaxInstrumentExposurePercent float64 `yaml:"max_instrument_exposure_percent" json:"max_instrument_exposure_percent"`

	// Margin thresholds, percent. A margin level below MarginCallLevel
	// flags the account; below LiquidationLevel the monitor force-closes
	// positions.
	MarginCallLevel     float64       `yaml:"margin_call_level" json:"margin_call_level"`
	LiquidationLevel    float64       `yaml:"liquidation_level" json:"liquidation_level"`
	MarginCheckInterval time.Duration `yaml:"margin_check_interval" json:"margin_check_interval"`
	DefaultLeverage     int           `yaml:"default_leverage" json:"default_leverage"`
	MaxLeverage         int           `yaml:"max_leverage" json:"max_leverage"`

	// Biome share market.
	BiomeInitialCash          int64         `yaml:"biome_initial_cash" json:"biome_initial_cash"`
	BiomeInitialShares        int64         `yaml:"biome_initial_shares" json:"biome_initial_shares"`
	BiomeTradeFeePercent      float64       `yaml:"biome_trade_fee_percent" json:"biome_trade_fee_percent"`
	MaxPriceMovePercent       float64       `yaml:"max_price_move_percent" json:"max_price_move_percent"`
	MaxTransactionPercent     float64       `yaml:"max_transaction_percent" json:"max_transaction_percent"`
	RedistributionPoolPercent float64       `yaml:"redistribution_pool_percent" json:"redistribution_pool_percent"`
	RedistributionInterval    time.Duration `yaml:"redistribution_interval" json:"redistribution_interval"`
	// AttentionDecayFactor below 1 ages accumulated attention between
	// tracks; at 1 attention is a plain sum until the cycle resets it.
	AttentionDecayFactor float64 `yaml:"attention_decay_factor" json:"attention_decay_factor"`
	BiomeTradingPaused   bool    `yaml:"biome_trading_paused" json:"biome_trading_paused"`
	BiomePricesFrozen    bool    `yaml:"biome_prices_frozen" json:"biome_prices_frozen"`

	// Wallet.
	MinTopup int64 `yaml:"min_topup" json:"min_topup"`
	MaxTopup int64 `yaml:"max_topup" json:"max_topup"`

	// Marketplace auctions: bids inside this window extend the close.
	AntiSnipingWindow time.Duration `yaml:"anti_sniping_window" json:"anti_sniping_window"`

	// Pricing.
	StaleQuoteTimeout time.Duration `yaml:"stale_quote_timeout" json:"stale_quote_timeout"`
	CFDMarkupBps      int64         `yaml:"cfd_markup_bps" json:"cfd_markup_bps"`

	// Auth.
	LoginLockoutThreshold int            `yaml:"login_lockout_threshold" json:"login_lockout_threshold"`
	LoginLockoutDuration  time.Duration  `yaml:"login_lockout_duration" json:"login_lockout_duration"`
	SessionTTL            time.Duration  `yaml:"session_ttl" json:"session_ttl"`
	Password              PasswordPolicy `yaml:"password" json:"password"`

	// Rate limit buckets keyed by name ("auth", "orders", "market_data",
	// "wallet", "default").
	RateLimits map[string]Bucket `yaml:"rate_limits" json:"rate_limits"`
}

// DefaultSnapshot returns the tunable defaults applied before the config
// file overrides them.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		MakerFeeBps:                  10,
		TakerFeeBps:                  20,
		MaxOrderNotional:             10_000_000_00,
		MaxPositionPercent:           200,
		MaxInstrumentExposurePercent: 300,
		MarginCallLevel:              100,
		LiquidationLevel:             50,
		MarginCheckInterval:          5 * time.Second,
		DefaultLeverage:              1,
		MaxLeverage:                  20,
		BiomeInitialCash:             1_000_000,
		BiomeInitialShares:           10_000,
		BiomeTradeFeePercent:         1.0,
		MaxPriceMovePercent:          10,
		MaxTransactionPercent:        5,
		RedistributionPoolPercent:    2,
		RedistributionInterval:       500 * time.Millisecond,
		AttentionDecayFactor:         1.0,
		MinTopup:                     100_00,
		MaxTopup:                     1_000_000_00,
		AntiSnipingWindow:            60 * time.Second,
		StaleQuoteTimeout:            30 * time.Second,
		CFDMarkupBps:                 15,
		LoginLockoutThreshold:        5,
		LoginLockoutDuration:         15 * time.Minute,
		SessionTTL:                   24 * time.Hour,
		Password: PasswordPolicy{
			MinLength:    8,
			RequireUpper: true,
			RequireLower: true,
			RequireDigit: true,
		},
		RateLimits: map[string]Bucket{
			"auth":        {Capacity: 10, RefillPerSec: 0.2},
			"orders":      {Capacity: 60, RefillPerSec: 1},
			"market_data": {Capacity: 240, RefillPerSec: 4},
			"wallet":      {Capacity: 20, RefillPerSec: 0.5},
			"default":     {Capacity: 120, RefillPerSec: 2},
		},
	}
}

// Validate rejects tunable values that would corrupt money math.
func (s *Snapshot) Validate() error {
	if s.MakerFeeBps < 0 || s.TakerFeeBps < 0 {
		return fmt.Errorf("trading fees must be non-negative")
	}
	if s.MakerFeeBps > 10000 || s.TakerFeeBps > 10000 {
		return fmt.Errorf("trading fees exceed 100%%")
	}
	if s.BiomeTradeFeePercent < 0 || s.BiomeTradeFeePercent >= 100 {
		return fmt.Errorf("biome trade fee percent out of range: %v", s.BiomeTradeFeePercent)
	}
	if s.RedistributionPoolPercent <= 0 || s.RedistributionPoolPercent >= 100 {
		return fmt.Errorf("redistribution pool percent out of range: %v", s.RedistributionPoolPercent)
	}
	if s.MaxPriceMovePercent <= 0 || s.MaxTransactionPercent <= 0 {
		return fmt.Errorf("biome clamp percents must be positive")
	}
	if s.RedistributionInterval < 50*time.Millisecond {
		return fmt.Errorf("redistribution interval too small: %v", s.RedistributionInterval)
	}
	if s.MarginCheckInterval < 100*time.Millisecond {
		return fmt.Errorf("margin check interval too small: %v", s.MarginCheckInterval)
	}
	if s.LiquidationLevel <= 0 || s.MarginCallLevel <= s.LiquidationLevel {
		return fmt.Errorf("margin call level must exceed liquidation level")
	}
	if s.MaxPositionPercent <= 0 || s.MaxInstrumentExposurePercent < s.MaxPositionPercent {
		return fmt.Errorf("exposure caps invalid: position=%v instrument=%v",
			s.MaxPositionPercent, s.MaxInstrumentExposurePercent)
	}
	if s.DefaultLeverage < 1 || s.MaxLeverage < s.DefaultLeverage {
		return fmt.Errorf("leverage bounds invalid: default=%d max=%d", s.DefaultLeverage, s.MaxLeverage)
	}
	if s.MinTopup <= 0 || s.MaxTopup < s.MinTopup {
		return fmt.Errorf("topup bounds invalid: min=%d max=%d", s.MinTopup, s.MaxTopup)
	}
	if s.Password.MinLength < 6 {
		return fmt.Errorf("password min length too small: %d", s.Password.MinLength)
	}
	for name, b := range s.RateLimits {
		if b.Capacity <= 0 || b.RefillPerSec <= 0 {
			return fmt.Errorf("rate limit bucket %q invalid: capacity=%d refill=%v", name, b.Capacity, b.RefillPerSec)
		}
	}
	return nil
}

// Bucket returns the named rate-limit bucket, falling back to "default".
func (s *Snapshot) Bucket(name string) Bucket {
	if b, ok := s.RateLimits[name]; ok {
		return b
	}
	return s.RateLimits["default"]
}

// Provider publishes tunable snapshots to every reader without locks.
// Readers see either the old generation or the new one, never a mix.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

// NewProvider seeds a provider with an initial snapshot.
func NewProvider(initial Snapshot) *Provider {
	p := &Provider{}
	p.current.Store(&initial)
	return p
}

// Snapshot returns the current generation. The returned value is shared;
// callers must treat it as read-only.
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Replace validates and publishes a new generation atomically.
func (p *Provider) Replace(next Snapshot) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("rejected tunable update: %w", err)
	}
	p.current.Store(&next)
	return nil
}

// Update applies fn to a copy of the current snapshot and publishes the
// result. fn must not retain the copy.
func (p *Provider) Update(fn func(*Snapshot)) error {
	next := *p.current.Load()
	if next.RateLimits != nil {
		limits := make(map[string]Bucket, len(next.RateLimits))
		for k, v := range next.RateLimits {
			limits[k] = v
		}
		next.RateLimits = limits
	}
	fn(&next)
	return p.Replace(next)
}
