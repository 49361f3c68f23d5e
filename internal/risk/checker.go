// Package risk runs the pre-trade checks every order passes before the
// matching engine touches a book. Checks are stateless over an
// instrument snapshot and the current tunables; account-level exposure
// is judged against figures the caller supplies.
package risk

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// instrumentTTL bounds how stale a cached instrument row may be. Admin
// edits call Invalidate, so the TTL only covers out-of-band changes.
const instrumentTTL = 30 * time.Second

// Checker validates orders against instrument constraints and the risk
// tunables. Instrument rows are served from a TTL cache so the order
// hot path does not hit the database per placement.
type Checker struct {
	instruments persistence.InstrumentsRepo
	provider    *config.Provider
	cache       *gocache.Cache
}

func NewChecker(instruments persistence.InstrumentsRepo, provider *config.Provider) *Checker {
	return &Checker{
		instruments: instruments,
		provider:    provider,
		cache:       gocache.New(instrumentTTL, 2*instrumentTTL),
	}
}

// Instrument resolves an instrument by id through the snapshot cache.
func (c *Checker) Instrument(ctx context.Context, id string) (*domain.Instrument, error) {
	if v, ok := c.cache.Get("id:" + id); ok {
		return v.(*domain.Instrument), nil
	}
	ins, err := c.instruments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ins)
	return ins, nil
}

// InstrumentBySymbol resolves an instrument by symbol through the cache.
func (c *Checker) InstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	if v, ok := c.cache.Get("sym:" + symbol); ok {
		return v.(*domain.Instrument), nil
	}
	ins, err := c.instruments.GetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.store(ins)
	return ins, nil
}

func (c *Checker) store(ins *domain.Instrument) {
	c.cache.SetDefault("id:"+ins.ID, ins)
	c.cache.SetDefault("sym:"+ins.Symbol, ins)
}

// Invalidate drops an instrument from the cache. Admin handlers call
// this after every instrument update so halts take effect immediately.
func (c *Checker) Invalidate(ins *domain.Instrument) {
	c.cache.Delete("id:" + ins.ID)
	c.cache.Delete("sym:" + ins.Symbol)
}

// ValidateOrder rejects an order that could not legally rest or match:
// inactive instrument, tick/lot misalignment, missing or surplus prices
// for the order type, iceberg and TIF misuse, leverage beyond the user,
// instrument, or venue bound, and the notional cap. refPrice prices
// market and stop orders for the notional check; a zero refPrice skips
// it (an empty book rejects those downstream anyway).
func (c *Checker) ValidateOrder(o *domain.Order, ins *domain.Instrument, u *domain.User, refPrice decimal.Decimal) error {
	if ins.Status != domain.InstrumentActive {
		return fmt.Errorf("instrument %s is %s: %w", ins.Symbol, ins.Status, domain.ErrMarketNotOpen)
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return domain.NewValidationError("side", "must be buy or sell")
	}

	if !o.Quantity.IsPositive() {
		return domain.NewValidationError("quantity", "must be positive")
	}
	if !aligned(o.Quantity, ins.LotSize) {
		return domain.NewValidationError("quantity", fmt.Sprintf("must be a multiple of lot size %s", ins.LotSize))
	}

	if err := c.validateType(o, ins); err != nil {
		return err
	}
	if err := c.validateLeverage(o, ins, u); err != nil {
		return err
	}

	// Notional cap. Limit-priced orders use their own price, everything
	// else the caller's estimate.
	px := o.Price
	if px.IsZero() {
		px = refPrice
	}
	if !px.IsZero() {
		snap := c.provider.Snapshot()
		notional := domain.MoneyFromDecimal(px.Mul(o.Quantity))
		if snap.MaxOrderNotional > 0 && notional > snap.MaxOrderNotional {
			return domain.NewValidationError("quantity",
				fmt.Sprintf("order notional %d exceeds cap %d", notional, snap.MaxOrderNotional))
		}
	}
	return nil
}

func (c *Checker) validateType(o *domain.Order, ins *domain.Instrument) error {
	needLimit := false
	needStop := false

	switch o.Type {
	case domain.OrderTypeMarket:
		if !o.Price.IsZero() {
			return domain.NewValidationError("price", "not allowed on market orders")
		}
	case domain.OrderTypeLimit, domain.OrderTypeIceberg:
		needLimit = true
	case domain.OrderTypeStop:
		if !o.Price.IsZero() {
			return domain.NewValidationError("price", "not allowed on stop orders; use stop_limit")
		}
		needStop = true
	case domain.OrderTypeStopLimit:
		needLimit = true
		needStop = true
	case domain.OrderTypeTrailingStop:
		if !o.TrailingOffset.IsPositive() {
			return domain.NewValidationError("trailing_offset", "must be positive")
		}
		if !aligned(o.TrailingOffset, ins.TickSize) {
			return domain.NewValidationError("trailing_offset", fmt.Sprintf("must be a multiple of tick size %s", ins.TickSize))
		}
	default:
		return domain.NewValidationError("order_type", fmt.Sprintf("unknown order type %q", o.Type))
	}

	if needLimit {
		if !o.Price.IsPositive() {
			return domain.NewValidationError("price", "required for this order type")
		}
		if !aligned(o.Price, ins.TickSize) {
			return domain.NewValidationError("price", fmt.Sprintf("must be a multiple of tick size %s", ins.TickSize))
		}
	}
	if needStop {
		if !o.StopPrice.IsPositive() {
			return domain.NewValidationError("stop_price", "required for this order type")
		}
		if !aligned(o.StopPrice, ins.TickSize) {
			return domain.NewValidationError("stop_price", fmt.Sprintf("must be a multiple of tick size %s", ins.TickSize))
		}
	}

	switch o.TimeInForce {
	case domain.TIFGTC, domain.TIFDay:
	case domain.TIFIOC, domain.TIFFOK:
		// Immediate TIFs make no sense on orders that wait for a trigger
		// or drip through the book.
		if o.Type != domain.OrderTypeMarket && o.Type != domain.OrderTypeLimit {
			return domain.NewValidationError("time_in_force", fmt.Sprintf("%s not allowed on %s orders", o.TimeInForce, o.Type))
		}
	default:
		return domain.NewValidationError("time_in_force", fmt.Sprintf("unknown time in force %q", o.TimeInForce))
	}

	if o.Type == domain.OrderTypeIceberg {
		if !o.IcebergVisible.IsPositive() {
			return domain.NewValidationError("iceberg_visible", "must be positive")
		}
		if o.IcebergVisible.GreaterThan(o.Quantity) {
			return domain.NewValidationError("iceberg_visible", "exceeds order quantity")
		}
		if !aligned(o.IcebergVisible, ins.LotSize) {
			return domain.NewValidationError("iceberg_visible", fmt.Sprintf("must be a multiple of lot size %s", ins.LotSize))
		}
	} else if !o.IcebergVisible.IsZero() {
		return domain.NewValidationError("iceberg_visible", "only allowed on iceberg orders")
	}
	return nil
}

func (c *Checker) validateLeverage(o *domain.Order, ins *domain.Instrument, u *domain.User) error {
	if o.Leverage < 1 {
		return domain.NewValidationError("leverage", "must be at least 1")
	}
	if o.Leverage == 1 {
		return nil
	}
	if !ins.MarginOK {
		return domain.NewValidationError("leverage", "instrument does not allow margin trading")
	}
	if o.Side == domain.SideSell && !ins.ShortOK {
		return domain.NewValidationError("side", "short selling not allowed on this instrument")
	}

	snap := c.provider.Snapshot()
	limit := snap.MaxLeverage
	if u != nil && u.MaxLeverage > 0 && u.MaxLeverage < limit {
		limit = u.MaxLeverage
	}
	if ins.MaxLeverage > 0 && ins.MaxLeverage < limit {
		limit = ins.MaxLeverage
	}
	if o.Leverage > limit {
		return domain.NewValidationError("leverage", fmt.Sprintf("exceeds maximum %dx", limit))
	}
	return nil
}

// Exposure is the account state the concentration caps are judged
// against. The caller computes it from the margin service and the book.
type Exposure struct {
	// Equity is balance plus unrealized PnL, BDT minor units.
	Equity int64
	// PositionNotional is the position the order would leave on this
	// instrument, valued at the reference price.
	PositionNotional int64
	// InstrumentNotional additionally counts working orders on the
	// instrument.
	InstrumentNotional int64
}

// CheckExposure enforces the equity-relative concentration caps for
// leveraged orders.
func (c *Checker) CheckExposure(exp Exposure) error {
	snap := c.provider.Snapshot()
	if snap.MaxPositionPercent > 0 {
		limit := domain.PercentOf(exp.Equity, snap.MaxPositionPercent/100)
		if exp.PositionNotional > limit {
			return fmt.Errorf("position notional %d exceeds %d (%.0f%% of equity): %w",
				exp.PositionNotional, limit, snap.MaxPositionPercent, domain.ErrValidation)
		}
	}
	if snap.MaxInstrumentExposurePercent > 0 {
		limit := domain.PercentOf(exp.Equity, snap.MaxInstrumentExposurePercent/100)
		if exp.InstrumentNotional > limit {
			return fmt.Errorf("instrument exposure %d exceeds %d (%.0f%% of equity): %w",
				exp.InstrumentNotional, limit, snap.MaxInstrumentExposurePercent, domain.ErrValidation)
		}
	}
	return nil
}

func aligned(v, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	return v.Mod(step).IsZero()
}
