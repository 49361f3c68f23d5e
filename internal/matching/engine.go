// Package matching executes orders against per-instrument books. The
// engine owns the books, the dormant trigger lists and the OCO registry;
// everything it changes is persisted through the order and trade repos,
// settled through the ledger, and announced on the stream hub.
//
// Concurrency model: one mutex per instrument guards that instrument's
// book, trigger list and sequence counter. Placement, cancellation and
// matching for an instrument all run under that lock; different
// instruments proceed in parallel.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/book"
	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/persistence"
	"github.com/biomex/biomex/internal/risk"
)

// expirySweepInterval is how often DAY orders are checked against their
// session expiry.
const expirySweepInterval = time.Minute

// recoveryTradeLimit bounds how far back per instrument the startup
// replay looks for executions an order row has not absorbed yet.
const recoveryTradeLimit = 10_000

// depthLevels are the depth snapshot sizes published after book changes.
var depthLevels = [...]int{5, 10, 20}

// Publisher pushes events to stream subscribers; the hub implements it.
type Publisher interface {
	Publish(channel, eventType string, data interface{})
	Subscribers(channel string) int
}

// TradeSink receives every execution in sequence order, e.g. the pricing
// engine's candle feed.
type TradeSink interface {
	OnTrade(t domain.Trade)
}

// MarkSource supplies reference prices for market-order risk checks.
type MarkSource interface {
	Mark(ins *domain.Instrument) (decimal.Decimal, bool)
}

// Deps wires the engine's collaborators. Hub, Ticks and Marks may be nil.
type Deps struct {
	Ledger   ledger.Ledger
	Keeper   *margin.Keeper
	Risk     *risk.Checker
	Orders   persistence.OrdersRepo
	Trades   persistence.TradesRepo
	Market   persistence.MarketRepo
	Users    persistence.UsersRepo
	Provider *config.Provider
	Clock    clock.Clock
	Hub      Publisher
	Ticks    TradeSink
	Marks    MarkSource
}

// Engine is the venue's matching core.
type Engine struct {
	ledger   ledger.Ledger
	keeper   *margin.Keeper
	risk     *risk.Checker
	orders   persistence.OrdersRepo
	trades   persistence.TradesRepo
	market   persistence.MarketRepo
	users    persistence.UsersRepo
	provider *config.Provider
	clock    clock.Clock
	hub      Publisher
	ticks    TradeSink
	marks    MarkSource

	mu     sync.RWMutex
	states map[string]*instrumentState

	userMu sync.Mutex
	byUser map[string]map[string]string // userID -> orderID -> instrumentID

	statusMu sync.RWMutex
	status   domain.MarketStatus
}

// NewEngine builds an engine around its dependencies.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Engine{
		ledger:   d.Ledger,
		keeper:   d.Keeper,
		risk:     d.Risk,
		orders:   d.Orders,
		trades:   d.Trades,
		market:   d.Market,
		users:    d.Users,
		provider: d.Provider,
		clock:    d.Clock,
		hub:      d.Hub,
		ticks:    d.Ticks,
		marks:    d.Marks,
		states:   make(map[string]*instrumentState),
		byUser:   make(map[string]map[string]string),
		status:   domain.MarketStatus{State: domain.MarketOpen},
	}
}

// state returns the per-instrument state, creating it on first use.
func (e *Engine) state(instrumentID string) *instrumentState {
	e.mu.RLock()
	st, ok := e.states[instrumentID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[instrumentID]; ok {
		return st
	}
	st = &instrumentState{
		book: book.New(instrumentID),
		oco:  make(map[string]map[string]*domain.Order),
	}
	e.states[instrumentID] = st
	return st
}

// MarketStatus returns the cached venue state.
func (e *Engine) MarketStatus() domain.MarketStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// SetMarketStatus persists and announces a venue state change.
func (e *Engine) SetMarketStatus(ctx context.Context, state domain.MarketState, reason string) (domain.MarketStatus, error) {
	switch state {
	case domain.MarketOpen, domain.MarketHalted, domain.MarketClosed:
	default:
		return domain.MarketStatus{}, fmt.Errorf("unknown market state %q: %w", state, domain.ErrValidation)
	}

	s := domain.MarketStatus{State: state, Reason: reason, UpdatedAt: e.clock.Now().UTC()}
	if e.market != nil {
		if err := e.market.SetStatus(ctx, s); err != nil {
			return domain.MarketStatus{}, fmt.Errorf("failed to persist market status: %w", err)
		}
	}

	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()

	if e.hub != nil {
		e.mu.RLock()
		ids := make([]string, 0, len(e.states))
		for id := range e.states {
			ids = append(ids, id)
		}
		e.mu.RUnlock()
		for _, id := range ids {
			e.hub.Publish("status:"+id, "status", s)
		}
	}
	log.Info().Str("state", string(state)).Str("reason", reason).Msg("matching: market status changed")
	return s, nil
}

// PlaceOrder runs the full placement pipeline: venue gate, account
// gates, risk validation, funds reservation, matching, persistence and
// publication. It returns the order in its final state plus the trades
// the placement produced.
func (e *Engine) PlaceOrder(ctx context.Context, o *domain.Order) (*domain.Order, []domain.Trade, error) {
	return e.place(ctx, o, false)
}

// CancelOrder cancels a resting or dormant order. callerID restricts the
// cancel to the order's owner; an empty callerID is an administrative
// cancel.
func (e *Engine) CancelOrder(ctx context.Context, callerID, orderID string) (*domain.Order, error) {
	instrumentID, ok := e.lookupOrder(orderID)
	if !ok {
		return nil, fmt.Errorf("order %s is not open: %w", orderID, domain.ErrNotFound)
	}

	st := e.state(instrumentID)
	st.mu.Lock()
	o := st.getLocked(orderID)
	if o == nil || (callerID != "" && o.UserID != callerID) {
		st.mu.Unlock()
		return nil, fmt.Errorf("order %s is not open: %w", orderID, domain.ErrNotFound)
	}
	st.takeLocked(orderID)
	e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
	st.mu.Unlock()

	e.publishDepth(st, instrumentID)
	return o, nil
}

// CancelAllOrders cancels every open order a user has, across all
// instruments. Returns how many orders were cancelled.
func (e *Engine) CancelAllOrders(ctx context.Context, userID string) (int, error) {
	e.userMu.Lock()
	byInstrument := make(map[string][]string)
	for orderID, insID := range e.byUser[userID] {
		byInstrument[insID] = append(byInstrument[insID], orderID)
	}
	e.userMu.Unlock()

	cancelled := 0
	for insID, orderIDs := range byInstrument {
		st := e.state(insID)
		st.mu.Lock()
		for _, orderID := range orderIDs {
			if o := st.takeLocked(orderID); o != nil {
				e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
				cancelled++
			}
		}
		st.mu.Unlock()
		e.publishDepth(st, insID)
	}
	return cancelled, nil
}

// ClosePosition force-closes a position with a market order on the
// opposite side, bypassing the account-state gates so the margin monitor
// can drive it during liquidation. Fails when the book has no liquidity
// to close against.
func (e *Engine) ClosePosition(ctx context.Context, pos domain.Position) error {
	side := domain.SideSell
	if pos.Side == domain.PositionShort {
		side = domain.SideBuy
	}
	o := &domain.Order{
		UserID:       pos.UserID,
		InstrumentID: pos.InstrumentID,
		Side:         side,
		Type:         domain.OrderTypeMarket,
		Quantity:     pos.Quantity,
		Leverage:     pos.Leverage,
		TimeInForce:  domain.TIFIOC,
	}
	_, trades, err := e.place(ctx, o, true)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return fmt.Errorf("no liquidity to close %s position on %s", pos.Side, pos.InstrumentID)
	}
	return nil
}

// Depth returns a displayed-liquidity snapshot of an instrument's book.
func (e *Engine) Depth(instrumentID string, levels int) book.Depth {
	st := e.state(instrumentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.book.Depth(levels)
}

// LastTrade returns the most recent execution price for an instrument.
func (e *Engine) LastTrade(instrumentID string) (decimal.Decimal, bool) {
	st := e.state(instrumentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastTrade.IsZero() {
		return decimal.Zero, false
	}
	return st.lastTrade, true
}

// Run sweeps DAY orders past their session expiry until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.Ticker(expirySweepInterval)
	defer ticker.Stop()
	log.Info().Msg("matching: expiry sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("matching: expiry sweep stopped")
			return
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// SweepExpired cancels every order whose expiry has passed.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.clock.Now().UTC()

	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	swept := 0
	for _, insID := range ids {
		st := e.state(insID)
		st.mu.Lock()
		expired := st.expiredLocked(now)
		for _, o := range expired {
			if taken := st.takeLocked(o.ID); taken != nil {
				e.finishLocked(ctx, st, taken, domain.OrderStatusCancelled)
				swept++
			}
		}
		st.mu.Unlock()
		if len(expired) > 0 {
			e.publishDepth(st, insID)
		}
	}
	if swept > 0 {
		log.Info().Int("orders", swept).Msg("matching: expired session orders cancelled")
	}
	return swept
}

// Recover rebuilds in-memory state from persistence: venue status,
// per-instrument trade sequences, and every non-terminal order. Trades
// persisted past an order's last observed sequence are folded into its
// remaining quantity before the order re-enters the book, so a crash
// between trade persistence and the order-row update cannot double-fill.
func (e *Engine) Recover(ctx context.Context) error {
	if e.market != nil {
		s, err := e.market.GetStatus(ctx)
		switch {
		case err == nil:
			e.statusMu.Lock()
			e.status = *s
			e.statusMu.Unlock()
		case errorsIsNotFound(err):
			if _, serr := e.SetMarketStatus(ctx, domain.MarketOpen, "initial"); serr != nil {
				return serr
			}
		default:
			return fmt.Errorf("failed to load market status: %w", err)
		}
	}

	open, err := e.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}

	byInstrument := make(map[string][]*domain.Order)
	for i := range open {
		o := &open[i]
		byInstrument[o.InstrumentID] = append(byInstrument[o.InstrumentID], o)
	}

	now := e.clock.Now().UTC()
	restored, repaired := 0, 0
	for insID, orders := range byInstrument {
		st := e.state(insID)
		st.mu.Lock()

		seq, err := e.trades.LastSequence(ctx, insID)
		if err != nil {
			st.mu.Unlock()
			return fmt.Errorf("failed to load trade sequence for %s: %w", insID, err)
		}
		st.seq = seq

		recent, err := e.trades.ListByInstrument(ctx, insID, recoveryTradeLimit)
		if err != nil {
			st.mu.Unlock()
			return fmt.Errorf("failed to load trades for %s: %w", insID, err)
		}

		for _, o := range orders {
			if changed := replayMissedTrades(o, recent); changed {
				repaired++
			}
			switch {
			case !o.Remaining.IsPositive():
				e.finishLocked(ctx, st, o, domain.OrderStatusFilled)
			case o.ExpiresAt != nil && !o.ExpiresAt.After(now):
				e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
			default:
				st.restoreLocked(o)
				e.indexOrder(o)
				restored++
			}
		}
		st.mu.Unlock()
	}
	log.Info().Int("restored", restored).Int("repaired", repaired).
		Str("market", string(e.MarketStatus().State)).Msg("matching: recovery complete")
	return nil
}

// replayMissedTrades folds persisted executions newer than the order's
// last observed sequence into its remaining quantity.
func replayMissedTrades(o *domain.Order, trades []domain.Trade) bool {
	changed := false
	for _, t := range trades {
		if t.Sequence <= o.LastSequence {
			continue
		}
		if t.BuyOrderID != o.ID && t.SellOrderID != o.ID {
			continue
		}
		o.Remaining = o.Remaining.Sub(t.Quantity)
		if o.Remaining.IsNegative() {
			o.Remaining = decimal.Zero
		}
		if t.Sequence > o.LastSequence {
			o.LastSequence = t.Sequence
		}
		if o.Remaining.IsPositive() {
			o.Status = domain.OrderStatusPartial
		}
		changed = true
	}
	return changed
}

func errorsIsNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNotFound)
}

// lookupOrder resolves an open order id to its instrument.
func (e *Engine) lookupOrder(orderID string) (string, bool) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	for _, orders := range e.byUser {
		if insID, ok := orders[orderID]; ok {
			return insID, true
		}
	}
	return "", false
}

// indexOrder records an open order in the per-user index.
func (e *Engine) indexOrder(o *domain.Order) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	if e.byUser[o.UserID] == nil {
		e.byUser[o.UserID] = make(map[string]string)
	}
	e.byUser[o.UserID][o.ID] = o.InstrumentID
}

// unindexOrder drops a terminal order from the per-user index.
func (e *Engine) unindexOrder(o *domain.Order) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	delete(e.byUser[o.UserID], o.ID)
	if len(e.byUser[o.UserID]) == 0 {
		delete(e.byUser, o.UserID)
	}
}

// UserOrderCount reports how many open orders a user has.
func (e *Engine) UserOrderCount(userID string) int {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	return len(e.byUser[userID])
}

func (e *Engine) publish(channel, eventType string, data interface{}) {
	if e.hub != nil {
		e.hub.Publish(channel, eventType, data)
	}
}

// publishDepth pushes depth snapshots for the level counts anyone is
// subscribed to. Taking the instrument lock per snapshot keeps the
// publish outside any caller-held lock.
func (e *Engine) publishDepth(st *instrumentState, instrumentID string) {
	if e.hub == nil {
		return
	}
	for _, n := range depthLevels {
		ch := fmt.Sprintf("depth:%s:%d", instrumentID, n)
		if e.hub.Subscribers(ch) == 0 {
			continue
		}
		st.mu.Lock()
		d := st.book.Depth(n)
		st.mu.Unlock()
		e.hub.Publish(ch, "depth", d)
	}
}
