package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/book"
	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/risk"
)

// instrumentState is everything the engine keeps per instrument: the
// book, the trade sequence, dormant trigger orders and the OCO registry.
// The mutex serializes all of it.
type instrumentState struct {
	mu        sync.Mutex
	book      *book.Book
	seq       int64
	lastTrade decimal.Decimal
	stops     []*stopWatch
	oco       map[string]map[string]*domain.Order
	triggered []*domain.Order
}

// stopWatch is one dormant order plus its trailing tracker. best is the
// most favorable trade price seen since placement; it stays unarmed
// until the first post-placement trade.
type stopWatch struct {
	order *domain.Order
	armed bool
	best  decimal.Decimal
}

// firesAt reports whether a trade at price activates the watch.
func (w *stopWatch) firesAt(price decimal.Decimal) bool {
	o := w.order
	switch o.Type {
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		if o.Side == domain.SideBuy {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	case domain.OrderTypeTrailingStop:
		if !w.armed {
			return false
		}
		if o.Side == domain.SideBuy {
			return price.GreaterThanOrEqual(w.best.Add(o.TrailingOffset))
		}
		return price.LessThanOrEqual(w.best.Sub(o.TrailingOffset))
	}
	return false
}

// isDormant reports whether an order waits on a trigger. A zero stop
// price on a stop/stop-limit marks it already triggered, which is how a
// triggered-and-rested stop-limit survives a restart as a plain limit.
func isDormant(o *domain.Order) bool {
	switch o.Type {
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		return !o.StopPrice.IsZero()
	case domain.OrderTypeTrailingStop:
		return true
	}
	return false
}

func (st *instrumentState) addStopLocked(o *domain.Order) {
	st.stops = append(st.stops, &stopWatch{order: o})
}

// observeTradeLocked updates trailing trackers against a new trade price
// and moves fired watches onto the triggered queue.
func (st *instrumentState) observeTradeLocked(price decimal.Decimal) {
	if len(st.stops) == 0 {
		return
	}
	kept := st.stops[:0]
	for _, w := range st.stops {
		if w.order.Type == domain.OrderTypeTrailingStop {
			switch {
			case !w.armed:
				w.armed = true
				w.best = price
			case w.order.Side == domain.SideBuy && price.LessThan(w.best):
				w.best = price
			case w.order.Side == domain.SideSell && price.GreaterThan(w.best):
				w.best = price
			}
		}
		if w.firesAt(price) {
			st.triggered = append(st.triggered, w.order)
			continue
		}
		kept = append(kept, w)
	}
	st.stops = kept
}

func (st *instrumentState) drainTriggeredLocked() []*domain.Order {
	out := st.triggered
	st.triggered = nil
	return out
}

// getLocked finds an open order anywhere in the instrument state.
func (st *instrumentState) getLocked(orderID string) *domain.Order {
	if o := st.book.Get(orderID); o != nil {
		return o
	}
	for _, w := range st.stops {
		if w.order.ID == orderID {
			return w.order
		}
	}
	for _, o := range st.triggered {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

// takeLocked removes an open order from wherever it rests and returns
// it, or nil if it is not open on this instrument.
func (st *instrumentState) takeLocked(orderID string) *domain.Order {
	if o := st.book.Remove(orderID); o != nil {
		return o
	}
	for i, w := range st.stops {
		if w.order.ID == orderID {
			st.stops = append(st.stops[:i], st.stops[i+1:]...)
			return w.order
		}
	}
	for i, o := range st.triggered {
		if o.ID == orderID {
			st.triggered = append(st.triggered[:i], st.triggered[i+1:]...)
			return o
		}
	}
	return nil
}

// restoreLocked re-enters a recovered order into the book or the
// dormant list.
func (st *instrumentState) restoreLocked(o *domain.Order) {
	if isDormant(o) {
		st.addStopLocked(o)
	} else {
		st.book.Add(o)
	}
	st.registerOCOLocked(o)
}

func (st *instrumentState) expiredLocked(now time.Time) []*domain.Order {
	var out []*domain.Order
	for _, o := range st.book.Orders() {
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	for _, w := range st.stops {
		if o := w.order; o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	return out
}

func (st *instrumentState) registerOCOLocked(o *domain.Order) {
	if o.OCOGroupID == "" {
		return
	}
	g := st.oco[o.OCOGroupID]
	if g == nil {
		g = make(map[string]*domain.Order)
		st.oco[o.OCOGroupID] = g
	}
	g[o.ID] = o
}

func (st *instrumentState) unregisterOCOLocked(o *domain.Order) {
	if o.OCOGroupID == "" {
		return
	}
	if g := st.oco[o.OCOGroupID]; g != nil {
		delete(g, o.ID)
		if len(g) == 0 {
			delete(st.oco, o.OCOGroupID)
		}
	}
}

// fill pairs one execution with the maker it consumed.
type fill struct {
	trade domain.Trade
	maker *domain.Order
}

// place is the full placement pipeline. internal bypasses the account
// state gates so the margin monitor can close positions for accounts it
// has put into liquidation.
func (e *Engine) place(ctx context.Context, o *domain.Order, internal bool) (*domain.Order, []domain.Trade, error) {
	if status := e.MarketStatus(); status.State != domain.MarketOpen {
		return nil, nil, fmt.Errorf("market is %s: %w", status.State, domain.ErrMarketNotOpen)
	}
	snap := e.provider.Snapshot()

	var user *domain.User
	if e.users != nil {
		var err error
		user, err = e.users.GetByID(ctx, o.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load account: %w", err)
		}
		if !internal {
			if user.Suspended {
				return nil, nil, fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
			}
			if user.MarginState == domain.MarginLiquidating {
				return nil, nil, fmt.Errorf("account under liquidation: %w", domain.ErrForbidden)
			}
		}
	}

	// Replays of the same client order id return the original.
	if o.ClientOrderID != "" {
		if prev, err := e.orders.GetByClientOrderID(ctx, o.UserID, o.ClientOrderID); err == nil && prev != nil {
			return prev, nil, nil
		}
	}

	ins, err := e.risk.Instrument(ctx, o.InstrumentID)
	if err != nil {
		return nil, nil, err
	}

	e.prepare(o, snap)
	st := e.state(o.InstrumentID)
	refPrice := e.referencePrice(st, ins)

	if err := e.risk.ValidateOrder(o, ins, user, refPrice); err != nil {
		return nil, nil, err
	}
	if o.Leveraged() {
		if err := e.checkMargin(ctx, o, refPrice); err != nil {
			return nil, nil, err
		}
	}

	st.mu.Lock()
	trades, err := e.admitLocked(ctx, st, ins, o, snap, refPrice)
	triggered := st.drainTriggeredLocked()
	st.mu.Unlock()

	e.processTriggered(ctx, st, ins, triggered)
	e.publishDepth(st, o.InstrumentID)
	if err != nil {
		return nil, nil, err
	}
	return o, trades, nil
}

// prepare fills placement defaults.
func (e *Engine) prepare(o *domain.Order, snap *config.Snapshot) {
	now := e.clock.Now().UTC()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = domain.OrderStatusPending
	o.Remaining = o.Quantity
	o.ReservedFunds = 0
	o.LastSequence = 0
	if o.TimeInForce == "" {
		o.TimeInForce = domain.TIFGTC
	}
	if o.Leverage <= 0 {
		o.Leverage = snap.DefaultLeverage
	}
	if o.TimeInForce == domain.TIFDay {
		exp := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		o.ExpiresAt = &exp
	}
	o.CreatedAt = now
	o.UpdatedAt = now
}

// referencePrice estimates the current price for risk and reserve math:
// external mark, then last trade, then the book itself.
func (e *Engine) referencePrice(st *instrumentState, ins *domain.Instrument) decimal.Decimal {
	if e.marks != nil {
		if m, ok := e.marks.Mark(ins); ok && m.IsPositive() {
			return m
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastTrade.IsPositive() {
		return st.lastTrade
	}
	bid, hasBid := st.book.BestBid()
	ask, hasAsk := st.book.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	case hasBid:
		return bid
	case hasAsk:
		return ask
	}
	return decimal.Zero
}

func (e *Engine) markFunc() margin.MarkFunc {
	if e.marks == nil {
		return nil
	}
	return func(ctx context.Context, instrumentID string) (decimal.Decimal, bool) {
		ins, err := e.risk.Instrument(ctx, instrumentID)
		if err != nil {
			return decimal.Zero, false
		}
		return e.marks.Mark(ins)
	}
}

// checkMargin verifies free margin covers whatever part of the order
// extends exposure. Orders that only reduce an opposite position pass.
func (e *Engine) checkMargin(ctx context.Context, o *domain.Order, refPrice decimal.Decimal) error {
	dir := domain.PositionLong
	if o.Side == domain.SideSell {
		dir = domain.PositionShort
	}
	extend := o.Quantity
	if pos, ok := e.keeper.Position(o.UserID, o.InstrumentID); ok && pos.Side != dir {
		extend = extend.Sub(pos.Quantity)
	}
	if !extend.IsPositive() {
		return nil
	}
	px := o.Price
	if px.IsZero() {
		px = refPrice
	}
	if px.IsZero() {
		px = o.StopPrice
	}
	if px.IsZero() {
		return nil
	}
	return e.keeper.CheckOpen(ctx, o.UserID, domain.CeilMoney(px.Mul(extend)), o.Leverage, e.markFunc())
}

// execParams maps an order to its matching parameters: the price limit
// (zero = none) and whether a remainder may rest.
func execParams(o *domain.Order) (decimal.Decimal, bool) {
	switch o.Type {
	case domain.OrderTypeMarket:
		return decimal.Zero, false
	default:
		rest := o.TimeInForce == domain.TIFGTC || o.TimeInForce == domain.TIFDay
		return o.Price, rest
	}
}

// admitLocked runs exposure checks, the FOK gate, funds reservation,
// persistence and matching for one admitted order.
func (e *Engine) admitLocked(ctx context.Context, st *instrumentState, ins *domain.Instrument, o *domain.Order, snap *config.Snapshot, refPrice decimal.Decimal) ([]domain.Trade, error) {
	if err := e.checkExposureLocked(ctx, st, o, refPrice); err != nil {
		return nil, err
	}

	if isDormant(o) {
		if err := e.orders.Insert(ctx, o); err != nil {
			return nil, fmt.Errorf("failed to persist order: %w", err)
		}
		st.addStopLocked(o)
		st.registerOCOLocked(o)
		e.indexOrder(o)
		e.publishOrder(o)
		return nil, nil
	}

	limit, mayRest := execParams(o)

	// Fill-or-kill verifies the whole quantity is coverable, hidden
	// iceberg reserve included, before anything executes.
	if o.TimeInForce == domain.TIFFOK {
		if st.book.Available(o.Side.Opposite(), limit).LessThan(o.Quantity) {
			o.Status = domain.OrderStatusCancelled
			if err := e.orders.Insert(ctx, o); err != nil {
				return nil, fmt.Errorf("failed to persist order: %w", err)
			}
			e.publishOrder(o)
			return nil, nil
		}
	}

	if err := e.reserveLocked(ctx, st, o, snap, limit); err != nil {
		return nil, err
	}
	if err := e.orders.Insert(ctx, o); err != nil {
		e.refundReserve(ctx, o)
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	fills, err := e.runMatchLocked(ctx, st, ins, o, limit, snap)
	if err != nil {
		return nil, err
	}
	e.completeTakerLocked(ctx, st, o, mayRest, len(fills) > 0)

	trades := make([]domain.Trade, len(fills))
	for i := range fills {
		trades[i] = fills[i].trade
	}
	return trades, nil
}

// checkExposureLocked prices the order plus the account's standing
// exposure on the instrument and applies the configured ceilings.
func (e *Engine) checkExposureLocked(ctx context.Context, st *instrumentState, o *domain.Order, refPrice decimal.Decimal) error {
	px := o.Price
	if px.IsZero() {
		px = refPrice
	}
	if px.IsZero() {
		px = o.StopPrice
	}
	if px.IsZero() {
		return nil
	}
	orderNotional := domain.CeilMoney(px.Mul(o.Quantity))

	acct, err := e.keeper.Account(ctx, o.UserID, e.markFunc())
	if err != nil {
		return err
	}
	posNotional := int64(0)
	for _, pv := range acct.Positions {
		if pv.InstrumentID == o.InstrumentID {
			posNotional = domain.CeilMoney(pv.Mark.Mul(pv.Quantity))
		}
	}

	working := int64(0)
	priceOf := func(w *domain.Order) decimal.Decimal {
		if !w.Price.IsZero() {
			return w.Price
		}
		if !w.StopPrice.IsZero() {
			return w.StopPrice
		}
		return refPrice
	}
	for _, w := range st.book.Orders() {
		if w.UserID != o.UserID {
			continue
		}
		if wp := priceOf(w); !wp.IsZero() {
			working += domain.CeilMoney(wp.Mul(w.Remaining))
		}
	}
	for _, sw := range st.stops {
		w := sw.order
		if w.UserID != o.UserID {
			continue
		}
		if wp := priceOf(w); !wp.IsZero() {
			working += domain.CeilMoney(wp.Mul(w.Remaining))
		}
	}

	return e.risk.CheckExposure(risk.Exposure{
		Equity:             acct.Equity,
		PositionNotional:   posNotional + orderNotional,
		InstrumentNotional: posNotional + orderNotional + working,
	})
}

// reserveLocked escrows the cash a buy order may spend: notional at the
// limit price, or the current walk cost for orders without one, plus a
// taker-fee allowance. The debit is journalled as an order reserve;
// leveraged orders post margin per fill instead and sells need no
// escrow.
func (e *Engine) reserveLocked(ctx context.Context, st *instrumentState, o *domain.Order, snap *config.Snapshot, limit decimal.Decimal) error {
	if o.Leveraged() || o.Side != domain.SideBuy {
		return nil
	}
	var notional int64
	switch {
	case limit.IsZero():
		cost, _ := st.book.Cost(o.Side.Opposite(), o.Remaining, decimal.Zero)
		notional = domain.CeilMoney(cost)
	case o.TimeInForce == domain.TIFIOC || o.TimeInForce == domain.TIFFOK:
		cost, _ := st.book.Cost(o.Side.Opposite(), o.Remaining, limit)
		notional = domain.CeilMoney(cost)
	default:
		notional = domain.CeilMoney(limit.Mul(o.Remaining))
	}
	if notional <= 0 {
		return nil
	}
	reserve := notional + domain.FeeBps(notional, snap.TakerFeeBps)

	err := e.ledger.Settle(ctx, ledger.Settlement{
		Debits: []ledger.Leg{{UserID: o.UserID, Amount: reserve}},
		Journal: []domain.Transaction{{
			Type:         domain.TxOrderReserve,
			BuyerID:      o.UserID,
			InstrumentID: o.InstrumentID,
			Amount:       reserve,
			Note:         "reserve for order " + o.ID,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	o.ReservedFunds = reserve
	return nil
}

// refundReserve releases whatever escrow an order still holds back to
// its owner.
func (e *Engine) refundReserve(ctx context.Context, o *domain.Order) {
	amt := o.ReservedFunds
	if amt <= 0 {
		return
	}
	o.ReservedFunds = 0
	err := e.ledger.Settle(ctx, ledger.Settlement{
		Credits: []ledger.Leg{{UserID: o.UserID, Amount: amt}},
		Journal: []domain.Transaction{{
			Type:         domain.TxOrderRefund,
			BuyerID:      o.UserID,
			InstrumentID: o.InstrumentID,
			Amount:       amt,
			Note:         "release reserve for order " + o.ID,
		}},
	})
	if err != nil {
		// Keep the claim on the order row so a later transition retries.
		o.ReservedFunds = amt
		log.Error().Err(err).Str("order", o.ID).Msg("matching: reserve refund failed")
	}
}

// runMatchLocked is the core loop: consume the best opposing displayed
// liquidity while the taker crosses it, at the maker's price. Each fill
// bumps the instrument sequence, feeds trailing trackers and cancels OCO
// siblings; the batch persists before any money moves.
func (e *Engine) runMatchLocked(ctx context.Context, st *instrumentState, ins *domain.Instrument, taker *domain.Order, limit decimal.Decimal, snap *config.Snapshot) ([]fill, error) {
	opposite := taker.Side.Opposite()
	var fills []fill
	makers := make(map[string]*domain.Order)

	for taker.Remaining.IsPositive() {
		entry := st.book.Best(opposite)
		if entry == nil {
			break
		}
		price := entry.Order.Price
		if !limit.IsZero() {
			if taker.Side == domain.SideBuy && price.GreaterThan(limit) {
				break
			}
			if taker.Side == domain.SideSell && price.LessThan(limit) {
				break
			}
		}
		maker := entry.Order
		qty := decimal.Min(taker.Remaining, entry.Display)
		if !qty.IsPositive() {
			break
		}

		st.seq++
		t := domain.Trade{
			ID:           uuid.NewString(),
			InstrumentID: ins.ID,
			Price:        price,
			Quantity:     qty,
			TakerSide:    taker.Side,
			Sequence:     st.seq,
			ExecutedAt:   e.clock.Now().UTC(),
		}
		if taker.Side == domain.SideBuy {
			t.BuyOrderID, t.BuyerID = taker.ID, taker.UserID
			t.SellOrderID, t.SellerID = maker.ID, maker.UserID
		} else {
			t.BuyOrderID, t.BuyerID = maker.ID, maker.UserID
			t.SellOrderID, t.SellerID = taker.ID, taker.UserID
		}

		st.book.Fill(entry, qty)
		taker.Remaining = taker.Remaining.Sub(qty)
		taker.LastSequence = st.seq
		maker.LastSequence = st.seq
		if maker.Remaining.IsPositive() {
			maker.Status = domain.OrderStatusPartial
		}
		st.lastTrade = price
		st.observeTradeLocked(price)

		fills = append(fills, fill{trade: t, maker: maker})
		makers[maker.ID] = maker

		if maker.OCOGroupID != "" {
			e.cancelGroupLocked(ctx, st, maker.OCOGroupID, maker.ID)
		}
		if taker.OCOGroupID != "" {
			e.cancelGroupLocked(ctx, st, taker.OCOGroupID, taker.ID)
		}
	}

	if len(fills) == 0 {
		return nil, nil
	}

	trades := make([]domain.Trade, len(fills))
	for i := range fills {
		trades[i] = fills[i].trade
	}
	if err := e.trades.InsertBatch(ctx, trades); err != nil {
		return nil, fmt.Errorf("failed to persist trades: %w", err)
	}

	for i := range fills {
		e.settleFillLocked(ctx, st, ins, taker, &fills[i], snap)
	}

	for _, maker := range makers {
		if maker.Remaining.IsPositive() {
			maker.UpdatedAt = e.clock.Now().UTC()
			if err := e.orders.Update(ctx, maker); err != nil {
				log.Error().Err(err).Str("order", maker.ID).Msg("matching: maker update not persisted")
			}
			e.publishOrder(maker)
		} else if maker.Status != domain.OrderStatusCancelled {
			e.finishLocked(ctx, st, maker, domain.OrderStatusFilled)
		}
	}

	for i := range fills {
		e.publish("trades:"+ins.ID, "trade", fills[i].trade)
		if e.ticks != nil {
			e.ticks.OnTrade(fills[i].trade)
		}
	}
	return fills, nil
}

// settleFillLocked moves the cash of one execution. A cash buyer spends
// from its escrow; a cash seller is credited net of its fee; a leveraged
// side pays only its fee here, with the notional riding the platform
// account as the counterparty of the margined position. The platform
// line balances the settlement exactly.
func (e *Engine) settleFillLocked(ctx context.Context, st *instrumentState, ins *domain.Instrument, taker *domain.Order, f *fill, snap *config.Snapshot) {
	t := f.trade
	notional := t.Notional()

	buyOrder, sellOrder := taker, f.maker
	if t.TakerSide == domain.SideSell {
		buyOrder, sellOrder = f.maker, taker
	}
	buyerBps, sellerBps := snap.MakerFeeBps, snap.TakerFeeBps
	if t.TakerSide == domain.SideBuy {
		buyerBps, sellerBps = snap.TakerFeeBps, snap.MakerFeeBps
	}
	bf := domain.FeeBps(notional, buyerBps)
	sf := domain.FeeBps(notional, sellerBps)

	var s ledger.Settlement
	escrow, debits, credits := int64(0), int64(0), int64(0)

	if buyOrder.Leveraged() {
		if bf > 0 {
			s.Debits = append(s.Debits, ledger.Leg{UserID: t.BuyerID, Amount: bf})
			debits += bf
		}
	} else {
		consume := notional + bf
		if consume > buyOrder.ReservedFunds {
			consume = buyOrder.ReservedFunds
		}
		buyOrder.ReservedFunds -= consume
		escrow = consume
	}
	if sellOrder.Leveraged() {
		if sf > 0 {
			s.Debits = append(s.Debits, ledger.Leg{UserID: t.SellerID, Amount: sf})
			debits += sf
		}
	} else if net := notional - sf; net > 0 {
		s.Credits = append(s.Credits, ledger.Leg{UserID: t.SellerID, Amount: net})
		credits += net
	}
	s.Platform = escrow + debits - credits
	s.Journal = []domain.Transaction{{
		Type:          domain.TxTradeSettlement,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		InstrumentID:  ins.ID,
		Amount:        notional,
		PlatformFee:   bf + sf,
		Shares:        t.Quantity,
		PricePerShare: t.Price,
		Note:          fmt.Sprintf("trade %s taker %s", t.ID, t.TakerSide),
	}}

	if err := e.ledger.Settle(ctx, s); err != nil {
		// A fee debit can fail if the side's balance moved underneath
		// the match. The execution stands, so pay the seller regardless
		// and let the platform eat the fee.
		log.Error().Err(err).Str("trade", t.ID).Msg("matching: trade settlement failed")
		if len(s.Debits) > 0 {
			s.Debits = nil
			s.Platform = escrow - credits
			if err := e.ledger.Settle(ctx, s); err != nil {
				log.Error().Err(err).Str("trade", t.ID).Msg("matching: degraded settlement failed")
			}
		}
	}

	if buyOrder.Leveraged() {
		e.applyMarginLocked(ctx, st, ins, buyOrder, domain.SideBuy, t)
	}
	if sellOrder.Leveraged() {
		e.applyMarginLocked(ctx, st, ins, sellOrder, domain.SideSell, t)
	}
}

// applyMarginLocked routes a leveraged fill to the position keeper. A
// failed margin debit cancels the order's remainder; the execution
// itself stands with the platform carrying the gap.
func (e *Engine) applyMarginLocked(ctx context.Context, st *instrumentState, ins *domain.Instrument, o *domain.Order, side domain.Side, t domain.Trade) {
	if _, err := e.keeper.ApplyFill(ctx, o.UserID, ins, side, t.Price, t.Quantity, o.Leverage); err != nil {
		log.Error().Err(err).Str("order", o.ID).Str("user", o.UserID).
			Msg("matching: margin apply failed, cancelling remainder")
		if st.takeLocked(o.ID) != nil {
			e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
		} else {
			// The incoming taker never rested; flag it so completion
			// cancels instead of resting.
			o.Status = domain.OrderStatusCancelled
		}
	}
}

// completeTakerLocked settles the incoming order's final state after
// matching: fully filled, rested, or cancelled remainder.
func (e *Engine) completeTakerLocked(ctx context.Context, st *instrumentState, o *domain.Order, mayRest, filledSome bool) {
	switch {
	case o.Status == domain.OrderStatusCancelled:
		e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
	case !o.Remaining.IsPositive():
		e.finishLocked(ctx, st, o, domain.OrderStatusFilled)
	case mayRest:
		if filledSome {
			o.Status = domain.OrderStatusPartial
		}
		o.UpdatedAt = e.clock.Now().UTC()
		st.book.Add(o)
		st.registerOCOLocked(o)
		e.indexOrder(o)
		if err := e.orders.Update(ctx, o); err != nil {
			log.Error().Err(err).Str("order", o.ID).Msg("matching: order update not persisted")
		}
		e.publishOrder(o)
	default:
		e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
	}
}

// finishLocked moves an order to a terminal state: refund leftover
// escrow, persist, unindex, announce.
func (e *Engine) finishLocked(ctx context.Context, st *instrumentState, o *domain.Order, status domain.OrderStatus) {
	o.Status = status
	o.UpdatedAt = e.clock.Now().UTC()
	st.unregisterOCOLocked(o)
	e.refundReserve(ctx, o)
	if err := e.orders.Update(ctx, o); err != nil {
		log.Error().Err(err).Str("order", o.ID).Msg("matching: order update not persisted")
	}
	e.unindexOrder(o)
	e.publishOrder(o)
}

// cancelGroupLocked cancels every live member of an OCO group except
// one.
func (e *Engine) cancelGroupLocked(ctx context.Context, st *instrumentState, groupID, exceptID string) {
	g := st.oco[groupID]
	if g == nil {
		return
	}
	victims := make([]*domain.Order, 0, len(g))
	for id, o := range g {
		if id != exceptID {
			victims = append(victims, o)
		}
	}
	for _, o := range victims {
		if st.takeLocked(o.ID) != nil {
			e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
		}
	}
}

// processTriggered executes orders armed by earlier trades. Each runs
// its own match cycle, which may arm more; the queue drains until the
// book settles.
func (e *Engine) processTriggered(ctx context.Context, st *instrumentState, ins *domain.Instrument, queue []*domain.Order) {
	snap := e.provider.Snapshot()
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]

		st.mu.Lock()
		more := e.fireLocked(ctx, st, ins, o, snap)
		st.mu.Unlock()

		queue = append(queue, more...)
		e.publishDepth(st, ins.ID)
	}
}

// fireLocked converts a triggered order into its live form and matches
// it: stop and trailing-stop become market orders, stop-limit becomes a
// limit at its supplied price. Cash buys escrow at trigger time; an
// account that can no longer fund the order is cancelled instead.
func (e *Engine) fireLocked(ctx context.Context, st *instrumentState, ins *domain.Instrument, o *domain.Order, snap *config.Snapshot) []*domain.Order {
	limit := decimal.Zero
	mayRest := false
	if o.Type == domain.OrderTypeStopLimit {
		limit = o.Price
		mayRest = o.TimeInForce == domain.TIFGTC || o.TimeInForce == domain.TIFDay
	}
	o.StopPrice = decimal.Zero

	if err := e.reserveLocked(ctx, st, o, snap, limit); err != nil {
		log.Warn().Err(err).Str("order", o.ID).Msg("matching: triggered order cannot fund, cancelling")
		e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
		return st.drainTriggeredLocked()
	}

	fills, err := e.runMatchLocked(ctx, st, ins, o, limit, snap)
	if err != nil {
		log.Error().Err(err).Str("order", o.ID).Msg("matching: triggered order match failed")
		e.finishLocked(ctx, st, o, domain.OrderStatusCancelled)
		return st.drainTriggeredLocked()
	}
	e.completeTakerLocked(ctx, st, o, mayRest, len(fills) > 0)
	return st.drainTriggeredLocked()
}

func (e *Engine) publishOrder(o *domain.Order) {
	e.publish("orders:"+o.UserID, "order", o)
}
