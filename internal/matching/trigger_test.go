package matching

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

func stopOrder(user, ins string, side domain.Side, qty, stopPrice int64) *domain.Order {
	return &domain.Order{
		UserID: user, InstrumentID: ins, Side: side,
		Type: domain.OrderTypeStop, Quantity: decimal.NewFromInt(qty),
		StopPrice: decimal.NewFromInt(stopPrice),
	}
}

func TestStopTriggersIntoMarketOrder(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 105))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 106))

	stop, trades := fx.place(stopOrder("u3", "ins-1", domain.SideBuy, 5, 105))
	if len(trades) != 0 {
		t.Fatalf("dormant stop traded immediately: %d", len(trades))
	}
	// No escrow while dormant.
	if got := fx.balance("u3"); got != 10_000 {
		t.Fatalf("dormant stop reserved funds: balance %d", got)
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Bids) != 0 {
		t.Fatal("dormant stop appeared in depth")
	}

	// A trade at the stop price arms it; the stop walks the rest of
	// the ask side as a market order.
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 105))

	if got := fx.storedOrder(stop.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("stop row = %s, want filled", got.Status)
	}
	// Escrow taken only at trigger time: 530 notional + 1 taker fee.
	if got := fx.balance("u3"); got != 9_469 {
		t.Fatalf("stop buyer balance = %d, want 9469", got)
	}
	last, _ := fx.repos.Trades.LastSequence(fx.ctx, "ins-1")
	if last != 2 {
		t.Fatalf("sequence = %d, want 2", last)
	}
	total, _ := fx.led.TotalBalance(fx.ctx)
	rev, _ := fx.led.PlatformRevenue(fx.ctx)
	if total+rev != 30_000 {
		t.Fatalf("money not conserved: users %d, platform %d", total, rev)
	}
}

func TestStopLimitRestsAfterTrigger(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 105))

	sl := &domain.Order{
		UserID: "u3", InstrumentID: "ins-1", Side: domain.SideBuy,
		Type: domain.OrderTypeStopLimit, Quantity: decimal.NewFromInt(5),
		Price: decimal.NewFromInt(104), StopPrice: decimal.NewFromInt(105),
	}
	placed, _ := fx.place(sl)

	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 105))

	// Triggered but its 104 limit does not cross, so it rests as a bid.
	d := fx.eng.Depth("ins-1", 5)
	if len(d.Bids) != 1 || !d.Bids[0].Price.Equal(decimal.NewFromInt(104)) || !d.Bids[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("bids after trigger = %+v", d.Bids)
	}
	row := fx.storedOrder(placed.ID)
	if row.Status != domain.OrderStatusPending {
		t.Fatalf("rested stop-limit = %s, want pending", row.Status)
	}
	if !row.StopPrice.IsZero() {
		t.Fatalf("stop price not cleared after trigger: %s", row.StopPrice)
	}
	// Escrowed at the limit price when it went live.
	if got := fx.balance("u3"); got != 9_479 {
		t.Fatalf("balance = %d, want 9479", got)
	}

	if _, err := fx.eng.CancelOrder(fx.ctx, "u3", placed.ID); err != nil {
		t.Fatalf("cancel rested stop-limit: %v", err)
	}
	if got := fx.balance("u3"); got != 10_000 {
		t.Fatalf("refund after cancel = %d, want 10000", got)
	}
}

func TestTrailingStopTracksBestPrice(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)
	fx.user("u4", 10_000)

	trail := &domain.Order{
		UserID: "u3", InstrumentID: "ins-1", Side: domain.SideSell,
		Type: domain.OrderTypeTrailingStop, Quantity: decimal.NewFromInt(5),
		TrailingOffset: decimal.NewFromInt(5),
	}
	placed, _ := fx.place(trail)

	// First trade arms at 100; the rally to 110 ratchets the peak, so
	// the trigger moves up to 105.
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 100))
	fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 5))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 110))
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 110))
	if got := fx.storedOrder(placed.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("trailing fired early: %s", got.Status)
	}

	fx.place(limitOrder("u4", "ins-1", domain.SideBuy, 5, 103))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 104))
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 104))

	// 104 <= 110-5 fired it; the market sell hit u4's 103 bid.
	row := fx.storedOrder(placed.ID)
	if row.Status != domain.OrderStatusFilled {
		t.Fatalf("trailing = %s, want filled", row.Status)
	}
	if got := fx.balance("u3"); got != 10_514 {
		t.Fatalf("trailing seller balance = %d, want 10514", got)
	}
}

func TestTrailingFirstTradeOnlyArms(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)
	fx.user("u4", 10_000)

	// History before placement must not count toward the peak.
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 100))
	fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 5))

	trail := &domain.Order{
		UserID: "u3", InstrumentID: "ins-1", Side: domain.SideSell,
		Type: domain.OrderTypeTrailingStop, Quantity: decimal.NewFromInt(5),
		TrailingOffset: decimal.NewFromInt(5),
	}
	placed, _ := fx.place(trail)

	// Had the pre-placement 100 counted, 90 <= 95 would fire. Instead
	// this trade arms the tracker at 90.
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 90))
	fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 5))
	if got := fx.storedOrder(placed.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("trailing armed off stale history: %s", got.Status)
	}

	fx.place(limitOrder("u4", "ins-1", domain.SideBuy, 5, 83))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 84))
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 84))

	if got := fx.storedOrder(placed.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("trailing = %s, want filled at 84 <= 90-5", got.Status)
	}
}

func TestTriggeredOrderCancelledWhenUnderfunded(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 300)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 105))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 106))

	stop, _ := fx.place(stopOrder("u3", "ins-1", domain.SideBuy, 5, 105))

	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 105))

	// The trigger-time escrow of 531 cannot be funded from 300.
	if got := fx.storedOrder(stop.ID); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("underfunded stop = %s, want cancelled", got.Status)
	}
	if got := fx.balance("u3"); got != 300 {
		t.Fatalf("balance = %d, want untouched 300", got)
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Asks) != 1 {
		t.Fatalf("asks = %+v, the 106 level must survive", d.Asks)
	}
}

func TestStopCascade(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 105))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 106))
	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 107))

	a, _ := fx.place(stopOrder("u3", "ins-1", domain.SideBuy, 5, 105))
	b, _ := fx.place(stopOrder("u3", "ins-1", domain.SideBuy, 5, 106))

	// One cross at 105 fires A; A's execution at 106 fires B.
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 105))

	if got := fx.storedOrder(a.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("stop A = %s", got.Status)
	}
	if got := fx.storedOrder(b.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("stop B = %s", got.Status)
	}
	last, _ := fx.repos.Trades.LastSequence(fx.ctx, "ins-1")
	if last != 3 {
		t.Fatalf("sequence = %d, want 3", last)
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Asks) != 0 {
		t.Fatalf("asks not consumed: %+v", d.Asks)
	}
}

func TestRecoveryReplaysMissedTrades(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	// Balance as it stood after the pre-crash reserve debit.
	fx.user("u1", 8_998)
	fx.user("u2", 10_000)

	now := fx.clock.Now()
	crashOrder := &domain.Order{
		ID: "o-crash", UserID: "u1", InstrumentID: "ins-1",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10), Remaining: decimal.NewFromInt(10),
		Price: decimal.NewFromInt(100), TimeInForce: domain.TIFGTC, Leverage: 1,
		Status: domain.OrderStatusPending, ReservedFunds: 1_002,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := fx.repos.Orders.Insert(fx.ctx, crashOrder); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	// A trade persisted after the order row's last update: 4 of the 10
	// executed, but the row still says remaining 10.
	missed := domain.Trade{
		ID: "t-crash", InstrumentID: "ins-1", BuyOrderID: "o-crash", SellOrderID: "o-gone",
		BuyerID: "u1", SellerID: "u2", Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(4), TakerSide: domain.SideSell,
		Sequence: 5, ExecutedAt: now,
	}
	if err := fx.repos.Trades.Insert(fx.ctx, &missed); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	eng := fx.restart()

	if d := eng.Depth("ins-1", 5); len(d.Bids) != 1 || !d.Bids[0].Quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("recovered depth = %+v, want 6 remaining at 100", d.Bids)
	}
	if eng.UserOrderCount("u1") != 1 {
		t.Fatal("recovered order not indexed")
	}

	// New executions continue the persisted sequence.
	if _, _, err := eng.PlaceOrder(fx.ctx, marketOrder("u2", "ins-1", domain.SideSell, 6)); err != nil {
		t.Fatalf("place after recovery: %v", err)
	}
	last, _ := fx.repos.Trades.LastSequence(fx.ctx, "ins-1")
	if last != 6 {
		t.Fatalf("sequence = %d, want 6", last)
	}
	row := fx.storedOrder("o-crash")
	if row.Status != domain.OrderStatusFilled {
		t.Fatalf("order = %s, want filled", row.Status)
	}
	// 600 escrow consumed by the post-recovery fill, 402 left over and
	// refunded on completion.
	if got := fx.balance("u1"); got != 9_400 {
		t.Fatalf("buyer balance = %d, want 9400", got)
	}
	if got := fx.balance("u2"); got != 10_599 {
		t.Fatalf("seller balance = %d, want 10599", got)
	}
}

func TestRecoveryCompletesFullyFilledOrder(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 8_998)
	fx.user("u2", 10_000)

	now := fx.clock.Now()
	crashOrder := &domain.Order{
		ID: "o-done", UserID: "u1", InstrumentID: "ins-1",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10), Remaining: decimal.NewFromInt(10),
		Price: decimal.NewFromInt(100), TimeInForce: domain.TIFGTC, Leverage: 1,
		Status: domain.OrderStatusPending, ReservedFunds: 1_002,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := fx.repos.Orders.Insert(fx.ctx, crashOrder); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	full := domain.Trade{
		ID: "t-full", InstrumentID: "ins-1", BuyOrderID: "o-done", SellOrderID: "o-gone",
		BuyerID: "u1", SellerID: "u2", Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(10), TakerSide: domain.SideSell,
		Sequence: 1, ExecutedAt: now,
	}
	if err := fx.repos.Trades.Insert(fx.ctx, &full); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	eng := fx.restart()

	row := fx.storedOrder("o-done")
	if row.Status != domain.OrderStatusFilled {
		t.Fatalf("order = %s, want filled", row.Status)
	}
	if d := eng.Depth("ins-1", 5); len(d.Bids) != 0 {
		t.Fatal("completed order re-entered the book")
	}
	// Completion released the stale escrow claim.
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("balance = %d, want 10000", got)
	}
}

func TestRecoveryRestoresDormantStops(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	now := fx.clock.Now()
	dormant := &domain.Order{
		ID: "s-1", UserID: "u3", InstrumentID: "ins-1",
		Side: domain.SideBuy, Type: domain.OrderTypeStop,
		Quantity: decimal.NewFromInt(5), Remaining: decimal.NewFromInt(5),
		StopPrice: decimal.NewFromInt(105), TimeInForce: domain.TIFGTC, Leverage: 1,
		Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := fx.repos.Orders.Insert(fx.ctx, dormant); err != nil {
		t.Fatalf("seed stop: %v", err)
	}

	eng := fx.restart()

	if eng.UserOrderCount("u3") != 1 {
		t.Fatal("dormant stop not restored")
	}
	if d := eng.Depth("ins-1", 5); len(d.Bids) != 0 {
		t.Fatal("dormant stop leaked into depth")
	}

	// It still fires on the first qualifying trade after the restart.
	if _, _, err := eng.PlaceOrder(fx.ctx, limitOrder("u2", "ins-1", domain.SideSell, 5, 105)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := eng.PlaceOrder(fx.ctx, limitOrder("u2", "ins-1", domain.SideSell, 5, 106)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := eng.PlaceOrder(fx.ctx, limitOrder("u1", "ins-1", domain.SideBuy, 5, 105)); err != nil {
		t.Fatal(err)
	}
	if got := fx.storedOrder("s-1"); got.Status != domain.OrderStatusFilled {
		t.Fatalf("restored stop = %s, want filled", got.Status)
	}
}

func TestDayOrdersExpireAfterSession(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)

	day := limitOrder("u1", "ins-1", domain.SideBuy, 10, 100)
	day.TimeInForce = domain.TIFDay
	placed, _ := fx.place(day)

	wantExpiry := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if placed.ExpiresAt == nil || !placed.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expiry = %v, want %v", placed.ExpiresAt, wantExpiry)
	}

	if n := fx.eng.SweepExpired(fx.ctx); n != 0 {
		t.Fatalf("swept %d before expiry", n)
	}

	fx.clock.Add(15 * time.Hour)
	if n := fx.eng.SweepExpired(fx.ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if got := fx.storedOrder(placed.ID); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("expired order = %s, want cancelled", got.Status)
	}
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("balance = %d, want escrow back", got)
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Bids) != 0 {
		t.Fatal("expired order still in book")
	}
}

func TestRecoveryExpiresStaleDayOrders(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 9_550)

	expired := fx.clock.Now().Add(-time.Hour)
	stale := &domain.Order{
		ID: "o-stale", UserID: "u1", InstrumentID: "ins-1",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(5), Remaining: decimal.NewFromInt(5),
		Price: decimal.NewFromInt(90), TimeInForce: domain.TIFDay, Leverage: 1,
		Status: domain.OrderStatusPending, ReservedFunds: 450,
		ExpiresAt: &expired, CreatedAt: expired.Add(-time.Hour), UpdatedAt: expired.Add(-time.Hour),
	}
	if err := fx.repos.Orders.Insert(fx.ctx, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := fx.restart()

	if got := fx.storedOrder("o-stale"); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("stale DAY order = %s, want cancelled", got.Status)
	}
	if eng.UserOrderCount("u1") != 0 {
		t.Fatal("stale order indexed after recovery")
	}
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("balance = %d, want escrow released", got)
	}
}

func TestRecoverAdoptsPersistedStatus(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))

	if err := fx.repos.Market.SetStatus(fx.ctx, domain.MarketStatus{State: domain.MarketClosed, Reason: "maintenance"}); err != nil {
		t.Fatal(err)
	}
	// A fresh process defaults to open in memory; recovery must trust
	// the store over the default.
	eng := fx.restart()
	if s := eng.MarketStatus(); s.State != domain.MarketClosed || s.Reason != "maintenance" {
		t.Fatalf("recovered status = %+v", s)
	}
}

func TestTrailingTIFRejected(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)

	trail := &domain.Order{
		UserID: "u1", InstrumentID: "ins-1", Side: domain.SideSell,
		Type: domain.OrderTypeTrailingStop, Quantity: decimal.NewFromInt(5),
		TrailingOffset: decimal.NewFromInt(5), TimeInForce: domain.TIFFOK,
	}
	if _, _, err := fx.eng.PlaceOrder(fx.ctx, trail); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("FOK trailing: got %v, want ErrValidation", err)
	}
}
