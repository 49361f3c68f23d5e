package matching

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/persistence"
	"github.com/biomex/biomex/internal/persistence/memory"
	"github.com/biomex/biomex/internal/risk"
)

type recordingHub struct {
	mu     sync.Mutex
	subs   map[string]int
	events []string
}

func (h *recordingHub) Publish(channel, eventType string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, channel+"/"+eventType)
}

func (h *recordingHub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[channel]
}

func (h *recordingHub) count(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type engineFixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Mock
	repos  *persistence.Repository
	led    *ledger.Memory
	keeper *margin.Keeper
	deps   Deps
	eng    *Engine
	hub    *recordingHub
}

func equity(id, symbol string) *domain.Instrument {
	return &domain.Instrument{
		ID: id, Symbol: symbol, Name: symbol,
		AssetClass: domain.AssetEquity,
		TickSize:   decimal.NewFromInt(1), LotSize: decimal.NewFromInt(1),
		MaxLeverage: 10, MarginOK: true, ShortOK: true,
		Status: domain.InstrumentActive,
	}
}

func newEngineFixture(t *testing.T, instruments ...*domain.Instrument) *engineFixture {
	t.Helper()
	ctx := context.Background()
	repos := memory.NewRepository()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	led := ledger.NewMemory(repos.Transactions, clk)
	keeper := margin.NewKeeper(led, repos.Positions, clk)
	provider := config.NewProvider(config.DefaultSnapshot())
	hub := &recordingHub{subs: make(map[string]int)}

	for _, ins := range instruments {
		if err := repos.Instruments.Create(ctx, ins); err != nil {
			t.Fatalf("seed instrument: %v", err)
		}
	}

	deps := Deps{
		Ledger:   led,
		Keeper:   keeper,
		Risk:     risk.NewChecker(repos.Instruments, provider),
		Orders:   repos.Orders,
		Trades:   repos.Trades,
		Market:   repos.Market,
		Users:    repos.Users,
		Provider: provider,
		Clock:    clk,
		Hub:      hub,
	}
	eng := NewEngine(deps)
	if _, err := eng.SetMarketStatus(ctx, domain.MarketOpen, "session start"); err != nil {
		t.Fatalf("open market: %v", err)
	}
	return &engineFixture{t: t, ctx: ctx, clock: clk, repos: repos, led: led, keeper: keeper, deps: deps, eng: eng, hub: hub}
}

// restart builds a fresh engine over the same persistence, as a process
// restart would, and runs recovery.
func (fx *engineFixture) restart() *Engine {
	fx.t.Helper()
	eng := NewEngine(fx.deps)
	if err := eng.Recover(fx.ctx); err != nil {
		fx.t.Fatalf("recover: %v", err)
	}
	return eng
}

func (fx *engineFixture) user(id string, balance int64) {
	fx.t.Helper()
	u := &domain.User{ID: id, Username: id, Email: id + "@example.com", Role: domain.RoleUser, MarginState: domain.MarginNormal}
	if err := fx.repos.Users.Create(fx.ctx, u); err != nil {
		fx.t.Fatalf("seed user %s: %v", id, err)
	}
	fx.led.Seed(id, balance)
}

func (fx *engineFixture) balance(id string) int64 {
	fx.t.Helper()
	bal, err := fx.led.Balance(fx.ctx, id)
	if err != nil {
		fx.t.Fatalf("balance %s: %v", id, err)
	}
	return bal
}

func (fx *engineFixture) place(o *domain.Order) (*domain.Order, []domain.Trade) {
	fx.t.Helper()
	placed, trades, err := fx.eng.PlaceOrder(fx.ctx, o)
	if err != nil {
		fx.t.Fatalf("place order: %v", err)
	}
	return placed, trades
}

func (fx *engineFixture) storedOrder(id string) *domain.Order {
	fx.t.Helper()
	o, err := fx.repos.Orders.GetByID(fx.ctx, id)
	if err != nil {
		fx.t.Fatalf("load order %s: %v", id, err)
	}
	return o
}

func limitOrder(user, ins string, side domain.Side, qty, price int64) *domain.Order {
	return &domain.Order{
		UserID: user, InstrumentID: ins, Side: side,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(qty), Price: decimal.NewFromInt(price),
	}
}

func marketOrder(user, ins string, side domain.Side, qty int64) *domain.Order {
	return &domain.Order{
		UserID: user, InstrumentID: ins, Side: side,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestLimitRestsThenMarketFills(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	ask, trades := fx.place(limitOrder("u2", "ins-1", domain.SideSell, 10, 100))
	if len(trades) != 0 {
		t.Fatalf("resting limit produced %d trades", len(trades))
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Asks) != 1 || !d.Asks[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("depth after rest = %+v", d)
	}

	taker, trades := fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 10))
	if len(trades) != 1 {
		t.Fatalf("market buy produced %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if !tr.Price.Equal(decimal.NewFromInt(100)) || !tr.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("trade = %s @ %s", tr.Quantity, tr.Price)
	}
	if tr.TakerSide != domain.SideBuy || tr.BuyerID != "u1" || tr.SellerID != "u2" || tr.Sequence != 1 {
		t.Fatalf("trade attribution = %+v", tr)
	}
	if taker.Status != domain.OrderStatusFilled {
		t.Fatalf("taker status = %s", taker.Status)
	}

	// Notional 1000: buyer escrow consumed 1000+2 taker fee, seller
	// credited 1000-1 maker fee, platform keeps the 3.
	if got := fx.balance("u1"); got != 8_998 {
		t.Fatalf("buyer balance = %d, want 8998", got)
	}
	if got := fx.balance("u2"); got != 10_999 {
		t.Fatalf("seller balance = %d, want 10999", got)
	}
	if rev, _ := fx.led.PlatformRevenue(fx.ctx); rev != 3 {
		t.Fatalf("platform revenue = %d, want 3", rev)
	}

	if fx.storedOrder(ask.ID).Status != domain.OrderStatusFilled {
		t.Fatal("maker row not marked filled")
	}
	if fx.storedOrder(taker.ID).Status != domain.OrderStatusFilled {
		t.Fatal("taker row not marked filled")
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Asks) != 0 || len(d.Bids) != 0 {
		t.Fatalf("book not empty after full cross: %+v", d)
	}
	if fx.hub.count("trades:ins-1/") != 1 || fx.hub.count("orders:u1/") == 0 {
		t.Fatalf("missing stream events: %v", fx.hub.events)
	}
}

func TestMatchWalksPriceTimePriority(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 5, 100))
	fx.place(limitOrder("u3", "ins-1", domain.SideSell, 5, 100))

	_, trades := fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 8))
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].SellerID != "u2" || !trades[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("first fill = %s from %s, want 5 from u2", trades[0].Quantity, trades[0].SellerID)
	}
	if trades[1].SellerID != "u3" || !trades[1].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("second fill = %s from %s, want 3 from u3", trades[1].Quantity, trades[1].SellerID)
	}
	if trades[0].Sequence != 1 || trades[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d", trades[0].Sequence, trades[1].Sequence)
	}

	// 800 notional walked; all balances reconcile through the platform.
	if got := fx.balance("u1"); got != 9_199 {
		t.Fatalf("taker balance = %d, want 9199", got)
	}
	total, _ := fx.led.TotalBalance(fx.ctx)
	rev, _ := fx.led.PlatformRevenue(fx.ctx)
	if total+rev != 30_000 {
		t.Fatalf("money not conserved: users %d + platform %d", total, rev)
	}
}

func TestTakerPaysMakerPrice(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 10, 100))
	_, trades := fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 10, 105))

	if len(trades) != 1 || !trades[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("trade price = %s, want maker's 100", trades[0].Price)
	}
	// Reserved at the 105 limit, executed at 100; the excess escrow
	// comes back when the order completes.
	if got := fx.balance("u1"); got != 8_998 {
		t.Fatalf("buyer balance = %d, want 8998", got)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 4, 100))

	o := limitOrder("u1", "ins-1", domain.SideBuy, 10, 100)
	o.TimeInForce = domain.TIFIOC
	placed, trades := fx.place(o)

	if len(trades) != 1 || !trades[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("trades = %d, want one fill of 4", len(trades))
	}
	if placed.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled remainder", placed.Status)
	}
	if !placed.Filled().Equal(decimal.NewFromInt(4)) {
		t.Fatalf("filled = %s, want 4", placed.Filled())
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Bids) != 0 {
		t.Fatal("IOC remainder rested")
	}
	if got := fx.balance("u1"); got != 9_600 {
		t.Fatalf("buyer balance = %d, want 9600", got)
	}
}

func TestFOKRejectsBeyondAvailable(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	ice := limitOrder("u2", "ins-1", domain.SideSell, 10, 100)
	ice.Type = domain.OrderTypeIceberg
	ice.IcebergVisible = decimal.NewFromInt(2)
	fx.place(ice)

	o := limitOrder("u1", "ins-1", domain.SideBuy, 12, 100)
	o.TimeInForce = domain.TIFFOK
	placed, trades, err := fx.eng.PlaceOrder(fx.ctx, o)
	if err != nil {
		t.Fatalf("FOK shortfall must not error: %v", err)
	}
	if len(trades) != 0 || placed.Status != domain.OrderStatusCancelled {
		t.Fatalf("FOK shortfall: %d trades, status %s", len(trades), placed.Status)
	}
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("FOK reject moved money: %d", got)
	}
	if fx.eng.UserOrderCount("u1") != 0 {
		t.Fatal("rejected FOK left an open order")
	}
}

func TestFOKCountsHiddenIcebergReserve(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	ice := limitOrder("u2", "ins-1", domain.SideSell, 10, 100)
	ice.Type = domain.OrderTypeIceberg
	ice.IcebergVisible = decimal.NewFromInt(2)
	iceberg, _ := fx.place(ice)

	// Displayed is only 2, but hidden reserve covers the full 8.
	o := limitOrder("u1", "ins-1", domain.SideBuy, 8, 100)
	o.TimeInForce = domain.TIFFOK
	placed, trades := fx.place(o)

	if placed.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", placed.Status)
	}
	if len(trades) != 4 {
		t.Fatalf("got %d trades, want 4 refill slices of 2", len(trades))
	}
	for i, tr := range trades {
		if !tr.Quantity.Equal(decimal.NewFromInt(2)) || tr.Sequence != int64(i+1) {
			t.Fatalf("trade %d = %s seq %d", i, tr.Quantity, tr.Sequence)
		}
	}
	if got := fx.storedOrder(iceberg.ID); got.Status != domain.OrderStatusPartial || !got.Remaining.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("iceberg row = %s remaining %s", got.Status, got.Remaining)
	}
	if d := fx.eng.Depth("ins-1", 5); !d.Asks[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("displayed after refills = %s", d.Asks[0].Quantity)
	}
}

func TestIcebergRefillYieldsTimePriority(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u3", 10_000)

	ice := limitOrder("u2", "ins-1", domain.SideSell, 6, 100)
	ice.Type = domain.OrderTypeIceberg
	ice.IcebergVisible = decimal.NewFromInt(2)
	fx.place(ice)
	fx.place(limitOrder("u3", "ins-1", domain.SideSell, 3, 100))

	_, trades := fx.place(marketOrder("u1", "ins-1", domain.SideBuy, 4))
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	// The refilled iceberg moved behind u3's resting order.
	if trades[0].SellerID != "u2" || trades[1].SellerID != "u3" {
		t.Fatalf("fill order = %s, %s; want u2 then u3", trades[0].SellerID, trades[1].SellerID)
	}
}

func TestOCOSiblingCancelledOnPartialFill(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	legA := limitOrder("u2", "ins-1", domain.SideSell, 5, 100)
	legA.OCOGroupID = "g1"
	legB := limitOrder("u2", "ins-1", domain.SideSell, 5, 110)
	legB.OCOGroupID = "g1"
	a, _ := fx.place(legA)
	b, _ := fx.place(legB)

	_, trades := fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 3, 100))
	if len(trades) != 1 || !trades[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("trades = %+v", trades)
	}

	if got := fx.storedOrder(a.ID); got.Status != domain.OrderStatusPartial {
		t.Fatalf("filled leg = %s, want partial", got.Status)
	}
	if got := fx.storedOrder(b.ID); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("sibling leg = %s, want cancelled", got.Status)
	}
	if d := fx.eng.Depth("ins-1", 5); len(d.Asks) != 1 || !d.Asks[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("book after OCO cancel = %+v", d.Asks)
	}
}

func TestOCOTakerFillCancelsOwnSibling(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	resting := limitOrder("u1", "ins-1", domain.SideBuy, 2, 90)
	resting.OCOGroupID = "g2"
	sib, _ := fx.place(resting)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 3, 100))

	taker := limitOrder("u1", "ins-1", domain.SideBuy, 3, 100)
	taker.OCOGroupID = "g2"
	placed, trades := fx.place(taker)

	if placed.Status != domain.OrderStatusFilled || len(trades) != 1 {
		t.Fatalf("taker = %s with %d trades", placed.Status, len(trades))
	}
	if got := fx.storedOrder(sib.ID); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("sibling = %s, want cancelled", got.Status)
	}
	// Sibling escrow came back: only the executed leg's money moved.
	if got := fx.balance("u1"); got != 9_700 {
		t.Fatalf("balance = %d, want 9700", got)
	}
}

func TestClientOrderIDReturnsOriginal(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)

	o := limitOrder("u1", "ins-1", domain.SideBuy, 5, 90)
	o.ClientOrderID = "req-42"
	first, _ := fx.place(o)

	retry := limitOrder("u1", "ins-1", domain.SideBuy, 5, 90)
	retry.ClientOrderID = "req-42"
	second, trades, err := fx.eng.PlaceOrder(fx.ctx, retry)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID || len(trades) != 0 {
		t.Fatalf("replay returned %s, want original %s", second.ID, first.ID)
	}
	if fx.eng.UserOrderCount("u1") != 1 {
		t.Fatalf("open orders = %d, want 1", fx.eng.UserOrderCount("u1"))
	}
	// Only one reserve was taken.
	if got := fx.balance("u1"); got != 10_000-450 {
		t.Fatalf("balance = %d, want 9550", got)
	}
}

func TestHaltBlocksPlacement(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)

	if _, err := fx.eng.SetMarketStatus(fx.ctx, domain.MarketHalted, "circuit breaker"); err != nil {
		t.Fatalf("halt: %v", err)
	}
	_, _, err := fx.eng.PlaceOrder(fx.ctx, limitOrder("u1", "ins-1", domain.SideBuy, 1, 100))
	if !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("got %v, want ErrMarketNotOpen", err)
	}

	s, err := fx.repos.Market.GetStatus(fx.ctx)
	if err != nil || s.State != domain.MarketHalted || s.Reason != "circuit breaker" {
		t.Fatalf("persisted status = %+v, %v", s, err)
	}

	if _, err := fx.eng.SetMarketStatus(fx.ctx, domain.MarketOpen, "resume"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 1, 100))
}

func TestAccountGates(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	if err := fx.repos.Users.SetSuspended(fx.ctx, "u1", true); err != nil {
		t.Fatal(err)
	}
	_, _, err := fx.eng.PlaceOrder(fx.ctx, limitOrder("u1", "ins-1", domain.SideBuy, 1, 100))
	if !errors.Is(err, domain.ErrAccountSuspended) {
		t.Fatalf("suspended: got %v", err)
	}

	if err := fx.repos.Users.SetMarginState(fx.ctx, "u2", domain.MarginLiquidating); err != nil {
		t.Fatal(err)
	}
	_, _, err = fx.eng.PlaceOrder(fx.ctx, limitOrder("u2", "ins-1", domain.SideBuy, 1, 100))
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("liquidating: got %v", err)
	}
}

func TestCancelRefundsReserve(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	placed, _ := fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 10, 100))
	if got := fx.balance("u1"); got != 8_998 {
		t.Fatalf("reserved balance = %d, want 8998", got)
	}

	if _, err := fx.eng.CancelOrder(fx.ctx, "u2", placed.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign cancel: got %v, want ErrNotFound", err)
	}

	cancelled, err := fx.eng.CancelOrder(fx.ctx, "u1", placed.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("refunded balance = %d, want 10000", got)
	}
	if rev, _ := fx.led.PlatformRevenue(fx.ctx); rev != 0 {
		t.Fatalf("platform revenue = %d, want 0", rev)
	}
	if fx.storedOrder(placed.ID).ReservedFunds != 0 {
		t.Fatal("reserved funds not cleared on the row")
	}

	if _, err := fx.eng.CancelOrder(fx.ctx, "u1", placed.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double cancel: got %v, want ErrNotFound", err)
	}
}

func TestCancelAllOrders(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"), equity("ins-2", "BETA"))
	fx.user("u1", 10_000)

	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 90))
	fx.place(limitOrder("u1", "ins-1", domain.SideSell, 5, 120))
	stop := &domain.Order{
		UserID: "u1", InstrumentID: "ins-2", Side: domain.SideBuy,
		Type: domain.OrderTypeStop, Quantity: decimal.NewFromInt(5),
		StopPrice: decimal.NewFromInt(80),
	}
	fx.place(stop)

	n, err := fx.eng.CancelAllOrders(fx.ctx, "u1")
	if err != nil || n != 3 {
		t.Fatalf("CancelAllOrders = %d, %v; want 3", n, err)
	}
	if fx.eng.UserOrderCount("u1") != 0 {
		t.Fatal("orders still indexed")
	}
	if got := fx.balance("u1"); got != 10_000 {
		t.Fatalf("balance = %d, want full refund", got)
	}
	open, _ := fx.repos.Orders.ListOpenByUser(fx.ctx, "u1")
	if len(open) != 0 {
		t.Fatalf("repo still has %d open orders", len(open))
	}
}

func TestLeveragedRoundTripThroughPlatform(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)
	fx.user("u4", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 10, 100))

	open := marketOrder("u1", "ins-1", domain.SideBuy, 10)
	open.Leverage = 5
	_, trades := fx.place(open)
	if len(trades) != 1 {
		t.Fatalf("open produced %d trades", len(trades))
	}

	// Leveraged buyer pays the 2 taker fee plus 200 margin; the cash
	// seller's 999 payout rides the platform account.
	if got := fx.balance("u1"); got != 9_798 {
		t.Fatalf("buyer balance = %d, want 9798", got)
	}
	if got := fx.balance("u2"); got != 10_999 {
		t.Fatalf("seller balance = %d, want 10999", got)
	}
	pos, ok := fx.keeper.Position("u1", "ins-1")
	if !ok || pos.Side != domain.PositionLong || pos.MarginUsed != 200 {
		t.Fatalf("position = %+v, %v", pos, ok)
	}

	fx.place(limitOrder("u4", "ins-1", domain.SideBuy, 10, 100))
	if err := fx.eng.ClosePosition(fx.ctx, pos); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := fx.keeper.Position("u1", "ins-1"); ok {
		t.Fatal("position survived close")
	}
	// Flat close at entry: margin returns minus the close-side taker fee.
	if got := fx.balance("u1"); got != 9_996 {
		t.Fatalf("buyer after close = %d, want 9996", got)
	}
	total, _ := fx.led.TotalBalance(fx.ctx)
	rev, _ := fx.led.PlatformRevenue(fx.ctx)
	if total+rev != 30_000 || rev != 6 {
		t.Fatalf("conservation broken: users %d, platform %d", total, rev)
	}
}

func TestClosePositionNeedsLiquidity(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.user("u2", 10_000)

	fx.place(limitOrder("u2", "ins-1", domain.SideSell, 10, 100))
	open := marketOrder("u1", "ins-1", domain.SideBuy, 10)
	open.Leverage = 5
	fx.place(open)

	pos, _ := fx.keeper.Position("u1", "ins-1")
	if err := fx.eng.ClosePosition(fx.ctx, pos); err == nil {
		t.Fatal("close against empty book must fail")
	}
	if _, ok := fx.keeper.Position("u1", "ins-1"); !ok {
		t.Fatal("position must survive a failed close")
	}
}

func TestExposureCaps(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 1_000)

	// Position cap: 200% of equity.
	over := limitOrder("u1", "ins-1", domain.SideBuy, 21, 100)
	over.Leverage = 5
	if _, _, err := fx.eng.PlaceOrder(fx.ctx, over); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("position cap: got %v, want ErrValidation", err)
	}

	// Instrument cap counts working orders: two 1600 orders breach 300%.
	first := limitOrder("u1", "ins-1", domain.SideBuy, 16, 100)
	first.Leverage = 5
	fx.place(first)
	second := limitOrder("u1", "ins-1", domain.SideBuy, 16, 100)
	second.Leverage = 5
	if _, _, err := fx.eng.PlaceOrder(fx.ctx, second); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("instrument cap: got %v, want ErrValidation", err)
	}
}

func TestReserveFailsOnInsufficientFunds(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 500)

	o := limitOrder("u1", "ins-1", domain.SideBuy, 10, 100)
	placed, _, err := fx.eng.PlaceOrder(fx.ctx, o)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if placed != nil {
		t.Fatal("failed placement returned an order")
	}
	if _, err := fx.repos.Orders.GetByID(fx.ctx, o.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("unfunded order was persisted")
	}
	if got := fx.balance("u1"); got != 500 {
		t.Fatalf("balance = %d, want untouched 500", got)
	}
}

func TestDepthPublishedOnlyToSubscribers(t *testing.T) {
	fx := newEngineFixture(t, equity("ins-1", "ACME"))
	fx.user("u1", 10_000)
	fx.hub.subs["depth:ins-1:5"] = 1

	fx.place(limitOrder("u1", "ins-1", domain.SideBuy, 5, 90))

	if fx.hub.count("depth:ins-1:5/") == 0 {
		t.Fatal("subscribed depth channel got nothing")
	}
	if fx.hub.count("depth:ins-1:10/") != 0 || fx.hub.count("depth:ins-1:20/") != 0 {
		t.Fatal("unsubscribed depth levels were published")
	}
}
