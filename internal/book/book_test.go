package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

func limit(id string, side domain.Side, price, qty string) *domain.Order {
	return &domain.Order{
		ID:        id,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Remaining: decimal.RequireFromString(qty),
	}
}

func iceberg(id string, side domain.Side, price, qty, peak string) *domain.Order {
	o := limit(id, side, price, qty)
	o.Type = domain.OrderTypeIceberg
	o.IcebergVisible = decimal.RequireFromString(peak)
	return o
}

func TestBestPricesSorted(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("b1", domain.SideBuy, "99", "10"))
	b.Add(limit("b2", domain.SideBuy, "101", "10"))
	b.Add(limit("b3", domain.SideBuy, "100", "10"))
	b.Add(limit("a1", domain.SideSell, "105", "10"))
	b.Add(limit("a2", domain.SideSell, "103", "10"))
	b.Add(limit("a3", domain.SideSell, "104", "10"))

	bid, ok := b.BestBid()
	if !ok || !bid.Equal(decimal.RequireFromString("101")) {
		t.Errorf("expected best bid 101, got %s", bid)
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Equal(decimal.RequireFromString("103")) {
		t.Errorf("expected best ask 103, got %s", ask)
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("first", domain.SideSell, "100", "5"))
	b.Add(limit("second", domain.SideSell, "100", "5"))

	if e := b.Best(domain.SideSell); e.Order.ID != "first" {
		t.Errorf("expected first order at head, got %s", e.Order.ID)
	}

	b.Fill(b.Best(domain.SideSell), decimal.RequireFromString("5"))
	if e := b.Best(domain.SideSell); e.Order.ID != "second" {
		t.Errorf("expected second order after first fills, got %s", e.Order.ID)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	b := New("EQ1")
	o := limit("o1", domain.SideBuy, "100", "5")
	if !b.Add(o) {
		t.Fatal("first add should succeed")
	}
	if b.Add(o) {
		t.Error("duplicate add must be rejected")
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 order, got %d", b.Len())
	}
}

func TestRemove(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("o1", domain.SideBuy, "100", "5"))
	b.Add(limit("o2", domain.SideBuy, "100", "5"))
	b.Add(limit("o3", domain.SideBuy, "100", "5"))

	removed := b.Remove("o2")
	if removed == nil || removed.ID != "o2" {
		t.Fatalf("expected to remove o2, got %v", removed)
	}
	if b.Remove("o2") != nil {
		t.Error("second remove must return nil")
	}
	if b.Get("o2") != nil {
		t.Error("removed order must not be retrievable")
	}

	// Remaining orders keep their FIFO order.
	b.Fill(b.Best(domain.SideBuy), decimal.RequireFromString("5"))
	if e := b.Best(domain.SideBuy); e.Order.ID != "o3" {
		t.Errorf("expected o3 after o1 fills, got %s", e.Order.ID)
	}
}

func TestRemoveLastOrderDropsLevel(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("o1", domain.SideSell, "100", "5"))
	b.Add(limit("o2", domain.SideSell, "101", "5"))

	b.Remove("o1")

	ask, ok := b.BestAsk()
	if !ok || !ask.Equal(decimal.RequireFromString("101")) {
		t.Errorf("expected best ask 101 after level emptied, got %s", ask)
	}
	if d := b.Depth(10); len(d.Asks) != 1 {
		t.Errorf("expected 1 ask level, got %d", len(d.Asks))
	}
}

func TestPartialFill(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("o1", domain.SideSell, "100", "10"))

	e := b.Best(domain.SideSell)
	b.Fill(e, decimal.RequireFromString("4"))

	if !e.Order.Remaining.Equal(decimal.RequireFromString("6")) {
		t.Errorf("expected remaining 6, got %s", e.Order.Remaining)
	}
	if b.Get("o1") == nil {
		t.Error("partially filled order must stay in the book")
	}
}

func TestFullFillRemoves(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("o1", domain.SideSell, "100", "10"))

	b.Fill(b.Best(domain.SideSell), decimal.RequireFromString("10"))

	if b.Len() != 0 {
		t.Errorf("expected empty book, got %d orders", b.Len())
	}
	if _, ok := b.BestAsk(); ok {
		t.Error("ask side should be empty")
	}
}

func TestIcebergDisplaysPeakOnly(t *testing.T) {
	b := New("EQ1")
	b.Add(iceberg("ice", domain.SideSell, "100", "100", "10"))

	e := b.Best(domain.SideSell)
	if !e.Display.Equal(decimal.RequireFromString("10")) {
		t.Errorf("expected display 10, got %s", e.Display)
	}
	if !e.Hidden().Equal(decimal.RequireFromString("90")) {
		t.Errorf("expected hidden 90, got %s", e.Hidden())
	}

	d := b.Depth(1)
	if !d.Asks[0].Quantity.Equal(decimal.RequireFromString("10")) {
		t.Errorf("depth must show only displayed quantity, got %s", d.Asks[0].Quantity)
	}
}

func TestIcebergRefillMovesToTail(t *testing.T) {
	b := New("EQ1")
	b.Add(iceberg("ice", domain.SideSell, "100", "30", "10"))
	b.Add(limit("plain", domain.SideSell, "100", "5"))

	// Consume the iceberg's visible slice; it refills behind "plain".
	e := b.Best(domain.SideSell)
	if e.Order.ID != "ice" {
		t.Fatalf("iceberg arrived first, got %s", e.Order.ID)
	}
	refilled := b.Fill(e, decimal.RequireFromString("10"))
	if !refilled {
		t.Fatal("exhausting the visible slice should refill")
	}

	if next := b.Best(domain.SideSell); next.Order.ID != "plain" {
		t.Errorf("refilled iceberg must yield priority, head is %s", next.Order.ID)
	}
	if !e.Display.Equal(decimal.RequireFromString("10")) {
		t.Errorf("expected refreshed display 10, got %s", e.Display)
	}
	if !e.Order.Remaining.Equal(decimal.RequireFromString("20")) {
		t.Errorf("expected remaining 20, got %s", e.Order.Remaining)
	}
}

func TestIcebergFinalSliceBelowPeak(t *testing.T) {
	b := New("EQ1")
	b.Add(iceberg("ice", domain.SideSell, "100", "13", "10"))

	e := b.Best(domain.SideSell)
	b.Fill(e, decimal.RequireFromString("10"))

	if !e.Display.Equal(decimal.RequireFromString("3")) {
		t.Errorf("final refill should display the leftover 3, got %s", e.Display)
	}

	b.Fill(e, decimal.RequireFromString("3"))
	if b.Len() != 0 {
		t.Error("iceberg should leave the book once fully consumed")
	}
}

func TestAvailableHonorsPriceLimit(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("a1", domain.SideSell, "100", "5"))
	b.Add(limit("a2", domain.SideSell, "101", "5"))
	b.Add(limit("a3", domain.SideSell, "102", "5"))

	// A buyer limited to 101 can reach the first two levels.
	got := b.Available(domain.SideSell, decimal.RequireFromString("101"))
	if !got.Equal(decimal.RequireFromString("10")) {
		t.Errorf("expected 10 available up to 101, got %s", got)
	}

	// No limit reaches everything.
	got = b.Available(domain.SideSell, decimal.Zero)
	if !got.Equal(decimal.RequireFromString("15")) {
		t.Errorf("expected 15 available unlimited, got %s", got)
	}
}

func TestAvailableCountsHiddenReserve(t *testing.T) {
	b := New("EQ1")
	b.Add(iceberg("ice", domain.SideSell, "100", "100", "10"))

	got := b.Available(domain.SideSell, decimal.RequireFromString("100"))
	if !got.Equal(decimal.RequireFromString("100")) {
		t.Errorf("fill-or-kill availability must include hidden reserve, got %s", got)
	}
}

func TestAvailableBidSide(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("b1", domain.SideBuy, "100", "5"))
	b.Add(limit("b2", domain.SideBuy, "99", "5"))

	// A seller limited to 100 only reaches the 100 bid.
	got := b.Available(domain.SideBuy, decimal.RequireFromString("100"))
	if !got.Equal(decimal.RequireFromString("5")) {
		t.Errorf("expected 5 available at 100+, got %s", got)
	}
}

func TestCostWalksLevels(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("a1", domain.SideSell, "100", "5"))
	b.Add(limit("a2", domain.SideSell, "103", "5"))

	cost, filled := b.Cost(domain.SideSell, decimal.RequireFromString("8"), decimal.Zero)
	if !cost.Equal(decimal.RequireFromString("809")) {
		t.Errorf("expected cost 809 for 5@100 + 3@103, got %s", cost)
	}
	if !filled.Equal(decimal.RequireFromString("8")) {
		t.Errorf("expected 8 coverable, got %s", filled)
	}
}

func TestCostStopsAtPriceLimit(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("a1", domain.SideSell, "100", "5"))
	b.Add(limit("a2", domain.SideSell, "103", "5"))

	cost, filled := b.Cost(domain.SideSell, decimal.RequireFromString("8"), decimal.RequireFromString("100"))
	if !cost.Equal(decimal.RequireFromString("500")) || !filled.Equal(decimal.RequireFromString("5")) {
		t.Errorf("expected 500/5 within limit 100, got %s/%s", cost, filled)
	}
}

func TestCostCountsHiddenReserve(t *testing.T) {
	b := New("EQ1")
	b.Add(iceberg("a1", domain.SideSell, "100", "10", "2"))

	cost, filled := b.Cost(domain.SideSell, decimal.RequireFromString("10"), decimal.Zero)
	if !cost.Equal(decimal.RequireFromString("1000")) || !filled.Equal(decimal.RequireFromString("10")) {
		t.Errorf("hidden reserve should price at its level: got %s/%s", cost, filled)
	}
}

func TestCostShortBook(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("a1", domain.SideSell, "100", "3"))

	cost, filled := b.Cost(domain.SideSell, decimal.RequireFromString("10"), decimal.Zero)
	if !cost.Equal(decimal.RequireFromString("300")) || !filled.Equal(decimal.RequireFromString("3")) {
		t.Errorf("expected partial coverage 300/3, got %s/%s", cost, filled)
	}
}

func TestDepthAggregatesAndCaps(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("b1", domain.SideBuy, "100", "5"))
	b.Add(limit("b2", domain.SideBuy, "100", "7"))
	b.Add(limit("b3", domain.SideBuy, "99", "3"))
	b.Add(limit("b4", domain.SideBuy, "98", "3"))

	d := b.Depth(2)
	if len(d.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(d.Bids))
	}
	if !d.Bids[0].Quantity.Equal(decimal.RequireFromString("12")) || d.Bids[0].Orders != 2 {
		t.Errorf("top level should aggregate 12 across 2 orders, got %s/%d",
			d.Bids[0].Quantity, d.Bids[0].Orders)
	}
	if !d.Bids[1].Price.Equal(decimal.RequireFromString("99")) {
		t.Errorf("second level should be 99, got %s", d.Bids[1].Price)
	}
}

func TestOrdersSnapshot(t *testing.T) {
	b := New("EQ1")
	b.Add(limit("b1", domain.SideBuy, "100", "5"))
	b.Add(limit("a1", domain.SideSell, "101", "5"))

	all := b.Orders()
	if len(all) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(all))
	}
	if all[0].Side != domain.SideBuy || all[1].Side != domain.SideSell {
		t.Error("snapshot should list bids before asks")
	}
}
