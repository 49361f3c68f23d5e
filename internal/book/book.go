// Package book implements a price-time priority limit order book for one
// instrument. A Book is owned by its matching engine and accessed only
// under the engine's instrument lock; it does no locking of its own.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

// Entry is one resting order plus the quantity it currently displays.
// For plain orders Display tracks Remaining; for icebergs Display is the
// visible slice and the rest of Remaining stays hidden until a refill.
type Entry struct {
	Order   *domain.Order
	Display decimal.Decimal
}

// Hidden is the resting quantity not currently displayed.
func (e *Entry) Hidden() decimal.Decimal {
	return e.Order.Remaining.Sub(e.Display)
}

// level is all resting orders at one price, FIFO.
type level struct {
	price   decimal.Decimal
	entries []*Entry
}

func (l *level) visible() decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.entries {
		total = total.Add(e.Display)
	}
	return total
}

// Level is one row of a depth snapshot. Quantity is displayed quantity
// only; iceberg reserves are not advertised.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a bounded snapshot of both sides of the book.
type Depth struct {
	InstrumentID string  `json:"instrument_id"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

// Book holds the resting orders of one instrument. Bids are kept sorted
// best (highest) first, asks best (lowest) first; within a level, strict
// arrival order.
type Book struct {
	instrumentID string
	bids         []*level
	asks         []*level
	index        map[string]*Entry
}

// New creates an empty book.
func New(instrumentID string) *Book {
	return &Book{
		instrumentID: instrumentID,
		index:        make(map[string]*Entry),
	}
}

// InstrumentID returns the instrument this book belongs to.
func (b *Book) InstrumentID() string { return b.instrumentID }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// sideLevels returns the level slice for the given resting side.
func (b *Book) sideLevels(side domain.Side) *[]*level {
	if side == domain.SideBuy {
		return &b.bids
	}
	return &b.asks
}

// levelIndex finds the insertion point for price on the given side. Bids
// sort descending, asks ascending; equal prices share a level.
func levelIndex(levels []*level, side domain.Side, price decimal.Decimal) (int, bool) {
	i := sort.Search(len(levels), func(i int) bool {
		if side == domain.SideBuy {
			return levels[i].price.LessThanOrEqual(price)
		}
		return levels[i].price.GreaterThanOrEqual(price)
	})
	if i < len(levels) && levels[i].price.Equal(price) {
		return i, true
	}
	return i, false
}

// Add rests an order. Iceberg orders start displaying at most their peak;
// everything else displays its full remaining quantity. Orders with the
// same id as an existing entry are rejected.
func (b *Book) Add(o *domain.Order) bool {
	if _, exists := b.index[o.ID]; exists {
		return false
	}

	display := o.Remaining
	if o.Type == domain.OrderTypeIceberg && o.IcebergVisible.IsPositive() && o.IcebergVisible.LessThan(display) {
		display = o.IcebergVisible
	}
	e := &Entry{Order: o, Display: display}

	levels := b.sideLevels(o.Side)
	i, found := levelIndex(*levels, o.Side, o.Price)
	if found {
		(*levels)[i].entries = append((*levels)[i].entries, e)
	} else {
		lv := &level{price: o.Price, entries: []*Entry{e}}
		*levels = append(*levels, nil)
		copy((*levels)[i+1:], (*levels)[i:])
		(*levels)[i] = lv
	}
	b.index[o.ID] = e
	return true
}

// Get returns the resting order with the given id, or nil.
func (b *Book) Get(orderID string) *domain.Order {
	if e, ok := b.index[orderID]; ok {
		return e.Order
	}
	return nil
}

// Remove takes an order out of the book and returns it, or nil if it is
// not resting.
func (b *Book) Remove(orderID string) *domain.Order {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)

	levels := b.sideLevels(e.Order.Side)
	i, found := levelIndex(*levels, e.Order.Side, e.Order.Price)
	if !found {
		return e.Order
	}
	lv := (*levels)[i]
	for j, cand := range lv.entries {
		if cand == e {
			lv.entries = append(lv.entries[:j], lv.entries[j+1:]...)
			break
		}
	}
	if len(lv.entries) == 0 {
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
	}
	return e.Order
}

// Best returns the first entry of the best level on the given side, or
// nil when that side is empty. The matching engine consumes entries via
// Fill, so repeated calls walk the side in price-time order.
func (b *Book) Best(side domain.Side) *Entry {
	levels := *b.sideLevels(side)
	if len(levels) == 0 {
		return nil
	}
	return levels[0].entries[0]
}

// BestBid returns the highest displayed buy price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if len(b.bids) == 0 {
		return decimal.Zero, false
	}
	return b.bids[0].price, true
}

// BestAsk returns the lowest displayed sell price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.asks) == 0 {
		return decimal.Zero, false
	}
	return b.asks[0].price, true
}

// Fill consumes qty from a resting entry. Fully consumed orders leave the
// book. An iceberg whose displayed slice is exhausted but still has
// hidden reserve refills up to its peak and moves to the tail of its
// price level, giving up time priority there. Returns true when a refill
// happened.
func (b *Book) Fill(e *Entry, qty decimal.Decimal) bool {
	e.Display = e.Display.Sub(qty)
	e.Order.Remaining = e.Order.Remaining.Sub(qty)

	if !e.Order.Remaining.IsPositive() {
		b.Remove(e.Order.ID)
		return false
	}
	if e.Display.IsPositive() {
		return false
	}

	// Refill the visible slice from hidden reserve.
	refill := e.Order.IcebergVisible
	if refill.GreaterThan(e.Order.Remaining) {
		refill = e.Order.Remaining
	}
	e.Display = refill

	levels := b.sideLevels(e.Order.Side)
	i, found := levelIndex(*levels, e.Order.Side, e.Order.Price)
	if found {
		lv := (*levels)[i]
		for j, cand := range lv.entries {
			if cand == e {
				lv.entries = append(lv.entries[:j], lv.entries[j+1:]...)
				break
			}
		}
		lv.entries = append(lv.entries, e)
	}
	return true
}

// Available sums resting quantity on side that a taker limited to price
// could execute against, hidden iceberg reserve included. A zero price
// means no limit (market order). Used for fill-or-kill liquidity checks.
func (b *Book) Available(side domain.Side, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lv := range *b.sideLevels(side) {
		if !price.IsZero() {
			if side == domain.SideSell && lv.price.GreaterThan(price) {
				break
			}
			if side == domain.SideBuy && lv.price.LessThan(price) {
				break
			}
		}
		for _, e := range lv.entries {
			total = total.Add(e.Order.Remaining)
		}
	}
	return total
}

// Cost walks the resting side the same way Available does and returns
// the notional of filling up to qty at those prices, plus the quantity
// actually coverable. Hidden iceberg reserve fills at its level price.
// A zero price means no limit.
func (b *Book) Cost(side domain.Side, qty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	cost := decimal.Zero
	filled := decimal.Zero
	for _, lv := range *b.sideLevels(side) {
		if !price.IsZero() {
			if side == domain.SideSell && lv.price.GreaterThan(price) {
				break
			}
			if side == domain.SideBuy && lv.price.LessThan(price) {
				break
			}
		}
		for _, e := range lv.entries {
			need := qty.Sub(filled)
			if !need.IsPositive() {
				return cost, filled
			}
			take := decimal.Min(need, e.Order.Remaining)
			cost = cost.Add(lv.price.Mul(take))
			filled = filled.Add(take)
		}
	}
	return cost, filled
}

// Depth returns up to n displayed levels per side.
func (b *Book) Depth(n int) Depth {
	d := Depth{InstrumentID: b.instrumentID}
	for i, lv := range b.bids {
		if i >= n {
			break
		}
		d.Bids = append(d.Bids, Level{Price: lv.price, Quantity: lv.visible(), Orders: len(lv.entries)})
	}
	for i, lv := range b.asks {
		if i >= n {
			break
		}
		d.Asks = append(d.Asks, Level{Price: lv.price, Quantity: lv.visible(), Orders: len(lv.entries)})
	}
	return d
}

// Orders returns every resting order, bids first, in book order. The
// slice is fresh but the pointers are live book state.
func (b *Book) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.index))
	for _, lv := range b.bids {
		for _, e := range lv.entries {
			out = append(out, e.Order)
		}
	}
	for _, lv := range b.asks {
		for _, e := range lv.entries {
			out = append(out, e.Order)
		}
	}
	return out
}
