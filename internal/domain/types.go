package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType covers the placement semantics of an order. IOC and FOK are
// expressed through TimeInForce on a limit/market order; OCO through
// OCOGroupID.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
	OrderTypeIceberg      OrderType = "iceberg"
)

// TimeInForce controls how long an order stays eligible.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus transitions are monotonic: pending→partial→filled, or
// →cancelled from any non-terminal state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// AssetClass of an instrument.
type AssetClass string

const (
	AssetEquity     AssetClass = "equity"
	AssetForex      AssetClass = "forex"
	AssetCommodity  AssetClass = "commodity"
	AssetIndex      AssetClass = "index"
	AssetCrypto     AssetClass = "crypto"
	AssetDerivative AssetClass = "derivative"
)

// InstrumentStatus gates whether new orders are accepted on an instrument.
type InstrumentStatus string

const (
	InstrumentActive InstrumentStatus = "active"
	InstrumentHalted InstrumentStatus = "halted"
	InstrumentClosed InstrumentStatus = "closed"
)

// Instrument is a tradable listing. All prices on it are exact multiples of
// TickSize and all quantities exact multiples of LotSize.
type Instrument struct {
	ID           string           `json:"id" db:"id"`
	Symbol       string           `json:"symbol" db:"symbol"`
	Name         string           `json:"name" db:"name"`
	AssetClass   AssetClass       `json:"asset_class" db:"asset_class"`
	TickSize     decimal.Decimal  `json:"tick_size" db:"tick_size"`
	LotSize      decimal.Decimal  `json:"lot_size" db:"lot_size"`
	MaxLeverage  int              `json:"max_leverage" db:"max_leverage"`
	MarginOK     bool             `json:"margin_allowed" db:"margin_allowed"`
	ShortOK      bool             `json:"short_allowed" db:"short_allowed"`
	Status       InstrumentStatus `json:"status" db:"status"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Order is the resting/transient record owned by the matching engine. Money
// fields are BDT minor units; Price and Quantity are decimals so tick/lot
// alignment is exact.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	InstrumentID   string          `json:"instrument_id" db:"instrument_id"`
	Side           Side            `json:"side" db:"side"`
	Type           OrderType       `json:"order_type" db:"order_type"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Remaining      decimal.Decimal `json:"remaining" db:"remaining"`
	Price          decimal.Decimal `json:"price" db:"price"`
	StopPrice      decimal.Decimal `json:"stop_price" db:"stop_price"`
	TrailingOffset decimal.Decimal `json:"trailing_offset" db:"trailing_offset"`
	IcebergVisible decimal.Decimal `json:"iceberg_visible" db:"iceberg_visible"`
	OCOGroupID     string          `json:"oco_group_id,omitempty" db:"oco_group_id"`
	TimeInForce    TimeInForce     `json:"time_in_force" db:"time_in_force"`
	Leverage       int             `json:"leverage" db:"leverage"`
	Status         OrderStatus     `json:"status" db:"status"`
	ClientOrderID  string          `json:"client_order_id,omitempty" db:"client_order_id"`
	ReservedFunds  int64           `json:"-" db:"reserved_funds"`
	LastSequence   int64           `json:"-" db:"last_sequence"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Filled is the executed portion.
func (o *Order) Filled() decimal.Decimal { return o.Quantity.Sub(o.Remaining) }

// Leveraged reports whether the order opens margin exposure rather than
// settling cash per trade.
func (o *Order) Leveraged() bool { return o.Leverage > 1 }

// Trade is immutable once written. Sequence is scoped to the instrument and
// strictly increasing.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	BuyOrderID   string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	SellerID     string          `json:"seller_id" db:"seller_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	TakerSide    Side            `json:"taker_side" db:"taker_side"`
	Sequence     int64           `json:"sequence" db:"sequence"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional is price × quantity in BDT minor units, banker's-rounded.
func (t Trade) Notional() int64 { return MoneyFromDecimal(t.Price.Mul(t.Quantity)) }

// MarketState is the venue-wide trading switch.
type MarketState string

const (
	MarketOpen   MarketState = "open"
	MarketHalted MarketState = "halted"
	MarketClosed MarketState = "closed"
)

// MarketStatus is the singleton venue state. While halted or closed the
// matching engine rejects new orders but keeps reporting book state.
type MarketStatus struct {
	State     MarketState `json:"state" db:"state"`
	Reason    string      `json:"reason,omitempty" db:"reason"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// PositionSide of an open leveraged position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is the netted per-(user, instrument) leveraged exposure.
type Position struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         PositionSide    `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage     int             `json:"leverage" db:"leverage"`
	MarginUsed   int64           `json:"margin_used" db:"margin_used"`
	SwapAccrued  int64           `json:"swap_accrued" db:"swap_accrued"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// UnrealizedPnL at the given mark price, in BDT minor units.
func (p Position) UnrealizedPnL(mark decimal.Decimal) int64 {
	var diff decimal.Decimal
	if p.Side == PositionLong {
		diff = mark.Sub(p.EntryPrice)
	} else {
		diff = p.EntryPrice.Sub(mark)
	}
	return MoneyFromDecimal(diff.Mul(p.Quantity)) - p.SwapAccrued
}

// MarginState of an account as driven by the margin monitor.
type MarginState string

const (
	MarginNormal      MarginState = "NORMAL"
	MarginCall        MarginState = "MARGIN_CALL"
	MarginLiquidating MarginState = "LIQUIDATING"
)

// Role of a user account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User account. Balance is mutated only through the Ledger and is never
// negative.
type User struct {
	ID           string      `json:"id" db:"id"`
	Username     string      `json:"username" db:"username"`
	Email        string      `json:"email" db:"email"`
	PasswordHash string      `json:"-" db:"password_hash"`
	Role         Role        `json:"role" db:"role"`
	Balance      int64       `json:"balance" db:"balance"`
	MaxLeverage  int         `json:"max_leverage" db:"max_leverage"`
	MarginState  MarginState `json:"margin_state" db:"margin_state"`
	FailedLogins int         `json:"-" db:"failed_logins"`
	LockedUntil  *time.Time  `json:"-" db:"locked_until"`
	Suspended    bool        `json:"suspended" db:"suspended"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}
