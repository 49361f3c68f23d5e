package persistence

import (
	"context"
	"time"

	"github.com/biomex/biomex/internal/domain"
)

// TimeRange represents a time window for data queries. A zero From or To
// leaves that bound open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// OrderFilter narrows order listings. Zero values match everything.
type OrderFilter struct {
	InstrumentID string
	Status       domain.OrderStatus
	Limit        int
	Offset       int
}

// TxFilter narrows transaction listings. Zero values match everything.
type TxFilter struct {
	Source domain.TxSource
	Type   domain.TxType
	Status domain.TxStatus
	Limit  int
	Offset int
}

// AuditFilter narrows audit log listings.
type AuditFilter struct {
	ActorID string
	Entity  string
	Limit   int
	Offset  int
}

// UsersRepo provides account persistence. Balance mutations never go
// through this repo; they belong to the ledger.
type UsersRepo interface {
	// Create inserts a new account
	Create(ctx context.Context, u *domain.User) error

	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByUsername retrieves an account by username (exact match)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)

	// GetByEmail retrieves an account by email (exact match)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// Update persists profile, role, leverage and margin-state fields
	Update(ctx context.Context, u *domain.User) error

	// RecordLoginFailure stores the failure counter and optional lock expiry
	RecordLoginFailure(ctx context.Context, id string, failed int, lockedUntil *time.Time) error

	// ResetLoginFailures clears the failure counter after a successful login
	ResetLoginFailures(ctx context.Context, id string) error

	// SetSuspended toggles the account suspension flag
	SetSuspended(ctx context.Context, id string, suspended bool) error

	// SetMarginState records the margin monitor's verdict on the account
	SetMarginState(ctx context.Context, id string, state domain.MarginState) error

	// List returns accounts in creation order for admin views
	List(ctx context.Context, limit, offset int) ([]domain.User, error)

	// Count returns the total number of accounts
	Count(ctx context.Context) (int64, error)
}

// InstrumentsRepo provides listing persistence.
type InstrumentsRepo interface {
	// Create inserts a new listing
	Create(ctx context.Context, ins *domain.Instrument) error

	// Update persists listing attributes
	Update(ctx context.Context, ins *domain.Instrument) error

	// GetByID retrieves a listing by ID
	GetByID(ctx context.Context, id string) (*domain.Instrument, error)

	// GetBySymbol retrieves a listing by symbol (exact match)
	GetBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error)

	// List returns listings, optionally filtered by asset class and status
	List(ctx context.Context, class domain.AssetClass, status domain.InstrumentStatus) ([]domain.Instrument, error)

	// SetStatus flips the trading status of a listing
	SetStatus(ctx context.Context, id string, status domain.InstrumentStatus) error
}

// OrdersRepo provides order persistence. The matching engine owns order
// state in memory; this repo is the write-behind record used for recovery
// and history.
type OrdersRepo interface {
	// Insert adds a new order record
	Insert(ctx context.Context, o *domain.Order) error

	// Update persists status, remaining quantity and reserved funds
	Update(ctx context.Context, o *domain.Order) error

	// GetByID retrieves an order by ID
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// GetByClientOrderID finds a user's order by its idempotency key
	GetByClientOrderID(ctx context.Context, userID, clientOrderID string) (*domain.Order, error)

	// ListOpen returns every non-terminal order, oldest first, for replay
	ListOpen(ctx context.Context) ([]domain.Order, error)

	// ListOpenByUser returns a user's non-terminal orders
	ListOpenByUser(ctx context.Context, userID string) ([]domain.Order, error)

	// ListByUser returns a user's orders, newest first
	ListByUser(ctx context.Context, userID string, f OrderFilter) ([]domain.Order, error)
}

// TradesRepo provides execution persistence.
type TradesRepo interface {
	// Insert adds a single execution record
	Insert(ctx context.Context, t *domain.Trade) error

	// InsertBatch adds the executions of one match cycle atomically
	InsertBatch(ctx context.Context, trades []domain.Trade) error

	// ListByInstrument returns recent executions, newest first
	ListByInstrument(ctx context.Context, instrumentID string, limit int) ([]domain.Trade, error)

	// ListByUser returns executions where the user was buyer or seller
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Trade, error)

	// ListRange returns executions in a window, oldest first, for candle backfill
	ListRange(ctx context.Context, instrumentID string, tr TimeRange) ([]domain.Trade, error)

	// LastSequence returns the highest sequence written for an instrument
	LastSequence(ctx context.Context, instrumentID string) (int64, error)

	// Count returns total executions in a window
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// PositionsRepo provides leveraged position persistence for recovery.
type PositionsRepo interface {
	// Upsert inserts or replaces the netted position (unique per user/instrument)
	Upsert(ctx context.Context, p *domain.Position) error

	// Delete removes a closed position
	Delete(ctx context.Context, userID, instrumentID string) error

	// ListByUser returns a user's open positions
	ListByUser(ctx context.Context, userID string) ([]domain.Position, error)

	// ListOpen returns every open position for replay
	ListOpen(ctx context.Context) ([]domain.Position, error)
}

// TransactionsRepo provides the unified money-movement history.
type TransactionsRepo interface {
	// Insert adds a transaction record
	Insert(ctx context.Context, tx *domain.Transaction) error

	// Update persists status, gateway reference and completion time
	Update(ctx context.Context, tx *domain.Transaction) error

	// GetByID retrieves a transaction by ID
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)

	// GetByGatewayRef finds a topup by the gateway's reference, for callbacks
	GetByGatewayRef(ctx context.Context, ref string) (*domain.Transaction, error)

	// ListByUser returns transactions where the user was buyer or seller,
	// newest first
	ListByUser(ctx context.Context, userID string, f TxFilter) ([]domain.Transaction, error)

	// List returns transactions across all users for admin views
	List(ctx context.Context, f TxFilter) ([]domain.Transaction, error)

	// SumPlatformFees totals collected platform fees in a window
	SumPlatformFees(ctx context.Context, tr TimeRange) (int64, error)
}

// BiomeRepo provides biome share market persistence.
type BiomeRepo interface {
	// UpsertMarket inserts or replaces one biome market row
	UpsertMarket(ctx context.Context, m *domain.BiomeMarket) error

	// ReplaceMarkets writes all market rows in a single transaction, used
	// by the redistribution cycle
	ReplaceMarkets(ctx context.Context, ms []domain.BiomeMarket) error

	// GetMarket retrieves one biome market row
	GetMarket(ctx context.Context, b domain.Biome) (*domain.BiomeMarket, error)

	// ListMarkets returns all biome market rows in canonical order
	ListMarkets(ctx context.Context) ([]domain.BiomeMarket, error)

	// UpsertHolding inserts or replaces a user's position in one biome
	UpsertHolding(ctx context.Context, h *domain.Holding) error

	// GetHolding retrieves a user's position in one biome
	GetHolding(ctx context.Context, userID string, b domain.Biome) (*domain.Holding, error)

	// ListHoldingsByUser returns a user's biome positions
	ListHoldingsByUser(ctx context.Context, userID string) ([]domain.Holding, error)

	// ListHolders returns the largest positions in one biome
	ListHolders(ctx context.Context, b domain.Biome, limit int) ([]domain.Holding, error)

	// UpsertAttention inserts or replaces a user's attention score for a biome
	UpsertAttention(ctx context.Context, a *domain.Attention) error

	// ListAttention returns every attention row for the redistribution cycle
	ListAttention(ctx context.Context) ([]domain.Attention, error)

	// ClearAttention deletes every attention row at the end of a cycle
	ClearAttention(ctx context.Context) error

	// InsertPricePoints appends price history samples
	InsertPricePoints(ctx context.Context, pts []domain.PricePoint) error

	// ListPriceHistory returns price samples for one biome, oldest first
	ListPriceHistory(ctx context.Context, b domain.Biome, tr TimeRange, limit int) ([]domain.PricePoint, error)
}

// CandlesRepo provides OHLCV persistence.
type CandlesRepo interface {
	// Upsert inserts or replaces one candle (unique per instrument/timeframe/open time)
	Upsert(ctx context.Context, c domain.Candle) error

	// UpsertBatch processes a flush of closed candles atomically
	UpsertBatch(ctx context.Context, cs []domain.Candle) error

	// List returns candles in a window, oldest first
	List(ctx context.Context, instrumentID string, tf domain.Timeframe, tr TimeRange, limit int) ([]domain.Candle, error)

	// Latest returns the most recent candle for an instrument and timeframe
	Latest(ctx context.Context, instrumentID string, tf domain.Timeframe) (*domain.Candle, error)
}

// CorporateActionsRepo provides corporate action persistence.
type CorporateActionsRepo interface {
	// Insert adds an action record
	Insert(ctx context.Context, a *domain.CorporateAction) error

	// ListByInstrument returns actions oldest first
	ListByInstrument(ctx context.Context, instrumentID string) ([]domain.CorporateAction, error)
}

// AuditRepo provides the append-only admin audit log.
type AuditRepo interface {
	// Insert appends an audit entry
	Insert(ctx context.Context, e *domain.AuditEntry) error

	// List returns entries newest first
	List(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error)
}

// MarketRepo persists the venue-wide trading state singleton.
type MarketRepo interface {
	// GetStatus retrieves the current venue state
	GetStatus(ctx context.Context) (*domain.MarketStatus, error)

	// SetStatus replaces the venue state
	SetStatus(ctx context.Context, s domain.MarketStatus) error
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Users            UsersRepo
	Instruments      InstrumentsRepo
	Orders           OrdersRepo
	Trades           TradesRepo
	Positions        PositionsRepo
	Transactions     TransactionsRepo
	Biome            BiomeRepo
	Candles          CandlesRepo
	CorporateActions CorporateActionsRepo
	Audit            AuditRepo
	Market           MarketRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
