package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType tags every row in the unified transaction ledger.
type TxType string

const (
	TxTopup            TxType = "TOPUP"
	TxMarketplaceBuy   TxType = "MARKETPLACE_BUY_NOW"
	TxMarketplaceBid   TxType = "MARKETPLACE_AUCTION"
	TxMarketplaceFixed TxType = "MARKETPLACE_FIXED_PRICE"
	TxMarketplaceXfer  TxType = "MARKETPLACE_TRANSFER"
	TxBiomeBuy         TxType = "BIOME_BUY"
	TxBiomeSell        TxType = "BIOME_SELL"
	TxTradeSettlement  TxType = "TRADE_SETTLEMENT"
	TxOrderReserve     TxType = "ORDER_RESERVE"
	TxOrderRefund      TxType = "ORDER_REFUND"
	TxRealizedPnL      TxType = "REALIZED_PNL"
	TxLiquidation      TxType = "LIQUIDATION"
	TxMarginCall       TxType = "MARGIN_CALL"
)

// TxSource is the projection used by v_unified_transactions.
type TxSource string

const (
	SourceBiome       TxSource = "biome"
	SourceMarketplace TxSource = "marketplace"
	SourceWallet      TxSource = "wallet"
	SourceUnknown     TxSource = "unknown"
)

// Source maps a transaction type onto its unified view bucket.
func (t TxType) Source() TxSource {
	switch t {
	case TxBiomeBuy, TxBiomeSell:
		return SourceBiome
	case TxMarketplaceBuy, TxMarketplaceBid, TxMarketplaceFixed, TxMarketplaceXfer:
		return SourceMarketplace
	case TxTopup:
		return SourceWallet
	}
	return SourceUnknown
}

// TxStatus of a ledger row. Once completed, the row is immutable.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxRefunded  TxStatus = "refunded"
)

// Transaction is one immutable append-only row in the unified ledger.
// Biome rows additionally carry the biome, share count, and price per
// share at execution; the columns are NULL elsewhere.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	Type          TxType          `json:"transaction_type" db:"transaction_type"`
	Status        TxStatus        `json:"status" db:"status"`
	BuyerID       string          `json:"buyer_id" db:"buyer_id"`
	SellerID      string          `json:"seller_id,omitempty" db:"seller_id"`
	InstrumentID  string          `json:"instrument_id,omitempty" db:"instrument_id"`
	ListingID     string          `json:"listing_id,omitempty" db:"listing_id"`
	Amount        int64           `json:"amount_bdt" db:"amount_bdt"`
	PlatformFee   int64           `json:"platform_fee_bdt" db:"platform_fee_bdt"`
	GatewayFee    int64           `json:"gateway_fee_bdt" db:"gateway_fee_bdt"`
	Gateway       string          `json:"gateway,omitempty" db:"gateway"`
	GatewayRef    string          `json:"gateway_ref,omitempty" db:"gateway_ref"`
	Biome         Biome           `json:"biome,omitempty" db:"biome"`
	Shares        decimal.Decimal `json:"shares,omitempty" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share_bdt,omitempty" db:"price_per_share_bdt"`
	Note          string          `json:"note,omitempty" db:"note"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
