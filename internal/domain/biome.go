package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Biome names one of the seven fixed share markets.
type Biome string

const (
	BiomeOcean    Biome = "ocean"
	BiomeBeach    Biome = "beach"
	BiomePlains   Biome = "plains"
	BiomeForest   Biome = "forest"
	BiomeDesert   Biome = "desert"
	BiomeMountain Biome = "mountain"
	BiomeSnow     Biome = "snow"
)

// Biomes returns the fixed market set in canonical order.
func Biomes() []Biome {
	return []Biome{BiomeOcean, BiomeBeach, BiomePlains, BiomeForest, BiomeDesert, BiomeMountain, BiomeSnow}
}

// ValidBiome reports whether b is one of the seven markets.
func ValidBiome(b Biome) bool {
	switch b {
	case BiomeOcean, BiomeBeach, BiomePlains, BiomeForest, BiomeDesert, BiomeMountain, BiomeSnow:
		return true
	}
	return false
}

// BiomeMarket is the live state of one biome share market. Cash is BDT
// minor units; share price is always Cash ÷ TotalShares. Invariants:
// Cash >= 0, TotalShares > 0.
type BiomeMarket struct {
	Biome              Biome     `json:"biome" db:"biome"`
	Cash               int64     `json:"cash_bdt" db:"cash_bdt"`
	TotalShares        int64     `json:"total_shares" db:"total_shares"`
	Attention          float64   `json:"attention_score" db:"attention_score"`
	LastRedistribution time.Time `json:"last_redistribution" db:"last_redistribution"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Price derives the current share price in BDT minor units.
func (m BiomeMarket) Price() decimal.Decimal {
	if m.TotalShares <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.Cash).Div(decimal.NewFromInt(m.TotalShares))
}

// Holding is one user's stake in one biome. At most one holding exists per
// (user, biome); Shares >= 0 and Shares == 0 implies Invested == 0.
type Holding struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Biome     Biome           `json:"biome" db:"biome"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Invested  int64           `json:"invested_bdt" db:"invested_bdt"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AvgPrice is the volume-weighted entry price, Invested ÷ Shares.
func (h Holding) AvgPrice() decimal.Decimal {
	if h.Shares.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(h.Invested).Div(h.Shares)
}

// Attention is the per-(user, biome) score accumulated since the last
// redistribution; every cycle resets it to zero.
type Attention struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Biome        Biome     `json:"biome" db:"biome"`
	Score        float64   `json:"score" db:"score"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
}

// PricePoint is one appended price-history record per biome per
// redistribution cycle.
type PricePoint struct {
	Biome     Biome           `json:"biome" db:"biome"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cash      int64           `json:"cash_bdt" db:"cash_bdt"`
	Attention float64         `json:"attention" db:"attention"`
	At        time.Time       `json:"at" db:"at"`
}
