// Package memory implements every persistence repo on process-local
// maps. It backs tests and the database-less run mode; semantics mirror
// the postgres package, including sentinel errors and result ordering.
package memory

import "github.com/biomex/biomex/internal/persistence"

// NewRepository wires a full in-memory repository set.
func NewRepository() *persistence.Repository {
	return &persistence.Repository{
		Users:            NewUsersRepo(),
		Instruments:      NewInstrumentsRepo(),
		Orders:           NewOrdersRepo(),
		Trades:           NewTradesRepo(),
		Positions:        NewPositionsRepo(),
		Transactions:     NewTransactionsRepo(),
		Biome:            NewBiomeRepo(),
		Candles:          NewCandlesRepo(),
		CorporateActions: NewCorporateActionsRepo(),
		Audit:            NewAuditRepo(),
		Market:           NewMarketRepo(),
	}
}
