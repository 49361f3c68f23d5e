package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

var txTestColumns = []string{
	"id", "transaction_type", "status", "buyer_id", "seller_id",
	"instrument_id", "listing_id", "amount_bdt", "platform_fee_bdt",
	"gateway_fee_bdt", "gateway", "gateway_ref", "biome",
	"shares", "price_per_share_bdt", "note", "completed_at", "created_at",
}

func TestTransactionsListFiltersOnUnifiedSource(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionsRepo(db, 5*time.Second)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM v_unified_transactions").
		WithArgs("wallet", "", "", 20, 0).
		WillReturnRows(sqlmock.NewRows(txTestColumns).
			AddRow("tx-1", "TOPUP", "completed", "u1", "", "", "", int64(10_000), int64(0),
				int64(500), "sandbox", "SBX-000001", "", "0", "0", "", now, now))

	txs, err := repo.List(context.Background(), persistence.TxFilter{
		Source: domain.SourceWallet, Limit: 20,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxTopup, txs[0].Type)
	assert.Equal(t, "SBX-000001", txs[0].GatewayRef)
	assert.Equal(t, int64(500), txs[0].GatewayFee)
	require.NotNil(t, txs[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionsListByUserMatchesEitherSide(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionsRepo(db, 5*time.Second)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM v_unified_transactions").
		WithArgs("u2", "", "", "completed", 0, 0).
		WillReturnRows(sqlmock.NewRows(txTestColumns).
			AddRow("tx-9", "BIOME_SELL", "completed", "", "u2", "", "", int64(9_900), int64(100),
				int64(0), "", "", "ocean", "100", "100", "realized pnl 0", now, now))

	txs, err := repo.ListByUser(context.Background(), "u2", persistence.TxFilter{
		Status: domain.TxCompleted,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.BiomeOcean, txs[0].Biome)
	assert.Equal(t, "u2", txs[0].SellerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionsUpdateMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &domain.Transaction{ID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionsInsertDuplicateGatewayRef(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionsRepo(db, 5*time.Second)

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_gateway_ref_key"})

	err := repo.Insert(context.Background(), &domain.Transaction{
		ID: "tx-2", Type: domain.TxTopup, Status: domain.TxPending,
		BuyerID: "u1", GatewayRef: "SBX-000001",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "gateway ref")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionsSumPlatformFeesOpenRange(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionsRepo(db, 5*time.Second)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(700)))

	sum, err := repo.SumPlatformFees(context.Background(), persistence.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(700), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}
