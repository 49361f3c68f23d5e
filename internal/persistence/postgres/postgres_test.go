package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func newTestCandle(instrumentID string, tf domain.Timeframe, open time.Time) domain.Candle {
	price := decimal.NewFromInt(100)
	return domain.Candle{
		InstrumentID: instrumentID, Timeframe: tf, OpenTime: open,
		Open: price, High: price, Low: price, Close: price,
		Volume: decimal.NewFromInt(5), QuoteVolume: 500, VWAP: price, TradeCount: 3,
	}
}

func TestMarketStatusRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMarketRepo(db, 5*time.Second)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO market_status").
		WithArgs("halted", "flash crash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT state, reason, updated_at FROM market_status").
		WillReturnRows(sqlmock.NewRows([]string{"state", "reason", "updated_at"}).
			AddRow("halted", "flash crash", now))

	err := repo.SetStatus(context.Background(), domain.MarketStatus{
		State: domain.MarketHalted, Reason: "flash crash", UpdatedAt: now,
	})
	require.NoError(t, err)

	got, err := repo.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MarketHalted, got.State)
	assert.Equal(t, "flash crash", got.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditInsertAssignsSerialID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepo(db, 5*time.Second)

	mock.ExpectQuery("INSERT INTO audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	entry := &domain.AuditEntry{
		ActorID: "admin-1", Action: "suspend_user", Entity: "user", EntityID: "u9",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.Equal(t, int64(42), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListPassesFilter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepo(db, 5*time.Second)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM audit_log").
		WithArgs("", "user", 10, 0).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "actor_id", "action", "entity", "entity_id", "detail", "created_at"}).
			AddRow(int64(7), "admin-1", "account_locked", "user", "u1", "", now))

	entries, err := repo.List(context.Background(), persistence.AuditFilter{Entity: "user", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "account_locked", entries[0].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesLatestNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCandlesRepo(db, 5*time.Second)

	mock.ExpectQuery("FROM candles").
		WithArgs("ins-1", "1m").
		WillReturnRows(sqlmock.NewRows([]string{
			"instrument_id", "timeframe", "open_time", "open", "high", "low", "close",
			"volume", "quote_volume", "vwap", "trade_count"}))

	_, err := repo.Latest(context.Background(), "ins-1", domain.TF1m)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesUpsertBatchCommits(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCandlesRepo(db, 5*time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	open := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cs := []domain.Candle{
		newTestCandle("ins-1", domain.TF1m, open),
		newTestCandle("ins-1", domain.TF1m, open.Add(time.Minute)),
	}
	require.NoError(t, repo.UpsertBatch(context.Background(), cs))
	assert.NoError(t, mock.ExpectationsWereMet())
}
