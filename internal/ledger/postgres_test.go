package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomex/biomex/internal/domain"
)

func newMockLedger(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "postgres")
	return NewPostgres(sqlxDB, 5*time.Second, nil), mock, func() { mockDB.Close() }
}

func TestPostgresTransferLocksRowsInOrder(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance FROM users WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).
			AddRow("alice", int64(1000)).
			AddRow("bob", int64(500)))
	// Sorted id order: alice's debit first, then bob's credit.
	mock.ExpectExec("UPDATE users SET balance = balance").
		WithArgs("alice", int64(-300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE users SET balance = balance").
		WithArgs("bob", int64(285)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE platform_account SET revenue").
		WithArgs(int64(15)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := l.Transfer(context.Background(), "alice", "bob", 300, 15)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettleInsufficientRollsBack(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance FROM users WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).
			AddRow("alice", int64(100)))
	mock.ExpectRollback()

	err := l.Settle(context.Background(), Settlement{
		Debits: []Leg{{UserID: "alice", Amount: 300}},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettleMissingUser(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance FROM users WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).
			AddRow("alice", int64(1000)))
	mock.ExpectRollback()

	err := l.Settle(context.Background(), Settlement{
		Debits:  []Leg{{UserID: "alice", Amount: 100}},
		Credits: []Leg{{UserID: "ghost", Amount: 100}},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettleWritesJournal(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance FROM users WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).
			AddRow("u1", int64(5000)))
	mock.ExpectExec("UPDATE users SET balance = balance").
		WithArgs("u1", int64(-250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE platform_account SET revenue").
		WithArgs(int64(250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := l.Settle(context.Background(), Settlement{
		Debits:   []Leg{{UserID: "u1", Amount: 250}},
		Platform: 250,
		Journal: []domain.Transaction{
			{Type: domain.TxBiomeBuy, BuyerID: "u1", Amount: 250},
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBalance(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectQuery("SELECT balance FROM users WHERE id =").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(4200)))

	balance, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4200), balance)
}

func TestPostgresBalanceUnknownUser(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectQuery("SELECT balance FROM users WHERE id =").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	_, err := l.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
