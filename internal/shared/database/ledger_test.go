package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewWithConn(conn), mock
}

func TestDebit_LocksRowAndWritesAttribution(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM credit_accounts WHERE caller_id = $1 FOR UPDATE`)).
		WithArgs("caller-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("5.00000000"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE credit_accounts SET balance = $1`)).
		WithArgs(sqlmock.AnyArg(), "caller-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	receipt, err := db.Debit(context.Background(), "caller-1", decimal.NewFromInt(1), models.ServiceMetadata{
		ServiceType: "llm",
		RequestID:   "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "4", receipt.BalanceAfter.String())
	assert.NotEmpty(t, receipt.TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_InsufficientBalanceRollsBack(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("caller-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.5"))
	mock.ExpectRollback()

	_, err := db.Debit(context.Background(), "caller-1", decimal.NewFromInt(1), models.ServiceMetadata{})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_SerializationFailureIsLedgerConflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, err := db.Debit(context.Background(), "caller-1", decimal.NewFromInt(1), models.ServiceMetadata{})
	assert.ErrorIs(t, err, models.ErrLedgerConflict)
}

func TestInsertAccountIfAbsent_CreatesWithStarter(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (caller_id) DO NOTHING`)).
		WithArgs("caller-1", sqlmock.AnyArg(), "free").
		WillReturnRows(sqlmock.NewRows([]string{"caller_id"}).AddRow("caller-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := db.InsertAccountIfAbsent(context.Background(), "caller-1", models.TierFree, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAccountIfAbsent_ExistingAccountGrantsNothing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (caller_id) DO NOTHING`)).
		WillReturnRows(sqlmock.NewRows([]string{"caller_id"}))
	mock.ExpectCommit()

	created, err := db.InsertAccountIfAbsent(context.Background(), "caller-1", models.TierFree, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditBalance_MissingAccount(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE credit_accounts`)).
		WillReturnRows(sqlmock.NewRows([]string{"caller_id", "balance", "lifetime_allocated", "tier", "last_reset_at", "created_at", "updated_at"}))
	mock.ExpectRollback()

	_, err := db.CreditBalance(context.Background(), "ghost", decimal.NewFromInt(1), models.TxPurchase, "topup")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
