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

func TestMarkUsageSynced_OnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE usage_records SET external_event_id = $1`)).
		WithArgs("evt-1", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE usage_records SET external_event_id = $1`)).
		WithArgs("evt-2", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, db.MarkUsageSynced(context.Background(), "u-1", "evt-1"))
	assert.ErrorIs(t, db.MarkUsageSynced(context.Background(), "u-1", "evt-2"), models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUsageRecord_DuplicateAttempt(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO usage_records`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})

	err := db.InsertUsageRecord(context.Background(), &models.UsageRecord{
		ID:            "u-1",
		CallerID:      "caller-1",
		RequestID:     "req-1",
		AttemptNumber: 1,
		TotalCost:     decimal.Zero,
		StatusCode:    200,
	})
	assert.ErrorIs(t, err, models.ErrAttemptSettled)
}

func TestGetCredential_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM caller_credentials`)).
		WithArgs("caller-1", "openai").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.GetCredential(context.Background(), "caller-1", "openai")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListUsageByCaller(t *testing.T) {
	db, mock := newMockDB(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := since.Add(time.Hour)

	cols := []string{
		"id", "caller_id", "provider_id", "model_id", "request_id", "attempt_number",
		"prompt_tokens", "completion_tokens", "cached_tokens", "input_cost", "output_cost",
		"cached_cost", "total_cost", "credits_charged", "used_byok", "latency_ms", "status_code",
		"error_message", "was_fallback", "fallback_reason", "receipt_id", "external_event_id", "created_at",
	}
	rows := sqlmock.NewRows(cols).
		AddRow("u-2", "caller-1", "openai", "openai/gpt-4o-mini", "req-1", 2,
			100, 50, 0, "0.000015", "0.00003", "0", "0.000045", "0.000045", false, 320, 200,
			nil, true, "upstream 502", "rcpt-1", nil, created).
		AddRow("u-1", "caller-1", nil, nil, "req-1", 1,
			0, 0, 0, "0", "0", "0", "0", "0", false, 0, 503,
			"no eligible model", false, nil, nil, nil, created)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM usage_records`)).
		WithArgs("caller-1", since, 10).
		WillReturnRows(rows)

	got, err := db.ListUsageByCaller(context.Background(), "caller-1", since, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "openai/gpt-4o-mini", *got[0].ModelID)
	assert.True(t, got[0].TotalCost.Equal(decimal.RequireFromString("0.000045")))
	assert.True(t, got[0].WasFallback)
	assert.Equal(t, "upstream 502", *got[0].FallbackReason)
	assert.Nil(t, got[0].ExternalEventID)

	assert.Nil(t, got[1].ModelID)
	assert.Equal(t, 503, got[1].StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
