package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const usageColumns = `
	id, caller_id, provider_id, model_id, request_id, attempt_number,
	prompt_tokens, completion_tokens, cached_tokens, input_cost, output_cost,
	cached_cost, total_cost, credits_charged, used_byok, latency_ms, status_code,
	error_message, was_fallback, fallback_reason, receipt_id, external_event_id, created_at`

// InsertUsageRecord appends one attempt record
func (db *DB) InsertUsageRecord(ctx context.Context, u *models.UsageRecord) error {
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO usage_records (
			id, caller_id, provider_id, model_id, request_id, attempt_number,
			prompt_tokens, completion_tokens, cached_tokens, input_cost, output_cost,
			cached_cost, total_cost, credits_charged, used_byok, latency_ms, status_code,
			error_message, was_fallback, fallback_reason, receipt_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING created_at`,
		u.ID, u.CallerID, nullString(u.ProviderID), nullString(u.ModelID), u.RequestID, u.AttemptNumber,
		u.PromptTokens, u.CompletionTokens, u.CachedTokens, u.InputCost, u.OutputCost,
		u.CachedCost, u.TotalCost, u.CreditsCharged, u.UsedBYOK, u.LatencyMs, u.StatusCode,
		nullString(u.ErrorMessage), u.WasFallback, nullString(u.FallbackReason), nullString(u.ReceiptID),
	).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("usage record for %s attempt %d already exists: %w", u.RequestID, u.AttemptNumber, models.ErrAttemptSettled)
	}
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// MarkUsageSynced attaches the external billing event id. Only an unsynced record is updated.
func (db *DB) MarkUsageSynced(ctx context.Context, id, externalEventID string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE usage_records SET external_event_id = $1
		WHERE id = $2 AND external_event_id IS NULL`,
		externalEventID, id,
	)
	if err != nil {
		return fmt.Errorf("mark usage synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unsynced usage record %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListUsageByCaller returns a caller's records created at or after since, newest first
func (db *DB) ListUsageByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]models.UsageRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, callerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var u models.UsageRecord
		var providerID, modelID, errMsg, reason, receipt, external sql.NullString
		if err := rows.Scan(
			&u.ID, &u.CallerID, &providerID, &modelID, &u.RequestID, &u.AttemptNumber,
			&u.PromptTokens, &u.CompletionTokens, &u.CachedTokens, &u.InputCost, &u.OutputCost,
			&u.CachedCost, &u.TotalCost, &u.CreditsCharged, &u.UsedBYOK, &u.LatencyMs, &u.StatusCode,
			&errMsg, &u.WasFallback, &reason, &receipt, &external, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.ProviderID = stringPtr(providerID)
		u.ModelID = stringPtr(modelID)
		u.ErrorMessage = stringPtr(errMsg)
		u.FallbackReason = stringPtr(reason)
		u.ReceiptID = stringPtr(receipt)
		u.ExternalEventID = stringPtr(external)
		out = append(out, u)
	}
	return out, rows.Err()
}
