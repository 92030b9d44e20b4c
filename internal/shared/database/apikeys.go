package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// HashAPIKey returns the stored form of a raw caller key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// GetAPIKey retrieves an API key by its raw key value
func (db *DB) GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	query := `
		SELECT id, key_hash, key_prefix, name, caller_id, tier, is_active,
		       last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	var lastUsed sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, HashAPIKey(rawKey)).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.CallerID,
		&apiKey.Tier,
		&apiKey.IsActive,
		&lastUsed,
		&apiKey.CreatedAt,
		&apiKey.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid API key: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	apiKey.LastUsedAt = timePtr(lastUsed)

	return &apiKey, nil
}

// ResolveCaller maps a raw bearer key to the caller identity and tier
func (db *DB) ResolveCaller(ctx context.Context, rawKey string) (*models.Caller, error) {
	apiKey, err := db.GetAPIKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	go db.UpdateAPIKeyLastUsed(context.Background(), apiKey.ID)
	return &models.Caller{ID: apiKey.CallerID, Tier: apiKey.Tier}, nil
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp
func (db *DB) UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, apiKeyID)
	return err
}
