package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const credentialColumns = `
	id, caller_id, provider_id, encrypted_key, key_prefix, key_suffix, enabled,
	validation_status, validation_message, last_validated_at, created_at, updated_at`

func scanCredential(row rowScanner) (*models.CallerCredential, error) {
	var c models.CallerCredential
	var validated sql.NullTime
	err := row.Scan(
		&c.ID, &c.CallerID, &c.ProviderID, &c.EncryptedKey, &c.KeyPrefix, &c.KeySuffix,
		&c.Enabled, &c.ValidationStatus, &c.ValidationMessage, &validated,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LastValidatedAt = timePtr(validated)
	return &c, nil
}

// UpsertCredential stores a caller credential. A rotation replaces the blob and resets
// validation state on the existing (caller_id, provider_id) row.
func (db *DB) UpsertCredential(ctx context.Context, c models.CallerCredential) (*models.CallerCredential, error) {
	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO caller_credentials (
			id, caller_id, provider_id, encrypted_key, key_prefix, key_suffix,
			enabled, validation_status, validation_message
		) VALUES ($1, $2, $3, $4, $5, $6, true, 'pending', '')
		ON CONFLICT (caller_id, provider_id) DO UPDATE SET
			encrypted_key = EXCLUDED.encrypted_key,
			key_prefix = EXCLUDED.key_prefix,
			key_suffix = EXCLUDED.key_suffix,
			enabled = true,
			validation_status = 'pending',
			validation_message = '',
			last_validated_at = NULL,
			updated_at = NOW()
		RETURNING `+credentialColumns,
		c.ID, c.CallerID, c.ProviderID, c.EncryptedKey, c.KeyPrefix, c.KeySuffix,
	)
	stored, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("upsert credential: %w", err)
	}
	return stored, nil
}

// GetCredential retrieves the credential of a caller for one provider
func (db *DB) GetCredential(ctx context.Context, callerID, providerID string) (*models.CallerCredential, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM caller_credentials
		WHERE caller_id = $1 AND provider_id = $2`, callerID, providerID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every credential of a caller
func (db *DB) ListCredentials(ctx context.Context, callerID string) ([]models.CallerCredential, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM caller_credentials
		WHERE caller_id = $1 ORDER BY provider_id`, callerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.CallerCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCredentialValidation records a validation outcome
func (db *DB) UpdateCredentialValidation(ctx context.Context, callerID, providerID string, status models.ValidationStatus, message string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE caller_credentials
		SET validation_status = $1, validation_message = $2, last_validated_at = $3, updated_at = NOW()
		WHERE caller_id = $4 AND provider_id = $5`,
		string(status), message, at, callerID, providerID,
	)
	if err != nil {
		return fmt.Errorf("update credential validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	return nil
}

// SetCredentialEnabled toggles a credential without deleting it
func (db *DB) SetCredentialEnabled(ctx context.Context, callerID, providerID string, enabled bool) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE caller_credentials SET enabled = $1, updated_at = NOW()
		WHERE caller_id = $2 AND provider_id = $3`,
		enabled, callerID, providerID,
	)
	if err != nil {
		return fmt.Errorf("set credential enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	return nil
}

// DeleteCredential hard-deletes a credential
func (db *DB) DeleteCredential(ctx context.Context, callerID, providerID string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM caller_credentials WHERE caller_id = $1 AND provider_id = $2`, callerID, providerID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	return nil
}
