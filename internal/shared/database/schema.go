package database

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	base_url            TEXT NOT NULL,
	auth_scheme         TEXT NOT NULL,
	supports_streaming  BOOLEAN NOT NULL DEFAULT false,
	supports_functions  BOOLEAN NOT NULL DEFAULT false,
	supports_vision     BOOLEAN NOT NULL DEFAULT false,
	rate_limit_rpm      INTEGER NOT NULL DEFAULT 0,
	health_status       TEXT NOT NULL DEFAULT 'unknown',
	health_last_checked TIMESTAMPTZ,
	health_latency_ms   INTEGER NOT NULL DEFAULT 0,
	min_tier            TEXT NOT NULL DEFAULT 'free',
	allows_caller_keys  BOOLEAN NOT NULL DEFAULT true,
	is_system           BOOLEAN NOT NULL DEFAULT false,
	is_active           BOOLEAN NOT NULL DEFAULT true,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS models (
	id                   TEXT PRIMARY KEY,
	provider_id          TEXT NOT NULL REFERENCES providers(id),
	model_id             TEXT NOT NULL,
	context_window       INTEGER NOT NULL DEFAULT 0,
	input_cost_per_m     NUMERIC(20,8) NOT NULL DEFAULT 0,
	output_cost_per_m    NUMERIC(20,8) NOT NULL DEFAULT 0,
	cached_cost_per_m    NUMERIC(20,8) NOT NULL DEFAULT 0,
	supports_streaming   BOOLEAN NOT NULL DEFAULT false,
	supports_functions   BOOLEAN NOT NULL DEFAULT false,
	supports_vision      BOOLEAN NOT NULL DEFAULT false,
	power_level          TEXT NOT NULL DEFAULT 'balanced',
	priority             INTEGER NOT NULL DEFAULT 100,
	is_active            BOOLEAN NOT NULL DEFAULT true,
	is_deprecated        BOOLEAN NOT NULL DEFAULT false,
	replacement_model_id TEXT REFERENCES models(id),
	min_tier             TEXT NOT NULL DEFAULT 'free',
	avg_latency_ms       INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (provider_id, model_id)
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id               TEXT PRIMARY KEY,
	power_level      TEXT NOT NULL,
	caller_tier      TEXT NOT NULL,
	task_type        TEXT,
	model_id         TEXT NOT NULL REFERENCES models(id),
	priority         INTEGER NOT NULL DEFAULT 100,
	weight           INTEGER NOT NULL DEFAULT 1,
	min_tokens       INTEGER,
	max_tokens       INTEGER,
	requires_own_key BOOLEAN NOT NULL DEFAULT false,
	is_fallback      BOOLEAN NOT NULL DEFAULT false,
	fallback_order   INTEGER NOT NULL DEFAULT 0,
	is_active        BOOLEAN NOT NULL DEFAULT true,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_routing_rules_tuple ON routing_rules (power_level, caller_tier, task_type) WHERE is_active;

CREATE TABLE IF NOT EXISTS caller_credentials (
	id                 TEXT PRIMARY KEY,
	caller_id          TEXT NOT NULL,
	provider_id        TEXT NOT NULL REFERENCES providers(id),
	encrypted_key      BYTEA NOT NULL,
	key_prefix         TEXT NOT NULL,
	key_suffix         TEXT NOT NULL,
	enabled            BOOLEAN NOT NULL DEFAULT true,
	validation_status  TEXT NOT NULL DEFAULT 'pending',
	validation_message TEXT NOT NULL DEFAULT '',
	last_validated_at  TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (caller_id, provider_id)
);

CREATE TABLE IF NOT EXISTS credit_accounts (
	caller_id          TEXT PRIMARY KEY,
	balance            NUMERIC(20,8) NOT NULL CHECK (balance >= 0),
	lifetime_allocated NUMERIC(20,8) NOT NULL DEFAULT 0,
	tier               TEXT NOT NULL DEFAULT 'free',
	last_reset_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id            TEXT PRIMARY KEY,
	caller_id     TEXT NOT NULL REFERENCES credit_accounts(caller_id),
	type          TEXT NOT NULL,
	amount        NUMERIC(20,8) NOT NULL,
	balance_after NUMERIC(20,8) NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	service_type  TEXT,
	request_id    TEXT,
	provider_id   TEXT,
	model_id      TEXT,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_caller ON credit_transactions (caller_id, created_at);

CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	caller_id         TEXT NOT NULL,
	provider_id       TEXT REFERENCES providers(id),
	model_id          TEXT REFERENCES models(id),
	request_id        TEXT NOT NULL,
	attempt_number    INTEGER NOT NULL DEFAULT 1,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens     INTEGER NOT NULL DEFAULT 0,
	input_cost        NUMERIC(20,8) NOT NULL DEFAULT 0,
	output_cost       NUMERIC(20,8) NOT NULL DEFAULT 0,
	cached_cost       NUMERIC(20,8) NOT NULL DEFAULT 0,
	total_cost        NUMERIC(20,8) NOT NULL DEFAULT 0,
	credits_charged   NUMERIC(20,8) NOT NULL DEFAULT 0,
	used_byok         BOOLEAN NOT NULL DEFAULT false,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	status_code       INTEGER NOT NULL,
	error_message     TEXT,
	was_fallback      BOOLEAN NOT NULL DEFAULT false,
	fallback_reason   TEXT,
	receipt_id        TEXT,
	external_event_id TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (request_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_usage_records_caller ON usage_records (caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider ON usage_records (provider_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	caller_id    TEXT NOT NULL,
	tier         TEXT NOT NULL DEFAULT 'free',
	is_active    BOOLEAN NOT NULL DEFAULT true,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the required tables and indexes if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
