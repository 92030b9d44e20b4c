package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const providerColumns = `
	id, name, base_url, auth_scheme, supports_streaming, supports_functions,
	supports_vision, rate_limit_rpm, health_status, health_last_checked,
	health_latency_ms, min_tier, allows_caller_keys, is_system, is_active,
	created_at, updated_at`

const modelColumns = `
	id, provider_id, model_id, context_window, input_cost_per_m, output_cost_per_m,
	cached_cost_per_m, supports_streaming, supports_functions, supports_vision,
	power_level, priority, is_active, is_deprecated, replacement_model_id,
	min_tier, avg_latency_ms, created_at, updated_at`

const ruleColumns = `
	id, power_level, caller_tier, task_type, model_id, priority, weight,
	min_tokens, max_tokens, requires_own_key, is_fallback, fallback_order,
	is_active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*models.Provider, error) {
	var p models.Provider
	var checked sql.NullTime
	err := row.Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.AuthScheme,
		&p.Capabilities.Streaming, &p.Capabilities.FunctionCalling, &p.Capabilities.Vision,
		&p.RateLimitRPM, &p.HealthStatus, &checked, &p.HealthLatencyMs,
		&p.MinTier, &p.AllowsCallerKeys, &p.IsSystem, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.HealthLastChecked = timePtr(checked)
	return &p, nil
}

func scanModel(row rowScanner) (*models.Model, error) {
	var m models.Model
	var replacement sql.NullString
	err := row.Scan(
		&m.ID, &m.ProviderID, &m.ModelID, &m.ContextWindow,
		&m.InputCostPerM, &m.OutputCostPerM, &m.CachedCostPerM,
		&m.Capabilities.Streaming, &m.Capabilities.FunctionCalling, &m.Capabilities.Vision,
		&m.PowerLevel, &m.Priority, &m.IsActive, &m.IsDeprecated, &replacement,
		&m.MinTier, &m.AvgLatencyMs, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ReplacementModelID = stringPtr(replacement)
	return &m, nil
}

func scanRule(row rowScanner) (*models.RoutingRule, error) {
	var r models.RoutingRule
	var taskType sql.NullString
	var minTokens, maxTokens sql.NullInt64
	err := row.Scan(
		&r.ID, &r.PowerLevel, &r.CallerTier, &taskType, &r.ModelID,
		&r.Priority, &r.Weight, &minTokens, &maxTokens, &r.RequiresOwnKey,
		&r.IsFallback, &r.FallbackOrder, &r.IsActive, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TaskType = stringPtr(taskType)
	r.MinTokens = intPtr(minTokens)
	r.MaxTokens = intPtr(maxTokens)
	return &r, nil
}

// ListProviders returns every active provider
func (db *DB) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProvider retrieves a provider regardless of its active flag
func (db *DB) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// ListModels returns every active model of an active provider
func (db *DB) ListModels(ctx context.Context) ([]models.Model, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+modelColumns+` FROM models
		WHERE is_active = true
		  AND provider_id IN (SELECT id FROM providers WHERE is_active = true)
		ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetModel retrieves a model by its internal id
func (db *DB) GetModel(ctx context.Context, id string) (*models.Model, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// ListRoutingRules returns every active routing rule
func (db *DB) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+ruleColumns+` FROM routing_rules WHERE is_active = true ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpsertProvider creates or updates a provider. Health fields are left to UpdateProviderHealth.
// An update never clears is_system and never deactivates; DeactivateProvider does that.
func (db *DB) UpsertProvider(ctx context.Context, p models.Provider) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO providers (
			id, name, base_url, auth_scheme, supports_streaming, supports_functions,
			supports_vision, rate_limit_rpm, min_tier, allows_caller_keys, is_system, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			auth_scheme = EXCLUDED.auth_scheme,
			supports_streaming = EXCLUDED.supports_streaming,
			supports_functions = EXCLUDED.supports_functions,
			supports_vision = EXCLUDED.supports_vision,
			rate_limit_rpm = EXCLUDED.rate_limit_rpm,
			min_tier = EXCLUDED.min_tier,
			allows_caller_keys = EXCLUDED.allows_caller_keys,
			is_system = providers.is_system OR EXCLUDED.is_system,
			is_active = providers.is_active OR EXCLUDED.is_active,
			updated_at = NOW()`,
		p.ID, p.Name, p.BaseURL, p.AuthScheme,
		p.Capabilities.Streaming, p.Capabilities.FunctionCalling, p.Capabilities.Vision,
		p.RateLimitRPM, string(p.MinTier), p.AllowsCallerKeys, p.IsSystem, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}

// UpsertModel creates or updates a model, keyed by (provider_id, model_id).
// An update never deactivates; DeactivateModel does that with its rule cascade.
func (db *DB) UpsertModel(ctx context.Context, m models.Model) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO models (
			id, provider_id, model_id, context_window, input_cost_per_m, output_cost_per_m,
			cached_cost_per_m, supports_streaming, supports_functions, supports_vision,
			power_level, priority, is_active, is_deprecated, replacement_model_id,
			min_tier, avg_latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (provider_id, model_id) DO UPDATE SET
			context_window = EXCLUDED.context_window,
			input_cost_per_m = EXCLUDED.input_cost_per_m,
			output_cost_per_m = EXCLUDED.output_cost_per_m,
			cached_cost_per_m = EXCLUDED.cached_cost_per_m,
			supports_streaming = EXCLUDED.supports_streaming,
			supports_functions = EXCLUDED.supports_functions,
			supports_vision = EXCLUDED.supports_vision,
			power_level = EXCLUDED.power_level,
			priority = EXCLUDED.priority,
			is_active = models.is_active OR EXCLUDED.is_active,
			is_deprecated = EXCLUDED.is_deprecated,
			replacement_model_id = EXCLUDED.replacement_model_id,
			min_tier = EXCLUDED.min_tier,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			updated_at = NOW()`,
		m.ID, m.ProviderID, m.ModelID, m.ContextWindow,
		m.InputCostPerM, m.OutputCostPerM, m.CachedCostPerM,
		m.Capabilities.Streaming, m.Capabilities.FunctionCalling, m.Capabilities.Vision,
		string(m.PowerLevel), m.Priority, m.IsActive, m.IsDeprecated, nullString(m.ReplacementModelID),
		string(m.MinTier), m.AvgLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("upsert model %s/%s: %w", m.ProviderID, m.ModelID, err)
	}
	return nil
}

// UpsertRoutingRule creates or updates a routing rule
func (db *DB) UpsertRoutingRule(ctx context.Context, r models.RoutingRule) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO routing_rules (
			id, power_level, caller_tier, task_type, model_id, priority, weight,
			min_tokens, max_tokens, requires_own_key, is_fallback, fallback_order, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			power_level = EXCLUDED.power_level,
			caller_tier = EXCLUDED.caller_tier,
			task_type = EXCLUDED.task_type,
			model_id = EXCLUDED.model_id,
			priority = EXCLUDED.priority,
			weight = EXCLUDED.weight,
			min_tokens = EXCLUDED.min_tokens,
			max_tokens = EXCLUDED.max_tokens,
			requires_own_key = EXCLUDED.requires_own_key,
			is_fallback = EXCLUDED.is_fallback,
			fallback_order = EXCLUDED.fallback_order,
			is_active = EXCLUDED.is_active`,
		r.ID, string(r.PowerLevel), string(r.CallerTier), nullString(r.TaskType), r.ModelID,
		r.Priority, r.Weight, nullInt(r.MinTokens), nullInt(r.MaxTokens),
		r.RequiresOwnKey, r.IsFallback, r.FallbackOrder, r.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert routing rule %s: %w", r.ID, err)
	}
	return nil
}

// DeactivateProvider logically removes a provider and cascades to its models' routing rules.
// System providers are refused.
func (db *DB) DeactivateProvider(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var isSystem bool
		err := tx.QueryRowContext(ctx, `SELECT is_system FROM providers WHERE id = $1 FOR UPDATE`, id).Scan(&isSystem)
		if err == sql.ErrNoRows {
			return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}
		if isSystem {
			return fmt.Errorf("provider %s: %w", id, models.ErrSystemProvider)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE providers SET is_active = false, updated_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deactivate provider: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE routing_rules SET is_active = false
			WHERE model_id IN (SELECT id FROM models WHERE provider_id = $1)`, id); err != nil {
			return fmt.Errorf("deactivate provider rules: %w", err)
		}
		return nil
	})
}

// DeactivateModel logically removes a model and cascades to its routing rules
func (db *DB) DeactivateModel(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE models SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deactivate model: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("model %s: %w", id, models.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE routing_rules SET is_active = false WHERE model_id = $1`, id); err != nil {
			return fmt.Errorf("deactivate model rules: %w", err)
		}
		return nil
	})
}

// UpdateProviderHealth stores the result of a health probe
func (db *DB) UpdateProviderHealth(ctx context.Context, id string, status models.HealthStatus, latencyMs int, checkedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE providers
		SET health_status = $1, health_latency_ms = $2, health_last_checked = $3
		WHERE id = $4`,
		string(status), latencyMs, checkedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update provider health: %w", err)
	}
	return nil
}
