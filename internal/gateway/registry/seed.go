package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// SeedFile is the YAML catalog seed layout
type SeedFile struct {
	Providers []SeedProvider `yaml:"providers"`
	Rules     []SeedRule     `yaml:"rules"`
}

// SeedProvider declares a provider with its models
type SeedProvider struct {
	ID               string              `yaml:"id"`
	Name             string              `yaml:"name"`
	BaseURL          string              `yaml:"base_url"`
	AuthScheme       string              `yaml:"auth_scheme"`
	Capabilities     models.Capabilities `yaml:"capabilities"`
	RateLimitRPM     int                 `yaml:"rate_limit_rpm"`
	MinTier          string              `yaml:"min_tier"`
	AllowsCallerKeys bool                `yaml:"allows_caller_keys"`
	System           bool                `yaml:"system"`
	Models           []SeedModel         `yaml:"models"`
}

// SeedModel declares a model; rates are decimal strings in credits per million tokens
type SeedModel struct {
	ModelID        string              `yaml:"model_id"`
	ContextWindow  int                 `yaml:"context_window"`
	InputCostPerM  string              `yaml:"input_cost_per_m"`
	OutputCostPerM string              `yaml:"output_cost_per_m"`
	CachedCostPerM string              `yaml:"cached_cost_per_m"`
	Capabilities   models.Capabilities `yaml:"capabilities"`
	PowerLevel     string              `yaml:"power_level"`
	Priority       int                 `yaml:"priority"`
	MinTier        string              `yaml:"min_tier"`
	AvgLatencyMs   int                 `yaml:"avg_latency_ms"`
	Deprecated     bool                `yaml:"deprecated"`
	ReplacedBy     string              `yaml:"replaced_by"`
}

// SeedRule declares a routing rule; Model is "provider/model_id"
type SeedRule struct {
	ID             string  `yaml:"id"`
	PowerLevel     string  `yaml:"power_level"`
	CallerTier     string  `yaml:"caller_tier"`
	TaskType       *string `yaml:"task_type"`
	Model          string  `yaml:"model"`
	Priority       int     `yaml:"priority"`
	Weight         int     `yaml:"weight"`
	MinTokens      *int    `yaml:"min_tokens"`
	MaxTokens      *int    `yaml:"max_tokens"`
	RequiresOwnKey bool    `yaml:"requires_own_key"`
	Fallback       bool    `yaml:"fallback"`
	FallbackOrder  int     `yaml:"fallback_order"`
}

// SeedModelID is the catalog id given to a seeded model
func SeedModelID(providerID, modelID string) string {
	return providerID + "/" + modelID
}

// ParseSeed decodes and converts a YAML catalog seed
func ParseSeed(data []byte) ([]models.Provider, []models.Model, []models.RoutingRule, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, nil, fmt.Errorf("registry: parse seed: %w", err)
	}

	var provs []models.Provider
	var modelRows []models.Model
	known := make(map[string]bool)

	for _, sp := range seed.Providers {
		provs = append(provs, models.Provider{
			ID:               sp.ID,
			Name:             sp.Name,
			BaseURL:          sp.BaseURL,
			AuthScheme:       sp.AuthScheme,
			Capabilities:     sp.Capabilities,
			RateLimitRPM:     sp.RateLimitRPM,
			HealthStatus:     models.HealthUnknown,
			MinTier:          models.Tier(sp.MinTier),
			AllowsCallerKeys: sp.AllowsCallerKeys,
			IsSystem:         sp.System,
			IsActive:         true,
		})
		for _, sm := range sp.Models {
			m, err := seedModel(sp.ID, sm)
			if err != nil {
				return nil, nil, nil, err
			}
			known[m.ID] = true
			modelRows = append(modelRows, m)
		}
	}

	for i := range modelRows {
		if r := modelRows[i].ReplacementModelID; r != nil && !known[*r] {
			return nil, nil, nil, fmt.Errorf("registry: seed model %s replaced by unknown model %s", modelRows[i].ID, *r)
		}
	}

	var rules []models.RoutingRule
	for _, sr := range seed.Rules {
		if !known[sr.Model] {
			return nil, nil, nil, fmt.Errorf("registry: seed rule %s targets unknown model %s", sr.ID, sr.Model)
		}
		level, err := models.ParsePowerLevel(sr.PowerLevel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("registry: seed rule %s: %w", sr.ID, err)
		}
		weight := sr.Weight
		if weight <= 0 {
			weight = 1
		}
		rules = append(rules, models.RoutingRule{
			ID:             sr.ID,
			PowerLevel:     level,
			CallerTier:     models.Tier(sr.CallerTier),
			TaskType:       sr.TaskType,
			ModelID:        sr.Model,
			Priority:       sr.Priority,
			Weight:         weight,
			MinTokens:      sr.MinTokens,
			MaxTokens:      sr.MaxTokens,
			RequiresOwnKey: sr.RequiresOwnKey,
			IsFallback:     sr.Fallback,
			FallbackOrder:  sr.FallbackOrder,
			IsActive:       true,
		})
	}

	return provs, modelRows, rules, nil
}

func seedModel(providerID string, sm SeedModel) (models.Model, error) {
	id := SeedModelID(providerID, sm.ModelID)
	rates := make([]decimal.Decimal, 3)
	for i, raw := range []string{sm.InputCostPerM, sm.OutputCostPerM, sm.CachedCostPerM} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return models.Model{}, fmt.Errorf("registry: seed model %s: bad rate %q: %w", id, raw, err)
		}
		rates[i] = d
	}
	level, err := models.ParsePowerLevel(sm.PowerLevel)
	if err != nil {
		return models.Model{}, fmt.Errorf("registry: seed model %s: %w", id, err)
	}

	m := models.Model{
		ID:             id,
		ProviderID:     providerID,
		ModelID:        sm.ModelID,
		ContextWindow:  sm.ContextWindow,
		InputCostPerM:  rates[0],
		OutputCostPerM: rates[1],
		CachedCostPerM: rates[2],
		Capabilities:   sm.Capabilities,
		PowerLevel:     level,
		Priority:       sm.Priority,
		IsActive:       true,
		IsDeprecated:   sm.Deprecated,
		MinTier:        models.Tier(sm.MinTier),
		AvgLatencyMs:   sm.AvgLatencyMs,
	}
	if sm.ReplacedBy != "" {
		replacement := SeedModelID(providerID, sm.ReplacedBy)
		m.ReplacementModelID = &replacement
	}
	return m, nil
}

// LoadCatalogFile upserts a YAML catalog seed
func (r *Registry) LoadCatalogFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read seed: %w", err)
	}
	provs, modelRows, rules, err := ParseSeed(data)
	if err != nil {
		return err
	}

	for _, p := range provs {
		if err := r.store.UpsertProvider(ctx, p); err != nil {
			return err
		}
	}
	// replacements reference other models, so insert them without the link first
	for _, m := range modelRows {
		bare := m
		bare.ReplacementModelID = nil
		if err := r.store.UpsertModel(ctx, bare); err != nil {
			return err
		}
	}
	for _, m := range modelRows {
		if m.ReplacementModelID == nil {
			continue
		}
		if err := r.store.UpsertModel(ctx, m); err != nil {
			return err
		}
	}
	for _, rule := range rules {
		if err := r.store.UpsertRoutingRule(ctx, rule); err != nil {
			return err
		}
	}

	r.Invalidate(ctx)
	log.WithFields(log.Fields{
		"providers": len(provs),
		"models":    len(modelRows),
		"rules":     len(rules),
	}).Info("registry: catalog seed loaded")
	return nil
}
