package registry

import (
	"sort"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Catalog is an immutable snapshot of the active providers, models and routing rules,
// keyed by id. Consumers must not mutate it.
type Catalog struct {
	Providers map[string]models.Provider `json:"providers"`
	Models    map[string]models.Model    `json:"models"`
	Rules     []models.RoutingRule       `json:"rules"`
	LoadedAt  time.Time                  `json:"loaded_at"`
}

// NewCatalog indexes the given rows
func NewCatalog(providers []models.Provider, modelRows []models.Model, rules []models.RoutingRule, loadedAt time.Time) *Catalog {
	c := &Catalog{
		Providers: make(map[string]models.Provider, len(providers)),
		Models:    make(map[string]models.Model, len(modelRows)),
		Rules:     rules,
		LoadedAt:  loadedAt,
	}
	for _, p := range providers {
		c.Providers[p.ID] = p
	}
	for _, m := range modelRows {
		c.Models[m.ID] = m
	}
	return c
}

// Model returns an active model together with its provider
func (c *Catalog) Model(id string) (models.Model, models.Provider, bool) {
	m, ok := c.Models[id]
	if !ok {
		return models.Model{}, models.Provider{}, false
	}
	p, ok := c.Providers[m.ProviderID]
	if !ok {
		return models.Model{}, models.Provider{}, false
	}
	return m, p, true
}

// ModelFilter narrows ListActiveModels
type ModelFilter struct {
	ProviderID   string
	PowerLevel   models.PowerLevel
	CallerTier   models.Tier
	Capabilities models.Capabilities
	// IncludeDown keeps models whose provider is reported down
	IncludeDown bool
}

// Filter returns the active models matching f ordered by priority then id
func (c *Catalog) Filter(f ModelFilter) []models.Model {
	var out []models.Model
	for _, m := range c.Models {
		p, ok := c.Providers[m.ProviderID]
		if !ok {
			continue
		}
		if f.ProviderID != "" && m.ProviderID != f.ProviderID {
			continue
		}
		if f.PowerLevel != "" && m.PowerLevel != f.PowerLevel {
			continue
		}
		if f.CallerTier != "" && !(f.CallerTier.Satisfies(m.MinTier) && f.CallerTier.Satisfies(p.MinTier)) {
			continue
		}
		if !m.Capabilities.Covers(f.Capabilities) {
			continue
		}
		if !f.IncludeDown && p.HealthStatus == models.HealthDown {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
