package routing

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-router/internal/shared/config"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Catalog supplies registry snapshots
type Catalog interface {
	Snapshot(ctx context.Context) (*registry.Catalog, error)
}

// Credentials lists a caller's enabled, validated keys by provider
type Credentials interface {
	UsableCredentials(ctx context.Context, callerID string) (map[string]models.CallerCredential, error)
}

// Request describes what the caller needs
type Request struct {
	CallerID        string
	Tier            models.Tier
	PowerLevel      models.PowerLevel
	TaskType        string
	EstimatedTokens int
	Required        models.Capabilities
}

// Selection is the routing decision for one attempt
type Selection struct {
	Model    models.Model
	Provider models.Provider
	Source   models.CredentialSource
	// RuleID is empty when an own key was matched without a rule
	RuleID   string
	Fallback bool
}

// Engine selects a model and credential source per attempt
type Engine struct {
	catalog  Catalog
	creds    Credentials
	policies Policies
	intn     func(n int) int
}

// Option configures an Engine
type Option func(*Engine)

// WithRand replaces the weighted draw source; intn returns a value in [0, n)
func WithRand(intn func(n int) int) Option {
	return func(e *Engine) { e.intn = intn }
}

// New creates an Engine
func New(catalog Catalog, creds Credentials, policies Policies, opts ...Option) *Engine {
	e := &Engine{
		catalog:  catalog,
		creds:    creds,
		policies: policies,
		intn:     rand.Intn,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AllowsFallback reports whether a power level may retry on another model
func (e *Engine) AllowsFallback(level models.PowerLevel) bool {
	return e.policies.For(normalizeLevel(level)).AllowFallback
}

func normalizeLevel(level models.PowerLevel) models.PowerLevel {
	if level == "" {
		return models.PowerBalanced
	}
	return level
}

type candidate struct {
	rule     models.RoutingRule
	model    models.Model
	provider models.Provider
	source   models.CredentialSource
}

type selector struct {
	req     Request
	catalog *registry.Catalog
	keys    map[string]models.CallerCredential
	exclude map[string]bool
}

func (e *Engine) newSelector(ctx context.Context, req Request, exclude []string) (*selector, error) {
	req.PowerLevel = normalizeLevel(req.PowerLevel)
	c, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := e.creds.UsableCredentials(ctx, req.CallerID)
	if err != nil {
		return nil, fmt.Errorf("routing: credentials: %w", err)
	}
	ex := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		ex[id] = true
	}
	return &selector{req: req, catalog: c, keys: keys, exclude: ex}, nil
}

// SelectModel picks the model for a first attempt. An own key on an eligible
// provider wins over rule priority. Without a primary candidate, fallback rules
// are consulted when the power level allows it.
func (e *Engine) SelectModel(ctx context.Context, req Request) (*Selection, error) {
	s, err := e.newSelector(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	limits := e.policies.For(s.req.PowerLevel)

	if sel := e.pickOwnKey(s); sel != nil {
		e.logSelection(s.req, sel)
		return sel, nil
	}

	for _, rules := range s.ruleSets(false) {
		var pool []candidate
		for _, r := range rules {
			if r.RequiresOwnKey {
				continue
			}
			m, p, ok := s.resolve(r)
			if !ok || !withinCost(limits, m) || !s.eligible(limits, r, m, p) {
				continue
			}
			pool = append(pool, candidate{rule: r, model: m, provider: p, source: models.SourcePooled})
		}
		if len(pool) > 0 {
			sel := e.weighted(pool).selection(false)
			e.logSelection(s.req, sel)
			return sel, nil
		}
	}

	if !limits.AllowFallback {
		return nil, models.ErrNoEligibleModel
	}
	sel, err := e.pickFallback(s, limits)
	if err != nil {
		return nil, err
	}
	e.logSelection(s.req, sel)
	return sel, nil
}

// SelectFallback picks the next fallback model, skipping every model in exclude
func (e *Engine) SelectFallback(ctx context.Context, req Request, exclude []string) (*Selection, error) {
	if !e.AllowsFallback(req.PowerLevel) {
		return nil, models.ErrNoEligibleModel
	}
	s, err := e.newSelector(ctx, req, exclude)
	if err != nil {
		return nil, err
	}
	sel, err := e.pickFallback(s, e.policies.For(s.req.PowerLevel))
	if err != nil {
		return nil, err
	}
	e.logSelection(s.req, sel)
	return sel, nil
}

func (e *Engine) pickOwnKey(s *selector) *Selection {
	if len(s.keys) == 0 {
		return nil
	}
	limits := e.policies.For(s.req.PowerLevel)

	// rules of the tuple first, then any model of the right power level
	for _, rules := range s.ruleSets(false) {
		var pool []candidate
		for _, r := range rules {
			m, p, ok := s.resolve(r)
			if !ok || !s.ownKeyUsable(p) || !s.eligible(limits, r, m, p) {
				continue
			}
			pool = append(pool, candidate{rule: r, model: m, provider: p, source: models.SourceOwnKey})
		}
		if len(pool) > 0 {
			return e.weighted(pool).selection(false)
		}
	}

	var best *candidate
	for _, m := range s.catalog.Filter(registry.ModelFilter{PowerLevel: s.req.PowerLevel, CallerTier: s.req.Tier, Capabilities: s.req.Required}) {
		p := s.catalog.Providers[m.ProviderID]
		if m.IsDeprecated || s.exclude[m.ID] || !s.ownKeyUsable(p) || !s.eligible(limits, models.RoutingRule{}, m, p) {
			continue
		}
		best = &candidate{model: m, provider: p, source: models.SourceOwnKey}
		break
	}
	if best == nil {
		return nil
	}
	return best.selection(false)
}

func (e *Engine) pickFallback(s *selector, l config.PowerLimits) (*Selection, error) {
	for _, rules := range s.ruleSets(true) {
		sorted := append([]models.RoutingRule(nil), rules...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].FallbackOrder != sorted[j].FallbackOrder {
				return sorted[i].FallbackOrder < sorted[j].FallbackOrder
			}
			return sorted[i].Priority < sorted[j].Priority
		})
		for _, r := range sorted {
			m, p, ok := s.resolve(r)
			if !ok || !s.eligible(l, r, m, p) {
				continue
			}
			source := models.SourcePooled
			if s.ownKeyUsable(p) {
				source = models.SourceOwnKey
			} else if r.RequiresOwnKey || !withinCost(l, m) {
				continue
			}
			c := candidate{rule: r, model: m, provider: p, source: source}
			return c.selection(true), nil
		}
	}
	return nil, models.ErrNoEligibleModel
}

// ruleSets returns the task-specific rule set followed by the wildcard set
func (s *selector) ruleSets(fallback bool) [][]models.RoutingRule {
	var specific, wildcard []models.RoutingRule
	for _, r := range s.catalog.Rules {
		if !r.IsActive || r.IsFallback != fallback || r.PowerLevel != s.req.PowerLevel {
			continue
		}
		if r.CallerTier != "" && r.CallerTier != s.req.Tier {
			continue
		}
		switch {
		case r.TaskType == nil:
			wildcard = append(wildcard, r)
		case s.req.TaskType != "" && *r.TaskType == s.req.TaskType:
			specific = append(specific, r)
		}
	}
	return [][]models.RoutingRule{specific, wildcard}
}

// resolve maps a rule to its model, following deprecation replacements.
// A deprecated model with nowhere to go is not a candidate.
func (s *selector) resolve(r models.RoutingRule) (models.Model, models.Provider, bool) {
	id := r.ModelID
	seen := map[string]bool{}
	for {
		if seen[id] {
			return models.Model{}, models.Provider{}, false
		}
		seen[id] = true

		m, p, ok := s.catalog.Model(id)
		if !ok {
			return models.Model{}, models.Provider{}, false
		}
		if m.IsDeprecated {
			if m.ReplacementModelID == nil {
				return models.Model{}, models.Provider{}, false
			}
			id = *m.ReplacementModelID
			continue
		}
		if s.exclude[m.ID] {
			return models.Model{}, models.Provider{}, false
		}
		return m, p, true
	}
}

func (s *selector) ownKeyUsable(p models.Provider) bool {
	if !p.AllowsCallerKeys {
		return false
	}
	_, ok := s.keys[p.ID]
	return ok
}

// eligible applies every constraint except the cost ceiling
func (s *selector) eligible(l config.PowerLimits, r models.RoutingRule, m models.Model, p models.Provider) bool {
	if !p.IsActive || p.HealthStatus == models.HealthDown {
		return false
	}
	if !s.req.Tier.Satisfies(m.MinTier) || !s.req.Tier.Satisfies(p.MinTier) {
		return false
	}
	if !m.Capabilities.Covers(s.req.Required) || !p.Capabilities.Covers(s.req.Required) {
		return false
	}
	if !withinLatency(l, m) {
		return false
	}
	if m.ContextWindow > 0 && s.req.EstimatedTokens > m.ContextWindow {
		return false
	}
	return r.AcceptsTokens(s.req.EstimatedTokens)
}

// weighted draws among the candidates sharing the lowest priority value, by rule weight
func (e *Engine) weighted(pool []candidate) candidate {
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].rule.Priority != pool[j].rule.Priority {
			return pool[i].rule.Priority < pool[j].rule.Priority
		}
		return pool[i].model.ID < pool[j].model.ID
	})
	top := pool[:1]
	for i := 1; i < len(pool) && pool[i].rule.Priority == pool[0].rule.Priority; i++ {
		top = pool[:i+1]
	}

	total := 0
	for _, c := range top {
		total += weightOf(c.rule)
	}
	n := e.intn(total)
	for _, c := range top {
		n -= weightOf(c.rule)
		if n < 0 {
			return c
		}
	}
	return top[0]
}

func weightOf(r models.RoutingRule) int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

func (c candidate) selection(fallback bool) *Selection {
	return &Selection{
		Model:    c.model,
		Provider: c.provider,
		Source:   c.source,
		RuleID:   c.rule.ID,
		Fallback: fallback,
	}
}

func (e *Engine) logSelection(req Request, sel *Selection) {
	log.WithFields(log.Fields{
		"caller_id": req.CallerID,
		"power":     req.PowerLevel,
		"provider":  sel.Provider.ID,
		"model":     sel.Model.ID,
		"source":    sel.Source,
		"fallback":  sel.Fallback,
	}).Debug("routing: model selected")
}
