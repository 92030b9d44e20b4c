package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// probes slower than this mark a provider degraded
const degradedLatency = 2 * time.Second

// Store is the persistence the registry reads and administers
type Store interface {
	ListProviders(ctx context.Context) ([]models.Provider, error)
	ListModels(ctx context.Context) ([]models.Model, error)
	ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	UpsertProvider(ctx context.Context, p models.Provider) error
	UpsertModel(ctx context.Context, m models.Model) error
	UpsertRoutingRule(ctx context.Context, r models.RoutingRule) error
	DeactivateProvider(ctx context.Context, id string) error
	DeactivateModel(ctx context.Context, id string) error
	UpdateProviderHealth(ctx context.Context, id string, status models.HealthStatus, latencyMs int, checkedAt time.Time) error
}

// SnapshotCache shares catalog snapshots between instances
type SnapshotCache interface {
	Get(ctx context.Context) (*Catalog, error)
	Set(ctx context.Context, c *Catalog, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// Prober runs an upstream probe
type Prober interface {
	Probe(ctx context.Context, target providers.Target, apiKey string) providers.ProbeResult
}

// Registry is the read-mostly provider/model catalog with a short-TTL cache
type Registry struct {
	store        Store
	cache        SnapshotCache
	prober       Prober
	platformKeys map[string]string
	ttl          time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	local       *Catalog
	localExpiry time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithSnapshotCache shares snapshots through c
func WithSnapshotCache(c SnapshotCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithProber enables active health probes using the platform's own keys per auth scheme
func WithProber(p Prober, platformKeys map[string]string) Option {
	return func(r *Registry) {
		r.prober = p
		r.platformKeys = platformKeys
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry. A zero ttl reloads on every read.
func New(store Store, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the current catalog, reloading it when the TTL has passed
func (r *Registry) Snapshot(ctx context.Context) (*Catalog, error) {
	r.mu.RLock()
	if r.local != nil && r.now().Before(r.localExpiry) {
		c := r.local
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	if r.cache != nil {
		if c, err := r.cache.Get(ctx); err == nil && c != nil {
			r.remember(c)
			return c, nil
		}
	}

	c, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, c, r.ttl); err != nil {
			log.WithError(err).Warn("registry: failed to share catalog snapshot")
		}
	}
	r.remember(c)
	return c, nil
}

func (r *Registry) load(ctx context.Context) (*Catalog, error) {
	provs, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	modelRows, err := r.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	rules, err := r.store.ListRoutingRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return NewCatalog(provs, modelRows, rules, r.now()), nil
}

func (r *Registry) remember(c *Catalog) {
	r.mu.Lock()
	r.local = c
	r.localExpiry = r.now().Add(r.ttl)
	r.mu.Unlock()
}

// Invalidate drops cached snapshots so the next read reloads
func (r *Registry) Invalidate(ctx context.Context) {
	r.mu.Lock()
	r.local = nil
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			log.WithError(err).Warn("registry: failed to invalidate shared snapshot")
		}
	}
}

// ListActiveModels returns the active models matching filter
func (r *Registry) ListActiveModels(ctx context.Context, filter ModelFilter) ([]models.Model, error) {
	c, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.Filter(filter), nil
}

// GetModel returns a model by id, including inactive ones
func (r *Registry) GetModel(ctx context.Context, id string) (*models.Model, error) {
	c, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if m, ok := c.Models[id]; ok {
		return &m, nil
	}
	return r.store.GetModel(ctx, id)
}

// CheckHealth actively probes a provider and stores the outcome
func (r *Registry) CheckHealth(ctx context.Context, providerID string) (models.HealthStatus, error) {
	p, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return models.HealthUnknown, err
	}

	status := models.HealthUnknown
	latency := time.Duration(0)

	key := r.platformKeys[p.AuthScheme]
	if r.prober != nil && key != "" {
		res := r.prober.Probe(ctx, providers.Target{BaseURL: p.BaseURL, AuthScheme: p.AuthScheme}, key)
		latency = res.Latency
		status = healthFromProbe(res)
	}

	if err := r.store.UpdateProviderHealth(ctx, p.ID, status, int(latency.Milliseconds()), r.now()); err != nil {
		return status, err
	}

	log.WithFields(log.Fields{
		"provider":   p.ID,
		"status":     status,
		"latency_ms": latency.Milliseconds(),
	}).Debug("registry: health checked")
	return status, nil
}

func healthFromProbe(res providers.ProbeResult) models.HealthStatus {
	switch {
	case res.Err == nil && res.Latency > degradedLatency:
		return models.HealthDegraded
	case res.Err == nil:
		return models.HealthHealthy
	case errors.Is(res.Err, providers.ErrCredentialRejected):
		// reachable, but the platform key is refused
		return models.HealthDegraded
	case errors.Is(res.Err, providers.ErrUnsupportedScheme):
		return models.HealthUnknown
	default:
		return models.HealthDown
	}
}

// RunHealthChecks probes every active provider each interval until ctx is done
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.checkAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) checkAll(ctx context.Context) {
	provs, err := r.store.ListProviders(ctx)
	if err != nil {
		log.WithError(err).Warn("registry: health loop could not list providers")
		return
	}
	for _, p := range provs {
		if _, err := r.CheckHealth(ctx, p.ID); err != nil {
			log.WithError(err).WithField("provider", p.ID).Warn("registry: health check failed")
		}
	}
	r.Invalidate(ctx)
}
