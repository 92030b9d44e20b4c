package registry

import (
	"context"
	"fmt"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// SaveProvider creates or updates a provider. Saving it inactive deactivates it
// the way DeleteProvider does: system providers are refused and rules cascade.
func (r *Registry) SaveProvider(ctx context.Context, p models.Provider) error {
	if p.ID == "" || p.AuthScheme == "" {
		return fmt.Errorf("registry: provider id and auth scheme are required: %w", models.ErrInvalidEntry)
	}
	if !p.IsActive {
		if cur, err := r.store.GetProvider(ctx, p.ID); err == nil && cur.IsSystem {
			return fmt.Errorf("registry: provider %s: %w", p.ID, models.ErrSystemProvider)
		}
	}
	if err := r.store.UpsertProvider(ctx, p); err != nil {
		return err
	}
	defer r.Invalidate(ctx)
	if !p.IsActive {
		return r.store.DeactivateProvider(ctx, p.ID)
	}
	return nil
}

// SaveModel creates or updates a model. A replacement must name another model.
func (r *Registry) SaveModel(ctx context.Context, m models.Model) error {
	if m.ID == "" || m.ProviderID == "" || m.ModelID == "" {
		return fmt.Errorf("registry: model id, provider and model name are required: %w", models.ErrInvalidEntry)
	}
	if m.ReplacementModelID != nil && *m.ReplacementModelID == m.ID {
		return fmt.Errorf("registry: model %s cannot replace itself: %w", m.ID, models.ErrInvalidEntry)
	}
	if m.InputCostPerM.IsNegative() || m.OutputCostPerM.IsNegative() || m.CachedCostPerM.IsNegative() {
		return fmt.Errorf("registry: model %s has a negative rate: %w", m.ID, models.ErrInvalidEntry)
	}
	if err := r.store.UpsertModel(ctx, m); err != nil {
		return err
	}
	defer r.Invalidate(ctx)
	if !m.IsActive {
		return r.store.DeactivateModel(ctx, m.ID)
	}
	return nil
}

// SaveRoutingRule creates or updates a routing rule
func (r *Registry) SaveRoutingRule(ctx context.Context, rule models.RoutingRule) error {
	if rule.ID == "" || rule.ModelID == "" {
		return fmt.Errorf("registry: routing rule id and model are required: %w", models.ErrInvalidEntry)
	}
	if _, err := models.ParsePowerLevel(string(rule.PowerLevel)); err != nil {
		return fmt.Errorf("registry: routing rule %s: %v: %w", rule.ID, err, models.ErrInvalidEntry)
	}
	if rule.Weight <= 0 {
		rule.Weight = 1
	}
	if err := r.store.UpsertRoutingRule(ctx, rule); err != nil {
		return err
	}
	r.Invalidate(ctx)
	return nil
}

// DeleteProvider deactivates a provider and its routing rules.
// Usage history keeps referencing it. System providers return models.ErrSystemProvider.
func (r *Registry) DeleteProvider(ctx context.Context, id string) error {
	if err := r.store.DeactivateProvider(ctx, id); err != nil {
		return err
	}
	r.Invalidate(ctx)
	return nil
}

// DeleteModel deactivates a model and its routing rules
func (r *Registry) DeleteModel(ctx context.Context, id string) error {
	if err := r.store.DeactivateModel(ctx, id); err != nil {
		return err
	}
	r.Invalidate(ctx)
	return nil
}
