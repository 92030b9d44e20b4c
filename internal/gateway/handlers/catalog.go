package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmushfiq/llm0-router/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Catalog reads and administers the provider/model registry
type Catalog interface {
	ListActiveModels(ctx context.Context, filter registry.ModelFilter) ([]models.Model, error)
	SaveProvider(ctx context.Context, p models.Provider) error
	SaveModel(ctx context.Context, m models.Model) error
	SaveRoutingRule(ctx context.Context, rule models.RoutingRule) error
	DeleteProvider(ctx context.Context, id string) error
	DeleteModel(ctx context.Context, id string) error
	CheckHealth(ctx context.Context, providerID string) (models.HealthStatus, error)
	Invalidate(ctx context.Context)
}

type CatalogHandler struct {
	catalog Catalog
}

func NewCatalogHandler(catalog Catalog) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// HandleListModels handles GET /v1/models, scoped to the caller's tier
func (h *CatalogHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	q := r.URL.Query()
	filter := registry.ModelFilter{
		ProviderID: q.Get("provider"),
		CallerTier: caller.Tier,
	}
	if v := q.Get("power_level"); v != "" {
		level, err := models.ParsePowerLevel(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_power_level", err.Error())
			return
		}
		filter.PowerLevel = level
	}

	list, err := h.catalog.ListActiveModels(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []models.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": list})
}

// HandleSaveProvider handles PUT /v1/admin/providers/{providerID}
func (h *CatalogHandler) HandleSaveProvider(w http.ResponseWriter, r *http.Request) {
	// omitted is_active keeps the provider live
	p := models.Provider{IsActive: true}
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "providerID")
	if err := h.catalog.SaveProvider(r.Context(), p); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleDeleteProvider handles DELETE /v1/admin/providers/{providerID}
func (h *CatalogHandler) HandleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProvider(r.Context(), chi.URLParam(r, "providerID")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCheckHealth handles POST /v1/admin/providers/{providerID}/health
func (h *CatalogHandler) HandleCheckHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerID")
	status, err := h.catalog.CheckHealth(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": id, "health_status": status})
}

// HandleSaveModel handles PUT /v1/admin/models. Model ids contain a slash, so the id travels in the body.
func (h *CatalogHandler) HandleSaveModel(w http.ResponseWriter, r *http.Request) {
	m := models.Model{IsActive: true}
	if !decode(w, r, &m) {
		return
	}
	if m.ID == "" && m.ProviderID != "" && m.ModelID != "" {
		m.ID = registry.SeedModelID(m.ProviderID, m.ModelID)
	}
	if err := h.catalog.SaveModel(r.Context(), m); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleDeleteModel handles DELETE /v1/admin/models?id=<provider/model>
func (h *CatalogHandler) HandleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	if err := h.catalog.DeleteModel(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSaveRule handles PUT /v1/admin/rules/{ruleID}
func (h *CatalogHandler) HandleSaveRule(w http.ResponseWriter, r *http.Request) {
	rule := models.RoutingRule{IsActive: true}
	if !decode(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	if err := h.catalog.SaveRoutingRule(r.Context(), rule); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// HandleInvalidate handles POST /v1/admin/catalog/invalidate
func (h *CatalogHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	h.catalog.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
