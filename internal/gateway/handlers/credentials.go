package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/keyvault"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Vault manages caller credentials
type Vault interface {
	Store(ctx context.Context, callerID, providerID, raw string) (*models.CallerCredential, error)
	Validate(ctx context.Context, callerID, providerID string) (*keyvault.ValidationResult, error)
	List(ctx context.Context, callerID string) ([]keyvault.MaskedCredential, error)
	Disable(ctx context.Context, callerID, providerID string) error
	Delete(ctx context.Context, callerID, providerID string) error
}

type CredentialHandler struct {
	vault Vault
}

func NewCredentialHandler(vault Vault) *CredentialHandler {
	return &CredentialHandler{vault: vault}
}

type storeCredentialRequest struct {
	APIKey string `json:"api_key"`
}

type storeCredentialResponse struct {
	Credential keyvault.MaskedCredential  `json:"credential"`
	Validation *keyvault.ValidationResult `json:"validation,omitempty"`
}

// HandleList handles GET /v1/credentials
func (h *CredentialHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	creds, err := h.vault.List(r.Context(), caller.ID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

// HandleStore handles PUT /v1/credentials/{providerID}. The key is validated
// right away; a failed validation still keeps the key.
func (h *CredentialHandler) HandleStore(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	providerID := chi.URLParam(r, "providerID")

	var req storeCredentialRequest
	if !decode(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "api_key is required")
		return
	}

	stored, err := h.vault.Store(r.Context(), caller.ID, providerID, req.APIKey)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	resp := storeCredentialResponse{
		Credential: keyvault.MaskedCredential{CallerCredential: *stored, Masked: keyvault.MaskCredential(*stored)},
	}
	result, err := h.vault.Validate(r.Context(), caller.ID, providerID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"caller_id": caller.ID, "provider": providerID}).Warn("credentials: validation after store failed")
	} else {
		resp.Validation = result
		resp.Credential.ValidationStatus = result.Status
		resp.Credential.ValidationMessage = result.Message
		if result.RateLimited {
			resp.Credential.ValidationStatus = stored.ValidationStatus
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleValidate handles POST /v1/credentials/{providerID}/validate
func (h *CredentialHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	result, err := h.vault.Validate(r.Context(), caller.ID, chi.URLParam(r, "providerID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if result.RateLimited {
		w.Header().Set("Retry-After", "60")
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, result)
}

// HandleDisable handles POST /v1/credentials/{providerID}/disable
func (h *CredentialHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	if err := h.vault.Disable(r.Context(), caller.ID, chi.URLParam(r, "providerID")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete handles DELETE /v1/credentials/{providerID}
func (h *CredentialHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	if err := h.vault.Delete(r.Context(), caller.ID, chi.URLParam(r, "providerID")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
