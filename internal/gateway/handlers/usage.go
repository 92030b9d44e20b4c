package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// UsageLister reads a caller's attempt history
type UsageLister interface {
	ListUsageByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]models.UsageRecord, error)
}

type UsageHandler struct {
	usage UsageLister
	now   func() time.Time
}

func NewUsageHandler(usage UsageLister) *UsageHandler {
	return &UsageHandler{usage: usage, now: time.Now}
}

// HandleList handles GET /v1/usage?since=<RFC3339>&limit=<n>. since defaults to 24h ago.
func (h *UsageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	since := h.now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		since = t
	}

	limit := defaultUsageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > maxUsageLimit {
			n = maxUsageLimit
		}
		limit = n
	}

	records, err := h.usage.ListUsageByCaller(r.Context(), caller.ID, since, limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if records == nil {
		records = []models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}
