package handlers

import (
	"context"
	"net/http"

	"github.com/mrmushfiq/llm0-router/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-router/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Orchestrator routes and settles attempts
type Orchestrator interface {
	Route(ctx context.Context, in orchestrator.InboundRequest) (*orchestrator.Route, error)
	Settle(ctx context.Context, req orchestrator.SettleRequest) (*orchestrator.Settlement, error)
}

type ChatHandler struct {
	orch Orchestrator
}

func NewChatHandler(orch Orchestrator) *ChatHandler {
	return &ChatHandler{orch: orch}
}

type routeRequest struct {
	PowerLevel   string                 `json:"power_level"`
	TaskType     string                 `json:"task_type"`
	Messages     []orchestrator.Message `json:"messages"`
	MaxTokens    int                    `json:"max_tokens"`
	Capabilities models.Capabilities    `json:"capabilities"`
}

// HandleRoute handles POST /v1/route
func (h *ChatHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req routeRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := models.ParsePowerLevel(req.PowerLevel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_power_level", err.Error())
		return
	}
	if req.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "max_tokens must not be negative")
		return
	}

	route, err := h.orch.Route(r.Context(), orchestrator.InboundRequest{
		Caller:     caller,
		PowerLevel: req.PowerLevel,
		TaskType:   req.TaskType,
		Messages:   req.Messages,
		MaxTokens:  req.MaxTokens,
		Required:   req.Capabilities,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("X-Provider", route.Provider)
	if route.WasFallback {
		w.Header().Set("X-Failover", "true")
	}
	writeJSON(w, http.StatusOK, route)
}

type settleRequest struct {
	RequestID        string `json:"request_id"`
	Attempt          int    `json:"attempt"`
	Status           int    `json:"status"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CachedTokens     int    `json:"cached_tokens"`
	LatencyMs        int    `json:"latency_ms"`
	Error            string `json:"error"`
	Cancelled        bool   `json:"cancelled"`
}

// HandleSettle handles POST /v1/settle
func (h *ChatHandler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" || req.Attempt < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id and attempt are required")
		return
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 || req.CachedTokens < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "token counts must not be negative")
		return
	}

	st, err := h.orch.Settle(r.Context(), orchestrator.SettleRequest{
		Caller:     caller,
		RequestID:  req.RequestID,
		Attempt:    req.Attempt,
		StatusCode: req.Status,
		Usage: ledger.Usage{
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
			CachedTokens:     req.CachedTokens,
		},
		LatencyMs: req.LatencyMs,
		Error:     req.Error,
		Cancelled: req.Cancelled,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("X-Cost-Credits", st.CostCharged.String())
	writeJSON(w, http.StatusOK, st)
}
