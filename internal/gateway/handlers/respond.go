package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrNoEligibleModel, http.StatusServiceUnavailable, "no_eligible_model"},
	{models.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{models.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{models.ErrCredentialInvalid, http.StatusUnprocessableEntity, "credential_invalid"},
	{models.ErrUpstreamFailure, http.StatusBadGateway, "upstream_failure"},
	{models.ErrSessionNotFound, http.StatusNotFound, "request_not_found"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrAttemptSettled, http.StatusConflict, "attempt_settled"},
	{models.ErrSystemProvider, http.StatusConflict, "system_provider"},
	{models.ErrProviderInactive, http.StatusConflict, "provider_inactive"},
	{models.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{models.ErrInvalidEntry, http.StatusBadRequest, "invalid_entry"},
}

// writeFailure maps taxonomy errors to their status; anything else is an internal fault
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			if models.IsOutcome(err) {
				log.WithError(err).WithField("path", r.URL.Path).Info("request refused")
			}
			writeError(w, e.status, e.code, e.err.Error())
			return
		}
	}
	log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}
