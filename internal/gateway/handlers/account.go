package handlers

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Accounts reads and tops up balances
type Accounts interface {
	EnsureAccount(ctx context.Context, callerID string) (*models.CreditAccount, error)
	Credit(ctx context.Context, callerID string, amount decimal.Decimal, txType models.TransactionType, reason string) (*models.CreditAccount, error)
}

type AccountHandler struct {
	accounts Accounts
}

func NewAccountHandler(accounts Accounts) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// HandleBalance handles GET /v1/balance
func (h *AccountHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	account, err := h.accounts.EnsureAccount(r.Context(), caller.ID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type creditRequest struct {
	CallerID string          `json:"caller_id"`
	Amount   decimal.Decimal `json:"amount"`
	Type     string          `json:"type"`
	Reason   string          `json:"reason"`
}

// HandleCredit handles POST /v1/credits
func (h *AccountHandler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CallerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "caller_id is required")
		return
	}
	txType := models.TransactionType(req.Type)
	if txType == "" {
		txType = models.TxPurchase
	}
	switch txType {
	case models.TxPurchase, models.TxBonus, models.TxRefund:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "type must be purchase, bonus or refund")
		return
	}

	account, err := h.accounts.Credit(r.Context(), req.CallerID, req.Amount, txType, req.Reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}
