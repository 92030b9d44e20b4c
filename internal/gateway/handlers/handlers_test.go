package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-router/internal/gateway/keyvault"
	"github.com/mrmushfiq/llm0-router/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-router/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-router/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

type fakeResolver map[string]models.Caller

func (f fakeResolver) ResolveCaller(ctx context.Context, rawKey string) (*models.Caller, error) {
	c, ok := f[rawKey]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

type fakeCounter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeCounter) AllowRolling(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return false, 0, f.err
	}
	if !f.allow {
		return false, 0, nil
	}
	return true, limit - 1, nil
}

type fakeOrch struct {
	route    *orchestrator.Route
	settled  *orchestrator.Settlement
	err      error
	lastIn   orchestrator.InboundRequest
	lastSett orchestrator.SettleRequest
}

func (f *fakeOrch) Route(ctx context.Context, in orchestrator.InboundRequest) (*orchestrator.Route, error) {
	f.lastIn = in
	return f.route, f.err
}

func (f *fakeOrch) Settle(ctx context.Context, req orchestrator.SettleRequest) (*orchestrator.Settlement, error) {
	f.lastSett = req
	return f.settled, f.err
}

type fakeVault struct {
	stored    map[string]string
	result    *keyvault.ValidationResult
	storeErr  error
	disabled  []string
	deleteErr error
}

func (f *fakeVault) Store(ctx context.Context, callerID, providerID, raw string) (*models.CallerCredential, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.stored[providerID] = raw
	prefix, suffix := raw[:4], raw[len(raw)-4:]
	return &models.CallerCredential{
		CallerID:         callerID,
		ProviderID:       providerID,
		KeyPrefix:        prefix,
		KeySuffix:        suffix,
		Enabled:          true,
		ValidationStatus: models.ValidationPending,
	}, nil
}

func (f *fakeVault) Validate(ctx context.Context, callerID, providerID string) (*keyvault.ValidationResult, error) {
	return f.result, nil
}

func (f *fakeVault) List(ctx context.Context, callerID string) ([]keyvault.MaskedCredential, error) {
	return nil, nil
}

func (f *fakeVault) Disable(ctx context.Context, callerID, providerID string) error {
	f.disabled = append(f.disabled, providerID)
	return nil
}

func (f *fakeVault) Delete(ctx context.Context, callerID, providerID string) error {
	return f.deleteErr
}

type fakeUsage struct {
	records []models.UsageRecord
	since   time.Time
	limit   int
}

func (f *fakeUsage) ListUsageByCaller(ctx context.Context, callerID string, since time.Time, limit int) ([]models.UsageRecord, error) {
	f.since = since
	f.limit = limit
	var out []models.UsageRecord
	for _, r := range f.records {
		if r.CallerID == callerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeCatalog struct {
	models      []models.Model
	filter      registry.ModelFilter
	saved       []interface{}
	deleted     []string
	invalidated int
	err         error
}

func (f *fakeCatalog) ListActiveModels(ctx context.Context, filter registry.ModelFilter) ([]models.Model, error) {
	f.filter = filter
	return f.models, nil
}

func (f *fakeCatalog) SaveProvider(ctx context.Context, p models.Provider) error {
	f.saved = append(f.saved, p)
	return f.err
}

func (f *fakeCatalog) SaveModel(ctx context.Context, m models.Model) error {
	f.saved = append(f.saved, m)
	return f.err
}

func (f *fakeCatalog) SaveRoutingRule(ctx context.Context, rule models.RoutingRule) error {
	f.saved = append(f.saved, rule)
	return f.err
}

func (f *fakeCatalog) DeleteProvider(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeCatalog) DeleteModel(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeCatalog) CheckHealth(ctx context.Context, providerID string) (models.HealthStatus, error) {
	return models.HealthHealthy, f.err
}

func (f *fakeCatalog) Invalidate(ctx context.Context) {
	f.invalidated++
}

type harness struct {
	server  http.Handler
	orch    *fakeOrch
	vault   *fakeVault
	counter *fakeCounter
	ledger  *ledger.Ledger
	usage   *fakeUsage
	catalog *fakeCatalog
}

func newHarness() *harness {
	h := &harness{
		orch:    &fakeOrch{},
		vault:   &fakeVault{stored: map[string]string{}},
		counter: &fakeCounter{allow: true},
		ledger:  ledger.New(ledger.NewMemoryStore(), decimal.NewFromInt(5), models.TierFree),
		usage:   &fakeUsage{},
		catalog: &fakeCatalog{},
	}
	callers := fakeResolver{
		"key-user":  {ID: "caller-1", Tier: models.TierFree},
		"key-admin": {ID: "admin-1", Tier: models.TierAdmin},
	}
	h.server = NewRouter(
		NewMiddleware(callers, h.counter, 600),
		NewChatHandler(h.orch),
		NewAccountHandler(h.ledger),
		NewCredentialHandler(h.vault),
		NewUsageHandler(h.usage),
		NewCatalogHandler(h.catalog),
	)
	return h
}

func (h *harness) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/v1/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/v1/balance", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/v1/balance", "key-user", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "599", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"ratelimit:requests:caller-1"}, h.counter.keys)

	h.counter.allow = false
	rec = h.do(http.MethodGet, "/v1/balance", "key-user", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := newHarness()
	h.counter.err = errors.New("redis down")

	rec := h.do(http.MethodGet, "/v1/balance", "key-user", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestBalanceProvisionsAccount(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/v1/balance", "key-user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var account models.CreditAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "caller-1", account.CallerID)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(5)))
}

func TestCreditRequiresAdmin(t *testing.T) {
	h := newHarness()
	body := `{"caller_id":"caller-1","amount":"2.5","type":"bonus","reason":"welcome"}`

	rec := h.do(http.MethodPost, "/v1/credits", "key-user", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/credits", "key-admin", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var account models.CreditAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("7.5")))
}

func TestCreditRejectsBadInput(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPost, "/v1/credits", "key-admin", `{"caller_id":"caller-1","amount":"1","type":"usage"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/credits", "key-admin", `{"caller_id":"caller-1","amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/credits", "key-admin", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoute(t *testing.T) {
	h := newHarness()
	h.orch.route = &orchestrator.Route{
		RequestID:        "req-1",
		Attempt:          1,
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		CredentialSource: models.SourcePooled,
	}

	body := `{"power_level":"eco","task_type":"chat","messages":[{"role":"user","content":"hi"}],"max_tokens":64}`
	rec := h.do(http.MethodPost, "/v1/route", "key-user", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openai", rec.Header().Get("X-Provider"))

	var route orchestrator.Route
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	assert.Equal(t, "req-1", route.RequestID)
	assert.Equal(t, "caller-1", h.orch.lastIn.Caller.ID)
	assert.Equal(t, "eco", h.orch.lastIn.PowerLevel)
	assert.Equal(t, 64, h.orch.lastIn.MaxTokens)
	require.Len(t, h.orch.lastIn.Messages, 1)
}

func TestRouteErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"unknown power level", `{"power_level":"turbo"}`, nil, http.StatusBadRequest, "invalid_power_level"},
		{"negative max tokens", `{"max_tokens":-1}`, nil, http.StatusBadRequest, "invalid_request"},
		{"no eligible model", `{}`, models.ErrNoEligibleModel, http.StatusServiceUnavailable, "no_eligible_model"},
		{"insufficient balance", `{}`, models.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{"internal", `{}`, errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.orch.err = tt.err
			rec := h.do(http.MethodPost, "/v1/route", "key-user", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestSettle(t *testing.T) {
	h := newHarness()
	h.orch.settled = &orchestrator.Settlement{
		Outcome:     orchestrator.OutcomeSucceeded,
		CostCharged: decimal.RequireFromString("0.003085"),
	}

	body := `{"request_id":"req-1","attempt":1,"status":200,"prompt_tokens":100,"completion_tokens":50,"cached_tokens":10,"latency_ms":420}`
	rec := h.do(http.MethodPost, "/v1/settle", "key-user", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.003085", rec.Header().Get("X-Cost-Credits"))

	got := h.orch.lastSett
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, ledger.Usage{PromptTokens: 100, CompletionTokens: 50, CachedTokens: 10}, got.Usage)
	assert.Equal(t, "caller-1", got.Caller.ID)
}

func TestSettleErrors(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPost, "/v1/settle", "key-user", `{"attempt":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/settle", "key-user", `{"request_id":"r","attempt":1,"prompt_tokens":-3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.orch.err = models.ErrAttemptSettled
	rec = h.do(http.MethodPost, "/v1/settle", "key-user", `{"request_id":"r","attempt":1,"status":200}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.orch.err = models.ErrSessionNotFound
	rec = h.do(http.MethodPost, "/v1/settle", "key-user", `{"request_id":"r","attempt":1,"status":200}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "request_not_found", errorCode(t, rec))
}

func TestStoreCredentialValidates(t *testing.T) {
	h := newHarness()
	h.vault.result = &keyvault.ValidationResult{Status: models.ValidationValid, LatencyMs: 80}

	rec := h.do(http.MethodPut, "/v1/credentials/openai", "key-user", `{"api_key":"sk-test-abcdefghijkl"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-test-abcdefghijkl", h.vault.stored["openai"])
	assert.NotContains(t, rec.Body.String(), "sk-test-abcdefghijkl")

	var resp storeCredentialResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ValidationValid, resp.Credential.ValidationStatus)
	assert.Equal(t, "sk-t****ijkl", resp.Credential.Masked)
}

func TestStoreCredentialErrors(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPut, "/v1/credentials/openai", "key-user", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.vault.storeErr = models.ErrSystemProvider
	rec = h.do(http.MethodPut, "/v1/credentials/internal", "key-user", `{"api_key":"sk-test-abcdefghijkl"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestValidateRateLimited(t *testing.T) {
	h := newHarness()
	h.vault.result = &keyvault.ValidationResult{Status: models.ValidationPending, RateLimited: true}

	rec := h.do(http.MethodPost, "/v1/credentials/openai/validate", "key-user", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestDisableAndDelete(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPost, "/v1/credentials/openai/disable", "key-user", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"openai"}, h.vault.disabled)

	h.vault.deleteErr = models.ErrNotFound
	rec = h.do(http.MethodDelete, "/v1/credentials/openai", "key-user", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodOptions, "/v1/route", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestUsageHistory(t *testing.T) {
	h := newHarness()
	h.usage.records = []models.UsageRecord{
		{ID: "u1", CallerID: "caller-1", RequestID: "req-1", AttemptNumber: 1, StatusCode: 200},
		{ID: "u2", CallerID: "someone-else", RequestID: "req-2", AttemptNumber: 1, StatusCode: 200},
	}

	rec := h.do(http.MethodGet, "/v1/usage?since=2026-01-01T00:00:00Z&limit=5000", "key-user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxUsageLimit, h.usage.limit)
	assert.Equal(t, 2026, h.usage.since.Year())

	var body struct {
		Records []models.UsageRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "u1", body.Records[0].ID)

	rec = h.do(http.MethodGet, "/v1/usage?limit=0", "key-user", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/usage?since=yesterday", "key-user", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListModelsScopedToTier(t *testing.T) {
	h := newHarness()
	h.catalog.models = []models.Model{{ID: "openai/gpt-4o-mini", ProviderID: "openai", ModelID: "gpt-4o-mini"}}

	rec := h.do(http.MethodGet, "/v1/models?power_level=eco&provider=openai", "key-user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TierFree, h.catalog.filter.CallerTier)
	assert.Equal(t, models.PowerEco, h.catalog.filter.PowerLevel)
	assert.Equal(t, "openai", h.catalog.filter.ProviderID)
	assert.Contains(t, rec.Body.String(), "openai/gpt-4o-mini")

	rec = h.do(http.MethodGet, "/v1/models?power_level=turbo", "key-user", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPost, "/v1/admin/catalog/invalidate", "key-user", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, h.catalog.invalidated)

	rec = h.do(http.MethodPost, "/v1/admin/catalog/invalidate", "key-admin", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, h.catalog.invalidated)
}

func TestAdminSaveModelDerivesID(t *testing.T) {
	h := newHarness()

	body := `{"provider_id":"openai","model_id":"gpt-4o","power_level":"balanced","input_cost_per_m":"2.5","output_cost_per_m":"10"}`
	rec := h.do(http.MethodPut, "/v1/admin/models", "key-admin", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.catalog.saved, 1)

	m := h.catalog.saved[0].(models.Model)
	assert.Equal(t, "openai/gpt-4o", m.ID)
	assert.True(t, m.OutputCostPerM.Equal(decimal.NewFromInt(10)))
}

func TestAdminErrors(t *testing.T) {
	h := newHarness()

	h.catalog.err = models.ErrInvalidEntry
	rec := h.do(http.MethodPut, "/v1/admin/rules/r1", "key-admin", `{"model_id":"openai/gpt-4o","power_level":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_entry", errorCode(t, rec))

	h.catalog.err = models.ErrSystemProvider
	rec = h.do(http.MethodDelete, "/v1/admin/providers/openai", "key-admin", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"openai"}, h.catalog.deleted)

	rec = h.do(http.MethodDelete, "/v1/admin/models", "key-admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSaveProviderKeepsActiveByDefault(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodPut, "/v1/admin/providers/openai", "key-admin", `{"name":"OpenAI","auth_scheme":"openai"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPut, "/v1/admin/providers/acme", "key-admin", `{"auth_scheme":"openai","is_active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.catalog.saved, 2)
	first := h.catalog.saved[0].(models.Provider)
	assert.Equal(t, "openai", first.ID)
	assert.True(t, first.IsActive)
	assert.False(t, h.catalog.saved[1].(models.Provider).IsActive)
}

func TestFailureLogLevels(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	h := newHarness()
	body := `{"request_id":"r","attempt":1,"status":200}`

	h.orch.err = models.ErrInsufficientBalance
	rec := h.do(http.MethodPost, "/v1/settle", "key-user", body)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.InfoLevel, hook.LastEntry().Level)

	hook.Reset()
	h.orch.err = models.ErrAttemptSettled
	rec = h.do(http.MethodPost, "/v1/settle", "key-user", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, hook.AllEntries())

	h.orch.err = errors.New("connection reset")
	rec = h.do(http.MethodPost, "/v1/settle", "key-user", body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
}
