package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProber_AcceptsValidKey(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-good", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`))
	})

	err := NewOpenAIProber(srv.Client()).Probe(context.Background(), srv.URL+"/v1", "sk-good")
	assert.NoError(t, err)
}

func TestOpenAIProber_RejectedKey(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	})

	err := NewOpenAIProber(srv.Client()).Probe(context.Background(), srv.URL+"/v1", "sk-bad")
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestAnthropicProber_Headers(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "sk-ant-good", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"data":[]}`))
	})

	err := NewAnthropicProber(srv.Client()).Probe(context.Background(), srv.URL, "sk-ant-good")
	assert.NoError(t, err)
}

func TestAnthropicProber_ServerErrorIsUnavailable(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := NewAnthropicProber(srv.Client()).Probe(context.Background(), srv.URL, "sk-ant")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestGeminiProber_InvalidKey(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AIza-bad", r.URL.Query().Get("key"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_INVALID"}]}}`))
	})

	err := NewGeminiProber(srv.Client()).Probe(context.Background(), srv.URL, "AIza-bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialRejected)
	assert.NotContains(t, err.Error(), "AIza-bad")
}

func TestProbeSet_UnknownScheme(t *testing.T) {
	res := NewProbeSet(nil).Probe(context.Background(), Target{AuthScheme: "carrier-pigeon"}, "k")
	assert.ErrorIs(t, res.Err, ErrUnsupportedScheme)
}

func TestProbeSet_MeasuresLatency(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})

	res := NewProbeSet(srv.Client()).Probe(context.Background(), Target{BaseURL: srv.URL, AuthScheme: "anthropic"}, "k")
	require.NoError(t, res.Err)
	assert.Greater(t, int64(res.Latency), int64(0))
}
