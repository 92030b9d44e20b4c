package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProber probes the Gemini API through GET /v1beta/models
type GeminiProber struct {
	httpClient *http.Client
}

// NewGeminiProber creates a new Gemini prober
func NewGeminiProber(httpClient *http.Client) *GeminiProber {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &GeminiProber{httpClient: httpClient}
}

// Scheme returns the auth scheme this prober handles
func (p *GeminiProber) Scheme() string {
	return "gemini"
}

// Probe lists models with the given key
func (p *GeminiProber) Probe(ctx context.Context, baseURL, apiKey string) error {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1beta/models?pageSize=1&key=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build Gemini probe: %w", err)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// the URL carries the key; never surface it
		return fmt.Errorf("Gemini API error: request failed: %w", ErrProviderUnavailable)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		// Gemini answers a bad key with 400 INVALID_ARGUMENT
		if httpResp.StatusCode == http.StatusBadRequest && strings.Contains(string(respBody), "API_KEY_INVALID") {
			return fmt.Errorf("Gemini API error (status 400): %w", ErrCredentialRejected)
		}
		return statusError("Gemini", httpResp.StatusCode, string(respBody))
	}
	return nil
}
