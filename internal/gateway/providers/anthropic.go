package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicProber probes the Anthropic API through GET /v1/models
type AnthropicProber struct {
	httpClient *http.Client
}

// NewAnthropicProber creates a new Anthropic prober
func NewAnthropicProber(httpClient *http.Client) *AnthropicProber {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &AnthropicProber{httpClient: httpClient}
}

// Scheme returns the auth scheme this prober handles
func (p *AnthropicProber) Scheme() string {
	return "anthropic"
}

// Probe lists models with the given key
func (p *AnthropicProber) Probe(ctx context.Context, baseURL, apiKey string) error {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/models?limit=1", nil)
	if err != nil {
		return fmt.Errorf("build Anthropic probe: %w", err)
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Anthropic API error: %v: %w", err, ErrProviderUnavailable)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return statusError("Anthropic", httpResp.StatusCode, string(respBody))
	}
	return nil
}
