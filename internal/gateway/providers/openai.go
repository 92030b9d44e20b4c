package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProber probes OpenAI-compatible APIs through the models list endpoint
type OpenAIProber struct {
	httpClient *http.Client
}

// NewOpenAIProber creates a new OpenAI prober
func NewOpenAIProber(httpClient *http.Client) *OpenAIProber {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &OpenAIProber{httpClient: httpClient}
}

// Scheme returns the auth scheme this prober handles
func (p *OpenAIProber) Scheme() string {
	return "openai"
}

// Probe lists models with the given key
func (p *OpenAIProber) Probe(ctx context.Context, baseURL, apiKey string) error {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = p.httpClient

	client := openai.NewClientWithConfig(cfg)
	if _, err := client.ListModels(ctx); err != nil {
		return classifyOpenAIError(err)
	}
	return nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError("OpenAI", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError("OpenAI", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("OpenAI API error: %v: %w", err, ErrProviderUnavailable)
}
