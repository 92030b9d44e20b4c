package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Probe outcomes.
var (
	// ErrCredentialRejected means the provider refused the key (401/403)
	ErrCredentialRejected = errors.New("credential rejected by provider")
	// ErrProviderUnavailable means the provider could not answer (network, 429, 5xx)
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrUnsupportedScheme means no prober exists for the provider's auth scheme
	ErrUnsupportedScheme = errors.New("unsupported auth scheme")
)

// Target identifies where and how to probe
type Target struct {
	BaseURL    string
	AuthScheme string
}

// Prober is implemented per provider API flavor. A probe is a cheap
// authenticated call (a model listing), never an inference request.
type Prober interface {
	Probe(ctx context.Context, baseURL, apiKey string) error
	Scheme() string
}

// ProbeResult is the outcome of one probe
type ProbeResult struct {
	Latency time.Duration
	Err     error
}

// statusError classifies an HTTP status from a probe response
func statusError(provider string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s API error (status %d): %w", provider, status, ErrCredentialRejected)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s API error (status %d): %w", provider, status, ErrProviderUnavailable)
	default:
		return fmt.Errorf("%s API error (status %d): %s", provider, status, body)
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}
