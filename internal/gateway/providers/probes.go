package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeSet dispatches probes by auth scheme
type ProbeSet struct {
	probers map[string]Prober
}

// NewProbeSet registers the built-in probers sharing one HTTP client
func NewProbeSet(httpClient *http.Client) *ProbeSet {
	return NewProbeSetWith(
		NewOpenAIProber(httpClient),
		NewAnthropicProber(httpClient),
		NewGeminiProber(httpClient),
	)
}

// NewProbeSetWith builds a ProbeSet from explicit probers
func NewProbeSetWith(probers ...Prober) *ProbeSet {
	s := &ProbeSet{probers: make(map[string]Prober, len(probers))}
	for _, p := range probers {
		s.probers[p.Scheme()] = p
	}
	return s
}

// Probe runs the prober for target's auth scheme and measures latency
func (s *ProbeSet) Probe(ctx context.Context, target Target, apiKey string) ProbeResult {
	p, ok := s.probers[target.AuthScheme]
	if !ok {
		return ProbeResult{Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, target.AuthScheme)}
	}

	start := time.Now()
	err := p.Probe(ctx, target.BaseURL, apiKey)
	return ProbeResult{Latency: time.Since(start), Err: err}
}
