package recovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Morse2580/Mimir-sub001/pkg/config"
)

// Target names one upstream service and the endpoint to probe
type Target struct {
	Service string `json:"service"`
	URL     string `json:"url"`
}

// ParseTargets parses the RECOVERY_TARGETS format: comma-separated
// service=url pairs, e.g. "parallel-api=https://api.example.com/health".
func ParseTargets(s string) ([]Target, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var targets []Target
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("malformed recovery target %q, want service=url", pair)
		}
		targets = append(targets, Target{Service: name, URL: url})
	}
	return targets, nil
}

// Prober produces one health sample for a target. Implementations
// report failures inside the sample, never as a separate error, so
// the monitor loop records every outcome the same way.
type Prober interface {
	Probe(ctx context.Context, target Target) HealthSample
}

// HTTPProber probes targets with an HTTP GET. A sample counts as
// healthy when the status matches the expected code and the round
// trip stays within the latency bound.
type HTTPProber struct {
	client         *http.Client
	expectedStatus int
	maxLatency     time.Duration
}

// NewHTTPProber creates a prober from the recovery configuration
func NewHTTPProber(cfg *config.RecoveryConfig) *HTTPProber {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	expected := cfg.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	maxLatency := cfg.MaxProbeLatency
	if maxLatency <= 0 {
		maxLatency = 2 * time.Second
	}

	return &HTTPProber{
		client:         &http.Client{Timeout: timeout},
		expectedStatus: expected,
		maxLatency:     maxLatency,
	}
}

// WithClient replaces the HTTP client, keeping its timeout. Callers
// use this to wire in an instrumented client.
func (p *HTTPProber) WithClient(client *http.Client) *HTTPProber {
	if client != nil {
		if client.Timeout == 0 {
			client.Timeout = p.client.Timeout
		}
		p.client = client
	}
	return p
}

// Probe issues one GET against the target
func (p *HTTPProber) Probe(ctx context.Context, target Target) HealthSample {
	sample := HealthSample{
		Service:   target.Service,
		Timestamp: time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target.URL, nil)
	if err != nil {
		sample.Error = fmt.Sprintf("failed to create request: %v", err)
		return sample
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	sample.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		sample.Error = fmt.Sprintf("request failed: %v", err)
		return sample
	}
	defer resp.Body.Close()

	sample.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode != p.expectedStatus:
		sample.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	case sample.LatencyMS > p.maxLatency.Milliseconds():
		sample.Error = fmt.Sprintf("response took %dms", sample.LatencyMS)
	default:
		sample.Healthy = true
	}

	return sample
}
