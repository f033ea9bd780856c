package recovery

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Morse2580/Mimir-sub001/pkg/config"
)

// HealthSample is one probe observation of an upstream service.
// LatencyMS stays zero when the probe failed before timing anything.
type HealthSample struct {
	Service    string    `json:"service"`
	Timestamp  time.Time `json:"timestamp"`
	Healthy    bool      `json:"healthy"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Readiness is the verdict on whether a service may leave degraded
// operation. Reason explains a negative verdict in operator terms.
type Readiness struct {
	Ready      bool    `json:"ready"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Readiness looks at the average latency of this many newest samples
const latencyWindow = 5

// byNewest returns the samples ordered most-recent-first without
// mutating the input.
func byNewest(samples []HealthSample) []HealthSample {
	sorted := make([]HealthSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	return sorted
}

// consecutiveHealthy counts the unbroken healthy run starting from
// the most recent sample.
func consecutiveHealthy(samples []HealthSample) int {
	run := 0
	for _, s := range byNewest(samples) {
		if !s.Healthy {
			break
		}
		run++
	}
	return run
}

// Healthy reports whether the most recent threshold samples are all
// healthy. Fewer samples than the threshold never qualifies.
func Healthy(samples []HealthSample, threshold int) bool {
	if threshold < 1 {
		threshold = 1
	}
	if len(samples) < threshold {
		return false
	}
	return consecutiveHealthy(samples) >= threshold
}

// Confidence scores how settled a recovery looks, in [0, 1]. The
// success rate over the recent window carries 70%, a complete
// consecutive-success run the remaining 30%, and the share of slow
// probes subtracts up to 0.2. No samples inside the window means no
// confidence.
func Confidence(samples []HealthSample, threshold int, recentWindow, slowLatency time.Duration, now time.Time) float64 {
	if threshold < 1 {
		threshold = 1
	}
	if len(samples) == 0 {
		return 0
	}

	cutoff := now.Add(-recentWindow)
	recent := make([]HealthSample, 0, len(samples))
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			recent = append(recent, s)
		}
	}
	if len(recent) == 0 {
		return 0
	}

	healthy := 0
	slow := 0
	for _, s := range recent {
		if s.Healthy {
			healthy++
		}
		if s.LatencyMS > slowLatency.Milliseconds() {
			slow++
		}
	}

	successRate := float64(healthy) / float64(len(recent))
	streak := math.Min(1, float64(consecutiveHealthy(recent))/float64(threshold))

	confidence := successRate*0.7 + streak*0.3
	confidence -= float64(slow) / float64(len(recent)) * 0.2

	return math.Max(0, math.Min(1, confidence))
}

// Evaluate renders the recovery verdict for one service's samples.
// Ready requires a full healthy streak, confidence at or above the
// floor, and recent latency back under the ceiling.
func Evaluate(samples []HealthSample, cfg *config.RecoveryConfig, now time.Time) Readiness {
	if len(samples) == 0 {
		return Readiness{Reason: "no health samples recorded"}
	}

	if !Healthy(samples, cfg.SuccessThreshold) {
		return Readiness{Reason: "health checks still failing"}
	}

	confidence := Confidence(samples, cfg.SuccessThreshold, cfg.RecentWindow, cfg.SlowProbeLatency, now)
	if confidence < cfg.ConfidenceFloor {
		return Readiness{
			Confidence: confidence,
			Reason:     fmt.Sprintf("confidence %.2f below required %.2f", confidence, cfg.ConfidenceFloor),
		}
	}

	if avg, measured := averageLatency(samples, latencyWindow); measured && avg > float64(cfg.MaxAverageLatency.Milliseconds()) {
		return Readiness{
			Confidence: confidence,
			Reason:     fmt.Sprintf("average latency %.0fms still elevated", avg),
		}
	}

	return Readiness{Ready: true, Confidence: confidence, Reason: "service ready for recovery"}
}

// averageLatency averages the newest n samples that measured a round
// trip. The second return is false when none did.
func averageLatency(samples []HealthSample, n int) (float64, bool) {
	newest := byNewest(samples)
	if len(newest) > n {
		newest = newest[:n]
	}

	var total int64
	measured := 0
	for _, s := range newest {
		if s.LatencyMS > 0 {
			total += s.LatencyMS
			measured++
		}
	}
	if measured == 0 {
		return 0, false
	}
	return float64(total) / float64(measured), true
}
