package cache

import (
	"fmt"
	"time"
)

// Strategy names the degradation path chosen for a non-fresh read
type Strategy string

const (
	StrategyNone       Strategy = ""
	StrategyServeStale Strategy = "serve_stale"
	StrategyQueue      Strategy = "queue_for_later"
	StrategyStatic     Strategy = "static_fallback"
)

// ChooseFallback picks the strategy for a non-fresh read. Critical data
// outside degraded mode prefers a queued refresh over silently serving
// possibly-wrong data; inside degraded mode whatever exists is served.
func ChooseFallback(status Status, degradedActive, critical bool) Strategy {
	switch status {
	case StatusMissing:
		if degradedActive {
			return StrategyStatic
		}
		return StrategyQueue
	case StatusExpired:
		if degradedActive {
			return StrategyServeStale
		}
		return StrategyQueue
	case StatusStale:
		if critical && !degradedActive {
			return StrategyQueue
		}
		return StrategyServeStale
	default:
		return StrategyNone
	}
}

// Warning renders the staleness warning for a served entry, scaled to
// how far past current the entry has drifted.
func Warning(band Band, age time.Duration) string {
	hours := int(age.Hours())
	switch band {
	case BandVeryStale:
		return fmt.Sprintf("data is %d hours old and may be significantly outdated", hours)
	case BandStale:
		return fmt.Sprintf("data is %d hours old", hours)
	case BandAging:
		return fmt.Sprintf("data is %d hours old, a refresh has been scheduled", hours)
	case BandRecent:
		return "data may be slightly outdated"
	default:
		return ""
	}
}
