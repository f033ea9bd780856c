package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChooseFallback(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		degraded bool
		critical bool
		want     Strategy
	}{
		{"missing normal", StatusMissing, false, false, StrategyQueue},
		{"missing critical", StatusMissing, false, true, StrategyQueue},
		{"missing degraded", StatusMissing, true, false, StrategyStatic},
		{"expired normal", StatusExpired, false, false, StrategyQueue},
		{"expired degraded", StatusExpired, true, false, StrategyServeStale},
		{"stale normal", StatusStale, false, false, StrategyServeStale},
		{"stale critical", StatusStale, false, true, StrategyQueue},
		{"stale critical degraded", StatusStale, true, true, StrategyServeStale},
		{"stale degraded", StatusStale, true, false, StrategyServeStale},
		{"fresh never falls back", StatusFresh, true, true, StrategyNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChooseFallback(tt.status, tt.degraded, tt.critical)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWarning_ScalesWithBand(t *testing.T) {
	assert.Empty(t, Warning(BandCurrent, 10*time.Minute))
	assert.Contains(t, Warning(BandRecent, 3*time.Hour), "slightly outdated")
	assert.Contains(t, Warning(BandAging, 12*time.Hour), "12 hours old")
	assert.Contains(t, Warning(BandStale, 72*time.Hour), "72 hours old")
	assert.Contains(t, Warning(BandVeryStale, 200*time.Hour), "significantly outdated")
}
