package degraded

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Well-known fallback names. Coverage weights reflect how much of
// normal service each one preserves; together they never claim full
// coverage.
const (
	FallbackCachedResponses = "cached_responses"
	FallbackOperationQueue  = "operation_queue"
	FallbackStaticFeed      = "static_feed"
)

var coverageWeights = map[string]float64{
	FallbackCachedResponses: 0.45,
	FallbackOperationQueue:  0.30,
	FallbackStaticFeed:      0.15,
}

// maxCoverage caps the estimate: degraded service is never reported as
// nearly whole.
const maxCoverage = 0.9

// The flag key is shared with every component that asks "are we
// degraded right now"; the sidecar holds activation metadata.
const (
	flagKey = "circuit_breaker:degraded_mode:active"
	metaKey = "circuit_breaker:degraded_mode:meta"
)

// Status is the degraded-mode snapshot exposed to operators and the
// governor facade
type Status struct {
	Active            bool      `json:"active"`
	Since             time.Time `json:"since,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	FallbacksActive   []string  `json:"fallbacks_active,omitempty"`
	EstimatedCoverage float64   `json:"estimated_coverage"`
}

type metadata struct {
	ActivatedAt time.Time `json:"activated_at"`
	Reason      string    `json:"reason"`
	Fallbacks   []string  `json:"fallbacks"`
}

// Manager owns the degraded-mode flag in the shared store. Entering is
// idempotent, exiting clears everything, and reads fail safe: if the
// store cannot be reached the system reports itself as not degraded
// rather than locking callers into fallbacks.
type Manager struct {
	store     *store.Client
	publisher events.Publisher
	logger    *logging.Logger
}

// New creates a degraded-mode manager
func New(client *store.Client, publisher events.Publisher, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	return &Manager{
		store:     client,
		publisher: publisher,
		logger:    logger,
	}
}

// Enter activates degraded mode with the given trigger reason and
// fallback names. A second Enter while already active merges the
// fallback set and keeps the original activation time and reason; only
// the first activation publishes an event.
func (m *Manager) Enter(ctx context.Context, reason string, fallbacks ...string) error {
	first, err := m.store.SetNX(ctx, flagKey, "1", 0)
	if err != nil {
		return err
	}

	if !first {
		return m.mergeFallbacks(ctx, fallbacks)
	}

	meta := metadata{
		ActivatedAt: time.Now().UTC(),
		Reason:      reason,
		Fallbacks:   normalize(fallbacks),
	}
	if err := m.saveMeta(ctx, meta); err != nil {
		return err
	}

	m.publisher.Publish(ctx, events.New(events.TypeDegradedModeEntered).
		WithPayload("reason", reason).
		WithPayload("fallbacks", meta.Fallbacks).
		WithPayload("estimated_coverage", Coverage(meta.Fallbacks)))

	m.logger.WithContext(ctx).WithFields(logging.Fields{
		"reason":    reason,
		"fallbacks": meta.Fallbacks,
	}).Warn("Degraded mode entered")
	return nil
}

// Exit deactivates degraded mode. Exiting while not active is a no-op.
func (m *Manager) Exit(ctx context.Context) error {
	meta, _ := m.loadMeta(ctx)

	removed, err := m.store.Del(ctx, flagKey, metaKey)
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}

	evt := events.New(events.TypeDegradedModeExited)
	if meta != nil {
		duration := time.Since(meta.ActivatedAt)
		evt = evt.WithPayload("since", meta.ActivatedAt.Format(time.RFC3339)).
			WithPayload("duration_seconds", int(duration.Seconds()))
	}
	m.publisher.Publish(ctx, evt)

	m.logger.WithContext(ctx).Info("Degraded mode exited")
	return nil
}

// Active reports whether degraded mode is on. A store failure reads as
// not degraded.
func (m *Manager) Active(ctx context.Context) bool {
	count, err := m.store.Exists(ctx, flagKey)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Debug("Degraded flag unreadable, assuming normal operation")
		return false
	}
	return count > 0
}

// Status returns the degraded-mode snapshot. Store failures degrade to
// an inactive status rather than erroring.
func (m *Manager) Status(ctx context.Context) *Status {
	if !m.Active(ctx) {
		return &Status{}
	}

	status := &Status{Active: true}
	meta, err := m.loadMeta(ctx)
	if err != nil || meta == nil {
		return status
	}

	status.Since = meta.ActivatedAt
	status.Reason = meta.Reason
	status.FallbacksActive = meta.Fallbacks
	status.EstimatedCoverage = Coverage(meta.Fallbacks)
	return status
}

// Coverage estimates how much of normal service the active fallbacks
// preserve: a fixed weight per fallback, summed and capped. Unknown
// names contribute nothing.
func Coverage(fallbacks []string) float64 {
	total := 0.0
	for _, name := range fallbacks {
		total += coverageWeights[name]
	}
	if total > maxCoverage {
		return maxCoverage
	}
	return total
}

func (m *Manager) mergeFallbacks(ctx context.Context, fallbacks []string) error {
	if len(fallbacks) == 0 {
		return nil
	}

	meta, err := m.loadMeta(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &metadata{ActivatedAt: time.Now().UTC()}
	}

	merged := normalize(append(meta.Fallbacks, fallbacks...))
	if len(merged) == len(meta.Fallbacks) {
		return nil
	}
	meta.Fallbacks = merged
	return m.saveMeta(ctx, *meta)
}

func (m *Manager) saveMeta(ctx context.Context, meta metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, metaKey, data, 0)
}

func (m *Manager) loadMeta(ctx context.Context) (*metadata, error) {
	raw, err := m.store.Get(ctx, metaKey)
	if err != nil {
		return nil, err
	}

	var meta metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Corrupt degraded-mode metadata")
		return nil, nil
	}
	return &meta, nil
}

// normalize dedupes and sorts fallback names so the stored set is
// stable regardless of call order
func normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
