package main

import (
	"context"
	"strings"

	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/degraded"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/recovery"
	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/metrics"
)

// metricsSink is an events.Publisher that turns governance events into
// metric updates, so event counting rides the existing fanout instead
// of extra recording calls inside each component.
type metricsSink struct {
	metrics *metrics.Metrics
}

func newMetricsSink(m *metrics.Metrics) *metricsSink {
	return &metricsSink{metrics: m}
}

// Name returns the publisher name
func (s *metricsSink) Name() string {
	return "metrics"
}

// Publish maps one governance event onto its metric. Unmapped event
// types are ignored.
func (s *metricsSink) Publish(_ context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeKillSwitchActivated:
		s.metrics.RecordKillSwitch(e.Tenant)

	case events.TypeCircuitOpened:
		s.metrics.RecordCircuitTransition(e.Service, payloadString(e, "from_state", "closed"), "open")
	case events.TypeCircuitHalfOpen:
		s.metrics.RecordCircuitTransition(e.Service, "open", "half_open")
	case events.TypeCircuitClosed:
		s.metrics.RecordCircuitTransition(e.Service, payloadString(e, "from_state", "half_open"), "closed")

	case events.TypeCacheHit:
		s.metrics.RecordCacheRead(keyNamespace(payloadString(e, "key", "")), "hit", "")
	case events.TypeCacheStaleServed:
		s.metrics.RecordCacheRead(keyNamespace(payloadString(e, "key", "")), "stale", "serve_stale")
	case events.TypeCacheMiss:
		s.metrics.RecordCacheRead(keyNamespace(payloadString(e, "key", "")),
			payloadString(e, "status", "missing"), payloadString(e, "strategy", ""))

	case events.TypeOperationCompleted:
		s.metrics.RecordQueueOutcome(payloadString(e, "operation_type", "unknown"), "completed")
	case events.TypeOperationFailed:
		outcome := "retry_scheduled"
		if terminal, ok := e.Payload["terminal"].(bool); ok && terminal {
			outcome = "failed"
		}
		s.metrics.RecordQueueOutcome(payloadString(e, "operation_type", "unknown"), outcome)
	case events.TypeOperationCancelled:
		s.metrics.RecordQueueOutcome(payloadString(e, "operation_type", "unknown"), "cancelled")
	case events.TypeOperationExpired:
		s.metrics.RecordQueueOutcome(payloadString(e, "operation_type", "unknown"), "expired")

	case events.TypePlanCreated:
		s.metrics.RecordRecoveryPlan(e.Service, "created")
	case events.TypePlanCompleted:
		s.metrics.RecordRecoveryPlan(e.Service, "completed")
	case events.TypePlanFailed:
		s.metrics.RecordRecoveryPlan(e.Service, "failed")
	}
	return nil
}

func payloadString(e events.Event, key, fallback string) string {
	if v, ok := e.Payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// keyNamespace extracts the namespace segment of a stored cache key,
// "cache:namespace:identifier:version"
func keyNamespace(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "cache" {
		return parts[1]
	}
	return "unknown"
}

// collectFuncs builds the periodic gauge collectors: queue depth, store
// pool stats, per-tenant budget, degraded posture and recovery
// confidence. Collection failures leave the previous gauge values in
// place.
func collectFuncs(st *store.Client, bud *budget.Governor, q *queue.Queue, deg *degraded.Manager, det *recovery.Detector) []metrics.CollectFunc {
	return []metrics.CollectFunc{
		func(ctx context.Context, m *metrics.Metrics) {
			qm, err := q.Metrics(ctx)
			if err != nil {
				return
			}
			m.UpdateQueueSize("queued", int64(qm.Queued))
			m.UpdateQueueSize("in_progress", int64(qm.InProgress))
			m.UpdateQueueSize("completed", int64(qm.Completed))
			m.UpdateQueueSize("failed", int64(qm.Failed))
			m.UpdateQueueSize("expired", int64(qm.Expired))
			m.UpdateQueueSize("cancelled", int64(qm.Cancelled))
			m.UpdateQueueSize("dead_lettered", qm.DeadLettered)
		},
		func(_ context.Context, m *metrics.Metrics) {
			stats := st.Stats()
			m.UpdateStoreConnections(int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns))
		},
		func(ctx context.Context, m *metrics.Metrics) {
			status := deg.Status(ctx)
			m.UpdateDegradedMode(status.Active, status.EstimatedCoverage)
		},
		func(ctx context.Context, m *metrics.Metrics) {
			tenants, err := bud.Tenants(ctx)
			if err != nil {
				return
			}
			for _, tenant := range tenants {
				state, err := bud.Status(ctx, tenant)
				if err != nil {
					continue
				}
				m.UpdateTenantBudget(tenant, state.CurrentSpend.Euros(), state.Utilization)
			}
		},
		func(ctx context.Context, m *metrics.Metrics) {
			for _, service := range det.Status(ctx).MonitoredServices {
				readiness := det.EvaluateReadiness(ctx, service)
				m.UpdateRecoveryConfidence(service, readiness.Confidence)
			}
		},
	}
}
