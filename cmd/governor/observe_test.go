package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/degraded"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/recovery"
	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/metrics"
)

func newSinkMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(
		&metrics.Config{Namespace: "governor", Enabled: true}, prometheus.NewRegistry())
}

func TestMetricsSink_MapsGovernanceEvents(t *testing.T) {
	m := newSinkMetrics()
	sink := newMetricsSink(m)
	ctx := context.Background()

	assert.Equal(t, "metrics", sink.Name())

	publish := func(e events.Event) {
		require.NoError(t, sink.Publish(ctx, e))
	}

	publish(events.New(events.TypeKillSwitchActivated).WithTenant("tenant-a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KillSwitchActivations.WithLabelValues("tenant-a")))

	publish(events.New(events.TypeCircuitOpened).
		WithService("parallel-api").WithPayload("from_state", "closed"))
	publish(events.New(events.TypeCircuitHalfOpen).WithService("parallel-api"))
	publish(events.New(events.TypeCircuitClosed).WithService("parallel-api"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("parallel-api", "closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("parallel-api", "open", "half_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("parallel-api", "half_open", "closed")))

	publish(events.New(events.TypeCacheHit).WithPayload("key", "cache:search:q-42:v1"))
	publish(events.New(events.TypeCacheStaleServed).WithPayload("key", "cache:search:q-42:v1"))
	publish(events.New(events.TypeCacheMiss).
		WithPayload("key", "cache:profile:p-1:v1").
		WithPayload("status", "missing").
		WithPayload("strategy", "queue_for_later"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("search", "hit", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("search", "stale", "serve_stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("profile", "missing", "queue_for_later")))

	publish(events.New(events.TypeOperationCompleted).WithPayload("operation_type", "parallel_search"))
	publish(events.New(events.TypeOperationFailed).
		WithPayload("operation_type", "parallel_search").WithPayload("terminal", false))
	publish(events.New(events.TypeOperationFailed).
		WithPayload("operation_type", "parallel_search").WithPayload("terminal", true))
	publish(events.New(events.TypeOperationCancelled).WithPayload("operation_type", "custom"))
	publish(events.New(events.TypeOperationExpired).WithPayload("operation_type", "custom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueOutcomes.WithLabelValues("parallel_search", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueOutcomes.WithLabelValues("parallel_search", "retry_scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueOutcomes.WithLabelValues("parallel_search", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueOutcomes.WithLabelValues("custom", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueOutcomes.WithLabelValues("custom", "expired")))

	publish(events.New(events.TypePlanCreated).WithService("parallel-api"))
	publish(events.New(events.TypePlanCompleted).WithService("parallel-api"))
	publish(events.New(events.TypePlanFailed).WithService("parallel-api"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryPlans.WithLabelValues("parallel-api", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryPlans.WithLabelValues("parallel-api", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryPlans.WithLabelValues("parallel-api", "failed")))

	// Types the sink does not map pass through without effect
	publish(events.New(events.TypeBudgetReset).WithTenant("tenant-a"))
}

func TestKeyNamespace(t *testing.T) {
	assert.Equal(t, "search", keyNamespace("cache:search:q-42:v1"))
	assert.Equal(t, "static", keyNamespace("cache:static:nbb-feed:v1#lang=nl"))
	assert.Equal(t, "unknown", keyNamespace("sessions:abc"))
	assert.Equal(t, "unknown", keyNamespace(""))
}

func TestCollectFuncs_PollComponentState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	logger, err := logging.NewLogger(&logging.Config{
		Level: "error", Format: "json", Output: "stdout",
		ServiceName: "collect-test", Version: "test",
	})
	require.NoError(t, err)

	recorder := events.NewRecorder()
	ctx := context.Background()

	bud, err := budget.NewGovernor(client, recorder, logger, &config.BudgetConfig{
		MonthlyCap:          "1500.00",
		KillSwitchThreshold: 95.0,
		SpendTTL:            32 * 24 * time.Hour,
		KillSwitchTTL:       24 * time.Hour,
	})
	require.NoError(t, err)

	q, err := queue.New(client, recorder, logger, &config.QueueConfig{
		MaxAge:            24 * time.Hour,
		BatchSize:         10,
		DefaultMaxRetries: 3,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     time.Minute,
		RecordTTL:         48 * time.Hour,
	})
	require.NoError(t, err)

	deg := degraded.New(client, recorder, logger)

	det, err := recovery.New(client, nil, recorder, logger, &config.RecoveryConfig{
		CheckInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		SuccessThreshold: 3,
		SampleWindowSize: 20,
		SampleTTL:        time.Hour,
	})
	require.NoError(t, err)

	op, err := queue.NewOperation(queue.TypeParallelSearch, "https://api.example.com/v1/search",
		map[string]string{"query": "x"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op)
	require.NoError(t, err)

	require.NoError(t, deg.Enter(ctx, "store outage drill", degraded.FallbackCachedResponses))

	_, err = bud.Record(ctx, "tenant-a", "search", "base")
	require.NoError(t, err)

	m := newSinkMetrics()
	for _, fn := range collectFuncs(client, bud, q, deg, det) {
		fn(ctx, m)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("queued")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedMode))
	assert.InDelta(t, 0.45, testutil.ToFloat64(m.DegradedCoverage), 0.001)
	assert.InDelta(t, 0.001, testutil.ToFloat64(m.TenantSpendEur.WithLabelValues("tenant-a")), 1e-9)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.StoreConnections.WithLabelValues("total")), 0.0)
}
