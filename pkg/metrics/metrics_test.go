package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWithRegistry(DefaultConfig(), prometheus.NewRegistry())
}

func TestNewMetrics_DisabledIsNoop(t *testing.T) {
	m := NewMetricsWithRegistry(&Config{Enabled: false}, prometheus.NewRegistry())

	// Every recorder must be safe to call on the empty struct.
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	m.RecordPreflight(true, "normal")
	m.RecordSpend("tenant-a", 0.05)
	m.UpdateTenantBudget("tenant-a", 12.5, 0.8)
	m.RecordKillSwitch("tenant-a")
	m.RecordCircuitTransition("vendor-api", "closed", "open")
	m.RecordCircuitDenial("vendor-api")
	m.RecordGuardedCall("vendor-api", "success", time.Second)
	m.RecordCacheRead("search", "fresh", "")
	m.UpdateQueueSize("queued", 3)
	m.RecordQueueOutcome("api_call", "completed")
	m.UpdateRecoveryConfidence("vendor-api", 0.7)
	m.RecordRecoveryPlan("vendor-api", "completed")
	m.UpdateDegradedMode(true, 0.75)
	m.UpdateStoreConnections(5, 3, 0)
	m.RecordError("budget", "store_unavailable")
	m.RecordPanic("queue")
}

func TestRecordPreflight(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPreflight(true, "normal")
	m.RecordPreflight(true, "warning")
	m.RecordPreflight(false, "kill_switch")
	m.RecordPreflight(false, "kill_switch")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PreflightDecisions.WithLabelValues("allowed", "normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PreflightDecisions.WithLabelValues("allowed", "warning")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PreflightDecisions.WithLabelValues("denied", "kill_switch")))
}

func TestSpendAndBudgetGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSpend("tenant-a", 0.05)
	m.RecordSpend("tenant-a", 0.02)
	m.UpdateTenantBudget("tenant-a", 1400.0, 93.337)

	assert.InDelta(t, 0.07, testutil.ToFloat64(m.SpendRecordedEur.WithLabelValues("tenant-a")), 1e-9)
	assert.Equal(t, 1400.0, testutil.ToFloat64(m.TenantSpendEur.WithLabelValues("tenant-a")))
	assert.InDelta(t, 93.337, testutil.ToFloat64(m.TenantUtilization.WithLabelValues("tenant-a")), 1e-9)
}

func TestCircuitMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCircuitTransition("vendor-api", "closed", "open")
	m.RecordCircuitTransition("vendor-api", "open", "half_open")
	m.RecordCircuitDenial("vendor-api")
	m.RecordCircuitDenial("vendor-api")
	m.RecordCircuitDenial("vendor-api")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("vendor-api", "closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("vendor-api", "open", "half_open")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CircuitDenials.WithLabelValues("vendor-api")))
}

func TestRecordCacheRead_EmptyStrategyMapsToNone(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCacheRead("search", "fresh", "")
	m.RecordCacheRead("search", "missing", "queue")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("search", "fresh", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("search", "missing", "queue")))
}

func TestDegradedModeGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.UpdateDegradedMode(true, 0.75)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedMode))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.DegradedCoverage))

	// Leaving degraded mode clears coverage with it.
	m.UpdateDegradedMode(false, 0.75)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DegradedMode))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DegradedCoverage))
}

func TestUpdateStoreConnections(t *testing.T) {
	m := newTestMetrics(t)

	m.UpdateStoreConnections(8, 5, 1)

	assert.Equal(t, 8.0, testutil.ToFloat64(m.StoreConnections.WithLabelValues("total")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.StoreConnections.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreConnections.WithLabelValues("stale")))
}

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/degraded", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"active": false})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/degraded", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/degraded", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight.WithLabelValues("GET", "/degraded")))
}

func TestCollector_RunsCollectFuncs(t *testing.T) {
	m := newTestMetrics(t)

	collected := make(chan struct{}, 1)
	collector := NewCollector(m, 5*time.Millisecond, func(ctx context.Context, m *Metrics) {
		m.UpdateQueueSize("queued", 7)
		select {
		case collected <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	select {
	case <-collected:
	case <-time.After(2 * time.Second):
		t.Fatal("collector never ran")
	}

	collector.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}

	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("queued")))
}
