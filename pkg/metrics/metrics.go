package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the governance layer
type Metrics struct {
	// HTTP metrics for the ops server
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Budget metrics
	PreflightDecisions   *prometheus.CounterVec
	SpendRecordedEur     *prometheus.CounterVec
	TenantSpendEur       *prometheus.GaugeVec
	TenantUtilization    *prometheus.GaugeVec
	KillSwitchActivations *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitTransitions *prometheus.CounterVec
	CircuitDenials     *prometheus.CounterVec
	GuardedCallDuration *prometheus.HistogramVec

	// Cache metrics
	CacheReads *prometheus.CounterVec

	// Queue metrics
	QueueSize     *prometheus.GaugeVec
	QueueOutcomes *prometheus.CounterVec

	// Recovery metrics
	RecoveryConfidence *prometheus.GaugeVec
	RecoveryPlans      *prometheus.CounterVec

	// Degraded mode metrics
	DegradedMode     prometheus.Gauge
	DegradedCoverage prometheus.Gauge

	// Store metrics
	StoreConnections *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "governor",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all metrics and registers them on the default
// registerer
func NewMetrics(config *Config) *Metrics {
	return NewMetricsWithRegistry(config, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates all metrics on a caller-owned
// registry. Tests use this to avoid cross-test registration conflicts.
func NewMetricsWithRegistry(config *Config, reg prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		PreflightDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "preflight_decisions_total",
				Help:      "Budget preflight decisions by outcome and budget status",
			},
			[]string{"decision", "status"},
		),
		SpendRecordedEur: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "spend_recorded_eur_total",
				Help:      "API spend recorded, in euros",
			},
			[]string{"tenant"},
		),
		TenantSpendEur: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tenant_spend_eur",
				Help:      "Current monthly spend per tenant, in euros",
			},
			[]string{"tenant"},
		),
		TenantUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tenant_budget_utilization_percent",
				Help:      "Current monthly budget utilization per tenant",
			},
			[]string{"tenant"},
		),
		KillSwitchActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "kill_switch_activations_total",
				Help:      "Kill switch activations",
			},
			[]string{"tenant"},
		),

		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
		CircuitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_denials_total",
				Help:      "Calls rejected by an open circuit",
			},
			[]string{"service"},
		),
		GuardedCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "guarded_call_duration_seconds",
				Help:      "Guarded call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service", "outcome"},
		),

		CacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_reads_total",
				Help:      "Cache reads by resulting status and fallback strategy",
			},
			[]string{"namespace", "status", "strategy"},
		),

		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_size",
				Help:      "Queued operations by state",
			},
			[]string{"state"},
		),
		QueueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_outcomes_total",
				Help:      "Settled queue operations by type and outcome",
			},
			[]string{"operation_type", "outcome"},
		),

		RecoveryConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_confidence",
				Help:      "Recovery confidence per monitored service, 0 to 1",
			},
			[]string{"service"},
		),
		RecoveryPlans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_plans_total",
				Help:      "Recovery plans by final status",
			},
			[]string{"service", "status"},
		),

		DegradedMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degraded_mode_active",
				Help:      "Whether degraded mode is active, 0 or 1",
			},
		),
		DegradedCoverage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degraded_mode_coverage",
				Help:      "Estimated share of normal service the active fallbacks preserve",
			},
		),

		StoreConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "store_connections",
				Help:      "Shared store connection pool state",
			},
			[]string{"state"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PreflightDecisions,
		m.SpendRecordedEur,
		m.TenantSpendEur,
		m.TenantUtilization,
		m.KillSwitchActivations,
		m.CircuitTransitions,
		m.CircuitDenials,
		m.GuardedCallDuration,
		m.CacheReads,
		m.QueueSize,
		m.QueueOutcomes,
		m.RecoveryConfidence,
		m.RecoveryPlans,
		m.DegradedMode,
		m.DegradedCoverage,
		m.StoreConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordPreflight records one admission decision
func (m *Metrics) RecordPreflight(allowed bool, status string) {
	if m.PreflightDecisions == nil {
		return
	}

	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.PreflightDecisions.WithLabelValues(decision, status).Inc()
}

// RecordSpend records euros spent by a tenant
func (m *Metrics) RecordSpend(tenant string, euros float64) {
	if m.SpendRecordedEur == nil {
		return
	}

	m.SpendRecordedEur.WithLabelValues(tenant).Add(euros)
}

// UpdateTenantBudget updates the tenant's spend and utilization gauges
func (m *Metrics) UpdateTenantBudget(tenant string, spendEur, utilizationPct float64) {
	if m.TenantSpendEur == nil {
		return
	}

	m.TenantSpendEur.WithLabelValues(tenant).Set(spendEur)
	m.TenantUtilization.WithLabelValues(tenant).Set(utilizationPct)
}

// RecordKillSwitch counts a kill switch activation
func (m *Metrics) RecordKillSwitch(tenant string) {
	if m.KillSwitchActivations == nil {
		return
	}

	m.KillSwitchActivations.WithLabelValues(tenant).Inc()
}

// RecordCircuitTransition counts one circuit state transition
func (m *Metrics) RecordCircuitTransition(service, from, to string) {
	if m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(service, from, to).Inc()
}

// RecordCircuitDenial counts a call rejected by an open circuit
func (m *Metrics) RecordCircuitDenial(service string) {
	if m.CircuitDenials == nil {
		return
	}

	m.CircuitDenials.WithLabelValues(service).Inc()
}

// RecordGuardedCall records one guarded call execution
func (m *Metrics) RecordGuardedCall(service, outcome string, duration time.Duration) {
	if m.GuardedCallDuration == nil {
		return
	}

	m.GuardedCallDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordCacheRead counts one cache read
func (m *Metrics) RecordCacheRead(namespace, status, strategy string) {
	if m.CacheReads == nil {
		return
	}

	if strategy == "" {
		strategy = "none"
	}
	m.CacheReads.WithLabelValues(namespace, status, strategy).Inc()
}

// UpdateQueueSize updates the queue depth gauge for one state
func (m *Metrics) UpdateQueueSize(state string, size int64) {
	if m.QueueSize == nil {
		return
	}

	m.QueueSize.WithLabelValues(state).Set(float64(size))
}

// RecordQueueOutcome counts one settled queue operation
func (m *Metrics) RecordQueueOutcome(operationType, outcome string) {
	if m.QueueOutcomes == nil {
		return
	}

	m.QueueOutcomes.WithLabelValues(operationType, outcome).Inc()
}

// UpdateRecoveryConfidence updates the confidence gauge for a service
func (m *Metrics) UpdateRecoveryConfidence(service string, confidence float64) {
	if m.RecoveryConfidence == nil {
		return
	}

	m.RecoveryConfidence.WithLabelValues(service).Set(confidence)
}

// RecordRecoveryPlan counts a recovery plan reaching a final status
func (m *Metrics) RecordRecoveryPlan(service, status string) {
	if m.RecoveryPlans == nil {
		return
	}

	m.RecoveryPlans.WithLabelValues(service, status).Inc()
}

// UpdateDegradedMode updates the degraded-mode gauges
func (m *Metrics) UpdateDegradedMode(active bool, coverage float64) {
	if m.DegradedMode == nil {
		return
	}

	if active {
		m.DegradedMode.Set(1)
	} else {
		m.DegradedMode.Set(0)
		coverage = 0
	}
	m.DegradedCoverage.Set(coverage)
}

// UpdateStoreConnections updates store connection pool metrics
func (m *Metrics) UpdateStoreConnections(total, idle, stale int) {
	if m.StoreConnections == nil {
		return
	}

	m.StoreConnections.WithLabelValues("total").Set(float64(total))
	m.StoreConnections.WithLabelValues("idle").Set(float64(idle))
	m.StoreConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// CollectFunc samples one source and updates gauges
type CollectFunc func(ctx context.Context, m *Metrics)

// Collector periodically refreshes gauge metrics from their sources:
// queue depth, store pool state, degraded mode.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	collect  []CollectFunc
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(metrics *Metrics, interval time.Duration, collect ...CollectFunc) *Collector {
	return &Collector{
		metrics:  metrics,
		interval: interval,
		collect:  collect,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collection and blocks until the context is cancelled or
// Stop is called
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, fn := range c.collect {
				fn(ctx, c.metrics)
			}
		}
	}
}

// Stop stops collection
func (c *Collector) Stop() {
	close(c.stopCh)
}
