package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Store layout: samples live newest-first in a capped list per
// service, plans under their own keys with a TTL, and the sets track
// what is being monitored and recovered right now.
const (
	samplesKeyPrefix = "health_results:"
	planKeyPrefix    = "recovery:plan:"
	monitoredKey     = "recovery:monitored_services"
	activeKey        = "recovery:active_recoveries"
	lastCheckKey     = "recovery:last_check_time"
)

func samplesKey(service string) string {
	return samplesKeyPrefix + service
}

func planKey(planID string) string {
	return planKeyPrefix + planID
}

// BreakerControl resets a service's circuit once recovery completes
type BreakerControl interface {
	Reset(ctx context.Context, service string) error
}

// DegradedControl exposes the degraded-mode flag. Recovery only
// triggers while fallbacks are active, and plan completion exits the
// mode.
type DegradedControl interface {
	Active(ctx context.Context) bool
	Exit(ctx context.Context) error
}

// Drainer replays queued operations once the service is back
type Drainer interface {
	Drain(ctx context.Context) (*queue.DrainSummary, error)
}

// Detector watches degraded services and walks them back to normal
// operation: probe, persist, evaluate, and once confident, run a
// templated recovery plan whose completion deactivates the fallbacks.
type Detector struct {
	store     *store.Client
	prober    Prober
	publisher events.Publisher
	logger    *logging.Logger
	config    *config.RecoveryConfig

	breaker  BreakerControl
	degraded DegradedControl
	drainer  Drainer

	runCtx    context.Context
	runCancel context.CancelFunc

	mu         sync.Mutex
	monitors   map[string]*monitor
	recovering map[string]bool
	stopped    bool
	wg         sync.WaitGroup
}

type monitor struct {
	target Target
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a recovery detector. A nil prober gets the HTTP prober
// built from the same configuration.
func New(client *store.Client, prober Prober, publisher events.Publisher, logger *logging.Logger, cfg *config.RecoveryConfig) (*Detector, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("recovery configuration is required")
	}
	if cfg.CheckInterval <= 0 {
		return nil, errors.NewValidationError("check interval must be positive")
	}
	if cfg.SuccessThreshold < 1 {
		return nil, errors.NewValidationError("success threshold must be at least 1")
	}
	if cfg.SampleWindowSize < 1 {
		return nil, errors.NewValidationError("sample window size must be at least 1")
	}
	if prober == nil {
		prober = NewHTTPProber(cfg)
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Detector{
		store:      client,
		prober:     prober,
		publisher:  publisher,
		logger:     logger,
		config:     cfg,
		runCtx:     runCtx,
		runCancel:  runCancel,
		monitors:   make(map[string]*monitor),
		recovering: make(map[string]bool),
	}, nil
}

// SetBreakerControl wires the circuit reset hook
func (d *Detector) SetBreakerControl(b BreakerControl) {
	d.breaker = b
}

// SetDegradedControl wires the degraded-mode flag
func (d *Detector) SetDegradedControl(dc DegradedControl) {
	d.degraded = dc
}

// SetDrainer wires the queue replay hook
func (d *Detector) SetDrainer(dr Drainer) {
	d.drainer = dr
}

// Check probes the target once, persists the sample, and publishes
// the check events. Probe failures come back as unhealthy samples.
func (d *Detector) Check(ctx context.Context, target Target) HealthSample {
	d.publisher.Publish(ctx, events.New(events.TypeHealthCheckStarted).
		WithService(target.Service))

	probeCtx := ctx
	if d.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, d.config.ProbeTimeout)
		defer cancel()
	}
	sample := d.prober.Probe(probeCtx, target)

	d.appendSample(ctx, sample)

	evt := events.New(events.TypeHealthCheckCompleted).
		WithService(target.Service).
		WithPayload("healthy", sample.Healthy).
		WithPayload("latency_ms", sample.LatencyMS)
	if sample.Error != "" {
		evt = evt.WithPayload("error", sample.Error)
	}
	d.publisher.Publish(ctx, evt)

	return sample
}

// Samples returns the service's persisted samples, newest first.
// Records that no longer decode are skipped.
func (d *Detector) Samples(ctx context.Context, service string) ([]HealthSample, error) {
	raw, err := d.store.LRange(ctx, samplesKey(service), 0, int64(d.config.SampleWindowSize)-1)
	if err != nil {
		return nil, err
	}

	samples := make([]HealthSample, 0, len(raw))
	for _, item := range raw {
		var s HealthSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			d.logger.WithContext(ctx).WithError(err).Debug("Skipping malformed health sample")
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// CompactSamples re-trims every monitored service's sample window and
// refreshes its TTL. Writes already trim on push; this maintenance
// pass catches windows whose size was lowered and keeps idle services
// from holding samples past their TTL refresh.
func (d *Detector) CompactSamples(ctx context.Context) error {
	services, err := d.store.SMembers(ctx, monitoredKey)
	if err != nil {
		return err
	}

	for _, service := range services {
		if err := d.store.TrimList(ctx, samplesKey(service), int64(d.config.SampleWindowSize), d.config.SampleTTL); err != nil {
			d.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
				"service": service,
			}).Warn("Failed to compact health samples")
		}
	}
	return nil
}

// EvaluateReadiness renders the recovery verdict from the service's
// persisted samples. An unreadable store reads as not ready.
func (d *Detector) EvaluateReadiness(ctx context.Context, service string) Readiness {
	samples, err := d.Samples(ctx, service)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Health samples unreadable")
		return Readiness{Reason: "health samples unreadable"}
	}
	return Evaluate(samples, d.config, time.Now().UTC())
}

// ShouldTrigger decides whether automatic recovery should start for
// the service, with the reason either way.
func (d *Detector) ShouldTrigger(ctx context.Context, service string) (bool, string) {
	if d.degraded == nil || !d.degraded.Active(ctx) {
		return false, "not in degraded mode"
	}
	if !d.config.AutoRecovery {
		return false, "automatic recovery disabled"
	}

	d.mu.Lock()
	inFlight := d.recovering[service]
	d.mu.Unlock()
	if inFlight {
		return false, "recovery already in progress"
	}

	readiness := d.EvaluateReadiness(ctx, service)
	if !readiness.Ready {
		return false, readiness.Reason
	}
	return true, readiness.Reason
}

// TriggerRecovery creates the templated plan for the service and
// starts executing it in the background. The returned plan is a
// snapshot; poll Plan for progress. One recovery per service at a
// time.
func (d *Detector) TriggerRecovery(ctx context.Context, service, planType string) (*Plan, error) {
	if service == "" {
		return nil, errors.NewValidationError("service is required")
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, errors.NewConflictError("recovery detector is stopped")
	}
	if d.recovering[service] {
		d.mu.Unlock()
		return nil, errors.NewConflictError(fmt.Sprintf("recovery already in progress for '%s'", service))
	}
	d.recovering[service] = true
	d.mu.Unlock()

	plan := NewPlan(service, planType, time.Now())

	if err := d.storePlan(ctx, plan); err != nil {
		d.mu.Lock()
		delete(d.recovering, service)
		d.mu.Unlock()
		return nil, err
	}
	if err := d.store.SAdd(ctx, activeKey, plan.ID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to register active recovery")
	}

	d.publisher.Publish(ctx, events.New(events.TypePlanCreated).
		WithService(service).
		WithPayload("plan_id", plan.ID).
		WithPayload("plan_type", plan.Type).
		WithPayload("estimated_seconds", int(plan.Estimated.Seconds())))

	d.logger.LogRecoveryEvent(ctx, "plan_created", service, logging.Fields{
		"plan_id":   plan.ID,
		"plan_type": plan.Type,
	})

	// Snapshot before execution starts mutating the plan
	snapshot := plan.Clone()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.settlePlan(service, plan.ID)
		d.executePlan(d.runCtx, plan)
	}()

	return snapshot, nil
}

// settlePlan clears the in-flight marker and the active-recoveries
// entry once execution ends. Runs detached so a cancelled run still
// settles.
func (d *Detector) settlePlan(service, planID string) {
	d.mu.Lock()
	delete(d.recovering, service)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.store.SRem(ctx, activeKey, planID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Debug("Failed to deregister active recovery")
	}
}

// Plan loads a stored plan snapshot
func (d *Detector) Plan(ctx context.Context, planID string) (*Plan, error) {
	raw, err := d.store.Get(ctx, planKey(planID))
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, errors.NewNotFoundError("recovery plan")
		}
		return nil, err
	}

	plan, err := PlanFromJSON([]byte(raw))
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize recovery plan").WithCause(err)
	}
	return plan, nil
}

// StartMonitoring launches one polling goroutine per target. Targets
// already monitored are left alone.
func (d *Detector) StartMonitoring(ctx context.Context, targets []Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.NewConflictError("recovery detector is stopped")
	}

	for _, t := range targets {
		if t.Service == "" || t.URL == "" {
			return errors.NewValidationError("monitor target requires service and url")
		}
		if _, ok := d.monitors[t.Service]; ok {
			continue
		}

		if err := d.store.SAdd(ctx, monitoredKey, t.Service); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("Failed to register monitored service")
		}

		mctx, cancel := context.WithCancel(d.runCtx)
		m := &monitor{target: t, cancel: cancel, done: make(chan struct{})}
		d.monitors[t.Service] = m
		go d.monitorLoop(mctx, m)

		d.logger.LogRecoveryEvent(ctx, "monitoring_started", t.Service, logging.Fields{
			"url":            t.URL,
			"check_interval": d.config.CheckInterval.String(),
		})
	}
	return nil
}

// StopMonitoring cancels every monitor and in-flight recovery and
// waits for them to finish. The detector cannot be restarted.
func (d *Detector) StopMonitoring(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	monitors := d.monitors
	d.monitors = make(map[string]*monitor)
	d.mu.Unlock()

	d.runCancel()

	for service, m := range monitors {
		m.cancel()
		<-m.done
		if _, err := d.store.SRem(ctx, monitoredKey, service); err != nil {
			d.logger.WithContext(ctx).WithError(err).Debug("Failed to deregister monitored service")
		}
	}

	d.wg.Wait()
	d.logger.WithContext(ctx).Info("Recovery monitoring stopped")
}

// AutoRecoveryStatus is the monitoring snapshot for operators
type AutoRecoveryStatus struct {
	Enabled           bool      `json:"enabled"`
	MonitoredServices []string  `json:"monitored_services"`
	ActiveRecoveries  []string  `json:"active_recoveries"`
	LastCheckTime     time.Time `json:"last_check_time"`
}

// Status reports what is monitored and recovering right now. Store
// failures leave the affected fields empty.
func (d *Detector) Status(ctx context.Context) *AutoRecoveryStatus {
	status := &AutoRecoveryStatus{Enabled: d.config.AutoRecovery}

	if services, err := d.store.SMembers(ctx, monitoredKey); err == nil {
		sort.Strings(services)
		status.MonitoredServices = services
	} else {
		d.logger.WithContext(ctx).WithError(err).Debug("Monitored services unreadable")
	}

	if plans, err := d.store.SMembers(ctx, activeKey); err == nil {
		sort.Strings(plans)
		status.ActiveRecoveries = plans
	} else {
		d.logger.WithContext(ctx).WithError(err).Debug("Active recoveries unreadable")
	}

	if raw, err := d.store.Get(ctx, lastCheckKey); err == nil {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			status.LastCheckTime = t
		}
	}
	return status
}

func (d *Detector) monitorLoop(ctx context.Context, m *monitor) {
	defer close(m.done)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		d.Check(ctx, m.target)

		if ok, reason := d.ShouldTrigger(ctx, m.target.Service); ok {
			d.publisher.Publish(ctx, events.New(events.TypeRecoveryTriggered).
				WithService(m.target.Service).
				WithPayload("reason", reason))
			d.logger.LogRecoveryEvent(ctx, "auto_recovery_triggered", m.target.Service, logging.Fields{
				"reason": reason,
			})

			if _, err := d.TriggerRecovery(ctx, m.target.Service, PlanPrimaryAPI); err != nil {
				d.logger.WithContext(ctx).WithError(err).Warn("Failed to trigger recovery")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Detector) appendSample(ctx context.Context, sample HealthSample) {
	data, err := json.Marshal(sample)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to encode health sample")
		return
	}

	if err := d.store.LPushCapped(ctx, samplesKey(sample.Service), data, int64(d.config.SampleWindowSize), d.config.SampleTTL); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to persist health sample")
	}
	if err := d.store.Set(ctx, lastCheckKey, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		d.logger.WithContext(ctx).WithError(err).Debug("Failed to record last check time")
	}
}

func (d *Detector) storePlan(ctx context.Context, plan *Plan) error {
	data, err := plan.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize recovery plan").WithCause(err)
	}
	return d.store.Set(ctx, planKey(plan.ID), data, d.config.SampleTTL)
}

// executePlan walks the steps in dependency order. The first failed
// step fails the plan; completed steps are never rolled back. Full
// completion deactivates the fallbacks.
func (d *Detector) executePlan(ctx context.Context, plan *Plan) {
	started := time.Now().UTC()
	plan.Status = StatusInProgress
	plan.StartedAt = &started
	if err := d.storePlan(ctx, plan); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to persist recovery plan")
	}

	d.logger.LogRecoveryEvent(ctx, "plan_started", plan.Service, logging.Fields{
		"plan_id":   plan.ID,
		"plan_type": plan.Type,
	})

	var failedStep *Step
	for failedStep == nil {
		ready := plan.NextSteps()
		if len(ready) == 0 {
			break
		}
		for _, step := range ready {
			if err := d.runStep(ctx, plan, step); err != nil {
				failedStep = step
				break
			}
		}
	}

	plan.Recompute(time.Now().UTC())
	if err := d.storePlan(ctx, plan); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to persist recovery plan")
	}

	switch plan.Status {
	case StatusCompleted:
		d.publisher.Publish(ctx, events.New(events.TypePlanCompleted).
			WithService(plan.Service).
			WithPayload("plan_id", plan.ID).
			WithPayload("completed_steps", len(plan.Steps)).
			WithPayload("duration_seconds", int(time.Since(started).Seconds())))
		d.logger.LogRecoveryEvent(ctx, "plan_completed", plan.Service, logging.Fields{
			"plan_id":          plan.ID,
			"duration_seconds": int(time.Since(started).Seconds()),
		})
		d.deactivateFallbacks(ctx, plan)

	case StatusFailed:
		evt := events.New(events.TypePlanFailed).
			WithService(plan.Service).
			WithPayload("plan_id", plan.ID)
		if failedStep != nil {
			evt = evt.WithPayload("step_id", failedStep.ID).
				WithPayload("error", failedStep.Error)
		}
		d.publisher.Publish(ctx, evt)
		d.logger.LogRecoveryEvent(ctx, "plan_failed", plan.Service, logging.Fields{
			"plan_id": plan.ID,
		})
	}
}

func (d *Detector) runStep(ctx context.Context, plan *Plan, step *Step) error {
	started := time.Now().UTC()
	step.Status = StatusInProgress
	step.StartedAt = &started
	if err := d.storePlan(ctx, plan); err != nil {
		d.logger.WithContext(ctx).WithError(err).Debug("Failed to persist step start")
	}

	d.publisher.Publish(ctx, events.New(events.TypePlanStepStarted).
		WithService(plan.Service).
		WithPayload("plan_id", plan.ID).
		WithPayload("step_id", step.ID).
		WithPayload("step_name", step.Name))

	err := d.stepAction(ctx, plan, step)

	finished := time.Now().UTC()
	step.CompletedAt = &finished
	if err != nil {
		step.Status = StatusFailed
		step.Error = err.Error()
		d.logger.LogRecoveryEvent(ctx, "step_failed", plan.Service, logging.Fields{
			"plan_id": plan.ID,
			"step_id": step.ID,
			"error":   err.Error(),
		})
		return errors.NewPlanStepError(plan.ID, step.ID, err.Error())
	}

	step.Status = StatusCompleted
	d.publisher.Publish(ctx, events.New(events.TypePlanStepCompleted).
		WithService(plan.Service).
		WithPayload("plan_id", plan.ID).
		WithPayload("step_id", step.ID).
		WithPayload("duration_ms", finished.Sub(started).Milliseconds()))
	return nil
}

// stepAction performs the real work behind a step id. Verification
// steps probe live when the service is monitored and fall back to the
// persisted samples otherwise.
func (d *Detector) stepAction(ctx context.Context, plan *Plan, step *Step) error {
	switch step.ID {
	case "verify_health", "health_verification", "test_requests":
		if target, ok := d.target(plan.Service); ok {
			if sample := d.Check(ctx, target); !sample.Healthy {
				return fmt.Errorf("probe unhealthy: %s", sample.Error)
			}
			return nil
		}
		if readiness := d.EvaluateReadiness(ctx, plan.Service); !readiness.Ready {
			return fmt.Errorf("service not ready: %s", readiness.Reason)
		}
		return nil

	case "gradual_transition", "restore_traffic":
		if readiness := d.EvaluateReadiness(ctx, plan.Service); !readiness.Ready {
			return fmt.Errorf("service not ready: %s", readiness.Reason)
		}
		return nil

	case "deactivate_fallbacks":
		if d.config.FallbackDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.FallbackDelay):
			}
		}
		return nil

	default:
		// cleanup and future template steps have nothing external to do
		return nil
	}
}

// deactivateFallbacks performs the actions recovery exists for:
// degraded mode ends, the circuit closes, and the queue replays what
// accumulated while degraded.
func (d *Detector) deactivateFallbacks(ctx context.Context, plan *Plan) {
	if d.degraded != nil {
		if err := d.degraded.Exit(ctx); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("Failed to exit degraded mode after recovery")
		}
	}

	if d.breaker != nil {
		if err := d.breaker.Reset(ctx, plan.Service); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("Failed to reset circuit after recovery")
		}
	}

	if d.drainer != nil {
		summary, err := d.drainer.Drain(ctx)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("Queue drain after recovery failed")
		} else if summary != nil {
			d.logger.LogRecoveryEvent(ctx, "queue_drained", plan.Service, logging.Fields{
				"selected":  summary.Selected,
				"succeeded": summary.Succeeded,
				"failed":    summary.Failed,
			})
		}
	}
}

func (d *Detector) target(service string) (Target, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.monitors[service]
	if !ok {
		return Target{}, false
	}
	return m.target, true
}
