package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/breaker"
	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/cache"
	"github.com/Morse2580/Mimir-sub001/internal/degraded"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/metrics"
)

// maxPayloadBytes bounds the serialized payload a guarded call may carry
// to the external API. Oversized payloads are a caller bug, not a
// classification matter.
const maxPayloadBytes = 15000

// OpTypeCacheRefresh is the queue operation type for background cache
// refreshes scheduled by the facade
const OpTypeCacheRefresh = "cache_refresh"

// Decision is the admission answer for one proposed call
type Decision struct {
	Allowed          bool          `json:"allowed"`
	Reason           string        `json:"reason,omitempty"`
	CurrentSpend     budget.Money  `json:"current_spend"`
	ProposedCost     budget.Money  `json:"proposed_cost"`
	ProjectedSpend   budget.Money  `json:"projected_spend"`
	UtilizationAfter float64       `json:"utilization_after"`
	BudgetStatus     budget.Status `json:"budget_status,omitempty"`
	KillSwitchActive bool          `json:"kill_switch_active"`
}

// CallRequest describes one guarded call to the external API. Service
// names the circuit; Tenant and CallType drive budget admission and
// cost recording and may be left empty for unmetered calls. Payload, if
// set, is serialized and classified before the call executes.
type CallRequest struct {
	Service  string
	Tenant   string
	CallType string
	Payload  interface{}
}

// Governor is the facade over the five governance components. It owns
// the call ordering: admission, content classification, circuit-guarded
// execution, cost recording, and the degraded-mode side effects of a
// denial or an opening circuit.
type Governor struct {
	budget     *budget.Governor
	breaker    *breaker.Breaker
	cache      *cache.Service
	queue      queue.Interface
	degraded   *degraded.Manager
	classifier ContentClassifier
	logger     *logging.Logger
	metrics    *metrics.Metrics
	fallbacks  []string
}

// New assembles the facade. The cache is wired to the degraded-mode
// flag and to this facade as its refresh scheduler; the classifier
// defaults to permit-all until SetClassifier replaces it.
func New(bud *budget.Governor, brk *breaker.Breaker, cch *cache.Service, q queue.Interface, deg *degraded.Manager, logger *logging.Logger) *Governor {
	if logger == nil {
		logger = logging.GetLogger()
	}

	g := &Governor{
		budget:     bud,
		breaker:    brk,
		cache:      cch,
		queue:      q,
		degraded:   deg,
		classifier: PermitAll{},
		logger:     logger,
		fallbacks: []string{
			degraded.FallbackCachedResponses,
			degraded.FallbackOperationQueue,
		},
	}

	if cch != nil {
		if deg != nil {
			cch.SetDegradedStatus(deg)
		}
		if q != nil {
			cch.SetRefresher(g)
		}
	}

	return g
}

// SetClassifier replaces the content classifier
func (g *Governor) SetClassifier(c ContentClassifier) {
	if c != nil {
		g.classifier = c
	}
}

// SetMetrics wires measurement recording into the call path. A nil
// recorder leaves the facade unmeasured.
func (g *Governor) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// SetFallbacks replaces the fallback names announced when the facade
// enters degraded mode
func (g *Governor) SetFallbacks(names ...string) {
	g.fallbacks = append([]string(nil), names...)
}

// Preflight answers whether one call of the given type may proceed for
// the tenant. The kill-switch check fails closed: if its state cannot
// be read the decision is a denial, not an error. Unknown call types
// are configuration mistakes and return an error instead.
func (g *Governor) Preflight(ctx context.Context, tenant, callType string) (*Decision, error) {
	apiType, processor, err := splitCallType(callType)
	if err != nil {
		return nil, err
	}

	res, err := g.admit(ctx, tenant, apiType, processor)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeStoreUnavailable) {
			g.logger.WithContext(ctx).WithError(err).Error("Kill switch state unreadable, denying call")
			return &Decision{Reason: "kill switch state unavailable, failing closed"}, nil
		}
		return nil, err
	}

	return g.decisionFrom(res), nil
}

// RecordUsage adds the cost of one completed call to the tenant's
// monthly spend and returns the new exact total
func (g *Governor) RecordUsage(ctx context.Context, tenant, callType string) (budget.Money, error) {
	apiType, processor, err := splitCallType(callType)
	if err != nil {
		return 0, err
	}

	total, err := g.budget.Record(ctx, tenant, apiType, processor)
	if err != nil {
		return 0, err
	}

	if g.metrics != nil {
		if cost, cerr := budget.CostOf(apiType, processor); cerr == nil {
			g.metrics.RecordSpend(tenant, cost.Euros())
		}
	}
	return total, nil
}

// GuardedCall runs fn against the named service under full governance:
// the payload is classified first, then budget admission runs when the
// request carries a tenant and call type, then the circuit breaker
// wraps the execution. A successful call records its cost; if that
// recording fails the call has still executed and the store error is
// returned so the spend is never dropped silently. A circuit left open
// by the call enters degraded mode.
func (g *Governor) GuardedCall(ctx context.Context, req CallRequest, fn func(context.Context) error) error {
	if req.Service == "" {
		return errors.NewValidationError("guarded call requires a service name")
	}
	if fn == nil {
		return errors.NewValidationError("guarded call requires a function")
	}

	if err := g.classify(ctx, req.Payload); err != nil {
		return err
	}

	metered := req.Tenant != "" && req.CallType != ""
	if metered {
		apiType, processor, err := splitCallType(req.CallType)
		if err != nil {
			return err
		}
		res, err := g.admit(ctx, req.Tenant, apiType, processor)
		if err != nil {
			return err
		}
		if !res.Allowed {
			if res.KillSwitchActive || res.KillSwitchTriggered {
				return errors.NewKillSwitchError(req.Tenant)
			}
			return errors.NewBudgetDeniedError(req.Tenant, res.Reason)
		}
	}

	start := time.Now()
	if err := g.breaker.Call(ctx, req.Service, fn); err != nil {
		g.recordCall(req.Service, err, time.Since(start))
		g.noteCircuit(ctx, req.Service)
		return err
	}
	g.recordCall(req.Service, nil, time.Since(start))

	if metered {
		if _, err := g.RecordUsage(ctx, req.Tenant, req.CallType); err != nil {
			g.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
				"tenant":    req.Tenant,
				"call_type": req.CallType,
			}).Error("Spend recording failed after successful call")
			return err
		}
	}

	return nil
}

// CacheRead reads a key through the degraded-aware cache. Critical
// marks data where serving a possibly-wrong value is worse than serving
// nothing.
func (g *Governor) CacheRead(ctx context.Context, key cache.Key, critical bool) (*cache.Response, error) {
	if g.cache == nil {
		return nil, errors.NewInternalError("cache is not configured")
	}
	return g.cache.Get(ctx, key, cache.ReadOptions{Critical: critical})
}

// Enqueue stores an operation for replay once governance allows
// execution again
func (g *Governor) Enqueue(ctx context.Context, op *queue.Operation) (string, error) {
	if g.queue == nil {
		return "", errors.NewInternalError("queue is not configured")
	}
	return g.queue.Enqueue(ctx, op)
}

// OperationStatus loads one queued operation's record
func (g *Governor) OperationStatus(ctx context.Context, id string) (*queue.Operation, error) {
	if g.queue == nil {
		return nil, errors.NewInternalError("queue is not configured")
	}
	return g.queue.Get(ctx, id)
}

// DegradedModeStatus reports the degraded-mode snapshot
func (g *Governor) DegradedModeStatus(ctx context.Context) *degraded.Status {
	if g.degraded == nil {
		return &degraded.Status{}
	}
	return g.degraded.Status(ctx)
}

// ScheduleRefresh queues a background refresh for a cache key. The
// cache calls this for near-expiry and queue-for-later reads; failures
// are logged and dropped, refresh is fire-and-forget.
func (g *Governor) ScheduleRefresh(ctx context.Context, key cache.Key, reason string) {
	if g.queue == nil {
		return
	}

	op, err := queue.NewOperation(OpTypeCacheRefresh, key.String(), map[string]string{
		"namespace":  key.Namespace,
		"identifier": key.Identifier,
		"version":    key.Version,
		"reason":     reason,
	})
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("Failed to build cache refresh operation")
		return
	}

	if _, err := g.queue.Enqueue(ctx, op.WithPriority(queue.PriorityLow)); err != nil {
		g.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
			"key": key.String(),
		}).Warn("Failed to schedule cache refresh")
	}
}

// admit runs budget preflight and applies the facade-level side effect:
// a preflight that trips the kill switch drops the layer into degraded
// mode.
func (g *Governor) admit(ctx context.Context, tenant, apiType, processor string) (*budget.PreflightResult, error) {
	res, err := g.budget.Preflight(ctx, tenant, apiType, processor)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		dec := g.decisionFrom(res)
		g.metrics.RecordPreflight(dec.Allowed, string(dec.BudgetStatus))
	}
	if res.KillSwitchTriggered {
		g.enterDegraded(ctx, fmt.Sprintf("budget kill switch engaged for tenant %s", tenant))
	}
	return res, nil
}

// noteCircuit checks the circuit after a failed call and enters
// degraded mode while it is open. Enter is idempotent, so repeated
// rejections are cheap.
func (g *Governor) noteCircuit(ctx context.Context, service string) {
	if g.breaker == nil {
		return
	}
	snap := g.breaker.Status(ctx, service)
	if snap.State == breaker.StateOpen {
		g.enterDegraded(ctx, fmt.Sprintf("circuit open for service %s", service))
	}
}

// recordCall counts one circuit-guarded execution. Circuit rejections
// additionally count as denials for the rejected service.
func (g *Governor) recordCall(service string, err error, duration time.Duration) {
	if g.metrics == nil {
		return
	}

	outcome := "success"
	switch {
	case err == nil:
	case errors.IsType(err, errors.ErrorTypeCircuitOpen):
		outcome = "circuit_open"
		g.metrics.RecordCircuitDenial(service)
	case errors.IsType(err, errors.ErrorTypeTimeout):
		outcome = "timeout"
	default:
		outcome = "failure"
	}
	g.metrics.RecordGuardedCall(service, outcome, duration)
}

func (g *Governor) enterDegraded(ctx context.Context, reason string) {
	if g.degraded == nil {
		return
	}
	if err := g.degraded.Enter(ctx, reason, g.fallbacks...); err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("Failed to enter degraded mode")
	}
}

// classify serializes the payload and runs the content classifier.
// Classifier errors deny the call; only a clean verdict lets the
// payload cross the boundary.
func (g *Governor) classify(ctx context.Context, payload interface{}) error {
	if payload == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.NewValidationError("guarded call payload is not serializable").WithCause(err)
	}
	if len(raw) > maxPayloadBytes {
		return errors.NewValidationError(
			fmt.Sprintf("guarded call payload is %d bytes, limit is %d", len(raw), maxPayloadBytes))
	}

	verdict, err := g.classifier.Classify(ctx, raw)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Error("Content classification failed, denying call")
		return errors.NewContentRejectedError(nil).WithCause(err)
	}
	if verdict != nil && verdict.Disallowed {
		return errors.NewContentRejectedError(verdict.PatternNames())
	}

	return nil
}

func (g *Governor) decisionFrom(res *budget.PreflightResult) *Decision {
	status := budget.StatusForUtilization(
		budget.UtilizationMilliPercent(res.ProjectedSpend, g.budget.Cap()))
	if res.KillSwitchActive || res.KillSwitchTriggered {
		status = budget.StatusKillSwitch
	}

	return &Decision{
		Allowed:          res.Allowed,
		Reason:           res.Reason,
		CurrentSpend:     res.CurrentSpend,
		ProposedCost:     res.ProposedCost,
		ProjectedSpend:   res.ProjectedSpend,
		UtilizationAfter: res.UtilizationAfter,
		BudgetStatus:     status,
		KillSwitchActive: res.KillSwitchActive || res.KillSwitchTriggered,
	}
}

// splitCallType parses "apiType:processor", the format CallTypes()
// advertises
func splitCallType(callType string) (apiType, processor string, err error) {
	parts := strings.Split(callType, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.NewValidationError(
			fmt.Sprintf("call type must be apiType:processor, got %q", callType))
	}
	return parts[0], parts[1], nil
}
