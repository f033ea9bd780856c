package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a governance event
type Type string

const (
	// Budget events
	TypeBudgetThresholdCrossed Type = "budget_threshold_crossed"
	TypeKillSwitchActivated    Type = "kill_switch_activated"
	TypeKillSwitchOverridden   Type = "kill_switch_overridden"
	TypeBudgetReset            Type = "budget_reset"

	// Circuit breaker events
	TypeCircuitOpened   Type = "circuit_opened"
	TypeCircuitHalfOpen Type = "circuit_half_open"
	TypeCircuitClosed   Type = "circuit_closed"

	// Cache events
	TypeCacheHit              Type = "cache_hit"
	TypeCacheMiss             Type = "cache_miss"
	TypeCacheStaleServed      Type = "cache_stale_served"
	TypeCacheRefreshScheduled Type = "cache_refresh_scheduled"

	// Queue events
	TypeOperationEnqueued  Type = "operation_enqueued"
	TypeOperationStarted   Type = "operation_started"
	TypeOperationCompleted Type = "operation_completed"
	TypeOperationFailed    Type = "operation_failed"
	TypeOperationCancelled Type = "operation_cancelled"
	TypeOperationExpired   Type = "operation_expired"
	TypeQueueDrained       Type = "queue_drained"

	// Degraded mode events
	TypeDegradedModeEntered Type = "degraded_mode_entered"
	TypeDegradedModeExited  Type = "degraded_mode_exited"

	// Recovery events
	TypeHealthCheckStarted   Type = "health_check_started"
	TypeHealthCheckCompleted Type = "health_check_completed"
	TypeRecoveryTriggered    Type = "recovery_triggered"
	TypePlanCreated          Type = "plan_created"
	TypePlanStepStarted      Type = "plan_step_started"
	TypePlanStepCompleted    Type = "plan_step_completed"
	TypePlanCompleted        Type = "plan_completed"
	TypePlanFailed           Type = "plan_failed"
)

// Stream returns the stream an event type is appended to. Events are
// grouped per component so consumers can tail one concern at a time.
func (t Type) Stream() string {
	switch t {
	case TypeBudgetThresholdCrossed, TypeKillSwitchActivated, TypeKillSwitchOverridden, TypeBudgetReset:
		return "budget"
	case TypeCircuitOpened, TypeCircuitHalfOpen, TypeCircuitClosed:
		return "circuit"
	case TypeCacheHit, TypeCacheMiss, TypeCacheStaleServed, TypeCacheRefreshScheduled:
		return "cache"
	case TypeOperationEnqueued, TypeOperationStarted, TypeOperationCompleted,
		TypeOperationFailed, TypeOperationCancelled, TypeOperationExpired, TypeQueueDrained:
		return "queue"
	case TypeDegradedModeEntered, TypeDegradedModeExited:
		return "degraded"
	default:
		return "recovery"
	}
}

// Event is a single governance event. Payload carries type-specific
// details; Service and Tenant are set where they apply.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Service   string                 `json:"service,omitempty"`
	Tenant    string                 `json:"tenant,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New creates an event with a fresh ID and timestamp
func New(eventType Type) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]interface{}),
	}
}

// WithService sets the service the event relates to
func (e Event) WithService(service string) Event {
	e.Service = service
	return e
}

// WithTenant sets the tenant the event relates to
func (e Event) WithTenant(tenant string) Event {
	e.Tenant = tenant
	return e
}

// WithPayload adds a payload field
func (e Event) WithPayload(key string, value interface{}) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	e.Payload[key] = value
	return e
}
