package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Per-service fields under "{prefix}:{service}:"
const (
	fieldState             = "state"
	fieldFailureCount      = "failure_count"
	fieldLastFailureTime   = "last_failure_time"
	fieldNextAttemptTime   = "next_attempt_time"
	fieldHalfOpenSuccesses = "half_open_successes"
	fieldTotalRequests     = "total_requests"
	fieldSuccessRequests   = "successful_requests"
	fieldFailedRequests    = "failed_requests"
)

// Breaker gates calls to external services on circuit state held in the
// shared store, so every process observes the same gate. Each service
// gets its own state machine, created lazily on first use.
type Breaker struct {
	store     *store.Client
	publisher events.Publisher
	logger    *logging.Logger
	config    *config.BreakerConfig
}

// New creates a circuit breaker backed by the shared store
func New(client *store.Client, publisher events.Publisher, logger *logging.Logger, cfg *config.BreakerConfig) (*Breaker, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("breaker configuration is required")
	}
	if cfg.FailureThreshold < 1 {
		return nil, errors.NewValidationError("failure threshold must be at least 1")
	}
	if cfg.SuccessThreshold < 1 {
		return nil, errors.NewValidationError("success threshold must be at least 1")
	}
	if cfg.RecoveryTimeout <= 0 {
		return nil, errors.NewValidationError("recovery timeout must be positive")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	return &Breaker{
		store:     client,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
	}, nil
}

func (b *Breaker) key(service, field string) string {
	return fmt.Sprintf("%s:%s:%s", b.config.KeyPrefix, service, field)
}

func (b *Breaker) servicesKey() string {
	return b.config.KeyPrefix + ":services"
}

// Call runs fn unless the circuit for service is open, recording the
// outcome either way. The error from fn passes through untouched; the
// breaker never retries on its own.
func (b *Breaker) Call(ctx context.Context, service string, fn func(context.Context) error) error {
	if err := b.Allow(ctx, service); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.RecordFailure(ctx, service)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		b.RecordFailure(ctx, service)
		return err
	}

	b.RecordSuccess(ctx, service)
	return nil
}

// Allow reports whether a call to service may proceed. An open circuit
// past its recovery deadline flips to half-open and admits the call as
// a probe. An unreadable gate counts as closed.
func (b *Breaker) Allow(ctx context.Context, service string) error {
	if service == "" {
		return errors.NewValidationError("service is required")
	}

	vals, err := b.store.MGet(ctx, b.key(service, fieldState), b.key(service, fieldNextAttemptTime))
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Circuit state unreadable, assuming closed")
		return nil
	}

	if ParseState(vals[0]) != StateOpen {
		return nil
	}

	nextAttempt := parseUnix(vals[1])
	if time.Now().Before(nextAttempt) {
		return &OpenError{Service: service, RetryAfter: nextAttempt}
	}

	b.transitionToHalfOpen(ctx, service)
	return nil
}

// RecordSuccess counts a successful call. A half-open gate advances
// toward closed; a closed gate forgets its failure streak. Store
// failures are logged, never propagated.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	state := b.currentState(ctx, service)

	err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, b.key(service, fieldTotalRequests))
		pipe.Incr(ctx, b.key(service, fieldSuccessRequests))
		pipe.SAdd(ctx, b.servicesKey(), service)
		return nil
	})
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Failed to record circuit success")
		return
	}

	switch state {
	case StateHalfOpen:
		successes, err := b.store.IncrBy(ctx, b.key(service, fieldHalfOpenSuccesses), 1)
		if err != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("Failed to advance half-open circuit")
			return
		}
		if successes >= int64(b.config.SuccessThreshold) {
			b.transitionToClosed(ctx, service)
		}
	case StateClosed:
		// Tripping requires consecutive failures; a success ends the streak
		if _, err := b.store.Del(ctx, b.key(service, fieldFailureCount)); err != nil {
			b.logger.WithContext(ctx).WithError(err).Debug("Failed to clear failure streak")
		}
	}
}

// RecordFailure counts a failed call. Crossing the failure threshold
// while closed opens the circuit; any failure while half-open reopens
// it and re-arms the recovery timer.
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	state := b.currentState(ctx, service)
	now := time.Now()

	var failures *redis.IntCmd
	err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, b.key(service, fieldTotalRequests))
		pipe.Incr(ctx, b.key(service, fieldFailedRequests))
		failures = pipe.Incr(ctx, b.key(service, fieldFailureCount))
		pipe.Set(ctx, b.key(service, fieldLastFailureTime), now.Unix(), 0)
		pipe.SAdd(ctx, b.servicesKey(), service)
		return nil
	})
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Failed to record circuit failure")
		return
	}

	switch {
	case state == StateHalfOpen:
		b.open(ctx, service, state, now, "half_open_failure")
	case state == StateClosed && failures.Val() >= int64(b.config.FailureThreshold):
		b.open(ctx, service, state, now, "failure_threshold_reached")
	}
}

// Status assembles the service's circuit snapshot in one batched read.
// An unreachable store yields the closed default with zero counters.
func (b *Breaker) Status(ctx context.Context, service string) *Snapshot {
	snap := &Snapshot{Service: service, State: StateClosed}

	vals, err := b.store.MGet(ctx,
		b.key(service, fieldState),
		b.key(service, fieldFailureCount),
		b.key(service, fieldLastFailureTime),
		b.key(service, fieldNextAttemptTime),
		b.key(service, fieldHalfOpenSuccesses),
		b.key(service, fieldTotalRequests),
		b.key(service, fieldSuccessRequests),
		b.key(service, fieldFailedRequests),
	)
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Circuit state unreadable, reporting closed defaults")
		return snap
	}

	snap.State = ParseState(vals[0])
	snap.FailureCount = parseInt(vals[1])
	snap.LastFailureTime = parseUnix(vals[2])
	snap.NextAttemptTime = parseUnix(vals[3])
	snap.HalfOpenSuccesses = parseInt(vals[4])
	snap.TotalRequests = parseInt(vals[5])
	snap.SuccessfulRequests = parseInt(vals[6])
	snap.FailedRequests = parseInt(vals[7])
	return snap
}

// Services lists every service the breaker has recorded outcomes for
func (b *Breaker) Services(ctx context.Context) ([]string, error) {
	return b.store.SMembers(ctx, b.servicesKey())
}

// StatusAll returns snapshots for every known service
func (b *Breaker) StatusAll(ctx context.Context) (map[string]*Snapshot, error) {
	services, err := b.Services(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]*Snapshot, len(services))
	for _, svc := range services {
		statuses[svc] = b.Status(ctx, svc)
	}
	return statuses, nil
}

// Reset forces the circuit closed and clears its failure state.
// Request totals survive a reset.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	from := b.currentState(ctx, service)

	_, err := b.store.Del(ctx,
		b.key(service, fieldState),
		b.key(service, fieldFailureCount),
		b.key(service, fieldLastFailureTime),
		b.key(service, fieldNextAttemptTime),
		b.key(service, fieldHalfOpenSuccesses),
	)
	if err != nil {
		return err
	}

	b.publisher.Publish(ctx, events.New(events.TypeCircuitClosed).
		WithService(service).
		WithPayload("from_state", from.String()).
		WithPayload("reason", "manual_reset"))

	b.logger.LogCircuitEvent(ctx, service, from.String(), StateClosed.String(), logging.Fields{
		"reason": "manual_reset",
	})
	return nil
}

func (b *Breaker) transitionToHalfOpen(ctx context.Context, service string) {
	err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(service, fieldState), StateHalfOpen.String(), 0)
		pipe.Set(ctx, b.key(service, fieldHalfOpenSuccesses), 0, 0)
		return nil
	})
	if err != nil {
		// State stays open; the next admitted call retries the transition
		b.logger.WithContext(ctx).WithError(err).Warn("Failed to persist half-open transition")
		return
	}

	b.publisher.Publish(ctx, events.New(events.TypeCircuitHalfOpen).WithService(service))
	b.logger.LogCircuitEvent(ctx, service, StateOpen.String(), StateHalfOpen.String(), nil)
}

func (b *Breaker) transitionToClosed(ctx context.Context, service string) {
	err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(service, fieldState), StateClosed.String(), 0)
		pipe.Del(ctx, b.key(service, fieldFailureCount))
		pipe.Del(ctx, b.key(service, fieldHalfOpenSuccesses))
		pipe.Del(ctx, b.key(service, fieldNextAttemptTime))
		return nil
	})
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Failed to persist closed transition")
		return
	}

	b.publisher.Publish(ctx, events.New(events.TypeCircuitClosed).WithService(service))
	b.logger.LogCircuitEvent(ctx, service, StateHalfOpen.String(), StateClosed.String(), nil)
}

func (b *Breaker) open(ctx context.Context, service string, from State, now time.Time, reason string) {
	nextAttempt := now.Add(b.config.RecoveryTimeout)

	err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(service, fieldState), StateOpen.String(), 0)
		pipe.Set(ctx, b.key(service, fieldNextAttemptTime), nextAttempt.Unix(), 0)
		pipe.Del(ctx, b.key(service, fieldHalfOpenSuccesses))
		return nil
	})
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("Failed to persist open transition")
		return
	}

	b.publisher.Publish(ctx, events.New(events.TypeCircuitOpened).
		WithService(service).
		WithPayload("from_state", from.String()).
		WithPayload("reason", reason).
		WithPayload("next_attempt_time", nextAttempt.UTC().Format(time.RFC3339)))

	b.logger.LogCircuitEvent(ctx, service, from.String(), StateOpen.String(), logging.Fields{
		"reason":            reason,
		"next_attempt_time": nextAttempt.UTC().Format(time.RFC3339),
	})
}

// currentState reads the state field alone; a missing key or read
// failure counts as closed
func (b *Breaker) currentState(ctx context.Context, service string) State {
	val, err := b.store.Get(ctx, b.key(service, fieldState))
	if err != nil {
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			b.logger.WithContext(ctx).WithError(err).Debug("Circuit state read failed, assuming closed")
		}
		return StateClosed
	}
	return ParseState(val)
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseUnix(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
