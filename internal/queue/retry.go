package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Failures that must never retry: replaying them would repeat the
// same rejection at full cost.
var terminalFragments = []string{
	"content policy violation",
	"invalid payload format",
	"authentication failed",
	"operation cancelled",
	"malformed request",
}

// Failures worth retrying once the backoff elapses
var retryableFragments = []string{
	"connection timeout",
	"connection refused",
	"service unavailable",
	"circuit breaker",
	"rate limit exceeded",
	"temporary failure",
}

// RetryDecision is the outcome of classifying a failure
type RetryDecision struct {
	Retry  bool
	Reason string
}

// ClassifyFailure decides whether a failed operation goes back on the
// schedule or is dead-lettered. Typed errors classify first; untyped
// errors fall back to message fragments; anything unrecognized retries.
func ClassifyFailure(op *Operation, cause error, now time.Time) RetryDecision {
	if op.RetryCount >= op.MaxRetries {
		return RetryDecision{Retry: false, Reason: fmt.Sprintf("maximum retries exceeded (%d)", op.MaxRetries)}
	}
	if op.Expired(now) {
		return RetryDecision{Retry: false, Reason: "operation expired"}
	}
	if cause == nil {
		return RetryDecision{Retry: true, Reason: "unspecified failure"}
	}

	switch {
	case errors.IsType(cause, errors.ErrorTypeContentRejected):
		return RetryDecision{Retry: false, Reason: "content policy violation"}
	case errors.IsType(cause, errors.ErrorTypeValidation):
		return RetryDecision{Retry: false, Reason: "malformed operation"}
	case errors.IsType(cause, errors.ErrorTypeCircuitOpen),
		errors.IsType(cause, errors.ErrorTypeTimeout),
		errors.IsType(cause, errors.ErrorTypeStoreUnavailable),
		errors.IsType(cause, errors.ErrorTypeExternal):
		return RetryDecision{Retry: true, Reason: "transient failure"}
	}

	msg := strings.ToLower(cause.Error())
	for _, fragment := range terminalFragments {
		if strings.Contains(msg, fragment) {
			return RetryDecision{Retry: false, Reason: "non-retryable error: " + fragment}
		}
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return RetryDecision{Retry: true, Reason: "retryable error: " + fragment}
		}
	}

	return RetryDecision{Retry: true, Reason: "general failure"}
}

// RetryDelay returns the backoff before the given retry: base doubled
// per prior attempt, capped at max.
func RetryDelay(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = time.Hour
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
