package queue

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/breaker"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

func retryCandidate(t *testing.T, retryCount, maxRetries int) *Operation {
	t.Helper()
	op, err := NewOperation(TypeParallelSearch, "/v1/search", map[string]interface{}{"q": "test"})
	if err != nil {
		t.Fatalf("NewOperation failed: %v", err)
	}
	op.RetryCount = retryCount
	op.MaxRetries = maxRetries
	return op
}

func TestRetryDelay(t *testing.T) {
	base := time.Minute
	max := time.Hour

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{20, time.Hour},
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.retryCount, base, max); got != tc.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestRetryDelay_Defaults(t *testing.T) {
	if got := RetryDelay(0, 0, 0); got != time.Minute {
		t.Errorf("Default base = %v, want 1m", got)
	}
	if got := RetryDelay(10, 0, 0); got != time.Hour {
		t.Errorf("Default cap = %v, want 1h", got)
	}
}

func TestClassifyFailure_RetryBudgetExhausted(t *testing.T) {
	now := time.Now().UTC()
	op := retryCandidate(t, 3, 3)

	// A retryable cause does not matter once the budget is spent
	decision := ClassifyFailure(op, errors.NewTimeoutError("api call"), now)
	if decision.Retry {
		t.Error("Operation at max retries must not retry")
	}
	if !strings.Contains(decision.Reason, "maximum retries exceeded") {
		t.Errorf("Reason = %q", decision.Reason)
	}
}

func TestClassifyFailure_Expired(t *testing.T) {
	now := time.Now().UTC()
	op := retryCandidate(t, 0, 3)
	op.WithExpiry(now.Add(-time.Minute))

	decision := ClassifyFailure(op, errors.NewTimeoutError("api call"), now)
	if decision.Retry {
		t.Error("Expired operation must not retry")
	}
	if decision.Reason != "operation expired" {
		t.Errorf("Reason = %q", decision.Reason)
	}
}

func TestClassifyFailure_TypedErrors(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name  string
		cause error
		retry bool
	}{
		{"content rejected", errors.NewContentRejectedError([]string{"ssn"}), false},
		{"validation", errors.NewValidationError("missing endpoint"), false},
		{"circuit open", errors.NewAppError(errors.ErrorTypeCircuitOpen, "CIRCUIT_OPEN", "service unavailable"), true},
		{"timeout", errors.NewTimeoutError("api call"), true},
		{"store unavailable", errors.NewStoreUnavailableError("get", fmt.Errorf("dial tcp")), true},
		{"external", errors.NewExternalError("parallel", "HTTP 502"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := retryCandidate(t, 0, 3)
			decision := ClassifyFailure(op, tc.cause, now)
			if decision.Retry != tc.retry {
				t.Errorf("Retry = %v, want %v (reason %q)", decision.Retry, tc.retry, decision.Reason)
			}
		})
	}
}

func TestClassifyFailure_MessageFragments(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name  string
		cause error
		retry bool
	}{
		{"content policy", fmt.Errorf("request blocked: Content Policy Violation detected"), false},
		{"bad payload", fmt.Errorf("invalid payload format in field 'query'"), false},
		{"auth", fmt.Errorf("authentication failed for api key"), false},
		{"cancelled", fmt.Errorf("operation cancelled by requester"), false},
		{"malformed", fmt.Errorf("malformed request body"), false},
		{"conn timeout", fmt.Errorf("upstream connection timeout after 30s"), true},
		{"conn refused", fmt.Errorf("dial tcp 10.0.0.1:443: connection refused"), true},
		{"unavailable", fmt.Errorf("HTTP 503 Service Unavailable"), true},
		{"rate limited", fmt.Errorf("rate limit exceeded, retry later"), true},
		{"temporary", fmt.Errorf("temporary failure in name resolution"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := retryCandidate(t, 0, 3)
			decision := ClassifyFailure(op, tc.cause, now)
			if decision.Retry != tc.retry {
				t.Errorf("Retry = %v, want %v (reason %q)", decision.Retry, tc.retry, decision.Reason)
			}
		})
	}
}

func TestClassifyFailure_MatchesBreakerRejection(t *testing.T) {
	now := time.Now().UTC()
	op := retryCandidate(t, 0, 3)

	// The exact error an open circuit hands back must land on the
	// retryable side: the queued call should replay after recovery.
	rejection := &breaker.OpenError{Service: "parallel", RetryAfter: now.Add(time.Minute)}
	decision := ClassifyFailure(op, rejection, now)
	if !decision.Retry {
		t.Errorf("Circuit rejection classified terminal: %q", decision.Reason)
	}
}

func TestClassifyFailure_UnknownCauseRetries(t *testing.T) {
	now := time.Now().UTC()
	op := retryCandidate(t, 0, 3)

	decision := ClassifyFailure(op, fmt.Errorf("something odd happened"), now)
	if !decision.Retry {
		t.Error("Unrecognized failure should default to retry")
	}
	if decision.Reason != "general failure" {
		t.Errorf("Reason = %q", decision.Reason)
	}

	decision = ClassifyFailure(op, nil, now)
	if !decision.Retry {
		t.Error("Nil cause should default to retry")
	}
}
