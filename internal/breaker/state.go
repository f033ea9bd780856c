package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State represents the gate position of one service's circuit
type State int

const (
	// StateClosed - circuit is closed, calls are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, calls are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probe calls are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState maps a stored state value back to a State. Anything
// unrecognized, including a missing key, reads as closed.
func ParseState(s string) State {
	switch s {
	case "OPEN":
		return StateOpen
	case "HALF_OPEN":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// MarshalJSON renders the state name rather than its ordinal
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the state name
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = ParseState(name)
	return nil
}

// Snapshot is a point-in-time view of one service's circuit. A zero
// LastFailureTime means the service has never failed.
type Snapshot struct {
	Service            string    `json:"service"`
	State              State     `json:"state"`
	FailureCount       int64     `json:"failure_count"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	NextAttemptTime    time.Time `json:"next_attempt_time"`
	HalfOpenSuccesses  int64     `json:"half_open_successes"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
}

// OpenError is returned when a call is rejected by an open circuit
type OpenError struct {
	Service    string
	RetryAfter time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for '%s' is open, retry after %s",
		e.Service, e.RetryAfter.UTC().Format(time.RFC3339))
}

// IsOpenError checks if an error is an open-circuit rejection
func IsOpenError(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}
