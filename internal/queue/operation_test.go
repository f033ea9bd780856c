package queue

import (
	"strings"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	op, err := NewOperation(TypeParallelSearch, "/v1/search", map[string]interface{}{
		"query": "regulatory updates",
		"lang":  "nl",
	})
	if err != nil {
		t.Fatalf("NewOperation failed: %v", err)
	}

	if op.ID == "" {
		t.Error("Operation ID should be set")
	}
	if !strings.HasPrefix(op.ID, TypeParallelSearch+"_") {
		t.Errorf("Operation ID should be prefixed with the type, got %s", op.ID)
	}
	if op.Status != StatusQueued {
		t.Errorf("Expected status %s, got %s", StatusQueued, op.Status)
	}
	if op.Priority != PriorityNormal {
		t.Errorf("Expected default priority %s, got %s", PriorityNormal, op.Priority)
	}
	if len(op.PayloadHash) != 16 {
		t.Errorf("Expected 16-char payload hash, got %q", op.PayloadHash)
	}
	if op.QueuedAt.IsZero() {
		t.Error("QueuedAt should be set")
	}
}

func TestPayloadHash_IgnoresKeyOrder(t *testing.T) {
	a, err := PayloadHash([]byte(`{"query": "x", "lang": "nl"}`))
	if err != nil {
		t.Fatalf("PayloadHash failed: %v", err)
	}
	b, err := PayloadHash([]byte(`{"lang": "nl", "query": "x"}`))
	if err != nil {
		t.Fatalf("PayloadHash failed: %v", err)
	}
	if a != b {
		t.Errorf("Payloads differing only in key order should hash identically: %s vs %s", a, b)
	}

	c, err := PayloadHash([]byte(`{"query": "y", "lang": "nl"}`))
	if err != nil {
		t.Fatalf("PayloadHash failed: %v", err)
	}
	if a == c {
		t.Error("Different payloads should not collide")
	}
}

func TestPayloadHash_EmptyPayload(t *testing.T) {
	a, err := PayloadHash(nil)
	if err != nil {
		t.Fatalf("PayloadHash failed on empty payload: %v", err)
	}
	b, err := PayloadHash([]byte("null"))
	if err != nil {
		t.Fatalf("PayloadHash failed: %v", err)
	}
	if a != b {
		t.Errorf("Empty payload should hash like null, got %s vs %s", a, b)
	}
}

func TestOperationID_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	a := OperationID(TypeParallelTask, "/v1/tasks", "abcd1234abcd1234", ts)
	b := OperationID(TypeParallelTask, "/v1/tasks", "abcd1234abcd1234", ts)
	if a != b {
		t.Errorf("Same inputs should yield the same id: %s vs %s", a, b)
	}

	c := OperationID(TypeParallelTask, "/v1/tasks", "abcd1234abcd1234", ts.Add(time.Nanosecond))
	if a == c {
		t.Error("Different enqueue times should yield different ids")
	}

	d := OperationID(TypeParallelTask, "/v2/tasks", "abcd1234abcd1234", ts)
	if a == d {
		t.Error("Different endpoints should yield different ids")
	}
}

func TestOperation_Builders(t *testing.T) {
	op, err := NewOperation(TypeCustom, "/v1/custom", nil)
	if err != nil {
		t.Fatalf("NewOperation failed: %v", err)
	}

	expiry := time.Now().Add(2 * time.Hour)
	op.WithPriority(PriorityCritical).
		WithExpiry(expiry).
		WithTimeout(45 * time.Second).
		WithRetries(5).
		WithDependencies("dep-1", "dep-2").
		WithRequester("analyst@example.com")

	if op.Priority != PriorityCritical {
		t.Errorf("Expected priority critical, got %s", op.Priority)
	}
	if op.ExpiresAt == nil || !op.ExpiresAt.Equal(expiry) {
		t.Error("Expiry not set")
	}
	if op.Timeout != 45*time.Second {
		t.Errorf("Expected timeout 45s, got %v", op.Timeout)
	}
	if op.MaxRetries != 5 {
		t.Errorf("Expected max retries 5, got %d", op.MaxRetries)
	}
	if len(op.DependsOn) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(op.DependsOn))
	}
	if op.Requester != "analyst@example.com" {
		t.Errorf("Requester not set, got %q", op.Requester)
	}
}

func TestOperation_Expired(t *testing.T) {
	op, _ := NewOperation(TypeCustom, "/x", nil)
	now := time.Now().UTC()

	if op.Expired(now) {
		t.Error("Operation without expiry should never expire")
	}

	op.WithExpiry(now.Add(time.Hour))
	if op.Expired(now) {
		t.Error("Operation before expiry should not be expired")
	}
	if !op.Expired(now.Add(time.Hour)) {
		t.Error("Operation at expiry should be expired")
	}
	if !op.Expired(now.Add(2 * time.Hour)) {
		t.Error("Operation past expiry should be expired")
	}
}

func TestOperation_TooOld(t *testing.T) {
	op, _ := NewOperation(TypeCustom, "/x", nil)
	op.QueuedAt = time.Now().UTC().Add(-25 * time.Hour)

	if !op.TooOld(time.Now().UTC(), 24*time.Hour) {
		t.Error("Operation queued 25h ago should exceed a 24h max age")
	}
	if op.TooOld(time.Now().UTC(), 48*time.Hour) {
		t.Error("Operation queued 25h ago should be within a 48h max age")
	}
}

func TestOperation_CanRetry(t *testing.T) {
	op, _ := NewOperation(TypeCustom, "/x", nil)
	op.MaxRetries = 3

	if !op.CanRetry() {
		t.Error("Fresh operation should be retryable")
	}

	op.RetryCount = 3
	if op.CanRetry() {
		t.Error("Operation at its retry budget should not be retryable")
	}
}

func TestOperation_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}
	live := []Status{StatusQueued, StatusInProgress}

	op, _ := NewOperation(TypeCustom, "/x", nil)
	for _, s := range terminal {
		op.Status = s
		if !op.Terminal() {
			t.Errorf("Status %s should be terminal", s)
		}
	}
	for _, s := range live {
		op.Status = s
		if op.Terminal() {
			t.Errorf("Status %s should not be terminal", s)
		}
	}
}

func TestOperation_JSONRoundTrip(t *testing.T) {
	original, err := NewOperation(TypeIncidentClassification, "/v1/incidents", map[string]interface{}{
		"incident_id": "inc-42",
	})
	if err != nil {
		t.Fatalf("NewOperation failed: %v", err)
	}
	original.WithPriority(PriorityUrgent).WithDependencies("dep-1")

	data, err := original.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	restored, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}

	if restored.ID != original.ID {
		t.Errorf("Expected ID %s, got %s", original.ID, restored.ID)
	}
	if restored.Priority != PriorityUrgent {
		t.Errorf("Expected priority urgent, got %s", restored.Priority)
	}
	if len(restored.DependsOn) != 1 || restored.DependsOn[0] != "dep-1" {
		t.Errorf("Dependencies not preserved: %v", restored.DependsOn)
	}
	if !restored.QueuedAt.Equal(original.QueuedAt) {
		t.Errorf("QueuedAt not preserved: %v vs %v", restored.QueuedAt, original.QueuedAt)
	}
}

func TestPriority_String(t *testing.T) {
	cases := map[Priority]string{
		PriorityLow:      "low",
		PriorityNormal:   "normal",
		PriorityHigh:     "high",
		PriorityUrgent:   "urgent",
		PriorityCritical: "critical",
		Priority(99):     "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
}
