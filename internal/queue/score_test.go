package queue

import (
	"testing"
	"time"
)

func scoredOperation(t *testing.T, opType string, priority Priority, queuedAt time.Time) *Operation {
	t.Helper()
	op, err := NewOperation(opType, "/v1/"+opType, map[string]interface{}{"at": queuedAt.String()})
	if err != nil {
		t.Fatalf("NewOperation failed: %v", err)
	}
	op.Priority = priority
	op.QueuedAt = queuedAt
	return op
}

func TestPriorityScore_TierBase(t *testing.T) {
	now := time.Now().UTC()

	low := scoredOperation(t, TypeCustom, PriorityLow, now)
	critical := scoredOperation(t, TypeCustom, PriorityCritical, now)

	// Fresh operations, no expiry, not degraded: tier alone decides
	if got := PriorityScore(low, now, false); got != 100 {
		t.Errorf("Low tier score = %v, want 100", got)
	}
	if got := PriorityScore(critical, now, false); got != 500 {
		t.Errorf("Critical tier score = %v, want 500", got)
	}
}

func TestPriorityScore_AgeBonusCapped(t *testing.T) {
	now := time.Now().UTC()

	fiveHours := scoredOperation(t, TypeCustom, PriorityLow, now.Add(-5*time.Hour))
	if got := PriorityScore(fiveHours, now, false); got != 150 {
		t.Errorf("5h-old low score = %v, want 150", got)
	}

	// 30h of age would be 300 points; the bonus caps at 200
	ancient := scoredOperation(t, TypeCustom, PriorityLow, now.Add(-30*time.Hour))
	if got := PriorityScore(ancient, now, false); got != 300 {
		t.Errorf("30h-old low score = %v, want 300", got)
	}
}

func TestPriorityScore_ExpiryUrgency(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name      string
		expiresIn time.Duration
		want      float64
	}{
		{"under one hour", 30 * time.Minute, 400},
		{"under six hours", 3 * time.Hour, 200},
		{"under a day", 12 * time.Hour, 150},
		{"beyond a day", 48 * time.Hour, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := scoredOperation(t, TypeCustom, PriorityLow, now)
			op.WithExpiry(now.Add(tc.expiresIn))
			if got := PriorityScore(op, now, false); got != tc.want {
				t.Errorf("Score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPriorityScore_DegradedTypeImportance(t *testing.T) {
	now := time.Now().UTC()

	incident := scoredOperation(t, TypeIncidentClassification, PriorityLow, now)
	task := scoredOperation(t, TypeParallelTask, PriorityLow, now)
	unknown := scoredOperation(t, "something_else", PriorityLow, now)

	if got := PriorityScore(incident, now, true); got != 200 {
		t.Errorf("Incident score under degraded mode = %v, want 200", got)
	}
	if got := PriorityScore(task, now, true); got != 175 {
		t.Errorf("Task score under degraded mode = %v, want 175", got)
	}
	if got := PriorityScore(unknown, now, true); got != 110 {
		t.Errorf("Unknown type score under degraded mode = %v, want 110", got)
	}

	// Outside degraded mode the type bonus disappears
	if got := PriorityScore(incident, now, false); got != 100 {
		t.Errorf("Incident score outside degraded mode = %v, want 100", got)
	}
}

func TestPriorityScore_RetryPenaltyAndFloor(t *testing.T) {
	now := time.Now().UTC()

	op := scoredOperation(t, TypeCustom, PriorityLow, now)
	op.RetryCount = 2
	if got := PriorityScore(op, now, false); got != 50 {
		t.Errorf("Score with 2 retries = %v, want 50", got)
	}

	op.RetryCount = 10
	if got := PriorityScore(op, now, false); got != 0 {
		t.Errorf("Score should floor at 0, got %v", got)
	}
}

func TestSortByScore_TierOrder(t *testing.T) {
	now := time.Now().UTC()

	// Enqueued at increasing timestamps, no expiry, no retries
	low := scoredOperation(t, TypeCustom, PriorityLow, now.Add(-3*time.Second))
	urgent := scoredOperation(t, TypeCustom, PriorityUrgent, now.Add(-2*time.Second))
	normal := scoredOperation(t, TypeCustom, PriorityNormal, now.Add(-1*time.Second))

	ops := []*Operation{low, urgent, normal}
	SortByScore(ops, now, true)

	want := []Priority{PriorityUrgent, PriorityNormal, PriorityLow}
	for i, p := range want {
		if ops[i].Priority != p {
			t.Errorf("Position %d: expected %s, got %s", i, p, ops[i].Priority)
		}
	}
}

func TestSortByScore_TieBrokenByAge(t *testing.T) {
	now := time.Now().UTC()

	// Both past the age-bonus cap: identical scores, different ages
	older := scoredOperation(t, TypeCustom, PriorityNormal, now.Add(-30*time.Hour))
	newer := scoredOperation(t, TypeCustom, PriorityNormal, now.Add(-25*time.Hour))

	ops := []*Operation{newer, older}
	SortByScore(ops, now, false)
	if ops[0] != older {
		t.Error("Equal scores should break ties toward the older operation")
	}
}

func TestSortForDrain(t *testing.T) {
	now := time.Now().UTC()

	oldLow := scoredOperation(t, TypeCustom, PriorityLow, now.Add(-20*time.Hour))
	oldCritical := scoredOperation(t, TypeCustom, PriorityCritical, now.Add(-10*time.Hour))
	newCritical := scoredOperation(t, TypeCustom, PriorityCritical, now.Add(-1*time.Hour))

	// The 20h-old low op would outscore the 1h-old critical one on a
	// normal pass; drain order ignores scores entirely
	ops := []*Operation{oldLow, newCritical, oldCritical}
	SortForDrain(ops)

	if ops[0] != oldCritical || ops[1] != newCritical || ops[2] != oldLow {
		t.Errorf("Drain order wrong: got %s/%v, %s/%v, %s/%v",
			ops[0].Priority, ops[0].QueuedAt,
			ops[1].Priority, ops[1].QueuedAt,
			ops[2].Priority, ops[2].QueuedAt)
	}
}

func TestEligibleForExecution(t *testing.T) {
	now := time.Now().UTC()
	maxAge := 24 * time.Hour
	completed := map[string]struct{}{"done-1": {}}

	eligible := scoredOperation(t, TypeCustom, PriorityNormal, now.Add(-time.Hour))
	if !EligibleForExecution(eligible, completed, now, maxAge) {
		t.Error("Plain queued operation should be eligible")
	}

	inProgress := scoredOperation(t, TypeCustom, PriorityNormal, now)
	inProgress.Status = StatusInProgress
	if EligibleForExecution(inProgress, completed, now, maxAge) {
		t.Error("In-progress operation should not be eligible")
	}

	expired := scoredOperation(t, TypeCustom, PriorityNormal, now)
	expired.WithExpiry(now.Add(-time.Minute))
	if EligibleForExecution(expired, completed, now, maxAge) {
		t.Error("Expired operation should not be eligible")
	}

	tooOld := scoredOperation(t, TypeCustom, PriorityNormal, now.Add(-25*time.Hour))
	if EligibleForExecution(tooOld, completed, now, maxAge) {
		t.Error("Operation past max age should not be eligible")
	}

	blocked := scoredOperation(t, TypeCustom, PriorityNormal, now)
	blocked.WithDependencies("done-1", "pending-2")
	if EligibleForExecution(blocked, completed, now, maxAge) {
		t.Error("Operation with an incomplete dependency should not be eligible")
	}

	unblocked := scoredOperation(t, TypeCustom, PriorityNormal, now)
	unblocked.WithDependencies("done-1")
	if !EligibleForExecution(unblocked, completed, now, maxAge) {
		t.Error("Operation with all dependencies completed should be eligible")
	}
}

func TestBatches(t *testing.T) {
	now := time.Now().UTC()
	var ops []*Operation
	for i := 0; i < 5; i++ {
		ops = append(ops, scoredOperation(t, TypeParallelSearch, PriorityNormal, now.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 3; i++ {
		ops = append(ops, scoredOperation(t, TypeParallelTask, PriorityNormal, now.Add(time.Duration(i)*time.Second)))
	}

	plain := Batches(ops, 4, false)
	if len(plain) != 2 || len(plain[0]) != 4 || len(plain[1]) != 4 {
		t.Errorf("Plain batching wrong: %d batches", len(plain))
	}

	grouped := Batches(ops, 4, true)
	if len(grouped) != 3 {
		t.Fatalf("Expected 3 type-grouped batches, got %d", len(grouped))
	}
	for _, batch := range grouped {
		first := batch[0].Type
		for _, op := range batch {
			if op.Type != first {
				t.Errorf("Mixed types in grouped batch: %s and %s", first, op.Type)
			}
		}
	}

	if Batches(nil, 4, true) != nil {
		t.Error("Empty input should produce no batches")
	}
}
