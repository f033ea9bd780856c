package queue

import (
	"sort"
	"time"
)

// Importance by operation type while degraded; unlisted types still
// get a small bonus so type never zeroes a score.
var typeImportance = map[string]float64{
	TypeIncidentClassification: 100,
	TypeParallelTask:           75,
	TypeParallelSearch:         50,
	TypeDigestGeneration:       30,
	TypeRegulatoryScan:         25,
}

const defaultImportance = 10

// PriorityScore computes the scheduling score for one operation.
// Higher scores run first. The score is recomputed on every pass, so
// waiting operations climb as they age and fall as they burn retries.
func PriorityScore(op *Operation, now time.Time, degradedActive bool) float64 {
	score := float64(op.Priority) * 100

	ageHours := now.Sub(op.QueuedAt).Hours()
	ageBonus := ageHours * 10
	if ageBonus > 200 {
		ageBonus = 200
	}
	score += ageBonus

	if op.ExpiresAt != nil {
		switch hoursToExpiry := op.ExpiresAt.Sub(now).Hours(); {
		case hoursToExpiry < 1:
			score += 300
		case hoursToExpiry < 6:
			score += 100
		case hoursToExpiry < 24:
			score += 50
		}
	}

	if degradedActive {
		bonus, ok := typeImportance[op.Type]
		if !ok {
			bonus = defaultImportance
		}
		score += bonus
	}

	score -= float64(op.RetryCount) * 25

	if score < 0 {
		return 0
	}
	return score
}

// SortByScore orders operations for a scheduling pass: score
// descending, ties broken by older enqueue time.
func SortByScore(ops []*Operation, now time.Time, degradedActive bool) {
	scores := make(map[string]float64, len(ops))
	for _, op := range ops {
		scores[op.ID] = PriorityScore(op, now, degradedActive)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		si, sj := scores[ops[i].ID], scores[ops[j].ID]
		if si != sj {
			return si > sj
		}
		return ops[i].QueuedAt.Before(ops[j].QueuedAt)
	})
}

// SortForDrain orders operations for recovery replay: priority tier
// descending, then enqueue time ascending. Drain deliberately ignores
// the score so the oldest critical work replays first.
func SortForDrain(ops []*Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].QueuedAt.Before(ops[j].QueuedAt)
	})
}

// EligibleForExecution reports whether an operation may run in this
// pass: still queued, not expired, not past maxAge, and every declared
// dependency already completed.
func EligibleForExecution(op *Operation, completed map[string]struct{}, now time.Time, maxAge time.Duration) bool {
	if op.Status != StatusQueued {
		return false
	}
	if op.Expired(now) {
		return false
	}
	if op.TooOld(now, maxAge) {
		return false
	}
	for _, dep := range op.DependsOn {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Batches splits operations into execution batches of at most
// batchSize, optionally grouped by type so each batch hits one
// downstream capacity pool.
func Batches(ops []*Operation, batchSize int, groupByType bool) [][]*Operation {
	if len(ops) == 0 {
		return nil
	}
	if batchSize < 1 {
		batchSize = 1
	}

	if !groupByType {
		var batches [][]*Operation
		for i := 0; i < len(ops); i += batchSize {
			end := i + batchSize
			if end > len(ops) {
				end = len(ops)
			}
			batches = append(batches, ops[i:end])
		}
		return batches
	}

	// Preserve the sorted order within each type group
	var order []string
	groups := make(map[string][]*Operation)
	for _, op := range ops {
		if _, ok := groups[op.Type]; !ok {
			order = append(order, op.Type)
		}
		groups[op.Type] = append(groups[op.Type], op)
	}

	var batches [][]*Operation
	for _, opType := range order {
		group := groups[opType]
		for i := 0; i < len(group); i += batchSize {
			end := i + batchSize
			if end > len(group) {
				end = len(group)
			}
			batches = append(batches, group[i:end])
		}
	}
	return batches
}
