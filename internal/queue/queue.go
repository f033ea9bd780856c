package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Store layout: operation records live under their own keys with a
// TTL; the sets and sorted sets below only hold ids. A scheduling pass
// reads the pending set, a mover promotes due scheduled ids back to
// pending and a sweeper expires overdue work.
const (
	recordKeyPrefix = "queue:op:"
	pendingKey      = "queue:pending"
	scheduledKey    = "queue:scheduled"
	processingKey   = "queue:processing"
	completedKey    = "queue:completed"
	deadLetterKey   = "queue:dead"

	deadLetterCap = 1000
)

func recordKey(id string) string {
	return recordKeyPrefix + id
}

// errAlreadyClaimed signals that another pass won the claim race for
// an operation. Callers skip the operation, they do not fail it.
var errAlreadyClaimed = fmt.Errorf("operation already claimed")

// Queue holds operations that could not execute immediately and
// replays them in priority order when capacity returns. All state
// lives in the shared store; every pass recomputes eligibility and
// scores from the records rather than trusting a cached ordering.
type Queue struct {
	store     *store.Client
	publisher events.Publisher
	logger    *logging.Logger
	config    *config.QueueConfig
}

// New creates an operation queue backed by the shared store
func New(st *store.Client, publisher events.Publisher, logger *logging.Logger, cfg *config.QueueConfig) (*Queue, error) {
	if st == nil {
		return nil, errors.NewValidationError("store client is required")
	}
	if cfg == nil {
		return nil, errors.NewValidationError("queue config is required")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.NewValidationError("batch size must be at least 1")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.NewValidationError("max age must be positive")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	return &Queue{
		store:     st,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
	}, nil
}

// Enqueue stores an operation for later replay and returns its id.
// Re-enqueueing an operation with the same id overwrites the record
// and is a no-op on the pending set.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) (string, error) {
	if op == nil {
		return "", errors.NewValidationError("operation is required")
	}
	if op.Type == "" {
		return "", errors.NewValidationError("operation type is required")
	}
	if op.Endpoint == "" {
		return "", errors.NewValidationError("operation endpoint is required")
	}

	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now().UTC()
	}
	if op.ID == "" {
		if op.PayloadHash == "" {
			hash, err := PayloadHash(op.Payload)
			if err != nil {
				return "", errors.NewValidationError(err.Error())
			}
			op.PayloadHash = hash
		}
		op.ID = OperationID(op.Type, op.Endpoint, op.PayloadHash, op.QueuedAt)
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.config.DefaultMaxRetries
	}
	if op.Timeout <= 0 {
		op.Timeout = q.config.OperationTimeout
	}
	op.Status = StatusQueued

	if err := q.saveRecord(ctx, op); err != nil {
		return "", err
	}
	if err := q.store.SAdd(ctx, pendingKey, op.ID); err != nil {
		return "", err
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationEnqueued).
		WithPayload("operation_id", op.ID).
		WithPayload("operation_type", op.Type).
		WithPayload("priority", op.Priority.String()))

	q.logger.WithContext(ctx).WithFields(logging.Fields{
		"operation_id":   op.ID,
		"operation_type": op.Type,
		"priority":       op.Priority.String(),
	}).Info("Operation enqueued")

	return op.ID, nil
}

// Dequeue claims up to limit eligible operations in priority order and
// marks them in progress. Passing types narrows the pass to those
// operation types. Claimed operations that are never settled are
// recovered by the sweep once their deadline passes.
func (q *Queue) Dequeue(ctx context.Context, limit int, types ...string) ([]*Operation, error) {
	if limit < 1 || limit > q.config.BatchSize {
		limit = q.config.BatchSize
	}

	if err := q.promoteScheduled(ctx); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to promote scheduled operations")
	}

	ops, err := q.pendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := q.completedSet(ctx)
	if err != nil {
		return nil, err
	}

	var typeFilter map[string]bool
	if len(types) > 0 {
		typeFilter = make(map[string]bool, len(types))
		for _, t := range types {
			typeFilter[t] = true
		}
	}

	now := time.Now().UTC()
	var eligible []*Operation
	for _, op := range ops {
		if typeFilter != nil && !typeFilter[op.Type] {
			continue
		}
		if !EligibleForExecution(op, completed, now, q.config.MaxAge) {
			continue
		}
		eligible = append(eligible, op)
	}

	SortByScore(eligible, now, true)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*Operation, 0, len(eligible))
	for _, op := range eligible {
		if err := q.markStarted(ctx, op, now); err != nil {
			if err != errAlreadyClaimed {
				q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
					"operation_id": op.ID,
				}).Warn("Failed to claim operation")
			}
			continue
		}
		claimed = append(claimed, op)
	}

	return claimed, nil
}

// Complete marks an operation completed and adds it to the completed
// set, which may unblock dependents on the next scheduling pass.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	op.Status = StatusCompleted
	op.CompletedAt = &now
	op.Result = result
	op.ErrorMsg = ""

	if err := q.saveRecord(ctx, op); err != nil {
		return err
	}

	err = q.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, pendingKey, id)
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.ZRem(ctx, processingKey, id)
		pipe.SAdd(ctx, completedKey, id)
		return nil
	})
	if err != nil {
		return err
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationCompleted).
		WithPayload("operation_id", id).
		WithPayload("operation_type", op.Type))

	q.logger.WithContext(ctx).WithFields(logging.Fields{
		"operation_id":   id,
		"operation_type": op.Type,
	}).Info("Operation completed")

	return nil
}

// Fail records a failure and either schedules a retry with exponential
// backoff or dead-letters the operation when the failure is terminal
// or the retry budget is spent.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	decision := ClassifyFailure(op, cause, now)
	if cause != nil {
		op.ErrorMsg = cause.Error()
	}

	if decision.Retry {
		delay := RetryDelay(op.RetryCount, q.config.BaseRetryDelay, q.config.MaxRetryDelay)
		op.RetryCount++
		op.Status = StatusQueued
		op.StartedAt = nil

		if err := q.saveRecord(ctx, op); err != nil {
			return err
		}

		due := now.Add(delay)
		err = q.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, pendingKey, id)
			pipe.ZRem(ctx, processingKey, id)
			pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(due.Unix()), Member: id})
			return nil
		})
		if err != nil {
			return err
		}

		q.publisher.Publish(ctx, events.New(events.TypeOperationFailed).
			WithPayload("operation_id", id).
			WithPayload("operation_type", op.Type).
			WithPayload("terminal", false).
			WithPayload("reason", decision.Reason).
			WithPayload("retry_count", op.RetryCount).
			WithPayload("retry_at", due.Format(time.RFC3339)))

		q.logger.WithContext(ctx).WithFields(logging.Fields{
			"operation_id": id,
			"retry_count":  op.RetryCount,
			"retry_in":     delay.String(),
			"reason":       decision.Reason,
		}).Warn("Operation failed, retry scheduled")

		return nil
	}

	op.Status = StatusFailed
	op.CompletedAt = &now

	if err := q.saveRecord(ctx, op); err != nil {
		return err
	}

	err = q.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, pendingKey, id)
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.ZRem(ctx, processingKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if err := q.store.LPushCapped(ctx, deadLetterKey, id, deadLetterCap, 0); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to dead-letter operation")
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationFailed).
		WithPayload("operation_id", id).
		WithPayload("operation_type", op.Type).
		WithPayload("terminal", true).
		WithPayload("reason", decision.Reason).
		WithPayload("retry_count", op.RetryCount))

	q.logger.WithContext(ctx).WithFields(logging.Fields{
		"operation_id": id,
		"reason":       decision.Reason,
		"error":        op.ErrorMsg,
	}).Error("Operation failed permanently")

	return nil
}

// Cancel withdraws a queued or scheduled operation. Operations already
// executing or already terminal cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Terminal() {
		return errors.NewConflictError(fmt.Sprintf("operation is already %s", op.Status))
	}
	if op.Status == StatusInProgress {
		return errors.NewConflictError("operation is already executing")
	}

	now := time.Now().UTC()
	op.Status = StatusCancelled
	op.CompletedAt = &now

	if err := q.saveRecord(ctx, op); err != nil {
		return err
	}

	err = q.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, pendingKey, id)
		pipe.ZRem(ctx, scheduledKey, id)
		return nil
	})
	if err != nil {
		return err
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationCancelled).
		WithPayload("operation_id", id).
		WithPayload("operation_type", op.Type))

	q.logger.WithContext(ctx).WithFields(logging.Fields{
		"operation_id": id,
	}).Info("Operation cancelled")

	return nil
}

// Get loads an operation record
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	data, err := q.store.Get(ctx, recordKey(id))
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, errors.NewNotFoundError("operation")
		}
		return nil, err
	}

	op, err := FromJSON([]byte(data))
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize operation record").WithCause(err)
	}
	return op, nil
}

// Metrics summarizes queue state across every reachable record
type Metrics struct {
	Total            int            `json:"total"`
	Queued           int            `json:"queued"`
	InProgress       int            `json:"in_progress"`
	Completed        int            `json:"completed"`
	Failed           int            `json:"failed"`
	Expired          int            `json:"expired"`
	Cancelled        int            `json:"cancelled"`
	ByType           map[string]int `json:"by_type"`
	ByPriority       map[string]int `json:"by_priority"`
	AvgQueueTime     time.Duration  `json:"avg_queue_time"`
	AvgExecutionTime time.Duration  `json:"avg_execution_time"`
	SuccessRate      float64        `json:"success_rate"`
	OldestQueuedAt   *time.Time     `json:"oldest_queued_at,omitempty"`
	DeadLettered     int64          `json:"dead_lettered"`
}

// Metrics computes queue health from all records still referenced by
// the pending, scheduled, processing and completed structures.
func (q *Queue) Metrics(ctx context.Context) (*Metrics, error) {
	ids, err := q.allIDs(ctx)
	if err != nil {
		return nil, err
	}
	ops, _, err := q.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	deadLettered, err := q.store.LLen(ctx, deadLetterKey)
	if err != nil {
		return nil, err
	}

	return computeMetrics(ops, deadLettered), nil
}

// DrainSummary reports one recovery replay session
type DrainSummary struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Selected    int       `json:"selected"`
	Executed    int       `json:"executed"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
}

// Drain replays everything eligible after recovery, oldest critical
// work first. Unlike Dequeue it ignores priority scores: the tier and
// the enqueue time alone decide the order. Failures settle through
// Fail, so retry classification still applies.
func (q *Queue) Drain(ctx context.Context, exec Executor) (*DrainSummary, error) {
	if exec == nil {
		return nil, errors.NewValidationError("executor is required")
	}

	summary := &DrainSummary{
		SessionID: uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	if err := q.promoteScheduled(ctx); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to promote scheduled operations")
	}

	ops, err := q.pendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := q.completedSet(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var eligible []*Operation
	for _, op := range ops {
		if !exec.CanExecute(op.Type) {
			continue
		}
		if !EligibleForExecution(op, completed, now, q.config.MaxAge) {
			continue
		}
		eligible = append(eligible, op)
	}
	SortForDrain(eligible)

	summary.Selected = len(eligible)
	summary.Skipped = len(ops) - len(eligible)

	for i, op := range eligible {
		if ctx.Err() != nil {
			summary.Skipped += len(eligible) - i
			break
		}
		if err := q.markStarted(ctx, op, time.Now().UTC()); err != nil {
			summary.Skipped++
			continue
		}
		summary.Executed++
		if q.settle(ctx, op, exec) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	summary.CompletedAt = time.Now().UTC()

	q.publisher.Publish(ctx, events.New(events.TypeQueueDrained).
		WithPayload("session_id", summary.SessionID).
		WithPayload("selected", summary.Selected).
		WithPayload("executed", summary.Executed).
		WithPayload("succeeded", summary.Succeeded).
		WithPayload("failed", summary.Failed).
		WithPayload("skipped", summary.Skipped))

	q.logger.WithContext(ctx).WithFields(logging.Fields{
		"session_id": summary.SessionID,
		"selected":   summary.Selected,
		"executed":   summary.Executed,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
	}).Info("Queue drained")

	return summary, nil
}

// Sweep expires overdue work: processing entries whose deadline passed
// are failed (and retried if the budget allows), pending operations
// past their expiry or older than MaxAge are marked expired.
func (q *Queue) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	overdue, err := q.store.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	})
	if err != nil {
		return err
	}
	for _, id := range overdue {
		if err := q.Fail(ctx, id, errors.NewTimeoutError("operation execution")); err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				q.store.ZRem(ctx, processingKey, id)
				continue
			}
			q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
				"operation_id": id,
			}).Warn("Failed to time out overdue operation")
		}
	}

	ops, err := q.pendingOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		var reason string
		switch {
		case op.Expired(now):
			reason = "expired"
		case op.TooOld(now, q.config.MaxAge):
			reason = "max_age_exceeded"
		default:
			continue
		}
		if err := q.expire(ctx, op, now, reason); err != nil {
			q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
				"operation_id": op.ID,
			}).Warn("Failed to expire operation")
		}
	}

	return nil
}

// markStarted claims an operation via the pending set. Removing the id
// is the claim: whoever removes it owns the execution.
func (q *Queue) markStarted(ctx context.Context, op *Operation, now time.Time) error {
	removed, err := q.store.SRem(ctx, pendingKey, op.ID)
	if err != nil {
		return err
	}
	if removed == 0 {
		return errAlreadyClaimed
	}

	op.Status = StatusInProgress
	started := now
	op.StartedAt = &started

	if err := q.saveRecord(ctx, op); err != nil {
		return err
	}

	deadline := now.Add(q.timeoutFor(op))
	if err := q.store.ZAdd(ctx, processingKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: op.ID,
	}); err != nil {
		return err
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationStarted).
		WithPayload("operation_id", op.ID).
		WithPayload("operation_type", op.Type))

	return nil
}

// settle executes a claimed operation with its timeout and records the
// outcome, returning whether it succeeded
func (q *Queue) settle(ctx context.Context, op *Operation, exec Executor) bool {
	opCtx, cancel := context.WithTimeout(ctx, q.timeoutFor(op))
	result, err := exec.Execute(opCtx, op)
	cancel()

	if err != nil {
		if failErr := q.Fail(ctx, op.ID, err); failErr != nil {
			q.logger.WithContext(ctx).WithError(failErr).WithFields(logging.Fields{
				"operation_id": op.ID,
			}).Error("Failed to record operation failure")
		}
		return false
	}

	if err := q.Complete(ctx, op.ID, result); err != nil {
		q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
			"operation_id": op.ID,
		}).Error("Failed to record operation completion")
		return false
	}
	return true
}

// release returns a claimed but never executed operation to the
// pending set with its retry budget untouched
func (q *Queue) release(ctx context.Context, op *Operation) {
	op.Status = StatusQueued
	op.StartedAt = nil

	if err := q.saveRecord(ctx, op); err != nil {
		q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
			"operation_id": op.ID,
		}).Warn("Failed to release operation")
		return
	}
	if err := q.store.ZRem(ctx, processingKey, op.ID); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to remove released operation from processing")
	}
	if err := q.store.SAdd(ctx, pendingKey, op.ID); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to requeue released operation")
	}
}

// promoteScheduled moves due retries and deferred operations back into
// the pending set
func (q *Queue) promoteScheduled(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := q.store.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	})
	if err != nil {
		return err
	}

	for _, id := range due {
		err := q.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, scheduledKey, id)
			pipe.SAdd(ctx, pendingKey, id)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) expire(ctx context.Context, op *Operation, now time.Time, reason string) error {
	op.Status = StatusExpired
	op.CompletedAt = &now

	if err := q.saveRecord(ctx, op); err != nil {
		return err
	}
	if _, err := q.store.SRem(ctx, pendingKey, op.ID); err != nil {
		return err
	}

	q.publisher.Publish(ctx, events.New(events.TypeOperationExpired).
		WithPayload("operation_id", op.ID).
		WithPayload("operation_type", op.Type).
		WithPayload("reason", reason))

	return nil
}

func (q *Queue) pendingOperations(ctx context.Context) ([]*Operation, error) {
	ids, err := q.store.SMembers(ctx, pendingKey)
	if err != nil {
		return nil, err
	}

	ops, missing, err := q.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Records expire out from under their ids; drop the orphans
	for _, id := range missing {
		if _, err := q.store.SRem(ctx, pendingKey, id); err != nil {
			q.logger.WithContext(ctx).WithError(err).Warn("Failed to drop orphaned pending id")
		}
	}
	return ops, nil
}

func (q *Queue) loadRecords(ctx context.Context, ids []string) ([]*Operation, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	vals, err := q.store.MGet(ctx, keys...)
	if err != nil {
		return nil, nil, err
	}

	ops := make([]*Operation, 0, len(vals))
	var missing []string
	for i, val := range vals {
		if val == "" {
			missing = append(missing, ids[i])
			continue
		}
		op, err := FromJSON([]byte(val))
		if err != nil {
			q.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
				"operation_id": ids[i],
			}).Warn("Dropping unreadable operation record")
			missing = append(missing, ids[i])
			continue
		}
		ops = append(ops, op)
	}
	return ops, missing, nil
}

func (q *Queue) completedSet(ctx context.Context) (map[string]struct{}, error) {
	ids, err := q.store.SMembers(ctx, completedKey)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (q *Queue) allIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var all []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, id)
		}
	}

	for _, key := range []string{pendingKey, completedKey} {
		ids, err := q.store.SMembers(ctx, key)
		if err != nil {
			return nil, err
		}
		add(ids)
	}
	for _, key := range []string{scheduledKey, processingKey} {
		ids, err := q.store.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"})
		if err != nil {
			return nil, err
		}
		add(ids)
	}
	// Terminal failures are only referenced by the dead-letter list
	deadIDs, err := q.store.LRange(ctx, deadLetterKey, 0, -1)
	if err != nil {
		return nil, err
	}
	add(deadIDs)

	return all, nil
}

func (q *Queue) saveRecord(ctx context.Context, op *Operation) error {
	data, err := op.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize operation record").WithCause(err)
	}
	return q.store.Set(ctx, recordKey(op.ID), data, q.config.RecordTTL)
}

func (q *Queue) timeoutFor(op *Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return q.config.OperationTimeout
}

func computeMetrics(ops []*Operation, deadLettered int64) *Metrics {
	m := &Metrics{
		ByType:       make(map[string]int),
		ByPriority:   make(map[string]int),
		DeadLettered: deadLettered,
	}

	var queueTotal, execTotal time.Duration
	var queueN, execN int

	for _, op := range ops {
		m.Total++
		switch op.Status {
		case StatusQueued:
			m.Queued++
		case StatusInProgress:
			m.InProgress++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusExpired:
			m.Expired++
		case StatusCancelled:
			m.Cancelled++
		}
		m.ByType[op.Type]++
		m.ByPriority[op.Priority.String()]++

		if op.StartedAt != nil {
			queueTotal += op.StartedAt.Sub(op.QueuedAt)
			queueN++
			if op.CompletedAt != nil {
				execTotal += op.CompletedAt.Sub(*op.StartedAt)
				execN++
			}
		}

		if op.Status == StatusQueued {
			if m.OldestQueuedAt == nil || op.QueuedAt.Before(*m.OldestQueuedAt) {
				queuedAt := op.QueuedAt
				m.OldestQueuedAt = &queuedAt
			}
		}
	}

	if queueN > 0 {
		m.AvgQueueTime = queueTotal / time.Duration(queueN)
	}
	if execN > 0 {
		m.AvgExecutionTime = execTotal / time.Duration(execN)
	}
	if finished := m.Completed + m.Failed; finished > 0 {
		m.SuccessRate = float64(m.Completed) / float64(finished)
	}

	return m
}
