package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Executor runs a queued operation against its real destination. The
// queue never talks to the outside world itself; whatever owns the
// outbound call path implements this.
type Executor interface {
	Execute(ctx context.Context, op *Operation) (json.RawMessage, error)
	CanExecute(opType string) bool
}

// Worker polls the queue and replays eligible operations through an
// Executor. Concurrency comes from multiple poll loops sharing one
// queue; the pending-set claim keeps loops from double-executing.
type Worker struct {
	id     string
	queue  *Queue
	exec   Executor
	logger *logging.Logger
	config *config.QueueConfig

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	running bool
	stats   WorkerStats
}

// WorkerStats counts replay outcomes since Start
type WorkerStats struct {
	Processed   int64     `json:"processed"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	LastBatchAt time.Time `json:"last_batch_at"`
	StartedAt   time.Time `json:"started_at"`
}

// NewWorker creates a replay worker over the queue
func NewWorker(q *Queue, exec Executor, logger *logging.Logger, cfg *config.QueueConfig) (*Worker, error) {
	if q == nil {
		return nil, errors.NewValidationError("queue is required")
	}
	if exec == nil {
		return nil, errors.NewValidationError("executor is required")
	}
	if cfg == nil {
		return nil, errors.NewValidationError("queue config is required")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.NewValidationError("worker concurrency must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.NewValidationError("poll interval must be positive")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Worker{
		id:     uuid.New().String(),
		queue:  q,
		exec:   exec,
		logger: logger,
		config: cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the poll loops and returns immediately
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.NewConflictError("worker is already running")
	}
	w.running = true
	w.stats = WorkerStats{StartedAt: time.Now().UTC()}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < w.config.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, fmt.Sprintf("%s-%d", w.id, n))
		}(i)
	}
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	w.logger.WithContext(ctx).WithFields(logging.Fields{
		"worker_id":   w.id,
		"concurrency": w.config.WorkerConcurrency,
	}).Info("Replay worker started")

	return nil
}

// Stop signals the poll loops and waits for them to finish
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return errors.NewConflictError("worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(w.config.ShutdownTimeout):
		return errors.NewTimeoutError("worker shutdown")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// IsRunning reports whether the poll loops are active
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a snapshot of replay counters
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// Drain replays everything eligible through this worker's executor
func (w *Worker) Drain(ctx context.Context) (*DrainSummary, error) {
	return w.queue.Drain(ctx, w.exec)
}

func (w *Worker) loop(ctx context.Context, loopID string) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processBatch(ctx, loopID)
		}
	}
}

// processBatch claims one batch and settles every operation in it.
// Per-operation timeouts bound the batch; a stop signal mid-batch
// releases the unexecuted remainder with its retry budget untouched.
func (w *Worker) processBatch(ctx context.Context, loopID string) {
	ops, err := w.queue.Dequeue(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
			"worker_id": loopID,
		}).Warn("Dequeue failed")
		return
	}
	if len(ops) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.LastBatchAt = time.Now().UTC()
	w.mu.Unlock()

	for i, op := range ops {
		select {
		case <-w.stopCh:
			w.releaseRemainder(ops[i:])
			return
		case <-ctx.Done():
			w.releaseRemainder(ops[i:])
			return
		default:
		}
		w.runOne(ctx, op)
	}
}

func (w *Worker) runOne(ctx context.Context, op *Operation) {
	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()

	if !w.exec.CanExecute(op.Type) {
		err := errors.NewValidationError(fmt.Sprintf("no executor for operation type %q", op.Type))
		if failErr := w.queue.Fail(ctx, op.ID, err); failErr != nil {
			w.logger.WithContext(ctx).WithError(failErr).WithFields(logging.Fields{
				"operation_id": op.ID,
			}).Error("Failed to record unhandled operation type")
		}
		w.count(false)
		return
	}

	w.count(w.queue.settle(ctx, op, w.exec))
}

// releaseRemainder runs on a fresh context; the caller's context may
// already be cancelled when a shutdown interrupts the batch
func (w *Worker) releaseRemainder(ops []*Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, op := range ops {
		w.queue.release(ctx, op)
	}
}

func (w *Worker) count(succeeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if succeeded {
		w.stats.Succeeded++
	} else {
		w.stats.Failed++
	}
}
