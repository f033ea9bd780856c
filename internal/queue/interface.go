package queue

import (
	"context"
	"encoding/json"
)

// Interface is the queue surface consumed by the facade and the
// recovery detector
type Interface interface {
	// Enqueue stores an operation for later replay and returns its id
	Enqueue(ctx context.Context, op *Operation) (string, error)

	// Dequeue claims up to limit eligible operations in priority order
	Dequeue(ctx context.Context, limit int, types ...string) ([]*Operation, error)

	// Complete marks an operation completed and records its result
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail records a failure, scheduling a retry or dead-lettering
	Fail(ctx context.Context, id string, cause error) error

	// Cancel withdraws a queued or scheduled operation
	Cancel(ctx context.Context, id string) error

	// Get loads an operation record
	Get(ctx context.Context, id string) (*Operation, error)

	// Metrics summarizes queue state
	Metrics(ctx context.Context) (*Metrics, error)

	// Sweep expires overdue processing entries and stale operations
	Sweep(ctx context.Context) error

	// Drain replays everything eligible, oldest critical work first
	Drain(ctx context.Context, exec Executor) (*DrainSummary, error)
}

// Ensure Queue implements Interface
var _ Interface = (*Queue)(nil)
