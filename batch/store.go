package batch

import (
	"context"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// ListOpts controls pagination and filtering for batch list queries.
type ListOpts struct {
	// Limit is the maximum number of batches to return. Zero means no limit.
	Limit int
	// Offset is the number of batches to skip.
	Offset int
	// ClientID filters by owning client. Empty means all clients.
	ClientID string
	// Status filters by status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for batches.
type Store interface {
	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// ListBatches returns batches matching opts, oldest first.
	ListBatches(ctx context.Context, opts ListOpts) ([]*Batch, error)

	// UpdateBatch applies a client edit to a non-terminal batch.
	UpdateBatch(ctx context.Context, batchID id.BatchID, u Update) (*Batch, error)

	// StartBatch moves a pending batch to processing.
	StartBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// SaveCounts records a tally on a non-terminal batch.
	SaveCounts(ctx context.Context, batchID id.BatchID, c Counts) (*Batch, error)

	// FinishBatch moves a non-terminal batch to status. It fails with
	// ErrAlreadyTerminal if another writer finished the batch first.
	FinishBatch(ctx context.Context, batchID id.BatchID, status Status, msg string) (*Batch, error)

	// RetryFailedJobs atomically checks the batch retry ceiling, requeues
	// every failed child and moves the batch back to processing. It returns
	// the requeued children. When the ceiling is reached nothing changes.
	// A finished batch takes its concurrency cap back, which is checked
	// against the client's limit in the same atomic step as for RetryJob.
	RetryFailedJobs(ctx context.Context, batchID id.BatchID, limit int) (*Batch, []*job.Job, error)
}
