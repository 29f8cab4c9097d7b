package ext

import (
	"context"
	"time"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobQueued is called after a job is admitted and handed to the dispatcher.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when an executor claims a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgressed is called after an accepted progress report.
type JobProgressed interface {
	OnJobProgressed(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job moves to failed, whether reported by the
// executor or forced by dispatch compensation or the watchdog.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called after a job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobRetried is called when a failed job is returned to the queue.
type JobRetried interface {
	OnJobRetried(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchStarted is called when a batch enters processing, including
// re-entry after a retry.
type BatchStarted interface {
	OnBatchStarted(ctx context.Context, b *batch.Batch) error
}

// BatchFinished is called when a batch reaches a terminal status.
type BatchFinished interface {
	OnBatchFinished(ctx context.Context, b *batch.Batch, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
