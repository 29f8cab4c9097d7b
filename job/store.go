package job

import (
	"context"
	"time"

	"github.com/rendiffdev/conductor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// ClientID filters by owning client. Empty means all clients.
	ClientID string
	// BatchID filters by parent batch. Nil means any.
	BatchID id.BatchID
	// Status filters by status. Empty means all statuses.
	Status Status
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// ClientID filters by owning client. Empty means all clients.
	ClientID string
	// Status filters by status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs. Every mutation is
// atomic with respect to concurrent mutations of the same job and returns
// the job as persisted.
type Store interface {
	// CreateJob persists a new queued job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs matching opts, oldest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ClaimJob sets the worker token on a queued job and moves it to
	// processing. Exactly one of any number of concurrent claims succeeds.
	ClaimJob(ctx context.Context, jobID id.JobID, token string) (*Job, error)

	// UpdateProgress records progress from the claim owner.
	UpdateProgress(ctx context.Context, jobID id.JobID, token string, p Progress) (*Job, error)

	// CompleteJob finishes a job owned by token.
	CompleteJob(ctx context.Context, jobID id.JobID, token string, m *Metrics) (*Job, error)

	// FailJob fails a job owned by token.
	FailJob(ctx context.Context, jobID id.JobID, token string, f Failure) (*Job, error)

	// AbortJob fails a non-terminal job without a token.
	AbortJob(ctx context.Context, jobID id.JobID, f Failure) (*Job, error)

	// CancelJob cancels a non-terminal job.
	CancelJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// RetryJob returns a failed job to the queue. A standalone job takes
	// its slot back, so the client's active slots are counted in the same
	// atomic step and the retry is denied with an *conductor.AdmissionError
	// when the slot does not fit within limit. A limit of zero or less is
	// unlimited.
	RetryJob(ctx context.Context, jobID id.JobID, limit int) (*Job, error)

	// DeleteJob removes a queued, unclaimed job. It is used to roll back a
	// submission whose dispatch failed.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListStalledJobs returns processing jobs not updated within threshold.
	ListStalledJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)
}
