package conductor

import "time"

// Config holds engine-wide tunables.
type Config struct {
	// DefaultMaxRetries is applied to jobs submitted without an explicit
	// retry ceiling.
	DefaultMaxRetries int

	// DefaultMaxConcurrentJobs is the concurrency quota for clients without
	// a stored quota record.
	DefaultMaxConcurrentJobs int

	// DefaultMonthlyMinutes is the processing-minute allowance for clients
	// whose quota record sets none, including clients with no record.
	// Zero means unlimited.
	DefaultMonthlyMinutes float64

	// MaxBatchFiles bounds the number of files in a single batch.
	MaxBatchFiles int

	// MaxBatchConcurrency bounds the per-batch concurrency cap a client may
	// request.
	MaxBatchConcurrency int

	// MaxBatchRetries bounds the batch-level retry ceiling.
	MaxBatchRetries int

	// GlobalBatchConcurrency caps the number of batch children in flight
	// across all batches in this process. Zero disables the ceiling.
	GlobalBatchConcurrency int

	// BatchPollInterval is how often a batch driver reconciles against the
	// store when no wake-up event arrives.
	BatchPollInterval time.Duration

	// StreamPollInterval is how often StreamEvents polls a job record.
	StreamPollInterval time.Duration

	// EnqueueAttempts is how many times enqueue is tried before the
	// submission is compensated.
	EnqueueAttempts int

	// StallThreshold fails PROCESSING jobs whose record has not changed for
	// this long. Zero disables the watchdog.
	StallThreshold time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries:        3,
		DefaultMaxConcurrentJobs: 10,
		MaxBatchFiles:            1000,
		MaxBatchConcurrency:      50,
		MaxBatchRetries:          3,
		BatchPollInterval:        2 * time.Second,
		StreamPollInterval:       500 * time.Millisecond,
		EnqueueAttempts:          3,
		ShutdownTimeout:          30 * time.Second,
	}
}
