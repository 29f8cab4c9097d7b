package quota

import (
	"context"
	"time"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
)

// Store defines quota persistence and the count-and-insert operations the
// admission controller relies on.
type Store interface {
	// GetQuota retrieves a client's quota record.
	GetQuota(ctx context.Context, clientID string) (*Quota, error)

	// PutQuota creates or replaces a client's quota record.
	PutQuota(ctx context.Context, q *Quota) error

	// AddUsage adds processing minutes to the client's current period,
	// creating a default record if none exists and rolling the period over
	// when a new month has started.
	AddUsage(ctx context.Context, clientID string, minutes float64, now time.Time) (*Quota, error)

	// RollOverQuotas resets usage on every record whose period started
	// before the month containing now. It returns the number reset.
	RollOverQuotas(ctx context.Context, now time.Time) (int, error)

	// ActiveSlots returns the slots the client currently holds.
	ActiveSlots(ctx context.Context, clientID string) (int, error)

	// AdmitJob atomically counts the client's active slots and inserts j if
	// one more slot fits within limit. Concurrent calls for the same client
	// are serialized so no two can both observe room for the last slot.
	AdmitJob(ctx context.Context, j *job.Job, limit int) error

	// AdmitBatch is AdmitJob for a batch and its children. The batch takes
	// MaxConcurrent slots.
	AdmitBatch(ctx context.Context, b *batch.Batch, jobs []*job.Job, limit int) error
}
