package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/backoff"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Queue names, one per priority tier.
const (
	QueueHigh   = "media.high"
	QueueNormal = "media.normal"
	QueueLow    = "media.low"
)

// Tiers lists the queue names in consumption order.
var Tiers = []string{QueueHigh, QueueNormal, QueueLow}

// QueueFor maps a job priority to its queue name. Unknown priorities map
// to the normal tier.
func QueueFor(p job.Priority) string {
	switch p {
	case job.PriorityHigh:
		return QueueHigh
	case job.PriorityLow:
		return QueueLow
	default:
		return QueueNormal
	}
}

// Handle identifies an accepted enqueue on a backend.
type Handle struct {
	Backend   string `json:"backend"`
	Queue     string `json:"queue"`
	MessageID string `json:"message_id,omitempty"`
}

// Dispatcher hands admitted jobs to the executor fleet. Implementations
// must be safe for concurrent use.
type Dispatcher interface {
	// Enqueue places jobID on the queue for its priority tier.
	Enqueue(ctx context.Context, jobID id.JobID, p job.Priority) (Handle, error)

	// Cancel revokes a job that has not been received by an executor.
	// Backends that cannot revoke treat it as a no-op; the store
	// transition makes any later claim fail.
	Cancel(ctx context.Context, jobID id.JobID) error

	// SignalRunningCancel asks the executor holding token to stop jobID.
	SignalRunningCancel(ctx context.Context, jobID id.JobID, token string) error

	// Close releases backend resources. Later calls return
	// conductor.ErrDispatcherClosed.
	Close() error
}

// Delivery is one job received from a queue.
type Delivery struct {
	JobID id.JobID
	Queue string
}

// CancelSignal asks the holder of Token to stop JobID.
type CancelSignal struct {
	JobID string `json:"job_id" msgpack:"job_id"`
	Token string `json:"token" msgpack:"token"`
}

// Source is the consumer side of a dispatcher used by the local worker
// pool. Next blocks until a job is available, ctx is done or the source
// is closed.
type Source interface {
	Next(ctx context.Context) (Delivery, error)

	// Watch returns a channel that receives cancel signals for jobID and a
	// function that stops watching.
	Watch(jobID id.JobID) (<-chan CancelSignal, func())
}

// Transient reports whether an enqueue error is worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, conductor.ErrDispatcherClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// EnqueueWithRetry enqueues jobID, retrying transient failures with s up
// to attempts times. The returned error wraps
// conductor.ErrDispatchUnavailable when every attempt failed.
func EnqueueWithRetry(ctx context.Context, d Dispatcher, s backoff.Strategy, attempts int, jobID id.JobID, p job.Priority) (Handle, error) {
	var h Handle
	err := backoff.Retry(ctx, s, attempts, func(ctx context.Context, _ int) error {
		var err error
		h, err = d.Enqueue(ctx, jobID, p)
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: enqueue %s: %w", conductor.ErrDispatchUnavailable, jobID, err)
	}
	return h, nil
}
