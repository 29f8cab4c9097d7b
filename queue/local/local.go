// Package local provides an in-process queue.Dispatcher backed by one
// bounded channel per priority tier. It is the dispatcher for single-node
// deployments where worker.Pool runs the executors in the same process.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
)

// Compile-time interface checks.
var (
	_ queue.Dispatcher = (*Dispatcher)(nil)
	_ queue.Source     = (*Dispatcher)(nil)
)

// DefaultCapacity is the default per-tier buffer size.
const DefaultCapacity = 1024

// BackendName identifies this backend in queue.Handle.
const BackendName = "local"

// entry is a queued job. seq distinguishes repeated enqueues of one job.
type entry struct {
	jobID id.JobID
	seq   uint64
}

// Dispatcher is an in-process dispatcher. Consumers receive high before
// normal before low when more than one tier has work.
type Dispatcher struct {
	tiers    map[string]chan entry
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	seq      uint64
	pending  map[id.JobID]uint64 // jobID → seq of the live entry
	watchers map[id.JobID]map[uint64]chan queue.CancelSignal
	watchSeq uint64
	closed   bool
	done     chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCapacity sets the per-tier buffer size. Enqueue fails with
// conductor.ErrDispatchUnavailable when a tier is full.
func WithCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a local dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		pending:  make(map[id.JobID]uint64),
		watchers: make(map[id.JobID]map[uint64]chan queue.CancelSignal),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tiers = make(map[string]chan entry, len(queue.Tiers))
	for _, t := range queue.Tiers {
		d.tiers[t] = make(chan entry, d.capacity)
	}
	return d
}

// Enqueue places jobID on its priority tier. Enqueueing a job that is
// already pending replaces the earlier entry.
func (d *Dispatcher) Enqueue(_ context.Context, jobID id.JobID, p job.Priority) (queue.Handle, error) {
	name := queue.QueueFor(p)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return queue.Handle{}, conductor.ErrDispatcherClosed
	}

	d.seq++
	e := entry{jobID: jobID, seq: d.seq}
	select {
	case d.tiers[name] <- e:
	default:
		return queue.Handle{}, fmt.Errorf("%w: %s is full", conductor.ErrDispatchUnavailable, name)
	}
	d.pending[jobID] = e.seq

	return queue.Handle{
		Backend:   BackendName,
		Queue:     name,
		MessageID: fmt.Sprintf("%s#%d", jobID, e.seq),
	}, nil
}

// Cancel revokes jobID if it has not been received yet.
func (d *Dispatcher) Cancel(_ context.Context, jobID id.JobID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return conductor.ErrDispatcherClosed
	}
	delete(d.pending, jobID)
	return nil
}

// SignalRunningCancel delivers a cancel signal to every watcher of jobID.
// It never blocks; a watcher that already holds a signal is skipped.
func (d *Dispatcher) SignalRunningCancel(_ context.Context, jobID id.JobID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return conductor.ErrDispatcherClosed
	}
	sig := queue.CancelSignal{JobID: jobID.String(), Token: token}
	for _, ch := range d.watchers[jobID] {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

// Next blocks until a live job is available, ctx is done or the
// dispatcher is closed. Revoked and superseded entries are skipped.
func (d *Dispatcher) Next(ctx context.Context) (queue.Delivery, error) {
	for {
		name, e, err := d.receive(ctx)
		if err != nil {
			return queue.Delivery{}, err
		}
		if d.take(e) {
			return queue.Delivery{JobID: e.jobID, Queue: name}, nil
		}
		d.logger.Debug("skipping revoked job", slog.String("job_id", e.jobID.String()))
	}
}

// receive takes the next entry, preferring higher tiers.
func (d *Dispatcher) receive(ctx context.Context) (string, entry, error) {
	for _, name := range queue.Tiers {
		select {
		case e := <-d.tiers[name]:
			return name, e, nil
		default:
		}
	}

	select {
	case e := <-d.tiers[queue.QueueHigh]:
		return queue.QueueHigh, e, nil
	case e := <-d.tiers[queue.QueueNormal]:
		return queue.QueueNormal, e, nil
	case e := <-d.tiers[queue.QueueLow]:
		return queue.QueueLow, e, nil
	case <-ctx.Done():
		return "", entry{}, ctx.Err()
	case <-d.done:
		return "", entry{}, conductor.ErrDispatcherClosed
	}
}

// take reports whether e is the live entry for its job and marks it
// received.
func (d *Dispatcher) take(e entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq, ok := d.pending[e.jobID]; !ok || seq != e.seq {
		return false
	}
	delete(d.pending, e.jobID)
	return true
}

// Watch registers for cancel signals on jobID. The returned stop function
// must be called when the job ends.
func (d *Dispatcher) Watch(jobID id.JobID) (<-chan queue.CancelSignal, func()) {
	ch := make(chan queue.CancelSignal, 1)

	d.mu.Lock()
	d.watchSeq++
	key := d.watchSeq
	if d.watchers[jobID] == nil {
		d.watchers[jobID] = make(map[uint64]chan queue.CancelSignal)
	}
	d.watchers[jobID][key] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.watchers[jobID], key)
			if len(d.watchers[jobID]) == 0 {
				delete(d.watchers, jobID)
			}
		})
	}
}

// Pending returns the number of live jobs waiting to be received.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops the dispatcher. Blocked Next calls return
// conductor.ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	return nil
}
