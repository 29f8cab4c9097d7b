// Package redis provides a queue.Dispatcher backed by Redis. Each priority
// tier is a Sorted Set scored by enqueue time, so a tier is FIFO and the
// same job is never queued twice. Cancel is a true revoke via ZREM and
// running-cancel signals travel over pub/sub, msgpack-encoded.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	d := redisqueue.New(client)
//	h, err := d.Enqueue(ctx, jobID, job.PriorityHigh)
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

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

// BackendName identifies this backend in queue.Handle.
const BackendName = "redis"

// DefaultPollInterval is how long Next waits between empty polls.
const DefaultPollInterval = 200 * time.Millisecond

// Client is the subset of the go-redis API the dispatcher uses.
// *goredis.Client and *goredis.ClusterClient satisfy it.
type Client interface {
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *goredis.ZSliceCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// subscriber is implemented by clients that support pub/sub.
type subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPrefix sets the key prefix. It defaults to "conductor:".
func WithPrefix(p string) Option {
	return func(d *Dispatcher) { d.prefix = p }
}

// WithPollInterval sets how long Next sleeps when every tier is empty.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Dispatcher) {
		if iv > 0 {
			d.pollInterval = iv
		}
	}
}

// Dispatcher is a Redis-backed dispatcher.
type Dispatcher struct {
	client       Client
	logger       *slog.Logger
	prefix       string
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates a Redis dispatcher. Close closes client if it implements
// io.Closer.
func New(client Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:       client,
		logger:       slog.Default(),
		prefix:       "conductor:",
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Enqueue adds jobID to its tier, scored by enqueue time. Enqueueing a job
// that is already queued moves it to the back of the tier.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID id.JobID, p job.Priority) (queue.Handle, error) {
	if d.isClosed() {
		return queue.Handle{}, conductor.ErrDispatcherClosed
	}
	name := queue.QueueFor(p)
	member := jobID.String()
	score := float64(d.now().UnixMicro())

	if err := d.client.ZAdd(ctx, d.tierKey(name), goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return queue.Handle{}, fmt.Errorf("%w: redis enqueue: %w", conductor.ErrDispatchUnavailable, err)
	}
	return queue.Handle{Backend: BackendName, Queue: name, MessageID: member}, nil
}

// Cancel removes jobID from every tier.
func (d *Dispatcher) Cancel(ctx context.Context, jobID id.JobID) error {
	if d.isClosed() {
		return conductor.ErrDispatcherClosed
	}
	member := jobID.String()
	var errs []error
	for _, name := range queue.Tiers {
		if err := d.client.ZRem(ctx, d.tierKey(name), member).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("redis cancel %s: %w", member, err)
	}
	return nil
}

// SignalRunningCancel publishes a msgpack-encoded queue.CancelSignal on
// the job's cancel channel.
func (d *Dispatcher) SignalRunningCancel(ctx context.Context, jobID id.JobID, token string) error {
	if d.isClosed() {
		return conductor.ErrDispatcherClosed
	}
	payload, err := msgpack.Marshal(queue.CancelSignal{JobID: jobID.String(), Token: token})
	if err != nil {
		return fmt.Errorf("encode cancel signal: %w", err)
	}
	if err := d.client.Publish(ctx, d.cancelChannel(jobID.String()), payload).Err(); err != nil {
		return fmt.Errorf("redis signal %s: %w", jobID, err)
	}
	return nil
}

// Next pops the oldest job from the highest non-empty tier, polling until
// one is available, ctx is done or the dispatcher is closed.
func (d *Dispatcher) Next(ctx context.Context) (queue.Delivery, error) {
	for {
		if d.isClosed() {
			return queue.Delivery{}, conductor.ErrDispatcherClosed
		}
		for _, name := range queue.Tiers {
			members, err := d.client.ZPopMin(ctx, d.tierKey(name), 1).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return queue.Delivery{}, fmt.Errorf("redis pop %s: %w", name, err)
			}
			if len(members) == 0 {
				continue
			}
			raw, ok := members[0].Member.(string)
			if !ok {
				return queue.Delivery{}, fmt.Errorf("redis pop %s: unexpected member %T", name, members[0].Member)
			}
			jobID, err := id.ParseJobID(raw)
			if err != nil {
				d.logger.Warn("dropping malformed queue member",
					slog.String("queue", name),
					slog.String("member", raw),
				)
				continue
			}
			return queue.Delivery{JobID: jobID, Queue: name}, nil
		}

		timer := time.NewTimer(d.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.Delivery{}, ctx.Err()
		case <-d.done:
			timer.Stop()
			return queue.Delivery{}, conductor.ErrDispatcherClosed
		case <-timer.C:
		}
	}
}

// Watch subscribes to cancel signals for jobID. When the client does not
// support pub/sub the channel never fires.
func (d *Dispatcher) Watch(jobID id.JobID) (<-chan queue.CancelSignal, func()) {
	out := make(chan queue.CancelSignal, 1)
	sub, ok := d.client.(subscriber)
	if !ok {
		return out, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := sub.Subscribe(ctx, d.cancelChannel(jobID.String()))
	go func() {
		defer ps.Close() //nolint:errcheck // best-effort unsubscribe
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				sig, err := decodeSignal(msg.Payload)
				if err != nil {
					d.logger.Warn("dropping malformed cancel signal",
						slog.String("job_id", jobID.String()),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- sig:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(cancel) }
}

func decodeSignal(payload string) (queue.CancelSignal, error) {
	var sig queue.CancelSignal
	err := msgpack.NewDecoder(strings.NewReader(payload)).Decode(&sig)
	return sig, err
}

// Close marks the dispatcher closed and closes the client if it is an
// io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	if c, ok := d.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
