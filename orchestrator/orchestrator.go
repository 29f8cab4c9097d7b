// Package orchestrator drives batches of jobs through the dispatcher under
// a per-batch concurrency cap.
//
// Each non-terminal batch has one driver goroutine. The driver holds a
// token pool sized to the batch cap, dispatches queued children while
// tokens are free, and returns a token only when the child it was spent on
// becomes terminal. The store is authoritative: drivers re-read children
// on every wake-up, whether it comes from the stream broker or the poll
// ticker, and derive the batch aggregate by counting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/backoff"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/stream"
)

// ErrStopped is returned by Start after Stop has been called.
var ErrStopped = errors.New("conductor: orchestrator stopped")

// CancelMessage is recorded on batches cancelled by their client.
const CancelMessage = "cancelled by client"

// DispatchFailedMessage is recorded on children whose enqueue failed.
const DispatchFailedMessage = "dispatch failed"

// cancelFanout bounds concurrent store calls during Cancel.
const cancelFanout = 8

// Store is the persistence the orchestrator needs.
type Store interface {
	job.Store
	batch.Store
}

// Orchestrator runs batch drivers.
type Orchestrator struct {
	store      Store
	dispatcher queue.Dispatcher
	broker     *stream.Broker
	extensions *ext.Registry
	logger     *slog.Logger
	strategy   backoff.Strategy
	attempts   int
	poll       time.Duration
	global     *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	drivers map[string]*driver
	stopped bool
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBroker subscribes drivers to batch topics so that child state
// changes wake them before the next poll.
func WithBroker(b *stream.Broker) Option {
	return func(o *Orchestrator) { o.broker = b }
}

// WithBackoff sets the enqueue retry strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

// New creates an Orchestrator. Poll interval, enqueue attempts and the
// deployment-wide ceiling come from cfg. A nil registry emits nothing.
func New(store Store, dispatcher queue.Dispatcher, extensions *ext.Registry, cfg conductor.Config, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		extensions: extensions,
		logger:     slog.Default(),
		strategy:   backoff.DefaultStrategy(),
		attempts:   cfg.EnqueueAttempts,
		poll:       cfg.BatchPollInterval,
		baseCtx:    ctx,
		cancel:     cancel,
		drivers:    make(map[string]*driver),
	}
	if o.poll <= 0 {
		o.poll = conductor.DefaultConfig().BatchPollInterval
	}
	if cfg.GlobalBatchConcurrency > 0 {
		o.global = semaphore.NewWeighted(int64(cfg.GlobalBatchConcurrency))
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extensions == nil {
		o.extensions = ext.NewRegistry(o.logger)
	}
	return o
}

// Start launches the driver for batchID. Starting a batch whose driver is
// already running is a no-op.
func (o *Orchestrator) Start(ctx context.Context, batchID id.BatchID) error {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: batch %s is %s", conductor.ErrAlreadyTerminal, batchID, b.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	key := batchID.String()
	if _, ok := o.drivers[key]; ok {
		return nil
	}
	dctx, cancel := context.WithCancel(o.baseCtx)
	d := &driver{
		batchID: batchID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.drivers[key] = d
	o.wg.Add(1)
	go o.run(dctx, d)
	return nil
}

// Running reports whether a driver is active for batchID.
func (o *Orchestrator) Running(batchID id.BatchID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.drivers[batchID.String()]
	return ok
}

// Resume starts drivers for every pending or processing batch. It is
// called once at boot and returns the number of drivers started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	started := 0
	for _, st := range []batch.Status{batch.StatusPending, batch.StatusProcessing} {
		batches, err := o.store.ListBatches(ctx, batch.ListOpts{Status: st})
		if err != nil {
			return started, fmt.Errorf("orchestrator: list %s batches: %w", st, err)
		}
		for _, b := range batches {
			if err := o.Start(ctx, b.ID); err != nil {
				if errors.Is(err, conductor.ErrAlreadyTerminal) {
					continue
				}
				return started, err
			}
			started++
		}
	}
	if started > 0 {
		o.logger.Info("resumed batch drivers", slog.Int("count", started))
	}
	return started, nil
}

// RetryFailed requeues the failed children of batchID and restarts its
// driver. The batch retry ceiling and the client's slot limit are checked
// by the store; when either denies nothing changes.
func (o *Orchestrator) RetryFailed(ctx context.Context, batchID id.BatchID, limit int) (*batch.Batch, []*job.Job, error) {
	b, requeued, err := o.store.RetryFailedJobs(ctx, batchID, limit)
	if err != nil {
		return nil, nil, err
	}
	for _, j := range requeued {
		o.extensions.EmitJobRetried(ctx, j)
	}
	o.logger.Info("batch retry",
		slog.String("batch_id", batchID.String()),
		slog.Int("requeued", len(requeued)),
		slog.Int("retry_count", b.RetryCount),
	)
	if err := o.Start(ctx, batchID); err != nil && !errors.Is(err, conductor.ErrAlreadyTerminal) {
		return b, requeued, err
	}
	return b, requeued, nil
}

// Cancel stops the driver for batchID, cancels every non-terminal child
// and marks the batch cancelled. Revoking queued children and signalling
// running ones is best-effort; the store transition is what makes a late
// claim or report fail.
func (o *Orchestrator) Cancel(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch %s is %s", conductor.ErrAlreadyTerminal, batchID, b.Status)
	}

	o.halt(batchID)

	children, err := o.store.ListJobs(ctx, job.ListOpts{BatchID: batchID})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list children: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(cancelFanout)
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		g.Go(func() error {
			o.cancelChild(ctx, child.ID)
			return nil
		})
	}
	_ = g.Wait()

	if children, err = o.store.ListJobs(ctx, job.ListOpts{BatchID: batchID}); err == nil {
		if _, err := o.store.SaveCounts(ctx, batchID, batch.Tally(children)); err != nil && !errors.Is(err, conductor.ErrAlreadyTerminal) {
			o.logger.Warn("save batch counts", slog.String("batch_id", batchID.String()), slog.String("error", err.Error()))
		}
	}

	fb, err := o.store.FinishBatch(ctx, batchID, batch.StatusCancelled, CancelMessage)
	if err != nil {
		return nil, err
	}
	o.extensions.EmitBatchFinished(ctx, fb, elapsedSince(fb.StartedAt))
	o.logger.Info("batch cancelled", slog.String("batch_id", batchID.String()))
	return fb, nil
}

func (o *Orchestrator) cancelChild(ctx context.Context, jobID id.JobID) {
	log := o.logger.With(slog.String("job_id", jobID.String()))
	cj, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, conductor.ErrAlreadyTerminal) {
			log.Warn("cancel batch child", slog.String("error", err.Error()))
		}
		return
	}
	o.extensions.EmitJobCancelled(ctx, cj)

	if err := o.dispatcher.Cancel(ctx, jobID); err != nil {
		log.Debug("revoke batch child", slog.String("error", err.Error()))
	}
	if cj.WorkerToken != "" {
		if err := o.dispatcher.SignalRunningCancel(ctx, jobID, cj.WorkerToken); err != nil {
			log.Debug("signal batch child", slog.String("error", err.Error()))
		}
	}
}

// halt stops the driver for batchID, if any, and waits for it to exit.
func (o *Orchestrator) halt(batchID id.BatchID) {
	o.mu.Lock()
	d := o.drivers[batchID.String()]
	o.mu.Unlock()
	if d == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Stop cancels every driver and waits for them to exit or for ctx to be
// done. Children already dispatched keep running; Resume picks their
// batches up again on the next start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func elapsedSince(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}
