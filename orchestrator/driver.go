package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/stream"
)

// driver is the handle for one batch's goroutine.
type driver struct {
	batchID id.BatchID
	cancel  context.CancelFunc
	done    chan struct{}
}

// tokens is a batch's concurrency pool. A token is held from dispatch
// until the child becomes terminal.
type tokens struct {
	pool    chan struct{}
	holders map[string]struct{}
	global  int // tokens also held on the deployment-wide semaphore
}

func newTokens(size int) *tokens {
	if size < 1 {
		size = 1
	}
	return &tokens{
		pool:    make(chan struct{}, size),
		holders: make(map[string]struct{}, size),
	}
}

// acquire takes a token for jobID without blocking.
func (o *Orchestrator) acquire(t *tokens, jobID string) bool {
	select {
	case t.pool <- struct{}{}:
	default:
		return false
	}
	if o.global != nil {
		if !o.global.TryAcquire(1) {
			<-t.pool
			return false
		}
		t.global++
	}
	t.holders[jobID] = struct{}{}
	return true
}

// adopt takes a token for a child that is already running, for example
// after a restart. It ignores the deployment-wide ceiling.
func (o *Orchestrator) adopt(t *tokens, jobID string) bool {
	select {
	case t.pool <- struct{}{}:
		t.holders[jobID] = struct{}{}
		return true
	default:
		return false
	}
}

func (o *Orchestrator) release(t *tokens, jobID string) {
	if _, ok := t.holders[jobID]; !ok {
		return
	}
	delete(t.holders, jobID)
	<-t.pool
	if t.global > 0 {
		t.global--
		o.global.Release(1)
	}
}

func (o *Orchestrator) releaseAll(t *tokens) {
	for jobID := range t.holders {
		o.release(t, jobID)
	}
}

// run is the driver loop for one batch.
func (o *Orchestrator) run(ctx context.Context, d *driver) {
	defer o.wg.Done()
	defer close(d.done)
	defer o.forget(d)

	log := o.logger.With(slog.String("batch_id", d.batchID.String()))

	before, err := o.store.GetBatch(ctx, d.batchID)
	if err != nil {
		log.Error("load batch", slog.String("error", err.Error()))
		return
	}
	b, err := o.store.StartBatch(ctx, d.batchID)
	if err != nil {
		if !errors.Is(err, conductor.ErrAlreadyTerminal) && ctx.Err() == nil {
			log.Error("start batch", slog.String("error", err.Error()))
		}
		return
	}
	if before.Status == batch.StatusPending {
		o.extensions.EmitBatchStarted(ctx, b)
		log.Info("batch started",
			slog.Int("total_jobs", b.TotalJobs),
			slog.Int("max_concurrent", b.MaxConcurrent),
		)
	}

	t := newTokens(b.MaxConcurrent)
	defer o.releaseAll(t)

	var wake <-chan *stream.Event
	var sub *stream.Subscriber
	if o.broker != nil {
		subID := "orchestrator:" + d.batchID.String() + ":" + id.NewEventID().String()
		sub = o.broker.Subscribe(subID, stream.BatchTopic(d.batchID.String()))
		defer o.broker.RemoveSubscriber(subID)
		wake = sub.C()
	}

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	var last batch.Counts
	for {
		finished, err := o.reconcile(ctx, d.batchID, t, &last, log)
		if err != nil && ctx.Err() == nil {
			log.Warn("reconcile batch", slog.String("error", err.Error()))
		}
		if finished && o.retire(ctx, d) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case evt, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			sub.AddCredits(1)
			if evt.Type == stream.EventJobProgress {
				continue
			}
		}
	}
}

// reconcile reads the batch and its children, releases tokens held by
// terminal children, dispatches queued children while tokens are free and
// saves the tally. It reports whether the batch is terminal.
func (o *Orchestrator) reconcile(ctx context.Context, batchID id.BatchID, t *tokens, last *batch.Counts, log *slog.Logger) (bool, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b.Status.IsTerminal() {
		return true, nil
	}
	children, err := o.store.ListJobs(ctx, job.ListOpts{BatchID: batchID})
	if err != nil {
		return false, err
	}

	for _, child := range children {
		key := child.ID.String()
		switch {
		case child.Status.IsTerminal():
			o.release(t, key)
		case child.Status == job.StatusProcessing:
			if _, held := t.holders[key]; !held && !o.adopt(t, key) {
				log.Warn("running child exceeds batch cap", slog.String("job_id", key))
			}
		}
	}

	for _, child := range children {
		if child.Status != job.StatusQueued {
			continue
		}
		key := child.ID.String()
		if _, held := t.holders[key]; held {
			continue
		}
		if !o.acquire(t, key) {
			break
		}
		if err := o.dispatch(ctx, b, child); err != nil {
			o.release(t, key)
			if ctx.Err() != nil {
				return false, err
			}
			if aborted := o.compensate(ctx, child, err, log); aborted != nil {
				*child = *aborted
			}
		}
	}

	counts := batch.Tally(children)
	if counts != *last {
		if _, err := o.store.SaveCounts(ctx, batchID, counts); err != nil {
			if errors.Is(err, conductor.ErrAlreadyTerminal) {
				return true, nil
			}
			return false, err
		}
		*last = counts
	}

	status, msg, done := batch.Resolve(counts)
	if !done {
		return false, nil
	}
	fb, err := o.store.FinishBatch(ctx, batchID, status, msg)
	if err != nil {
		if errors.Is(err, conductor.ErrAlreadyTerminal) {
			return true, nil
		}
		return false, err
	}
	o.extensions.EmitBatchFinished(ctx, fb, elapsedSince(fb.StartedAt))
	log.Info("batch finished",
		slog.String("status", string(fb.Status)),
		slog.Int("completed", fb.CompletedJobs),
		slog.Int("failed", fb.FailedJobs),
		slog.Int("cancelled", fb.CancelledJobs),
	)
	return true, nil
}

// dispatch enqueues child at the batch's current priority.
func (o *Orchestrator) dispatch(ctx context.Context, b *batch.Batch, child *job.Job) error {
	p := b.Priority
	if !p.Valid() {
		p = child.Priority
	}
	if _, err := queue.EnqueueWithRetry(ctx, o.dispatcher, o.strategy, o.attempts, child.ID, p); err != nil {
		return err
	}
	o.extensions.EmitJobQueued(ctx, child)
	return nil
}

// compensate fails a child whose enqueue never succeeded so that the
// batch aggregate still converges.
func (o *Orchestrator) compensate(ctx context.Context, child *job.Job, cause error, log *slog.Logger) *job.Job {
	log = log.With(slog.String("job_id", child.ID.String()))
	aborted, err := o.store.AbortJob(ctx, child.ID, job.Failure{Message: DispatchFailedMessage})
	if err != nil {
		log.Warn("abort undispatched child", slog.String("error", err.Error()))
		return nil
	}
	o.extensions.EmitJobFailed(ctx, aborted, cause)
	log.Warn("batch child dispatch failed", slog.String("error", cause.Error()))
	return aborted
}

// retire removes d from the driver table if its batch is still terminal.
// A batch retried between the driver's last read and now keeps its
// driver.
func (o *Orchestrator) retire(ctx context.Context, d *driver) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.store.GetBatch(ctx, d.batchID)
	if err == nil && !b.Status.IsTerminal() {
		return false
	}
	if o.drivers[d.batchID.String()] == d {
		delete(o.drivers, d.batchID.String())
	}
	return true
}

func (o *Orchestrator) forget(d *driver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drivers[d.batchID.String()] == d {
		delete(o.drivers, d.batchID.String())
	}
}
