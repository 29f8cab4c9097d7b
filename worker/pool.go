package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/middleware"
	"github.com/rendiffdev/conductor/queue"
)

// QueueManager controls per-queue rate limits and per-client concurrency.
// The pool calls Acquire before claiming a received job and Release after
// the execution ends.
type QueueManager interface {
	// Acquire reports whether a job for clientID may start on queue now.
	Acquire(queue, clientID string) bool
	// Release frees the slot taken by Acquire.
	Release(queue, clientID string)
}

// Callbacks record executor reports. notify.Service implements it.
type Callbacks interface {
	Job(ctx context.Context, jobID id.JobID) (*job.Job, error)
	Claim(ctx context.Context, jobID id.JobID, token string) (*job.Job, error)
	Progress(ctx context.Context, jobID id.JobID, token string, p job.Progress) (*job.Job, error)
	Complete(ctx context.Context, jobID id.JobID, token string, m *job.Metrics) (*job.Job, error)
	Fail(ctx context.Context, jobID id.JobID, token string, f job.Failure) (*job.Job, error)
}

// Queue is the local queue the pool consumes. It re-enqueues jobs the
// queue manager defers.
type Queue interface {
	queue.Source
	Enqueue(ctx context.Context, jobID id.JobID, p job.Priority) (queue.Handle, error)
}

var (
	errCancelled = errors.New("worker: job cancelled")
	errShutdown  = errors.New("executor shut down before completion")
)

// Pool runs executors for jobs received from a local queue.
type Pool struct {
	queue         Queue
	callbacks     Callbacks
	executor      Executor
	mw            middleware.Middleware
	concurrency   int
	pollInterval  time.Duration
	finishTimeout time.Duration
	logger        *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	stopCh      chan struct{}
	consumeCtx  context.Context
	stopConsume context.CancelFunc
	execCtx     context.Context
	abortExec   context.CancelCauseFunc

	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopped    bool
	activeJobs map[string]string // job ID → worker token
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent executions.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long a worker waits before re-queueing a job
// the queue manager deferred.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithMiddleware sets the middleware wrapped around every execution.
func WithMiddleware(mws ...middleware.Middleware) PoolOption {
	return func(p *Pool) { p.mw = middleware.Chain(mws...) }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool.
func NewPool(q Queue, callbacks Callbacks, executor Executor, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:         q,
		callbacks:     callbacks,
		executor:      executor,
		mw:            middleware.Chain(),
		concurrency:   4,
		pollInterval:  time.Second,
		finishTimeout: 10 * time.Second,
		logger:        slog.Default(),
		stopCh:        make(chan struct{}),
		activeJobs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.consumeCtx, p.stopConsume = context.WithCancel(context.Background())
	p.execCtx, p.abortExec = context.WithCancelCause(context.Background())
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting", slog.Int("concurrency", p.concurrency))

	for range p.concurrency {
		p.wg.Add(1)
		go p.consumeLoop()
	}
	return nil
}

// Stop stops receiving work and waits for running executions to finish.
// When ctx is done first, running executions are cancelled and their jobs
// failed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")

	close(p.stopCh)
	p.stopConsume()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs", slog.Int("active", p.ActiveCount()))
		p.abortExec(errShutdown)
		<-done
	}
	return nil
}

// ActiveCount returns the number of executions in flight.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// consumeLoop is run by each worker goroutine.
func (p *Pool) consumeLoop() {
	defer p.wg.Done()

	for {
		d, err := p.queue.Next(p.consumeCtx)
		if err != nil {
			if p.consumeCtx.Err() != nil || errors.Is(err, conductor.ErrDispatcherClosed) {
				return
			}
			p.logger.Error("receive error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		p.handle(d)
	}
}

// handle claims and runs one received job.
func (p *Pool) handle(d queue.Delivery) {
	ctx := p.execCtx
	jobID := d.JobID.String()

	j, err := p.callbacks.Job(ctx, d.JobID)
	if err != nil {
		p.logger.Warn("received job not loadable", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	if j.Status != job.StatusQueued {
		p.logger.Debug("skipping job no longer queued",
			slog.String("job_id", jobID),
			slog.String("status", string(j.Status)),
		)
		return
	}

	if p.queueManager != nil && !p.queueManager.Acquire(d.Queue, j.ClientID) {
		p.requeue(d, j)
		return
	}
	if p.queueManager != nil {
		defer p.queueManager.Release(d.Queue, j.ClientID)
	}

	token := id.NewWorkerID().String()
	claimed, err := p.callbacks.Claim(ctx, d.JobID, token)
	if err != nil {
		p.logger.Debug("claim rejected", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}

	p.run(claimed, token)
}

// requeue returns a job the queue manager refused to the queue after a
// pause.
func (p *Pool) requeue(d queue.Delivery, j *job.Job) {
	p.sleep()
	if _, err := p.queue.Enqueue(context.Background(), d.JobID, j.Priority); err != nil {
		p.logger.Error("failed to re-enqueue deferred job",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// run executes a claimed job and records its outcome.
func (p *Pool) run(j *job.Job, token string) {
	jobID := j.ID.String()
	ctx, cancel := context.WithCancelCause(p.execCtx)
	defer cancel(nil)

	signals, unwatch := p.queue.Watch(j.ID)
	defer unwatch()
	go func() {
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Token == "" || sig.Token == token {
					cancel(errCancelled)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	p.track(jobID, token)
	defer p.untrack(jobID)

	rep := &reporter{pool: p, jobID: j.ID, token: token, cancel: cancel}
	var metrics *job.Metrics
	err := p.mw(ctx, j, func(ctx context.Context) error {
		var execErr error
		metrics, execErr = p.executor.Execute(ctx, NewTask(j), rep)
		return execErr
	})

	// Outcome writes outlive the execution context.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), p.finishTimeout)
	defer fcancel()

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		p.logger.Info("execution stopped by cancel signal", slog.String("job_id", jobID))
	case errors.Is(cause, errShutdown):
		p.fail(fctx, j.ID, token, job.Failure{Message: errShutdown.Error()})
	case err != nil:
		p.fail(fctx, j.ID, token, FailureOf(err))
	default:
		if _, cerr := p.callbacks.Complete(fctx, j.ID, token, metrics); cerr != nil {
			p.logger.Error("failed to complete job",
				slog.String("job_id", jobID),
				slog.String("error", cerr.Error()),
			)
		}
	}
}

func (p *Pool) fail(ctx context.Context, jobID id.JobID, token string, f job.Failure) {
	if _, err := p.callbacks.Fail(ctx, jobID, token, f); err != nil {
		p.logger.Error("failed to record job failure",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(jobID, token string) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = token
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

// reporter forwards executor progress to the callbacks. A rejected report
// on a job that is no longer running stops the execution.
type reporter struct {
	pool   *Pool
	jobID  id.JobID
	token  string
	cancel context.CancelCauseFunc
}

func (r *reporter) Progress(ctx context.Context, percent float64, stage string, h Hints) error {
	_, err := r.pool.callbacks.Progress(ctx, r.jobID, r.token, job.Progress{
		Percent:    percent,
		Stage:      stage,
		FPS:        h.FPS,
		ETASeconds: h.ETASeconds,
	})
	if errors.Is(err, conductor.ErrAlreadyTerminal) || errors.Is(err, conductor.ErrNotOwner) {
		r.cancel(errCancelled)
	}
	return err
}
