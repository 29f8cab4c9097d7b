package ext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
)

// hooks is the ordered list of extensions implementing hook interface H.
type hooks[H any] []named[H]

type named[H any] struct {
	name string
	hook H
}

func (hs *hooks[H]) add(e Extension) {
	if h, ok := e.(H); ok {
		*hs = append(*hs, named[H]{name: e.Name(), hook: h})
	}
}

// Registry fans lifecycle events out to extensions in registration order.
// Hooks run synchronously on the caller's goroutine. A hook error or
// panic is logged and never reaches the caller, so one misbehaving
// extension cannot fail a job transition that already happened.
//
// Register every extension before the engine starts.
type Registry struct {
	logger     *slog.Logger
	extensions []Extension

	jobQueued     hooks[JobQueued]
	jobStarted    hooks[JobStarted]
	jobProgressed hooks[JobProgressed]
	jobCompleted  hooks[JobCompleted]
	jobFailed     hooks[JobFailed]
	jobCancelled  hooks[JobCancelled]
	jobRetried    hooks[JobRetried]
	batchStarted  hooks[BatchStarted]
	batchFinished hooks[BatchFinished]
	shutdown      hooks[Shutdown]
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds e under every hook interface it implements.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.jobQueued.add(e)
	r.jobStarted.add(e)
	r.jobProgressed.add(e)
	r.jobCompleted.add(e)
	r.jobFailed.add(e)
	r.jobCancelled.add(e)
	r.jobRetried.add(e)
	r.batchStarted.add(e)
	r.batchFinished.add(e)
	r.shutdown.add(e)
}

// Extensions returns the registered extensions in order.
func (r *Registry) Extensions() []Extension { return r.extensions }

// emit calls fn for every entry of hs.
func emit[H any](r *Registry, event string, hs hooks[H], fn func(H) error) {
	for _, e := range hs {
		r.call(event, e.name, func() error { return fn(e.hook) })
	}
}

func (r *Registry) call(event, extName string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("extension hook panicked",
				slog.String("hook", event),
				slog.String("extension", extName),
				slog.String("panic", fmt.Sprint(p)),
			)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("extension hook error",
			slog.String("hook", event),
			slog.String("extension", extName),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Job events
// ──────────────────────────────────────────────────

func (r *Registry) EmitJobQueued(ctx context.Context, j *job.Job) {
	emit(r, "OnJobQueued", r.jobQueued, func(h JobQueued) error { return h.OnJobQueued(ctx, j) })
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	emit(r, "OnJobStarted", r.jobStarted, func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

func (r *Registry) EmitJobProgressed(ctx context.Context, j *job.Job) {
	emit(r, "OnJobProgressed", r.jobProgressed, func(h JobProgressed) error { return h.OnJobProgressed(ctx, j) })
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobCompleted", r.jobCompleted, func(h JobCompleted) error { return h.OnJobCompleted(ctx, j, elapsed) })
}

// EmitJobFailed passes jobErr through unchanged; it may be nil when the
// failure reason only lives on the job record.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobFailed", r.jobFailed, func(h JobFailed) error { return h.OnJobFailed(ctx, j, jobErr) })
}

func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	emit(r, "OnJobCancelled", r.jobCancelled, func(h JobCancelled) error { return h.OnJobCancelled(ctx, j) })
}

func (r *Registry) EmitJobRetried(ctx context.Context, j *job.Job) {
	emit(r, "OnJobRetried", r.jobRetried, func(h JobRetried) error { return h.OnJobRetried(ctx, j) })
}

// ──────────────────────────────────────────────────
// Batch events
// ──────────────────────────────────────────────────

func (r *Registry) EmitBatchStarted(ctx context.Context, b *batch.Batch) {
	emit(r, "OnBatchStarted", r.batchStarted, func(h BatchStarted) error { return h.OnBatchStarted(ctx, b) })
}

func (r *Registry) EmitBatchFinished(ctx context.Context, b *batch.Batch, elapsed time.Duration) {
	emit(r, "OnBatchFinished", r.batchFinished, func(h BatchFinished) error { return h.OnBatchFinished(ctx, b, elapsed) })
}

// EmitShutdown runs during engine Stop, after batch drivers and workers
// have drained.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
