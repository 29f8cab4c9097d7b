package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Signaler asks the executor holding a job to stop.
type Signaler interface {
	SignalRunningCancel(ctx context.Context, jobID id.JobID, token string) error
}

// Watchdog fails processing jobs whose executor has not reported within
// the stall threshold.
type Watchdog struct {
	store      job.Store
	signaler   Signaler
	extensions *ext.Registry
	threshold  time.Duration
	logger     *slog.Logger
}

// NewWatchdog creates a Watchdog. A nil signaler skips the stop signal; a
// nil registry emits nothing.
func NewWatchdog(store job.Store, signaler Signaler, extensions *ext.Registry, threshold time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Watchdog{
		store:      store,
		signaler:   signaler,
		extensions: extensions,
		threshold:  threshold,
		logger:     logger,
	}
}

// Threshold returns the stall threshold.
func (w *Watchdog) Threshold() time.Duration { return w.threshold }

// Sweep fails every stalled job and signals its executor. It returns the
// number of jobs failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	if w.threshold <= 0 {
		return 0, nil
	}
	stalled, err := w.store.ListStalledJobs(ctx, w.threshold)
	if err != nil {
		return 0, fmt.Errorf("worker: list stalled jobs: %w", err)
	}

	n := 0
	for _, s := range stalled {
		token := s.WorkerToken
		f := job.Failure{Message: fmt.Sprintf("no progress reported for %s", w.threshold)}
		j, err := w.store.AbortJob(ctx, s.ID, f)
		if err != nil {
			if !errors.Is(err, conductor.ErrAlreadyTerminal) {
				w.logger.Error("watchdog: failed to abort stalled job",
					slog.String("job_id", s.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		n++
		w.logger.Warn("watchdog failed stalled job",
			slog.String("job_id", j.ID.String()),
			slog.String("client_id", j.ClientID),
			slog.Duration("threshold", w.threshold),
		)
		w.extensions.EmitJobFailed(ctx, j, errors.New(f.Message))

		if w.signaler != nil && token != "" {
			if err := w.signaler.SignalRunningCancel(ctx, j.ID, token); err != nil {
				w.logger.Warn("watchdog: stop signal failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return n, nil
}
