package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/notify"
	"github.com/rendiffdev/conductor/orchestrator"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/quota"
)

// Submit admits spec for clientID and enqueues it. When every enqueue
// attempt fails the job record is removed again and the dispatch error is
// returned, so a failed submission leaves nothing behind.
func (eng *Engine) Submit(ctx context.Context, clientID string, spec job.Spec) (*job.Job, error) {
	j, err := eng.admission.Submit(ctx, clientID, spec)
	if err != nil {
		return nil, err
	}

	if _, err := queue.EnqueueWithRetry(ctx, eng.dispatcher, eng.bo, eng.config.EnqueueAttempts, j.ID, j.Priority); err != nil {
		if derr := eng.store.DeleteJob(context.WithoutCancel(ctx), j.ID); derr != nil {
			eng.logger.Error("roll back undispatched job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", derr.Error()),
			)
		}
		eng.logger.Warn("job dispatch failed",
			slog.String("job_id", j.ID.String()),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	eng.extensions.EmitJobQueued(ctx, j)
	return j, nil
}

// GetJob returns a job owned by clientID. Jobs of other clients are
// reported as not found.
func (eng *Engine) GetJob(ctx context.Context, clientID string, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.ClientID != clientID {
		return nil, conductor.ErrJobNotFound
	}
	return j, nil
}

// ListJobs returns clientID's jobs matching opts.
func (eng *Engine) ListJobs(ctx context.Context, clientID string, opts job.ListOpts) ([]*job.Job, error) {
	opts.ClientID = clientID
	return eng.store.ListJobs(ctx, opts)
}

// CancelJob cancels a non-terminal job. A queued job is revoked from the
// dispatcher and a running one is signalled; both are best-effort.
func (eng *Engine) CancelJob(ctx context.Context, clientID string, jobID id.JobID) (*job.Job, error) {
	if _, err := eng.GetJob(ctx, clientID, jobID); err != nil {
		return nil, err
	}
	cj, err := eng.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobCancelled(ctx, cj)

	log := eng.logger.With(slog.String("job_id", jobID.String()))
	if err := eng.dispatcher.Cancel(ctx, jobID); err != nil {
		log.Debug("revoke job", slog.String("error", err.Error()))
	}
	if cj.WorkerToken != "" {
		if err := eng.dispatcher.SignalRunningCancel(ctx, jobID, cj.WorkerToken); err != nil {
			log.Debug("signal job", slog.String("error", err.Error()))
		}
	}
	log.Info("job cancelled", slog.String("client_id", clientID))
	return cj, nil
}

// RetryJob returns a failed standalone job to the queue. The job takes a
// quota slot again, so a client at its limit is denied. Batch children are
// retried through their batch.
func (eng *Engine) RetryJob(ctx context.Context, clientID string, jobID id.JobID) (*job.Job, error) {
	j, err := eng.GetJob(ctx, clientID, jobID)
	if err != nil {
		return nil, err
	}
	if !j.BatchID.IsNil() {
		return nil, conductor.NewValidationError("job_id", "job belongs to batch %s; retry the batch instead", j.BatchID)
	}

	limit, err := eng.admission.Limit(ctx, clientID)
	if err != nil {
		return nil, err
	}
	rj, err := eng.store.RetryJob(ctx, jobID, limit)
	if err != nil {
		return nil, err
	}
	if _, err := queue.EnqueueWithRetry(ctx, eng.dispatcher, eng.bo, eng.config.EnqueueAttempts, rj.ID, rj.Priority); err != nil {
		if aj, aerr := eng.store.AbortJob(context.WithoutCancel(ctx), rj.ID, job.Failure{Message: orchestrator.DispatchFailedMessage}); aerr == nil {
			eng.extensions.EmitJobFailed(ctx, aj, err)
		}
		return nil, err
	}
	eng.extensions.EmitJobRetried(ctx, rj)
	eng.logger.Info("job retried",
		slog.String("job_id", jobID.String()),
		slog.Int("retry_count", rj.RetryCount),
	)
	return rj, nil
}

// StreamJobEvents follows a job owned by clientID until it is terminal.
func (eng *Engine) StreamJobEvents(ctx context.Context, clientID string, jobID id.JobID) (<-chan notify.Event, error) {
	if _, err := eng.GetJob(ctx, clientID, jobID); err != nil {
		return nil, err
	}
	return eng.notify.StreamEvents(ctx, jobID)
}

// JobStats counts clientID's jobs by status.
func (eng *Engine) JobStats(ctx context.Context, clientID string) (map[job.Status]int64, error) {
	out := make(map[job.Status]int64, 5)
	for _, st := range []job.Status{
		job.StatusQueued,
		job.StatusProcessing,
		job.StatusCompleted,
		job.StatusFailed,
		job.StatusCancelled,
	} {
		n, err := eng.store.CountJobs(ctx, job.CountOpts{ClientID: clientID, Status: st})
		if err != nil {
			return nil, fmt.Errorf("count %s jobs: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

// QuotaStatus is a client's allowance and current use.
type QuotaStatus struct {
	ClientID          string  `json:"client_id"`
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
	ActiveSlots       int     `json:"active_slots"`
	MonthlyMinutes    float64 `json:"monthly_minutes"`
	UsedMinutes       float64 `json:"used_minutes"`
	Default           bool    `json:"default"`
}

// Quota returns clientID's quota, falling back to the engine defaults when
// no record exists.
func (eng *Engine) Quota(ctx context.Context, clientID string) (*QuotaStatus, error) {
	q, err := eng.store.GetQuota(ctx, clientID)
	if err != nil && !errors.Is(err, conductor.ErrQuotaNotFound) {
		return nil, err
	}
	active, err := eng.store.ActiveSlots(ctx, clientID)
	if err != nil {
		return nil, err
	}

	qs := &QuotaStatus{
		ClientID:          clientID,
		MaxConcurrentJobs: q.Limit(eng.config.DefaultMaxConcurrentJobs),
		ActiveSlots:       active,
		MonthlyMinutes:    q.Allowance(eng.config.DefaultMonthlyMinutes),
		Default:           q == nil,
	}
	if q != nil {
		qs.UsedMinutes = q.UsedMinutes
	}
	return qs, nil
}

// SetQuota creates or replaces a client's quota record.
func (eng *Engine) SetQuota(ctx context.Context, q *quota.Quota) error {
	if q.ClientID == "" {
		return conductor.NewValidationError("client_id", "is required")
	}
	if q.MaxConcurrentJobs < 0 || q.MonthlyMinutes < 0 {
		return conductor.NewValidationError("quota", "limits must be non-negative")
	}
	return eng.store.PutQuota(ctx, q)
}
