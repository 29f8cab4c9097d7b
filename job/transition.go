package job

import (
	"fmt"
	"math"
	"time"

	"github.com/rendiffdev/conductor"
)

// Claim moves a queued job to processing under token. It fails with
// ErrAlreadyClaimed while any token holds the job, the caller's own
// included, and ErrInvalidState if the job is not queued.
func (j *Job) Claim(token string, now time.Time) error {
	if token == "" {
		return conductor.NewValidationError("worker_token", "must not be empty")
	}
	if j.WorkerToken != "" && !j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s", conductor.ErrAlreadyClaimed, j.ID)
	}
	if j.Status != StatusQueued {
		return j.stateError("claim")
	}
	j.Status = StatusProcessing
	j.WorkerToken = token
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// ApplyProgress records a progress report from the claim owner. Reports
// lower than the recorded percentage are rejected; repeats are accepted.
func (j *Job) ApplyProgress(token string, p Progress, now time.Time) error {
	if math.IsNaN(p.Percent) || p.Percent < 0 || p.Percent > 100 {
		return conductor.NewValidationError("percent", "must be within 0..100, got %v", p.Percent)
	}
	if err := j.checkOwner(token, "update progress"); err != nil {
		return err
	}
	if p.Percent < j.Progress {
		return fmt.Errorf("%w: job %s at %.2f, got %.2f",
			conductor.ErrProgressRegression, j.ID, j.Progress, p.Percent)
	}
	j.Progress = p.Percent
	if p.Stage != "" {
		j.Stage = p.Stage
	}
	if p.FPS != nil {
		v := *p.FPS
		j.FPS = &v
	}
	if p.ETASeconds != nil {
		v := *p.ETASeconds
		j.ETASeconds = &v
	}
	j.UpdatedAt = now
	return nil
}

// Complete finishes a processing job successfully.
func (j *Job) Complete(token string, m *Metrics, now time.Time) error {
	if err := j.checkOwner(token, "complete"); err != nil {
		return err
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.ETASeconds = nil
	if m != nil {
		cp := *m
		j.Metrics = &cp
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail finishes a processing job with an error reported by its owner.
func (j *Job) Fail(token string, f Failure, now time.Time) error {
	if err := j.checkOwner(token, "fail"); err != nil {
		return err
	}
	j.fail(f, now)
	return nil
}

// Abort fails a job without a worker token. The engine uses it when a job
// could not be dispatched after creation and when a running job has
// stalled.
func (j *Job) Abort(f Failure, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", conductor.ErrAlreadyTerminal, j.ID, j.Status)
	}
	j.fail(f, now)
	return nil
}

// Cancel moves a non-terminal job to cancelled. Cancelling a terminal job
// is reported as ErrAlreadyTerminal, never silently accepted.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", conductor.ErrAlreadyTerminal, j.ID, j.Status)
	}
	j.Status = StatusCancelled
	j.ETASeconds = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Retry returns a failed job to the queue. Only failed jobs below their
// retry ceiling may be retried; anything else is a validation error and
// leaves the job unchanged.
func (j *Job) Retry(now time.Time) error {
	if j.Status != StatusFailed {
		return conductor.NewValidationError("status", "only failed jobs can be retried, job %s is %s", j.ID, j.Status)
	}
	if j.RetryCount >= j.MaxRetries {
		return fmt.Errorf("%w: %w: job %s used %d of %d retries",
			conductor.ErrValidation, conductor.ErrMaxRetriesExceeded, j.ID, j.RetryCount, j.MaxRetries)
	}
	j.requeue(now)
	return nil
}

// Requeue returns a failed batch child to the queue under the batch's retry
// ceiling rather than its own.
func (j *Job) Requeue(now time.Time) error {
	if j.Status != StatusFailed {
		return j.stateError("requeue")
	}
	j.requeue(now)
	return nil
}

// Active reports whether the job still counts against its client's quota.
func (j *Job) Active() bool { return !j.Status.IsTerminal() }

func (j *Job) requeue(now time.Time) {
	j.Status = StatusQueued
	j.RetryCount++
	j.Progress = 0
	j.Stage = ""
	j.FPS = nil
	j.ETASeconds = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""
	j.ErrorDetail = nil
	j.WorkerToken = ""
	j.Metrics = nil
	j.UpdatedAt = now
}

func (j *Job) fail(f Failure, now time.Time) {
	j.Status = StatusFailed
	j.ErrorMessage = f.Message
	j.ErrorDetail = cloneRaw(f.Detail)
	j.ETASeconds = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func (j *Job) checkOwner(token, op string) error {
	if j.Status != StatusProcessing {
		return j.stateError(op)
	}
	if token == "" || token != j.WorkerToken {
		return fmt.Errorf("%w: job %s", conductor.ErrNotOwner, j.ID)
	}
	return nil
}

func (j *Job) stateError(op string) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot %s job %s: %w", conductor.ErrInvalidState, op, j.ID, conductor.ErrAlreadyTerminal)
	}
	return fmt.Errorf("%w: cannot %s job %s in status %s", conductor.ErrInvalidState, op, j.ID, j.Status)
}
