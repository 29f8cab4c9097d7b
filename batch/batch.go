package batch

import (
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Status represents the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Batch is a group of jobs run under one concurrency cap.
type Batch struct {
	conductor.Entity

	ID             id.BatchID        `json:"id"`
	ClientID       string            `json:"client_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	Priority       job.Priority      `json:"priority"`
	TotalJobs      int               `json:"total_jobs"`
	CompletedJobs  int               `json:"completed_jobs"`
	FailedJobs     int               `json:"failed_jobs"`
	CancelledJobs  int               `json:"cancelled_jobs"`
	ProcessingJobs int               `json:"processing_jobs"`
	MaxConcurrent  int               `json:"max_concurrent"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Version        int64             `json:"-"`
}

// Clone returns a deep copy of b.
func (b *Batch) Clone() *Batch {
	cp := *b
	if b.Metadata != nil {
		cp.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	if b.StartedAt != nil {
		v := *b.StartedAt
		cp.StartedAt = &v
	}
	if b.CompletedAt != nil {
		v := *b.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// Update holds the client-editable fields of a batch. Nil fields are left
// unchanged.
type Update struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Priority    *job.Priority     `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Apply edits b in place. Terminal batches cannot be edited.
func (u Update) Apply(b *Batch, now time.Time) error {
	if b.Status.IsTerminal() {
		return conductor.ErrAlreadyTerminal
	}
	if u.Priority != nil && !u.Priority.Valid() {
		return conductor.NewValidationError("priority", "unknown priority %q", *u.Priority)
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.Priority != nil {
		b.Priority = *u.Priority
	}
	if u.Metadata != nil {
		b.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			b.Metadata[k] = v
		}
	}
	b.UpdatedAt = now
	return nil
}

// Start moves a pending batch to processing. Already-processing batches
// are left alone.
func (b *Batch) Start(now time.Time) error {
	switch b.Status {
	case StatusProcessing:
		return nil
	case StatusPending:
		b.Status = StatusProcessing
		b.StartedAt = &now
		b.UpdatedAt = now
		return nil
	default:
		return conductor.ErrAlreadyTerminal
	}
}

// ApplyCounts records a tally. Processing is the number of children that
// currently hold a concurrency token.
func (b *Batch) ApplyCounts(c Counts, now time.Time) {
	b.CompletedJobs = c.Completed
	b.FailedJobs = c.Failed
	b.CancelledJobs = c.Cancelled
	b.ProcessingJobs = c.Running
	b.UpdatedAt = now
}

// Finish moves a non-terminal batch to a terminal status.
func (b *Batch) Finish(status Status, msg string, now time.Time) error {
	if b.Status.IsTerminal() {
		return conductor.ErrAlreadyTerminal
	}
	b.Status = status
	b.ErrorMessage = msg
	b.ProcessingJobs = 0
	b.CompletedAt = &now
	b.UpdatedAt = now
	return nil
}

// ResetForRetry prepares a terminal batch for re-running n failed
// children. It checks the batch retry ceiling first and leaves b unchanged
// when the ceiling is reached.
func (b *Batch) ResetForRetry(failed int, now time.Time) error {
	if b.Status == StatusCancelled {
		return conductor.NewValidationError("status", "cancelled batches cannot be retried")
	}
	if b.RetryCount >= b.MaxRetries {
		return fmtRetryCeiling(b)
	}
	if failed == 0 {
		return conductor.NewValidationError("status", "batch %s has no failed jobs", b.ID)
	}
	b.RetryCount++
	b.Status = StatusProcessing
	b.FailedJobs -= failed
	if b.FailedJobs < 0 {
		b.FailedJobs = 0
	}
	b.ErrorMessage = ""
	b.CompletedAt = nil
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.UpdatedAt = now
	return nil
}
