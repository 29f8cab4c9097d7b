package audithook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/job"
)

var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.JobQueued     = (*Extension)(nil)
	_ ext.JobStarted    = (*Extension)(nil)
	_ ext.JobCompleted  = (*Extension)(nil)
	_ ext.JobFailed     = (*Extension)(nil)
	_ ext.JobCancelled  = (*Extension)(nil)
	_ ext.JobRetried    = (*Extension)(nil)
	_ ext.BatchStarted  = (*Extension)(nil)
	_ ext.BatchFinished = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry about a job or batch owned by
// ClientID.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ClientID   string         `json:"client_id"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// rank orders severities for WithMinSeverity.
var rank = map[string]int{SeverityInfo: 0, SeverityWarning: 1, SeverityCritical: 2}

// Extension writes an audit entry for each job and batch transition a
// client would be billed or paged for. Progress reports are not audited.
type Extension struct {
	recorder    Recorder
	enabled     map[string]bool // nil means every action
	minSeverity string
	logger      *slog.Logger
}

// New returns an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder:    r,
		minSeverity: SeverityInfo,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnJobQueued(ctx context.Context, j *job.Job) error {
	evt := jobEvent(ActionJobQueued, SeverityInfo, OutcomeSuccess, j)
	evt.Metadata["input_ref"] = j.InputRef
	return e.emit(ctx, evt, nil)
}

func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.emit(ctx, jobEvent(ActionJobStarted, SeverityInfo, OutcomeSuccess, j), nil)
}

func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	evt := jobEvent(ActionJobCompleted, SeverityInfo, OutcomeSuccess, j)
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return e.emit(ctx, evt, nil)
}

// OnJobFailed records a critical failure. The reason is jobErr when given,
// otherwise the message stored on the job.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	evt := jobEvent(ActionJobFailed, SeverityCritical, OutcomeFailure, j)
	evt.Metadata["retry_count"] = j.RetryCount
	evt.Metadata["max_retries"] = j.MaxRetries
	if jobErr == nil && j.ErrorMessage != "" {
		jobErr = errors.New(j.ErrorMessage)
	}
	return e.emit(ctx, evt, jobErr)
}

func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.emit(ctx, jobEvent(ActionJobCancelled, SeverityWarning, OutcomeSuccess, j), nil)
}

func (e *Extension) OnJobRetried(ctx context.Context, j *job.Job) error {
	evt := jobEvent(ActionJobRetried, SeverityWarning, OutcomeSuccess, j)
	evt.Metadata["retry_count"] = j.RetryCount
	return e.emit(ctx, evt, nil)
}

// ──────────────────────────────────────────────────
// Batch hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnBatchStarted(ctx context.Context, b *batch.Batch) error {
	evt := batchEvent(ActionBatchStarted, SeverityInfo, OutcomeSuccess, b)
	evt.Metadata["name"] = b.Name
	evt.Metadata["total_jobs"] = b.TotalJobs
	evt.Metadata["max_concurrent"] = b.MaxConcurrent
	return e.emit(ctx, evt, nil)
}

// OnBatchFinished records a batch with failed children as a warning and a
// failed batch as critical.
func (e *Extension) OnBatchFinished(ctx context.Context, b *batch.Batch, elapsed time.Duration) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	switch {
	case b.Status == batch.StatusFailed:
		severity, outcome = SeverityCritical, OutcomeFailure
	case b.FailedJobs > 0:
		severity = SeverityWarning
	}
	evt := batchEvent(ActionBatchFinished, severity, outcome, b)
	evt.Metadata["status"] = string(b.Status)
	evt.Metadata["completed_jobs"] = b.CompletedJobs
	evt.Metadata["failed_jobs"] = b.FailedJobs
	evt.Metadata["cancelled_jobs"] = b.CancelledJobs
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()

	var reason error
	if b.ErrorMessage != "" {
		reason = errors.New(b.ErrorMessage)
	}
	return e.emit(ctx, evt, reason)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func jobEvent(action, severity, outcome string, j *job.Job) *AuditEvent {
	meta := map[string]any{"priority": string(j.Priority)}
	if !j.BatchID.IsNil() {
		meta["batch_id"] = j.BatchID.String()
	}
	return &AuditEvent{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ClientID:   j.ClientID,
		ResourceID: j.ID.String(),
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
	}
}

func batchEvent(action, severity, outcome string, b *batch.Batch) *AuditEvent {
	return &AuditEvent{
		Action:     action,
		Resource:   ResourceBatch,
		Category:   CategoryBatch,
		ClientID:   b.ClientID,
		ResourceID: b.ID.String(),
		Metadata:   map[string]any{},
		Outcome:    outcome,
		Severity:   severity,
	}
}

// emit sends evt unless its action or severity is filtered out. Recorder
// failures are logged; the transition being audited has already happened.
func (e *Extension) emit(ctx context.Context, evt *AuditEvent, reason error) error {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return nil
	}
	if rank[evt.Severity] < rank[e.minSeverity] {
		return nil
	}
	if reason != nil {
		evt.Reason = reason.Error()
		evt.Metadata["error"] = reason.Error()
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit event not recorded",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
