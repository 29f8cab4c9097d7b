// Package worker runs claimed jobs on executors. An Executor performs the
// media work for one Task and reports progress through a Reporter. A Pool
// consumes a local queue, claims each job under a fresh worker token, runs
// the executor through middleware and records the outcome. A Watchdog
// fails jobs whose executor stopped reporting.
package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/middleware"
)

// Task is the unit of work handed to an executor.
type Task struct {
	JobID     id.JobID        `json:"job_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	ClientID  string          `json:"client_id"`
	Priority  job.Priority    `json:"priority"`
	InputRef  string          `json:"input_ref"`
	OutputRef string          `json:"output_ref"`
	Operation json.RawMessage `json:"operation,omitempty"`
}

// NewTask builds the Task for a claimed job.
func NewTask(j *job.Job) Task {
	t := Task{
		JobID:     j.ID,
		ClientID:  j.ClientID,
		Priority:  j.Priority,
		InputRef:  j.InputRef,
		OutputRef: j.OutputRef,
		Operation: j.Operation,
	}
	if !j.BatchID.IsNil() {
		t.BatchID = j.BatchID.String()
	}
	return t
}

// Hints are optional throughput figures attached to a progress report.
type Hints struct {
	FPS        *float64
	ETASeconds *int64
}

// Reporter receives progress from a running executor. Progress returns an
// error when the job no longer accepts reports, for example because it was
// cancelled; executors should stop when that happens.
type Reporter interface {
	Progress(ctx context.Context, percent float64, stage string, hints Hints) error
}

// Executor performs the work for one task. It returns quality metrics on
// success. The context is cancelled when the job is cancelled or the
// executor is shutting down.
type Executor interface {
	Execute(ctx context.Context, t Task, r Reporter) (*job.Metrics, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t Task, r Reporter) (*job.Metrics, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t Task, r Reporter) (*job.Metrics, error) {
	return f(ctx, t, r)
}

// ExecutionError is an executor failure with structured detail.
type ExecutionError struct {
	Message string
	Detail  json.RawMessage
}

func (e *ExecutionError) Error() string { return e.Message }

// FailureOf converts an executor error into the failure recorded on the
// job.
func FailureOf(err error) job.Failure {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return job.Failure{Message: ee.Message, Detail: ee.Detail}
	}
	var pe *middleware.PanicError
	if errors.As(err, &pe) {
		detail, _ := json.Marshal(map[string]string{"stack": string(pe.Stack)})
		return job.Failure{Message: pe.Error(), Detail: detail}
	}
	return job.Failure{Message: err.Error()}
}
