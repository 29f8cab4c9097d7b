package middleware

import (
	"context"
	"errors"

	"github.com/rendiffdev/conductor/job"
)

// Handler runs the executor for the job being wrapped.
type Handler func(ctx context.Context) error

// Middleware wraps one execution of a claimed job.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes mws so that mws[0] is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			m, inner := mws[i], h
			h = func(ctx context.Context) error { return m(ctx, j, inner) }
		}
		return h(ctx)
	}
}

// Outcome values reported by the tracing and metrics middleware.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// outcome classifies the result of an execution. A run cut short by a
// cancel signal or shutdown is "cancelled" even when the executor
// returned its own error.
func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
