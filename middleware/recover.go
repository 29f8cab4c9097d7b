package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rendiffdev/conductor/job"
)

// PanicError is returned by [Recover] when an executor panics. The worker
// pool records Stack in the job's error detail.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("executor panicked: %v", e.Value) }

// Recover turns an executor panic into a *PanicError so the job fails
// instead of the worker goroutine crashing.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error("executor panicked",
				slog.String("job_id", j.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(pe.Stack)),
			)
			err = pe
		}()
		return next(ctx)
	}
}
