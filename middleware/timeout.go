package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendiffdev/conductor/job"
)

// Timeout caps one execution at d. An executor that stops because the
// deadline passed fails the job with "execution timed out after d". A
// zero d disables the cap.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		tctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(tctx)
		if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("execution timed out after %s: %w", d, context.DeadlineExceeded)
		}
		return err
	}
}
