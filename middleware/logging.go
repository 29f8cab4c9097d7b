package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor/job"
)

// Logging logs the start and end of each execution. Cancelled runs log at
// Info since the job record already says why it stopped.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		log := logger.With(
			slog.String("job_id", j.ID.String()),
			slog.String("client_id", j.ClientID),
		)
		if !j.BatchID.IsNil() {
			log = log.With(slog.String("batch_id", j.BatchID.String()))
		}
		log.Info("execution started",
			slog.String("priority", string(j.Priority)),
			slog.Int("retry_count", j.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := slog.Duration("elapsed", time.Since(start))

		switch o := outcome(ctx, err); o {
		case OutcomeOK:
			log.Info("execution finished", elapsed)
		case OutcomeCancelled:
			log.Info("execution cancelled", elapsed)
		default:
			log.Error("execution failed", elapsed,
				slog.String("outcome", o),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
