package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendiffdev/conductor/job"
)

const meterName = "github.com/rendiffdev/conductor"

// Metrics records executions on the global meter provider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records conductor.job.duration (seconds) and
// conductor.job.executions, both keyed by priority, batched and outcome.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument errors yield noop instruments.
	duration, _ := meter.Float64Histogram("conductor.job.duration",
		metric.WithDescription("Wall time of one job execution"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter("conductor.job.executions",
		metric.WithDescription("Job executions by outcome"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("priority", string(j.Priority)),
			attribute.Bool("batched", !j.BatchID.IsNil()),
			attribute.String("outcome", outcome(ctx, err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
