package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendiffdev/conductor/job"
)

const tracerName = "github.com/rendiffdev/conductor"

// SpanName is the name of the span opened around each execution.
const SpanName = "conductor.job.execute"

// Tracing opens a span per execution on the global tracer provider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer opens a span per execution on tracer. The span carries
// the job, client and batch IDs, and its final conductor.outcome.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("conductor.job.id", j.ID.String()),
			attribute.String("conductor.client.id", j.ClientID),
			attribute.String("conductor.priority", string(j.Priority)),
			attribute.Int("conductor.retry_count", j.RetryCount),
		}
		if !j.BatchID.IsNil() {
			attrs = append(attrs, attribute.String("conductor.batch.id", j.BatchID.String()))
		}
		ctx, span := tracer.Start(ctx, SpanName, trace.WithAttributes(attrs...))
		defer span.End()

		err := next(ctx)
		o := outcome(ctx, err)
		span.SetAttributes(attribute.String("conductor.outcome", o))
		switch o {
		case OutcomeOK:
			span.SetStatus(codes.Ok, "")
		case OutcomeCancelled:
			span.AddEvent("cancelled")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
