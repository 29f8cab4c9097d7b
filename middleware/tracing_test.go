package middleware_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendiffdev/conductor/middleware"
)

func recordSpans(t *testing.T, ctx context.Context, h middleware.Handler) sdktrace.ReadOnlySpan {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	_ = middleware.TracingWithTracer(tp.Tracer("test"))(ctx, batched(), h)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracing_SpanCarriesJob(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	j := batched()

	var inner trace.SpanContext
	err := middleware.TracingWithTracer(tp.Tracer("test"))(context.Background(), j, func(ctx context.Context) error {
		inner = trace.SpanContextFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	span := sr.Ended()[0]
	if span.Name() != middleware.SpanName {
		t.Errorf("name = %q", span.Name())
	}
	if !inner.IsValid() || inner.SpanID() != span.SpanContext().SpanID() {
		t.Error("executor context does not carry the execution span")
	}

	a := attrs(span)
	for k, want := range map[attribute.Key]string{
		"conductor.job.id":    j.ID.String(),
		"conductor.batch.id":  j.BatchID.String(),
		"conductor.client.id": "acme",
		"conductor.priority":  "high",
		"conductor.outcome":   middleware.OutcomeOK,
	} {
		if got := a[k].AsString(); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if a["conductor.retry_count"].AsInt64() != 1 {
		t.Errorf("retry_count = %v", a["conductor.retry_count"])
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v", span.Status())
	}
}

func TestTracing_StandaloneHasNoBatch(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	_ = middleware.TracingWithTracer(tp.Tracer("test"))(context.Background(), standalone(), ok)

	if _, found := attrs(sr.Ended()[0])["conductor.batch.id"]; found {
		t.Error("standalone job span has conductor.batch.id")
	}
}

func TestTracing_FailureRecordsError(t *testing.T) {
	span := recordSpans(t, context.Background(), func(context.Context) error {
		return errors.New("unsupported codec")
	})
	if span.Status().Code != codes.Error || span.Status().Description != "unsupported codec" {
		t.Errorf("status = %+v", span.Status())
	}
	if attrs(span)["conductor.outcome"].AsString() != middleware.OutcomeError {
		t.Errorf("outcome = %v", attrs(span)["conductor.outcome"])
	}
	if len(span.Events()) == 0 || span.Events()[0].Name != "exception" {
		t.Errorf("events = %v, want exception", span.Events())
	}
}

func TestTracing_TimeoutOutcome(t *testing.T) {
	span := recordSpans(t, context.Background(), func(ctx context.Context) error {
		return middleware.Timeout(5*time.Millisecond)(ctx, standalone(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})
	if got := attrs(span)["conductor.outcome"].AsString(); got != middleware.OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", got)
	}
}

func TestTracing_CancelIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	span := recordSpans(t, ctx, func(ctx context.Context) error { return ctx.Err() })

	if span.Status().Code == codes.Error {
		t.Errorf("cancelled run marked as error: %+v", span.Status())
	}
	if attrs(span)["conductor.outcome"].AsString() != middleware.OutcomeCancelled {
		t.Errorf("outcome = %v", attrs(span)["conductor.outcome"])
	}
}

func TestTracing_GlobalNoop(t *testing.T) {
	if err := middleware.Tracing()(context.Background(), standalone(), ok); err != nil {
		t.Fatal(err)
	}
}
