package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobQueued     = (*MetricsExtension)(nil)
	_ ext.JobStarted    = (*MetricsExtension)(nil)
	_ ext.JobCompleted  = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobCancelled  = (*MetricsExtension)(nil)
	_ ext.JobRetried    = (*MetricsExtension)(nil)
	_ ext.BatchStarted  = (*MetricsExtension)(nil)
	_ ext.BatchFinished = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/rendiffdev/conductor/observability"

// MetricsExtension records system-wide lifecycle counters through an OTel
// meter. Register it as an extension to track queue, start, completion,
// failure, cancellation and retry counts, plus batch outcomes and
// processing time.
type MetricsExtension struct {
	JobQueued      metric.Int64Counter
	JobStarted     metric.Int64Counter
	JobCompleted   metric.Int64Counter
	JobFailed      metric.Int64Counter
	JobCancelled   metric.Int64Counter
	JobRetried     metric.Int64Counter
	JobProcessing  metric.Float64Histogram
	BatchStarted   metric.Int64Counter
	BatchFinished  metric.Int64Counter
	BatchProcessed metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	hist := func(name, desc string) metric.Float64Histogram {
		h, _ := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}
	return &MetricsExtension{
		JobQueued:      counter("conductor.job.queued", "Jobs admitted to a queue"),
		JobStarted:     counter("conductor.job.started", "Jobs claimed by an executor"),
		JobCompleted:   counter("conductor.job.completed", "Jobs completed"),
		JobFailed:      counter("conductor.job.failed", "Jobs failed"),
		JobCancelled:   counter("conductor.job.cancelled", "Jobs cancelled"),
		JobRetried:     counter("conductor.job.retried", "Jobs returned to the queue"),
		JobProcessing:  hist("conductor.job.processing_time", "Claim-to-completion time"),
		BatchStarted:   counter("conductor.batch.started", "Batches started"),
		BatchFinished:  counter("conductor.batch.finished", "Batches finished, by status"),
		BatchProcessed: hist("conductor.batch.processing_time", "Batch start-to-finish time"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func priorityAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
		attribute.Bool("batched", !j.BatchID.IsNil()),
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobQueued implements ext.JobQueued.
func (m *MetricsExtension) OnJobQueued(ctx context.Context, j *job.Job) error {
	m.JobQueued.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.JobStarted.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.JobCompleted.Add(ctx, 1, priorityAttr(j))
	m.JobProcessing.Record(ctx, elapsed.Seconds())
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.JobCancelled.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobRetried implements ext.JobRetried.
func (m *MetricsExtension) OnJobRetried(ctx context.Context, j *job.Job) error {
	m.JobRetried.Add(ctx, 1, priorityAttr(j))
	return nil
}

// ── Batch lifecycle hooks ───────────────────────────

// OnBatchStarted implements ext.BatchStarted.
func (m *MetricsExtension) OnBatchStarted(ctx context.Context, _ *batch.Batch) error {
	m.BatchStarted.Add(ctx, 1)
	return nil
}

// OnBatchFinished implements ext.BatchFinished.
func (m *MetricsExtension) OnBatchFinished(ctx context.Context, b *batch.Batch, elapsed time.Duration) error {
	m.BatchFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(b.Status)),
		attribute.Bool("degraded", b.Status == batch.StatusCompleted && b.ErrorMessage != ""),
	))
	m.BatchProcessed.Record(ctx, elapsed.Seconds())
	return nil
}
