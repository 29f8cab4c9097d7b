package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), ClientID: "acme", Priority: job.PriorityNormal}
}

// counterValue sums every data point of the named Int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_JobHooks(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobQueued(ctx, j)
	_ = e.OnJobQueued(ctx, j)
	_ = e.OnJobStarted(ctx, j)
	_ = e.OnJobCompleted(ctx, j, 2*time.Second)
	_ = e.OnJobFailed(ctx, j, errors.New("boom"))
	_ = e.OnJobCancelled(ctx, j)
	_ = e.OnJobRetried(ctx, j)

	want := map[string]int64{
		"conductor.job.queued":    2,
		"conductor.job.started":   1,
		"conductor.job.completed": 1,
		"conductor.job.failed":    1,
		"conductor.job.cancelled": 1,
		"conductor.job.retried":   1,
	}
	for name, v := range want {
		if got := counterValue(t, reader, name); got != v {
			t.Errorf("%s = %d, want %d", name, got, v)
		}
	}
}

func TestMetricsExtension_BatchHooks(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	b := &batch.Batch{ID: id.NewBatchID(), Status: batch.StatusCompleted, ErrorMessage: "1 of 3 jobs failed"}
	_ = e.OnBatchStarted(ctx, b)
	_ = e.OnBatchFinished(ctx, b, time.Minute)

	if got := counterValue(t, reader, "conductor.batch.started"); got != 1 {
		t.Errorf("batch.started = %d, want 1", got)
	}
	if got := counterValue(t, reader, "conductor.batch.finished"); got != 1 {
		t.Errorf("batch.finished = %d, want 1", got)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension()
	r := ext.NewRegistry(nil)
	r.Register(e)

	ctx := context.Background()
	r.EmitJobQueued(ctx, newTestJob())
	r.EmitJobFailed(ctx, newTestJob(), errors.New("x"))

	if got := counterValue(t, reader, "conductor.job.queued"); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
	if got := counterValue(t, reader, "conductor.job.failed"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestNewMetricsExtension_GlobalNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnJobQueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
