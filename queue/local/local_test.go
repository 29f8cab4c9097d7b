package local_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/queue/local"
)

func nextWithin(t *testing.T, d *local.Dispatcher, timeout time.Duration) (queue.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Next(ctx)
}

func TestEnqueue_Handle(t *testing.T) {
	d := local.New()
	defer d.Close()

	jid := id.NewJobID()
	h, err := d.Enqueue(context.Background(), jid, job.PriorityHigh)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.Backend != local.BackendName || h.Queue != queue.QueueHigh || h.MessageID == "" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if d.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", d.Pending())
	}
}

func TestNext_PriorityOrder(t *testing.T) {
	d := local.New()
	defer d.Close()
	ctx := context.Background()

	low, normal, high := id.NewJobID(), id.NewJobID(), id.NewJobID()
	for _, e := range []struct {
		id id.JobID
		p  job.Priority
	}{{low, job.PriorityLow}, {normal, job.PriorityNormal}, {high, job.PriorityHigh}} {
		if _, err := d.Enqueue(ctx, e.id, e.p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	want := []id.JobID{high, normal, low}
	for i, w := range want {
		got, err := nextWithin(t, d, time.Second)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if got.JobID != w {
			t.Fatalf("Next %d = %s (%s), want %s", i, got.JobID, got.Queue, w)
		}
	}
}

func TestCancel_RevokesQueuedJob(t *testing.T) {
	d := local.New()
	defer d.Close()
	ctx := context.Background()

	revoked, kept := id.NewJobID(), id.NewJobID()
	_, _ = d.Enqueue(ctx, revoked, job.PriorityNormal)
	_, _ = d.Enqueue(ctx, kept, job.PriorityNormal)

	if err := d.Cancel(ctx, revoked); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := nextWithin(t, d, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.JobID != kept {
		t.Fatalf("Next = %s, want %s", got.JobID, kept)
	}
	if _, err := nextWithin(t, d, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no more deliveries, got %v", err)
	}
}

func TestEnqueue_AfterCancelDeliversOnce(t *testing.T) {
	d := local.New()
	defer d.Close()
	ctx := context.Background()

	jid := id.NewJobID()
	_, _ = d.Enqueue(ctx, jid, job.PriorityLow)
	_ = d.Cancel(ctx, jid)
	_, _ = d.Enqueue(ctx, jid, job.PriorityHigh)

	got, err := nextWithin(t, d, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.JobID != jid || got.Queue != queue.QueueHigh {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if _, err := nextWithin(t, d, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stale entry was delivered: %v", err)
	}
}

func TestEnqueue_FullTier(t *testing.T) {
	d := local.New(local.WithCapacity(1))
	defer d.Close()
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, id.NewJobID(), job.PriorityNormal); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	_, err := d.Enqueue(ctx, id.NewJobID(), job.PriorityNormal)
	if !errors.Is(err, conductor.ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	// Other tiers are unaffected.
	if _, err := d.Enqueue(ctx, id.NewJobID(), job.PriorityHigh); err != nil {
		t.Fatalf("high Enqueue: %v", err)
	}
}

func TestSignalRunningCancel_Watchers(t *testing.T) {
	d := local.New()
	defer d.Close()
	ctx := context.Background()

	jid := id.NewJobID()
	ch, stop := d.Watch(jid)
	defer stop()

	other, stopOther := d.Watch(id.NewJobID())
	defer stopOther()

	if err := d.SignalRunningCancel(ctx, jid, "wkr_token"); err != nil {
		t.Fatalf("SignalRunningCancel: %v", err)
	}
	// A second signal must not block.
	if err := d.SignalRunningCancel(ctx, jid, "wkr_token"); err != nil {
		t.Fatalf("SignalRunningCancel: %v", err)
	}

	select {
	case sig := <-ch:
		if sig.JobID != jid.String() || sig.Token != "wkr_token" {
			t.Fatalf("unexpected signal %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive signal")
	}
	select {
	case sig := <-other:
		t.Fatalf("unrelated watcher received %+v", sig)
	default:
	}
}

func TestWatch_StopUnregisters(t *testing.T) {
	d := local.New()
	defer d.Close()

	jid := id.NewJobID()
	ch, stop := d.Watch(jid)
	stop()
	stop()

	_ = d.SignalRunningCancel(context.Background(), jid, "t")
	select {
	case sig := <-ch:
		t.Fatalf("stopped watcher received %+v", sig)
	default:
	}
}

func TestClose_UnblocksNext(t *testing.T) {
	d := local.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, conductor.ErrDispatcherClosed) {
			t.Fatalf("expected ErrDispatcherClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	if _, err := d.Enqueue(context.Background(), id.NewJobID(), job.PriorityNormal); !errors.Is(err, conductor.ErrDispatcherClosed) {
		t.Fatalf("Enqueue after Close: expected ErrDispatcherClosed, got %v", err)
	}
}
