package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/backoff"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// ---------------------------------------------------------------------------
// Tiers
// ---------------------------------------------------------------------------

func TestQueueFor(t *testing.T) {
	cases := map[job.Priority]string{
		job.PriorityHigh:   QueueHigh,
		job.PriorityNormal: QueueNormal,
		job.PriorityLow:    QueueLow,
		"":                 QueueNormal,
	}
	for p, want := range cases {
		if got := QueueFor(p); got != want {
			t.Errorf("QueueFor(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestTiers_Order(t *testing.T) {
	if len(Tiers) != 3 || Tiers[0] != QueueHigh || Tiers[2] != QueueLow {
		t.Fatalf("Tiers = %v, want high, normal, low", Tiers)
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) {
		t.Error("nil should not be transient")
	}
	if Transient(conductor.ErrDispatcherClosed) {
		t.Error("closed dispatcher should not be transient")
	}
	if Transient(context.Canceled) {
		t.Error("cancelled context should not be transient")
	}
	if !Transient(errors.New("connection reset")) {
		t.Error("network error should be transient")
	}
}

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	if !m.Acquire(QueueNormal, "") {
		t.Fatal("expected Acquire to succeed for unconfigured tier")
	}
	m.Release(QueueNormal, "")
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{Name: QueueLow, MaxConcurrency: 2})

	if !m.Acquire(QueueLow, "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire(QueueLow, "") {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire(QueueLow, "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release(QueueLow, "")
	if !m.Acquire(QueueLow, "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{Name: QueueHigh, MaxConcurrency: 5})

	for i := range 3 {
		if !m.Acquire(QueueHigh, "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if got := m.ActiveCount(QueueHigh); got != 3 {
		t.Fatalf("expected 3 active, got %d", got)
	}

	m.Release(QueueHigh, "")
	m.Release(QueueHigh, "")
	if got := m.ActiveCount(QueueHigh); got != 1 {
		t.Fatalf("expected 1 active, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{Name: QueueNormal, RateLimit: 1.0, RateBurst: 1})

	if !m.Acquire(QueueNormal, "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(QueueNormal, "")

	if m.Acquire(QueueNormal, "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(QueueNormal, "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(QueueNormal, "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{Name: QueueHigh, RateLimit: 10.0, RateBurst: 3})

	for i := range 3 {
		if !m.Acquire(QueueHigh, "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(QueueHigh, "")
	}
}

func TestManager_ConcurrencyDenialKeepsRateBudget(t *testing.T) {
	m := NewManager(Config{Name: QueueLow, MaxConcurrency: 1, RateLimit: 0.001, RateBurst: 2})

	if !m.Acquire(QueueLow, "") {
		t.Fatal("first Acquire should succeed")
	}
	// Denied on concurrency; must not spend the second burst token.
	if m.Acquire(QueueLow, "") {
		t.Fatal("second Acquire should fail on concurrency")
	}
	m.Release(QueueLow, "")
	if !m.Acquire(QueueLow, "") {
		t.Fatal("Acquire should succeed with the remaining burst token")
	}
}

// ---------------------------------------------------------------------------
// Per-client isolation
// ---------------------------------------------------------------------------

func TestManager_ClientMaxConcurrency(t *testing.T) {
	m := NewManager(Config{Name: QueueNormal, MaxConcurrency: 100})
	m.SetClientConfig(ClientConfig{ClientID: "acme", MaxConcurrency: 1})

	if !m.Acquire(QueueNormal, "acme") {
		t.Fatal("acme first Acquire should succeed")
	}
	if m.Acquire(QueueNormal, "acme") {
		t.Fatal("acme second Acquire should fail (client max 1)")
	}
	// The client limit spans tiers.
	if m.Acquire(QueueHigh, "acme") {
		t.Fatal("acme Acquire on another tier should fail (client max 1)")
	}
	if !m.Acquire(QueueNormal, "globex") {
		t.Fatal("globex Acquire should succeed (no client limit)")
	}

	m.Release(QueueNormal, "acme")
	m.Release(QueueNormal, "globex")
}

func TestManager_ClientIsolation(t *testing.T) {
	m := NewManager(Config{Name: QueueNormal, MaxConcurrency: 100})
	m.SetClientConfig(ClientConfig{ClientID: "acme", MaxConcurrency: 2})
	m.SetClientConfig(ClientConfig{ClientID: "globex", MaxConcurrency: 2})

	m.Acquire(QueueNormal, "acme")
	m.Acquire(QueueNormal, "acme")

	if m.Acquire(QueueNormal, "acme") {
		t.Fatal("acme should be blocked at max concurrency")
	}
	if !m.Acquire(QueueNormal, "globex") {
		t.Fatal("globex should not be affected by acme's limits")
	}
}

func TestManager_DefaultClientConfig(t *testing.T) {
	m := NewManager()
	m.SetDefaultClientConfig(ClientConfig{MaxConcurrency: 1})

	if !m.Acquire(QueueNormal, "acme") {
		t.Fatal("first Acquire should succeed")
	}
	if m.Acquire(QueueNormal, "acme") {
		t.Fatal("default client limit should apply")
	}
	if !m.Acquire(QueueNormal, "globex") {
		t.Fatal("each client gets its own default state")
	}
	if !m.Acquire(QueueNormal, "") {
		t.Fatal("anonymous work is not client-limited")
	}
}

func TestManager_ClientActiveCount(t *testing.T) {
	m := NewManager()
	m.SetClientConfig(ClientConfig{ClientID: "acme", MaxConcurrency: 5})

	m.Acquire(QueueNormal, "acme")
	m.Acquire(QueueHigh, "acme")

	if got := m.ClientActiveCount("acme"); got != 2 {
		t.Fatalf("expected client active 2, got %d", got)
	}

	m.Release(QueueHigh, "acme")
	if got := m.ClientActiveCount("acme"); got != 1 {
		t.Fatalf("expected client active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetQueueConfig(t *testing.T) {
	m := NewManager(Config{Name: QueueLow, MaxConcurrency: 1})

	m.Acquire(QueueLow, "")
	if m.Acquire(QueueLow, "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetQueueConfig(Config{Name: QueueLow, MaxConcurrency: 3})

	if !m.Acquire(QueueLow, "") {
		t.Fatal("should succeed after raising concurrency")
	}
	if got := m.ActiveCount(QueueLow); got != 2 {
		t.Fatalf("active count should survive reconfiguration, got %d", got)
	}
}

func TestManager_SetClientConfigKeepsActive(t *testing.T) {
	m := NewManager()
	m.SetClientConfig(ClientConfig{ClientID: "acme", MaxConcurrency: 1})
	m.Acquire(QueueNormal, "acme")

	m.SetClientConfig(ClientConfig{ClientID: "acme", MaxConcurrency: 2})
	if got := m.ClientActiveCount("acme"); got != 1 {
		t.Fatalf("expected active 1 after reconfigure, got %d", got)
	}
	if !m.Acquire(QueueNormal, "acme") {
		t.Fatal("second slot should be available")
	}
	if m.Acquire(QueueNormal, "acme") {
		t.Fatal("third slot should not be available")
	}
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{Name: QueueNormal, MaxConcurrency: 50})
	m.SetDefaultClientConfig(ClientConfig{MaxConcurrency: 10})

	var acquired atomic.Int64
	var wg sync.WaitGroup
	clients := []string{"a", "b", "c"}

	for i := range 100 {
		wg.Add(1)
		go func(client string) {
			defer wg.Done()
			if m.Acquire(QueueNormal, client) {
				acquired.Add(1)
				time.Sleep(time.Millisecond)
				m.Release(QueueNormal, client)
			}
		}(clients[i%len(clients)])
	}

	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if got := m.ActiveCount(QueueNormal); got != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", got)
	}
	for _, c := range clients {
		if got := m.ClientActiveCount(c); got != 0 {
			t.Fatalf("client %s: expected 0 active, got %d", c, got)
		}
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{Name: QueueHigh, MaxConcurrency: 5})

	m.Release(QueueHigh, "acme")
	if m.ActiveCount(QueueHigh) != 0 {
		t.Fatal("active count should not go below 0")
	}
}

// ---------------------------------------------------------------------------
// EnqueueWithRetry
// ---------------------------------------------------------------------------

type flakyDispatcher struct {
	failures int
	err      error
	calls    int
}

func (d *flakyDispatcher) Enqueue(_ context.Context, _ id.JobID, p job.Priority) (Handle, error) {
	d.calls++
	if d.calls <= d.failures {
		return Handle{}, d.err
	}
	return Handle{Backend: "fake", Queue: QueueFor(p)}, nil
}

func (d *flakyDispatcher) Cancel(context.Context, id.JobID) error { return nil }

func (d *flakyDispatcher) SignalRunningCancel(context.Context, id.JobID, string) error { return nil }

func (d *flakyDispatcher) Close() error { return nil }

func TestEnqueueWithRetry_RecoversFromTransientErrors(t *testing.T) {
	d := &flakyDispatcher{failures: 2, err: errors.New("connection reset")}
	h, err := EnqueueWithRetry(context.Background(), d, backoff.NewConstant(time.Millisecond), 3, id.NewJobID(), job.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h.Queue != QueueHigh || d.calls != 3 {
		t.Fatalf("handle = %+v after %d calls", h, d.calls)
	}
}

func TestEnqueueWithRetry_ExhaustedIsUnavailable(t *testing.T) {
	d := &flakyDispatcher{failures: 5, err: errors.New("connection reset")}
	_, err := EnqueueWithRetry(context.Background(), d, backoff.NewConstant(time.Millisecond), 3, id.NewJobID(), job.PriorityLow)
	if !errors.Is(err, conductor.ErrDispatchUnavailable) {
		t.Fatalf("err = %v, want ErrDispatchUnavailable", err)
	}
	if d.calls != 3 {
		t.Fatalf("calls = %d, want 3", d.calls)
	}
}

func TestEnqueueWithRetry_ClosedIsNotRetried(t *testing.T) {
	d := &flakyDispatcher{failures: 5, err: conductor.ErrDispatcherClosed}
	_, err := EnqueueWithRetry(context.Background(), d, backoff.NewConstant(time.Millisecond), 3, id.NewJobID(), job.PriorityNormal)
	if !errors.Is(err, conductor.ErrDispatcherClosed) {
		t.Fatalf("err = %v, want ErrDispatcherClosed", err)
	}
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1", d.calls)
	}
}
