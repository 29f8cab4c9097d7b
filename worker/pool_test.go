package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/middleware"
	"github.com/rendiffdev/conductor/notify"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/queue/local"
	"github.com/rendiffdev/conductor/store/memory"
	"github.com/rendiffdev/conductor/worker"
)

type testEnv struct {
	store *memory.Store
	queue *local.Dispatcher
	svc   *notify.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.New()
	q := local.New()
	t.Cleanup(func() { _ = q.Close() })
	return &testEnv{
		store: s,
		queue: q,
		svc:   notify.New(s, ext.NewRegistry(slog.Default())),
	}
}

func (e *testEnv) pool(t *testing.T, ex worker.Executor, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithMiddleware(middleware.Recover(slog.Default())),
	}
	p := worker.NewPool(e.queue, e.svc, ex, append(base, opts...)...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func (e *testEnv) submit(t *testing.T, clientID string) *job.Job {
	t.Helper()
	j := job.New(clientID, job.Spec{InputRef: "in.mp4", OutputRef: "out.mp4"}, 3)
	if err := e.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.queue.Enqueue(context.Background(), j.ID, j.Priority); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

func (e *testEnv) waitStatus(t *testing.T, j *job.Job, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.store.GetJob(context.Background(), j.ID)
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := e.store.GetJob(context.Background(), j.ID)
	t.Fatalf("job %s status = %q, want %q", j.ID, got.Status, want)
	return nil
}

func TestPool_StartStop(t *testing.T) {
	env := newEnv(t)
	p := worker.NewPool(env.queue, env.svc, worker.ExecutorFunc(nil))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_CompletesJobWithProgressAndMetrics(t *testing.T) {
	env := newEnv(t)
	vmaf := 94.5
	env.pool(t, worker.ExecutorFunc(func(ctx context.Context, task worker.Task, r worker.Reporter) (*job.Metrics, error) {
		if task.InputRef != "in.mp4" || task.OutputRef != "out.mp4" {
			t.Errorf("task refs = %q/%q", task.InputRef, task.OutputRef)
		}
		for _, pct := range []float64{25, 50, 75} {
			if err := r.Progress(ctx, pct, "encoding", worker.Hints{}); err != nil {
				return nil, err
			}
		}
		return &job.Metrics{VMAF: &vmaf, OutputSizeBytes: 2048}, nil
	}))

	j := env.submit(t, "acme")
	got := env.waitStatus(t, j, job.StatusCompleted)

	if got.Progress != 100 {
		t.Errorf("progress = %v, want 100", got.Progress)
	}
	if got.Stage != "encoding" {
		t.Errorf("stage = %q, want encoding", got.Stage)
	}
	if got.Metrics == nil || got.Metrics.VMAF == nil || *got.Metrics.VMAF != vmaf {
		t.Errorf("metrics = %+v", got.Metrics)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}
}

func TestPool_RecordsExecutorFailure(t *testing.T) {
	env := newEnv(t)
	env.pool(t, worker.ExecutorFunc(func(context.Context, worker.Task, worker.Reporter) (*job.Metrics, error) {
		return nil, &worker.ExecutionError{Message: "unsupported codec", Detail: []byte(`{"codec":"xyz"}`)}
	}))

	j := env.submit(t, "acme")
	got := env.waitStatus(t, j, job.StatusFailed)

	if got.ErrorMessage != "unsupported codec" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if string(got.ErrorDetail) != `{"codec":"xyz"}` {
		t.Errorf("error detail = %s", got.ErrorDetail)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	env := newEnv(t)
	env.pool(t, worker.ExecutorFunc(func(context.Context, worker.Task, worker.Reporter) (*job.Metrics, error) {
		panic("encoder exploded")
	}))

	j := env.submit(t, "acme")
	got := env.waitStatus(t, j, job.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "encoder exploded") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestPool_RunningCancelStopsExecutor(t *testing.T) {
	env := newEnv(t)
	started := make(chan struct{})
	var stopped atomic.Bool
	env.pool(t, worker.ExecutorFunc(func(ctx context.Context, _ worker.Task, _ worker.Reporter) (*job.Metrics, error) {
		close(started)
		<-ctx.Done()
		stopped.Store(true)
		return nil, ctx.Err()
	}))

	j := env.submit(t, "acme")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	running, _ := env.store.GetJob(context.Background(), j.ID)
	if _, err := env.store.CancelJob(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.queue.SignalRunningCancel(context.Background(), j.ID, running.WorkerToken); err != nil {
		t.Fatalf("signal: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !stopped.Load() {
		if time.Now().After(deadline) {
			t.Fatal("executor was not cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The cancellation stands; the pool must not overwrite it.
	time.Sleep(20 * time.Millisecond)
	got, _ := env.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
}

func TestPool_ProgressOnCancelledJobStopsExecution(t *testing.T) {
	env := newEnv(t)
	claimed := make(chan struct{})
	release := make(chan struct{})
	var progressErr atomic.Value
	env.pool(t, worker.ExecutorFunc(func(ctx context.Context, _ worker.Task, r worker.Reporter) (*job.Metrics, error) {
		close(claimed)
		<-release
		err := r.Progress(ctx, 10, "encoding", worker.Hints{})
		if err != nil {
			progressErr.Store(err)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	j := env.submit(t, "acme")
	<-claimed
	if _, err := env.store.CancelJob(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for progressErr.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("expected progress to be rejected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_ShutdownFailsRunningJobs(t *testing.T) {
	env := newEnv(t)
	started := make(chan struct{})
	p := worker.NewPool(env.queue, env.svc, worker.ExecutorFunc(func(ctx context.Context, _ worker.Task, _ worker.Reporter) (*job.Metrics, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), worker.WithPoolConcurrency(1))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	j := env.submit(t, "acme")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, _ := env.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "executor shut down before completion" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestPool_SkipsJobsNoLongerQueued(t *testing.T) {
	env := newEnv(t)
	var calls atomic.Int32
	j := job.New("acme", job.Spec{InputRef: "i", OutputRef: "o"}, 0)
	_ = env.store.CreateJob(context.Background(), j)
	_, _ = env.queue.Enqueue(context.Background(), j.ID, j.Priority)
	_, _ = env.store.CancelJob(context.Background(), j.ID)

	env.pool(t, worker.ExecutorFunc(func(context.Context, worker.Task, worker.Reporter) (*job.Metrics, error) {
		calls.Add(1)
		return nil, nil
	}))

	marker := env.submit(t, "acme")
	env.waitStatus(t, marker, job.StatusCompleted)
	if got := calls.Load(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
}

func TestPool_QueueManagerBoundsClientConcurrency(t *testing.T) {
	env := newEnv(t)
	m := queue.NewManager()
	m.SetClientConfig(queue.ClientConfig{ClientID: "acme", MaxConcurrency: 1})

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	env.pool(t, worker.ExecutorFunc(func(context.Context, worker.Task, worker.Reporter) (*job.Metrics, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}), worker.WithPoolConcurrency(4), worker.WithQueueManager(m))

	jobs := make([]*job.Job, 4)
	for i := range jobs {
		jobs[i] = env.submit(t, "acme")
	}
	for _, j := range jobs {
		env.waitStatus(t, j, job.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

// ──────────────────────────────────────────────────
// Watchdog
// ──────────────────────────────────────────────────

type signalRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (s *signalRecorder) SignalRunningCancel(_ context.Context, _ id.JobID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func TestWatchdog_FailsStalledJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	stale := job.New("acme", job.Spec{InputRef: "i", OutputRef: "o"}, 0)
	fresh := job.New("acme", job.Spec{InputRef: "i", OutputRef: "o"}, 0)
	_ = s.CreateJob(ctx, stale)
	_ = s.CreateJob(ctx, fresh)
	if _, err := s.ClaimJob(ctx, stale.ID, "wkr_stale"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(10 * time.Minute)
	if _, err := s.ClaimJob(ctx, fresh.ID, "wkr_fresh"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sig := &signalRecorder{}
	w := worker.NewWatchdog(s, sig, nil, 5*time.Minute, nil)
	n, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed = %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("stale status = %q, want failed", got.Status)
	}
	if got, _ := s.GetJob(ctx, fresh.ID); got.Status != job.StatusProcessing {
		t.Errorf("fresh status = %q, want processing", got.Status)
	}
	if len(sig.tokens) != 1 || sig.tokens[0] != "wkr_stale" {
		t.Errorf("signals = %v", sig.tokens)
	}

	// A second sweep finds nothing left to fail.
	if n, _ := w.Sweep(ctx); n != 0 {
		t.Errorf("second sweep failed %d jobs", n)
	}
}

func TestWatchdog_DisabledWithoutThreshold(t *testing.T) {
	w := worker.NewWatchdog(memory.New(), nil, nil, 0, nil)
	if n, err := w.Sweep(context.Background()); n != 0 || err != nil {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
}

// ──────────────────────────────────────────────────
// CommandExecutor
// ──────────────────────────────────────────────────

type progressRecorder struct {
	mu     sync.Mutex
	pcts   []float64
	stages []string
}

func (r *progressRecorder) Progress(_ context.Context, pct float64, stage string, _ worker.Hints) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcts = append(r.pcts, pct)
	r.stages = append(r.stages, stage)
	return nil
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommandExecutor_ReportsProgressAndMetrics(t *testing.T) {
	sh := requireShell(t)
	script := `cat >/dev/null
echo '{"progress": 10, "stage": "probe"}'
echo 'frame=120 fps=60'
echo '{"progress": 90, "stage": "encode", "fps": 60}'
echo '{"metrics": {"vmaf": 93.2, "output_size_bytes": 4096}}'`
	c := worker.NewCommandExecutor(sh, "-c", script)
	rec := &progressRecorder{}

	m, err := c.Execute(context.Background(), worker.Task{InputRef: "in", OutputRef: "out"}, rec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if m == nil || m.VMAF == nil || *m.VMAF != 93.2 || m.OutputSizeBytes != 4096 {
		t.Fatalf("metrics = %+v", m)
	}
	if len(rec.pcts) != 2 || rec.pcts[0] != 10 || rec.pcts[1] != 90 {
		t.Fatalf("progress = %v", rec.pcts)
	}
	if rec.stages[1] != "encode" {
		t.Errorf("stage = %q", rec.stages[1])
	}
}

func TestCommandExecutor_NonZeroExitFails(t *testing.T) {
	sh := requireShell(t)
	c := worker.NewCommandExecutor(sh, "-c", `cat >/dev/null; echo "bad input" >&2; exit 3`)

	_, err := c.Execute(context.Background(), worker.Task{}, &progressRecorder{})
	var ee *worker.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if !strings.Contains(ee.Message, "status 3") {
		t.Errorf("message = %q", ee.Message)
	}
	if !strings.Contains(string(ee.Detail), "bad input") || !strings.Contains(string(ee.Detail), `"exit_code":3`) {
		t.Errorf("detail = %s", ee.Detail)
	}
}

func TestCommandExecutor_ErrorLineFails(t *testing.T) {
	sh := requireShell(t)
	c := worker.NewCommandExecutor(sh, "-c", `cat >/dev/null; echo '{"error": "unsupported codec"}'`)

	_, err := c.Execute(context.Background(), worker.Task{}, &progressRecorder{})
	if err == nil || err.Error() != "unsupported codec" {
		t.Fatalf("err = %v, want unsupported codec", err)
	}
}

func TestCommandExecutor_ReceivesTaskOnStdin(t *testing.T) {
	sh := requireShell(t)
	c := worker.NewCommandExecutor(sh, "-c", `grep -q '"input_ref":"s3://bucket/in.mov"' && echo '{"progress": 100}'`)
	rec := &progressRecorder{}

	if _, err := c.Execute(context.Background(), worker.Task{InputRef: "s3://bucket/in.mov"}, rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(rec.pcts) != 1 {
		t.Fatalf("progress = %v, want one report", rec.pcts)
	}
}

func TestFailureOf(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", &worker.ExecutionError{Message: "unsupported codec", Detail: []byte(`{"codec":"xyz"}`)})
	if f := worker.FailureOf(wrapped); f.Message != "unsupported codec" || string(f.Detail) != `{"codec":"xyz"}` {
		t.Errorf("execution error -> %+v", f)
	}

	f := worker.FailureOf(&middleware.PanicError{Value: "nil map", Stack: []byte("goroutine 7")})
	if f.Message != "executor panicked: nil map" || !strings.Contains(string(f.Detail), "goroutine 7") {
		t.Errorf("panic -> %+v", f)
	}

	if f := worker.FailureOf(errors.New("exit status 1")); f.Message != "exit status 1" || f.Detail != nil {
		t.Errorf("plain error -> %+v", f)
	}
}
