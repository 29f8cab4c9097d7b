package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/api"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/client"
	"github.com/rendiffdev/conductor/engine"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/notify"
	"github.com/rendiffdev/conductor/store/memory"
	"github.com/rendiffdev/conductor/stream"
)

const executorKey = "executor-secret"

var jwtSecret = []byte("client-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupClientTest serves an engine through the HTTP API on an httptest
// server and returns a client authenticated as clientID. The client also
// carries the executor key.
func setupClientTest(t *testing.T, cfg conductor.Config) (*httptest.Server, *engine.Engine) {
	t.Helper()

	c, err := conductor.New(
		conductor.WithStore(memory.New()),
		conductor.WithConfig(cfg),
		conductor.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("conductor.New: %v", err)
	}
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(executorKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ts := httptest.NewServer(api.New(eng,
		api.WithJWTSecret(jwtSecret),
		api.WithExecutorKeyHash(string(hash)),
		api.WithLogger(testLogger()),
	).Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return ts, eng
}

func testConfig() conductor.Config {
	cfg := conductor.DefaultConfig()
	cfg.BatchPollInterval = 20 * time.Millisecond
	cfg.StreamPollInterval = 10 * time.Millisecond
	return cfg
}

func dial(t *testing.T, ts *httptest.Server, clientID string, opts ...client.Option) *client.Client {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   clientID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	opts = append([]client.Option{
		client.WithToken(tok),
		client.WithExecutorKey(executorKey),
		client.WithLogger(testLogger()),
		client.WithTimeout(5 * time.Second),
	}, opts...)
	return client.New(ts.URL, opts...)
}

func spec(in string) job.Spec {
	return job.Spec{InputRef: in, OutputRef: "out/" + in}
}

// ── Jobs ──────────────────────────────────────────────

func TestSubmitAndGetJob(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx := context.Background()

	j, err := c.Submit(ctx, spec("in.mp4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}

	got, err := c.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID || got.InputRef != "in.mp4" {
		t.Errorf("got %+v", got)
	}

	jobs, err := c.ListJobs(ctx, client.ListOptions{Status: "queued"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("listed %d jobs, want 1", len(jobs))
	}

	_, err = dial(t, ts, "other").GetJob(ctx, j.ID)
	if !client.IsNotFound(err) {
		t.Errorf("other client GetJob err = %v, want not found", err)
	}
}

func TestSubmitValidationError(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")

	_, err := c.Submit(context.Background(), job.Spec{InputRef: "in.mp4"})
	if !errors.Is(err, conductor.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Field != "output_ref" || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestAdmissionDenied(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxConcurrentJobs = 1
	ts, _ := setupClientTest(t, cfg)
	c := dial(t, ts, "acme")
	ctx := context.Background()

	if _, err := c.Submit(ctx, spec("a.mp4")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := c.Submit(ctx, spec("b.mp4"))
	if !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Current == nil || *apiErr.Current != 1 || *apiErr.Limit != 1 {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestExecutorReportsAndEvents(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j, err := c.Submit(ctx, spec("in.mp4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.Claim(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	events, err := c.Events(ctx, j.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if _, err := c.ReportProgress(ctx, j.ID, "w1", job.Progress{Percent: 25, Stage: "encoding"}); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	if _, err := c.ReportProgress(ctx, j.ID, "w1", job.Progress{Percent: 10}); !errors.Is(err, conductor.ErrInvalidState) {
		t.Errorf("regressing progress err = %v, want conflict", err)
	}
	done, err := c.Complete(ctx, j.ID, "w1", &job.Metrics{OutputSizeBytes: 4096})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}

	var last notify.Event
	for e := range events {
		last = e
	}
	if last.Type != notify.EventCompleted {
		t.Errorf("last event = %+v, want completed", last)
	}
}

func TestFailAndRetry(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx := context.Background()

	j, err := c.Submit(ctx, spec("in.mp4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.Claim(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	failed, err := c.Fail(ctx, j.ID, "w1", job.Failure{Message: "decoder error"})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != job.StatusFailed || failed.ErrorMessage != "decoder error" {
		t.Errorf("failed job = %+v", failed)
	}

	retried, err := c.RetryJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.Status != job.StatusQueued || retried.RetryCount != 1 {
		t.Errorf("retried job = %+v", retried)
	}

	cancelled, err := c.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestExecutorKeyRequired(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme", client.WithExecutorKey(""))
	ctx := context.Background()

	j, err := c.Submit(ctx, spec("in.mp4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = c.Claim(ctx, j.ID, "w1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

// ── Batches ───────────────────────────────────────────

func TestBatchLifecycle(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx := context.Background()

	b, children, err := c.SubmitBatch(ctx, admission.BatchRequest{
		Name:          "season-1",
		Files:         []job.Spec{spec("e1.mp4"), spec("e2.mp4"), spec("e3.mp4")},
		MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(children) != 3 || b.TotalJobs != 3 {
		t.Fatalf("batch = %+v, children = %d", b, len(children))
	}

	name := "season-one"
	updated, err := c.UpdateBatch(ctx, b.ID, batch.Update{Name: &name})
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if updated.Name != name {
		t.Errorf("name = %q, want %q", updated.Name, name)
	}

	jobs, err := c.BatchJobs(ctx, b.ID, client.ListOptions{})
	if err != nil {
		t.Fatalf("BatchJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("batch jobs = %d, want 3", len(jobs))
	}

	progress, err := c.BatchProgress(ctx, b.ID)
	if err != nil {
		t.Fatalf("BatchProgress: %v", err)
	}
	if progress.Counts.Total != 3 {
		t.Errorf("progress counts = %+v", progress.Counts)
	}

	cancelled, err := c.CancelBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled.Status != batch.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	stats, err := c.BatchStats(ctx, b.ID)
	if err != nil {
		t.Fatalf("BatchStats: %v", err)
	}
	if stats.Counts.Cancelled != 3 {
		t.Errorf("stats counts = %+v, want 3 cancelled", stats.Counts)
	}

	batches, err := c.ListBatches(ctx, client.ListOptions{Status: "cancelled"})
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Errorf("listed %d batches, want 1", len(batches))
	}

	if _, err := dial(t, ts, "other").GetBatch(ctx, b.ID); !client.IsNotFound(err) {
		t.Errorf("other client GetBatch err = %v, want not found", err)
	}
}

// ── Stats and stream ──────────────────────────────────

func TestStatsQuotaHealth(t *testing.T) {
	ts, _ := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if _, err := c.Submit(ctx, spec("in.mp4")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	counts, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if counts[job.StatusQueued] != 1 {
		t.Errorf("queued = %d, want 1", counts[job.StatusQueued])
	}

	q, err := c.Quota(ctx)
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.ClientID != "acme" || q.ActiveSlots != 1 {
		t.Errorf("quota = %+v", q)
	}
}

func TestSubscribe(t *testing.T) {
	ts, eng := setupClientTest(t, testConfig())
	c := dial(t, ts, "acme")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for eng.Broker().Stats().SubscriberCount == 0 {
		if ctx.Err() != nil {
			t.Fatal("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	j, err := c.Submit(ctx, spec("in.mp4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		if evt.Type != stream.EventJobQueued || evt.Topic != stream.JobTopic(j.ID.String()) {
			t.Errorf("event = %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range ch {
	}
}
