package admission_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
	"github.com/rendiffdev/conductor/storage"
	"github.com/rendiffdev/conductor/storage/local"
	"github.com/rendiffdev/conductor/store/memory"
	"github.com/rendiffdev/conductor/webhook"
)

func testConfig() conductor.Config {
	cfg := conductor.DefaultConfig()
	cfg.DefaultMaxConcurrentJobs = 3
	cfg.MaxBatchFiles = 10
	cfg.MaxBatchConcurrency = 4
	cfg.MaxBatchRetries = 2
	return cfg
}

func spec() job.Spec {
	return job.Spec{InputRef: "in.mp4", OutputRef: "out.mp4"}
}

func TestSubmit_CreatesQueuedJob(t *testing.T) {
	t.Parallel()
	s := memory.New()
	c := admission.New(s, testConfig())

	j, err := c.Submit(context.Background(), "acme", spec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.Status != job.StatusQueued || j.Progress != 0 {
		t.Fatalf("job = %s at %v, want queued at 0", j.Status, j.Progress)
	}
	if j.Priority != job.PriorityNormal {
		t.Errorf("priority = %q, want normal", j.Priority)
	}
	if j.MaxRetries != testConfig().DefaultMaxRetries {
		t.Errorf("max retries = %d", j.MaxRetries)
	}
	stored, err := s.GetJob(context.Background(), j.ID)
	if err != nil || stored.Status != job.StatusQueued {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	t.Parallel()
	c := admission.New(memory.New(), testConfig())
	cases := map[string]job.Spec{
		"missing input":  {OutputRef: "o"},
		"missing output": {InputRef: "i"},
		"bad priority":   {InputRef: "i", OutputRef: "o", Priority: "urgent"},
		"bad event":      {InputRef: "i", OutputRef: "o", WebhookURL: "https://x.example", WebhookEvents: []job.WebhookEvent{"done"}},
	}
	for name, sp := range cases {
		if _, err := c.Submit(context.Background(), "acme", sp); !errors.Is(err, conductor.ErrValidation) {
			t.Errorf("%s: err = %v, want validation", name, err)
		}
	}
	if _, err := c.Submit(context.Background(), " ", spec()); !errors.Is(err, conductor.ErrValidation) {
		t.Errorf("blank client: err = %v", err)
	}
}

func TestSubmit_RejectsLoopbackWebhookWithoutCreatingJob(t *testing.T) {
	t.Parallel()
	s := memory.New()
	c := admission.New(s, testConfig(), admission.WithURLValidator(webhook.DefaultValidator))

	sp := spec()
	sp.WebhookURL = "http://127.0.0.1/x"
	_, err := c.Submit(context.Background(), "acme", sp)
	if !errors.Is(err, conductor.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	n, _ := s.CountJobs(context.Background(), job.CountOpts{ClientID: "acme"})
	if n != 0 {
		t.Fatalf("jobs created = %d, want 0", n)
	}
}

func TestSubmit_DeniesAtQuota(t *testing.T) {
	t.Parallel()
	s := memory.New()
	c := admission.New(s, testConfig())
	ctx := context.Background()

	for range 3 {
		if _, err := c.Submit(ctx, "acme", spec()); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, err := c.Submit(ctx, "acme", spec())
	var ae *conductor.AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if ae.Current != 3 || ae.Limit != 3 {
		t.Errorf("current/limit = %d/%d, want 3/3", ae.Current, ae.Limit)
	}

	// Another client is unaffected.
	if _, err := c.Submit(ctx, "globex", spec()); err != nil {
		t.Fatalf("other client: %v", err)
	}
}

func TestSubmit_StoredQuotaOverridesDefault(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	_ = s.PutQuota(ctx, &quota.Quota{ClientID: "acme", MaxConcurrentJobs: 1})
	c := admission.New(s, testConfig())

	if _, err := c.Submit(ctx, "acme", spec()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.Submit(ctx, "acme", spec()); !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
}

func TestSubmit_DeniesWhenMonthlyMinutesUsed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	_ = s.PutQuota(ctx, &quota.Quota{
		ClientID:       "acme",
		MonthlyMinutes: 60,
		UsedMinutes:    60,
		PeriodStart:    quota.PeriodOf(time.Now()),
	})
	c := admission.New(s, testConfig())

	if _, err := c.Submit(ctx, "acme", spec()); !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
}

func TestSubmit_DefaultMonthlyMinutesBind(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	cfg.DefaultMonthlyMinutes = 1
	c := admission.New(s, cfg)

	// No record yet: nothing used, so the default allowance admits.
	if _, err := c.Submit(ctx, "acme", spec()); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Recording usage creates a record that sets no allowance of its own.
	if _, err := s.AddUsage(ctx, "acme", 5, time.Now()); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if _, err := c.Submit(ctx, "acme", spec()); !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
}

// TestSubmit_ConcurrentAdmissionIsExact submits limit+1 requests at once
// for random limits and expects exactly one denial each time.
func TestSubmit_ConcurrentAdmissionIsExact(t *testing.T) {
	t.Parallel()
	for trial := range 25 {
		limit := 1 + rand.IntN(8) //nolint:gosec // test input
		s := memory.New()
		cfg := testConfig()
		cfg.DefaultMaxConcurrentJobs = limit
		c := admission.New(s, cfg)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			mu       sync.Mutex
			admitted int
			denied   int
		)
		for range limit + 1 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := c.Submit(context.Background(), "acme", spec())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					admitted++
				case errors.Is(err, conductor.ErrAdmissionDenied):
					denied++
				default:
					t.Errorf("trial %d: unexpected error %v", trial, err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if admitted != limit || denied != 1 {
			t.Fatalf("trial %d (limit %d): admitted %d, denied %d", trial, limit, admitted, denied)
		}
	}
}

func TestSubmitBatch_CreatesPendingBatchAndChildren(t *testing.T) {
	t.Parallel()
	s := memory.New()
	c := admission.New(s, testConfig())
	ctx := context.Background()

	req := admission.BatchRequest{
		Name:          "season-1",
		Files:         []job.Spec{spec(), spec(), {InputRef: "b.mp4", OutputRef: "b.out", Priority: job.PriorityLow}},
		MaxConcurrent: 2,
		Priority:      job.PriorityHigh,
		WebhookURL:    "https://hooks.example/batch",
	}
	b, children, err := c.SubmitBatch(ctx, "acme", req)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if b.TotalJobs != 3 || b.MaxConcurrent != 2 || b.Status != "pending" {
		t.Fatalf("batch = %+v", b)
	}
	if b.MaxRetries != 2 {
		t.Errorf("batch max retries = %d, want config ceiling 2", b.MaxRetries)
	}
	if len(children) != 3 {
		t.Fatalf("children = %d", len(children))
	}
	for i, j := range children {
		if j.BatchID != b.ID || j.Status != job.StatusQueued {
			t.Errorf("child %d = %+v", i, j)
		}
		if j.WebhookURL != req.WebhookURL {
			t.Errorf("child %d webhook = %q", i, j.WebhookURL)
		}
	}
	if children[0].Priority != job.PriorityHigh || children[2].Priority != job.PriorityLow {
		t.Errorf("priorities = %q, %q", children[0].Priority, children[2].Priority)
	}
	if req.Files[0].WebhookURL != "" {
		t.Error("SubmitBatch must not modify the caller's files")
	}

	n, _ := s.CountJobs(ctx, job.CountOpts{ClientID: "acme"})
	if n != 3 {
		t.Errorf("stored jobs = %d, want 3", n)
	}
}

func TestSubmitBatch_Bounds(t *testing.T) {
	t.Parallel()
	c := admission.New(memory.New(), testConfig(),
		admission.WithURLValidator(&webhook.Validator{AllowPrivate: true}))
	ctx := context.Background()
	tooMany := make([]job.Spec, 11)
	for i := range tooMany {
		tooMany[i] = spec()
	}
	retries := 5

	cases := map[string]admission.BatchRequest{
		"no files":     {},
		"too many":     {Files: tooMany},
		"cap too high": {Files: []job.Spec{spec()}, MaxConcurrent: 5},
		"negative cap": {Files: []job.Spec{spec()}, MaxConcurrent: -1},
		"retries":      {Files: []job.Spec{spec()}, MaxRetries: &retries},
		"bad file":     {Files: []job.Spec{spec(), {InputRef: "x"}}},
		"bad priority": {Files: []job.Spec{spec()}, Priority: "asap"},
		"bad webhook":  {Files: []job.Spec{spec()}, WebhookURL: "ftp://x.example"},
	}
	for name, req := range cases {
		if _, _, err := c.SubmitBatch(ctx, "acme", req); !errors.Is(err, conductor.ErrValidation) {
			t.Errorf("%s: err = %v, want validation", name, err)
		}
	}

	_, _, err := c.SubmitBatch(ctx, "acme", admission.BatchRequest{Files: []job.Spec{spec(), {InputRef: "x"}}})
	var ve *conductor.ValidationError
	if !errors.As(err, &ve) || ve.Field != "files[1].output_ref" {
		t.Errorf("field = %v", err)
	}
}

func TestSubmitBatch_DefaultCap(t *testing.T) {
	t.Parallel()
	c := admission.New(memory.New(), testConfig())
	b, _, err := c.SubmitBatch(context.Background(), "acme", admission.BatchRequest{Files: []job.Spec{spec(), spec()}})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if b.MaxConcurrent != 2 {
		t.Fatalf("cap = %d, want 2", b.MaxConcurrent)
	}
}

func TestSubmitBatch_TakesCapSlots(t *testing.T) {
	t.Parallel()
	s := memory.New()
	c := admission.New(s, testConfig())
	ctx := context.Background()

	if _, _, err := c.SubmitBatch(ctx, "acme", admission.BatchRequest{
		Files: []job.Spec{spec(), spec(), spec(), spec()}, MaxConcurrent: 2,
	}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if _, err := c.Submit(ctx, "acme", spec()); err != nil {
		t.Fatalf("third slot: %v", err)
	}
	_, err := c.Submit(ctx, "acme", spec())
	var ae *conductor.AdmissionError
	if !errors.As(err, &ae) || ae.Current != 3 {
		t.Fatalf("err = %v, want denial at 3 slots", err)
	}
}

func TestSubmit_ChecksInputExistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	files, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	_, _ = files.Write(ctx, "present.mp4", strings.NewReader("x"))
	mux := storage.NewMux()
	mux.Handle("", files)

	c := admission.New(memory.New(), testConfig(), admission.WithStorage(mux))

	if _, err := c.Submit(ctx, "acme", job.Spec{InputRef: "present.mp4", OutputRef: "o"}); err != nil {
		t.Fatalf("present: %v", err)
	}
	_, err = c.Submit(ctx, "acme", job.Spec{InputRef: "absent.mp4", OutputRef: "o"})
	var ve *conductor.ValidationError
	if !errors.As(err, &ve) || ve.Field != "input_ref" {
		t.Fatalf("absent: err = %v", err)
	}
	// No backend serves s3 here, so the reference is accepted unchecked.
	if _, err := c.Submit(ctx, "acme", job.Spec{InputRef: "s3://bucket/a.mp4", OutputRef: "o"}); err != nil {
		t.Fatalf("unsupported scheme: %v", err)
	}

	_, _, err = c.SubmitBatch(ctx, "acme", admission.BatchRequest{Files: []job.Spec{
		{InputRef: "present.mp4", OutputRef: "o"},
		{InputRef: "absent.mp4", OutputRef: "o"},
	}})
	if !errors.As(err, &ve) || ve.Field != fmt.Sprintf("files[%d].input_ref", 1) {
		t.Fatalf("batch absent: err = %v", err)
	}
}
