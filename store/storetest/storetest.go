// Package storetest is a conformance suite run against every store.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
	"github.com/rendiffdev/conductor/store"
)

// Factory returns a fresh, migrated store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateGet", testCreateGet},
		{"ListAndCount", testListAndCount},
		{"ClaimExclusive", testClaimExclusive},
		{"ProgressMonotonic", testProgressMonotonic},
		{"CompleteFail", testCompleteFail},
		{"CancelTerminal", testCancelTerminal},
		{"RetryCeiling", testRetryCeiling},
		{"RetryHoldsQuota", testRetryHoldsQuota},
		{"DeleteQueuedOnly", testDeleteQueuedOnly},
		{"StalledJobs", testStalledJobs},
		{"AdmissionExact", testAdmissionExact},
		{"AdmitBatch", testAdmitBatch},
		{"BatchLifecycle", testBatchLifecycle},
		{"BatchRetryFailed", testBatchRetryFailed},
		{"BatchRetryHoldsQuota", testBatchRetryHoldsQuota},
		{"Quota", testQuota},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newJob(clientID string) *job.Job {
	return job.New(clientID, job.Spec{
		InputRef:   "s3://in/" + clientID + ".mov",
		OutputRef:  "s3://out/" + clientID + ".mp4",
		Operation:  []byte(`{"codec":"h264"}`),
		WebhookURL: "https://hooks.example.com/x",
	}, 1)
}

func mustCreate(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("c1")
	mustCreate(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID.String() != j.ID.String() || got.Status != job.StatusQueued {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.InputRef != j.InputRef || string(got.Operation) != `{"codec":"h264"}` {
		t.Errorf("payload not round-tripped: %+v", got)
	}
	if !got.Subscribed(job.WebhookComplete) {
		t.Errorf("webhook events not round-tripped: %v", got.WebhookEvents)
	}

	if err := s.CreateJob(ctx, j); !errors.Is(err, conductor.ErrJobAlreadyExists) {
		t.Errorf("duplicate CreateJob error = %v, want ErrJobAlreadyExists", err)
	}
	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, conductor.ErrJobNotFound) {
		t.Errorf("missing GetJob error = %v, want ErrJobNotFound", err)
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	for range 3 {
		mustCreate(t, s, newJob("lister"))
	}
	mustCreate(t, s, newJob("other"))

	jobs, err := s.ListJobs(ctx, job.ListOpts{ClientID: "lister", Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len = %d, want 2", len(jobs))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{ClientID: "lister", Status: job.StatusQueued})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 3 {
		t.Errorf("CountJobs = %d, want 3", n)
	}
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("claimer")
	mustCreate(t, s, j)

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, j.ID, fmt.Sprintf("wkr_%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case conductor.KindOf(err) != conductor.KindConflict:
				t.Errorf("claim %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claims won = %d, want exactly 1", wins.Load())
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != job.StatusProcessing || got.WorkerToken == "" || got.StartedAt == nil {
		t.Errorf("claimed job = %+v", got)
	}
}

func testProgressMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("prog")
	mustCreate(t, s, j)
	if _, err := s.ClaimJob(ctx, j.ID, "wkr_p"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	var wg sync.WaitGroup
	for pct := 1; pct <= 40; pct++ {
		wg.Add(1)
		go func(pct int) {
			defer wg.Done()
			_, err := s.UpdateProgress(ctx, j.ID, "wkr_p", job.Progress{Percent: float64(pct), Stage: "encoding"})
			if err != nil && !errors.Is(err, conductor.ErrProgressRegression) {
				t.Errorf("UpdateProgress(%d): %v", pct, err)
			}
		}(pct)
	}
	wg.Wait()

	got, _ := s.GetJob(ctx, j.ID)
	if got.Progress != 40 {
		t.Errorf("Progress = %v, want the maximum submitted value 40", got.Progress)
	}

	if _, err := s.UpdateProgress(ctx, j.ID, "wkr_other", job.Progress{Percent: 50}); !errors.Is(err, conductor.ErrNotOwner) {
		t.Errorf("foreign token error = %v, want ErrNotOwner", err)
	}
}

func testCompleteFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	ok := newJob("done")
	bad := newJob("done")
	mustCreate(t, s, ok)
	mustCreate(t, s, bad)
	_, _ = s.ClaimJob(ctx, ok.ID, "wkr_1")
	_, _ = s.ClaimJob(ctx, bad.ID, "wkr_2")

	vmaf := 93.5
	got, err := s.CompleteJob(ctx, ok.ID, "wkr_1", &job.Metrics{VMAF: &vmaf, OutputSizeBytes: 1024})
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if got.Status != job.StatusCompleted || got.CompletedAt == nil || got.Progress != 100 {
		t.Errorf("completed job = %+v", got)
	}
	if got.Metrics == nil || got.Metrics.VMAF == nil || *got.Metrics.VMAF != vmaf {
		t.Errorf("metrics not persisted: %+v", got.Metrics)
	}

	got, err = s.FailJob(ctx, bad.ID, "wkr_2", job.Failure{Message: "decoder error", Detail: []byte(`{"exit":1}`)})
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if got.Status != job.StatusFailed || got.ErrorMessage != "decoder error" {
		t.Errorf("failed job = %+v", got)
	}

	if _, err := s.UpdateProgress(ctx, ok.ID, "wkr_1", job.Progress{Percent: 100}); !errors.Is(err, conductor.ErrInvalidState) {
		t.Errorf("progress after completion error = %v, want ErrInvalidState", err)
	}
}

func testCancelTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("cancel")
	mustCreate(t, s, j)

	got, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got.Status != job.StatusCancelled || got.CompletedAt == nil {
		t.Errorf("cancelled job = %+v", got)
	}
	if _, err := s.CancelJob(ctx, j.ID); !errors.Is(err, conductor.ErrAlreadyTerminal) {
		t.Errorf("second cancel error = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := s.ClaimJob(ctx, j.ID, "wkr_late"); conductor.KindOf(err) != conductor.KindConflict {
		t.Errorf("claim after cancel error = %v, want conflict", err)
	}
}

func testRetryCeiling(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("retry") // MaxRetries = 1
	mustCreate(t, s, j)

	failOnce := func(token string) {
		t.Helper()
		if _, err := s.ClaimJob(ctx, j.ID, token); err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if _, err := s.FailJob(ctx, j.ID, token, job.Failure{Message: "boom"}); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}

	failOnce("wkr_a")
	got, err := s.RetryJob(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if got.Status != job.StatusQueued || got.RetryCount != 1 || got.WorkerToken != "" || got.StartedAt != nil {
		t.Errorf("retried job = %+v", got)
	}

	failOnce("wkr_b")
	if _, err := s.RetryJob(ctx, j.ID, 0); !errors.Is(err, conductor.ErrValidation) {
		t.Fatalf("retry beyond ceiling error = %v, want validation", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed || got.RetryCount != 1 {
		t.Errorf("rejected retry mutated job: %+v", got)
	}
}

func testDeleteQueuedOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("del")
	running := newJob("del")
	mustCreate(t, s, j)
	mustCreate(t, s, running)
	_, _ = s.ClaimJob(ctx, running.ID, "wkr_d")

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, conductor.ErrJobNotFound) {
		t.Errorf("GetJob after delete error = %v", err)
	}
	if err := s.DeleteJob(ctx, running.ID); !errors.Is(err, conductor.ErrInvalidState) {
		t.Errorf("DeleteJob(processing) error = %v, want ErrInvalidState", err)
	}
}

func testStalledJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("stall")
	mustCreate(t, s, j)
	_, _ = s.ClaimJob(ctx, j.ID, "wkr_s")

	time.Sleep(20 * time.Millisecond)

	stalled, err := s.ListStalledJobs(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ListStalledJobs: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID.String() != j.ID.String() {
		t.Fatalf("stalled = %v, want [%s]", stalled, j.ID)
	}

	got, err := s.AbortJob(ctx, j.ID, job.Failure{Message: "executor stalled"})
	if err != nil {
		t.Fatalf("AbortJob: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("aborted job status = %q", got.Status)
	}

	stalled, _ = s.ListStalledJobs(ctx, time.Hour)
	if len(stalled) != 0 {
		t.Errorf("fresh threshold should report nothing, got %d", len(stalled))
	}
}

func testAdmissionExact(t *testing.T, s store.Store) {
	ctx := context.Background()
	const limit = 5

	var admitted, denied atomic.Int32
	var wg sync.WaitGroup
	for range limit + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AdmitJob(ctx, newJob("quota"), limit)
			var ae *conductor.AdmissionError
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &ae):
				if ae.Current != limit || ae.Limit != limit {
					t.Errorf("denial current/limit = %d/%d, want %d/%d", ae.Current, ae.Limit, limit, limit)
				}
				denied.Add(1)
			default:
				t.Errorf("AdmitJob: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != limit || denied.Load() != 1 {
		t.Fatalf("admitted=%d denied=%d, want %d and 1", admitted.Load(), denied.Load(), limit)
	}
	n, _ := s.ActiveSlots(ctx, "quota")
	if n != limit {
		t.Errorf("ActiveSlots = %d, want %d", n, limit)
	}
}

func newBatch(clientID string, files, maxConcurrent int) (*batch.Batch, []*job.Job) {
	b := &batch.Batch{
		Entity:        conductor.NewEntity(),
		ID:            id.NewBatchID(),
		ClientID:      clientID,
		Name:          "nightly",
		Metadata:      map[string]string{"source": "test"},
		Status:        batch.StatusPending,
		Priority:      job.PriorityNormal,
		TotalJobs:     files,
		MaxConcurrent: maxConcurrent,
		MaxRetries:    1,
	}
	jobs := make([]*job.Job, files)
	for i := range jobs {
		jobs[i] = newJob(clientID)
		jobs[i].BatchID = b.ID
	}
	return b, jobs
}

func testAdmitBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, jobs := newBatch("batcher", 4, 3)
	if err := s.AdmitBatch(ctx, b, jobs, 4); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}

	children, err := s.ListJobs(ctx, job.ListOpts{BatchID: b.ID})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(children) != 4 {
		t.Errorf("children = %d, want 4", len(children))
	}
	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != batch.StatusPending || got.Metadata["source"] != "test" {
		t.Errorf("batch = %+v", got)
	}

	if n, _ := s.ActiveSlots(ctx, "batcher"); n != 3 {
		t.Errorf("ActiveSlots = %d, want 3 (the batch cap)", n)
	}

	// Two more slots would exceed 4.
	b2, jobs2 := newBatch("batcher", 2, 2)
	err = s.AdmitBatch(ctx, b2, jobs2, 4)
	if !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("second AdmitBatch error = %v, want admission denied", err)
	}
	if _, err := s.GetBatch(ctx, b2.ID); !errors.Is(err, conductor.ErrBatchNotFound) {
		t.Errorf("denied batch was persisted: %v", err)
	}
	if err := s.AdmitJob(ctx, newJob("batcher"), 4); err != nil {
		t.Errorf("one standalone slot should still fit: %v", err)
	}
}

func testBatchLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, jobs := newBatch("life", 2, 2)
	if err := s.AdmitBatch(ctx, b, jobs, 0); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}

	got, err := s.StartBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if got.Status != batch.StatusProcessing || got.StartedAt == nil {
		t.Errorf("started batch = %+v", got)
	}

	name := "renamed"
	got, err = s.UpdateBatch(ctx, b.ID, batch.Update{Name: &name, Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if got.Name != "renamed" || got.Metadata["k"] != "v" {
		t.Errorf("updated batch = %+v", got)
	}

	got, err = s.SaveCounts(ctx, b.ID, batch.Counts{Total: 2, Running: 1, Completed: 1})
	if err != nil {
		t.Fatalf("SaveCounts: %v", err)
	}
	if got.ProcessingJobs != 1 || got.CompletedJobs != 1 {
		t.Errorf("counts = %+v", got)
	}

	got, err = s.FinishBatch(ctx, b.ID, batch.StatusCompleted, "")
	if err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if got.Status != batch.StatusCompleted || got.ProcessingJobs != 0 || got.CompletedAt == nil {
		t.Errorf("finished batch = %+v", got)
	}
	if _, err := s.FinishBatch(ctx, b.ID, batch.StatusCancelled, ""); !errors.Is(err, conductor.ErrAlreadyTerminal) {
		t.Errorf("second FinishBatch error = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := s.SaveCounts(ctx, b.ID, batch.Counts{}); !errors.Is(err, conductor.ErrAlreadyTerminal) {
		t.Errorf("SaveCounts on terminal error = %v, want ErrAlreadyTerminal", err)
	}
}

func testBatchRetryFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, jobs := newBatch("rb", 3, 3) // MaxRetries = 1
	if err := s.AdmitBatch(ctx, b, jobs, 0); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}
	_, _ = s.StartBatch(ctx, b.ID)

	for i, j := range jobs {
		token := fmt.Sprintf("wkr_%d", i)
		_, _ = s.ClaimJob(ctx, j.ID, token)
		if i == 0 {
			_, _ = s.CompleteJob(ctx, j.ID, token, nil)
			continue
		}
		_, _ = s.FailJob(ctx, j.ID, token, job.Failure{Message: "boom"})
	}
	_, _ = s.SaveCounts(ctx, b.ID, batch.Counts{Total: 3, Completed: 1, Failed: 2})
	_, _ = s.FinishBatch(ctx, b.ID, batch.StatusCompleted, "2 of 3 jobs failed")

	got, requeued, err := s.RetryFailedJobs(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("RetryFailedJobs: %v", err)
	}
	if len(requeued) != 2 {
		t.Fatalf("requeued = %d, want 2", len(requeued))
	}
	for _, j := range requeued {
		if j.Status != job.StatusQueued || j.WorkerToken != "" {
			t.Errorf("requeued child = %+v", j)
		}
	}
	if got.Status != batch.StatusProcessing || got.RetryCount != 1 || got.CompletedAt != nil {
		t.Errorf("retried batch = %+v", got)
	}

	// Fail them again and hit the ceiling.
	for i, j := range requeued {
		token := fmt.Sprintf("wkr_r%d", i)
		_, _ = s.ClaimJob(ctx, j.ID, token)
		_, _ = s.FailJob(ctx, j.ID, token, job.Failure{Message: "boom"})
	}
	_, _ = s.FinishBatch(ctx, b.ID, batch.StatusCompleted, "2 of 3 jobs failed")

	_, _, err = s.RetryFailedJobs(ctx, b.ID, 0)
	if !errors.Is(err, conductor.ErrValidation) {
		t.Fatalf("retry beyond ceiling error = %v, want validation", err)
	}
	got, _ = s.GetBatch(ctx, b.ID)
	if got.Status != batch.StatusCompleted || got.RetryCount != 1 {
		t.Errorf("rejected retry mutated batch: %+v", got)
	}
	n, _ := s.CountJobs(ctx, job.CountOpts{ClientID: "rb", Status: job.StatusFailed})
	if n != 2 {
		t.Errorf("failed children = %d, want 2 after rejected retry", n)
	}
}

// testRetryHoldsQuota fills a limit of one with a second job while the
// first is failed; retrying the first must then be denied.
func testRetryHoldsQuota(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := newJob("rq")
	if err := s.AdmitJob(ctx, first, 1); err != nil {
		t.Fatalf("AdmitJob: %v", err)
	}
	_, _ = s.ClaimJob(ctx, first.ID, "wkr_a")
	if _, err := s.FailJob(ctx, first.ID, "wkr_a", job.Failure{Message: "boom"}); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	second := newJob("rq")
	if err := s.AdmitJob(ctx, second, 1); err != nil {
		t.Fatalf("AdmitJob after failure: %v", err)
	}

	_, err := s.RetryJob(ctx, first.ID, 1)
	var ae *conductor.AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("RetryJob at limit error = %v, want *AdmissionError", err)
	}
	if ae.Current != 1 || ae.Limit != 1 {
		t.Errorf("current/limit = %d/%d, want 1/1", ae.Current, ae.Limit)
	}
	got, _ := s.GetJob(ctx, first.ID)
	if got.Status != job.StatusFailed || got.RetryCount != 0 {
		t.Errorf("denied retry mutated job: %+v", got)
	}

	// Finishing the second job frees the slot.
	_, _ = s.ClaimJob(ctx, second.ID, "wkr_b")
	if _, err := s.CompleteJob(ctx, second.ID, "wkr_b", nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, err := s.RetryJob(ctx, first.ID, 1); err != nil {
		t.Fatalf("RetryJob with a free slot: %v", err)
	}
	if n, _ := s.ActiveSlots(ctx, "rq"); n != 1 {
		t.Errorf("ActiveSlots = %d, want 1", n)
	}
}

func testBatchRetryHoldsQuota(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, jobs := newBatch("rbq", 2, 2)
	if err := s.AdmitBatch(ctx, b, jobs, 2); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}
	_, _ = s.StartBatch(ctx, b.ID)
	for i, j := range jobs {
		token := fmt.Sprintf("wkr_%d", i)
		_, _ = s.ClaimJob(ctx, j.ID, token)
		_, _ = s.FailJob(ctx, j.ID, token, job.Failure{Message: "boom"})
	}
	_, _ = s.SaveCounts(ctx, b.ID, batch.Counts{Total: 2, Failed: 2})
	if _, err := s.FinishBatch(ctx, b.ID, batch.StatusFailed, "2 of 2 jobs failed"); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}

	// The finished batch released its cap; one standalone job takes a slot.
	if err := s.AdmitJob(ctx, newJob("rbq"), 2); err != nil {
		t.Fatalf("AdmitJob: %v", err)
	}

	_, _, err := s.RetryFailedJobs(ctx, b.ID, 2)
	if !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Fatalf("RetryFailedJobs past limit error = %v, want admission denied", err)
	}
	got, _ := s.GetBatch(ctx, b.ID)
	if got.Status != batch.StatusFailed || got.RetryCount != 0 {
		t.Errorf("denied retry mutated batch: %+v", got)
	}
	n, _ := s.CountJobs(ctx, job.CountOpts{ClientID: "rbq", Status: job.StatusFailed})
	if n != 2 {
		t.Errorf("failed children = %d, want 2 after denied retry", n)
	}

	if _, _, err := s.RetryFailedJobs(ctx, b.ID, 3); err != nil {
		t.Fatalf("RetryFailedJobs within limit: %v", err)
	}
	if n, _ := s.ActiveSlots(ctx, "rbq"); n != 3 {
		t.Errorf("ActiveSlots = %d, want 3", n)
	}
}

func testQuota(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetQuota(ctx, "nobody"); !errors.Is(err, conductor.ErrQuotaNotFound) {
		t.Errorf("GetQuota(missing) error = %v, want ErrQuotaNotFound", err)
	}

	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	q, err := s.AddUsage(ctx, "user", 1.5, jan)
	if err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if q.UsedMinutes != 1.5 {
		t.Errorf("UsedMinutes = %v, want 1.5", q.UsedMinutes)
	}
	q, _ = s.AddUsage(ctx, "user", 2, jan.Add(time.Hour))
	if q.UsedMinutes != 3.5 {
		t.Errorf("UsedMinutes = %v, want 3.5", q.UsedMinutes)
	}
	q, _ = s.AddUsage(ctx, "user", 1, jan.AddDate(0, 1, 0))
	if q.UsedMinutes != 1 {
		t.Errorf("UsedMinutes after month rollover = %v, want 1", q.UsedMinutes)
	}

	q.MaxConcurrentJobs = 7
	q.MonthlyMinutes = 600
	if err := s.PutQuota(ctx, q); err != nil {
		t.Fatalf("PutQuota: %v", err)
	}
	got, err := s.GetQuota(ctx, "user")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if got.MaxConcurrentJobs != 7 || got.MonthlyMinutes != 600 || got.UsedMinutes != 1 {
		t.Errorf("quota = %+v", got)
	}

	march := jan.AddDate(0, 2, 0)
	n, err := s.RollOverQuotas(ctx, march)
	if err != nil {
		t.Fatalf("RollOverQuotas: %v", err)
	}
	if n != 1 {
		t.Errorf("RollOverQuotas reset %d records, want 1", n)
	}
	got, _ = s.GetQuota(ctx, "user")
	if got.UsedMinutes != 0 || !got.PeriodStart.Equal(quota.PeriodOf(march)) {
		t.Errorf("after roll over = %+v", got)
	}
	if n, _ := s.RollOverQuotas(ctx, march); n != 0 {
		t.Errorf("second RollOverQuotas reset %d records, want 0", n)
	}
}
