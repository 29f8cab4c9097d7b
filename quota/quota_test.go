package quota_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

func TestCheck(t *testing.T) {
	if err := quota.Check("c", 2, 1, 3); err != nil {
		t.Fatalf("Check(2+1<=3) = %v", err)
	}
	if err := quota.Check("c", 9, 100, 0); err != nil {
		t.Fatalf("unlimited Check = %v", err)
	}

	err := quota.Check("c", 3, 1, 3)
	var ae *conductor.AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want *AdmissionError", err)
	}
	if ae.Current != 3 || ae.Limit != 3 {
		t.Errorf("current/limit = %d/%d, want 3/3", ae.Current, ae.Limit)
	}
	if !errors.Is(err, conductor.ErrAdmissionDenied) {
		t.Error("AdmissionError should match ErrAdmissionDenied")
	}
}

func TestCountSlots(t *testing.T) {
	bid := id.NewBatchID()
	jobs := []*job.Job{
		{Status: job.StatusQueued},
		{Status: job.StatusProcessing},
		{Status: job.StatusCompleted},
		{Status: job.StatusQueued, BatchID: bid},
	}
	batches := []*batch.Batch{
		{ID: bid, Status: batch.StatusProcessing, MaxConcurrent: 3},
		{Status: batch.StatusCompleted, MaxConcurrent: 5},
	}
	if got := quota.CountSlots(jobs, batches); got != 5 {
		t.Errorf("CountSlots = %d, want 5", got)
	}
}

func TestRollOver(t *testing.T) {
	q := &quota.Quota{UsedMinutes: 42, PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	if q.RollOver(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)) {
		t.Error("same month should not roll over")
	}
	if !q.RollOver(time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC)) {
		t.Fatal("new month should roll over")
	}
	if q.UsedMinutes != 0 || q.PeriodStart.Month() != time.February {
		t.Errorf("unexpected quota after rollover: %+v", q)
	}
}

func TestLimitFallback(t *testing.T) {
	var q *quota.Quota
	if q.Limit(7) != 7 {
		t.Error("nil quota should use default")
	}
	q = &quota.Quota{MaxConcurrentJobs: 2}
	if q.Limit(7) != 2 {
		t.Error("explicit quota should win")
	}
}

func TestAllowanceFallback(t *testing.T) {
	var q *quota.Quota
	if q.Allowance(60) != 60 {
		t.Error("nil quota should use default")
	}
	if q.MinutesExhausted(60) {
		t.Error("nil quota has no usage")
	}

	q = &quota.Quota{UsedMinutes: 5}
	if !q.MinutesExhausted(1) {
		t.Error("usage past the default allowance should be exhausted")
	}
	if q.MinutesExhausted(0) {
		t.Error("zero default should be unlimited")
	}

	q.MonthlyMinutes = 10
	if q.Allowance(1) != 10 || q.MinutesExhausted(1) {
		t.Errorf("explicit allowance should win: %+v", q)
	}
}
