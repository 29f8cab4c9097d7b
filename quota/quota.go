// Package quota defines per-client quotas and the atomic admission
// operations that enforce them.
package quota

import (
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
)

// Quota is a client's allowance.
type Quota struct {
	ClientID string `json:"client_id"`
	// MaxConcurrentJobs is the number of active slots the client may hold.
	// Zero or less means the engine default applies.
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	// MonthlyMinutes is the processing-minute allowance. Zero or less
	// means the engine default applies.
	MonthlyMinutes float64   `json:"monthly_minutes"`
	UsedMinutes    float64   `json:"used_minutes"`
	PeriodStart    time.Time `json:"period_start"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PeriodOf returns the first instant of the UTC month containing t.
func PeriodOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RollOver resets usage when now falls in a later month than the current
// period. It reports whether a reset happened.
func (q *Quota) RollOver(now time.Time) bool {
	p := PeriodOf(now)
	if !q.PeriodStart.Before(p) {
		return false
	}
	q.PeriodStart = p
	q.UsedMinutes = 0
	q.UpdatedAt = now
	return true
}

// Allowance returns the monthly minute allowance, falling back to def.
// A result of zero or less is unlimited.
func (q *Quota) Allowance(def float64) float64 {
	if q == nil || q.MonthlyMinutes <= 0 {
		return def
	}
	return q.MonthlyMinutes
}

// MinutesExhausted reports whether the monthly allowance, or def when the
// record sets none, is used up.
func (q *Quota) MinutesExhausted(def float64) bool {
	if q == nil {
		return false
	}
	allowance := q.Allowance(def)
	return allowance > 0 && q.UsedMinutes >= allowance
}

// Limit returns the concurrency limit, falling back to def.
func (q *Quota) Limit(def int) int {
	if q == nil || q.MaxConcurrentJobs <= 0 {
		return def
	}
	return q.MaxConcurrentJobs
}

// Slots is the number of concurrency slots a submission occupies: one for
// a standalone job, the concurrency cap for a batch.
func Slots(b *batch.Batch) int {
	if b == nil {
		return 1
	}
	return b.MaxConcurrent
}

// RetrySlots is the number of slots retrying j takes back: one for a
// standalone job that is no longer active, none for a batch child, whose
// batch accounts for it.
func RetrySlots(j *job.Job) int {
	if j.BatchID.IsNil() && !j.Active() {
		return 1
	}
	return 0
}

// BatchRetrySlots is the number of slots retrying b takes back. A finished
// batch re-enters the active set with its concurrency cap; a batch that is
// still running holds it already.
func BatchRetrySlots(b *batch.Batch) int {
	if b.Status.IsTerminal() {
		return Slots(b)
	}
	return 0
}

// Check returns an *conductor.AdmissionError when taking need more slots
// on top of current would exceed limit. A limit of zero or less is
// unlimited, and taking no slots always fits.
func Check(clientID string, current, need, limit int) error {
	if limit <= 0 || need <= 0 || current+need <= limit {
		return nil
	}
	return &conductor.AdmissionError{ClientID: clientID, Current: current, Limit: limit}
}

// CountSlots computes active slots from a client's jobs and batches:
// every non-terminal standalone job holds one slot and every non-terminal
// batch holds its concurrency cap. Stores with a query language compute
// the same figure in SQL.
func CountSlots(jobs []*job.Job, batches []*batch.Batch) int {
	n := 0
	for _, j := range jobs {
		if j.BatchID.IsNil() && j.Active() {
			n++
		}
	}
	for _, b := range batches {
		if !b.Status.IsTerminal() {
			n += b.MaxConcurrent
		}
	}
	return n
}
