// Package memory provides an in-memory implementation of store.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle in tests), so we verify each
// subsystem.
var (
	_ job.Store   = (*Store)(nil)
	_ batch.Store = (*Store)(nil)
	_ quota.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	batches map[string]*batch.Batch
	quotas  map[string]*quota.Quota

	now func() time.Time
}

// Option configures a memory Store.
type Option func(*Store)

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		jobs:    make(map[string]*job.Job),
		batches: make(map[string]*batch.Batch),
		quotas:  make(map[string]*quota.Quota),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertJobLocked(j)
}

func (m *Store) insertJobLocked(j *job.Job) error {
	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conductor.ErrJobAlreadyExists
	}
	cp := j.Clone()
	cp.Version = 1
	m.jobs[key] = cp
	j.Version = 1
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conductor.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns jobs matching opts, oldest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if !matchJob(j, opts.ClientID, opts.Status) {
			continue
		}
		if !opts.BatchID.IsNil() && j.BatchID.String() != opts.BatchID.String() {
			continue
		}
		out = append(out, j.Clone())
	}
	sortJobs(out)
	return paginate(out, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if matchJob(j, opts.ClientID, opts.Status) {
			n++
		}
	}
	return n, nil
}

// ClaimJob sets the worker token on a queued job.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, token string) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.Claim(token, now)
	})
}

// UpdateProgress records progress from the claim owner.
func (m *Store) UpdateProgress(_ context.Context, jobID id.JobID, token string, p job.Progress) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.ApplyProgress(token, p, now)
	})
}

// CompleteJob finishes a job owned by token.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, token string, met *job.Metrics) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.Complete(token, met, now)
	})
}

// FailJob fails a job owned by token.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, token string, f job.Failure) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.Fail(token, f, now)
	})
}

// AbortJob fails a non-terminal job without a token.
func (m *Store) AbortJob(_ context.Context, jobID id.JobID, f job.Failure) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.Abort(f, now)
	})
}

// CancelJob cancels a non-terminal job.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	return m.mutateJob(jobID, func(j *job.Job, now time.Time) error {
		return j.Cancel(now)
	})
}

// RetryJob returns a failed job to the queue once its slot fits within
// limit. The count and the transition happen under one lock.
func (m *Store) RetryJob(_ context.Context, jobID id.JobID, limit int) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	cur, ok := m.jobs[key]
	if !ok {
		return nil, conductor.ErrJobNotFound
	}
	next := cur.Clone()
	if err := next.Retry(m.now()); err != nil {
		return nil, err
	}
	if err := quota.Check(cur.ClientID, m.activeSlotsLocked(cur.ClientID), quota.RetrySlots(cur), limit); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	m.jobs[key] = next
	return next.Clone(), nil
}

// DeleteJob removes a queued, unclaimed job.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return conductor.ErrJobNotFound
	}
	if j.Status != job.StatusQueued || j.WorkerToken != "" {
		return fmt.Errorf("%w: job %s is %s", conductor.ErrInvalidState, jobID, j.Status)
	}
	delete(m.jobs, key)
	return nil
}

// ListStalledJobs returns processing jobs not updated within threshold.
func (m *Store) ListStalledJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-threshold)
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

// mutateJob applies fn to the stored job under the write lock. The stored
// record is only replaced when fn succeeds.
func (m *Store) mutateJob(jobID id.JobID, fn func(*job.Job, time.Time) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	cur, ok := m.jobs[key]
	if !ok {
		return nil, conductor.ErrJobNotFound
	}
	next := cur.Clone()
	if err := fn(next, m.now()); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	m.jobs[key] = next
	return next.Clone(), nil
}

// ──────────────────────────────────────────────────
// Batch Store
// ──────────────────────────────────────────────────

// GetBatch retrieves a batch by ID.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[batchID.String()]
	if !ok {
		return nil, conductor.ErrBatchNotFound
	}
	return b.Clone(), nil
}

// ListBatches returns batches matching opts, oldest first.
func (m *Store) ListBatches(_ context.Context, opts batch.ListOpts) ([]*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*batch.Batch
	for _, b := range m.batches {
		if opts.ClientID != "" && b.ClientID != opts.ClientID {
			continue
		}
		if opts.Status != "" && b.Status != opts.Status {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// UpdateBatch applies a client edit to a non-terminal batch.
func (m *Store) UpdateBatch(_ context.Context, batchID id.BatchID, u batch.Update) (*batch.Batch, error) {
	return m.mutateBatch(batchID, func(b *batch.Batch, now time.Time) error {
		return u.Apply(b, now)
	})
}

// StartBatch moves a pending batch to processing.
func (m *Store) StartBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	return m.mutateBatch(batchID, func(b *batch.Batch, now time.Time) error {
		return b.Start(now)
	})
}

// SaveCounts records a tally on a non-terminal batch.
func (m *Store) SaveCounts(_ context.Context, batchID id.BatchID, c batch.Counts) (*batch.Batch, error) {
	return m.mutateBatch(batchID, func(b *batch.Batch, now time.Time) error {
		if b.Status.IsTerminal() {
			return conductor.ErrAlreadyTerminal
		}
		b.ApplyCounts(c, now)
		return nil
	})
}

// FinishBatch moves a non-terminal batch to status.
func (m *Store) FinishBatch(_ context.Context, batchID id.BatchID, status batch.Status, msg string) (*batch.Batch, error) {
	return m.mutateBatch(batchID, func(b *batch.Batch, now time.Time) error {
		return b.Finish(status, msg, now)
	})
}

// RetryFailedJobs requeues every failed child of a batch once the batch's
// slots fit within limit.
func (m *Store) RetryFailedJobs(_ context.Context, batchID id.BatchID, limit int) (*batch.Batch, []*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.batches[batchID.String()]
	if !ok {
		return nil, nil, conductor.ErrBatchNotFound
	}

	var failed []*job.Job
	for _, j := range m.jobs {
		if j.BatchID.String() == batchID.String() && j.Status == job.StatusFailed {
			failed = append(failed, j)
		}
	}

	now := m.now()
	next := cur.Clone()
	if err := next.ResetForRetry(len(failed), now); err != nil {
		return nil, nil, err
	}
	if err := quota.Check(cur.ClientID, m.activeSlotsLocked(cur.ClientID), quota.BatchRetrySlots(cur), limit); err != nil {
		return nil, nil, err
	}

	requeued := make([]*job.Job, 0, len(failed))
	for _, j := range failed {
		cp := j.Clone()
		if err := cp.Requeue(now); err != nil {
			return nil, nil, err
		}
		cp.Version = j.Version + 1
		requeued = append(requeued, cp)
	}
	for _, j := range requeued {
		m.jobs[j.ID.String()] = j
	}
	next.Version = cur.Version + 1
	m.batches[batchID.String()] = next

	out := make([]*job.Job, len(requeued))
	for i, j := range requeued {
		out[i] = j.Clone()
	}
	sortJobs(out)
	return next.Clone(), out, nil
}

func (m *Store) mutateBatch(batchID id.BatchID, fn func(*batch.Batch, time.Time) error) (*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := batchID.String()
	cur, ok := m.batches[key]
	if !ok {
		return nil, conductor.ErrBatchNotFound
	}
	next := cur.Clone()
	if err := fn(next, m.now()); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	m.batches[key] = next
	return next.Clone(), nil
}

// ──────────────────────────────────────────────────
// Quota Store
// ──────────────────────────────────────────────────

// GetQuota retrieves a client's quota record.
func (m *Store) GetQuota(_ context.Context, clientID string) (*quota.Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotas[clientID]
	if !ok {
		return nil, conductor.ErrQuotaNotFound
	}
	cp := *q
	return &cp, nil
}

// PutQuota creates or replaces a client's quota record.
func (m *Store) PutQuota(_ context.Context, q *quota.Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *q
	if cp.PeriodStart.IsZero() {
		cp.PeriodStart = quota.PeriodOf(m.now())
	}
	cp.UpdatedAt = m.now()
	m.quotas[q.ClientID] = &cp
	return nil
}

// AddUsage adds processing minutes to the client's current period.
func (m *Store) AddUsage(_ context.Context, clientID string, minutes float64, now time.Time) (*quota.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[clientID]
	if !ok {
		q = &quota.Quota{ClientID: clientID, PeriodStart: quota.PeriodOf(now)}
		m.quotas[clientID] = q
	}
	q.RollOver(now)
	q.UsedMinutes += minutes
	q.UpdatedAt = now
	cp := *q
	return &cp, nil
}

// RollOverQuotas resets usage on records from an earlier month.
func (m *Store) RollOverQuotas(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, q := range m.quotas {
		if q.RollOver(now) {
			n++
		}
	}
	return n, nil
}

// ActiveSlots returns the slots the client currently holds.
func (m *Store) ActiveSlots(_ context.Context, clientID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSlotsLocked(clientID), nil
}

// AdmitJob counts the client's slots and inserts j under one lock.
func (m *Store) AdmitJob(_ context.Context, j *job.Job, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := quota.Check(j.ClientID, m.activeSlotsLocked(j.ClientID), 1, limit); err != nil {
		return err
	}
	return m.insertJobLocked(j)
}

// AdmitBatch counts the client's slots and inserts b and its children
// under one lock.
func (m *Store) AdmitBatch(_ context.Context, b *batch.Batch, jobs []*job.Job, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := quota.Check(b.ClientID, m.activeSlotsLocked(b.ClientID), quota.Slots(b), limit); err != nil {
		return err
	}
	if _, exists := m.batches[b.ID.String()]; exists {
		return conductor.ErrBatchAlreadyExists
	}
	for _, j := range jobs {
		if _, exists := m.jobs[j.ID.String()]; exists {
			return conductor.ErrJobAlreadyExists
		}
	}

	cp := b.Clone()
	cp.Version = 1
	m.batches[b.ID.String()] = cp
	b.Version = 1
	for _, j := range jobs {
		if err := m.insertJobLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (m *Store) activeSlotsLocked(clientID string) int {
	var jobs []*job.Job
	for _, j := range m.jobs {
		if j.ClientID == clientID {
			jobs = append(jobs, j)
		}
	}
	var batches []*batch.Batch
	for _, b := range m.batches {
		if b.ClientID == clientID {
			batches = append(batches, b)
		}
	}
	return quota.CountSlots(jobs, batches)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func matchJob(j *job.Job, clientID string, status job.Status) bool {
	if clientID != "" && j.ClientID != clientID {
		return false
	}
	if status != "" && j.Status != status {
		return false
	}
	return true
}

func sortJobs(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
