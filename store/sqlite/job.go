package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

const jobsTable = "conductor_jobs"

var jobColumns = []string{
	"id", "batch_id", "client_id", "status", "priority", "input_ref", "output_ref",
	"operation", "progress", "stage", "fps", "eta_seconds", "started_at", "completed_at",
	"error_message", "error_detail", "retry_count", "max_retries", "worker_token",
	"webhook_url", "webhook_events", "metrics", "version", "created_at", "updated_at",
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	return s.insertJob(ctx, s.db, j)
}

func (s *Store) insertJob(ctx context.Context, q querier, j *job.Job) error {
	j.Version = 1
	vals, err := jobValues(j)
	if err != nil {
		return err
	}
	query, args, err := s.sq.Insert(jobsTable).Columns(jobColumns...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: build insert job: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conductor/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *Store) getJob(ctx context.Context, q querier, jobID id.JobID) (*job.Job, error) {
	query, args, err := s.sq.Select(jobColumns...).From(jobsTable).
		Where(sq.Eq{"id": jobID.String()}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: build get job: %w", err)
	}
	j, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conductor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conductor/sqlite: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching opts, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	b := s.sq.Select(jobColumns...).From(jobsTable).OrderBy("created_at ASC", "id ASC")
	if opts.ClientID != "" {
		b = b.Where(sq.Eq{"client_id": opts.ClientID})
	}
	if !opts.BatchID.IsNil() {
		b = b.Where(sq.Eq{"batch_id": opts.BatchID.String()})
	}
	if opts.Status != "" {
		b = b.Where(sq.Eq{"status": string(opts.Status)})
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			b = b.Limit(1<<62 - 1)
		}
		b = b.Offset(uint64(opts.Offset))
	}
	return s.queryJobs(ctx, s.db, b)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	b := s.sq.Select("COUNT(*)").From(jobsTable)
	if opts.ClientID != "" {
		b = b.Where(sq.Eq{"client_id": opts.ClientID})
	}
	if opts.Status != "" {
		b = b.Where(sq.Eq{"status": string(opts.Status)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("conductor/sqlite: build count jobs: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("conductor/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// ClaimJob sets the worker token on a queued job.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, token string) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.Claim(token, now)
	})
}

// UpdateProgress records progress from the claim owner.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, token string, p job.Progress) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.ApplyProgress(token, p, now)
	})
}

// CompleteJob finishes a job owned by token.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token string, m *job.Metrics) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.Complete(token, m, now)
	})
}

// FailJob fails a job owned by token.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token string, f job.Failure) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.Fail(token, f, now)
	})
}

// AbortJob fails a non-terminal job without a token.
func (s *Store) AbortJob(ctx context.Context, jobID id.JobID, f job.Failure) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.Abort(f, now)
	})
}

// CancelJob cancels a non-terminal job.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.mutateJob(ctx, jobID, func(j *job.Job, now time.Time) error {
		return j.Cancel(now)
	})
}

// RetryJob returns a failed job to the queue once its slot fits within
// limit. The count and the write share one immediate transaction.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, limit int) (*job.Job, error) {
	var out *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		need := quota.RetrySlots(j)
		if err := j.Retry(s.now()); err != nil {
			return err
		}
		current, err := s.activeSlots(ctx, tx, j.ClientID)
		if err != nil {
			return err
		}
		if err := quota.Check(j.ClientID, current, need, limit); err != nil {
			return err
		}
		if err := s.updateJob(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob removes a queued, unclaimed job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != job.StatusQueued || j.WorkerToken != "" {
			return fmt.Errorf("%w: job %s is %s", conductor.ErrInvalidState, jobID, j.Status)
		}
		query, args, err := s.sq.Delete(jobsTable).
			Where(sq.Eq{"id": jobID.String(), "version": j.Version}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("conductor/sqlite: delete job: %w", err)
		}
		return nil
	})
}

// ListStalledJobs returns processing jobs not updated within threshold.
func (s *Store) ListStalledJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := formatTime(s.now().Add(-threshold))
	b := s.sq.Select(jobColumns...).From(jobsTable).
		Where(sq.Eq{"status": string(job.StatusProcessing)}).
		Where(sq.Lt{"updated_at": cutoff}).
		OrderBy("updated_at ASC")
	return s.queryJobs(ctx, s.db, b)
}

// mutateJob reads a job, applies fn, and writes it back with a version
// check inside one immediate transaction.
func (s *Store) mutateJob(ctx context.Context, jobID id.JobID, fn func(*job.Job, time.Time) error) (*job.Job, error) {
	var out *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(j, s.now()); err != nil {
			return err
		}
		if err := s.updateJob(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// updateJob writes every mutable column when the stored version still
// matches j.Version, then advances j.Version.
func (s *Store) updateJob(ctx context.Context, q querier, j *job.Job) error {
	vals, err := jobValues(j)
	if err != nil {
		return err
	}
	b := s.sq.Update(jobsTable)
	for i, col := range jobColumns {
		switch col {
		case "id", "created_at", "version":
			continue
		}
		b = b.Set(col, vals[i])
	}
	b = b.Set("version", j.Version+1).
		Where(sq.Eq{"id": j.ID.String(), "version": j.Version})

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: build update job: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conductor/sqlite: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", conductor.ErrVersionConflict, j.ID)
	}
	j.Version++
	return nil
}

func (s *Store) queryJobs(ctx context.Context, q querier, b sq.SelectBuilder) ([]*job.Job, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: build list jobs: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/sqlite: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ──────────────────────────────────────────────────
// Row mapping
// ──────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func jobValues(j *job.Job) ([]any, error) {
	events, err := json.Marshal(j.WebhookEvents)
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: encode webhook events: %w", err)
	}
	var metrics any
	if j.Metrics != nil {
		b, err := json.Marshal(j.Metrics)
		if err != nil {
			return nil, fmt.Errorf("conductor/sqlite: encode metrics: %w", err)
		}
		metrics = string(b)
	}
	batchID, _ := j.BatchID.Value()
	return []any{
		j.ID.String(), batchID, j.ClientID, string(j.Status), string(j.Priority),
		j.InputRef, j.OutputRef, nullRaw(j.Operation), j.Progress, j.Stage,
		nullFloat(j.FPS), nullInt(j.ETASeconds), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
		j.ErrorMessage, nullRaw(j.ErrorDetail), j.RetryCount, j.MaxRetries, j.WorkerToken,
		j.WebhookURL, string(events), metrics, j.Version, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	}, nil
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                       job.Job
		jobID, status, priority string
		batchID                 sql.NullString
		operation, errDetail    sql.NullString
		metrics                 sql.NullString
		fps                     sql.NullFloat64
		eta                     sql.NullInt64
		startedAt, completedAt  sql.NullString
		events                  string
		createdAt, updatedAt    string
	)
	err := row.Scan(
		&jobID, &batchID, &j.ClientID, &status, &priority, &j.InputRef, &j.OutputRef,
		&operation, &j.Progress, &j.Stage, &fps, &eta, &startedAt, &completedAt,
		&j.ErrorMessage, &errDetail, &j.RetryCount, &j.MaxRetries, &j.WorkerToken,
		&j.WebhookURL, &events, &metrics, &j.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if j.ID, err = id.ParseJobID(jobID); err != nil {
		return nil, err
	}
	if batchID.Valid && batchID.String != "" {
		if j.BatchID, err = id.ParseBatchID(batchID.String); err != nil {
			return nil, err
		}
	}
	j.Status = job.Status(status)
	j.Priority = job.Priority(priority)
	if operation.Valid {
		j.Operation = json.RawMessage(operation.String)
	}
	if errDetail.Valid {
		j.ErrorDetail = json.RawMessage(errDetail.String)
	}
	if fps.Valid {
		v := fps.Float64
		j.FPS = &v
	}
	if eta.Valid {
		v := eta.Int64
		j.ETASeconds = &v
	}
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &j.WebhookEvents); err != nil {
		return nil, err
	}
	if metrics.Valid {
		j.Metrics = new(job.Metrics)
		if err := json.Unmarshal([]byte(metrics.String), j.Metrics); err != nil {
			return nil, err
		}
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
