package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

const jobColumns = `
	id, batch_id, client_id, status, priority, input_ref, output_ref, operation,
	progress, stage, fps, eta_seconds, started_at, completed_at,
	error_message, error_detail, retry_count, max_retries, worker_token,
	webhook_url, webhook_events, metrics, version, created_at, updated_at`

// CreateJob persists a new queued job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	return s.insertJob(ctx, s.pool, j)
}

func (s *Store) insertJob(ctx context.Context, q querier, j *job.Job) error {
	j.Version = 1
	events, metrics, err := encodeJobJSON(j)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO conductor_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25
		)`,
		j.ID.String(), batchArg(j.BatchID), j.ClientID, string(j.Status), string(j.Priority),
		j.InputRef, j.OutputRef, jsonArg(j.Operation),
		j.Progress, j.Stage, j.FPS, j.ETASeconds, j.StartedAt, j.CompletedAt,
		j.ErrorMessage, jsonArg(j.ErrorDetail), j.RetryCount, j.MaxRetries, j.WorkerToken,
		j.WebhookURL, events, metrics, j.Version, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conductor/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJob(ctx, s.pool, jobID, false)
}

func (s *Store) getJob(ctx context.Context, q querier, jobID id.JobID, forUpdate bool) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conductor_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, query, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching opts, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conductor_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", argIdx)
		args = append(args, opts.ClientID)
		argIdx++
	}
	if !opts.BatchID.IsNil() {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, opts.BatchID.String())
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conductor_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", argIdx)
		args = append(args, opts.ClientID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conductor/postgres: count jobs: %w", err)
	}
	return count, nil
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
// limit. The owner is read first so that the client's advisory lock is
// taken before the row lock, in the same order as admission.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, limit int) (*job.Job, error) {
	var out *job.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		owner, err := s.getJob(ctx, tx, jobID, false)
		if err != nil {
			return err
		}
		if err := lockClient(ctx, tx, owner.ClientID); err != nil {
			return err
		}
		j, err := s.getJob(ctx, tx, jobID, true)
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
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conductor_jobs
		WHERE id = $1 AND status = 'queued' AND worker_token = ''`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", conductor.ErrInvalidState, jobID, j.Status)
}

// ListStalledJobs returns processing jobs not updated within threshold.
func (s *Store) ListStalledJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conductor_jobs
		WHERE status = 'processing'
		  AND updated_at < $1
		ORDER BY updated_at ASC`,
		s.now().Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list stalled jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// mutateJob locks the job row, applies fn, and writes it back with a
// version check.
func (s *Store) mutateJob(ctx context.Context, jobID id.JobID, fn func(*job.Job, time.Time) error) (*job.Job, error) {
	var out *job.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := s.getJob(ctx, tx, jobID, true)
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

func (s *Store) updateJob(ctx context.Context, q querier, j *job.Job) error {
	events, metrics, err := encodeJobJSON(j)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE conductor_jobs SET
			status = $3, priority = $4, operation = $5, progress = $6,
			stage = $7, fps = $8, eta_seconds = $9, started_at = $10,
			completed_at = $11, error_message = $12, error_detail = $13,
			retry_count = $14, max_retries = $15, worker_token = $16,
			webhook_url = $17, webhook_events = $18, metrics = $19,
			updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $2`,
		j.ID.String(), j.Version, string(j.Status), string(j.Priority), jsonArg(j.Operation), j.Progress,
		j.Stage, j.FPS, j.ETASeconds, j.StartedAt,
		j.CompletedAt, j.ErrorMessage, jsonArg(j.ErrorDetail),
		j.RetryCount, j.MaxRetries, j.WorkerToken,
		j.WebhookURL, events, metrics,
		j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", conductor.ErrVersionConflict, j.ID)
	}
	j.Version++
	return nil
}

// ── Row mapping ─────────────────────────────────────────────────

func encodeJobJSON(j *job.Job) (events string, metrics any, err error) {
	evs := j.WebhookEvents
	if evs == nil {
		evs = []job.WebhookEvent{}
	}
	b, err := json.Marshal(evs)
	if err != nil {
		return "", nil, fmt.Errorf("conductor/postgres: encode webhook events: %w", err)
	}
	if j.Metrics != nil {
		m, err := json.Marshal(j.Metrics)
		if err != nil {
			return "", nil, fmt.Errorf("conductor/postgres: encode metrics: %w", err)
		}
		metrics = string(m)
	}
	return string(b), metrics, nil
}

func batchArg(batchID id.BatchID) any {
	if batchID.IsNil() {
		return nil
	}
	return batchID.String()
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                       job.Job
		jobID, status, priority string
		batchID                 *string
		operation, errDetail    []byte
		events, metrics         []byte
	)
	err := row.Scan(
		&jobID, &batchID, &j.ClientID, &status, &priority, &j.InputRef, &j.OutputRef, &operation,
		&j.Progress, &j.Stage, &j.FPS, &j.ETASeconds, &j.StartedAt, &j.CompletedAt,
		&j.ErrorMessage, &errDetail, &j.RetryCount, &j.MaxRetries, &j.WorkerToken,
		&j.WebhookURL, &events, &metrics, &j.Version, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(jobID)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse job id %q: %w", jobID, err)
	}
	j.ID = parsedID

	if batchID != nil && *batchID != "" {
		if j.BatchID, err = id.ParseBatchID(*batchID); err != nil {
			return nil, fmt.Errorf("conductor/postgres: parse batch id %q: %w", *batchID, err)
		}
	}
	j.Status = job.Status(status)
	j.Priority = job.Priority(priority)
	if len(operation) > 0 {
		j.Operation = json.RawMessage(operation)
	}
	if len(errDetail) > 0 {
		j.ErrorDetail = json.RawMessage(errDetail)
	}
	if err := json.Unmarshal(events, &j.WebhookEvents); err != nil {
		return nil, fmt.Errorf("conductor/postgres: decode webhook events: %w", err)
	}
	if len(j.WebhookEvents) == 0 {
		j.WebhookEvents = nil
	}
	if len(metrics) > 0 {
		j.Metrics = new(job.Metrics)
		if err := json.Unmarshal(metrics, j.Metrics); err != nil {
			return nil, fmt.Errorf("conductor/postgres: decode metrics: %w", err)
		}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
