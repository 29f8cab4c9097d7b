package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

const batchColumns = `
	id, client_id, name, description, metadata, status, priority,
	total_jobs, completed_jobs, failed_jobs, cancelled_jobs, processing_jobs,
	max_concurrent, retry_count, max_retries, started_at, completed_at,
	error_message, version, created_at, updated_at`

func (s *Store) insertBatch(ctx context.Context, q querier, b *batch.Batch) error {
	b.Version = 1
	meta, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO conductor_batches (`+batchColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		b.ID.String(), b.ClientID, b.Name, b.Description, meta, string(b.Status), string(b.Priority),
		b.TotalJobs, b.CompletedJobs, b.FailedJobs, b.CancelledJobs, b.ProcessingJobs,
		b.MaxConcurrent, b.RetryCount, b.MaxRetries, b.StartedAt, b.CompletedAt,
		b.ErrorMessage, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrBatchAlreadyExists
		}
		return fmt.Errorf("conductor/postgres: create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	return s.getBatch(ctx, s.pool, batchID, false)
}

func (s *Store) getBatch(ctx context.Context, q querier, batchID id.BatchID, forUpdate bool) (*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM conductor_batches WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(q.QueryRow(ctx, query, batchID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrBatchNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches matching opts, oldest first.
func (s *Store) ListBatches(ctx context.Context, opts batch.ListOpts) ([]*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM conductor_batches WHERE 1=1`
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
		return nil, fmt.Errorf("conductor/postgres: list batches: %w", err)
	}
	defer rows.Close()

	var out []*batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan batch row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conductor/postgres: iterate batch rows: %w", err)
	}
	return out, nil
}

// UpdateBatch applies a client edit to a non-terminal batch.
func (s *Store) UpdateBatch(ctx context.Context, batchID id.BatchID, u batch.Update) (*batch.Batch, error) {
	return s.mutateBatch(ctx, batchID, func(b *batch.Batch, now time.Time) error {
		return u.Apply(b, now)
	})
}

// StartBatch moves a pending batch to processing.
func (s *Store) StartBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	return s.mutateBatch(ctx, batchID, func(b *batch.Batch, now time.Time) error {
		return b.Start(now)
	})
}

// SaveCounts records a tally on a non-terminal batch.
func (s *Store) SaveCounts(ctx context.Context, batchID id.BatchID, c batch.Counts) (*batch.Batch, error) {
	return s.mutateBatch(ctx, batchID, func(b *batch.Batch, now time.Time) error {
		if b.Status.IsTerminal() {
			return conductor.ErrAlreadyTerminal
		}
		b.ApplyCounts(c, now)
		return nil
	})
}

// FinishBatch moves a non-terminal batch to status.
func (s *Store) FinishBatch(ctx context.Context, batchID id.BatchID, status batch.Status, msg string) (*batch.Batch, error) {
	return s.mutateBatch(ctx, batchID, func(b *batch.Batch, now time.Time) error {
		return b.Finish(status, msg, now)
	})
}

// RetryFailedJobs requeues every failed child of a batch once the batch's
// slots fit within limit. The client's advisory lock, the batch row and
// the failed child rows are held for the whole operation.
func (s *Store) RetryFailedJobs(ctx context.Context, batchID id.BatchID, limit int) (*batch.Batch, []*job.Job, error) {
	var (
		out      *batch.Batch
		requeued []*job.Job
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		owner, err := s.getBatch(ctx, tx, batchID, false)
		if err != nil {
			return err
		}
		if err := lockClient(ctx, tx, owner.ClientID); err != nil {
			return err
		}
		b, err := s.getBatch(ctx, tx, batchID, true)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+`
			FROM conductor_jobs
			WHERE batch_id = $1 AND status = 'failed'
			ORDER BY created_at ASC, id ASC
			FOR UPDATE`,
			batchID.String(),
		)
		if err != nil {
			return fmt.Errorf("conductor/postgres: select failed jobs: %w", err)
		}
		failed, err := collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}

		now := s.now()
		need := quota.BatchRetrySlots(b)
		if err := b.ResetForRetry(len(failed), now); err != nil {
			return err
		}
		current, err := s.activeSlots(ctx, tx, b.ClientID)
		if err != nil {
			return err
		}
		if err := quota.Check(b.ClientID, current, need, limit); err != nil {
			return err
		}
		for _, j := range failed {
			if err := j.Requeue(now); err != nil {
				return err
			}
			if err := s.updateJob(ctx, tx, j); err != nil {
				return err
			}
		}
		if err := s.updateBatch(ctx, tx, b); err != nil {
			return err
		}
		out, requeued = b, failed
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, requeued, nil
}

// mutateBatch locks the batch row, applies fn, and writes it back with a
// version check.
func (s *Store) mutateBatch(ctx context.Context, batchID id.BatchID, fn func(*batch.Batch, time.Time) error) (*batch.Batch, error) {
	var out *batch.Batch
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := s.getBatch(ctx, tx, batchID, true)
		if err != nil {
			return err
		}
		if err := fn(b, s.now()); err != nil {
			return err
		}
		if err := s.updateBatch(ctx, tx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) updateBatch(ctx context.Context, q querier, b *batch.Batch) error {
	meta, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE conductor_batches SET
			name = $3, description = $4, metadata = $5, status = $6, priority = $7,
			total_jobs = $8, completed_jobs = $9, failed_jobs = $10,
			cancelled_jobs = $11, processing_jobs = $12, max_concurrent = $13,
			retry_count = $14, max_retries = $15, started_at = $16,
			completed_at = $17, error_message = $18, updated_at = $19,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		b.ID.String(), b.Version, b.Name, b.Description, meta, string(b.Status), string(b.Priority),
		b.TotalJobs, b.CompletedJobs, b.FailedJobs,
		b.CancelledJobs, b.ProcessingJobs, b.MaxConcurrent,
		b.RetryCount, b.MaxRetries, b.StartedAt,
		b.CompletedAt, b.ErrorMessage, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s", conductor.ErrVersionConflict, b.ID)
	}
	b.Version++
	return nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("conductor/postgres: encode metadata: %w", err)
	}
	return string(data), nil
}

// scanBatch scans a single batch row.
func scanBatch(row pgx.Row) (*batch.Batch, error) {
	var (
		b                         batch.Batch
		batchID, status, priority string
		meta                      []byte
	)
	err := row.Scan(
		&batchID, &b.ClientID, &b.Name, &b.Description, &meta, &status, &priority,
		&b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &b.CancelledJobs, &b.ProcessingJobs,
		&b.MaxConcurrent, &b.RetryCount, &b.MaxRetries, &b.StartedAt, &b.CompletedAt,
		&b.ErrorMessage, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseBatchID(batchID)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse batch id %q: %w", batchID, err)
	}
	b.ID = parsedID
	b.Status = batch.Status(status)
	b.Priority = job.Priority(priority)
	if err := json.Unmarshal(meta, &b.Metadata); err != nil {
		return nil, fmt.Errorf("conductor/postgres: decode metadata: %w", err)
	}
	if len(b.Metadata) == 0 {
		b.Metadata = nil
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()

	return &b, nil
}
