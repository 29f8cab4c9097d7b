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
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

const batchesTable = "conductor_batches"

var batchColumns = []string{
	"id", "client_id", "name", "description", "metadata", "status", "priority",
	"total_jobs", "completed_jobs", "failed_jobs", "cancelled_jobs", "processing_jobs",
	"max_concurrent", "retry_count", "max_retries", "started_at", "completed_at",
	"error_message", "version", "created_at", "updated_at",
}

func (s *Store) insertBatch(ctx context.Context, q querier, b *batch.Batch) error {
	b.Version = 1
	vals, err := batchValues(b)
	if err != nil {
		return err
	}
	query, args, err := s.sq.Insert(batchesTable).Columns(batchColumns...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: build insert batch: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrBatchAlreadyExists
		}
		return fmt.Errorf("conductor/sqlite: create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	return s.getBatch(ctx, s.db, batchID)
}

func (s *Store) getBatch(ctx context.Context, q querier, batchID id.BatchID) (*batch.Batch, error) {
	query, args, err := s.sq.Select(batchColumns...).From(batchesTable).
		Where(sq.Eq{"id": batchID.String()}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: build get batch: %w", err)
	}
	b, err := scanBatch(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conductor.ErrBatchNotFound
		}
		return nil, fmt.Errorf("conductor/sqlite: get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches matching opts, oldest first.
func (s *Store) ListBatches(ctx context.Context, opts batch.ListOpts) ([]*batch.Batch, error) {
	b := s.sq.Select(batchColumns...).From(batchesTable).OrderBy("created_at ASC", "id ASC")
	if opts.ClientID != "" {
		b = b.Where(sq.Eq{"client_id": opts.ClientID})
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

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: build list batches: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: list batches: %w", err)
	}
	defer rows.Close()

	var out []*batch.Batch
	for rows.Next() {
		bt, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/sqlite: scan batch: %w", err)
		}
		out = append(out, bt)
	}
	return out, rows.Err()
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

// RetryFailedJobs requeues every failed child of a batch in one
// transaction, once the batch's slots fit within limit.
func (s *Store) RetryFailedJobs(ctx context.Context, batchID id.BatchID, limit int) (*batch.Batch, []*job.Job, error) {
	var (
		out      *batch.Batch
		requeued []*job.Job
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := s.getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		failed, err := s.queryJobs(ctx, tx, s.sq.Select(jobColumns...).From(jobsTable).
			Where(sq.Eq{"batch_id": batchID.String(), "status": string(job.StatusFailed)}).
			OrderBy("created_at ASC", "id ASC"))
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

func (s *Store) mutateBatch(ctx context.Context, batchID id.BatchID, fn func(*batch.Batch, time.Time) error) (*batch.Batch, error) {
	var out *batch.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := s.getBatch(ctx, tx, batchID)
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
	vals, err := batchValues(b)
	if err != nil {
		return err
	}
	ub := s.sq.Update(batchesTable)
	for i, col := range batchColumns {
		switch col {
		case "id", "client_id", "created_at", "version":
			continue
		}
		ub = ub.Set(col, vals[i])
	}
	ub = ub.Set("version", b.Version+1).
		Where(sq.Eq{"id": b.ID.String(), "version": b.Version})

	query, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: build update batch: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conductor/sqlite: update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %s", conductor.ErrVersionConflict, b.ID)
	}
	b.Version++
	return nil
}

func batchValues(b *batch.Batch) ([]any, error) {
	meta := b.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: encode metadata: %w", err)
	}
	return []any{
		b.ID.String(), b.ClientID, b.Name, b.Description, string(metaJSON), string(b.Status),
		string(b.Priority), b.TotalJobs, b.CompletedJobs, b.FailedJobs, b.CancelledJobs,
		b.ProcessingJobs, b.MaxConcurrent, b.RetryCount, b.MaxRetries,
		formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt), b.ErrorMessage, b.Version,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	}, nil
}

func scanBatch(row rowScanner) (*batch.Batch, error) {
	var (
		b                      batch.Batch
		batchID, meta          string
		status, priority       string
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(
		&batchID, &b.ClientID, &b.Name, &b.Description, &meta, &status, &priority,
		&b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &b.CancelledJobs, &b.ProcessingJobs,
		&b.MaxConcurrent, &b.RetryCount, &b.MaxRetries, &startedAt, &completedAt,
		&b.ErrorMessage, &b.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if b.ID, err = id.ParseBatchID(batchID); err != nil {
		return nil, err
	}
	b.Status = batch.Status(status)
	b.Priority = job.Priority(priority)
	if err := json.Unmarshal([]byte(meta), &b.Metadata); err != nil {
		return nil, err
	}
	if len(b.Metadata) == 0 {
		b.Metadata = nil
	}
	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
