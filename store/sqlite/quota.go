package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

const quotasTable = "conductor_quotas"

// GetQuota retrieves a client's quota record.
func (s *Store) GetQuota(ctx context.Context, clientID string) (*quota.Quota, error) {
	return s.getQuota(ctx, s.db, clientID)
}

func (s *Store) getQuota(ctx context.Context, q querier, clientID string) (*quota.Quota, error) {
	query, args, err := s.sq.Select("client_id", "max_concurrent_jobs", "monthly_minutes",
		"used_minutes", "period_start", "updated_at").
		From(quotasTable).Where(sq.Eq{"client_id": clientID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: build get quota: %w", err)
	}
	var (
		qt                quota.Quota
		period, updatedAt string
	)
	err = q.QueryRowContext(ctx, query, args...).Scan(
		&qt.ClientID, &qt.MaxConcurrentJobs, &qt.MonthlyMinutes, &qt.UsedMinutes, &period, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conductor.ErrQuotaNotFound
		}
		return nil, fmt.Errorf("conductor/sqlite: get quota: %w", err)
	}
	if qt.PeriodStart, err = parseTime(period); err != nil {
		return nil, err
	}
	if qt.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &qt, nil
}

// PutQuota creates or replaces a client's quota record.
func (s *Store) PutQuota(ctx context.Context, q *quota.Quota) error {
	return s.putQuota(ctx, s.db, q)
}

func (s *Store) putQuota(ctx context.Context, qr querier, q *quota.Quota) error {
	now := s.now()
	if q.PeriodStart.IsZero() {
		q.PeriodStart = quota.PeriodOf(now)
	}
	q.UpdatedAt = now
	query, args, err := s.sq.Insert(quotasTable).
		Columns("client_id", "max_concurrent_jobs", "monthly_minutes", "used_minutes", "period_start", "updated_at").
		Values(q.ClientID, q.MaxConcurrentJobs, q.MonthlyMinutes, q.UsedMinutes,
			formatTime(q.PeriodStart), formatTime(q.UpdatedAt)).
		Suffix(`ON CONFLICT (client_id) DO UPDATE SET
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			monthly_minutes = excluded.monthly_minutes,
			used_minutes = excluded.used_minutes,
			period_start = excluded.period_start,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("conductor/sqlite: build put quota: %w", err)
	}
	if _, err := qr.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("conductor/sqlite: put quota: %w", err)
	}
	return nil
}

// AddUsage adds processing minutes to the client's current period.
func (s *Store) AddUsage(ctx context.Context, clientID string, minutes float64, now time.Time) (*quota.Quota, error) {
	var out *quota.Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q, err := s.getQuota(ctx, tx, clientID)
		switch {
		case errors.Is(err, conductor.ErrQuotaNotFound):
			q = &quota.Quota{ClientID: clientID, PeriodStart: quota.PeriodOf(now)}
		case err != nil:
			return err
		}
		q.RollOver(now)
		q.UsedMinutes += minutes
		if err := s.putQuota(ctx, tx, q); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RollOverQuotas resets usage on records from an earlier month.
func (s *Store) RollOverQuotas(ctx context.Context, now time.Time) (int, error) {
	period := formatTime(quota.PeriodOf(now))
	query, args, err := s.sq.Update(quotasTable).
		Set("used_minutes", 0).
		Set("period_start", period).
		Set("updated_at", formatTime(now.UTC())).
		Where(sq.Lt{"period_start": period}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("conductor/sqlite: build roll over quotas: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("conductor/sqlite: roll over quotas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("conductor/sqlite: roll over quotas: %w", err)
	}
	return int(n), nil
}

// ActiveSlots returns the slots the client currently holds.
func (s *Store) ActiveSlots(ctx context.Context, clientID string) (int, error) {
	return s.activeSlots(ctx, s.db, clientID)
}

// activeSlots counts standalone active jobs plus the caps of active
// batches, matching quota.CountSlots.
func (s *Store) activeSlots(ctx context.Context, q querier, clientID string) (int, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM conductor_jobs
				WHERE client_id = ? AND batch_id IS NULL AND status IN ('queued', 'processing'))
			+
			(SELECT COALESCE(SUM(max_concurrent), 0) FROM conductor_batches
				WHERE client_id = ? AND status IN ('pending', 'processing'))`
	var n int
	if err := q.QueryRowContext(ctx, query, clientID, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("conductor/sqlite: count active slots: %w", err)
	}
	return n, nil
}

// AdmitJob counts the client's slots and inserts j inside one immediate
// transaction.
func (s *Store) AdmitJob(ctx context.Context, j *job.Job, limit int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.activeSlots(ctx, tx, j.ClientID)
		if err != nil {
			return err
		}
		if err := quota.Check(j.ClientID, current, 1, limit); err != nil {
			return err
		}
		return s.insertJob(ctx, tx, j)
	})
}

// AdmitBatch counts the client's slots and inserts b and its children
// inside one immediate transaction.
func (s *Store) AdmitBatch(ctx context.Context, b *batch.Batch, jobs []*job.Job, limit int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.activeSlots(ctx, tx, b.ClientID)
		if err != nil {
			return err
		}
		if err := quota.Check(b.ClientID, current, quota.Slots(b), limit); err != nil {
			return err
		}
		if err := s.insertBatch(ctx, tx, b); err != nil {
			return err
		}
		for _, j := range jobs {
			if err := s.insertJob(ctx, tx, j); err != nil {
				return err
			}
		}
		return nil
	})
}
