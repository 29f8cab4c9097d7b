package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

// GetQuota retrieves a client's quota record.
func (s *Store) GetQuota(ctx context.Context, clientID string) (*quota.Quota, error) {
	return s.getQuota(ctx, s.pool, clientID, false)
}

func (s *Store) getQuota(ctx context.Context, q querier, clientID string, forUpdate bool) (*quota.Quota, error) {
	query := `
		SELECT client_id, max_concurrent_jobs, monthly_minutes, used_minutes, period_start, updated_at
		FROM conductor_quotas
		WHERE client_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var qt quota.Quota
	err := q.QueryRow(ctx, query, clientID).Scan(
		&qt.ClientID, &qt.MaxConcurrentJobs, &qt.MonthlyMinutes, &qt.UsedMinutes,
		&qt.PeriodStart, &qt.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrQuotaNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get quota: %w", err)
	}
	qt.PeriodStart = qt.PeriodStart.UTC()
	qt.UpdatedAt = qt.UpdatedAt.UTC()
	return &qt, nil
}

// PutQuota creates or replaces a client's quota record.
func (s *Store) PutQuota(ctx context.Context, q *quota.Quota) error {
	return s.putQuota(ctx, s.pool, q)
}

func (s *Store) putQuota(ctx context.Context, qr querier, q *quota.Quota) error {
	now := s.now()
	if q.PeriodStart.IsZero() {
		q.PeriodStart = quota.PeriodOf(now)
	}
	q.UpdatedAt = now
	_, err := qr.Exec(ctx, `
		INSERT INTO conductor_quotas (
			client_id, max_concurrent_jobs, monthly_minutes, used_minutes, period_start, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE SET
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			monthly_minutes = EXCLUDED.monthly_minutes,
			used_minutes = EXCLUDED.used_minutes,
			period_start = EXCLUDED.period_start,
			updated_at = EXCLUDED.updated_at`,
		q.ClientID, q.MaxConcurrentJobs, q.MonthlyMinutes, q.UsedMinutes, q.PeriodStart, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: put quota: %w", err)
	}
	return nil
}

// AddUsage adds processing minutes to the client's current period.
func (s *Store) AddUsage(ctx context.Context, clientID string, minutes float64, now time.Time) (*quota.Quota, error) {
	var out *quota.Quota
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockClient(ctx, tx, clientID); err != nil {
			return err
		}
		q, err := s.getQuota(ctx, tx, clientID, true)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_quotas
		SET used_minutes = 0, period_start = $1, updated_at = $2
		WHERE period_start < $1`,
		quota.PeriodOf(now), now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: roll over quotas: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActiveSlots returns the slots the client currently holds.
func (s *Store) ActiveSlots(ctx context.Context, clientID string) (int, error) {
	return s.activeSlots(ctx, s.pool, clientID)
}

// activeSlots counts standalone active jobs plus the caps of active
// batches, matching quota.CountSlots.
func (s *Store) activeSlots(ctx context.Context, q querier, clientID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conductor_jobs
				WHERE client_id = $1 AND batch_id IS NULL AND status IN ('queued', 'processing'))
			+
			(SELECT COALESCE(SUM(max_concurrent), 0) FROM conductor_batches
				WHERE client_id = $1 AND status IN ('pending', 'processing'))`,
		clientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: count active slots: %w", err)
	}
	return n, nil
}

// lockClient takes a transaction-scoped advisory lock keyed on the client.
// Concurrent admissions for one client queue on it until commit.
func lockClient(ctx context.Context, tx pgx.Tx, clientID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, clientID); err != nil {
		return fmt.Errorf("conductor/postgres: lock client: %w", err)
	}
	return nil
}

// AdmitJob counts the client's slots and inserts j under the client's
// advisory lock.
func (s *Store) AdmitJob(ctx context.Context, j *job.Job, limit int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockClient(ctx, tx, j.ClientID); err != nil {
			return err
		}
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
// under the client's advisory lock.
func (s *Store) AdmitBatch(ctx context.Context, b *batch.Batch, jobs []*job.Job, limit int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockClient(ctx, tx, b.ClientID); err != nil {
			return err
		}
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
