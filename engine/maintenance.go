package engine

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// quotaRollOverSpec fires shortly after midnight UTC on the first of each
// month.
const quotaRollOverSpec = "5 0 1 * *"

// minSweepInterval is the shortest watchdog sweep period.
const minSweepInterval = time.Second

// maintenance runs periodic housekeeping: the quota period roll-over and,
// when a stall threshold is configured, the watchdog sweep.
type maintenance struct {
	eng    *Engine
	cron   *cronlib.Cron
	logger *slog.Logger
	now    func() time.Time
}

func newMaintenance(eng *Engine) *maintenance {
	m := &maintenance{
		eng:    eng,
		logger: eng.logger,
		now:    time.Now,
	}
	m.cron = cronlib.New(
		cronlib.WithLocation(time.UTC),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	if _, err := m.cron.AddFunc(quotaRollOverSpec, m.rollOver); err != nil {
		panic(err)
	}
	if w := eng.watchdog; w != nil {
		every := w.Threshold() / 4
		if every < minSweepInterval {
			every = minSweepInterval
		}
		m.cron.Schedule(cronlib.Every(every), cronlib.FuncJob(m.sweep))
	}
	return m
}

// Start catches up on a roll-over missed while the process was down and
// starts the schedule.
func (m *maintenance) Start(_ context.Context) error {
	m.rollOver()
	m.cron.Start()
	m.logger.Info("maintenance scheduler started", slog.Int("entries", len(m.cron.Entries())))
	return nil
}

// Stop stops the schedule and waits for a running job to return.
func (m *maintenance) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *maintenance) rollOver() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := m.eng.store.RollOverQuotas(ctx, m.now())
	if err != nil {
		m.logger.Error("quota roll-over failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("quota periods rolled over", slog.Int("count", n))
	}
}

func (m *maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := m.eng.watchdog.Sweep(ctx); err != nil {
		m.logger.Warn("watchdog sweep failed", slog.String("error", err.Error()))
	}
}
