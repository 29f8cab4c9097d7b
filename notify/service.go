package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

// Store is the persistence the service needs.
type Store interface {
	job.Store
	quota.Store
}

// DefaultPollInterval is the StreamEvents poll interval when none is set.
const DefaultPollInterval = 500 * time.Millisecond

// Service records executor reports and emits lifecycle events.
type Service struct {
	store        Store
	extensions   *ext.Registry
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPollInterval sets the StreamEvents poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a Service. A nil registry emits nothing.
func New(store Store, extensions *ext.Registry, opts ...Option) *Service {
	s := &Service{
		store:        store,
		extensions:   extensions,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	if s.extensions == nil {
		s.extensions = ext.NewRegistry(nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Job returns the current job record.
func (s *Service) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Claim records that the executor holding token has started jobID. Any
// second claim, the same token's included, fails with ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, jobID id.JobID, token string) (*job.Job, error) {
	j, err := s.store.ClaimJob(ctx, jobID, token)
	if err != nil {
		return nil, err
	}
	s.extensions.EmitJobStarted(ctx, j)
	return j, nil
}

// Progress records a progress report from the claim owner.
func (s *Service) Progress(ctx context.Context, jobID id.JobID, token string, p job.Progress) (*job.Job, error) {
	j, err := s.store.UpdateProgress(ctx, jobID, token, p)
	if err != nil {
		return nil, err
	}
	s.extensions.EmitJobProgressed(ctx, j)
	return j, nil
}

// Complete finishes jobID, accounts its processing minutes and emits the
// completed event.
func (s *Service) Complete(ctx context.Context, jobID id.JobID, token string, m *job.Metrics) (*job.Job, error) {
	j, err := s.store.CompleteJob(ctx, jobID, token, m)
	if err != nil {
		return nil, err
	}
	elapsed := j.ProcessingTime()
	s.accountUsage(ctx, j, elapsed)
	s.extensions.EmitJobCompleted(ctx, j, elapsed)
	return j, nil
}

// Fail records an executor failure and emits the failed event.
func (s *Service) Fail(ctx context.Context, jobID id.JobID, token string, f job.Failure) (*job.Job, error) {
	j, err := s.store.FailJob(ctx, jobID, token, f)
	if err != nil {
		return nil, err
	}
	s.extensions.EmitJobFailed(ctx, j, errors.New(f.Message))
	return j, nil
}

// accountUsage adds the job's processing minutes to its client's quota.
// Usage errors are logged; the completion itself stands.
func (s *Service) accountUsage(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	if _, err := s.store.AddUsage(ctx, j.ClientID, elapsed.Minutes(), s.now().UTC()); err != nil {
		s.logger.Error("failed to account usage",
			slog.String("job_id", j.ID.String()),
			slog.String("client_id", j.ClientID),
			slog.String("error", err.Error()),
		)
	}
}
