// Package admission gates job and batch submissions. It validates the
// request, checks the client's quota and creates the records in one atomic
// store operation. It never enqueues; dispatch is the caller's concern.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
	"github.com/rendiffdev/conductor/storage"
)

// URLValidator checks a webhook URL. webhook.Validator implements it.
type URLValidator interface {
	Validate(ctx context.Context, raw string) error
}

// DefaultBatchConcurrency is the cap used when a batch request names none.
const DefaultBatchConcurrency = 5

// BatchRequest is a client's request for a batch of jobs.
type BatchRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Files       []job.Spec        `json:"files"`
	// MaxConcurrent is the number of children that may run at once.
	MaxConcurrent int          `json:"max_concurrent,omitempty"`
	Priority      job.Priority `json:"priority,omitempty"`
	// MaxRetries is the batch retry ceiling for RetryFailed.
	MaxRetries *int `json:"max_retries,omitempty"`
	// WebhookURL and WebhookEvents apply to children without their own.
	WebhookURL    string             `json:"webhook_url,omitempty"`
	WebhookEvents []job.WebhookEvent `json:"webhook_events,omitempty"`
}

// Controller admits submissions under per-client quotas.
type Controller struct {
	store     quota.Store
	config    conductor.Config
	validator URLValidator
	storage   storage.Backend
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithURLValidator sets the webhook URL validator. Without one only the
// structural checks of job.Spec apply.
func WithURLValidator(v URLValidator) Option {
	return func(c *Controller) { c.validator = v }
}

// WithStorage enables the input existence check against b.
func WithStorage(b storage.Backend) Option {
	return func(c *Controller) { c.storage = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller.
func New(store quota.Store, cfg conductor.Config, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates spec and creates a queued job for clientID when the
// client has a free slot.
func (c *Controller) Submit(ctx context.Context, clientID string, spec job.Spec) (*job.Job, error) {
	if err := validClient(clientID); err != nil {
		return nil, err
	}
	if err := c.validateSpec(ctx, spec, "", ""); err != nil {
		return nil, err
	}
	if err := c.checkInputs(ctx, []job.Spec{spec}); err != nil {
		return nil, err
	}

	limit, err := c.Limit(ctx, clientID)
	if err != nil {
		return nil, err
	}

	j := job.New(clientID, spec, c.config.DefaultMaxRetries)
	if err := c.store.AdmitJob(ctx, j, limit); err != nil {
		c.logDenied(clientID, err)
		return nil, err
	}

	c.logger.Debug("job admitted",
		slog.String("job_id", j.ID.String()),
		slog.String("client_id", clientID),
		slog.String("priority", string(j.Priority)),
	)
	return j, nil
}

// SubmitBatch validates req and creates a pending batch with one queued
// child per file when the client has room for the batch's cap.
func (c *Controller) SubmitBatch(ctx context.Context, clientID string, req BatchRequest) (*batch.Batch, []*job.Job, error) {
	if err := validClient(clientID); err != nil {
		return nil, nil, err
	}
	req.Files = append([]job.Spec(nil), req.Files...)
	if err := c.validateBatch(ctx, &req); err != nil {
		return nil, nil, err
	}
	if err := c.checkInputs(ctx, req.Files); err != nil {
		return nil, nil, err
	}

	limit, err := c.Limit(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}

	b, children := c.buildBatch(clientID, req)
	if err := c.store.AdmitBatch(ctx, b, children, limit); err != nil {
		c.logDenied(clientID, err)
		return nil, nil, err
	}

	c.logger.Debug("batch admitted",
		slog.String("batch_id", b.ID.String()),
		slog.String("client_id", clientID),
		slog.Int("jobs", len(children)),
		slog.Int("max_concurrent", b.MaxConcurrent),
	)
	return b, children, nil
}

func validClient(clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return conductor.NewValidationError("client_id", "is required")
	}
	return nil
}

// validateSpec runs the structural checks and the webhook URL guard.
// field prefixes error fields for batch files; checkedURL has already
// passed the guard.
func (c *Controller) validateSpec(ctx context.Context, spec job.Spec, field, checkedURL string) error {
	if err := spec.Validate(); err != nil {
		return prefixField(err, field)
	}
	if spec.WebhookURL != "" && spec.WebhookURL != checkedURL && c.validator != nil {
		if err := c.validator.Validate(ctx, spec.WebhookURL); err != nil {
			return prefixField(err, field)
		}
	}
	return nil
}

func (c *Controller) validateBatch(ctx context.Context, req *BatchRequest) error {
	n := len(req.Files)
	if n == 0 || (c.config.MaxBatchFiles > 0 && n > c.config.MaxBatchFiles) {
		return conductor.NewValidationError("files", "must contain 1..%d entries, got %d", c.config.MaxBatchFiles, n)
	}

	if req.MaxConcurrent == 0 {
		req.MaxConcurrent = min(DefaultBatchConcurrency, n)
		if c.config.MaxBatchConcurrency > 0 {
			req.MaxConcurrent = min(req.MaxConcurrent, c.config.MaxBatchConcurrency)
		}
	}
	if req.MaxConcurrent < 1 || (c.config.MaxBatchConcurrency > 0 && req.MaxConcurrent > c.config.MaxBatchConcurrency) {
		return conductor.NewValidationError("max_concurrent", "must be within 1..%d", c.config.MaxBatchConcurrency)
	}
	if req.MaxRetries != nil && (*req.MaxRetries < 0 || *req.MaxRetries > c.config.MaxBatchRetries) {
		return conductor.NewValidationError("max_retries", "must be within 0..%d", c.config.MaxBatchRetries)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return conductor.NewValidationError("priority", "unknown priority %q", req.Priority)
	}

	// Request-level webhook settings are validated once, then inherited.
	if req.WebhookURL != "" || len(req.WebhookEvents) > 0 {
		probe := job.Spec{InputRef: "-", OutputRef: "-", WebhookURL: req.WebhookURL, WebhookEvents: req.WebhookEvents}
		if err := c.validateSpec(ctx, probe, "", ""); err != nil {
			return err
		}
	}

	for i := range req.Files {
		f := &req.Files[i]
		if f.WebhookURL == "" {
			f.WebhookURL = req.WebhookURL
			if len(f.WebhookEvents) == 0 {
				f.WebhookEvents = req.WebhookEvents
			}
		}
		if f.Priority == "" {
			f.Priority = req.Priority
		}
		if err := c.validateSpec(ctx, *f, fmt.Sprintf("files[%d].", i), req.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

// checkInputs verifies that every input exists when a storage backend is
// configured. References no backend serves are accepted unchecked.
func (c *Controller) checkInputs(ctx context.Context, specs []job.Spec) error {
	if c.storage == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, s := range specs {
		g.Go(func() error {
			ok, err := c.storage.Exists(gctx, s.InputRef)
			switch {
			case errors.Is(err, storage.ErrUnsupportedRef):
				return nil
			case errors.Is(err, storage.ErrInvalidRef):
				return conductor.NewValidationError(inputField(i, len(specs)), "invalid reference %q", s.InputRef)
			case err != nil:
				return fmt.Errorf("conductor/admission: check input %q: %w", s.InputRef, err)
			case !ok:
				return conductor.NewValidationError(inputField(i, len(specs)), "%q does not exist", s.InputRef)
			}
			return nil
		})
	}
	return g.Wait()
}

func inputField(i, n int) string {
	if n == 1 {
		return "input_ref"
	}
	return fmt.Sprintf("files[%d].input_ref", i)
}

// Limit returns the client's concurrency limit and rejects clients whose
// monthly minutes are used up. Retries are held to the same limit.
func (c *Controller) Limit(ctx context.Context, clientID string) (int, error) {
	q, err := c.store.GetQuota(ctx, clientID)
	switch {
	case errors.Is(err, conductor.ErrQuotaNotFound):
		return c.config.DefaultMaxConcurrentJobs, nil
	case err != nil:
		return 0, err
	}

	cp := *q
	cp.RollOver(c.now().UTC())
	if cp.MinutesExhausted(c.config.DefaultMonthlyMinutes) {
		return 0, fmt.Errorf("%w: client %q used %.1f of %.1f monthly minutes",
			conductor.ErrAdmissionDenied, clientID, cp.UsedMinutes, cp.Allowance(c.config.DefaultMonthlyMinutes))
	}
	return q.Limit(c.config.DefaultMaxConcurrentJobs), nil
}

func (c *Controller) buildBatch(clientID string, req BatchRequest) (*batch.Batch, []*job.Job) {
	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	maxRetries := c.config.MaxBatchRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	b := &batch.Batch{
		Entity:        conductor.NewEntity(),
		ID:            id.NewBatchID(),
		ClientID:      clientID,
		Name:          req.Name,
		Description:   req.Description,
		Status:        batch.StatusPending,
		Priority:      priority,
		TotalJobs:     len(req.Files),
		MaxConcurrent: req.MaxConcurrent,
		MaxRetries:    maxRetries,
	}
	if len(req.Metadata) > 0 {
		b.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			b.Metadata[k] = v
		}
	}

	children := make([]*job.Job, len(req.Files))
	for i, f := range req.Files {
		j := job.New(clientID, f, c.config.DefaultMaxRetries)
		j.BatchID = b.ID
		children[i] = j
	}
	return b, children
}

func (c *Controller) logDenied(clientID string, err error) {
	if !errors.Is(err, conductor.ErrAdmissionDenied) {
		return
	}
	c.logger.Info("admission denied",
		slog.String("client_id", clientID),
		slog.String("reason", err.Error()),
	)
}

// prefixField qualifies a validation error's field for batch files.
func prefixField(err error, prefix string) error {
	if prefix == "" {
		return err
	}
	var ve *conductor.ValidationError
	if errors.As(err, &ve) {
		return conductor.NewValidationError(prefix+ve.Field, "%s", ve.Reason)
	}
	return err
}
