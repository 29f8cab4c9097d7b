package conductor

import (
	"context"
	"errors"
	"log/slog"
)

// Option configures a Conductor.
type Option func(*Conductor) error

// Storer is the minimal store interface held by the Conductor.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Runner is a background component with a start/drain lifecycle.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Conductor owns configuration, the store, and the background runners.
//
// Create one with New() and functional options. The engine package wires
// the admission, dispatch, orchestration and notification services around
// it and registers their runners.
type Conductor struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []Runner

	started int
}

// New creates a new Conductor with the given options.
func New(opts ...Option) (*Conductor, error) {
	c := &Conductor{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the conductor's logger.
func (c *Conductor) Logger() *slog.Logger { return c.logger }

// Store returns the conductor's store.
func (c *Conductor) Store() Storer { return c.store }

// Config returns a copy of the conductor's configuration.
func (c *Conductor) Config() Config { return c.config }

// AddRunner registers a background component. Runners start in
// registration order and stop in reverse order.
func (c *Conductor) AddRunner(r Runner) { c.runners = append(c.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Conductor) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start starts every registered runner. If one fails, the runners already
// started are stopped again.
func (c *Conductor) Start(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	for i, r := range c.runners {
		if err := r.Start(ctx); err != nil {
			c.started = i
			_ = c.stopRunners(ctx)
			c.started = 0
			return err
		}
	}
	c.started = len(c.runners)
	return nil
}

// Stop drains the runners in reverse order, notifies extensions, and closes
// the store.
func (c *Conductor) Stop(ctx context.Context) error {
	err := c.stopRunners(ctx)
	c.started = 0
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		err = errors.Join(err, c.store.Close())
	}
	return err
}

func (c *Conductor) stopRunners(ctx context.Context) error {
	var errs []error
	for i := c.started - 1; i >= 0; i-- {
		if err := c.runners[i].Stop(ctx); err != nil {
			c.logger.Error("runner stop error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Conductor) error {
		c.config = cfg
		return nil
	}
}

// WithDefaultQuota sets the concurrency quota for clients without a stored
// quota record.
func WithDefaultQuota(maxConcurrent int) Option {
	return func(c *Conductor) error {
		c.config.DefaultMaxConcurrentJobs = maxConcurrent
		return nil
	}
}

// WithGlobalBatchConcurrency caps batch children in flight across batches.
func WithGlobalBatchConcurrency(n int) Option {
	return func(c *Conductor) error {
		c.config.GlobalBatchConcurrency = n
		return nil
	}
}

// WithLogger sets the structured logger for the conductor.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conductor) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; the engine additionally requires store.Store.
func WithStore(s Storer) Option {
	return func(c *Conductor) error {
		c.store = s
		return nil
	}
}
