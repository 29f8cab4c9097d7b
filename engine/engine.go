package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/backoff"
	"github.com/rendiffdev/conductor/ext"
	mw "github.com/rendiffdev/conductor/middleware"
	"github.com/rendiffdev/conductor/notify"
	"github.com/rendiffdev/conductor/observability"
	"github.com/rendiffdev/conductor/orchestrator"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/queue/local"
	"github.com/rendiffdev/conductor/storage"
	"github.com/rendiffdev/conductor/store"
	"github.com/rendiffdev/conductor/stream"
	"github.com/rendiffdev/conductor/webhook"
	"github.com/rendiffdev/conductor/worker"
)

const instrumentationName = "github.com/rendiffdev/conductor"

// Engine wraps a Conductor with typed subsystem access.
// Use Build() to create one from a Conductor.
type Engine struct {
	c          *conductor.Conductor
	config     conductor.Config
	store      store.Store
	extensions *ext.Registry
	broker     *stream.Broker
	dispatcher queue.Dispatcher
	bo         backoff.Strategy
	logger     *slog.Logger

	admission *admission.Controller
	notify    *notify.Service
	orch      *orchestrator.Orchestrator
	sender    *webhook.Sender
	validator admission.URLValidator
	storage   storage.Backend

	// Local execution (optional).
	executor     worker.Executor
	concurrency  int
	execTimeout  time.Duration
	mws          []mw.Middleware
	pool         *worker.Pool
	queueConfigs []queue.Config
	clientConfig *queue.ClientConfig
	queueManager *queue.Manager

	watchdog    *worker.Watchdog
	maintenance *maintenance

	webhookOpts []webhook.Option
	userExts    []ext.Extension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.userExts = append(eng.userExts, e)
	}
}

// WithMiddleware adds middleware to the local executor chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the enqueue retry strategy.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithDispatcher sets the queue backend. If not set, an in-process
// queue/local dispatcher is used.
func WithDispatcher(d queue.Dispatcher) Option {
	return func(eng *Engine) {
		eng.dispatcher = d
	}
}

// WithExecutor runs jobs in-process with concurrency workers consuming
// from the dispatcher. The dispatcher must also be a queue.Source.
func WithExecutor(e worker.Executor, concurrency int) Option {
	return func(eng *Engine) {
		eng.executor = e
		eng.concurrency = concurrency
	}
}

// WithExecutionTimeout bounds each local execution.
func WithExecutionTimeout(d time.Duration) Option {
	return func(eng *Engine) {
		eng.execTimeout = d
	}
}

// WithQueueConfig registers tier-level rate limiting and concurrency
// configurations for the local worker pool. Tiers not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithDefaultClientConfig sets per-client consumption limits for the local
// worker pool.
func WithDefaultClientConfig(cfg queue.ClientConfig) Option {
	return func(eng *Engine) {
		eng.clientConfig = &cfg
	}
}

// WithWebhookOptions configures the webhook sender.
func WithWebhookOptions(opts ...webhook.Option) Option {
	return func(eng *Engine) {
		eng.webhookOpts = append(eng.webhookOpts, opts...)
	}
}

// WithURLValidator replaces the admission-time webhook URL validator.
// If not set, webhook.DefaultValidator is used.
func WithURLValidator(v admission.URLValidator) Option {
	return func(eng *Engine) {
		eng.validator = v
	}
}

// WithStorage enables the input existence check at admission.
func WithStorage(b storage.Backend) Option {
	return func(eng *Engine) {
		eng.storage = b
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Conductor.
// The Conductor's store must implement store.Store.
func Build(c *conductor.Conductor, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	st := c.Store()

	if st == nil {
		return nil, conductor.ErrNoStore
	}

	// Type-assert the store to get the composite interface.
	s, ok := st.(store.Store)
	if !ok {
		return nil, fmt.Errorf("conductor: store %T does not implement store.Store", st)
	}

	eng := &Engine{
		c:          c,
		config:     c.Config(),
		store:      s,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.dispatcher == nil {
		eng.dispatcher = local.New(local.WithLogger(logger))
	}
	if eng.validator == nil {
		eng.validator = webhook.DefaultValidator
	}

	// The broker is registered first and receives each event before the
	// other extensions.
	eng.broker = stream.NewBroker(logger)
	eng.extensions.Register(eng.broker)

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.sender = webhook.NewSender(append([]webhook.Option{webhook.WithLogger(logger)}, eng.webhookOpts...)...)
	eng.extensions.Register(webhook.NewNotifier(eng.sender))

	for _, e := range eng.userExts {
		eng.extensions.Register(e)
	}

	admOpts := []admission.Option{
		admission.WithLogger(logger),
		admission.WithURLValidator(eng.validator),
	}
	if eng.storage != nil {
		admOpts = append(admOpts, admission.WithStorage(eng.storage))
	}
	eng.admission = admission.New(s, eng.config, admOpts...)

	eng.notify = notify.New(s, eng.extensions,
		notify.WithLogger(logger),
		notify.WithPollInterval(eng.config.StreamPollInterval),
	)

	eng.orch = orchestrator.New(s, eng.dispatcher, eng.extensions, eng.config,
		orchestrator.WithLogger(logger),
		orchestrator.WithBroker(eng.broker),
		orchestrator.WithBackoff(eng.bo),
	)

	if eng.executor != nil {
		if err := eng.buildPool(); err != nil {
			return nil, err
		}
	}

	if eng.config.StallThreshold > 0 {
		eng.watchdog = worker.NewWatchdog(s, eng.dispatcher, eng.extensions, eng.config.StallThreshold, logger)
	}
	eng.maintenance = newMaintenance(eng)

	// Runners stop in reverse order: orchestrator, maintenance, pool,
	// webhook sender, dispatcher.
	c.AddRunner(&dispatcherRunner{d: eng.dispatcher})
	c.AddRunner(eng.sender)
	if eng.pool != nil {
		c.AddRunner(eng.pool)
	}
	c.AddRunner(eng.maintenance)
	c.AddRunner(&orchestratorRunner{o: eng.orch, logger: logger})
	c.SetExtensions(eng.extensions)

	return eng, nil
}

func (eng *Engine) buildPool() error {
	q, ok := eng.dispatcher.(worker.Queue)
	if !ok {
		return fmt.Errorf("conductor: dispatcher %T cannot feed a local executor", eng.dispatcher)
	}

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	if eng.execTimeout > 0 {
		allMws = append(allMws, mw.Timeout(eng.execTimeout))
	}
	allMws = append(allMws, eng.mws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(eng.concurrency),
		worker.WithPoolLogger(eng.logger),
		worker.WithMiddleware(allMws...),
	}

	// Create queue manager if limits were provided.
	if len(eng.queueConfigs) > 0 || eng.clientConfig != nil {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		if eng.clientConfig != nil {
			eng.queueManager.SetDefaultClientConfig(*eng.clientConfig)
		}
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(q, eng.notify, eng.executor, poolOpts...)
	return nil
}

// Start starts the runners and resumes the drivers of unfinished batches.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.c.Start(ctx)
}

// Stop drains the orchestrator, the worker pool and the webhook sender,
// then closes the dispatcher and the store.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.c.Stop(ctx)
}

// Ping checks store connectivity.
func (eng *Engine) Ping(ctx context.Context) error { return eng.store.Ping(ctx) }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Broker returns the stream broker that carries lifecycle events.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Notify returns the service executor callbacks are routed to.
func (eng *Engine) Notify() *notify.Service { return eng.notify }

// Orchestrator returns the batch orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// Dispatcher returns the queue backend.
func (eng *Engine) Dispatcher() queue.Dispatcher { return eng.dispatcher }

// Webhooks returns the webhook sender.
func (eng *Engine) Webhooks() *webhook.Sender { return eng.sender }

// Pool returns the local worker pool, or nil if no executor was set.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the queue manager, or nil if no limits were set.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Config returns the engine configuration.
func (eng *Engine) Config() conductor.Config { return eng.config }

// ──────────────────────────────────────────────────
// Runners
// ──────────────────────────────────────────────────

type dispatcherRunner struct {
	d queue.Dispatcher
}

func (r *dispatcherRunner) Start(context.Context) error { return nil }

func (r *dispatcherRunner) Stop(context.Context) error { return r.d.Close() }

type orchestratorRunner struct {
	o      *orchestrator.Orchestrator
	logger *slog.Logger
}

// Start resumes batches left pending or processing by a previous process.
func (r *orchestratorRunner) Start(ctx context.Context) error {
	if _, err := r.o.Resume(ctx); err != nil {
		return fmt.Errorf("resume batches: %w", err)
	}
	return nil
}

func (r *orchestratorRunner) Stop(ctx context.Context) error {
	if err := r.o.Stop(ctx); err != nil {
		r.logger.Warn("orchestrator drain incomplete", slog.String("error", err.Error()))
		return err
	}
	return nil
}
