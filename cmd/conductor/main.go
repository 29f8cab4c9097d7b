// Command conductor runs the Conductor HTTP server.
//
// Usage:
//
//	conductor [-config conductor.yaml]          serve the API
//	conductor hash-key <executor key>           print a bcrypt hash for executor_key_hash
//	conductor token [-ttl 24h] <client id>      mint a client token signed with jwt_secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/api"
	audithook "github.com/rendiffdev/conductor/audit_hook"
	"github.com/rendiffdev/conductor/config"
	"github.com/rendiffdev/conductor/engine"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/queue/local"
	"github.com/rendiffdev/conductor/queue/redis"
	"github.com/rendiffdev/conductor/queue/sqs"
	storagelocal "github.com/rendiffdev/conductor/storage/local"
	"github.com/rendiffdev/conductor/store"
	"github.com/rendiffdev/conductor/store/memory"
	"github.com/rendiffdev/conductor/store/postgres"
	"github.com/rendiffdev/conductor/store/sqlite"
	"github.com/rendiffdev/conductor/webhook"
	"github.com/rendiffdev/conductor/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "hash-key":
			return hashKey(args[1:])
		case "token":
			return mintToken(args[1:])
		}
	}

	fs := flag.NewFlagSet("conductor", flag.ContinueOnError)
	configPath := fs.String("config", "conductor.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	logger := cfg.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("conductor stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("migrate store: %w", err)
	}

	c, err := conductor.New(
		conductor.WithStore(s),
		conductor.WithConfig(cfg.Engine.Conductor()),
		conductor.WithLogger(logger),
	)
	if err != nil {
		_ = s.Close()
		return err
	}

	opts, err := engineOptions(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return err
	}
	eng, err := engine.Build(c, opts...)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.New(eng,
		api.WithLogger(logger),
		api.WithJWTSecret([]byte(cfg.Auth.JWTSecret)),
		api.WithExecutorKeyHash(cfg.Auth.ExecutorKeyHash),
		api.WithCORSOrigins(cfg.Server.CORSOrigins...),
	).Handler()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("stop engine: %w", err))
	}
	logger.Info("conductor stopped cleanly")
	return serveErr
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func engineOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]engine.Option, error) {
	d, err := openDispatcher(ctx, cfg.Queue, logger)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithDispatcher(d),
		engine.WithURLValidator(&webhook.Validator{AllowPrivate: cfg.Webhook.AllowPrivate}),
		engine.WithWebhookOptions(
			webhook.WithLogger(logger),
			webhook.WithSecret(cfg.Webhook.Secret),
			webhook.WithAttempts(cfg.Webhook.Attempts),
			webhook.WithTimeout(cfg.Webhook.Timeout),
			webhook.WithWorkers(cfg.Webhook.Workers),
			webhook.WithQueueSize(cfg.Webhook.QueueSize),
			webhook.WithAllowPrivate(cfg.Webhook.AllowPrivate),
		),
	}

	if cfg.Logging.Audit {
		opts = append(opts, engine.WithExtension(
			audithook.New(audithook.NewLogRecorder(logger), audithook.WithLogger(logger)),
		))
	}

	if cfg.Storage.LocalRoot != "" {
		b, err := storagelocal.New(cfg.Storage.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		opts = append(opts, engine.WithStorage(b))
	}

	if cfg.Executor.Command != "" {
		exec := worker.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.Args...)
		exec.Logger = logger
		opts = append(opts,
			engine.WithExecutor(exec, cfg.Executor.Concurrency),
			engine.WithExecutionTimeout(cfg.Executor.Timeout),
		)
		if tiers := cfg.Queue.TierConfigs(); len(tiers) > 0 {
			opts = append(opts, engine.WithQueueConfig(tiers...))
		}
		if cfg.Queue.ClientMax > 0 {
			opts = append(opts, engine.WithDefaultClientConfig(queue.ClientConfig{
				MaxConcurrency: cfg.Queue.ClientMax,
			}))
		}
	}
	return opts, nil
}

func openDispatcher(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (queue.Dispatcher, error) {
	switch cfg.Backend {
	case "local":
		return local.New(local.WithLogger(logger)), nil
	case "redis":
		ropts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := goredis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return redis.New(rdb, redis.WithLogger(logger)), nil
	case "sqs":
		d, err := sqs.NewFromEnv(ctx, cfg.SQS, sqs.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqs dispatcher: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
