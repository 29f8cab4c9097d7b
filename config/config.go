// Package config loads the conductor server configuration from a YAML file
// with CONDUCTOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/queue"
	"github.com/rendiffdev/conductor/queue/sqs"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUCTOR_"

// Config is the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Executor ExecutorConfig `yaml:"executor"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Engine holds the core engine configuration.
	Engine EngineConfig `yaml:"engine"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	// Backend is local, redis or sqs.
	Backend   string       `yaml:"backend"`
	RedisURL  string       `yaml:"redis_url"`
	SQS       sqs.URLs     `yaml:"sqs"`
	Tiers     []TierConfig `yaml:"tiers"`
	ClientMax int          `yaml:"client_max_concurrency"`
}

// TierConfig sets consumption limits for one priority tier in the local
// worker pool.
type TierConfig struct {
	Name           string  `yaml:"name"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
	MaxConcurrency int     `yaml:"max_concurrency"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 client tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// ExecutorKeyHash is the bcrypt hash of the executor callback key.
	ExecutorKeyHash string `yaml:"executor_key_hash"`
}

type WebhookConfig struct {
	Secret       string        `yaml:"secret"`
	Attempts     int           `yaml:"attempts"`
	Timeout      time.Duration `yaml:"timeout"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// ExecutorConfig configures the in-process worker pool. An empty Command
// disables it and leaves execution to remote executors.
type ExecutorConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	// LocalRoot enables input existence checks against a local directory.
	LocalRoot string `yaml:"local_root"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Audit writes a structured audit record for every job and batch
	// lifecycle event.
	Audit bool `yaml:"audit"`
}

// EngineConfig mirrors conductor.Config with YAML names.
type EngineConfig struct {
	DefaultMaxRetries        int           `yaml:"default_max_retries"`
	DefaultMaxConcurrentJobs int           `yaml:"default_max_concurrent_jobs"`
	DefaultMonthlyMinutes    float64       `yaml:"default_monthly_minutes"`
	MaxBatchFiles            int           `yaml:"max_batch_files"`
	MaxBatchConcurrency      int           `yaml:"max_batch_concurrency"`
	MaxBatchRetries          int           `yaml:"max_batch_retries"`
	GlobalBatchConcurrency   int           `yaml:"global_batch_concurrency"`
	BatchPollInterval        time.Duration `yaml:"batch_poll_interval"`
	StreamPollInterval       time.Duration `yaml:"stream_poll_interval"`
	EnqueueAttempts          int           `yaml:"enqueue_attempts"`
	StallThreshold           time.Duration `yaml:"stall_threshold"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
}

// Conductor converts e to the library configuration.
func (e EngineConfig) Conductor() conductor.Config {
	return conductor.Config{
		DefaultMaxRetries:        e.DefaultMaxRetries,
		DefaultMaxConcurrentJobs: e.DefaultMaxConcurrentJobs,
		DefaultMonthlyMinutes:    e.DefaultMonthlyMinutes,
		MaxBatchFiles:            e.MaxBatchFiles,
		MaxBatchConcurrency:      e.MaxBatchConcurrency,
		MaxBatchRetries:          e.MaxBatchRetries,
		GlobalBatchConcurrency:   e.GlobalBatchConcurrency,
		BatchPollInterval:        e.BatchPollInterval,
		StreamPollInterval:       e.StreamPollInterval,
		EnqueueAttempts:          e.EnqueueAttempts,
		StallThreshold:           e.StallThreshold,
		ShutdownTimeout:          e.ShutdownTimeout,
	}
}

// TierConfigs converts the tier settings for queue.NewManager.
func (q QueueConfig) TierConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(q.Tiers))
	for _, t := range q.Tiers {
		out = append(out, queue.Config{
			Name:           t.Name,
			RateLimit:      t.RateLimit,
			RateBurst:      t.RateBurst,
			MaxConcurrency: t.MaxConcurrency,
		})
	}
	return out
}

func defaults() *Config {
	c := conductor.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "./data/conductor.db",
		},
		Queue: QueueConfig{
			Backend: "local",
		},
		Webhook: WebhookConfig{
			Attempts:  5,
			Timeout:   10 * time.Second,
			Workers:   4,
			QueueSize: 1024,
		},
		Executor: ExecutorConfig{
			Concurrency: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			DefaultMaxRetries:        c.DefaultMaxRetries,
			DefaultMaxConcurrentJobs: c.DefaultMaxConcurrentJobs,
			DefaultMonthlyMinutes:    c.DefaultMonthlyMinutes,
			MaxBatchFiles:            c.MaxBatchFiles,
			MaxBatchConcurrency:      c.MaxBatchConcurrency,
			MaxBatchRetries:          c.MaxBatchRetries,
			GlobalBatchConcurrency:   c.GlobalBatchConcurrency,
			BatchPollInterval:        c.BatchPollInterval,
			StreamPollInterval:       c.StreamPollInterval,
			EnqueueAttempts:          c.EnqueueAttempts,
			StallThreshold:           c.StallThreshold,
			ShutdownTimeout:          c.ShutdownTimeout,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaults() }

// Load reads configPath over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONDUCTOR_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("QUEUE_BACKEND", &c.Queue.Backend)
	str("REDIS_URL", &c.Queue.RedisURL)
	str("SQS_HIGH_URL", &c.Queue.SQS.High)
	str("SQS_NORMAL_URL", &c.Queue.SQS.Normal)
	str("SQS_LOW_URL", &c.Queue.SQS.Low)
	str("SQS_CONTROL_URL", &c.Queue.SQS.Control)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("EXECUTOR_KEY_HASH", &c.Auth.ExecutorKeyHash)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	flag("WEBHOOK_ALLOW_PRIVATE", &c.Webhook.AllowPrivate)
	str("EXECUTOR_COMMAND", &c.Executor.Command)
	num("EXECUTOR_CONCURRENCY", &c.Executor.Concurrency)
	str("STORAGE_LOCAL_ROOT", &c.Storage.LocalRoot)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	flag("LOG_AUDIT", &c.Logging.Audit)
	num("DEFAULT_MAX_CONCURRENT_JOBS", &c.Engine.DefaultMaxConcurrentJobs)
	num("GLOBAL_BATCH_CONCURRENCY", &c.Engine.GlobalBatchConcurrency)
	dur("STALL_THRESHOLD", &c.Engine.StallThreshold)
	dur("SHUTDOWN_TIMEOUT", &c.Engine.ShutdownTimeout)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s (valid: memory, sqlite, postgres)", c.Store.Driver)
	}

	switch c.Queue.Backend {
	case "local":
		if c.Executor.Command == "" {
			return fmt.Errorf("executor command is required for the local queue backend")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis queue backend")
		}
	case "sqs":
		if err := c.Queue.SQS.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid queue backend: %s (valid: local, redis, sqs)", c.Queue.Backend)
	}
	for _, t := range c.Queue.Tiers {
		if !validTier(t.Name) {
			return fmt.Errorf("invalid queue tier: %s", t.Name)
		}
		if t.RateLimit < 0 || t.RateBurst < 0 || t.MaxConcurrency < 0 {
			return fmt.Errorf("queue tier %s limits must be non-negative", t.Name)
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.Webhook.Attempts < 1 {
		return fmt.Errorf("webhook attempts must be at least 1")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}

	if c.Executor.Command != "" && c.Executor.Concurrency < 1 {
		return fmt.Errorf("executor concurrency must be at least 1")
	}

	e := c.Engine
	if e.DefaultMaxRetries < 0 || e.MaxBatchRetries < 0 {
		return fmt.Errorf("retry ceilings must be non-negative")
	}
	if e.MaxBatchFiles < 1 || e.MaxBatchConcurrency < 1 {
		return fmt.Errorf("batch bounds must be at least 1")
	}
	if e.GlobalBatchConcurrency < 0 || e.StallThreshold < 0 {
		return fmt.Errorf("global batch concurrency and stall threshold must be non-negative")
	}
	if e.EnqueueAttempts < 1 {
		return fmt.Errorf("enqueue attempts must be at least 1")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

func validTier(name string) bool {
	for _, t := range queue.Tiers {
		if t == name {
			return true
		}
	}
	return false
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s)
}

// NewLogger builds the process logger from the logging settings.
func (l LoggingConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
