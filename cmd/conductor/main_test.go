package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rendiffdev/conductor/config"
	"github.com/rendiffdev/conductor/queue/local"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := config.Default().Logging.NewLogger()

	s, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "c.db")}, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if _, err := openStore(ctx, config.StoreConfig{Driver: "mysql"}, logger); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenDispatcher(t *testing.T) {
	logger := config.Default().Logging.NewLogger()
	d, err := openDispatcher(context.Background(), config.QueueConfig{Backend: "local"}, logger)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := d.(*local.Dispatcher); !ok {
		t.Fatalf("dispatcher = %T, want *local.Dispatcher", d)
	}

	if _, err := openDispatcher(context.Background(), config.QueueConfig{Backend: "redis", RedisURL: "::"}, logger); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := config.Default()
	logger := cfg.Logging.NewLogger()

	base, err := engineOptions(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("engineOptions: %v", err)
	}

	cfg.Executor.Command = "/bin/true"
	cfg.Storage.LocalRoot = t.TempDir()
	cfg.Queue.ClientMax = 2
	withExec, err := engineOptions(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("engineOptions with executor: %v", err)
	}
	if len(withExec) <= len(base) {
		t.Fatalf("executor config added %d options, want more than %d", len(withExec), len(base))
	}
}

func TestSubcommandUsage(t *testing.T) {
	if code := run([]string{"hash-key"}); code != 2 {
		t.Errorf("hash-key without key: exit %d, want 2", code)
	}
	if code := run([]string{"hash-key", "s3cret"}); code != 0 {
		t.Errorf("hash-key: exit %d, want 0", code)
	}
	if code := run([]string{"token"}); code != 2 {
		t.Errorf("token without client: exit %d, want 2", code)
	}
}
