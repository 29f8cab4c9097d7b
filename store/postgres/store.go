package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ job.Store   = (*Store)(nil)
	_ batch.Store = (*Store)(nil)
	_ quota.Store = (*Store)(nil)
)

// migrateLockKey serializes Migrate across replicas starting together.
const migrateLockKey int64 = 0x636f6e64 // "cond"

// Store is the PostgreSQL store, built on a pgx pool.
// Job and batch mutations lock the row with SELECT ... FOR UPDATE and
// write back under a version check. Admission serializes per client on a
// transaction-scoped advisory lock.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New connects to dsn, e.g.
// "postgres://conductor:secret@db:5432/conductor?sslmode=disable".
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: connect: %w", err)
	}
	return NewFromPool(pool, opts...), nil
}

// NewFromPool wraps an existing pool. Close closes it.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded migrations that have not run yet, in file
// name order, inside one transaction. Concurrent callers wait on an
// advisory lock, so replicas booting together migrate once.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("conductor/postgres: list migrations: %w", err)
	}

	var applied []string
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrateLockKey); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS conductor_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
			return err
		}

		for _, file := range files {
			name := path.Base(file)
			var done bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM conductor_migrations WHERE filename = $1)`, name,
			).Scan(&done); err != nil {
				return err
			}
			if done {
				continue
			}
			sql, err := migrations.ReadFile(file)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO conductor_migrations (filename) VALUES ($1)`, name); err != nil {
				return err
			}
			applied = append(applied, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: conductor/postgres: %w", conductor.ErrMigrationFailed, err)
	}
	for _, name := range applied {
		s.logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the connection pool to tests and tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
