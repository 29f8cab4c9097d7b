package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store   = (*Store)(nil)
	_ batch.Store = (*Store)(nil)
	_ quota.Store = (*Store)(nil)
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite implementation of store.Store built on database/sql,
// mattn/go-sqlite3 and squirrel.
type Store struct {
	db     *sql.DB
	sq     sq.StatementBuilderType
	logger *slog.Logger
	now    func() time.Time
	owned  bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens the database file at dbPath with the connection settings the
// store relies on: immediate write transactions, a busy timeout, WAL and
// foreign keys. The returned Store owns the connection and closes it on
// Close.
func Open(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("conductor/sqlite: open: %w", err)
	}
	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing *sql.DB. The caller owns the db lifecycle and must
// open it with "_txlock=immediate" so that write transactions serialize.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		sq:     sq.StatementBuilder,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded SQL migrations in name order, recording each
// in conductor_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS conductor_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("%w: conductor/sqlite: create migrations table: %w", conductor.ErrMigrationFailed, err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("conductor/sqlite: read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var n int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM conductor_migrations WHERE name = ?`, name).Scan(&n)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			body, err := migrationsFS.ReadFile(path.Join("migrations", name))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO conductor_migrations (name, applied_at) VALUES (?, ?)`,
				name, formatTime(s.now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: conductor/sqlite: apply %s: %w", conductor.ErrMigrationFailed, name, err)
		}
		s.logger.Debug("sqlite migration applied", slog.String("migration", name))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn within a transaction. With _txlock=immediate the
// transaction takes the write lock up front, so read-check-write sequences
// inside fn cannot interleave with another writer.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isDuplicateKey reports whether err is a primary key or unique violation.
func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders t in a fixed-width UTC layout so that string
// comparison orders timestamps correctly.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column maps to nil pointer
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
