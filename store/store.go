package store

import (
	"context"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/quota"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store so that operations
// spanning jobs, batches and quotas can share one transaction.
type Store interface {
	job.Store
	batch.Store
	quota.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
