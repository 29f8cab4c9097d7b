// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: row locks (SELECT ... FOR UPDATE) around every job and batch
// transition, per-client advisory locks for admission, embedded SQL
// migrations.
package postgres
