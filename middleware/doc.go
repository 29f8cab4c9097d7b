// Package middleware wraps executor runs in the local worker pool.
//
// The engine installs, outermost first:
//
//	Recover → Tracing → Metrics → Logging → Timeout → executor
//
// Extra middleware passed to engine.WithMiddleware run inside that stack.
// Every middleware must call next unless it fails the run itself.
package middleware
