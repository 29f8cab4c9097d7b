// Package observability provides an OpenTelemetry metrics extension. The
// MetricsExtension implements lifecycle hooks to record system-wide
// counters for job queue, start, completion, failure, cancellation and
// retry events, and for batch outcomes.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
