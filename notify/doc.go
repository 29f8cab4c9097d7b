// Package notify is the progress and notification service. Executors report
// through it (claim, progress, completion and failure), it records each
// report in the store and then emits the matching lifecycle event through
// the extension registry, which fans out to the stream broker, the webhook
// notifier and the metrics extension.
//
// Completion also accounts the job's processing minutes against the
// client's monthly quota.
//
// StreamEvents serves clients that follow one job: it polls the store and
// yields progress changes followed by exactly one terminal event.
package notify
