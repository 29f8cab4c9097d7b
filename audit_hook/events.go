package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobQueued     = "job.queued"
	ActionJobStarted    = "job.started"
	ActionJobCompleted  = "job.completed"
	ActionJobFailed     = "job.failed"
	ActionJobCancelled  = "job.cancelled"
	ActionJobRetried    = "job.retried"
	ActionBatchStarted  = "batch.started"
	ActionBatchFinished = "batch.finished"
)

// Audit event categories group related actions.
const (
	CategoryJob   = "conductor.job"
	CategoryBatch = "conductor.batch"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob   = "job"
	ResourceBatch = "batch"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobQueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCancelled,
		ActionJobRetried,
		ActionBatchStarted,
		ActionBatchFinished,
	}
}
