package webhook

import (
	"context"
	"time"

	"github.com/rendiffdev/conductor/ext"
	"github.com/rendiffdev/conductor/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Notifier)(nil)
	_ ext.JobQueued    = (*Notifier)(nil)
	_ ext.JobStarted   = (*Notifier)(nil)
	_ ext.JobCompleted = (*Notifier)(nil)
	_ ext.JobFailed    = (*Notifier)(nil)
	_ ext.JobRetried   = (*Notifier)(nil)
)

// Notifier turns lifecycle events into webhook deliveries.
type Notifier struct {
	sender *Sender
}

// NewNotifier creates a Notifier backed by sender.
func NewNotifier(sender *Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Name implements ext.Extension.
func (n *Notifier) Name() string { return "webhook" }

// OnJobQueued sends the queued event.
func (n *Notifier) OnJobQueued(ctx context.Context, j *job.Job) error {
	n.sender.Notify(ctx, j, job.WebhookQueued)
	return nil
}

// OnJobRetried sends the queued event; a retried job is queued again.
func (n *Notifier) OnJobRetried(ctx context.Context, j *job.Job) error {
	n.sender.Notify(ctx, j, job.WebhookQueued)
	return nil
}

// OnJobStarted sends the processing event.
func (n *Notifier) OnJobStarted(ctx context.Context, j *job.Job) error {
	n.sender.Notify(ctx, j, job.WebhookProcessing)
	return nil
}

// OnJobCompleted sends the complete event.
func (n *Notifier) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	n.sender.Notify(ctx, j, job.WebhookComplete)
	return nil
}

// OnJobFailed sends the error event.
func (n *Notifier) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	n.sender.Notify(ctx, j, job.WebhookError)
	return nil
}
