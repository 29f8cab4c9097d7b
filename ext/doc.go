// Package ext is the lifecycle hook system. The stream broker, webhook
// notifier, metrics extension and audit hook all plug in here.
//
// Each hook is its own interface; an extension implements only the ones
// it needs:
//
//	type slack struct{ hook string }
//
//	func (s *slack) Name() string { return "slack" }
//
//	func (s *slack) OnBatchFinished(ctx context.Context, b *batch.Batch, elapsed time.Duration) error {
//	    return post(ctx, s.hook, fmt.Sprintf("batch %s %s after %s", b.ID, b.Status, elapsed))
//	}
//
// Job hooks: [JobQueued], [JobStarted], [JobProgressed], [JobCompleted],
// [JobFailed], [JobCancelled], [JobRetried]. Batch hooks: [BatchStarted],
// [BatchFinished]. Engine hooks: [Shutdown].
package ext
