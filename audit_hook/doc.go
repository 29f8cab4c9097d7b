// Package audithook is a Conductor extension that turns job and batch
// lifecycle events into an audit trail.
//
// Every lifecycle hook emits a structured audit event through the
// [Recorder] interface. The extension assigns a severity (info for normal
// operations, warning for cancellations and retries, critical for
// failures) and metadata such as the owning client, batch, priority and
// elapsed time.
//
// # Logging audit events
//
//	eng, err := engine.Build(c,
//	    engine.WithExtension(audithook.New(audithook.NewLogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder, audithook.WithMinSeverity(audithook.SeverityWarning))
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionBatchFinished,
//	    ),
//	)
package audithook
