// Package job defines the media job entity, its state machine, the
// submission spec, and the store interface.
//
// # Lifecycle
//
// A [Job] moves through a small state machine. Only these transitions are
// legal:
//
//	queued → processing        (Claim, by exactly one worker token)
//	processing → completed     (Complete, by the claim owner)
//	processing → failed        (Fail, by the claim owner; Abort, by the engine)
//	queued|processing → cancelled   (Cancel)
//	failed → queued            (Retry, below the retry ceiling)
//	queued → failed            (Abort, when dispatch fails after creation)
//
// Completed, failed and cancelled are terminal. Every transition method
// lives on [Job] so the in-memory store and the SQL stores apply exactly
// the same rules; stores only add atomicity.
//
// # Ownership
//
// Claim stores an opaque worker token on the job. Progress, Complete and
// Fail must present the same token; anything else is a conflict. The token
// is kept after the job ends so a cancel can still reach the worker that
// held it, and cleared when the job is retried.
package job
