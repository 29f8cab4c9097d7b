// Package engine wires all Conductor subsystems together and provides
// the client-facing operations.
//
// # Building an Engine
//
//	c, err := conductor.New(
//	    conductor.WithStore(pgStore),
//	    conductor.WithDefaultQuota(10),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithDispatcher(redisDispatcher),
//	    engine.WithExtension(myExtension),
//	    engine.WithWebhookOptions(webhook.WithSecret(secret)),
//	    engine.WithStorage(localStorage),
//	)
//
// Without [WithDispatcher] jobs go to an in-process queue. Pair it with
// [WithExecutor] to run them in the same process:
//
//	eng, err := engine.Build(c,
//	    engine.WithExecutor(worker.NewCommandExecutor("/usr/local/bin/transcode"), 4),
//	    engine.WithQueueConfig(queue.Config{Name: queue.QueueLow, RateLimit: 1}),
//	)
//
// # Submitting Work
//
//	j, err := eng.Submit(ctx, clientID, job.Spec{InputRef: in, OutputRef: out})
//	b, children, err := eng.SubmitBatch(ctx, clientID, admission.BatchRequest{...})
//
// Every read and mutation is scoped to the calling client: records owned
// by another client are reported as not found.
//
// # Lifecycle
//
// [Engine.Start] resumes the drivers of batches left unfinished by a
// previous process. [Engine.Stop] drains batch drivers, the worker pool and
// the webhook sender in that order, then closes the dispatcher and store.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithDispatcher]: choose the queue backend
//   - [WithExecutor]: run jobs in-process
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the enqueue retry strategy
//   - [WithQueueConfig]: configure per-tier rate limits and concurrency
//   - [WithWebhookOptions]: configure webhook delivery
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
