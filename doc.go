// Package conductor is an orchestration engine for media-processing work.
//
// It accepts transcoding and analysis requests from many API clients, admits
// them under per-client quotas, hands them to a queue for remote executors,
// tracks every job through a strict lifecycle, and tells clients how their
// work is going. Related files can be grouped into a batch that runs with a
// bounded number of children in flight and tolerates partial failure.
//
// The engine never touches media. Executors do the encoding and report back
// through the progress callbacks; storage backends are opaque references.
//
// # Quick Start
//
//	st := memory.New()
//	eng, err := engine.Build(
//	    conductor.WithStore(st),
//	    conductor.WithLogger(logger),
//	)
//	j, err := eng.Submit(ctx, "client-a", job.Spec{
//	    InputRef:  "s3://in/a.mov",
//	    OutputRef: "s3://out/a.mp4",
//	})
//
// # Architecture
//
// Each subsystem (job, batch, quota) defines its own store interface and a
// single backend implements all of them. The store is the only source of
// truth for lifecycle state: queues, brokers and webhooks are delivery
// mechanisms that may lose or duplicate messages without corrupting it.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package conductor
