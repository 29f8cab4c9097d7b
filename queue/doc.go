// Package queue defines the dispatch boundary between the engine and the
// executor fleet, and the per-tier and per-client gate used by the local
// worker pool.
//
// Jobs are placed on one of three tiers by priority: [QueueHigh],
// [QueueNormal] and [QueueLow]. A [Dispatcher] accepts admitted jobs and
// hands them to executors; backends live in sub-packages:
//
//   - queue/local: in-process bounded channels consumed by worker.Pool
//   - queue/redis: sorted set per tier on go-redis, true revoke via ZREM
//   - queue/sqs: one AWS SQS queue per tier, best-effort revoke
//
// Cancel revokes work an executor has not received yet. Where a backend
// cannot revoke, the store transition to cancelled is authoritative and the
// executor's later claim fails. SignalRunningCancel asks the claim holder to
// stop.
//
// # Manager
//
// [Manager] enforces per-tier and per-client limits when the local pool is
// about to start a job. It uses a token-bucket rate limiter
// (golang.org/x/time/rate) and an active-count gate for concurrency.
//
//	m := queue.NewManager(
//	    queue.Config{Name: queue.QueueLow, MaxConcurrency: 2},
//	    queue.Config{Name: queue.QueueHigh, RateLimit: 10, RateBurst: 20},
//	)
//	m.SetDefaultClientConfig(queue.ClientConfig{MaxConcurrency: 4})
//	if m.Acquire(delivery.Queue, clientID) {
//	    defer m.Release(delivery.Queue, clientID)
//	    // run the job
//	}
//
// Tiers without a [Config] have no limits beyond the pool-wide concurrency.
package queue
