// Package batch defines the batch entity, its aggregation rules, and the
// store interface.
//
// A batch groups jobs that share a client and a concurrency cap. Its
// status is derived from its children by pure counting ([Tally] and
// [Resolve]): it never depends on the order in which children finished.
package batch
