// Package store defines how fan-out/fan-in state and delivery locks are persisted.
//
// A JobStore records one ParentJob per fan-out, collects child completions as a
// set (sharded into buckets by the durable backends) and deletes the parent
// exactly once. An IdempotencyStore holds create-once locks that expire after
// DefaultLockRetention.
//
// Backends:
//   - memory: a single explicit in-process instance, for tests and single-instance runs
//   - mongo: the durable document-store backend
//   - redis: a durable backend built on atomic set and script primitives
//
// The postgres package archives dead letters and is not a JobStore.
package store
