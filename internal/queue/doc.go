// Package queue implements the durable, retrying job queue that feeds the
// worker pool.
//
// # Lifecycle
//
//	waiting ──Reserve──▶ active ──Complete──▶ completed
//	   ▲                   │
//	   │                 Fail (attempts < max)
//	   │                   ▼
//	   └──── promote ─── delayed          Fail (attempts == max) ──▶ failed
//
// delayed is the retry-pending sub-state of waiting. The delay before attempt
// n+1 is Backoff * 2^(n-1), so with the defaults (3 attempts, 2s) a job that
// always fails is retried after 2s and 4s and then reported failed.
//
// # Removal
//
// Remove deletes a waiting or delayed job outright: it never ran, so this is a
// clean cancel. Active jobs return ErrJobActive; they can only be stopped
// cooperatively by whoever is processing them.
//
// # Events
//
// Every state change publishes an Event. Subscribe returns a channel that
// delivers them in the order the queue applied the changes, with no drops.
//
// # Backends
//
//   - MemoryQueue: in-process, used for development and tests
//   - RedisQueue: lists, sorted sets and hashes in Redis; state changes and
//     their events are applied atomically by Lua scripts and fanned out with
//     Redis pub/sub
package queue
