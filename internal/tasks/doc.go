// Package tasks is the entry point for starting, cancelling and observing
// agent queries.
//
// # Service
//
// The Service ties the queue, the session store, the registry and the bridge
// together:
//
//	svc := tasks.New(tasks.Deps{Store: st, Queue: q, Bridge: br, Registry: reg, Workers: pool}, logger)
//	go svc.Run(ctx) // forwards queue lifecycle events to subscribers
//
// Key operations:
//
//   - StartQuery: create or reuse a session and enqueue a job. Fails with
//     ErrConflict while the session's previous job is waiting, delayed or active.
//   - CancelQuery: remove a job that has not started, or revoke a running one.
//   - Subscribe: a live feed that always begins with an init snapshot.
//   - GetSessionHistory, ListSessions, DeleteSession.
//
// # Queue Events
//
// Run consumes the queue's event stream, resolves each job to its session
// through the registry (falling back to the job payload), and forwards the
// event to every key a subscriber may be listening under. Terminal events
// release the session's active job and drop the registry entry.
//
// # Cancellation
//
// Cancelling a waiting job is synchronous and guaranteed. Cancelling a running
// job is cooperative: the worker stops at its next message boundary, and an
// agent turn already in flight is not interrupted.
package tasks
