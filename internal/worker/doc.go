// Package worker runs the pool of goroutines that execute query jobs.
//
// Each worker reserves the next waiting job and processes it:
//
//  1. Claim the job on its session row, clearing any stale owner of the same job id.
//  2. Resolve the workspace root (ErrWorkspaceNotFound when missing).
//  3. Open the agent stream, resuming the session's external conversation id.
//  4. Before handling each message, stop quietly if the job's handle was revoked.
//  5. Record the conversation id on system/init, accumulate user and assistant
//     content into turns, and flush each turn as one persisted message.
//  6. Emit a message_update after every flush.
//  7. Report coarse progress: 50 while streaming, 100 when done.
//  8. On error, persist what was accumulated, emit failed and let the queue retry.
//  9. Always deregister the job's handle.
//
// Cancellation is cooperative: Revoke only flips a flag that the loop checks
// between messages, so a long agent-side operation runs to its next message.
package worker
