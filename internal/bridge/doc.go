// Package bridge is the in-process publish/subscribe layer between the task
// pipeline and client-facing streams.
//
// Each session key holds at most one live Subscription. Registering the same
// key again closes the previous subscription with ErrReplaced, which suits
// single-viewer sessions: a reloaded browser tab takes over from the old one.
//
// Emit never blocks. Events are queued in the subscriber's mailbox and read in
// order with Subscription.Next, so a burst of events raised before the reader
// comes back is delivered in full. A subscriber that falls more than
// mailbox.DefaultLimit events behind is closed with ErrSubscriberOverflow and
// is expected to subscribe again for a fresh init snapshot.
package bridge
