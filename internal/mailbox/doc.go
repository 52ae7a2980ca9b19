// Package mailbox provides an ordered, non-blocking FIFO used to hand events
// from producers to a single consumer without losing any of them.
//
// A producer calls Push, which never blocks. The consumer drains with Pop in a
// loop. Because items are queued rather than handed over through a one-shot
// channel, events raised back to back before the consumer re-arms are all
// delivered, in the order they were pushed.
//
// Each Mailbox has a capacity limit. When a slow consumer lets the backlog
// grow past it, Push returns ErrOverflow and the mailbox closes: the consumer
// observes ErrOverflow from Pop once the backlog is drained. Callers treat
// that as "resubscribe", never as a silent gap.
package mailbox
