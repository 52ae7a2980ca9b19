// ABOUTME: Unbounded-until-limit FIFO with a single consumer and many producers
// ABOUTME: Push never blocks; Pop blocks until an item, close, or context cancellation

package mailbox

import (
	"context"
	"errors"
	"sync"
)

// DefaultLimit is the backlog size at which a mailbox overflows.
const DefaultLimit = 4096

var (
	// ErrClosed is returned by Push and Pop once the mailbox is closed and drained.
	ErrClosed = errors.New("mailbox closed")

	// ErrOverflow is returned when the backlog exceeded the mailbox limit.
	ErrOverflow = errors.New("mailbox overflow")
)

// Mailbox is a FIFO of T values.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	limit  int
	err    error // non-nil once closed
}

// New creates a mailbox. A limit <= 0 uses DefaultLimit.
func New[T any](limit int) *Mailbox[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// Push appends v. It returns ErrClosed if the mailbox was closed, and
// ErrOverflow (closing the mailbox) if the backlog is full.
func (m *Mailbox[T]) Push(v T) error {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	if len(m.items) >= m.limit {
		m.err = ErrOverflow
		m.mu.Unlock()
		m.signal()
		return ErrOverflow
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Pop removes and returns the oldest item, blocking until one is available.
// Items pushed before Close are still returned; after that Pop reports the
// close reason.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, nil
		}
		err := m.err
		m.mu.Unlock()

		if err != nil {
			var zero T
			return zero, err
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the current backlog.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting new items. It is safe to call multiple times.
func (m *Mailbox[T]) Close() {
	m.CloseWith(ErrClosed)
}

// CloseWith closes the mailbox with a custom reason that Pop reports once the
// backlog is drained. The first close reason wins.
func (m *Mailbox[T]) CloseWith(reason error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = reason
	}
	m.mu.Unlock()
	m.signal()
}

// signal wakes a blocked Pop without blocking the caller.
func (m *Mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
