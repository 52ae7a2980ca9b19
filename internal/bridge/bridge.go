// ABOUTME: Single-subscriber-per-session event bridge backed by mailboxes
// ABOUTME: Register replaces, Unregister drops, Emit queues without blocking

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-queue/internal/mailbox"
	"github.com/2389/coven-queue/internal/metrics"
	"github.com/2389/coven-queue/internal/store"
)

var (
	// ErrSubscriberOverflow closes a subscription whose reader fell too far behind.
	ErrSubscriberOverflow = errors.New("subscriber fell behind")

	// ErrReplaced closes a subscription when another one registers for the same key.
	ErrReplaced = errors.New("subscription replaced by a newer subscriber")

	// ErrUnsubscribed closes a subscription removed by Unregister or Close.
	ErrUnsubscribed = errors.New("unsubscribed")
)

// EventType identifies a bridge event.
type EventType string

const (
	EventInit             EventType = "init"
	EventWaiting          EventType = "waiting"
	EventActive           EventType = "active"
	EventProgress         EventType = "progress"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventSessionIDChanged EventType = "sessionIdChanged"
	EventMessageUpdate    EventType = "message_update"
)

// Event is the wire shape streamed to clients.
type Event struct {
	Type         EventType           `json:"type"`
	SessionID    string              `json:"sessionId"`
	Status       store.SessionStatus `json:"status,omitempty"`
	Progress     int                 `json:"progress,omitempty"`
	Messages     []store.Message     `json:"messages,omitempty"`
	Title        string              `json:"title,omitempty"`
	Error        string              `json:"error,omitempty"`
	OldSessionID string              `json:"oldSessionId,omitempty"`
	NewSessionID string              `json:"newSessionId,omitempty"`
}

// Subscription receives events for one key until closed.
type Subscription struct {
	key    string
	mb     *mailbox.Mailbox[Event]
	bridge *Bridge
}

// Key returns the session key the subscription listens on.
func (s *Subscription) Key() string {
	return s.key
}

// Next blocks for the next event. After the subscription closes, queued
// events are still returned before the close reason.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	ev, err := s.mb.Pop(ctx)
	if errors.Is(err, mailbox.ErrOverflow) {
		return Event{}, ErrSubscriberOverflow
	}
	return ev, err
}

// Close unregisters the subscription if it is still the live one for its key.
func (s *Subscription) Close() {
	s.bridge.remove(s, ErrUnsubscribed)
}

// Bridge routes events to the live subscriber of each session key.
type Bridge struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	limit   int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a bridge. limit bounds each subscriber's backlog (<= 0 uses
// mailbox.DefaultLimit). m and logger may be nil.
func New(limit int, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		subs:    make(map[string]*Subscription),
		limit:   limit,
		metrics: m,
		logger:  logger.With("component", "bridge"),
	}
}

// Register makes a new subscription the only live one for key, closing any
// previous subscriber with ErrReplaced.
func (b *Bridge) Register(key string) *Subscription {
	sub := &Subscription{
		key:    key,
		mb:     mailbox.New[Event](b.limit),
		bridge: b,
	}

	b.mu.Lock()
	prev := b.subs[key]
	b.subs[key] = sub
	b.mu.Unlock()

	if prev != nil {
		prev.mb.CloseWith(ErrReplaced)
		b.logger.Debug("subscriber replaced", "session_key", key)
	} else {
		b.logger.Debug("subscriber added", "session_key", key)
	}
	return sub
}

// Unregister closes and removes whatever subscriber is live for key.
func (b *Bridge) Unregister(key string) {
	b.mu.Lock()
	sub := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()

	if sub != nil {
		sub.mb.CloseWith(ErrUnsubscribed)
		b.logger.Debug("subscriber removed", "session_key", key)
	}
}

// remove drops sub only if it is still the live subscriber for its key.
func (b *Bridge) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	if b.subs[sub.key] == sub {
		delete(b.subs, sub.key)
	}
	b.mu.Unlock()
	sub.mb.CloseWith(reason)
}

// Emit queues ev for key's subscriber and reports whether one was listening.
// ev.SessionID defaults to key.
func (b *Bridge) Emit(key string, ev Event) bool {
	if ev.SessionID == "" {
		ev.SessionID = key
	}

	// Push under the lock so a concurrent Register cannot interleave between
	// lookup and delivery and reorder events across subscribers.
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return false
	}
	err := sub.mb.Push(ev)
	if errors.Is(err, mailbox.ErrOverflow) {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	if err != nil {
		if errors.Is(err, mailbox.ErrOverflow) {
			b.metrics.IncBridgeOverflow()
			b.logger.Warn("subscriber fell behind, subscription closed", "session_key", key)
		}
		return false
	}
	b.metrics.IncBridgeEvent(string(ev.Type))
	return true
}

// EmitAll emits ev to each distinct non-empty key and returns how many
// subscribers received it.
func (b *Bridge) EmitAll(ev Event, keys ...string) int {
	delivered := 0
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if b.Emit(key, ev) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mb.CloseWith(ErrUnsubscribed)
	}
	b.logger.Debug("bridge closed")
}
