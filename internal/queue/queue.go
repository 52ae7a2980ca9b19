// ABOUTME: Job, state, and event types shared by all queue backends
// ABOUTME: Defines the Queue interface and the exponential backoff policy

package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id is unknown (or already purged).
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when removing a job that a worker is processing.
	ErrJobActive = errors.New("job is active")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultRetention   = time.Hour
)

// State is a job's position in the lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Pending reports whether the job has not started yet (waiting or delayed).
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is the unit of work handed to a worker.
type Payload struct {
	SessionID         string `json:"session_id"`
	ExternalSessionID string `json:"external_session_id,omitempty"` // Resume hint
	Prompt            string `json:"prompt"`
	WorkspaceID       string `json:"workspace_id"`
	UserID            string `json:"user_id"`
}

// Job is a queued unit of work and its bookkeeping.
type Job struct {
	ID           string
	Payload      Payload
	State        State
	Attempts     int // Number of times the job has been started
	MaxAttempts  int
	Progress     int
	FailedReason string
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// EventType identifies a queue lifecycle event.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventDelayed   EventType = "delayed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRemoved   EventType = "removed"
)

// Event is published on every job state change.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Attempt  int       `json:"attempt,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	DelayMS  int64     `json:"delay_ms,omitempty"`
}

// Options configures retry and retention behavior.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Retention   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// BackoffDelay returns the wait before retrying a job whose attempt-th run failed.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Queue is implemented by every backend.
type Queue interface {
	// Add enqueues a new waiting job.
	Add(ctx context.Context, payload Payload) (*Job, error)

	// Get returns a snapshot of a job.
	Get(ctx context.Context, id string) (*Job, error)

	// Remove deletes a job that has not started, or one that already finished.
	// Active jobs return ErrJobActive.
	Remove(ctx context.Context, id string) error

	// Reserve blocks until a waiting job is available and marks it active.
	Reserve(ctx context.Context) (*Job, error)

	// UpdateProgress records a 0-100 progress value for an active job.
	UpdateProgress(ctx context.Context, id string, progress int) error

	// Complete marks an active job completed.
	Complete(ctx context.Context, id string) error

	// Fail records a failed attempt. The job is delayed for retry while attempts
	// remain, otherwise it becomes failed. The resulting state is returned.
	Fail(ctx context.Context, id string, cause error) (State, error)

	// Clean purges finished jobs older than the retention window.
	Clean(ctx context.Context) (int, error)

	// Subscribe streams lifecycle events until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)

	Close() error
}
