// ABOUTME: In-process Queue backend with timers for delayed retries
// ABOUTME: Used for single-process deployments and as the reference backend in tests

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-queue/internal/mailbox"
)

// MemoryQueue keeps all jobs in process memory.
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	jobs    map[string]*Job
	waiting []string               // FIFO of waiting job ids
	timers  map[string]*time.Timer // delayed job promotions
	wake    chan struct{}          // closed and replaced when a job becomes waiting
	subs    map[*mailbox.Mailbox[Event]]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewMemoryQueue creates an empty in-memory queue. Pass nil logger for default.
func NewMemoryQueue(opts Options, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		wake:   make(chan struct{}),
		subs:   make(map[*mailbox.Mailbox[Event]]struct{}),
		logger: logger.With("component", "queue", "backend", "memory"),
	}
}

// publishLocked queues ev for every subscriber. Must be called with mu held,
// which is what keeps event order identical to state-change order.
func (q *MemoryQueue) publishLocked(ev Event) {
	for mb := range q.subs {
		if err := mb.Push(ev); err != nil {
			q.logger.Error("dropping queue subscriber", "error", err, "job_id", ev.JobID)
			delete(q.subs, mb)
		}
	}
}

// wakeLocked releases every goroutine blocked in Reserve. Must be called with mu held.
func (q *MemoryQueue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func snapshot(job *Job) *Job {
	c := *job
	return &c
}

// Add enqueues a new waiting job.
func (q *MemoryQueue) Add(ctx context.Context, payload Payload) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	job := &Job{
		ID:          uuid.New().String(),
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	q.jobs[job.ID] = job
	q.waiting = append(q.waiting, job.ID)

	q.publishLocked(Event{Type: EventWaiting, JobID: job.ID})
	q.wakeLocked()

	q.logger.Debug("job added", "job_id", job.ID, "session_id", payload.SessionID)
	return snapshot(job), nil
}

// Get returns a snapshot of a job.
func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return snapshot(job), nil
}

// Remove deletes a pending or finished job.
func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	switch job.State {
	case StateActive:
		return ErrJobActive
	case StateWaiting:
		for i, wid := range q.waiting {
			if wid == id {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
	case StateDelayed:
		if timer, ok := q.timers[id]; ok {
			timer.Stop()
			delete(q.timers, id)
		}
	}

	delete(q.jobs, id)
	q.publishLocked(Event{Type: EventRemoved, JobID: id})
	q.logger.Debug("job removed", "job_id", id, "state", job.State)
	return nil
}

// Reserve blocks until a waiting job is available and marks it active.
func (q *MemoryQueue) Reserve(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]

			job := q.jobs[id]
			job.State = StateActive
			job.Attempts++
			job.ProcessedAt = time.Now().UTC()
			q.publishLocked(Event{Type: EventActive, JobID: id, Attempt: job.Attempts})

			snap := snapshot(job)
			q.mu.Unlock()
			return snap, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// activeLocked returns the job if it is active. Must be called with mu held.
func (q *MemoryQueue) activeLocked(id string) (*Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != StateActive {
		return nil, fmt.Errorf("job %s is %s, not active", id, job.State)
	}
	return job, nil
}

// UpdateProgress records progress for an active job.
func (q *MemoryQueue) UpdateProgress(ctx context.Context, id string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeLocked(id)
	if err != nil {
		return err
	}
	job.Progress = clampProgress(progress)
	q.publishLocked(Event{Type: EventProgress, JobID: id, Progress: job.Progress})
	return nil
}

// Complete marks an active job completed.
func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeLocked(id)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedAt = time.Now().UTC()
	q.publishLocked(Event{Type: EventCompleted, JobID: id, Attempt: job.Attempts})

	q.logger.Debug("job completed", "job_id", id, "attempts", job.Attempts)
	return nil
}

// Fail records a failed attempt and schedules a retry while attempts remain.
func (q *MemoryQueue) Fail(ctx context.Context, id string, cause error) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeLocked(id)
	if err != nil {
		return "", err
	}
	if cause != nil {
		job.FailedReason = cause.Error()
	}

	if job.Attempts < job.MaxAttempts {
		delay := BackoffDelay(q.opts.Backoff, job.Attempts)
		job.State = StateDelayed
		q.timers[id] = time.AfterFunc(delay, func() { q.promote(id) })
		q.publishLocked(Event{Type: EventDelayed, JobID: id, Attempt: job.Attempts, Error: job.FailedReason, DelayMS: delay.Milliseconds()})

		q.logger.Info("job delayed for retry", "job_id", id, "attempt", job.Attempts, "delay", delay)
		return StateDelayed, nil
	}

	job.State = StateFailed
	job.FinishedAt = time.Now().UTC()
	q.publishLocked(Event{Type: EventFailed, JobID: id, Attempt: job.Attempts, Error: job.FailedReason})

	q.logger.Warn("job failed", "job_id", id, "attempts", job.Attempts, "error", job.FailedReason)
	return StateFailed, nil
}

// promote moves a delayed job back to waiting once its backoff elapses.
func (q *MemoryQueue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, id)
	job, ok := q.jobs[id]
	if !ok || job.State != StateDelayed || q.closed {
		return
	}
	job.State = StateWaiting
	q.waiting = append(q.waiting, id)
	q.publishLocked(Event{Type: EventWaiting, JobID: id, Attempt: job.Attempts})
	q.wakeLocked()
}

// Clean purges finished jobs older than the retention window.
func (q *MemoryQueue) Clean(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.opts.Retention)
	removed := 0
	for id, job := range q.jobs {
		if job.State.Terminal() && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Subscribe streams lifecycle events until ctx is cancelled.
func (q *MemoryQueue) Subscribe(ctx context.Context) (<-chan Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	mb := mailbox.New[Event](0)
	q.subs[mb] = struct{}{}
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subs, mb)
		q.mu.Unlock()
		mb.Close()
	}()

	return forward(ctx, mb, q.logger), nil
}

// Close stops the queue, releasing blocked Reserve calls and subscribers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	for mb := range q.subs {
		mb.Close()
		delete(q.subs, mb)
	}
	close(q.wake)
	return nil
}

// forward drains a mailbox into a channel until ctx is done or the mailbox closes.
func forward(ctx context.Context, mb *mailbox.Mailbox[Event], logger *slog.Logger) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			ev, err := mb.Pop(ctx)
			if err != nil {
				if errors.Is(err, mailbox.ErrOverflow) {
					logger.Error("queue subscriber fell behind, subscription closed")
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

var _ Queue = (*MemoryQueue)(nil)
