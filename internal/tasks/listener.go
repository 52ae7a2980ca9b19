// ABOUTME: Forwards queue lifecycle events to session subscribers
// ABOUTME: Releases active jobs and registry entries when jobs finish

package tasks

import (
	"context"
	"errors"

	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

// ErrEventStreamEnded is returned by Run when the queue stops delivering
// events while the listener is still wanted, for example after the listener
// fell too far behind. Terminal events would otherwise go unhandled.
var ErrEventStreamEnded = errors.New("queue event stream ended")

// Run consumes the queue's event stream until ctx is cancelled. A queue that
// is already closed returns nil.
func (s *Service) Run(ctx context.Context) error {
	events, err := s.queue.Subscribe(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		return err
	}

	s.logger.Info("queue event listener started")
	for ev := range events {
		s.handleQueueEvent(ctx, ev)
	}
	if ctx.Err() == nil {
		s.logger.Error("queue event stream ended unexpectedly")
		return ErrEventStreamEnded
	}
	s.logger.Info("queue event listener stopped")
	return nil
}

func (s *Service) handleQueueEvent(ctx context.Context, ev queue.Event) {
	target, ok := s.resolve(ctx, ev.JobID)
	if !ok {
		s.logger.Debug("queue event for unknown job", "job_id", ev.JobID, "type", ev.Type)
		return
	}

	out := bridge.Event{SessionID: target.SessionID}
	switch ev.Type {
	case queue.EventWaiting:
		out.Type = bridge.EventWaiting
	case queue.EventDelayed:
		// Retry pending; still waiting from the client's point of view
		out.Type = bridge.EventWaiting
		out.Error = ev.Error
	case queue.EventActive:
		out.Type = bridge.EventActive
		out.Status = store.StatusRunning
	case queue.EventProgress:
		out.Type = bridge.EventProgress
		out.Status = store.StatusRunning
		out.Progress = ev.Progress
	case queue.EventCompleted:
		s.finish(ctx, target, ev.JobID)
		out.Type = bridge.EventCompleted
		out.Status = s.statusOf(ctx, target.SessionID, store.StatusCompleted)
		out.Progress = 100
	case queue.EventFailed:
		s.finish(ctx, target, ev.JobID)
		out.Type = bridge.EventFailed
		out.Status = store.StatusFailed
		out.Error = ev.Error
	case queue.EventRemoved:
		s.finish(ctx, target, ev.JobID)
		return
	default:
		return
	}

	s.bridge.EmitAll(out, target.Keys()...)
}

// resolve maps a job to its session, falling back to the job payload when the
// registry has no entry (expired, or the event raced the registration).
func (s *Service) resolve(ctx context.Context, jobID string) (registry.Target, bool) {
	if target, ok := s.registry.Find(jobID); ok {
		return target, true
	}
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return registry.Target{}, false
	}
	target := registry.Target{SessionID: job.Payload.SessionID}
	if sess, err := s.store.GetSession(ctx, target.SessionID); err == nil {
		target.ExternalID = sess.ExternalSessionID
	}
	return target, true
}

// finish clears job bookkeeping once the queue is done with it.
func (s *Service) finish(ctx context.Context, target registry.Target, jobID string) {
	s.release(ctx, target.SessionID, jobID)
	s.registry.Cleanup(jobID)
}

// statusOf returns the session's persisted status, or fallback when unavailable.
// A revoked job completes in the queue but leaves its session idle.
func (s *Service) statusOf(ctx context.Context, sessionID string, fallback store.SessionStatus) store.SessionStatus {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status == "" {
		return fallback
	}
	return sess.Status
}
