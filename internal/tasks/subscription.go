// ABOUTME: Live session feed that always opens with an init snapshot
// ABOUTME: Idle sessions end right after the snapshot; there is nothing to stream

package tasks

import (
	"context"
	"fmt"
	"io"

	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/store"
)

// Subscription is one client's view of a session.
type Subscription struct {
	sub       *bridge.Subscription
	init      *bridge.Event
	endOnInit bool
}

// Subscribe registers for live updates on sessionID, which may be the
// internal or the external id. It replaces any existing subscriber for the
// same id.
//
// The bridge registration happens before the snapshot is read, so an event
// emitted in between is delivered after init rather than lost.
func (s *Service) Subscribe(ctx context.Context, sessionID, userID string) (*Subscription, error) {
	if _, err := s.store.GetSessionForUser(ctx, sessionID, userID); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	sub := s.bridge.Register(sessionID)
	sess, err := s.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	status := sess.Status
	if status == "" {
		status = store.StatusIdle
	}
	init := &bridge.Event{
		Type:      bridge.EventInit,
		SessionID: sessionID,
		Status:    status,
		Title:     sess.Title,
		Messages:  sess.Messages,
	}
	s.metrics.IncBridgeEvent(string(bridge.EventInit))
	s.logger.Debug("subscriber attached", "session_id", sess.ID, "key", sessionID, "idle", sess.ActiveJobID == "")

	return &Subscription{
		sub:       sub,
		init:      init,
		endOnInit: sess.ActiveJobID == "",
	}, nil
}

// Next returns the init snapshot first, then live events. It returns io.EOF
// after the snapshot when the session had no active job.
func (s *Subscription) Next(ctx context.Context) (bridge.Event, error) {
	if s.init != nil {
		ev := *s.init
		s.init = nil
		return ev, nil
	}
	if s.endOnInit {
		s.sub.Close()
		return bridge.Event{}, io.EOF
	}
	return s.sub.Next(ctx)
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.sub.Close()
}
