// ABOUTME: Live session feeds over Server-Sent Events and websockets
// ABOUTME: Both transports drain the same tasks.Subscription

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-queue/internal/auth"
	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/tasks"
)

const wsWriteTimeout = 10 * time.Second

// pump moves subscription events onto a channel. errc receives exactly one
// value, after the last event has been taken from events.
func pump(ctx context.Context, sub *tasks.Subscription) (<-chan bridge.Event, <-chan error) {
	events := make(chan bridge.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return events, errc
}

// endReason names why a feed ended. Empty means a normal end or a client
// that has already gone away.
func endReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ""
	case errors.Is(err, bridge.ErrReplaced):
		return "replaced"
	case errors.Is(err, bridge.ErrSubscriberOverflow):
		return "overflow"
	case errors.Is(err, bridge.ErrUnsubscribed):
		return "unsubscribed"
	default:
		return "internal error"
	}
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sub, err := s.tasks.Subscribe(r.Context(), sessionID, auth.UserID(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, errc := pump(ctx, sub)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			s.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

		case err := <-errc:
			if reason := endReason(err); reason != "" {
				s.writeSSEEvent(w, "error", map[string]string{"error": reason})
				flusher.Flush()
				s.logger.Debug("sse feed ended", "session_id", sessionID, "reason", reason)
			}
			return

		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sub, err := s.tasks.Subscribe(r.Context(), sessionID, auth.UserID(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "session_id", sessionID)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	events, errc := pump(ctx, sub)

	for {
		select {
		case ev := <-events:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "error", err, "session_id", sessionID)
				return
			}

		case err := <-errc:
			reason := endReason(err)
			switch reason {
			case "":
				conn.Close(websocket.StatusNormalClosure, "")
			case "overflow":
				conn.Close(websocket.StatusTryAgainLater, reason)
			case "internal error":
				conn.Close(websocket.StatusInternalError, reason)
			default:
				conn.Close(websocket.StatusGoingAway, reason)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// originPatternsFor turns CORS origins into websocket host patterns.
func originPatternsFor(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
