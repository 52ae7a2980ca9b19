// ABOUTME: JSON handlers for queries, sessions and workspaces
// ABOUTME: Maps task service errors onto HTTP status codes

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-queue/internal/auth"
	"github.com/2389/coven-queue/internal/store"
	"github.com/2389/coven-queue/internal/tasks"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader lets clients retry POST /api/queries safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// StartQueryRequest is the JSON body for POST /api/queries.
type StartQueryRequest struct {
	Query       string `json:"query"`
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id,omitempty"`
}

// CancelResponse is the JSON response for DELETE /api/sessions/{id}/query.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []tasks.Summary `json:"sessions"`
}

// CreateWorkspaceRequest is the JSON body for POST /api/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// WorkspaceResponse describes a stored workspace.
type WorkspaceResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleStartQuery(w http.ResponseWriter, r *http.Request) {
	var req StartQueryRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.tasks.StartQuery(r.Context(), tasks.StartRequest{
		Query:          req.Query,
		WorkspaceID:    req.WorkspaceID,
		SessionID:      req.SessionID,
		UserID:         auth.UserID(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.tasks.CancelQuery(r.Context(), chi.URLParam(r, "sessionID"), auth.UserID(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		UserID:      auth.UserID(r.Context()),
		WorkspaceID: r.URL.Query().Get("workspace_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := s.tasks.ListSessions(r.Context(), filter)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	history, err := s.tasks.GetSessionHistory(r.Context(), chi.URLParam(r, "sessionID"), auth.UserID(r.Context()))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteSession(r.Context(), chi.URLParam(r, "sessionID"), auth.UserID(r.Context())); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if !s.decode(w, r, &req) {
		return
	}

	ws := &store.Workspace{
		UserID: auth.UserID(r.Context()),
		Name:   req.Name,
		Path:   req.Path,
	}
	if err := s.tasks.CreateWorkspace(r.Context(), ws); err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, WorkspaceResponse{
		ID:        ws.ID,
		Name:      ws.Name,
		Path:      ws.Path,
		CreatedAt: ws.CreatedAt,
	})
}

// decode reads a JSON body into v, writing a 400 and returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendError maps a task service error to a response. Unknown errors are
// logged and reported without detail.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tasks.ErrConflict):
		s.sendJSONError(w, http.StatusConflict, tasks.ErrConflict.Error())
	case errors.Is(err, tasks.ErrNoActiveTask):
		s.sendJSONError(w, http.StatusNotFound, tasks.ErrNoActiveTask.Error())
	case errors.Is(err, tasks.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
