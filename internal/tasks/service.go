// ABOUTME: Task service: start, cancel, inspect and delete agent queries
// ABOUTME: Enforces one active job per session and scopes every lookup by owner

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/dedupe"
	"github.com/2389/coven-queue/internal/metrics"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

var (
	// ErrConflict is returned when a session already has a job waiting or running.
	ErrConflict = errors.New("session already has a running task")

	// ErrNoActiveTask is returned when there is nothing to cancel.
	ErrNoActiveTask = errors.New("no active task")

	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned for missing sessions and workspaces, including
	// ones owned by another user.
	ErrNotFound = store.ErrNotFound
)

// Revoker stops running jobs. *worker.Pool implements it.
type Revoker interface {
	Revoke(jobID string) bool
}

// Deps are the collaborators the service needs. Workers and Metrics may be nil.
type Deps struct {
	Store    store.Store
	Queue    queue.Queue
	Bridge   *bridge.Bridge
	Registry *registry.Registry
	Workers  Revoker
	Metrics  *metrics.Metrics
}

// Service implements the task operations exposed to clients.
type Service struct {
	store    store.Store
	queue    queue.Queue
	bridge   *bridge.Bridge
	registry *registry.Registry
	workers  Revoker
	metrics  *metrics.Metrics
	started  *dedupe.Cache[StartResult] // by user and idempotency key
	logger   *slog.Logger

	// mu serializes the check-then-enqueue in StartQuery and the
	// check-then-remove in CancelQuery.
	mu sync.Mutex
}

// New creates a Service. Pass nil logger for default.
func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    deps.Store,
		queue:    deps.Queue,
		bridge:   deps.Bridge,
		registry: deps.Registry,
		workers:  deps.Workers,
		metrics:  deps.Metrics,
		started:  dedupe.New[StartResult](IdempotencyWindow, 10000),
		logger:   logger.With("component", "tasks"),
	}
}

// Close releases background resources.
func (s *Service) Close() {
	s.started.Close()
}

// StartRequest describes a query to run.
type StartRequest struct {
	Query       string
	WorkspaceID string // Required when SessionID is empty
	SessionID   string // Optional; internal or external id of an existing session
	UserID      string

	// IdempotencyKey, when set, makes a repeated request from the same user
	// within IdempotencyWindow return the first result without enqueuing.
	IdempotencyKey string
}

// IdempotencyWindow is how long StartQuery remembers an idempotency key.
const IdempotencyWindow = 10 * time.Minute

// StartResult identifies the enqueued job.
type StartResult struct {
	SessionID string      `json:"session_id"`
	JobID     string      `json:"job_id"`
	Status    queue.State `json:"status"`
}

// StartQuery enqueues a query, creating the session first when none is given.
func (s *Service) StartQuery(ctx context.Context, req StartRequest) (*StartResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if req.SessionID == "" && req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var replayKey string
	if req.IdempotencyKey != "" {
		replayKey = req.UserID + "\x00" + req.IdempotencyKey
		if prev, ok := s.started.Get(replayKey); ok {
			s.logger.Debug("replaying start", "session_id", prev.SessionID, "job_id", prev.JobID)
			return &prev, nil
		}
	}

	sess, err := s.targetSession(ctx, req, query)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.Add(ctx, queue.Payload{
		SessionID:         sess.ID,
		ExternalSessionID: sess.ExternalSessionID,
		Prompt:            query,
		WorkspaceID:       sess.WorkspaceID,
		UserID:            req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing query: %w", err)
	}

	if err := s.store.ClaimJob(ctx, sess.ID, job.ID); err != nil {
		if rmErr := s.queue.Remove(ctx, job.ID); rmErr != nil {
			s.logger.Error("removing unclaimed job", "error", rmErr, "job_id", job.ID)
		}
		return nil, fmt.Errorf("recording active job: %w", err)
	}
	// A worker may reserve the job as soon as Add returns; its registry entry
	// carries fresher ids than ours.
	s.registry.Add(job.ID, registry.Target{SessionID: sess.ID, ExternalID: sess.ExternalSessionID})
	s.metrics.IncEnqueued()
	s.settleFinished(ctx, sess.ID, job.ID)

	s.logger.Info("query enqueued", "session_id", sess.ID, "job_id", job.ID, "user_id", req.UserID)
	res := StartResult{SessionID: sess.ID, JobID: job.ID, Status: job.State}
	if replayKey != "" {
		s.started.Put(replayKey, res)
	}
	return &res, nil
}

// settleFinished undoes the bookkeeping StartQuery recorded for a job that
// already ran to completion, in case the listener handled its terminal event
// before the pointer was written.
func (s *Service) settleFinished(ctx context.Context, sessionID, jobID string) {
	job, err := s.queue.Get(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
	case err != nil:
		s.logger.Warn("rechecking enqueued job", "error", err, "job_id", jobID)
		return
	case !job.State.Terminal():
		return
	}
	s.release(ctx, sessionID, jobID)
	s.registry.Cleanup(jobID)
	s.logger.Debug("job finished before start returned", "session_id", sessionID, "job_id", jobID)
}

// targetSession loads and checks the requested session, or creates a new one.
// Must be called with mu held.
func (s *Service) targetSession(ctx context.Context, req StartRequest, query string) (*store.Session, error) {
	if req.SessionID == "" {
		ws, err := s.store.GetWorkspace(ctx, req.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: %w", req.WorkspaceID, err)
		}
		if ws.UserID != req.UserID {
			return nil, fmt.Errorf("workspace %s: %w", req.WorkspaceID, ErrNotFound)
		}

		now := time.Now().UTC()
		sess := &store.Session{
			ID:          uuid.New().String(),
			WorkspaceID: ws.ID,
			UserID:      req.UserID,
			Title:       Title(query),
			Status:      store.StatusIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		return sess, nil
	}

	sess, err := s.store.GetSessionForUser(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}
	if req.WorkspaceID != "" && req.WorkspaceID != sess.WorkspaceID {
		return nil, fmt.Errorf("%w: session belongs to another workspace", ErrInvalidRequest)
	}
	if sess.ActiveJobID != "" {
		job, err := s.queue.Get(ctx, sess.ActiveJobID)
		switch {
		case err == nil && (job.State.Pending() || job.State == queue.StateActive):
			return nil, ErrConflict
		case err != nil && !errors.Is(err, queue.ErrJobNotFound):
			return nil, fmt.Errorf("checking active job: %w", err)
		}
		// Finished or purged: the pointer is stale and ClaimJob overwrites it
	}
	return sess, nil
}

// CancelQuery stops the session's active job. It returns true when a waiting
// job was removed or a running job was asked to stop, and ErrNoActiveTask
// when there was nothing to cancel.
func (s *Service) CancelQuery(ctx context.Context, sessionID, userID string) (bool, error) {
	sess, err := s.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return s.cancel(ctx, sess)
}

func (s *Service) cancel(ctx context.Context, sess *store.Session) (bool, error) {
	jobID := sess.ActiveJobID
	if jobID == "" {
		return false, ErrNoActiveTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.registry.Cleanup(jobID)

	logger := s.logger.With("session_id", sess.ID, "job_id", jobID)

	job, err := s.queue.Get(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.release(ctx, sess.ID, jobID)
		return false, ErrNoActiveTask
	}
	if err != nil {
		return false, fmt.Errorf("loading job: %w", err)
	}

	if job.State.Pending() {
		err := s.queue.Remove(ctx, jobID)
		switch {
		case err == nil:
			s.release(ctx, sess.ID, jobID)
			s.announceIdle(ctx, sess)
			logger.Info("pending query removed")
			return true, nil
		case errors.Is(err, queue.ErrJobActive):
			// Reserved between Get and Remove
			job.State = queue.StateActive
		default:
			return false, fmt.Errorf("removing job: %w", err)
		}
	}

	if job.State == queue.StateActive {
		if s.workers != nil && s.workers.Revoke(jobID) {
			logger.Info("running query revoked")
			return true, nil
		}
		return false, ErrNoActiveTask
	}

	// Finished; the terminal event may not have been handled yet
	s.release(ctx, sess.ID, jobID)
	return false, ErrNoActiveTask
}

// release clears the session's active job pointer if it still names jobID.
func (s *Service) release(ctx context.Context, sessionID, jobID string) {
	if _, err := s.store.ReleaseJob(ctx, sessionID, jobID); err != nil {
		s.logger.Error("releasing active job", "error", err, "session_id", sessionID, "job_id", jobID)
	}
}

// announceIdle tells subscribers a session has nothing queued anymore.
func (s *Service) announceIdle(ctx context.Context, sess *store.Session) {
	status := store.StatusIdle
	if err := s.store.UpdateSession(ctx, store.ByID(sess.ID), store.SessionUpdate{Status: &status}); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("updating session status", "error", err, "session_id", sess.ID)
	}
	s.bridge.EmitAll(bridge.Event{
		Type:      bridge.EventMessageUpdate,
		SessionID: sess.ID,
		Status:    status,
		Messages:  sess.Messages,
	}, sess.ID, sess.ExternalSessionID)
}

// History is the persisted state of one session.
type History struct {
	SessionID         string              `json:"session_id"`
	ExternalSessionID string              `json:"external_session_id,omitempty"`
	WorkspaceID       string              `json:"workspace_id"`
	Title             string              `json:"title"`
	Status            store.SessionStatus `json:"status"`
	ActiveJobID       string              `json:"active_job_id,omitempty"`
	Messages          []store.Message     `json:"messages"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func historyOf(sess *store.Session) *History {
	msgs := sess.Messages
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &History{
		SessionID:         sess.ID,
		ExternalSessionID: sess.ExternalSessionID,
		WorkspaceID:       sess.WorkspaceID,
		Title:             sess.Title,
		Status:            sess.Status,
		ActiveJobID:       sess.ActiveJobID,
		Messages:          msgs,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
}

// GetSessionHistory returns a session's log and status.
func (s *Service) GetSessionHistory(ctx context.Context, sessionID, userID string) (*History, error) {
	sess, err := s.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return historyOf(sess), nil
}

// Summary is a session listing entry without the message log.
type Summary struct {
	SessionID   string              `json:"session_id"`
	WorkspaceID string              `json:"workspace_id"`
	Title       string              `json:"title"`
	Status      store.SessionStatus `json:"status"`
	Running     bool                `json:"running"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ListSessions returns a user's sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, filter store.SessionFilter) ([]Summary, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, Summary{
			SessionID:   sess.ID,
			WorkspaceID: sess.WorkspaceID,
			Title:       sess.Title,
			Status:      sess.Status,
			Running:     sess.ActiveJobID != "",
			UpdatedAt:   sess.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteSession cancels any active job, removes the session and ends its
// subscriptions.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) error {
	sess, err := s.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	if sess.ActiveJobID != "" {
		if _, err := s.cancel(ctx, sess); err != nil && !errors.Is(err, ErrNoActiveTask) {
			return err
		}
	}
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.bridge.Unregister(sess.ID)
	if sess.ExternalSessionID != "" {
		s.bridge.Unregister(sess.ExternalSessionID)
	}
	s.logger.Info("session deleted", "session_id", sess.ID)
	return nil
}

// CreateWorkspace registers a directory a user's sessions may run in.
func (s *Service) CreateWorkspace(ctx context.Context, ws *store.Workspace) error {
	if ws.UserID == "" || ws.Path == "" {
		return fmt.Errorf("%w: user and path are required", ErrInvalidRequest)
	}
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	return nil
}
