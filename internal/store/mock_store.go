// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace // keyed by workspace ID
	sessions   map[string]*Session   // keyed by session ID

	// AppendErr, when set, is returned by AppendMessage
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		workspaces: make(map[string]*Workspace),
		sessions:   make(map[string]*Session),
	}
}

// copySession returns a deep copy so callers can't mutate stored state.
func copySession(s *Session) *Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	return &c
}

// CreateWorkspace stores a new workspace.
func (m *MockStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := *ws
	m.workspaces[w.ID] = &w
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (m *MockStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	w := *ws
	return &w, nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}
	if session.ActiveJobID != "" && m.jobOwnerLocked(session.ActiveJobID) != "" {
		return ErrDuplicateSession
	}
	c := copySession(session)
	if c.Status == "" {
		c.Status = StatusIdle
	}
	m.sessions[c.ID] = c
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// GetSessionForUser retrieves a session owned by userID by internal or external id.
func (m *MockStore) GetSessionForUser(ctx context.Context, id, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		s, _ = m.lookupLocked(SessionKey{ExternalID: id})
	}
	if s == nil || s.UserID != userID {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.UserID != filter.UserID {
			continue
		}
		if filter.WorkspaceID != "" && s.WorkspaceID != filter.WorkspaceID {
			continue
		}
		result = append(result, copySession(s))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// lookupLocked resolves a SessionKey. Must be called with mu held.
func (m *MockStore) lookupLocked(key SessionKey) (*Session, error) {
	switch {
	case key.ID != "":
		return m.sessions[key.ID], nil
	case key.ExternalID != "":
		var found *Session
		for _, s := range m.sessions {
			if s.ExternalSessionID != key.ExternalID {
				continue
			}
			if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
				found = s
			}
		}
		return found, nil
	default:
		return nil, fmt.Errorf("session key is empty")
	}
}

func applyUpdate(s *Session, update *SessionUpdate) {
	if update == nil {
		return
	}
	if update.ExternalSessionID != nil {
		s.ExternalSessionID = *update.ExternalSessionID
	}
	if update.Title != nil {
		s.Title = *update.Title
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
}

// UpdateSession applies column changes to a session.
func (m *MockStore) UpdateSession(ctx context.Context, key SessionKey, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(key)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	applyUpdate(s, &update)
	s.UpdatedAt = time.Now()
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// AppendMessage appends msg to a session's log.
func (m *MockStore) AppendMessage(ctx context.Context, key SessionKey, msg Message, update *SessionUpdate) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return nil, m.AppendErr
	}

	s, err := m.lookupLocked(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	applyUpdate(s, update)
	s.UpdatedAt = time.Now()
	return append([]Message(nil), s.Messages...), nil
}

// jobOwnerLocked returns the session ID holding jobID. Must be called with mu held.
func (m *MockStore) jobOwnerLocked(jobID string) string {
	for id, s := range m.sessions {
		if s.ActiveJobID == jobID {
			return id
		}
	}
	return ""
}

// ClaimJob clears other sessions pointing at jobID, then assigns it to sessionID.
func (m *MockStore) ClaimJob(ctx context.Context, sessionID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for id, s := range m.sessions {
		if id != sessionID && s.ActiveJobID == jobID {
			s.ActiveJobID = ""
		}
	}
	target.ActiveJobID = jobID
	target.UpdatedAt = time.Now()
	return nil
}

// ReleaseJob clears the session's active job if it still equals jobID.
func (m *MockStore) ReleaseJob(ctx context.Context, sessionID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.ActiveJobID == "" {
		return false, nil
	}
	if jobID != "" && s.ActiveJobID != jobID {
		return false, nil
	}
	s.ActiveJobID = ""
	s.UpdatedAt = time.Now()
	return true, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
