// ABOUTME: Store interface and data types for coven-queue persistence
// ABOUTME: Defines AgentSession, Message, Workspace and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleResult    Role = "result"
)

// SessionStatus is the coarse status reported to clients
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// ContentType constants for typed content items
const (
	ContentText       = "text"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
)

// ContentItem is one typed piece of a message: text, a tool invocation, or a tool result.
type ContentItem struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"` // Links tool_use to its tool_result
	ToolName  string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"` // Raw JSON input for tool_use
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one entry in a session's log. Content is either plain Text or an
// ordered list of Content items.
type Message struct {
	Role      Role          `json:"role"`
	Text      string        `json:"text,omitempty"`
	Content   []ContentItem `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"` // For result messages
	Timestamp time.Time     `json:"timestamp"`
}

// Session is the persistent record of one agent conversation.
type Session struct {
	ID                string
	ExternalSessionID string // Assigned by the agent once it initializes; empty until then
	WorkspaceID       string
	UserID            string
	Title             string
	Status            SessionStatus
	Messages          []Message
	ActiveJobID       string // Empty when idle
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Workspace is a user-owned directory that sessions execute in.
type Workspace struct {
	ID        string
	UserID    string
	Name      string
	Path      string
	CreatedAt time.Time
}

// SessionKey selects a session either by internal ID or by the agent-assigned
// external ID. Exactly one field should be set.
type SessionKey struct {
	ID         string
	ExternalID string
}

// ByID selects a session by its internal primary key.
func ByID(id string) SessionKey { return SessionKey{ID: id} }

// ByExternalID selects a session by the agent's own conversation ID.
func ByExternalID(id string) SessionKey { return SessionKey{ExternalID: id} }

// SessionUpdate carries optional column changes. Nil fields are left untouched.
type SessionUpdate struct {
	ExternalSessionID *string
	Title             *string
	Status            *SessionStatus
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	UserID      string // required
	WorkspaceID string // optional
	Limit       int
}

// Store defines the interface for session and workspace persistence
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// GetSessionForUser accepts an internal or external id.
	GetSessionForUser(ctx context.Context, id, userID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, key SessionKey, update SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	// Message log (append-only)
	AppendMessage(ctx context.Context, key SessionKey, msg Message, update *SessionUpdate) ([]Message, error)

	// Active job bookkeeping
	ClaimJob(ctx context.Context, sessionID, jobID string) error
	ReleaseJob(ctx context.Context, sessionID, jobID string) (bool, error)

	Close() error
}

// StatusPtr is a convenience for building SessionUpdate values.
func StatusPtr(s SessionStatus) *SessionStatus { return &s }

// StringPtr is a convenience for building SessionUpdate values.
func StringPtr(s string) *string { return &s }
