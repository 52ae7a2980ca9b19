// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode so UI reads don't wait on worker appends
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_workspaces_user ON workspaces(user_id);

		CREATE TABLE IF NOT EXISTS agent_sessions (
			id                  TEXT PRIMARY KEY,
			external_session_id TEXT,
			workspace_id        TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			title               TEXT NOT NULL DEFAULT '',
			messages            TEXT NOT NULL DEFAULT '[]',
			active_job_id       TEXT UNIQUE,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_external ON agent_sessions(external_session_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON agent_sessions(user_id, workspace_id, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('agent_sessions') WHERE name = 'status'`,
			apply:  `ALTER TABLE agent_sessions ADD COLUMN status TEXT NOT NULL DEFAULT 'idle'`,
			column: "status",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to agent_sessions: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "agent_sessions")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateWorkspace registers a workspace directory for a user.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	query := `
		INSERT INTO workspaces (id, user_id, name, path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, ws.ID, ws.UserID, ws.Name, ws.Path, formatTime(ws.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	s.logger.Debug("created workspace", "id", ws.ID, "user_id", ws.UserID)
	return nil
}

// GetWorkspace retrieves a workspace by ID.
// Returns ErrNotFound if the workspace doesn't exist.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	query := `SELECT id, user_id, name, path, created_at FROM workspaces WHERE id = ?`

	var ws Workspace
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ws.ID, &ws.UserID, &ws.Name, &ws.Path, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}

	ws.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ws, nil
}

// CreateSession inserts a new session row.
// Returns ErrDuplicateSession if the ID is already taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	messages, err := json.Marshal(nonNilMessages(session.Messages))
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}
	status := session.Status
	if status == "" {
		status = StatusIdle
	}

	query := `
		INSERT INTO agent_sessions (id, external_session_id, workspace_id, user_id, title, status, messages, active_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		nullString(session.ExternalSessionID),
		session.WorkspaceID,
		session.UserID,
		session.Title,
		string(status),
		string(messages),
		nullString(session.ActiveJobID),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "workspace_id", session.WorkspaceID)
	return nil
}

const sessionColumns = `id, external_session_id, workspace_id, user_id, title, status, messages, active_job_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var externalID, activeJobID sql.NullString
	var status, messagesJSON, createdAtStr, updatedAtStr string

	err := row.Scan(
		&session.ID,
		&externalID,
		&session.WorkspaceID,
		&session.UserID,
		&session.Title,
		&status,
		&messagesJSON,
		&activeJobID,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	session.ExternalSessionID = externalID.String
	session.ActiveJobID = activeJobID.String
	session.Status = SessionStatus(status)

	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	if session.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &session, nil
}

// GetSession retrieves a session by internal ID without ownership checks.
// Workers use this; user-facing reads go through GetSessionForUser.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// GetSessionForUser retrieves a session owned by userID. id may be the internal
// id or the agent-assigned external id; an internal id match wins.
// Sessions owned by someone else are reported as ErrNotFound.
func (s *SQLiteStore) GetSessionForUser(ctx context.Context, id, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE (id = ? OR external_session_id = ?) AND user_id = ?
		 ORDER BY (id = ?) DESC, updated_at DESC LIMIT 1`, id, id, userID, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE user_id = ?`
	args := []any{filter.UserID}
	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// keyClause returns the WHERE clause and argument for a SessionKey.
// Later messages only carry the external ID, so both lookups are supported.
func keyClause(key SessionKey) (string, string, error) {
	switch {
	case key.ID != "":
		return "id = ?", key.ID, nil
	case key.ExternalID != "":
		return "id = (SELECT id FROM agent_sessions WHERE external_session_id = ? ORDER BY updated_at DESC LIMIT 1)", key.ExternalID, nil
	default:
		return "", "", fmt.Errorf("session key is empty")
	}
}

// buildUpdate renders the SET assignments for a SessionUpdate.
func buildUpdate(update *SessionUpdate) ([]string, []any) {
	if update == nil {
		return nil, nil
	}
	var sets []string
	var args []any
	if update.ExternalSessionID != nil {
		sets = append(sets, "external_session_id = ?")
		args = append(args, nullString(*update.ExternalSessionID))
	}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	return sets, args
}

// UpdateSession applies column changes to a session.
// Returns ErrNotFound if no session matches the key.
func (s *SQLiteStore) UpdateSession(ctx context.Context, key SessionKey, update SessionUpdate) error {
	where, keyArg, err := keyClause(key)
	if err != nil {
		return err
	}

	sets, args := buildUpdate(&update)
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), keyArg)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its message log.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// AppendMessage appends msg to the session's log and applies update in the same
// transaction. It returns the full updated log, or (nil, nil) if no session
// matches the key: the session may have been deleted concurrently.
func (s *SQLiteStore) AppendMessage(ctx context.Context, key SessionKey, msg Message, update *SessionUpdate) ([]Message, error) {
	where, keyArg, err := keyClause(key)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var id, messagesJSON string
	err = tx.QueryRowContext(ctx, `SELECT id, messages FROM agent_sessions WHERE `+where, keyArg).Scan(&id, &messagesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var messages []Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	messages = append(messages, msg)

	encoded, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	sets, args := buildUpdate(update)
	sets = append(sets, "messages = ?", "updated_at = ?")
	args = append(args, string(encoded), formatTime(time.Now()), id)

	if _, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("updating messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended message", "session_id", id, "role", msg.Role, "count", len(messages))
	return messages, nil
}

// ClaimJob stamps jobID onto the session as its active job. Any other row still
// pointing at jobID is cleared first, in the same transaction, so a redelivered
// job can never leave two sessions believing they own it.
func (s *SQLiteStore) ClaimJob(ctx context.Context, sessionID, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET active_job_id = NULL, updated_at = ? WHERE active_job_id = ? AND id != ?`,
		now, jobID, sessionID); err != nil {
		return fmt.Errorf("clearing stale job: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET active_job_id = ?, updated_at = ? WHERE id = ?`,
		jobID, now, sessionID)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing claim: %w", err)
	}
	s.logger.Debug("claimed job", "session_id", sessionID, "job_id", jobID)
	return nil
}

// ReleaseJob clears the session's active job if it still equals jobID. An empty
// jobID clears unconditionally. Reports whether a row changed.
func (s *SQLiteStore) ReleaseJob(ctx context.Context, sessionID, jobID string) (bool, error) {
	query := `UPDATE agent_sessions SET active_job_id = NULL, updated_at = ? WHERE id = ? AND active_job_id IS NOT NULL`
	args := []any{formatTime(time.Now()), sessionID}
	if jobID != "" {
		query += ` AND active_job_id = ?`
		args = append(args, jobID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("releasing job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilMessages(m []Message) []Message {
	if m == nil {
		return []Message{}
	}
	return m
}
