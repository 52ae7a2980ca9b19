// Package store provides persistent storage for agent sessions using SQLite.
//
// # Data Models
//
//   - Workspace: a user-owned directory the agent executes in
//   - Session: one agent conversation, its message log, and its active job
//   - Message: one log entry (user, assistant, system, result)
//
// The message log is stored as a JSON array on the session row. Appends are
// read-modify-write inside a single immediate transaction, so a session's log
// only ever grows and is never observed half-written.
//
// # Active Job Invariant
//
// active_job_id carries a UNIQUE constraint: at most one session may point at a
// given job. ClaimJob first clears any other row referencing the job, then
// stamps it onto the target session, both in one transaction. ReleaseJob only
// clears the column if it still holds the caller's job id.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// File databases open with _txlock=immediate so writers serialize on BEGIN
// instead of failing on lock upgrade. ":memory:" databases are pinned to one
// connection.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(path) under t.TempDir()
// for integration tests.
package store
