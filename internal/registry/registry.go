// ABOUTME: Thread-safe TTL and size bounded map from job id to session target
// ABOUTME: Supports identity reassignment when the agent starts a new conversation

package registry

import (
	"time"

	"github.com/2389/coven-queue/internal/dedupe"
)

// Defaults used when New is given zero values.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxSize = 10000
)

// Target identifies the session a job is working on.
type Target struct {
	SessionID  string // Internal id, stable for the session's lifetime
	ExternalID string // Agent conversation id, empty until assigned
}

// Keys returns the distinct non-empty ids subscribers may be listening under.
func (t Target) Keys() []string {
	keys := make([]string, 0, 2)
	if t.SessionID != "" {
		keys = append(keys, t.SessionID)
	}
	if t.ExternalID != "" && t.ExternalID != t.SessionID {
		keys = append(keys, t.ExternalID)
	}
	return keys
}

// Registry maps job ids to targets. Least recently touched entries are
// evicted first.
type Registry struct {
	jobs *dedupe.Cache[Target]
}

// New creates a registry and starts its expiry loop. Zero values use defaults.
func New(ttl time.Duration, maxSize int) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Registry{jobs: dedupe.New[Target](ttl, maxSize)}
}

// Register records that jobID works on target, replacing any previous mapping.
func (r *Registry) Register(jobID string, target Target) {
	r.jobs.Put(jobID, target)
}

// Add records jobID only if it is not tracked yet and reports whether it did.
// An entry written by the worker running the job is newer than the caller's.
func (r *Registry) Add(jobID string, target Target) bool {
	return r.jobs.PutIfAbsent(jobID, target)
}

// Find resolves a job id. Expired entries are reported as missing.
func (r *Registry) Find(jobID string) (Target, bool) {
	return r.jobs.Get(jobID)
}

// Update points jobID at a new external id, keeping the job's mapping alive.
// It returns the previous target and false if the job is unknown.
func (r *Registry) Update(jobID, externalID string) (Target, bool) {
	return r.jobs.Update(jobID, func(t *Target) {
		t.ExternalID = externalID
	})
}

// Rename moves every job mapped to oldExternalID over to newExternalID and
// returns how many were moved.
func (r *Registry) Rename(oldExternalID, newExternalID string) int {
	if oldExternalID == "" || oldExternalID == newExternalID {
		return 0
	}
	return r.jobs.UpdateAll(func(_ string, t *Target) bool {
		if t.ExternalID != oldExternalID {
			return false
		}
		t.ExternalID = newExternalID
		return true
	})
}

// Cleanup forgets jobID. Called when the job reaches a terminal state.
func (r *Registry) Cleanup(jobID string) {
	r.jobs.Delete(jobID)
}

// Len returns the number of tracked jobs, including expired ones not yet swept.
func (r *Registry) Len() int {
	return r.jobs.Len()
}

// Close stops the expiry loop. It is safe to call multiple times.
func (r *Registry) Close() {
	r.jobs.Close()
}
