// ABOUTME: Revocable handles for queries that are currently executing
// ABOUTME: Cancellation flips a handle; the worker loop observes it between messages

package worker

import (
	"sync"
	"sync/atomic"
)

// handle tracks one running job.
type handle struct {
	revoked atomic.Bool
}

// handleSet maps job ids to the handles of jobs running in this process.
type handleSet struct {
	mu sync.Mutex
	m  map[string]*handle
}

func newHandleSet() *handleSet {
	return &handleSet{m: make(map[string]*handle)}
}

func (s *handleSet) add(jobID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &handle{}
	s.m[jobID] = h
	return h
}

// remove drops jobID's handle if it is still h.
func (s *handleSet) remove(jobID string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m[jobID] == h {
		delete(s.m, jobID)
	}
}

// revoke flags jobID for cancellation. It returns false when the job is not
// running here or was already revoked.
func (s *handleSet) revoke(jobID string) bool {
	s.mu.Lock()
	h, ok := s.m[jobID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	return h.revoked.CompareAndSwap(false, true)
}

func (s *handleSet) has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[jobID]
	return ok
}

func (s *handleSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
