// ABOUTME: Tests for starting, cancelling, listing and deleting queries
// ABOUTME: Uses the mock store, in-memory queue and a fake revoker

package tasks

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

// fakeRevoker stands in for the worker pool.
type fakeRevoker struct {
	mu      sync.Mutex
	running map[string]bool
	revoked map[string]bool
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{running: make(map[string]bool), revoked: make(map[string]bool)}
}

func (f *fakeRevoker) start(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[jobID] = true
}

func (f *fakeRevoker) Revoke(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[jobID] || f.revoked[jobID] {
		return false
	}
	f.revoked[jobID] = true
	return true
}

type testEnv struct {
	svc      *Service
	store    *store.MockStore
	queue    *queue.MemoryQueue
	bridge   *bridge.Bridge
	registry *registry.Registry
	workers  *fakeRevoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMockStore(),
		queue:    queue.NewMemoryQueue(queue.Options{Backoff: 10 * time.Millisecond}, nil),
		bridge:   bridge.New(0, nil, nil),
		registry: registry.New(time.Hour, 100),
		workers:  newFakeRevoker(),
	}
	t.Cleanup(func() {
		env.svc.Close()
		env.queue.Close()
		env.bridge.Close()
		env.registry.Close()
	})
	env.svc = New(Deps{
		Store:    env.store,
		Queue:    env.queue,
		Bridge:   env.bridge,
		Registry: env.registry,
		Workers:  env.workers,
	}, nil)

	ctx := context.Background()
	require.NoError(t, env.store.CreateWorkspace(ctx, &store.Workspace{ID: "ws-1", UserID: "alice", Path: t.TempDir()}))
	require.NoError(t, env.store.CreateWorkspace(ctx, &store.Workspace{ID: "ws-bob", UserID: "bob", Path: t.TempDir()}))
	return env
}

func (e *testEnv) start(t *testing.T, sessionID, query string) *StartResult {
	t.Helper()
	res, err := e.svc.StartQuery(context.Background(), StartRequest{
		Query:       query,
		WorkspaceID: "ws-1",
		SessionID:   sessionID,
		UserID:      "alice",
	})
	require.NoError(t, err)
	return res
}

// reserve takes the next job like a worker would.
func (e *testEnv) reserve(t *testing.T) *queue.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := e.queue.Reserve(ctx)
	require.NoError(t, err)
	return job
}

func (e *testEnv) session(t *testing.T, id string) *store.Session {
	t.Helper()
	sess, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestStartQuery_NewSession(t *testing.T) {
	env := newTestEnv(t)

	res := env.start(t, "", "Write README")
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, queue.StateWaiting, res.Status)

	sess := env.session(t, res.SessionID)
	assert.Equal(t, "Write README", sess.Title)
	assert.Equal(t, "ws-1", sess.WorkspaceID)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, res.JobID, sess.ActiveJobID)
	assert.Empty(t, sess.ExternalSessionID)
	assert.Empty(t, sess.Messages)

	job, err := env.queue.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Write README", job.Payload.Prompt)
	assert.Equal(t, res.SessionID, job.Payload.SessionID)

	target, ok := env.registry.Find(res.JobID)
	require.True(t, ok)
	assert.Equal(t, res.SessionID, target.SessionID)
}

func TestStartQuery_ConflictWhileWaitingOrActive(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "", "first")

	req := StartRequest{Query: "second", SessionID: first.SessionID, UserID: "alice"}
	_, err := env.svc.StartQuery(context.Background(), req)
	assert.ErrorIs(t, err, ErrConflict)

	env.reserve(t)
	_, err = env.svc.StartQuery(context.Background(), req)
	assert.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, first.JobID, env.session(t, first.SessionID).ActiveJobID)

	// No second job was enqueued
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = env.queue.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartQuery_ConflictWhileDelayed(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "", "first")
	job := env.reserve(t)
	state, err := env.queue.Fail(context.Background(), job.ID, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, queue.StateDelayed, state)

	_, err = env.svc.StartQuery(context.Background(), StartRequest{Query: "again", SessionID: first.SessionID, UserID: "alice"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStartQuery_AfterPreviousJobFinished(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "", "first")
	job := env.reserve(t)
	require.NoError(t, env.queue.Complete(context.Background(), job.ID))

	// Terminal event not handled yet: activeJobId is stale but the job is done
	second := env.start(t, first.SessionID, "second")
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, second.JobID, env.session(t, first.SessionID).ActiveJobID)
}

func TestStartQuery_StaleJobPointer(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "", "first")
	require.NoError(t, env.queue.Remove(context.Background(), first.JobID))

	second := env.start(t, first.SessionID, "second")
	assert.Equal(t, second.JobID, env.session(t, first.SessionID).ActiveJobID)
}

func TestStartQuery_ResumeHintAndExternalLookup(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	require.NoError(t, env.store.CreateSession(context.Background(), &store.Session{
		ID: "s-1", ExternalSessionID: "ext-1", WorkspaceID: "ws-1", UserID: "alice", CreatedAt: now, UpdatedAt: now,
	}))

	res := env.start(t, "ext-1", "continue")
	assert.Equal(t, "s-1", res.SessionID, "external ids resolve to the internal session")

	job, err := env.queue.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", job.Payload.ExternalSessionID)

	target, ok := env.registry.Find(res.JobID)
	require.True(t, ok)
	assert.Equal(t, registry.Target{SessionID: "s-1", ExternalID: "ext-1"}, target)
}

func TestStartQuery_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"empty query", StartRequest{Query: "  ", WorkspaceID: "ws-1", UserID: "alice"}, ErrInvalidRequest},
		{"no user", StartRequest{Query: "q", WorkspaceID: "ws-1"}, ErrInvalidRequest},
		{"no workspace", StartRequest{Query: "q", UserID: "alice"}, ErrInvalidRequest},
		{"unknown workspace", StartRequest{Query: "q", WorkspaceID: "nope", UserID: "alice"}, ErrNotFound},
		{"other user's workspace", StartRequest{Query: "q", WorkspaceID: "ws-bob", UserID: "alice"}, ErrNotFound},
		{"unknown session", StartRequest{Query: "q", SessionID: "nope", UserID: "alice"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.StartQuery(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStartQuery_OtherUsersSession(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "mine")

	_, err := env.svc.StartQuery(context.Background(), StartRequest{Query: "q", SessionID: res.SessionID, UserID: "bob"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartQuery_WorkspaceMismatch(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "first")
	require.NoError(t, env.store.CreateWorkspace(context.Background(), &store.Workspace{ID: "ws-2", UserID: "alice", Path: t.TempDir()}))

	_, err := env.svc.StartQuery(context.Background(), StartRequest{Query: "q", SessionID: res.SessionID, WorkspaceID: "ws-2", UserID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartQuery_ConcurrentStartsOnOneSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "", "first")
	job := env.reserve(t)
	require.NoError(t, env.queue.Complete(context.Background(), job.ID))

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.StartQuery(context.Background(), StartRequest{Query: "race", SessionID: first.SessionID, UserID: "alice"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestCancelQuery_WaitingJob(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	sub := env.bridge.Register(res.SessionID)

	ok, err := env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.queue.Get(context.Background(), res.JobID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	sess := env.session(t, res.SessionID)
	assert.Empty(t, sess.ActiveJobID)
	assert.Equal(t, store.StatusIdle, sess.Status)
	_, found := env.registry.Find(res.JobID)
	assert.False(t, found)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventMessageUpdate, ev.Type)
	assert.Equal(t, store.StatusIdle, ev.Status)

	// Idempotent
	for i := 0; i < 2; i++ {
		ok, err = env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrNoActiveTask)
	}
}

func TestCancelQuery_RunningJob(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	job := env.reserve(t)
	env.workers.start(job.ID)

	ok, err := env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := env.registry.Find(res.JobID)
	assert.False(t, found, "mapping cleaned regardless of path")

	ok, err = env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoActiveTask)
}

func TestCancelQuery_ActiveElsewhere(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	env.reserve(t)

	ok, err := env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoActiveTask)
}

func TestCancelQuery_FinishedJobClearsPointer(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	job := env.reserve(t)
	require.NoError(t, env.queue.Complete(context.Background(), job.ID))

	ok, err := env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoActiveTask)
	assert.Empty(t, env.session(t, res.SessionID).ActiveJobID, "no dangling active job")
}

func TestCancelQuery_PurgedJobClearsPointer(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	require.NoError(t, env.queue.Remove(context.Background(), res.JobID))

	ok, err := env.svc.CancelQuery(context.Background(), res.SessionID, "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoActiveTask)
	assert.Empty(t, env.session(t, res.SessionID).ActiveJobID)
}

func TestCancelQuery_NotFound(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")

	_, err := env.svc.CancelQuery(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.CancelQuery(context.Background(), res.SessionID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession_CascadesCancel(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	sub := env.bridge.Register(res.SessionID)

	require.NoError(t, env.svc.DeleteSession(context.Background(), res.SessionID, "alice"))

	_, err := env.store.GetSession(context.Background(), res.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.queue.Get(context.Background(), res.JobID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var last error
	for last == nil {
		_, last = sub.Next(ctx)
	}
	assert.ErrorIs(t, last, bridge.ErrUnsubscribed)

	err = env.svc.DeleteSession(context.Background(), res.SessionID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession_OtherUser(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")

	err := env.svc.DeleteSession(context.Background(), res.SessionID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	env.session(t, res.SessionID)
}

func TestHistoryAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.start(t, "", "first session")
	time.Sleep(time.Millisecond)
	b := env.start(t, "", "second session")

	_, err := env.store.AppendMessage(ctx, store.ByID(a.SessionID), store.Message{Role: store.RoleUser, Text: "first session"}, nil)
	require.NoError(t, err)

	hist, err := env.svc.GetSessionHistory(ctx, a.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "first session", hist.Title)
	assert.Equal(t, a.JobID, hist.ActiveJobID)
	require.Len(t, hist.Messages, 1)

	hist, err = env.svc.GetSessionHistory(ctx, b.SessionID, "alice")
	require.NoError(t, err)
	assert.NotNil(t, hist.Messages, "empty log is an empty list")

	_, err = env.svc.GetSessionHistory(ctx, a.SessionID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := env.svc.ListSessions(ctx, store.SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.SessionID, list[0].SessionID, "most recently updated first")
	assert.True(t, list[0].Running)

	list, err = env.svc.ListSessions(ctx, store.SessionFilter{UserID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.svc.ListSessions(ctx, store.SessionFilter{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ws := &store.Workspace{UserID: "alice", Name: "docs", Path: t.TempDir()}
	require.NoError(t, env.svc.CreateWorkspace(context.Background(), ws))
	assert.NotEmpty(t, ws.ID)
	assert.False(t, ws.CreatedAt.IsZero())

	err := env.svc.CreateWorkspace(context.Background(), &store.Workspace{UserID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubscribe_IdleSessionEndsAfterInit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, env.store.CreateSession(ctx, &store.Session{
		ID: "s-1", WorkspaceID: "ws-1", UserID: "alice", Title: "Done already",
		Status: store.StatusCompleted, CreatedAt: now, UpdatedAt: now,
	}))
	_, err := env.store.AppendMessage(ctx, store.ByID("s-1"), store.Message{Role: store.RoleResult, Text: "ok"}, nil)
	require.NoError(t, err)

	sub, err := env.svc.Subscribe(ctx, "s-1", "alice")
	require.NoError(t, err)
	defer sub.Close()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventInit, ev.Type)
	assert.Equal(t, store.StatusCompleted, ev.Status)
	assert.Equal(t, "Done already", ev.Title)
	require.Len(t, ev.Messages, 1)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, env.bridge.Len())
}

func TestSubscribe_ActiveSessionStreamsAfterInit(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := env.svc.Subscribe(ctx, res.SessionID, "alice")
	require.NoError(t, err)
	defer sub.Close()

	env.bridge.Emit(res.SessionID, bridge.Event{Type: bridge.EventActive})

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventInit, ev.Type, "init always comes first")
	assert.Equal(t, store.StatusIdle, ev.Status)

	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventActive, ev.Type)
}

func TestSubscribe_ScopedByUser(t *testing.T) {
	env := newTestEnv(t)
	res := env.start(t, "", "task")
	existing := env.bridge.Register(res.SessionID)

	_, err := env.svc.Subscribe(context.Background(), res.SessionID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, env.bridge.Len(), "a rejected subscriber does not replace the owner's")
	assert.True(t, env.bridge.Emit(existing.Key(), bridge.Event{Type: bridge.EventWaiting}))
}

func TestStartQuery_IdempotencyKeyReplays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := StartRequest{Query: "task", WorkspaceID: "ws-1", UserID: "alice", IdempotencyKey: "retry-1"}

	first, err := env.svc.StartQuery(ctx, req)
	require.NoError(t, err)
	second, err := env.svc.StartQuery(ctx, req)
	require.NoError(t, err, "a replay is not a conflict")
	assert.Equal(t, first, second)

	sessions, err := env.store.ListSessions(ctx, store.SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "no second session was created")

	// Keys are scoped per user.
	require.NoError(t, env.store.CreateWorkspace(ctx, &store.Workspace{ID: "ws-carol", UserID: "carol", Path: t.TempDir()}))
	other, err := env.svc.StartQuery(ctx, StartRequest{Query: "task", WorkspaceID: "ws-carol", UserID: "carol", IdempotencyKey: "retry-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, other.JobID)
}

func TestStartQuery_FailedStartIsNotRemembered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := StartRequest{Query: "task", WorkspaceID: "missing", UserID: "alice", IdempotencyKey: "k"}

	_, err := env.svc.StartQuery(ctx, req)
	require.ErrorIs(t, err, ErrNotFound)

	req.WorkspaceID = "ws-1"
	res, err := env.svc.StartQuery(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
}

// eagerQueue hands every added job to onAdd before Add returns, the way a
// fast worker can reserve a job while StartQuery is still recording it.
type eagerQueue struct {
	*queue.MemoryQueue
	onAdd func(job *queue.Job)
}

func (q *eagerQueue) Add(ctx context.Context, payload queue.Payload) (*queue.Job, error) {
	job, err := q.MemoryQueue.Add(ctx, payload)
	if err == nil && q.onAdd != nil {
		q.onAdd(job)
	}
	return job, err
}

// workerInit does what a worker does up to the agent's init message.
func (e *testEnv) workerInit(t *testing.T, job *queue.Job, externalID string) {
	t.Helper()
	ctx := context.Background()
	reserved := e.reserve(t)
	require.Equal(t, job.ID, reserved.ID)
	require.NoError(t, e.store.ClaimJob(ctx, job.Payload.SessionID, job.ID))
	e.registry.Register(job.ID, registry.Target{SessionID: job.Payload.SessionID})
	require.NoError(t, e.store.UpdateSession(ctx, store.ByID(job.Payload.SessionID), store.SessionUpdate{ExternalSessionID: &externalID}))
	_, ok := e.registry.Update(job.ID, externalID)
	require.True(t, ok)
}

func TestStartQuery_WorkerStartsBeforeReturn(t *testing.T) {
	env := newTestEnv(t)
	eq := &eagerQueue{MemoryQueue: env.queue}
	eq.onAdd = func(job *queue.Job) { env.workerInit(t, job, "ext-new") }
	svc := New(Deps{Store: env.store, Queue: eq, Bridge: env.bridge, Registry: env.registry}, nil)
	defer svc.Close()

	res, err := svc.StartQuery(context.Background(), StartRequest{Query: "task", WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)

	target, ok := env.registry.Find(res.JobID)
	require.True(t, ok)
	assert.Equal(t, "ext-new", target.ExternalID, "the worker's external id survives")
	assert.Equal(t, []string{res.SessionID, "ext-new"}, target.Keys())
	assert.Equal(t, res.JobID, env.session(t, res.SessionID).ActiveJobID)
}

func TestStartQuery_JobFinishesBeforeReturn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	eq := &eagerQueue{MemoryQueue: env.queue}
	var svc *Service
	eq.onAdd = func(job *queue.Job) {
		env.workerInit(t, job, "ext-new")
		require.NoError(t, env.queue.Complete(ctx, job.ID))
		svc.handleQueueEvent(ctx, queue.Event{Type: queue.EventCompleted, JobID: job.ID})
	}
	svc = New(Deps{Store: env.store, Queue: eq, Bridge: env.bridge, Registry: env.registry}, nil)
	defer svc.Close()

	res, err := svc.StartQuery(ctx, StartRequest{Query: "task", WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)

	assert.Empty(t, env.session(t, res.SessionID).ActiveJobID, "a finished job is not left as the active one")
	_, ok := env.registry.Find(res.JobID)
	assert.False(t, ok)

	sessions, err := svc.ListSessions(ctx, store.SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Running)

	subCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sub, err := svc.Subscribe(subCtx, res.SessionID, "alice")
	require.NoError(t, err)
	defer sub.Close()

	ev, err := sub.Next(subCtx)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventInit, ev.Type)
	_, err = sub.Next(subCtx)
	assert.ErrorIs(t, err, io.EOF)
}
