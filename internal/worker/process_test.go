// ABOUTME: Tests for single-job processing against scripted agent streams
// ABOUTME: Covers init, turn flushing, resume, reassignment, cancel, and failures

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-queue/internal/agent"
	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

type fixture struct {
	queue    *queue.MemoryQueue
	store    *store.MockStore
	gen      *agent.ScriptedGenerator
	bridge   *bridge.Bridge
	registry *registry.Registry
	pool     *Pool
	root     string
}

func newFixture(t *testing.T, cfg Config, scripts ...[]agent.Step) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		queue:    queue.NewMemoryQueue(queue.Options{Backoff: 10 * time.Millisecond}, nil),
		store:    store.NewMockStore(),
		gen:      agent.NewScriptedGenerator(scripts...),
		bridge:   bridge.New(0, nil, nil),
		registry: registry.New(time.Hour, 100),
		root:     t.TempDir(),
	}
	t.Cleanup(func() {
		f.queue.Close()
		f.bridge.Close()
		f.registry.Close()
	})

	require.NoError(t, f.store.CreateWorkspace(ctx, &store.Workspace{ID: "ws-1", UserID: "alice", Name: "demo", Path: f.root}))
	f.addSession(t, "s-1", "")

	f.pool = New(Deps{
		Queue:     f.queue,
		Store:     f.store,
		Generator: f.gen,
		Bridge:    f.bridge,
		Registry:  f.registry,
	}, cfg, nil)
	return f
}

func (f *fixture) addSession(t *testing.T, id, externalID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSession(context.Background(), &store.Session{
		ID:                id,
		ExternalSessionID: externalID,
		WorkspaceID:       "ws-1",
		UserID:            "alice",
		Title:             "Write README",
		CreatedAt:         now,
		UpdatedAt:         now,
	}))
}

// reserveJob enqueues a query for sessionID and reserves it like a worker would.
func (f *fixture) reserveJob(t *testing.T, sessionID, prompt string) *queue.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Add(ctx, queue.Payload{SessionID: sessionID, Prompt: prompt, WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := f.queue.Reserve(rctx)
	require.NoError(t, err)
	return job
}

func (f *fixture) session(t *testing.T, id string) *store.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

// drainEvents returns whatever the subscription has queued right now.
func drainEvents(sub *bridge.Subscription) []bridge.Event {
	var events []bridge.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		ev, err := sub.Next(ctx)
		cancel()
		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func roles(msgs []store.Message) []store.Role {
	out := make([]store.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func toolUse(id, name, input string) agent.ContentItem {
	return agent.ContentItem{Type: agent.ContentToolUse, ID: id, Name: name, Input: json.RawMessage(input)}
}

func TestProcess_FreshSessionScenario(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-1", "README written"))
	sub := f.bridge.Register("s-1")
	job := f.reserveJob(t, "s-1", "Write README")

	res, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, res.Status)
	assert.False(t, res.Cancelled)

	sess := f.session(t, "s-1")
	assert.Equal(t, "ext-1", sess.ExternalSessionID)
	assert.Equal(t, store.StatusCompleted, sess.Status)
	assert.Equal(t, job.ID, sess.ActiveJobID, "release happens on the queue's terminal event")
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, store.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "Write README", sess.Messages[0].Text)
	assert.Equal(t, store.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, "README written", sess.Messages[1].Content[0].Text)
	assert.Equal(t, store.RoleResult, sess.Messages[2].Role)

	target, ok := f.registry.Find(job.ID)
	require.True(t, ok)
	assert.Equal(t, registry.Target{SessionID: "s-1", ExternalID: "ext-1"}, target)

	events := drainEvents(sub)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, bridge.EventMessageUpdate, ev.Type)
		assert.Equal(t, "s-1", ev.SessionID)
		assert.Len(t, ev.Messages, i+1, "each update carries the log so far")
	}
	assert.Equal(t, store.StatusCompleted, events[2].Status)

	reqs := f.gen.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Resume)
	assert.Equal(t, f.root, reqs[0].WorkDir)
	require.NotNil(t, reqs[0].Policy)
}

func TestProcess_AccumulatesTurns(t *testing.T) {
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "Let me write it")},
		{Message: &agent.Message{Type: agent.TypeAssistant, Content: []agent.ContentItem{toolUse("tu-1", "Write", `{"file_path":"README.md"}`)}}},
		{Message: &agent.Message{Type: agent.TypeUser, Content: []agent.ContentItem{
			{Type: agent.ContentToolResult, ToolUseID: "tu-1", Content: json.RawMessage(`"ok"`)},
		}}},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "Done")},
		{Message: agent.ResultMessage("ext-1", agent.SubtypeSuccess, "Done")},
	}
	f := newFixture(t, Config{}, script)
	job := f.reserveJob(t, "s-1", "Write README")

	_, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)

	msgs := f.session(t, "s-1").Messages
	assert.Equal(t, []store.Role{store.RoleUser, store.RoleAssistant, store.RoleUser, store.RoleAssistant, store.RoleResult}, roles(msgs))

	turn := msgs[1].Content
	require.Len(t, turn, 2, "both assistant blocks flushed as one message")
	assert.Equal(t, store.ContentText, turn[0].Type)
	assert.Equal(t, store.ContentToolUse, turn[1].Type)
	assert.Equal(t, "Write", turn[1].ToolName)
	assert.JSONEq(t, `{"file_path":"README.md"}`, turn[1].Input)

	result := msgs[2].Content
	require.Len(t, result, 1)
	assert.Equal(t, "tu-1", result[0].ToolUseID)
	assert.Equal(t, "ok", result[0].Output)
}

func TestProcess_PreservesOrder(t *testing.T) {
	script := []agent.Step{{Message: agent.InitMessage("ext-1")}}
	var want []string
	for i := 0; i < 20; i++ {
		typ := agent.TypeAssistant
		if i%2 == 1 {
			typ = agent.TypeUser
		}
		text := fmt.Sprintf("msg-%02d", i)
		want = append(want, text)
		script = append(script, agent.Step{Message: agent.TextMessage(typ, "ext-1", text)})
	}
	script = append(script, agent.Step{Message: agent.ResultMessage("ext-1", agent.SubtypeSuccess, "")})

	f := newFixture(t, Config{}, script)
	sub := f.bridge.Register("s-1")
	job := f.reserveJob(t, "s-1", "go")

	_, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)

	msgs := f.session(t, "s-1").Messages
	require.Len(t, msgs, 22)
	for i, text := range want {
		assert.Equal(t, text, msgs[i+1].Content[0].Text)
	}

	// Every update is a prefix-extension of the previous one
	var prev []store.Message
	for _, ev := range drainEvents(sub) {
		require.GreaterOrEqual(t, len(ev.Messages), len(prev))
		for i := range prev {
			assert.Equal(t, prev[i].Content, ev.Messages[i].Content)
		}
		prev = ev.Messages
	}
}

func TestProcess_ResumeKeepsExternalID(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-1", "again"))
	f.addSession(t, "s-2", "ext-1")
	subOld := f.bridge.Register("ext-1")
	job := f.reserveJob(t, "s-2", "continue")

	_, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "ext-1", f.gen.Requests()[0].Resume)
	assert.Equal(t, "ext-1", f.session(t, "s-2").ExternalSessionID)

	for _, ev := range drainEvents(subOld) {
		assert.NotEqual(t, bridge.EventSessionIDChanged, ev.Type)
	}
}

func TestProcess_ReassignmentNotifiesOldAndNewSubscribers(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-new", "fresh start"))
	f.addSession(t, "s-2", "ext-old")
	subOld := f.bridge.Register("ext-old")
	subNew := f.bridge.Register("ext-new")
	job := f.reserveJob(t, "s-2", "continue")

	_, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "ext-old", f.gen.Requests()[0].Resume)
	assert.Equal(t, "ext-new", f.session(t, "s-2").ExternalSessionID)

	oldEvents := drainEvents(subOld)
	require.NotEmpty(t, oldEvents)
	changed := oldEvents[len(oldEvents)-1]
	assert.Equal(t, bridge.EventSessionIDChanged, changed.Type)
	assert.Equal(t, "ext-old", changed.OldSessionID)
	assert.Equal(t, "ext-new", changed.NewSessionID)

	newEvents := drainEvents(subNew)
	require.NotEmpty(t, newEvents)
	assert.Equal(t, bridge.EventActive, newEvents[0].Type)
	assert.Equal(t, bridge.EventMessageUpdate, newEvents[len(newEvents)-1].Type)

	target, ok := f.registry.Find(job.ID)
	require.True(t, ok)
	assert.Equal(t, "ext-new", target.ExternalID)
}

func TestProcess_CooperativeCancel(t *testing.T) {
	gate := make(chan struct{})
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "partial work")},
		{Message: agent.TextMessage(agent.TypeUser, "ext-1", "tool output")},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "never processed"), Wait: gate},
		{Message: agent.ResultMessage("ext-1", agent.SubtypeSuccess, "")},
	}
	f := newFixture(t, Config{}, script)
	job := f.reserveJob(t, "s-1", "long task")

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.pool.Process(context.Background(), job)
		done <- outcome{res, err}
	}()

	// The role boundary persists the assistant turn before the gate is reached
	require.Eventually(t, func() bool {
		return len(f.session(t, "s-1").Messages) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.pool.Running(job.ID))
	assert.True(t, f.pool.Revoke(job.ID))
	assert.False(t, f.pool.Revoke(job.ID), "already revoked")
	close(gate)

	select {
	case out := <-done:
		require.NoError(t, out.err, "cancellation is not a failure")
		assert.True(t, out.res.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not stop after Revoke")
	}

	sess := f.session(t, "s-1")
	assert.Equal(t, store.StatusIdle, sess.Status)
	require.Len(t, sess.Messages, 3, "prompt and partial turns are kept")
	assert.Equal(t, "partial work", sess.Messages[1].Content[0].Text)
	assert.Equal(t, "tool output", sess.Messages[2].Content[0].Text)

	assert.False(t, f.pool.Running(job.ID), "handle deregistered")
	assert.False(t, f.pool.Revoke(job.ID))
}

func TestProcess_StreamErrorPersistsPartialAndEmitsFailed(t *testing.T) {
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "halfway")},
		{Err: errors.New("connection reset")},
	}
	f := newFixture(t, Config{}, script)
	sub := f.bridge.Register("s-1")
	job := f.reserveJob(t, "s-1", "task")

	_, err := f.pool.Process(context.Background(), job)
	require.Error(t, err)

	sess := f.session(t, "s-1")
	assert.Equal(t, store.StatusFailed, sess.Status)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "halfway", sess.Messages[1].Content[0].Text)

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, bridge.EventFailed, last.Type)
	assert.Equal(t, "connection reset", last.Error)
	assert.False(t, f.pool.Running(job.ID))
}

func TestProcess_FailedResultSubtype(t *testing.T) {
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: agent.ResultMessage("ext-1", agent.SubtypeErrorMaxTurns, "")},
	}
	f := newFixture(t, Config{}, script)
	job := f.reserveJob(t, "s-1", "task")

	_, err := f.pool.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), agent.SubtypeErrorMaxTurns)

	sess := f.session(t, "s-1")
	assert.Equal(t, store.StatusFailed, sess.Status)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, store.RoleResult, last.Role)
	assert.True(t, last.IsError)
}

func TestProcess_WorkspaceMissing(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-1", "x"))
	require.NoError(t, f.store.CreateWorkspace(context.Background(), &store.Workspace{ID: "ws-gone", UserID: "alice", Path: "/definitely/not/here"}))

	_, err := f.queue.Add(context.Background(), queue.Payload{SessionID: "s-1", WorkspaceID: "ws-gone", Prompt: "p"})
	require.NoError(t, err)
	job, err := f.queue.Reserve(context.Background())
	require.NoError(t, err)

	_, err = f.pool.Process(context.Background(), job)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
	assert.NotContains(t, err.Error(), "/definitely/not/here")
	assert.Empty(t, f.gen.Requests(), "agent never started")

	job.Payload.WorkspaceID = "ws-unknown"
	_, err = f.pool.Process(context.Background(), job)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestProcess_PolicyViolationFailsJob(t *testing.T) {
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: &agent.Message{Type: agent.TypeAssistant, Content: []agent.ContentItem{toolUse("tu-1", "Write", `{"file_path":"../../etc/passwd"}`)}}},
	}
	f := newFixture(t, Config{}, script)
	job := f.reserveJob(t, "s-1", "task")

	_, err := f.pool.Process(context.Background(), job)
	assert.ErrorIs(t, err, agent.ErrPolicyViolation)
}

func TestProcess_ClaimClearsStaleOwner(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-1", "ok"))
	f.addSession(t, "s-stale", "")
	job := f.reserveJob(t, "s-1", "task")
	require.NoError(t, f.store.ClaimJob(context.Background(), "s-stale", job.ID))

	_, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Empty(t, f.session(t, "s-stale").ActiveJobID)
	assert.Equal(t, job.ID, f.session(t, "s-1").ActiveJobID)
}

func TestProcess_SessionDeletedBeforeStart(t *testing.T) {
	f := newFixture(t, Config{}, agent.Conversation("ext-1", "ok"))
	job := f.reserveJob(t, "s-1", "task")
	require.NoError(t, f.store.DeleteSession(context.Background(), "s-1"))

	res, err := f.pool.Process(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Empty(t, f.gen.Requests())
}

func TestProcess_RetryResumesAndDoesNotRepeatPrompt(t *testing.T) {
	failing := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Err: errors.New("transient")},
	}
	f := newFixture(t, Config{}, failing, agent.Conversation("ext-1", "recovered"))
	job := f.reserveJob(t, "s-1", "task")

	_, err := f.pool.Process(context.Background(), job)
	require.Error(t, err)
	state, err := f.queue.Fail(context.Background(), job.ID, err)
	require.NoError(t, err)
	require.Equal(t, queue.StateDelayed, state)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	retry, err := f.queue.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Attempts)

	_, err = f.pool.Process(context.Background(), retry)
	require.NoError(t, err)

	reqs := f.gen.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "ext-1", reqs[1].Resume, "retry resumes the established conversation")

	msgs := f.session(t, "s-1").Messages
	assert.Equal(t, []store.Role{store.RoleUser, store.RoleAssistant, store.RoleResult}, roles(msgs))
}

func TestProcess_JobTimeout(t *testing.T) {
	script := []agent.Step{
		{Message: agent.InitMessage("ext-1")},
		{Message: agent.TextMessage(agent.TypeAssistant, "ext-1", "slow"), Delay: 5 * time.Second},
	}
	f := newFixture(t, Config{JobTimeout: 50 * time.Millisecond}, script)
	job := f.reserveJob(t, "s-1", "task")

	start := time.Now()
	_, err := f.pool.Process(context.Background(), job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPromptRecorded(t *testing.T) {
	log := []store.Message{
		{Role: store.RoleUser, Text: "first"},
		{Role: store.RoleAssistant, Content: []store.ContentItem{{Type: store.ContentText, Text: "a"}}},
		{Role: store.RoleUser, Content: []store.ContentItem{{Type: store.ContentToolResult, Output: "x"}}},
	}
	assert.True(t, promptRecorded(log, "first"))
	assert.False(t, promptRecorded(log, "second"))
	assert.False(t, promptRecorded(nil, "first"))
}
