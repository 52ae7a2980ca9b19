// ABOUTME: Executes one query job: agent stream in, persisted turns and events out
// ABOUTME: Handles init, turn accumulation, results, cancellation and failure

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/coven-queue/internal/agent"
	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

// cleanupTimeout bounds persistence done after the job context may be gone.
const cleanupTimeout = 5 * time.Second

// Result describes how a successfully acknowledged job ended.
type Result struct {
	Status    store.SessionStatus
	Cancelled bool // Stopped by Revoke, or the session was deleted
}

// run is the state of one job attempt.
type run struct {
	p      *Pool
	job    *queue.Job
	target registry.Target
	logger *slog.Logger

	status    store.SessionStatus
	log       []store.Message // Last persisted log
	turnType  agent.MessageType
	turn      []store.ContentItem
	initDone  bool
	prompted  bool // The synthesized user message is already in the log
	resultErr error
	gone      bool // Session row deleted mid-run
}

// Process executes job and returns how it ended. A non-nil error means the
// attempt failed and the queue's retry policy applies.
func (p *Pool) Process(ctx context.Context, job *queue.Job) (res Result, err error) {
	h := p.handles.add(job.ID)
	defer p.handles.remove(job.ID, h)

	parent := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	pl := job.Payload
	r := &run{
		p:      p,
		job:    job,
		target: registry.Target{SessionID: pl.SessionID},
		logger: p.logger.With("job_id", job.ID, "session_id", pl.SessionID, "attempt", job.Attempts),
	}
	defer func() {
		switch {
		case err == nil:
		case parent.Err() != nil:
			// Shutdown, not a failed attempt: the job stays active for recovery
			r.logger.Info("job interrupted", "error", err)
		default:
			r.fail(err)
		}
	}()

	if err := p.store.ClaimJob(ctx, pl.SessionID, job.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Info("session deleted before job started")
			return Result{Cancelled: true}, nil
		}
		return Result{}, fmt.Errorf("claiming session: %w", err)
	}
	sess, err := p.store.GetSession(ctx, pl.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Cancelled: true}, nil
		}
		return Result{}, fmt.Errorf("loading session: %w", err)
	}
	r.target.ExternalID = sess.ExternalSessionID
	r.log = sess.Messages
	r.prompted = job.Attempts > 1 && promptRecorded(sess.Messages, pl.Prompt)
	p.registry.Register(job.ID, r.target)

	root, err := p.resolveWorkspace(ctx, pl.WorkspaceID)
	if err != nil {
		return Result{}, err
	}
	policy, err := agent.NewPolicy(root)
	if err != nil {
		return Result{}, err
	}

	// A retry resumes whatever conversation the previous attempt established
	resume := sess.ExternalSessionID
	if resume == "" {
		resume = pl.ExternalSessionID
	}
	stream, err := p.gen.Query(ctx, agent.Request{
		Prompt:   pl.Prompt,
		Resume:   resume,
		WorkDir:  root,
		MaxTurns: p.cfg.MaxTurns,
		Policy:   policy,
	})
	if err != nil {
		return Result{}, fmt.Errorf("starting agent: %w", err)
	}
	defer stream.Close()

	r.setStatus(ctx, store.StatusRunning)

	for {
		if h.revoked.Load() {
			return r.stop(), nil
		}
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if h.revoked.Load() {
			return r.stop(), nil
		}
		if err := r.handle(ctx, msg); err != nil {
			return Result{}, err
		}
	}
	return r.finish(ctx)
}

// promptRecorded reports whether a previous attempt already logged prompt as
// the latest user request.
func promptRecorded(log []store.Message, prompt string) bool {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == store.RoleUser && len(log[i].Content) == 0 {
			return log[i].Text == prompt
		}
	}
	return false
}

func (r *run) handle(ctx context.Context, msg *agent.Message) error {
	switch msg.Type {
	case agent.TypeSystem:
		if msg.Subtype == agent.SubtypeInit && !r.initDone {
			return r.init(ctx, msg)
		}
		return nil

	case agent.TypeUser, agent.TypeAssistant:
		if len(r.turn) > 0 && msg.Type != r.turnType {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
		r.turnType = msg.Type
		r.turn = append(r.turn, convertContent(msg.Content)...)
		return nil

	case agent.TypeResult:
		if err := r.flush(ctx); err != nil {
			return err
		}
		status := store.StatusCompleted
		if !msg.Succeeded() {
			status = store.StatusFailed
			r.resultErr = fmt.Errorf("agent finished with %s", resultLabel(msg))
		}
		r.status = status
		return r.append(ctx, store.Message{
			Role:    store.RoleResult,
			Text:    msg.Result,
			IsError: !msg.Succeeded(),
		}, &store.SessionUpdate{Status: &status})

	default:
		r.logger.Debug("ignoring agent message", "type", msg.Type, "subtype", msg.Subtype)
		return nil
	}
}

func resultLabel(msg *agent.Message) string {
	if msg.Subtype != "" {
		return msg.Subtype
	}
	return "error"
}

// init records the agent's conversation id and logs the user's prompt first.
func (r *run) init(ctx context.Context, msg *agent.Message) error {
	r.initDone = true
	oldExt := r.target.ExternalID
	newExt := msg.SessionID
	changed := newExt != "" && newExt != oldExt

	var update *store.SessionUpdate
	if changed {
		update = &store.SessionUpdate{ExternalSessionID: &newExt}
	}

	if !r.prompted {
		r.prompted = true
		if err := r.append(ctx, store.Message{Role: store.RoleUser, Text: r.job.Payload.Prompt}, update); err != nil {
			return err
		}
	} else if update != nil {
		if err := r.p.store.UpdateSession(ctx, store.ByID(r.target.SessionID), *update); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("recording conversation id: %w", err)
		}
	}

	if changed {
		r.target.ExternalID = newExt
		if oldExt == "" {
			r.p.registry.Update(r.job.ID, newExt)
		} else {
			r.reassigned(oldExt, newExt)
		}
	}

	if err := r.p.queue.UpdateProgress(ctx, r.job.ID, 50); err != nil {
		r.logger.Debug("updating progress", "error", err)
	}
	return nil
}

// reassigned handles the agent starting a fresh conversation instead of
// resuming oldExt: subscribers of the old id are told to retarget and
// subscribers of the new id see the job as active.
func (r *run) reassigned(oldExt, newExt string) {
	r.p.registry.Rename(oldExt, newExt)
	r.logger.Info("agent started a new conversation", "old_external_id", oldExt, "new_external_id", newExt)

	r.p.bridge.EmitAll(bridge.Event{
		Type:         bridge.EventSessionIDChanged,
		SessionID:    r.target.SessionID,
		OldSessionID: oldExt,
		NewSessionID: newExt,
	}, oldExt, r.target.SessionID)
	r.p.bridge.Emit(newExt, bridge.Event{
		Type:      bridge.EventActive,
		SessionID: r.target.SessionID,
		Status:    store.StatusRunning,
	})
}

// flush persists the accumulated turn as a single message.
func (r *run) flush(ctx context.Context) error {
	if len(r.turn) == 0 {
		return nil
	}
	msg := store.Message{Role: store.Role(r.turnType), Content: r.turn}
	r.turn = nil
	return r.append(ctx, msg, nil)
}

// append persists msg and emits the updated log.
func (r *run) append(ctx context.Context, msg store.Message, update *store.SessionUpdate) error {
	if r.gone {
		return nil
	}
	log, err := r.p.store.AppendMessage(ctx, store.ByID(r.target.SessionID), msg, update)
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	if log == nil {
		r.gone = true
		r.logger.Info("session deleted while running, discarding output")
		return nil
	}
	r.log = log
	r.emitUpdate()
	return nil
}

func (r *run) emitUpdate() {
	r.p.bridge.EmitAll(bridge.Event{
		Type:      bridge.EventMessageUpdate,
		SessionID: r.target.SessionID,
		Status:    r.status,
		Messages:  r.log,
	}, r.target.Keys()...)
}

func (r *run) setStatus(ctx context.Context, status store.SessionStatus) {
	r.status = status
	err := r.p.store.UpdateSession(ctx, store.ByID(r.target.SessionID), store.SessionUpdate{Status: &status})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("updating session status", "error", err, "status", status)
	}
}

// finish wraps up a stream that ended normally.
func (r *run) finish(ctx context.Context) (Result, error) {
	if err := r.flush(ctx); err != nil {
		return Result{}, err
	}
	if r.resultErr != nil {
		return Result{}, r.resultErr
	}
	if r.status != store.StatusCompleted {
		// Stream ended without a result message
		r.setStatus(ctx, store.StatusCompleted)
		r.emitUpdate()
	}
	if err := r.p.queue.UpdateProgress(ctx, r.job.ID, 100); err != nil {
		r.logger.Debug("updating progress", "error", err)
	}
	r.logger.Info("job completed")
	return Result{Status: store.StatusCompleted}, nil
}

// stop ends a revoked job. Accumulated content is kept and the session goes idle.
func (r *run) stop() Result {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.flush(ctx); err != nil {
		r.logger.Error("persisting partial turn", "error", err)
	}
	r.setStatus(ctx, store.StatusIdle)
	r.emitUpdate()
	r.logger.Info("job cancelled")
	return Result{Status: store.StatusIdle, Cancelled: true}
}

// fail persists what was accumulated and reports the error. Errors here are
// logged and swallowed.
func (r *run) fail(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.flush(ctx); err != nil {
		r.logger.Error("persisting partial turn", "error", err)
	}
	r.setStatus(ctx, store.StatusFailed)
	r.p.bridge.EmitAll(bridge.Event{
		Type:      bridge.EventFailed,
		SessionID: r.target.SessionID,
		Status:    store.StatusFailed,
		Error:     cause.Error(),
		Messages:  r.log,
	}, r.target.Keys()...)
	r.logger.Warn("job attempt failed", "error", cause)
}
