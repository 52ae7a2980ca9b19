// ABOUTME: In-process Generator that replays scripted messages
// ABOUTME: Drives worker tests and the fake-agent binary without a real agent

package agent

import (
	"context"
	"io"
	"sync"
	"time"
)

// Step is one scripted stream item.
type Step struct {
	Message *Message
	Err     error           // Returned by Next instead of a message
	Wait    <-chan struct{} // Next blocks until this is closed before yielding
	Delay   time.Duration
}

// ScriptedGenerator replays one script per query. Once the scripts run out
// the last one is reused.
type ScriptedGenerator struct {
	mu       sync.Mutex
	scripts  [][]Step
	requests []Request
	QueryErr error // When set, Query fails with it
}

// NewScriptedGenerator creates a generator that plays scripts in order.
func NewScriptedGenerator(scripts ...[]Step) *ScriptedGenerator {
	return &ScriptedGenerator{scripts: scripts}
}

// Query records req and opens the next script.
func (g *ScriptedGenerator) Query(ctx context.Context, req Request) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.QueryErr != nil {
		return nil, g.QueryErr
	}

	var steps []Step
	if n := len(g.scripts); n > 0 {
		idx := len(g.requests) - 1
		if idx >= n {
			idx = n - 1
		}
		steps = g.scripts[idx]
	}
	return &scriptedStream{steps: steps, policy: req.Policy, done: make(chan struct{})}, nil
}

// Requests returns every request seen so far.
func (g *ScriptedGenerator) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.requests...)
}

type scriptedStream struct {
	mu     sync.Mutex
	steps  []Step
	pos    int
	policy *Policy
	done   chan struct{}
	once   sync.Once
}

func (s *scriptedStream) Next(ctx context.Context) (*Message, error) {
	s.mu.Lock()
	if s.pos >= len(s.steps) {
		s.mu.Unlock()
		return nil, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	s.mu.Unlock()

	if step.Wait != nil {
		select {
		case <-step.Wait:
		case <-s.done:
			return nil, ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-s.done:
			return nil, ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}
	if err := s.policy.Check(step.Message); err != nil {
		return nil, err
	}
	return step.Message, nil
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Conversation builds the usual script: init, one assistant text turn, success.
func Conversation(sessionID, reply string) []Step {
	return []Step{
		{Message: InitMessage(sessionID)},
		{Message: TextMessage(TypeAssistant, sessionID, reply)},
		{Message: ResultMessage(sessionID, SubtypeSuccess, reply)},
	}
}

// InitMessage returns a system/init message for sessionID.
func InitMessage(sessionID string) *Message {
	return &Message{Type: TypeSystem, Subtype: SubtypeInit, SessionID: sessionID}
}

// TextMessage returns a user or assistant message with a single text block.
func TextMessage(typ MessageType, sessionID, text string) *Message {
	return &Message{
		Type:      typ,
		SessionID: sessionID,
		Content:   []ContentItem{{Type: ContentText, Text: text}},
	}
}

// ResultMessage returns a terminal result message.
func ResultMessage(sessionID, subtype, text string) *Message {
	return &Message{
		Type:      TypeResult,
		Subtype:   subtype,
		SessionID: sessionID,
		Result:    text,
		IsError:   subtype != SubtypeSuccess,
		NumTurns:  1,
	}
}

var _ Generator = (*ScriptedGenerator)(nil)
