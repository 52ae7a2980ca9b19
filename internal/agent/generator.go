// ABOUTME: Generator and Stream interfaces for the external agent
// ABOUTME: A query opens a stream of messages ending with io.EOF

package agent

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("agent stream closed")

// Request describes one query against the agent.
type Request struct {
	Prompt   string
	Resume   string // Conversation id to resume, empty for a fresh conversation
	WorkDir  string // Execution root; also the Policy root
	MaxTurns int    // 0 means the agent's own default
	Policy   *Policy
}

// Generator starts agent queries.
type Generator interface {
	Query(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the messages of one query in generation order.
type Stream interface {
	// Next blocks for the next message and returns io.EOF when the agent is done.
	Next(ctx context.Context) (*Message, error)

	// Close stops the query and releases its resources. Safe to call twice.
	Close() error
}
