// ABOUTME: Structured messages produced by an agent generator
// ABOUTME: Decodes and encodes the line-delimited stream-JSON wire format

package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the top-level kind of a streamed message.
type MessageType string

const (
	TypeSystem    MessageType = "system"
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeResult    MessageType = "result"
)

// Subtypes for system and result messages.
const (
	SubtypeInit                 = "init"
	SubtypeSuccess              = "success"
	SubtypeErrorMaxTurns        = "error_max_turns"
	SubtypeErrorDuringExecution = "error_during_execution"
)

// Content item types.
const (
	ContentText       = "text"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
)

// ContentItem is one block of a user or assistant message.
type ContentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"` // tool_use
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result's content, which is either a JSON string
// or a list of text blocks.
func (c ContentItem) ResultText() string {
	if len(c.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err == nil {
		return s
	}
	var blocks []ContentItem
	if err := json.Unmarshal(c.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(c.Content)
}

// Message is one item of a generator's stream.
type Message struct {
	Type      MessageType
	Subtype   string
	SessionID string // The agent's conversation id
	Content   []ContentItem
	Result    string // Final text of a result message
	IsError   bool
	NumTurns  int
}

// Succeeded reports whether a result message represents success.
func (m *Message) Succeeded() bool {
	return m.Type == TypeResult && m.Subtype == SubtypeSuccess && !m.IsError
}

// wireMessage is the JSON shape of one stream line.
type wireMessage struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Message   *wireBody   `json:"message,omitempty"`
	Result    string      `json:"result,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	NumTurns  int         `json:"num_turns,omitempty"`
}

type wireBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// DecodeMessage parses one stream-JSON line.
func DecodeMessage(line []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decoding agent message: %w", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("decoding agent message: missing type")
	}

	msg := &Message{
		Type:      w.Type,
		Subtype:   w.Subtype,
		SessionID: w.SessionID,
		Result:    w.Result,
		IsError:   w.IsError,
		NumTurns:  w.NumTurns,
	}
	if w.Message != nil && len(w.Message.Content) > 0 {
		// Content is either a plain string or a list of blocks
		var text string
		if err := json.Unmarshal(w.Message.Content, &text); err == nil {
			msg.Content = []ContentItem{{Type: ContentText, Text: text}}
		} else if err := json.Unmarshal(w.Message.Content, &msg.Content); err != nil {
			return nil, fmt.Errorf("decoding %s content: %w", w.Type, err)
		}
	}
	return msg, nil
}

// EncodeMessage renders msg as one stream-JSON line without the trailing newline.
func EncodeMessage(msg *Message) ([]byte, error) {
	w := wireMessage{
		Type:      msg.Type,
		Subtype:   msg.Subtype,
		SessionID: msg.SessionID,
		Result:    msg.Result,
		IsError:   msg.IsError,
		NumTurns:  msg.NumTurns,
	}
	if msg.Type == TypeUser || msg.Type == TypeAssistant {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, err
		}
		w.Message = &wireBody{Role: string(msg.Type), Content: content}
	}
	return json.Marshal(w)
}
