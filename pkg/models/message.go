// Package models contains the shared data types threaded through the
// turn-execution pipeline: messages, tool calls, emotions, user profiles,
// and memory documents.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type. The set is closed: every
// consumer switches exhaustively over these four values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one segment of a multi-part message body. Only text
// parts participate in query extraction; other kinds pass through opaque.
type ContentPart struct {
	Type string `json:"type"` // "text", "image", ...
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a single entry in the conversation history.
//
// Invariant: every RoleTool message references a preceding assistant
// message's tool call through ToolCallID.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Parts carries multi-part content when present. Content holds the
	// flattened text form either way; Text() prefers Parts.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCall represents the model's request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolSchema describes a tool to the model: name, description, and a
// JSON Schema for its parameters.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// NewUserMessage builds a user message with a fresh ID.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage builds an assistant message with a fresh ID.
func NewAssistantMessage(content string, calls []ToolCall) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: time.Now(),
	}
}

// NewToolMessage builds a tool-result message answering callID.
func NewToolMessage(callID, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		CreatedAt:  time.Now(),
	}
}

// Text returns the textual content of the message. Multi-part bodies are
// flattened to their text segments, space-joined; non-text parts are
// skipped.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var segs []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			segs = append(segs, p.Text)
		}
	}
	return strings.Join(segs, " ")
}

// HasToolCalls reports whether the message requests any tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
