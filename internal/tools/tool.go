// Package tools defines the tool abstraction and the registry the agent
// uses to expose callable functions to the LLM.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a function the LLM can invoke during a turn.
//
// Implementations should communicate execution failures through
// Result.IsError rather than an error return, so the model can react to the
// failure. An error return is reserved for infrastructure problems.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use it.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result contains the output from a tool execution.
type Result struct {
	// Content is the tool's output (text or JSON).
	Content string `json:"content"`

	// IsError indicates this result represents an error condition.
	IsError bool `json:"is_error,omitempty"`
}

// JSONResult encodes payload as indented JSON inside a Result.
func JSONResult(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &Result{Content: string(encoded)}
}

// ErrorResult wraps an error message in a Result with IsError set.
func ErrorResult(message string) *Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}
