// Package providers abstracts the generation capability consumed by the
// turn executor and the analyzer.
//
// A Provider takes an ordered message list plus optional tool schemas
// and returns one response: text content and any requested tool calls.
// Implementations must tolerate empty or malformed tool parameter
// schemas by normalizing them before hitting the wire; the pipeline's
// schema-repair pass handles the common case, but providers stay
// defensive about what remains.
package providers

import (
	"context"

	"github.com/haasonsaas/amity/pkg/models"
)

// Request contains all parameters for one generation call.
type Request struct {
	// Model selects the provider model; empty uses the provider default.
	Model string

	// System is the system prompt, handled separately from messages.
	System string

	// Messages is the conversation history in chronological order.
	Messages []models.Message

	// Tools lists the tool schemas offered to the model for this call.
	Tools []models.ToolSchema

	// Temperature in [0, 2]; 0 means provider default.
	Temperature float32

	// MaxTokens caps the response length; 0 means provider default.
	MaxTokens int
}

// Response is the unified generation result.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall

	InputTokens  int
	OutputTokens int
}

// Provider is the generation capability.
//
// Implementations must be safe for concurrent use; the pipeline issues
// at most one outstanding call per session, but sessions run in
// parallel.
type Provider interface {
	// Generate performs one completion call.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name for logging.
	Name() string
}
