// Package timetool provides the current_time tool, a side-effect-free
// utility the agent can call without approval.
package timetool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/amity/internal/tools"
)

// Tool reports the current date and time, optionally in a named time zone.
type Tool struct {
	// Now allows tests to pin the clock. Nil means time.Now.
	Now func() time.Time
}

func (t *Tool) Name() string { return "current_time" }

func (t *Tool) Description() string {
	return "Get the current date and time, optionally in a specific IANA time zone."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA time zone name, e.g. \"Asia/Seoul\". Defaults to UTC."}
		}
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return tools.ErrorResult(fmt.Sprintf("unknown timezone %q", input.Timezone)), nil
		}
		loc = parsed
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	current := now().In(loc)
	return tools.JSONResult(map[string]any{
		"time":     current.Format(time.RFC3339),
		"weekday":  current.Weekday().String(),
		"timezone": loc.String(),
	}), nil
}
