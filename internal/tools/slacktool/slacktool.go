// Package slacktool exposes Slack workspace operations as agent tools.
package slacktool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/amity/internal/tools"
)

// APIClient is the subset of the Slack client the tools use. It allows
// injection of mocks in tests.
type APIClient interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// NewClient creates a real Slack API client from a bot token.
func NewClient(botToken string) APIClient {
	return slack.New(botToken)
}

// Tools returns all Slack tools sharing one client.
func Tools(client APIClient) []tools.Tool {
	return []tools.Tool{
		&ListChannelsTool{client: client},
		&HistoryTool{client: client},
		&PostMessageTool{client: client},
	}
}

// ListChannelsTool lists public channels in the workspace.
type ListChannelsTool struct {
	client APIClient
}

func (t *ListChannelsTool) Name() string { return "slack_list_channels" }

func (t *ListChannelsTool) Description() string {
	return "List public Slack channels in the workspace with their IDs and topics."
}

func (t *ListChannelsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "description": "Maximum channels to return (default 100)."}
		}
	}`)
}

func (t *ListChannelsTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Limit <= 0 || input.Limit > 1000 {
		input.Limit = 100
	}

	channels, _, err := t.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Limit:           input.Limit,
		Types:           []string{"public_channel"},
		ExcludeArchived: true,
	})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("list channels: %v", err)), nil
	}

	type channelInfo struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Topic   string `json:"topic,omitempty"`
		Members int    `json:"num_members"`
	}
	out := make([]channelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelInfo{
			ID:      ch.ID,
			Name:    ch.Name,
			Topic:   ch.Topic.Value,
			Members: ch.NumMembers,
		})
	}
	return tools.JSONResult(map[string]any{"channels": out}), nil
}

// HistoryTool fetches recent messages from a channel.
type HistoryTool struct {
	client APIClient
}

func (t *HistoryTool) Name() string { return "slack_get_history" }

func (t *HistoryTool) Description() string {
	return "Fetch recent messages from a Slack channel by channel ID."
}

func (t *HistoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel_id": {"type": "string", "description": "Channel ID (e.g. C0123456789)."},
			"limit": {"type": "integer", "description": "Maximum messages to return (default 20)."}
		},
		"required": ["channel_id"]
	}`)
}

func (t *HistoryTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		ChannelID string `json:"channel_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.ChannelID) == "" {
		return tools.ErrorResult("channel_id is required"), nil
	}
	if input.Limit <= 0 || input.Limit > 200 {
		input.Limit = 20
	}

	resp, err := t.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: input.ChannelID,
		Limit:     input.Limit,
	})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("get history: %v", err)), nil
	}

	type messageInfo struct {
		User      string `json:"user"`
		Text      string `json:"text"`
		Timestamp string `json:"ts"`
	}
	out := make([]messageInfo, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		out = append(out, messageInfo{
			User:      msg.User,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		})
	}
	return tools.JSONResult(map[string]any{"messages": out}), nil
}

// PostMessageTool sends a message to a channel. It has side effects visible
// to other people, so deployments typically mark it sensitive.
type PostMessageTool struct {
	client APIClient
}

func (t *PostMessageTool) Name() string { return "slack_post_message" }

func (t *PostMessageTool) Description() string {
	return "Post a message to a Slack channel. Visible to everyone in the channel."
}

func (t *PostMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel_id": {"type": "string", "description": "Channel ID to post to."},
			"text": {"type": "string", "description": "Message text."}
		},
		"required": ["channel_id", "text"]
	}`)
}

func (t *PostMessageTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		ChannelID string `json:"channel_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.ChannelID) == "" || strings.TrimSpace(input.Text) == "" {
		return tools.ErrorResult("channel_id and text are required"), nil
	}

	channel, timestamp, err := t.client.PostMessageContext(ctx, input.ChannelID,
		slack.MsgOptionText(input.Text, false))
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("post message: %v", err)), nil
	}
	return tools.JSONResult(map[string]any{
		"channel": channel,
		"ts":      timestamp,
		"status":  "sent",
	}), nil
}
