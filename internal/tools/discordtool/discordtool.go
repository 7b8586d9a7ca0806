// Package discordtool exposes Discord operations as agent tools.
package discordtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/amity/internal/tools"
)

// Session is the subset of the Discord session the tools use.
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
}

// NewSession creates a Discord session from a bot token. The session is
// used for REST calls only; no gateway connection is opened.
func NewSession(botToken string) (Session, error) {
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return dg, nil
}

// Tools returns all Discord tools sharing one session.
func Tools(session Session) []tools.Tool {
	return []tools.Tool{
		&ReadMessagesTool{session: session},
		&SendMessageTool{session: session},
		&AddReactionTool{session: session},
	}
}

// ReadMessagesTool fetches recent messages from a channel.
type ReadMessagesTool struct {
	session Session
}

func (t *ReadMessagesTool) Name() string { return "discord_read_messages" }

func (t *ReadMessagesTool) Description() string {
	return "Read recent messages from a Discord channel by channel ID."
}

func (t *ReadMessagesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel_id": {"type": "string", "description": "Discord channel ID."},
			"limit": {"type": "integer", "description": "Maximum messages to return (default 20, max 100)."}
		},
		"required": ["channel_id"]
	}`)
}

func (t *ReadMessagesTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
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
	if input.Limit <= 0 || input.Limit > 100 {
		input.Limit = 20
	}

	messages, err := t.session.ChannelMessages(input.ChannelID, input.Limit, "", "", "",
		discordgo.WithContext(ctx))
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("read messages: %v", err)), nil
	}

	type messageInfo struct {
		ID      string `json:"id"`
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	out := make([]messageInfo, 0, len(messages))
	for _, msg := range messages {
		author := ""
		if msg.Author != nil {
			author = msg.Author.Username
		}
		out = append(out, messageInfo{ID: msg.ID, Author: author, Content: msg.Content})
	}
	return tools.JSONResult(map[string]any{"messages": out}), nil
}

// SendMessageTool posts a message to a channel. Deployments typically mark
// it sensitive because the output is visible to other people.
type SendMessageTool struct {
	session Session
}

func (t *SendMessageTool) Name() string { return "discord_send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to a Discord channel. Visible to everyone in the channel."
}

func (t *SendMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel_id": {"type": "string", "description": "Discord channel ID."},
			"content": {"type": "string", "description": "Message content."}
		},
		"required": ["channel_id", "content"]
	}`)
}

func (t *SendMessageTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.ChannelID) == "" || strings.TrimSpace(input.Content) == "" {
		return tools.ErrorResult("channel_id and content are required"), nil
	}

	msg, err := t.session.ChannelMessageSend(input.ChannelID, input.Content,
		discordgo.WithContext(ctx))
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("send message: %v", err)), nil
	}
	return tools.JSONResult(map[string]any{"message_id": msg.ID, "status": "sent"}), nil
}

// AddReactionTool adds an emoji reaction to a message.
type AddReactionTool struct {
	session Session
}

func (t *AddReactionTool) Name() string { return "discord_add_reaction" }

func (t *AddReactionTool) Description() string {
	return "Add an emoji reaction to a Discord message."
}

func (t *AddReactionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel_id": {"type": "string", "description": "Discord channel ID."},
			"message_id": {"type": "string", "description": "Message ID to react to."},
			"emoji": {"type": "string", "description": "Emoji, e.g. \"👍\" or \"name:id\" for custom emoji."}
		},
		"required": ["channel_id", "message_id", "emoji"]
	}`)
}

func (t *AddReactionTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.ChannelID == "" || input.MessageID == "" || input.Emoji == "" {
		return tools.ErrorResult("channel_id, message_id, and emoji are required"), nil
	}

	if err := t.session.MessageReactionAdd(input.ChannelID, input.MessageID, input.Emoji,
		discordgo.WithContext(ctx)); err != nil {
		return tools.ErrorResult(fmt.Sprintf("add reaction: %v", err)), nil
	}
	return tools.JSONResult(map[string]any{"status": "reacted"}), nil
}
