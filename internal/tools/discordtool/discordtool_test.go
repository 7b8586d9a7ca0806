package discordtool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

type mockSession struct {
	messages []*discordgo.Message
	err      error

	lastChannel string
	lastLimit   int
	sentContent string
	reaction    string
}

func (m *mockSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.lastChannel = channelID
	m.sentContent = content
	if m.err != nil {
		return nil, m.err
	}
	return &discordgo.Message{ID: "msg-1", Content: content}, nil
}

func (m *mockSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	m.lastChannel = channelID
	m.lastLimit = limit
	return m.messages, m.err
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error {
	m.lastChannel = channelID
	m.reaction = emoji
	return m.err
}

func TestReadMessages(t *testing.T) {
	session := &mockSession{messages: []*discordgo.Message{
		{ID: "1", Content: "hey", Author: &discordgo.User{Username: "alice"}},
		{ID: "2", Content: "no author message"},
	}}
	tool := &ReadMessagesTool{session: session}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}
	if session.lastChannel != "123" {
		t.Errorf("channel = %q", session.lastChannel)
	}
	if session.lastLimit != 20 {
		t.Errorf("default limit = %d, want 20", session.lastLimit)
	}
	if !strings.Contains(result.Content, "alice") || !strings.Contains(result.Content, "no author message") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestReadMessagesLimitClamped(t *testing.T) {
	session := &mockSession{}
	tool := &ReadMessagesTool{session: session}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123","limit":500}`)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if session.lastLimit != 20 {
		t.Errorf("limit = %d, want clamp to 20", session.lastLimit)
	}
}

func TestReadMessagesRequiresChannel(t *testing.T) {
	tool := &ReadMessagesTool{session: &mockSession{}}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "channel_id") {
		t.Errorf("result = %+v, want a missing channel_id error", result)
	}
}

func TestSendMessage(t *testing.T) {
	session := &mockSession{}
	tool := &SendMessageTool{session: session}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123","content":"hello there"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}
	if session.sentContent != "hello there" {
		t.Errorf("sent content = %q", session.sentContent)
	}
	if !strings.Contains(result.Content, "msg-1") || !strings.Contains(result.Content, "sent") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestSendMessageValidation(t *testing.T) {
	session := &mockSession{}
	tool := &SendMessageTool{session: session}

	for _, params := range []string{
		`{"channel_id":"","content":"hi"}`,
		`{"channel_id":"123","content":"   "}`,
	} {
		result, err := tool.Execute(context.Background(), json.RawMessage(params))
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", params, err)
		}
		if !result.IsError {
			t.Errorf("Execute(%s) should produce an error result", params)
		}
	}
	if session.sentContent != "" {
		t.Error("invalid input reached the session")
	}
}

func TestSendMessageAPIError(t *testing.T) {
	tool := &SendMessageTool{session: &mockSession{err: errors.New("missing permissions")}}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123","content":"hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "missing permissions") {
		t.Errorf("result = %+v, want the API error surfaced", result)
	}
}

func TestAddReaction(t *testing.T) {
	session := &mockSession{}
	tool := &AddReactionTool{session: session}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123","message_id":"m1","emoji":"👍"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}
	if session.reaction != "👍" {
		t.Errorf("reaction = %q", session.reaction)
	}
	if !strings.Contains(result.Content, "reacted") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestAddReactionValidation(t *testing.T) {
	tool := &AddReactionTool{session: &mockSession{}}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"channel_id":"123","message_id":"m1"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("missing emoji should produce an error result")
	}
}

func TestTools(t *testing.T) {
	all := Tools(&mockSession{})
	if len(all) != 3 {
		t.Fatalf("Tools() = %d tools, want 3", len(all))
	}
	for i, want := range []string{"discord_read_messages", "discord_send_message", "discord_add_reaction"} {
		if got := all[i].Name(); got != want {
			t.Errorf("tool %d = %s, want %s", i, got, want)
		}
	}
}
