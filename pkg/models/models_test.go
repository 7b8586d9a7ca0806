package models

import "testing"

func TestParseEmotion(t *testing.T) {
	tests := []struct {
		in   string
		want Emotion
	}{
		{"basic", EmotionBasic},
		{"angry", EmotionAngry},
		{"busy", EmotionBusy},
		{"happy", EmotionHappy},
		{"love", EmotionLove},
		{"pouting", EmotionPouting},
		{"sad", EmotionSad},
		{"", EmotionBasic},
		{"ecstatic", EmotionBasic},
		{"HAPPY", EmotionBasic},
	}
	for _, tt := range tests {
		if got := ParseEmotion(tt.in); got != tt.want {
			t.Errorf("ParseEmotion(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClampAffinity(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 0}, {50, 50}, {100, 100}, {-1, 0}, {101, 100}, {-50, 0}, {1000, 100},
	}
	for _, tt := range tests {
		if got := ClampAffinity(tt.in); got != tt.want {
			t.Errorf("ClampAffinity(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMessageConstructors(t *testing.T) {
	u := NewUserMessage("hi")
	if u.Role != RoleUser || u.Content != "hi" || u.ID == "" || u.CreatedAt.IsZero() {
		t.Errorf("NewUserMessage() = %+v", u)
	}

	calls := []ToolCall{{ID: "tc1", Name: "ping", Input: []byte(`{}`)}}
	a := NewAssistantMessage("", calls)
	if a.Role != RoleAssistant || !a.HasToolCalls() {
		t.Errorf("NewAssistantMessage() = %+v", a)
	}

	r := NewToolMessage("tc1", "pong")
	if r.Role != RoleTool || r.ToolCallID != "tc1" || r.Content != "pong" {
		t.Errorf("NewToolMessage() = %+v", r)
	}

	if u.ID == NewUserMessage("hi").ID {
		t.Error("message IDs are not unique")
	}
}

func TestMessageText(t *testing.T) {
	plain := Message{Content: "hello"}
	if plain.Text() != "hello" {
		t.Errorf("Text() = %q", plain.Text())
	}

	parts := Message{
		Content: "ignored when parts exist",
		Parts: []ContentPart{
			{Type: "text", Text: "first"},
			{Type: "image", Text: ""},
			{Type: "text", Text: "second"},
		},
	}
	if got := parts.Text(); got != "first second" {
		t.Errorf("Text() with parts = %q, want %q", got, "first second")
	}
}

func TestUserProfileWith(t *testing.T) {
	base := UserProfile{Nickname: "old", RelationType: "assistant"}

	renamed := base.WithNickname("new")
	if renamed.Nickname != "new" || renamed.RelationType != "assistant" {
		t.Errorf("WithNickname() = %+v", renamed)
	}
	if base.Nickname != "old" {
		t.Error("WithNickname mutated the receiver")
	}

	related := base.WithRelation("friend")
	if related.RelationType != "friend" || related.Nickname != "old" {
		t.Errorf("WithRelation() = %+v", related)
	}
}

func TestMemoryDocumentMetadata(t *testing.T) {
	doc := MemoryDocument{Metadata: map[string]any{
		"created_at": "2025-06-01T10:00:00Z",
		"user_id":    "alice",
	}}
	if doc.CreatedAt() != "2025-06-01T10:00:00Z" {
		t.Errorf("CreatedAt() = %q", doc.CreatedAt())
	}
	if doc.UserID() != "alice" {
		t.Errorf("UserID() = %q", doc.UserID())
	}

	empty := MemoryDocument{}
	if empty.CreatedAt() != "unknown" {
		t.Errorf("CreatedAt() on empty metadata = %q, want unknown", empty.CreatedAt())
	}
	if empty.UserID() != "" {
		t.Errorf("UserID() on empty metadata = %q, want empty", empty.UserID())
	}
}
