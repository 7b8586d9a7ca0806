package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/pkg/models"
)

type fakeRetriever struct {
	docs       []models.MemoryDocument
	err        error
	lastQuery  string
	lastK      int
	lastFilter map[string]any
}

func (f *fakeRetriever) SearchWithThreshold(ctx context.Context, query string, k int, threshold float64, filter map[string]any) ([]models.MemoryDocument, error) {
	f.lastQuery = query
	f.lastK = k
	f.lastFilter = filter
	return f.docs, f.err
}

func newBuilderNode(retriever Retriever, cfg ContextBuilderConfig, toolNames []string) *ContextBuilderNode {
	node := NewContextBuilderNode(retriever, toolNames, cfg, testLogger(),
		observability.NewMetricsWith(prometheus.NewRegistry()))
	node.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return node
}

func doc(content string, score float64, createdAt string) models.MemoryDocument {
	return models.MemoryDocument{
		Content:  content,
		Score:    score,
		Metadata: map[string]any{"created_at": createdAt},
	}
}

func TestContextBuilderV2Sections(t *testing.T) {
	retriever := &fakeRetriever{docs: []models.MemoryDocument{
		doc("likes hiking", 0.9, "2025-06-01 10:00:00"),
	}}
	node := newBuilderNode(retriever, DefaultContextBuilderConfig(), []string{"current_time"})

	st := &state.TurnState{
		UserID:         "alice",
		IntimacyLevel:  30,
		CurrentEmotion: models.EmotionBasic,
		Messages:       []models.Message{models.NewUserMessage("what should we do this weekend?")},
	}
	delta, err := node.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prompt := *delta.SystemPrompt
	for _, section := range []string{"<persona>", "<memories>", "<tools>", "<timestamp>", "<response_format>", "<rules>"} {
		if !strings.Contains(prompt, section) {
			t.Errorf("prompt missing %s section", section)
		}
	}
	if !strings.Contains(prompt, "likes hiking") {
		t.Errorf("prompt missing the retrieved memory")
	}
	if !strings.Contains(prompt, "current_time") {
		t.Errorf("prompt missing the tool listing")
	}
	if (*delta.RetrievedMemories)[0].Content != "likes hiking" {
		t.Errorf("retrieved memories not recorded in delta")
	}
	if delta.ContextMetadata.MemoriesFound != 1 {
		t.Errorf("MemoriesFound = %d, want 1", delta.ContextMetadata.MemoriesFound)
	}
}

func TestContextBuilderV1Sections(t *testing.T) {
	cfg := DefaultContextBuilderConfig()
	cfg.Strategy = "v1"
	retriever := &fakeRetriever{docs: []models.MemoryDocument{
		doc("remembers birthdays", 0.8, "2025-06-01 10:00:00"),
	}}
	node := newBuilderNode(retriever, cfg, nil)

	st := &state.TurnState{
		Messages: []models.Message{models.NewUserMessage("hello")},
	}
	delta, err := node.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prompt := *delta.SystemPrompt
	if !strings.Contains(prompt, "[Tools & conduct]") {
		t.Errorf("v1 prompt missing tools section")
	}
	if !strings.Contains(prompt, "[Relevant past conversations]") {
		t.Errorf("v1 prompt missing memories section")
	}
	if !strings.Contains(prompt, "• [2025-06-01]") {
		t.Errorf("v1 memories not bulleted with dates")
	}
	if strings.Contains(prompt, "<persona>") {
		t.Errorf("v1 prompt must not use tagged sections")
	}
}

func TestContextBuilderUserFilter(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		wantFilter bool
	}{
		{"named user", "alice", true},
		{"default user", "default", false},
		{"empty user", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriever := &fakeRetriever{}
			node := newBuilderNode(retriever, DefaultContextBuilderConfig(), nil)
			st := &state.TurnState{
				UserID:   tt.userID,
				Messages: []models.Message{models.NewUserMessage("hi")},
			}
			if _, err := node.Run(context.Background(), st); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if tt.wantFilter {
				if retriever.lastFilter == nil || retriever.lastFilter["user_id"] != tt.userID {
					t.Errorf("filter = %v, want user_id=%s", retriever.lastFilter, tt.userID)
				}
			} else if retriever.lastFilter != nil {
				t.Errorf("filter = %v, want none", retriever.lastFilter)
			}
		})
	}
}

func TestContextBuilderSearchFailureDegrades(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("store offline")}
	node := newBuilderNode(retriever, DefaultContextBuilderConfig(), nil)

	st := &state.TurnState{
		Messages: []models.Message{models.NewUserMessage("hi")},
	}
	delta, err := node.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v, search failures must not fail the turn", err)
	}
	if strings.Contains(*delta.SystemPrompt, "<memories>") {
		t.Errorf("prompt contains a memories section after a failed search")
	}
	if delta.ContextMetadata.MemoriesFound != 0 {
		t.Errorf("MemoriesFound = %d, want 0", delta.ContextMetadata.MemoriesFound)
	}
}

func TestContextBuilderNoRetriever(t *testing.T) {
	node := newBuilderNode(nil, DefaultContextBuilderConfig(), nil)
	st := &state.TurnState{
		Messages: []models.Message{models.NewUserMessage("hi")},
	}
	delta, err := node.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(*delta.SystemPrompt, "<persona>") {
		t.Errorf("prompt missing persona section without a retriever")
	}
}

func TestRelevanceMarker(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, "★★★"},
		{0.71, "★★★"},
		{0.7, "★★"},
		{0.51, "★★"},
		{0.5, "★"},
		{0.1, "★"},
	}
	for _, tt := range tests {
		if got := relevanceMarker(tt.score); got != tt.want {
			t.Errorf("relevanceMarker(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestFormatMemoriesDescendingScore(t *testing.T) {
	memories := []models.RetrievedMemory{
		{Content: "low", Score: 0.4, CreatedAt: "2025-01-01 10:00:00"},
		{Content: "high", Score: 0.9, CreatedAt: "2025-02-01 10:00:00"},
		{Content: "mid", Score: 0.6, CreatedAt: "2025-03-01 10:00:00"},
	}
	got := formatMemories(memories, "")
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if !strings.Contains(lines[0], "high") || !strings.Contains(lines[1], "mid") || !strings.Contains(lines[2], "low") {
		t.Errorf("memories not in descending score order:\n%s", got)
	}
	if !strings.HasPrefix(lines[0], "[2025-02-01] ★★★ ") {
		t.Errorf("line format wrong: %q", lines[0])
	}
}

func TestFormatMemoriesAnchored(t *testing.T) {
	tests := []struct {
		name      string
		memories  []models.RetrievedMemory
		wantOrder []string
	}{
		{
			name: "second best closes the block",
			memories: []models.RetrievedMemory{
				{Content: "third", Score: 0.75},
				{Content: "best", Score: 0.9},
				{Content: "second", Score: 0.8},
				{Content: "fourth", Score: 0.72},
			},
			wantOrder: []string{"best", "third", "fourth", "second"},
		},
		{
			name: "two memories stay descending",
			memories: []models.RetrievedMemory{
				{Content: "second", Score: 0.8},
				{Content: "best", Score: 0.9},
			},
			wantOrder: []string{"best", "second"},
		},
		{
			name:      "single memory",
			memories:  []models.RetrievedMemory{{Content: "only", Score: 0.9}},
			wantOrder: []string{"only"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := strings.Split(formatMemoriesAnchored(tt.memories), "\n")
			if len(lines) != len(tt.wantOrder) {
				t.Fatalf("lines = %d, want %d", len(lines), len(tt.wantOrder))
			}
			for i, want := range tt.wantOrder {
				if !strings.Contains(lines[i], want) {
					t.Errorf("line %d = %q, want %q", i, lines[i], want)
				}
			}
		})
	}
}

func TestContextBuilderV2MemoryAnchoring(t *testing.T) {
	retriever := &fakeRetriever{docs: []models.MemoryDocument{
		doc("plays tennis on sundays", 0.9, "2025-06-01 10:00:00"),
		doc("allergic to peanuts", 0.8, "2025-06-02 10:00:00"),
		doc("works night shifts", 0.75, "2025-06-03 10:00:00"),
	}}
	node := newBuilderNode(retriever, DefaultContextBuilderConfig(), nil)

	st := &state.TurnState{
		Messages: []models.Message{models.NewUserMessage("what do you know about me?")},
	}
	delta, err := node.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prompt := *delta.SystemPrompt
	best := strings.Index(prompt, "plays tennis")
	second := strings.Index(prompt, "allergic to peanuts")
	third := strings.Index(prompt, "works night shifts")
	if best < 0 || second < 0 || third < 0 {
		t.Fatalf("prompt missing memories:\n%s", prompt)
	}
	if !(best < third && third < second) {
		t.Errorf("memory positions best=%d third=%d second=%d, want best < third < second", best, third, second)
	}
}

func TestTrimMemoriesByBudget(t *testing.T) {
	cfg := DefaultContextBuilderConfig()
	cfg.MemoryTokenBudget = 100 // 150 chars at 1.5 chars per token
	node := newBuilderNode(nil, cfg, nil)

	memories := []models.RetrievedMemory{
		{Content: strings.Repeat("a", 120), Score: 0.9},
		{Content: strings.Repeat("b", 120), Score: 0.8},
		{Content: strings.Repeat("c", 120), Score: 0.7},
	}
	got := node.trimMemoriesByBudget(memories)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (only the top memory fits)", len(got))
	}
	if got[0].Score != 0.9 {
		t.Errorf("kept score = %v, want the highest-scoring memory", got[0].Score)
	}
}

func TestTrimMemoriesByBudgetMultibyte(t *testing.T) {
	cfg := DefaultContextBuilderConfig()
	cfg.MemoryTokenBudget = 100
	node := newBuilderNode(nil, cfg, nil)

	// 120 Korean characters estimate to 80 tokens and fit the budget even
	// though they occupy 360 bytes.
	memories := []models.RetrievedMemory{
		{Content: strings.Repeat("가", 120), Score: 0.9},
	}
	got := node.trimMemoriesByBudget(memories)
	if len(got) != 1 {
		t.Errorf("len = %d, want the multibyte memory kept", len(got))
	}
}
