// Package summarizer collapses evicted conversation turns into short
// archival text.
//
// Failures never escape: when the backing model call errors or returns
// nothing useful, the summarizer degrades to a fixed-length prefix of
// the raw text so archival can proceed.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/amity/internal/providers"
	"github.com/haasonsaas/amity/pkg/models"
)

// FallbackPrefixLen bounds the truncation fallback.
const FallbackPrefixLen = 500

const summaryInstruction = "Condense the following conversation excerpt into a short third-person " +
	"summary. Keep names, dates, decisions, and stated preferences. Output the summary text only."

// Summarizer produces archival summaries through a generation provider.
type Summarizer struct {
	provider  providers.Provider
	model     string
	maxTokens int
}

// New creates a summarizer. model may be empty to use the provider
// default; maxTokens <= 0 selects a small default suited to summaries.
func New(provider providers.Provider, model string, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Summarizer{provider: provider, model: model, maxTokens: maxTokens}
}

// Summarize collapses text into a short summary. Never returns an
// error; failures degrade to truncation.
func (s *Summarizer) Summarize(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if s.provider == nil {
		return truncate(text)
	}

	resp, err := s.provider.Generate(ctx, &providers.Request{
		Model:       s.model,
		System:      summaryInstruction,
		Messages:    []models.Message{models.NewUserMessage(text)},
		Temperature: 0.1,
		MaxTokens:   s.maxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return truncate(text)
	}
	return strings.TrimSpace(resp.Content)
}

// SummarizeConversation formats role-labeled turns and summarizes them.
func (s *Summarizer) SummarizeConversation(ctx context.Context, turns []models.Message) string {
	return s.Summarize(ctx, FormatTurns(turns))
}

// FormatTurns renders user/assistant turns as role-labeled,
// space-joined text. Tool and system entries are skipped.
func FormatTurns(turns []models.Message) string {
	var lines []string
	for _, m := range turns {
		switch m.Role {
		case models.RoleUser:
			lines = append(lines, fmt.Sprintf("User: %s", m.Text()))
		case models.RoleAssistant:
			lines = append(lines, fmt.Sprintf("AI: %s", m.Content))
		}
	}
	return strings.Join(lines, " ")
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= FallbackPrefixLen {
		return text
	}
	return string(runes[:FallbackPrefixLen])
}
