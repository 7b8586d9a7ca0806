// Package window bounds conversation history to a token budget.
//
// Token estimation is local and approximate: total characters of string
// content divided by a characters-per-token constant. No remote
// tokenizer is ever consulted.
package window

import (
	"unicode/utf8"

	"github.com/haasonsaas/amity/pkg/models"
)

// DefaultCharsPerToken matches the estimate used across the pipeline.
const DefaultCharsPerToken = 1.5

// Trimmer returns the newest subset of a message list that fits a token
// ceiling, preserving relative order. A leading system message is always
// retained.
type Trimmer struct {
	charsPerToken float64
}

// NewTrimmer creates a trimmer. charsPerToken <= 0 selects the default.
func NewTrimmer(charsPerToken float64) *Trimmer {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Trimmer{charsPerToken: charsPerToken}
}

// EstimateTokens approximates the token cost of the messages.
func (t *Trimmer) EstimateTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
	}
	return int(float64(total) / t.charsPerToken)
}

// Trim returns the subset of messages whose estimated token count fits
// maxTokens. The leading system message (when present) is kept
// unconditionally; the remainder is filled from the newest message
// backwards, so what survives is always a contiguous suffix.
func (t *Trimmer) Trim(messages []models.Message, maxTokens int) []models.Message {
	if len(messages) == 0 {
		return nil
	}

	var head []models.Message
	body := messages
	if messages[0].Role == models.RoleSystem {
		head = messages[:1]
		body = messages[1:]
	}

	budget := maxTokens
	for _, m := range head {
		budget -= t.tokens(m)
	}

	// Walk backwards collecting the newest suffix that fits.
	start := len(body)
	for i := len(body) - 1; i >= 0; i-- {
		cost := t.tokens(body[i])
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}

	out := make([]models.Message, 0, len(head)+len(body)-start)
	out = append(out, head...)
	out = append(out, body[start:]...)
	return out
}

func (t *Trimmer) tokens(m models.Message) int {
	return int(float64(utf8.RuneCountInString(m.Content)) / t.charsPerToken)
}
