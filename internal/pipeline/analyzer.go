package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/providers"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/pkg/models"
)

// MaxAffinityDelta bounds how much one message can move the affinity
// level in either direction.
const MaxAffinityDelta = 5

const analyzerInstruction = `Analyze the user's latest message in the context of an ongoing relationship.
Respond with ONLY a JSON object, no prose, in exactly this shape:
{"mood": "basic|angry|busy|happy|love|pouting|sad", "intimacy_change": 0, "reason": "", "new_nickname": "", "new_relation": ""}

Rules:
- mood is how the assistant should feel about this message.
- intimacy_change is an integer from -5 to 5.
- new_nickname and new_relation are empty unless the user explicitly asks
  to be called something or redefines the relationship.`

// AnalyzerNode reads the user's latest message and updates emotion,
// affinity, and profile before the reply is generated. It never fails the
// turn: any analysis problem degrades to a neutral emotion.
type AnalyzerNode struct {
	provider providers.Provider
	model    string
	logger   *observability.Logger
}

// NewAnalyzerNode creates an analyzer backed by the given provider.
func NewAnalyzerNode(provider providers.Provider, model string, logger *observability.Logger) *AnalyzerNode {
	return &AnalyzerNode{provider: provider, model: model, logger: logger}
}

func (n *AnalyzerNode) Name() string { return StageAnalyzer }

type analysis struct {
	Mood           string `json:"mood"`
	IntimacyChange int    `json:"intimacy_change"`
	Reason         string `json:"reason"`
	NewNickname    string `json:"new_nickname"`
	NewRelation    string `json:"new_relation"`
}

func (n *AnalyzerNode) Run(ctx context.Context, st *state.TurnState) (*state.Delta, error) {
	query := st.LastUserText()
	if query == "" {
		return &state.Delta{CurrentEmotion: state.EmotionPtr(models.EmotionBasic)}, nil
	}

	resp, err := n.provider.Generate(ctx, &providers.Request{
		Model:  n.model,
		System: analyzerInstruction,
		Messages: []models.Message{
			models.NewUserMessage(fmt.Sprintf("Current affinity level: %d/100.\nUser message: %s", st.IntimacyLevel, query)),
		},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		n.logger.Warn(ctx, "analysis call failed", "error", err)
		return &state.Delta{CurrentEmotion: state.EmotionPtr(models.EmotionBasic)}, nil
	}

	parsed, err := parseAnalysis(resp.Content)
	if err != nil {
		n.logger.Warn(ctx, "analysis response unparseable", "error", err)
		return &state.Delta{CurrentEmotion: state.EmotionPtr(models.EmotionBasic)}, nil
	}

	delta := &state.Delta{
		CurrentEmotion: state.EmotionPtr(models.ParseEmotion(parsed.Mood)),
		IntimacyLevel:  state.IntPtr(st.IntimacyLevel + ClampDelta(parsed.IntimacyChange)),
	}
	profile := st.UserProfile
	changed := false
	if nick := strings.TrimSpace(parsed.NewNickname); nick != "" {
		profile = profile.WithNickname(nick)
		changed = true
	}
	if rel := strings.TrimSpace(parsed.NewRelation); rel != "" {
		profile = profile.WithRelation(rel)
		changed = true
	}
	if changed {
		delta.UserProfile = state.ProfilePtr(profile)
	}

	n.logger.Debug(ctx, "message analyzed",
		"mood", parsed.Mood,
		"intimacy_change", parsed.IntimacyChange,
		"reason", parsed.Reason)
	return delta, nil
}

// parseAnalysis decodes the analyzer's JSON, tolerating markdown code
// fences around it.
func parseAnalysis(content string) (*analysis, error) {
	cleaned := StripCodeFence(content)
	var out analysis
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &out, nil
}

// ClampDelta bounds a per-message affinity change to ±MaxAffinityDelta.
func ClampDelta(delta int) int {
	if delta > MaxAffinityDelta {
		return MaxAffinityDelta
	}
	if delta < -MaxAffinityDelta {
		return -MaxAffinityDelta
	}
	return delta
}

// StripCodeFence removes a surrounding markdown code fence, with or
// without a language tag, from an LLM response.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
