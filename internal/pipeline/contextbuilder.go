package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/persona"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/window"
	"github.com/haasonsaas/amity/pkg/models"
)

// Retriever is the read-only memory access the context builder needs.
type Retriever interface {
	SearchWithThreshold(ctx context.Context, query string, k int, threshold float64, filter map[string]any) ([]models.MemoryDocument, error)
}

// ContextBuilderConfig tunes memory retrieval and prompt assembly.
type ContextBuilderConfig struct {
	// MaxMemories caps retrieved memories per turn.
	MaxMemories int `yaml:"max_memories"`

	// SimilarityThreshold drops memories scoring below it.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MemoryTokenBudget caps the token estimate of injected memories.
	// Lowest-scoring memories are dropped first.
	MemoryTokenBudget int `yaml:"memory_token_budget"`

	// IncludeTimestamp adds the current time to the prompt.
	IncludeTimestamp bool `yaml:"include_timestamp"`

	// Strategy selects prompt assembly: "v1" (flat sections) or "v2"
	// (tagged sections with the response contract restated at the end).
	Strategy string `yaml:"strategy"`
}

// DefaultContextBuilderConfig returns the production defaults.
func DefaultContextBuilderConfig() ContextBuilderConfig {
	return ContextBuilderConfig{
		MaxMemories:         5,
		SimilarityThreshold: 0.7,
		MemoryTokenBudget:   2048,
		IncludeTimestamp:    true,
		Strategy:            "v2",
	}
}

// ContextBuilderNode retrieves relevant memories and assembles the system
// prompt. It makes no LLM calls; retrieval failures degrade to a prompt
// without memories.
type ContextBuilderNode struct {
	retriever Retriever
	trimmer   *window.Trimmer
	toolNames []string
	cfg       ContextBuilderConfig
	logger    *observability.Logger
	metrics   *observability.Metrics

	// now allows tests to pin the clock.
	now func() time.Time
}

// NewContextBuilderNode creates a context builder. toolNames feed the tool
// guidance section of the prompt.
func NewContextBuilderNode(retriever Retriever, toolNames []string, cfg ContextBuilderConfig, logger *observability.Logger, metrics *observability.Metrics) *ContextBuilderNode {
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 5
	}
	if cfg.MemoryTokenBudget <= 0 {
		cfg.MemoryTokenBudget = 2048
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "v2"
	}
	return &ContextBuilderNode{
		retriever: retriever,
		trimmer:   window.NewTrimmer(window.DefaultCharsPerToken),
		toolNames: toolNames,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (n *ContextBuilderNode) Name() string { return StageContextBuilder }

func (n *ContextBuilderNode) Run(ctx context.Context, st *state.TurnState) (*state.Delta, error) {
	query := st.LastUserText()

	var memories []models.RetrievedMemory
	if query != "" && n.retriever != nil {
		memories = n.searchMemories(ctx, query, st.UserID)
	}

	prompt := n.buildSystemPrompt(st, memories)
	meta := &state.ContextMetadata{
		UserQuery:     query,
		MemoriesFound: len(memories),
		Timestamp:     n.now(),
		PromptLength:  len(prompt),
	}
	return &state.Delta{
		SystemPrompt:      state.StringPtr(prompt),
		RetrievedMemories: state.MemoriesPtr(memories),
		ContextMetadata:   meta,
	}, nil
}

// searchMemories runs threshold retrieval. The user filter is omitted for
// the "default" user, which predates per-user scoping.
func (n *ContextBuilderNode) searchMemories(ctx context.Context, query, userID string) []models.RetrievedMemory {
	var filter map[string]any
	if userID != "" && userID != "default" {
		filter = map[string]any{"user_id": userID}
	}

	start := time.Now()
	docs, err := n.retriever.SearchWithThreshold(ctx, query, n.cfg.MaxMemories, n.cfg.SimilarityThreshold, filter)
	n.metrics.MemorySearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		n.metrics.ErrorCounter.WithLabelValues("memory", "search").Inc()
		n.logger.Warn(ctx, "memory search failed", "error", err)
		return nil
	}

	memories := make([]models.RetrievedMemory, 0, len(docs))
	for _, doc := range docs {
		memories = append(memories, models.RetrievedMemory{
			Content:   doc.Content,
			Score:     doc.Score,
			CreatedAt: doc.CreatedAt(),
			Metadata:  doc.Metadata,
		})
	}
	return memories
}

func (n *ContextBuilderNode) buildSystemPrompt(st *state.TurnState, memories []models.RetrievedMemory) string {
	if n.cfg.Strategy == "v1" {
		return n.buildSystemPromptV1(st, memories)
	}
	return n.buildSystemPromptV2(st, memories)
}

// buildSystemPromptV1 assembles flat sections: persona, tools, memories,
// timestamp, final reminder.
func (n *ContextBuilderNode) buildSystemPromptV1(st *state.TurnState, memories []models.RetrievedMemory) string {
	var sections []string
	sections = append(sections, n.personaSection(st))
	sections = append(sections, "[Tools & conduct]\n"+n.toolGuidance())

	if len(memories) > 0 {
		sections = append(sections, "[Relevant past conversations]\n"+formatMemories(memories, "• "))
	}
	if n.cfg.IncludeTimestamp {
		sections = append(sections, fmt.Sprintf("[Current time: %s]", n.now().Format("2006-01-02 15:04")))
	}
	sections = append(sections,
		"[Final reminder] Keep the persona voice in every response: tool summaries, errors, everything.")
	return strings.Join(sections, "\n")
}

// buildSystemPromptV2 places the persona first and the response contract
// last, where models retain instructions best, with memories and tool rules
// in between.
func (n *ContextBuilderNode) buildSystemPromptV2(st *state.TurnState, memories []models.RetrievedMemory) string {
	var sections []string
	sections = append(sections, "<persona>\n"+n.personaSection(st)+"\n</persona>")

	if len(memories) > 0 {
		trimmed := n.trimMemoriesByBudget(memories)
		sections = append(sections, "<memories>\n"+formatMemoriesAnchored(trimmed)+"\n</memories>")
	}

	sections = append(sections, "<tools>\n"+n.toolGuidance()+"\n</tools>")

	if n.cfg.IncludeTimestamp {
		sections = append(sections, fmt.Sprintf("<timestamp>%s</timestamp>", n.now().Format("2006-01-02 15:04")))
	}

	sections = append(sections, n.responseFormatSection(st))
	sections = append(sections, `<rules>
- Keep the <persona> voice in every response: tool summaries, errors, everything.
- Output nothing except the JSON object in the format above.
</rules>`)
	return strings.Join(sections, "\n\n")
}

func (n *ContextBuilderNode) personaSection(st *state.TurnState) string {
	profile := persona.Profile{
		Nickname:       st.UserProfile.Nickname,
		RelationType:   st.UserProfile.RelationType,
		Affinity:       st.IntimacyLevel,
		CurrentEmotion: st.CurrentEmotion,
	}
	if t, err := time.Parse(time.RFC3339, st.UserProfile.FirstMeetDate); err == nil {
		profile.FirstMeetDate = t
	}
	return persona.SystemPrompt(profile, n.now())
}

func (n *ContextBuilderNode) toolGuidance() string {
	names := "none available"
	if len(n.toolNames) > 0 {
		sorted := append([]string(nil), n.toolNames...)
		sort.Strings(sorted)
		names = strings.Join(sorted, ", ")
	}
	return fmt.Sprintf(`Available tools: %s
- Use only the tools for the platform the user asked about; never mix them.
- Never claim an action was done unless a tool actually ran. Offer to do it instead.
- Do not call the same tool repeatedly with the same input.
- When you relay retrieved results, curate 3-5 items with reasons, not bare links.`, names)
}

func (n *ContextBuilderNode) responseFormatSection(st *state.TurnState) string {
	relation := st.UserProfile.RelationType
	if relation == "" {
		relation = persona.DefaultRelation
	}
	return fmt.Sprintf(`<response_format>
Every response must be ONLY a JSON object in exactly this shape:

%s

Field rules:
1. "answer": the actual reply. Never empty.
2. "emotion": exactly one of basic, angry, busy, happy, love, pouting, sad.
3. "affinity_delta": integer -5 to 5. Gratitude, praise, warmth go positive;
   insults or dismissal go negative; ordinary questions and requests are 0.
   Most conversations should be 0.
4. "nickname": filled only when the user explicitly asks to be called
   something ("call me X"). Otherwise "". Current nickname: %q.
5. "relation": filled only when the user explicitly redefines the
   relationship ("you're my friend"). Otherwise "". Current relation: %q.
</response_format>`, persona.ResponseContract, st.UserProfile.Nickname, relation)
}

// trimMemoriesByBudget drops the lowest-scoring memories once the token
// estimate exceeds the budget.
func (n *ContextBuilderNode) trimMemoriesByBudget(memories []models.RetrievedMemory) []models.RetrievedMemory {
	sorted := append([]models.RetrievedMemory(nil), memories...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var result []models.RetrievedMemory
	used := 0
	for _, mem := range sorted {
		est := int(float64(utf8.RuneCountInString(mem.Content)) / window.DefaultCharsPerToken)
		if used+est > n.cfg.MemoryTokenBudget {
			break
		}
		result = append(result, mem)
		used += est
	}
	return result
}

// formatMemories renders memories in descending relevance, each with its
// creation date and a relevance marker.
func formatMemories(memories []models.RetrievedMemory, bullet string) string {
	return renderMemories(sortByScore(memories), bullet)
}

// formatMemoriesAnchored orders memories for long-context recall: the most
// relevant opens the block and the second most relevant closes it, since
// models attend most to the edges of a span. The rest fill the middle in
// descending relevance.
func formatMemoriesAnchored(memories []models.RetrievedMemory) string {
	sorted := sortByScore(memories)
	if len(sorted) > 2 {
		second := sorted[1]
		copy(sorted[1:], sorted[2:])
		sorted[len(sorted)-1] = second
	}
	return renderMemories(sorted, "")
}

func sortByScore(memories []models.RetrievedMemory) []models.RetrievedMemory {
	sorted := append([]models.RetrievedMemory(nil), memories...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	return sorted
}

func renderMemories(memories []models.RetrievedMemory, bullet string) string {
	lines := make([]string, 0, len(memories))
	for _, mem := range memories {
		date := mem.CreatedAt
		if len(date) > 10 {
			date = date[:10]
		}
		lines = append(lines, fmt.Sprintf("%s[%s] %s %s", bullet, date, relevanceMarker(mem.Score), mem.Content))
	}
	return strings.Join(lines, "\n")
}

// relevanceMarker grades a similarity score for the model.
func relevanceMarker(score float64) string {
	switch {
	case score > 0.7:
		return "★★★"
	case score > 0.5:
		return "★★"
	default:
		return "★"
	}
}
