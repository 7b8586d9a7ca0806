package pipeline

import (
	"context"
	"time"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/summarizer"
	"github.com/haasonsaas/amity/internal/window"
	"github.com/haasonsaas/amity/pkg/models"
)

// Archiver is the write-side memory access the memory manager needs.
type Archiver interface {
	Add(ctx context.Context, content string, metadata map[string]any) (string, error)
}

// MemoryManagerConfig tunes window eviction.
type MemoryManagerConfig struct {
	// TokenThreshold triggers eviction once the history estimate reaches
	// it.
	TokenThreshold int `yaml:"token_threshold"`

	// MaxTokensAfterTrim is the history size eviction trims down to.
	MaxTokensAfterTrim int `yaml:"max_tokens_after_trim"`

	// ArchiveRemoved controls whether evicted messages are summarized
	// into long-term memory.
	ArchiveRemoved bool `yaml:"archive_removed"`
}

// DefaultMemoryManagerConfig returns the production defaults.
func DefaultMemoryManagerConfig() MemoryManagerConfig {
	return MemoryManagerConfig{
		TokenThreshold:     2000,
		MaxTokensAfterTrim: 1000,
		ArchiveRemoved:     true,
	}
}

// MemoryManagerNode runs at the end of every turn. It always scrubs tool
// traffic from the history, and once the history estimate crosses the
// token threshold it evicts the oldest exchanges, archiving a summary of
// them to long-term memory.
type MemoryManagerNode struct {
	trimmer    *window.Trimmer
	summarizer *summarizer.Summarizer
	archiver   Archiver
	cfg        MemoryManagerConfig
	logger     *observability.Logger
	metrics    *observability.Metrics

	now func() time.Time
}

// NewMemoryManagerNode creates the memory manager stage. archiver may be
// nil, which disables archival.
func NewMemoryManagerNode(sum *summarizer.Summarizer, archiver Archiver, cfg MemoryManagerConfig, logger *observability.Logger, metrics *observability.Metrics) *MemoryManagerNode {
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = 2000
	}
	if cfg.MaxTokensAfterTrim <= 0 {
		cfg.MaxTokensAfterTrim = 1000
	}
	return &MemoryManagerNode{
		trimmer:    window.NewTrimmer(window.DefaultCharsPerToken),
		summarizer: sum,
		archiver:   archiver,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (n *MemoryManagerNode) Name() string { return StageMemoryManager }

func (n *MemoryManagerNode) Run(ctx context.Context, st *state.TurnState) (*state.Delta, error) {
	// Tool traffic never survives a turn. Stale tool results make the
	// model treat past work as already done on the next turn.
	scrub := scrubIDs(st.Messages)

	if n.trimmer.EstimateTokens(st.Messages) < n.cfg.TokenThreshold {
		return &state.Delta{Remove: scrub}, nil
	}

	evicted := n.evict(st.Messages, scrub)
	if len(evicted) == 0 {
		return &state.Delta{Remove: scrub}, nil
	}

	if n.cfg.ArchiveRemoved && n.archiver != nil {
		n.archive(ctx, evicted, st.UserID)
	}

	removed := make([]string, 0, len(scrub)+len(evicted))
	removed = append(removed, scrub...)
	for _, m := range evicted {
		removed = append(removed, m.ID)
	}
	n.logger.Info(ctx, "history evicted",
		"scrubbed", len(scrub),
		"evicted", len(evicted))
	return &state.Delta{Remove: removed}, nil
}

// evict trims the conversational history to the post-trim budget and
// returns the messages that fell out, oldest first. Messages already
// scrubbed are not counted twice.
func (n *MemoryManagerNode) evict(messages []models.Message, scrub []string) []models.Message {
	scrubbed := make(map[string]struct{}, len(scrub))
	for _, id := range scrub {
		scrubbed[id] = struct{}{}
	}

	conversational := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if _, gone := scrubbed[m.ID]; gone {
			continue
		}
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			conversational = append(conversational, m)
		}
	}

	trimmed := n.trimmer.Trim(conversational, n.cfg.MaxTokensAfterTrim)
	kept := make(map[string]struct{}, len(trimmed))
	for _, m := range trimmed {
		kept[m.ID] = struct{}{}
	}

	var evicted []models.Message
	for _, m := range conversational {
		if _, ok := kept[m.ID]; !ok {
			evicted = append(evicted, m)
		}
	}
	return evicted
}

// archive summarizes evicted messages and stores the summary. Failures
// are logged and swallowed: archival must never fail the turn.
func (n *MemoryManagerNode) archive(ctx context.Context, evicted []models.Message, userID string) {
	summary := n.summarizer.SummarizeConversation(ctx, evicted)
	if summary == "" {
		return
	}
	timestamp := n.now().Format("2006-01-02 15:04:05")
	_, err := n.archiver.Add(ctx, "["+timestamp+"] Archive:\n"+summary, map[string]any{
		"user_id":       userID,
		"type":          "conversation_archive",
		"message_count": len(evicted),
		"created_at":    timestamp,
	})
	if err != nil {
		n.metrics.ErrorCounter.WithLabelValues("memory", "archive").Inc()
		n.logger.Warn(ctx, "archive failed", "error", err)
		return
	}
	n.metrics.MemoryArchiveCounter.Inc()
}

// scrubIDs collects the IDs of tool results and tool-calling assistant
// messages.
func scrubIDs(messages []models.Message) []string {
	var ids []string
	for _, m := range messages {
		if m.ID == "" {
			continue
		}
		if m.Role == models.RoleTool || (m.Role == models.RoleAssistant && m.HasToolCalls()) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
