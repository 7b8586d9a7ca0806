package pipeline

import (
	"context"
	"time"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/providers"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/tools"
	"github.com/haasonsaas/amity/internal/window"
	"github.com/haasonsaas/amity/pkg/models"
)

// Fallback responses the agent substitutes when generation fails. They are
// JSON so the response contract holds even on the failure path.
const (
	fallbackApology   = `{"answer": "Sorry, something went wrong on my end. Could you say that again?", "emotion": "sad", "affinity_delta": 0, "nickname": "", "relation": ""}`
	fallbackRateLimit = `{"answer": "I'm getting too many requests right now. Give me a moment and try again.", "emotion": "busy", "affinity_delta": 0, "nickname": "", "relation": ""}`
)

// rateLimitBackoff is the wait before the single retry on a rate-limited
// generation call.
const rateLimitBackoff = 3 * time.Second

// AgentConfig tunes the generation call.
type AgentConfig struct {
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// HistoryTokenLimit trims the replayed history to this estimate.
	// Zero disables trimming.
	HistoryTokenLimit int `yaml:"history_token_limit"`
}

// AgentNode produces the assistant's next message, which either answers
// the user or requests tool calls. It never fails the turn: provider
// errors degrade to fallback answers.
type AgentNode struct {
	provider providers.Provider
	registry *tools.Registry
	trimmer  *window.Trimmer
	cfg      AgentConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	// sleep allows tests to skip the retry backoff.
	sleep func(time.Duration)
}

// NewAgentNode creates the agent stage.
func NewAgentNode(provider providers.Provider, registry *tools.Registry, cfg AgentConfig, logger *observability.Logger, metrics *observability.Metrics) *AgentNode {
	return &AgentNode{
		provider: provider,
		registry: registry,
		trimmer:  window.NewTrimmer(window.DefaultCharsPerToken),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sleep:    time.Sleep,
	}
}

func (n *AgentNode) Name() string { return StageAgent }

func (n *AgentNode) Run(ctx context.Context, st *state.TurnState) (*state.Delta, error) {
	history := replayableMessages(st.Messages)
	if n.cfg.HistoryTokenLimit > 0 {
		history = n.trimmer.Trim(history, n.cfg.HistoryTokenLimit)
	}

	req := &providers.Request{
		Model:       n.cfg.Model,
		System:      st.SystemPrompt,
		Messages:    history,
		Tools:       n.registry.Schemas(),
		Temperature: n.cfg.Temperature,
		MaxTokens:   n.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := n.generate(ctx, req)
	n.metrics.LLMRequestDuration.WithLabelValues(n.provider.Name(), n.cfg.Model).
		Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		content := fallbackApology
		if providers.IsRateLimit(err) {
			status = "rate_limited"
			content = fallbackRateLimit
		}
		n.metrics.LLMRequestCounter.WithLabelValues(n.provider.Name(), n.cfg.Model, status).Inc()
		n.logger.Error(ctx, "generation failed, using fallback", "error", err)
		return &state.Delta{Append: []models.Message{models.NewAssistantMessage(content, nil)}}, nil
	}

	n.metrics.LLMRequestCounter.WithLabelValues(n.provider.Name(), n.cfg.Model, "success").Inc()
	n.metrics.LLMTokensUsed.WithLabelValues(n.provider.Name(), n.cfg.Model, "prompt").
		Add(float64(resp.InputTokens))
	n.metrics.LLMTokensUsed.WithLabelValues(n.provider.Name(), n.cfg.Model, "completion").
		Add(float64(resp.OutputTokens))

	content := resp.Content
	if content == "" && len(resp.ToolCalls) == 0 {
		content = fallbackApology
	}
	return &state.Delta{
		Append: []models.Message{models.NewAssistantMessage(content, resp.ToolCalls)},
	}, nil
}

// generate calls the provider, retrying once after a short wait when the
// first attempt is rate limited.
func (n *AgentNode) generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := n.provider.Generate(ctx, req)
	if err == nil || !providers.IsRateLimit(err) {
		return resp, err
	}
	n.logger.Warn(ctx, "rate limited, retrying", "backoff", rateLimitBackoff)
	n.sleep(rateLimitBackoff)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.provider.Generate(ctx, req)
}

// replayableMessages filters the history down to what providers accept:
// non-empty user messages, assistant messages carrying content or tool
// calls, and tool results verbatim. System entries never replay; the
// system prompt travels separately.
func replayableMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			if m.Text() != "" {
				out = append(out, m)
			}
		case models.RoleAssistant:
			if m.Text() != "" || m.HasToolCalls() {
				out = append(out, m)
			}
		case models.RoleTool:
			out = append(out, m)
		}
	}
	return out
}
