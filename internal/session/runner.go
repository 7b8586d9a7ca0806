package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/haasonsaas/amity/internal/checkpoint"
	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/pipeline"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/pkg/models"
)

// Approver decides the fate of a suspended sensitive tool batch.
type Approver interface {
	// Approve returns true to run the batch, or false with an optional
	// reason to refuse it.
	Approve(calls []models.ToolCall) (bool, string)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(calls []models.ToolCall) (bool, string)

func (f ApproverFunc) Approve(calls []models.ToolCall) (bool, string) { return f(calls) }

// contractAnswer is the JSON shape every assistant answer takes.
type contractAnswer struct {
	Answer        string `json:"answer"`
	Emotion       string `json:"emotion"`
	AffinityDelta int    `json:"affinity_delta"`
	Nickname      string `json:"nickname"`
	Relation      string `json:"relation"`
}

// answerPattern locates the contract object inside the assistant's text,
// tolerating stray prose around it.
var answerPattern = regexp.MustCompile(`\{[^{}]*"answer"[^{}]*\}`)

// TurnResult is what a client renders after a turn.
type TurnResult struct {
	// Answer is the displayable reply text.
	Answer string

	// Emotion the assistant chose for this reply.
	Emotion models.Emotion

	// AffinityBefore and AffinityAfter bracket the post-turn update.
	AffinityBefore int
	AffinityAfter  int

	// Nickname and Relation report profile changes, empty if unchanged.
	Nickname string
	Relation string

	// MemoriesUsed is how many long-term memories informed the reply.
	MemoriesUsed int
}

// Runner executes turns for one session at a time.
type Runner struct {
	engine   *pipeline.Engine
	approver Approver
	logger   *observability.Logger

	sessionID string
	userID    string
}

// NewRunner creates a turn runner. approver may be nil, in which case
// sensitive batches are always rejected.
func NewRunner(engine *pipeline.Engine, approver Approver, logger *observability.Logger, sessionID, userID string) *Runner {
	if approver == nil {
		approver = ApproverFunc(func([]models.ToolCall) (bool, string) {
			return false, "no approver configured"
		})
	}
	return &Runner{
		engine:    engine,
		approver:  approver,
		logger:    logger,
		sessionID: sessionID,
		userID:    userID,
	}
}

// SessionID returns the active session ID.
func (r *Runner) SessionID() string { return r.sessionID }

// SwitchSession points the runner at a different session.
func (r *Runner) SwitchSession(sessionID string) { r.sessionID = sessionID }

// RunTurn executes one full turn, resolving any approval suspensions
// through the approver, and returns the parsed result.
func (r *Runner) RunTurn(ctx context.Context, text string) (*TurnResult, error) {
	req := &pipeline.TurnRequest{
		SessionID: r.sessionID,
		UserID:    r.userID,
		Message:   models.NewUserMessage(text),
	}
	cp, err := r.engine.Run(ctx, req, nil)
	if errors.Is(err, pipeline.ErrAwaitingApproval) {
		// A batch left suspended by an earlier run (for example before a
		// restart) blocks new input. Resolve it first, then submit the
		// message as its own turn so it is not lost.
		if cp, err = r.resolveApprovals(ctx, cp); err != nil {
			return nil, err
		}
		cp, err = r.engine.Run(ctx, req, nil)
	}
	if err != nil {
		return nil, err
	}
	if cp, err = r.resolveApprovals(ctx, cp); err != nil {
		return nil, err
	}
	if cp.Status == checkpoint.StatusFailed {
		return nil, fmt.Errorf("turn failed")
	}
	return r.finishTurn(ctx, cp)
}

// resolveApprovals drains approval suspensions through the approver until
// the turn reaches a terminal checkpoint.
func (r *Runner) resolveApprovals(ctx context.Context, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	var err error
	for cp.Status == checkpoint.StatusAwaitingApproval {
		approved, reason := r.approver.Approve(cp.Pending)
		if approved {
			cp, err = r.engine.Approve(ctx, r.sessionID, nil)
		} else {
			cp, err = r.engine.Reject(ctx, r.sessionID, reason, nil)
		}
		if err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// finishTurn parses the assistant's contract JSON and applies the
// post-turn updates it carries.
func (r *Runner) finishTurn(ctx context.Context, cp *checkpoint.Checkpoint) (*TurnResult, error) {
	result := &TurnResult{
		AffinityBefore: cp.State.IntimacyLevel,
		AffinityAfter:  cp.State.IntimacyLevel,
		Emotion:        cp.State.CurrentEmotion,
	}
	if cp.State.ContextMetadata != nil {
		result.MemoriesUsed = cp.State.ContextMetadata.MemoriesFound
	}

	answer, content := lastAnswer(cp.State.Messages)
	if answer == nil {
		result.Answer = content
		return result, nil
	}
	result.Answer = answer.Answer
	if result.Answer == "" {
		result.Answer = content
	}

	delta := &state.Delta{}
	changed := false

	if answer.AffinityDelta != 0 {
		level := cp.State.IntimacyLevel + pipeline.ClampDelta(answer.AffinityDelta)
		delta.IntimacyLevel = state.IntPtr(level)
		result.AffinityAfter = models.ClampAffinity(level)
		changed = true
	}

	profile := cp.State.UserProfile
	if answer.Nickname != "" && answer.Nickname != profile.Nickname {
		profile = profile.WithNickname(answer.Nickname)
		result.Nickname = answer.Nickname
		changed = true
	}
	if answer.Relation != "" && answer.Relation != profile.RelationType {
		profile = profile.WithRelation(answer.Relation)
		result.Relation = answer.Relation
		changed = true
	}
	if result.Nickname != "" || result.Relation != "" {
		delta.UserProfile = state.ProfilePtr(profile)
	}

	if answer.Emotion != "" {
		emotion := models.ParseEmotion(answer.Emotion)
		delta.CurrentEmotion = state.EmotionPtr(emotion)
		result.Emotion = emotion
		changed = true
	}

	if changed {
		if _, err := r.engine.UpdateState(ctx, r.sessionID, delta, pipeline.StageMemoryManager); err != nil {
			return nil, fmt.Errorf("apply post-turn updates: %w", err)
		}
	}
	return result, nil
}

// Boost raises affinity by 10, a development convenience.
func (r *Runner) Boost(ctx context.Context) (before, after int, err error) {
	cp, err := r.engine.State(ctx, r.sessionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	before = cp.State.IntimacyLevel
	after = models.ClampAffinity(before + 10)
	_, err = r.engine.UpdateState(ctx, r.sessionID,
		&state.Delta{IntimacyLevel: state.IntPtr(after)}, pipeline.StageMemoryManager)
	return before, after, err
}

// Status returns the latest checkpoint, or nil when the session has no
// history yet.
func (r *Runner) Status(ctx context.Context) (*checkpoint.Checkpoint, error) {
	cp, err := r.engine.State(ctx, r.sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// lastAnswer finds the newest assistant message without tool calls and
// parses the contract JSON out of it. The raw text is returned either way
// so a malformed contract still shows something.
func lastAnswer(messages []models.Message) (*contractAnswer, string) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != models.RoleAssistant || m.HasToolCalls() || m.Text() == "" {
			continue
		}
		content := m.Text()
		match := answerPattern.FindString(content)
		if match == "" {
			return nil, content
		}
		var answer contractAnswer
		if err := json.Unmarshal([]byte(match), &answer); err != nil {
			return nil, content
		}
		return &answer, content
	}
	return nil, ""
}
