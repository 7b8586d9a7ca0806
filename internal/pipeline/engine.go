package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/amity/internal/checkpoint"
	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/tools/policy"
	"github.com/haasonsaas/amity/pkg/models"
)

// ErrAwaitingApproval is returned when a new turn is requested while the
// session is suspended on a sensitive tool batch.
var ErrAwaitingApproval = errors.New("session awaiting approval")

// ErrNotAwaitingApproval is returned by Approve and Reject when the
// session has no pending sensitive batch.
var ErrNotAwaitingApproval = errors.New("session not awaiting approval")

// TurnRequest starts one turn for a session.
type TurnRequest struct {
	SessionID string
	UserID    string
	Message   models.Message
}

// Engine executes the stage graph. Turns for the same session run one at a
// time; different sessions run concurrently.
type Engine struct {
	nodes   map[string]Node
	store   checkpoint.Store
	policy  *policy.Policy
	logger  *observability.Logger
	metrics *observability.Metrics

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sessionLock
}

// NewEngine wires nodes into the stage graph. Every stage except end must
// have a node.
func NewEngine(store checkpoint.Store, pol *policy.Policy, logger *observability.Logger, metrics *observability.Metrics, nodes ...Node) (*Engine, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name()] = n
	}
	required := []string{
		StageAnalyzer, StageContextBuilder, StageAgent,
		StageSafeTools, StageSensitiveTools, StageMemoryManager,
	}
	for _, stage := range required {
		if _, ok := byName[stage]; !ok {
			return nil, fmt.Errorf("missing node for stage %s", stage)
		}
	}
	return &Engine{
		nodes:        byName,
		store:        store,
		policy:       pol,
		logger:       logger,
		metrics:      metrics,
		sessionLocks: make(map[string]*sessionLock),
	}, nil
}

// Run executes one turn to its terminal checkpoint: completed, failed, or
// awaiting approval. events may be nil.
func (e *Engine) Run(ctx context.Context, req *TurnRequest, events chan<- Event) (*checkpoint.Checkpoint, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("turn request missing session id")
	}
	unlock := e.lockSession(req.SessionID)
	defer unlock()
	ctx = observability.WithSessionID(ctx, req.SessionID)

	cp, err := e.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if cp.Status == checkpoint.StatusAwaitingApproval {
		return cp, ErrAwaitingApproval
	}

	cp.State.Apply(&state.Delta{Append: []models.Message{req.Message}})
	cp.Next = StageAnalyzer
	cp.Status = checkpoint.StatusRunning
	cp.Pending = nil
	if err := e.persist(ctx, cp); err != nil {
		return nil, err
	}
	return e.loop(ctx, cp, events)
}

// Stream runs one turn and yields an Event per completed stage. The
// channel closes when the turn reaches a terminal checkpoint.
func (e *Engine) Stream(ctx context.Context, req *TurnRequest) <-chan Event {
	events := make(chan Event, 8)
	go func() {
		defer close(events)
		if _, err := e.Run(ctx, req, events); err != nil && !errors.Is(err, ErrAwaitingApproval) {
			events <- Event{Err: err}
		}
	}()
	return events
}

// Approve releases a suspended sensitive batch and runs the turn to its
// next terminal checkpoint.
func (e *Engine) Approve(ctx context.Context, sessionID string, events chan<- Event) (*checkpoint.Checkpoint, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()
	ctx = observability.WithSessionID(ctx, sessionID)

	cp, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		return cp, ErrNotAwaitingApproval
	}
	e.metrics.ApprovalCounter.WithLabelValues("approved").Inc()
	e.logger.Info(ctx, "sensitive batch approved", "pending", len(cp.Pending))

	cp.Status = checkpoint.StatusRunning
	if err := e.persist(ctx, cp); err != nil {
		return nil, err
	}
	return e.loop(ctx, cp, events)
}

// Reject refuses a suspended sensitive batch. Every pending call receives
// a synthetic refusal result so the model sees a complete tool exchange,
// then the turn returns to the agent stage.
func (e *Engine) Reject(ctx context.Context, sessionID, reason string, events chan<- Event) (*checkpoint.Checkpoint, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()
	ctx = observability.WithSessionID(ctx, sessionID)

	cp, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		return cp, ErrNotAwaitingApproval
	}
	e.metrics.ApprovalCounter.WithLabelValues("rejected").Inc()
	e.logger.Info(ctx, "sensitive batch rejected", "pending", len(cp.Pending), "reason", reason)

	refusals := make([]models.Message, 0, len(cp.Pending))
	for _, call := range cp.Pending {
		content := fmt.Sprintf("Tool call %q was rejected by the user.", call.Name)
		if reason != "" {
			content += " Reason: " + reason
		}
		content += " Suggest an alternative or let the user know it was declined."
		refusals = append(refusals, models.NewToolMessage(call.ID, content))
	}
	cp.State.Apply(&state.Delta{Append: refusals})
	cp.Pending = nil
	cp.Next = StageAgent
	cp.Status = checkpoint.StatusRunning
	if err := e.persist(ctx, cp); err != nil {
		return nil, err
	}
	emit(events, Event{Stage: StageSensitiveTools, State: cp.State.Clone()})
	return e.loop(ctx, cp, events)
}

// Resume continues a session whose last checkpoint is non-terminal, for
// example after a process restart mid-turn. Terminal checkpoints are
// returned unchanged.
func (e *Engine) Resume(ctx context.Context, sessionID string, events chan<- Event) (*checkpoint.Checkpoint, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()
	ctx = observability.WithSessionID(ctx, sessionID)

	cp, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch cp.Status {
	case checkpoint.StatusRunning:
		if cp.Next == "" {
			return cp, nil
		}
		e.logger.Info(ctx, "resuming interrupted turn", "next", cp.Next)
		return e.loop(ctx, cp, events)
	default:
		return cp, nil
	}
}

// UpdateState applies a delta outside node execution, attributed to a
// stage. The checkpoint's next stage becomes that stage's successor, as if
// the stage itself had produced the delta.
func (e *Engine) UpdateState(ctx context.Context, sessionID string, delta *state.Delta, asStage string) (*checkpoint.Checkpoint, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()
	ctx = observability.WithSessionID(ctx, sessionID)

	cp, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cp.State.Apply(delta)
	if next, ok := fixedEdges[asStage]; ok {
		cp.Next = next
		if next == StageEnd {
			cp.Next = ""
			cp.Status = checkpoint.StatusCompleted
		}
	} else if asStage == StageAgent {
		next := e.routeAfterAgent(cp.State)
		if next == StageSensitiveTools {
			// Same suspension as the in-loop agent routing: the
			// sensitive node never runs without an approval event.
			if err := e.suspend(ctx, cp); err != nil {
				return nil, err
			}
			return cp, nil
		}
		cp.Next = next
	}
	if err := e.persist(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// suspend parks the turn awaiting approval on the sensitive batch carried
// by the last assistant message.
func (e *Engine) suspend(ctx context.Context, cp *checkpoint.Checkpoint) error {
	last, _ := cp.State.LastMessage()
	cp.Pending = last.ToolCalls
	cp.Next = StageSensitiveTools
	cp.Status = checkpoint.StatusAwaitingApproval
	if err := e.persist(ctx, cp); err != nil {
		return err
	}
	e.metrics.TurnCounter.WithLabelValues(string(cp.Status)).Inc()
	e.logger.Info(ctx, "turn suspended for approval", "pending", len(cp.Pending))
	return nil
}

// State returns the latest checkpoint for a session without running
// anything.
func (e *Engine) State(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	return e.store.Get(ctx, sessionID)
}

// loop drives stages until a terminal checkpoint. The caller holds the
// session lock.
func (e *Engine) loop(ctx context.Context, cp *checkpoint.Checkpoint, events chan<- Event) (*checkpoint.Checkpoint, error) {
	for transitions := 0; ; transitions++ {
		if cp.Next == "" || cp.Next == StageEnd {
			cp.Next = ""
			cp.Status = checkpoint.StatusCompleted
			if err := e.persist(ctx, cp); err != nil {
				return nil, err
			}
			e.metrics.TurnCounter.WithLabelValues(string(cp.Status)).Inc()
			emit(events, Event{Stage: StageEnd, State: cp.State.Clone()})
			return cp, nil
		}
		if transitions >= MaxTransitions {
			return e.fail(ctx, cp, events, fmt.Errorf("turn exceeded %d stage transitions", MaxTransitions))
		}
		if err := ctx.Err(); err != nil {
			// Leave the checkpoint as is so Resume can continue the turn.
			return cp, err
		}

		stage := cp.Next
		node, ok := e.nodes[stage]
		if !ok {
			return e.fail(ctx, cp, events, fmt.Errorf("no node for stage %s", stage))
		}

		stageCtx := observability.WithStage(ctx, stage)
		start := time.Now()
		delta, err := node.Run(stageCtx, cp.State.Clone())
		e.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.ErrorCounter.WithLabelValues("pipeline", stage).Inc()
			return e.fail(ctx, cp, events, fmt.Errorf("stage %s: %w", stage, err))
		}
		cp.State.Apply(delta)

		if stage == StageSensitiveTools {
			cp.Pending = nil
		}

		next := fixedEdges[stage]
		if stage == StageAgent {
			next = e.routeAfterAgent(cp.State)
			if next == StageSensitiveTools {
				if err := e.suspend(ctx, cp); err != nil {
					return nil, err
				}
				emit(events, Event{Stage: stage, State: cp.State.Clone()})
				return cp, nil
			}
		}
		cp.Next = next
		if err := e.persist(ctx, cp); err != nil {
			return nil, err
		}
		emit(events, Event{Stage: stage, State: cp.State.Clone()})
	}
}

// routeAfterAgent picks the agent's successor from its last message. A
// batch containing any sensitive call routes whole to sensitive_tools so
// results stay ordered with their calls.
func (e *Engine) routeAfterAgent(st *state.TurnState) string {
	last, ok := st.LastMessage()
	if !ok || last.Role != models.RoleAssistant || !last.HasToolCalls() {
		return StageMemoryManager
	}
	if e.policy.AnySensitive(last.ToolCalls) {
		return StageSensitiveTools
	}
	return StageSafeTools
}

func (e *Engine) fail(ctx context.Context, cp *checkpoint.Checkpoint, events chan<- Event, cause error) (*checkpoint.Checkpoint, error) {
	cp.Status = checkpoint.StatusFailed
	cp.Next = ""
	if err := e.persist(ctx, cp); err != nil {
		e.logger.Error(ctx, "failed to persist failure checkpoint", "error", err)
	}
	e.metrics.TurnCounter.WithLabelValues(string(cp.Status)).Inc()
	e.logger.Error(ctx, "turn failed", "error", cause)
	emit(events, Event{Stage: StageEnd, State: cp.State.Clone(), Err: cause})
	return cp, cause
}

func (e *Engine) loadOrCreate(ctx context.Context, req *TurnRequest) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.Get(ctx, req.SessionID)
	if err == nil {
		if cp.State.UserID == "" {
			cp.State.UserID = req.UserID
		}
		return cp, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	return &checkpoint.Checkpoint{
		SessionID: req.SessionID,
		State: &state.TurnState{
			UserID:         req.UserID,
			CurrentEmotion: models.EmotionBasic,
			UserProfile: models.UserProfile{
				FirstMeetDate: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Status: checkpoint.StatusRunning,
	}, nil
}

func (e *Engine) persist(ctx context.Context, cp *checkpoint.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if err := e.store.Put(ctx, cp); err != nil {
		e.metrics.ErrorCounter.WithLabelValues("checkpoint", "put").Inc()
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

func emit(events chan<- Event, ev Event) {
	if events != nil {
		events <- ev
	}
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes turns per session. The returned func releases the
// lock and drops the entry once no one waits on it.
func (e *Engine) lockSession(sessionID string) func() {
	e.sessionLocksMu.Lock()
	lock := e.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		e.sessionLocks[sessionID] = lock
	}
	lock.refs++
	e.sessionLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.sessionLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.sessionLocks, sessionID)
		}
		e.sessionLocksMu.Unlock()
	}
}
