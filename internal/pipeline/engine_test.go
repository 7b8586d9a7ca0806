package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/amity/internal/checkpoint"
	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/providers"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/summarizer"
	"github.com/haasonsaas/amity/internal/tools"
	"github.com/haasonsaas/amity/internal/tools/policy"
	"github.com/haasonsaas/amity/pkg/models"
)

// fakeProvider returns scripted responses in order. Once the script is
// exhausted it keeps returning the last response.
type fakeProvider struct {
	responses []*providers.Response
	errs      []error
	calls     int
	requests  []*providers.Request
}

func (f *fakeProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	if i < 0 {
		return &providers.Response{Content: "{}"}, nil
	}
	return f.responses[i], nil
}

func (f *fakeProvider) Name() string { return "fake" }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input back." }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: string(params)}, nil
}

const analyzerJSON = `{"mood": "happy", "intimacy_change": 1, "reason": "friendly", "new_nickname": "", "new_relation": ""}`

func answerJSON(text string) string {
	return `{"answer": "` + text + `", "emotion": "basic", "affinity_delta": 0, "nickname": "", "relation": ""}`
}

// newTestEngine wires a full engine around a scripted provider. sensitive
// names the tools that require approval.
func newTestEngine(t *testing.T, fp *fakeProvider, sensitive []string) (*Engine, *checkpoint.SQLiteStore) {
	t.Helper()
	store, err := checkpoint.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry()
	registry.Register(echoTool{})

	logger := testLogger()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	pol := policy.New(sensitive)
	sum := summarizer.New(fp, "fake-model", 0)

	agent := NewAgentNode(fp, registry, AgentConfig{Model: "fake-model"}, logger, metrics)
	agent.sleep = func(d time.Duration) {}

	engine, err := NewEngine(store, pol, logger, metrics,
		NewAnalyzerNode(fp, "fake-model", logger),
		NewContextBuilderNode(nil, registry.Names(), DefaultContextBuilderConfig(), logger, metrics),
		agent,
		NewSafeToolNode(registry, logger, metrics),
		NewSensitiveToolNode(registry, logger, metrics),
		NewMemoryManagerNode(sum, nil, DefaultMemoryManagerConfig(), logger, metrics),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, store
}

func TestEngineDirectAnswer(t *testing.T) {
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{Content: answerJSON("hello there")},
	}}
	engine, _ := newTestEngine(t, fp, nil)

	cp, err := engine.Run(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("hi"),
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status = %s, want %s", cp.Status, checkpoint.StatusCompleted)
	}
	if cp.State.IntimacyLevel != 1 {
		t.Errorf("intimacy = %d, want 1 (analyzer applied +1)", cp.State.IntimacyLevel)
	}
	if cp.State.CurrentEmotion != models.EmotionHappy {
		t.Errorf("emotion = %s, want happy", cp.State.CurrentEmotion)
	}
	last, _ := cp.State.LastMessage()
	if last.Role != models.RoleAssistant {
		t.Fatalf("last message role = %s, want assistant", last.Role)
	}
}

func TestEngineSafeToolLoop(t *testing.T) {
	call := models.ToolCall{ID: "tc1", Name: "echo", Input: []byte(`{"text":"x"}`)}
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: []models.ToolCall{call}},
		{Content: answerJSON("done")},
	}}
	engine, _ := newTestEngine(t, fp, nil)

	cp, err := engine.Run(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("echo x"),
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status = %s, want completed", cp.Status)
	}

	// The memory manager scrubs tool traffic at end of turn.
	for _, m := range cp.State.Messages {
		if m.Role == models.RoleTool {
			t.Errorf("tool message %s survived the turn", m.ID)
		}
		if m.Role == models.RoleAssistant && m.HasToolCalls() {
			t.Errorf("tool-calling assistant message %s survived the turn", m.ID)
		}
	}
}

func TestEngineSensitiveInterrupt(t *testing.T) {
	call := models.ToolCall{ID: "tc1", Name: "echo", Input: []byte(`{"text":"x"}`)}
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: []models.ToolCall{call}},
		{Content: answerJSON("sent")},
	}}
	engine, _ := newTestEngine(t, fp, []string{"echo"})

	ctx := context.Background()
	cp, err := engine.Run(ctx, &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("send it"),
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", cp.Status)
	}
	if len(cp.Pending) != 1 || cp.Pending[0].ID != "tc1" {
		t.Fatalf("pending = %+v, want the echo call", cp.Pending)
	}
	if cp.Next != StageSensitiveTools {
		t.Fatalf("next = %s, want sensitive_tools", cp.Next)
	}

	// A new turn while suspended is refused.
	if _, err := engine.Run(ctx, &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("again"),
	}, nil); !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("Run() while suspended error = %v, want ErrAwaitingApproval", err)
	}

	cp, err = engine.Approve(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status after approve = %s, want completed", cp.Status)
	}
}

func TestEngineRejectInjectsRefusals(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "tc1", Name: "echo", Input: []byte(`{"text":"a"}`)},
		{ID: "tc2", Name: "echo", Input: []byte(`{"text":"b"}`)},
	}
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: calls},
		{Content: answerJSON("understood")},
	}}
	engine, _ := newTestEngine(t, fp, []string{"echo"})

	ctx := context.Background()
	cp, err := engine.Run(ctx, &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("do both"),
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(cp.Pending) != 2 {
		t.Fatalf("pending = %d calls, want 2", len(cp.Pending))
	}

	var events []Event
	eventCh := make(chan Event, 32)
	done := make(chan struct{})
	go func() {
		for ev := range eventCh {
			events = append(events, ev)
		}
		close(done)
	}()

	cp, err = engine.Reject(ctx, "s1", "not now", eventCh)
	close(eventCh)
	<-done
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status after reject = %s, want completed", cp.Status)
	}
	if cp.Pending != nil {
		t.Errorf("pending not cleared after reject")
	}

	// The agent saw one refusal result per rejected call. The refusals
	// are scrubbed at end of turn, so check the replayed request.
	lastReq := fp.requests[len(fp.requests)-1]
	refusals := 0
	for _, m := range lastReq.Messages {
		if m.Role != models.RoleTool || (m.ToolCallID != "tc1" && m.ToolCallID != "tc2") {
			continue
		}
		refusals++
		if !strings.Contains(m.Content, "rejected by the user") {
			t.Errorf("refusal %s content = %q, want the rejection stated", m.ToolCallID, m.Content)
		}
		if !strings.Contains(m.Content, "Reason: not now") {
			t.Errorf("refusal %s content = %q, want the reason included", m.ToolCallID, m.Content)
		}
		if !strings.Contains(m.Content, "Suggest an alternative") {
			t.Errorf("refusal %s content = %q, want the alternative instruction", m.ToolCallID, m.Content)
		}
	}
	if refusals != 2 {
		t.Errorf("refusal results seen by agent = %d, want 2", refusals)
	}
}

func TestEngineMixedBatchIsAtomic(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "tc1", Name: "current_time", Input: []byte(`{}`)},
		{ID: "tc2", Name: "echo", Input: []byte(`{"text":"b"}`)},
	}
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: calls},
		{Content: answerJSON("ok")},
	}}
	// Only echo is sensitive, but the whole batch must suspend.
	engine, _ := newTestEngine(t, fp, []string{"echo"})

	cp, err := engine.Run(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("mixed"),
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval for mixed batch", cp.Status)
	}
	if len(cp.Pending) != 2 {
		t.Errorf("pending = %d calls, want the whole batch (2)", len(cp.Pending))
	}
}

func TestEngineTransitionBudget(t *testing.T) {
	call := models.ToolCall{ID: "tc1", Name: "echo", Input: []byte(`{"text":"x"}`)}
	// The agent requests tools forever.
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: []models.ToolCall{call}},
	}}
	engine, _ := newTestEngine(t, fp, nil)

	cp, err := engine.Run(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("loop"),
	}, nil)
	if err == nil {
		t.Fatal("Run() error = nil, want transition budget error")
	}
	if cp.Status != checkpoint.StatusFailed {
		t.Fatalf("status = %s, want failed", cp.Status)
	}
}

func TestEngineResumeAfterRestart(t *testing.T) {
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{Content: answerJSON("resumed")},
	}}
	engine, store := newTestEngine(t, fp, nil)

	ctx := context.Background()
	// Simulate a crash mid-turn: a running checkpoint parked at the
	// analyzer stage.
	st := &state.TurnState{UserID: "u1", CurrentEmotion: models.EmotionBasic}
	st.Apply(&state.Delta{Append: []models.Message{models.NewUserMessage("hi")}})
	if err := store.Put(ctx, &checkpoint.Checkpoint{
		SessionID: "s1",
		State:     st,
		Next:      StageAnalyzer,
		Status:    checkpoint.StatusRunning,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	cp, err := engine.Resume(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status = %s, want completed", cp.Status)
	}
}

func TestEngineUpdateStateAsStage(t *testing.T) {
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{Content: answerJSON("hi")},
	}}
	engine, _ := newTestEngine(t, fp, nil)

	ctx := context.Background()
	if _, err := engine.Run(ctx, &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("hi"),
	}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cp, err := engine.UpdateState(ctx, "s1",
		&state.Delta{IntimacyLevel: state.IntPtr(42)}, StageMemoryManager)
	if err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	if cp.State.IntimacyLevel != 42 {
		t.Errorf("intimacy = %d, want 42", cp.State.IntimacyLevel)
	}
	if cp.Status != checkpoint.StatusCompleted || cp.Next != "" {
		t.Errorf("checkpoint not terminal after memory_manager update: status=%s next=%q", cp.Status, cp.Next)
	}
}

func TestEngineUpdateStateSuspendsOnSensitive(t *testing.T) {
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{Content: answerJSON("hi")},
	}}
	engine, _ := newTestEngine(t, fp, []string{"echo"})

	ctx := context.Background()
	if _, err := engine.Run(ctx, &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("hi"),
	}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// An out-of-band agent delta whose last message carries a sensitive
	// call must suspend exactly like in-loop agent routing.
	call := models.ToolCall{ID: "tc9", Name: "echo", Input: []byte(`{"text":"x"}`)}
	cp, err := engine.UpdateState(ctx, "s1", &state.Delta{
		Append: []models.Message{models.NewAssistantMessage("", []models.ToolCall{call})},
	}, StageAgent)
	if err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", cp.Status)
	}
	if len(cp.Pending) != 1 || cp.Pending[0].ID != "tc9" {
		t.Fatalf("pending = %+v, want the sensitive call recorded", cp.Pending)
	}
	if cp.Next != StageSensitiveTools {
		t.Fatalf("next = %s, want sensitive_tools", cp.Next)
	}

	// Resume must not run the sensitive node while suspended.
	cp, err = engine.Resume(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		t.Fatalf("status after Resume = %s, the batch ran without approval", cp.Status)
	}

	cp, err = engine.Approve(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Fatalf("status after approve = %s, want completed", cp.Status)
	}
}

func TestEngineStreamEvents(t *testing.T) {
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{Content: answerJSON("hello")},
	}}
	engine, _ := newTestEngine(t, fp, nil)

	var stages []string
	for ev := range engine.Stream(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("hi"),
	}) {
		if ev.Err != nil {
			t.Fatalf("event error = %v", ev.Err)
		}
		if ev.State == nil {
			t.Fatalf("event for stage %s carries no state", ev.Stage)
		}
		stages = append(stages, ev.Stage)
	}

	want := []string{StageAnalyzer, StageContextBuilder, StageAgent, StageMemoryManager, StageEnd}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestEngineStreamStopsAtApproval(t *testing.T) {
	call := models.ToolCall{ID: "tc1", Name: "echo", Input: []byte(`{"text":"x"}`)}
	fp := &fakeProvider{responses: []*providers.Response{
		{Content: analyzerJSON},
		{ToolCalls: []models.ToolCall{call}},
	}}
	engine, _ := newTestEngine(t, fp, []string{"echo"})

	var stages []string
	for ev := range engine.Stream(context.Background(), &TurnRequest{
		SessionID: "s1", UserID: "u1", Message: models.NewUserMessage("send it"),
	}) {
		if ev.Err != nil {
			t.Fatalf("event error = %v", ev.Err)
		}
		stages = append(stages, ev.Stage)
	}
	if len(stages) == 0 || stages[len(stages)-1] != StageAgent {
		t.Fatalf("stages = %v, want the stream to end on the agent suspension", stages)
	}

	cp, err := engine.State(context.Background(), "s1")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if cp.Status != checkpoint.StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", cp.Status)
	}
}
