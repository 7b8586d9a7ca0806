// Package pipeline runs a turn through a fixed stage graph with durable
// checkpoints, so a suspended or crashed turn resumes at its next stage
// instead of replaying from the start.
//
// The graph:
//
//	start -> analyzer -> context_builder -> agent
//	agent -> safe_tools | sensitive_tools | memory_manager  (by tool batch)
//	safe_tools -> agent
//	sensitive_tools -> agent   (suspends for approval before running)
//	memory_manager -> end
package pipeline

import (
	"context"

	"github.com/haasonsaas/amity/internal/state"
)

// Stage names. Checkpoints record the next stage by these values, so they
// are part of the persisted format.
const (
	StageAnalyzer       = "analyzer"
	StageContextBuilder = "context_builder"
	StageAgent          = "agent"
	StageSafeTools      = "safe_tools"
	StageSensitiveTools = "sensitive_tools"
	StageMemoryManager  = "memory_manager"
	StageEnd            = "end"
)

// MaxTransitions caps stage executions in a single turn. A turn that keeps
// looping between agent and tools past this budget fails rather than
// spinning.
const MaxTransitions = 25

// Node is one stage of the pipeline. Nodes read the current state and emit
// a partial delta; they never mutate the state they receive.
type Node interface {
	Name() string
	Run(ctx context.Context, st *state.TurnState) (*state.Delta, error)
}

// Event reports one stage completion to a streaming consumer.
type Event struct {
	// Stage that just ran, or StageEnd for the terminal event.
	Stage string

	// State is a snapshot after the stage's delta was applied.
	State *state.TurnState

	// Err is set when the stage failed the turn.
	Err error
}

// fixedEdges maps each stage to its unconditional successor. The agent
// stage is absent: its successor is chosen by the router.
var fixedEdges = map[string]string{
	StageAnalyzer:       StageContextBuilder,
	StageContextBuilder: StageAgent,
	StageSafeTools:      StageAgent,
	StageSensitiveTools: StageAgent,
	StageMemoryManager:  StageEnd,
}
