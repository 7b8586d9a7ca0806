package pipeline

import (
	"context"
	"time"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/internal/tools"
	"github.com/haasonsaas/amity/pkg/models"
)

// ToolNode executes the tool batch requested by the last assistant
// message. One instance serves the safe_tools stage and another the
// sensitive_tools stage; the engine decides which one a batch reaches.
type ToolNode struct {
	stage    string
	registry *tools.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewSafeToolNode creates the node for tools that run without approval.
func NewSafeToolNode(registry *tools.Registry, logger *observability.Logger, metrics *observability.Metrics) *ToolNode {
	return &ToolNode{stage: StageSafeTools, registry: registry, logger: logger, metrics: metrics}
}

// NewSensitiveToolNode creates the node that runs approved sensitive
// batches.
func NewSensitiveToolNode(registry *tools.Registry, logger *observability.Logger, metrics *observability.Metrics) *ToolNode {
	return &ToolNode{stage: StageSensitiveTools, registry: registry, logger: logger, metrics: metrics}
}

func (n *ToolNode) Name() string { return n.stage }

// Run executes every call in the batch sequentially and appends one tool
// result per call, in call order. Execution failures become error results
// so the model can react; the turn itself never fails here.
func (n *ToolNode) Run(ctx context.Context, st *state.TurnState) (*state.Delta, error) {
	last, ok := st.LastMessage()
	if !ok || last.Role != models.RoleAssistant || !last.HasToolCalls() {
		return &state.Delta{}, nil
	}

	results := make([]models.Message, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		start := time.Now()
		result, err := n.registry.Execute(ctx, call.Name, call.Input)
		n.metrics.ToolExecutionDuration.WithLabelValues(call.Name).
			Observe(time.Since(start).Seconds())
		if err != nil {
			n.metrics.ToolExecutionCounter.WithLabelValues(call.Name, "error").Inc()
			n.logger.Error(ctx, "tool execution failed", "tool", call.Name, "error", err)
			result = tools.ErrorResult("tool execution failed: " + err.Error())
		} else if result.IsError {
			n.metrics.ToolExecutionCounter.WithLabelValues(call.Name, "error").Inc()
		} else {
			n.metrics.ToolExecutionCounter.WithLabelValues(call.Name, "success").Inc()
		}
		results = append(results, models.NewToolMessage(call.ID, result.Content))
	}

	n.logger.Debug(ctx, "tool batch executed", "count", len(results))
	return &state.Delta{Append: results}, nil
}
