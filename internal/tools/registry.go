package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/amity/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and lookup.
// Parameters are validated against each tool's JSON Schema before execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name, replacing any existing
// tool with the same name. The tool's schema is compiled for validation;
// a schema that fails to compile disables validation for that tool only.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := compiler.AddResource(url, strings.NewReader(string(tool.Schema()))); err == nil {
		if schema, err := compiler.Compile(url); err == nil {
			r.compiled[name] = schema
			return
		}
	}
	delete(r.compiled, name)
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute runs a tool by name with the given JSON parameters. Unknown
// tools, oversized inputs, and schema violations come back as error results
// rather than Go errors so the model can react to them.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return ErrorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)), nil
	}
	if len(params) > MaxToolParamsSize {
		return ErrorResult(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("tool not found: " + name), nil
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if schema != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		if err := schema.Validate(decoded); err != nil {
			return ErrorResult(fmt.Sprintf("parameters do not match schema: %v", err)), nil
		}
	}
	return tool.Execute(ctx, params)
}

// Schemas returns the registered tools as provider-ready schemas.
// Schemas declaring an object type with no properties
// are repaired so providers that reject empty objects accept them.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]models.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Schema(), &params); err != nil || params == nil {
			params = map[string]any{"type": "object"}
		}
		schemas = append(schemas, models.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  RepairParameters(params),
		})
	}
	return schemas
}

// RepairParameters normalizes a tool parameter schema for LLM providers.
// Object schemas with no properties gain a single ignorable placeholder,
// since some APIs reject {"type": "object"} with an empty property set.
func RepairParameters(params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if t, _ := params["type"].(string); t == "" {
		params["type"] = "object"
	}
	props, ok := params["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		params["properties"] = map[string]any{
			"_dummy": map[string]any{
				"type":        "string",
				"description": "Unused placeholder. Pass an empty string.",
			},
		}
		delete(params, "required")
	}
	return params
}
