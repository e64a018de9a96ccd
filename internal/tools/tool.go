// Package tools defines the capability interface and registry for
// everything the orchestrator can invoke.
package tools

import (
	"context"
	"fmt"
)

// Tool is a named external capability with a declared parameter schema.
type Tool interface {
	// Name returns the identifier used in tool-call requests.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool. On failure a user-facing message may be
	// returned in the result string instead of an error.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only (never gated)
// Tier 1: controlled writes (gated by policy)
// Tier 2: external/high-impact (always gated)
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only internal tools
	TierWrite    = 1 // Controlled write/internal effects
	TierHighRisk = 2 // External or high-impact actions
)

// ToolTier returns the risk tier for a tool. Unclassified tools default
// to read-only.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Registry manages tool registration and lookup. It is read-only after
// setup; the scheduler never mutates tool definitions.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	return result
}

// Definitions returns tool definitions in OpenAI function-call format.
func (r *Registry) Definitions() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return result
}

// RequiredParams extracts the "required" field list from a tool's schema.
func RequiredParams(t Tool) []string {
	schema := t.Parameters()
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ValidateParams checks that every required parameter is present and
// non-empty. The error message names the first missing field.
func ValidateParams(t Tool, params map[string]any) error {
	for _, field := range RequiredParams(t) {
		v, ok := params[field]
		if !ok || v == nil {
			return fmt.Errorf("%s is required", field)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%s is required", field)
		}
	}
	return nil
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
