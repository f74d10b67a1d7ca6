// Package tools provides the function adapter and the built-in tool set.
package tools

import (
	"context"
	"fmt"

	"github.com/halcyonlabs/agentrun"
)

// ToolFunc is the signature adapted into the Tool contract. execCtx carries
// outputs of earlier steps keyed "step<N>".
type ToolFunc func(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error)

// FuncTool adapts a standard Go function to the agentrun.Tool interface.
type FuncTool struct {
	name        string
	category    string
	description string
	toolFunc    ToolFunc
	validator   func(map[string]any) error
	estimator   func(map[string]any) int
}

// ToolOption configures a FuncTool.
type ToolOption func(*FuncTool)

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(t *FuncTool) {
		t.category = category
	}
}

// WithDescription sets the planner-facing description for the tool.
func WithDescription(description string) ToolOption {
	return func(t *FuncTool) {
		t.description = description
	}
}

// WithValidator sets a custom parameter validator for the tool.
func WithValidator(validator func(map[string]any) error) ToolOption {
	return func(t *FuncTool) {
		t.validator = validator
	}
}

// WithCostEstimator sets a custom credit estimator for the tool.
func WithCostEstimator(estimator func(map[string]any) int) ToolOption {
	return func(t *FuncTool) {
		t.estimator = estimator
	}
}

// WithFlatCost sets a parameter-independent credit estimate.
func WithFlatCost(credits int) ToolOption {
	return func(t *FuncTool) {
		t.estimator = func(map[string]any) int { return credits }
	}
}

// NewFuncTool creates a new adapter for a Go function.
func NewFuncTool(name string, toolFunc ToolFunc, options ...ToolOption) *FuncTool {
	t := &FuncTool{
		name:     name,
		category: "general",
		toolFunc: toolFunc,
		validator: func(params map[string]any) error {
			// Default validator just ensures params are not nil
			if params == nil {
				return fmt.Errorf("params cannot be nil")
			}
			return nil
		},
		estimator: func(map[string]any) int { return agentrun.DefaultStepCredits },
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// Name implements the agentrun.Tool interface.
func (t *FuncTool) Name() string { return t.name }

// Category implements the agentrun.Tool interface.
func (t *FuncTool) Category() string { return t.category }

// Description implements the agentrun.Tool interface.
func (t *FuncTool) Description() string { return t.description }

// Validate implements the agentrun.Tool interface.
func (t *FuncTool) Validate(params map[string]any) error {
	if t.validator != nil {
		return t.validator(params)
	}
	return nil
}

// EstimateCost implements the agentrun.Tool interface.
func (t *FuncTool) EstimateCost(params map[string]any) int {
	if t.estimator != nil {
		return t.estimator(params)
	}
	return agentrun.DefaultStepCredits
}

// Execute implements the agentrun.Tool interface.
func (t *FuncTool) Execute(ctx context.Context, params map[string]any, execCtx map[string]any) (*agentrun.ToolResult, error) {
	if t.toolFunc == nil {
		return nil, fmt.Errorf("tool function is nil")
	}
	return t.toolFunc(ctx, params, execCtx)
}

// requireString extracts a non-empty string parameter, shared by the
// built-in validators.
func requireString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter '%s'", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter '%s' must be a string, got %T", key, raw)
	}
	if s == "" {
		return "", fmt.Errorf("parameter '%s' cannot be empty", key)
	}
	return s, nil
}
