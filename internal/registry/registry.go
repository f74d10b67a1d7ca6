// Package registry maps tool names to Tool implementations, grouped by
// category. It is a side-effect-free lookup table: side effects live entirely
// inside a tool's Execute.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/halcyonlabs/agentrun"
)

// Registry is a lookup table from tool name to Tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]agentrun.Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]agentrun.Tool)}
}

// Register adds a tool. Registering a duplicate name is a configuration
// error: tools are versionless and names must be unique.
func (r *Registry) Register(tool agentrun.Tool) error {
	if tool == nil {
		return agentrun.NewConfigurationError("cannot register a nil tool", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return agentrun.NewConfigurationError(fmt.Sprintf("tool with name '%s' already exists", name), nil)
	}
	r.tools[name] = tool
	return nil
}

// Get resolves a tool by name. Absence is reported through the boolean, not
// an error: a missing tool mid-plan is normal, recoverable plan drift.
func (r *Registry) Get(name string) (agentrun.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// All returns every registered tool, sorted by name for stable iteration.
func (r *Registry) All() []agentrun.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]agentrun.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ByCategory returns the tools in one category, sorted by name.
func (r *Registry) ByCategory(category string) []agentrun.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []agentrun.Tool
	for _, tool := range r.tools {
		if tool.Category() == category {
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Catalogue returns the planner-facing view of the registry: name, category
// and description only, never implementation.
func (r *Registry) Catalogue() []agentrun.ToolInfo {
	all := r.All()
	infos := make([]agentrun.ToolInfo, 0, len(all))
	for _, tool := range all {
		infos = append(infos, agentrun.ToolInfo{
			Name:        tool.Name(),
			Category:    tool.Category(),
			Description: tool.Description(),
		})
	}
	return infos
}
