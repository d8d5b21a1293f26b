package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/convrelay/core"
)

// Registry is the static tool catalog shared read-only by all sessions.
// Registration happens at process start; Execute is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry constructs an empty registry, optionally pre-populated.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the catalog as backend-facing tool definitions, sorted
// by name for deterministic request payloads.
func (r *Registry) Definitions() []core.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]core.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, core.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches one tool call: looks up the tool, decodes the JSON
// arguments and invokes it. Failures are classified against the core error
// taxonomy; the caller converts them into textual tool results so the turn
// continues.
func (r *Registry) Execute(toolCtx *Context, name, argsJSON string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownTool, name)
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%w: %s: %v", core.ErrInvalidArguments, name, err)
		}
	}

	result, err := t.Call(toolCtx, args)
	if err != nil {
		if toolErr, ok := err.(*Error); ok && toolErr.Code == CodeValidation {
			return "", fmt.Errorf("%w: %v", core.ErrInvalidArguments, err)
		}
		return "", err
	}
	return result, nil
}
