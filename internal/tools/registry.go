// Package tools resolves and executes agent tools: locally registered
// functions, remote MCP servers, and configured HTTP and SQL tools.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/threadline-ai/threadline/internal/agent"
)

// HandlerFunc executes a registered tool. Input is the validated JSON
// arguments; the returned JSON becomes the tool result payload.
type HandlerFunc func(ctx context.Context, rc *agent.RequestContext, input json.RawMessage) (json.RawMessage, error)

// Definition declares a locally registered tool.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     HandlerFunc
}

// Registry holds the locally registered function and custom tools. Safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
