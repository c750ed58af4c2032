// Package tool defines the tool handler contract the gateway invokes and
// the built-in handlers: an SSRF-guarded HTTP fetch, a local echo, and an
// adapter exposing tools discovered from MCP servers.
package tool

import (
	"context"
	"sort"
	"sync"

	"agentplane/internal/model"
)

// Handler executes one named tool. Implementations must be safe for
// concurrent use; the gateway may invoke the same handler from many
// executions at once.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (h HandlerFunc) Name() string { return h.ToolName }

func (h HandlerFunc) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return h.Fn(ctx, params)
}

// Registry maps tool names to handlers. Registration replaces any existing
// handler under the same name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under its own name after validating the name.
func (r *Registry) Register(h Handler) error {
	name, err := model.ValidateToolName(h.Name(), "tool_name")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// RegisterFunc adds fn under name.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, params map[string]any) (any, error)) error {
	return r.Register(HandlerFunc{ToolName: name, Fn: fn})
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Unregister removes name and reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[name]
	delete(r.handlers, name)
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
