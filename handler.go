package toolrun

import (
	"context"
	"fmt"
	"sync"
)

// ToolHandler is the capability interface tools implement. The core is
// agnostic to tool semantics: it dispatches by name and treats the output
// as opaque.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Invoke must honor cancellation/deadlines.
// - Errors: expected failures are returned, never panicked.
type ToolHandler interface {
	// Invoke runs the tool with the given arguments.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to the ToolHandler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Registry resolves tool names to handlers. It is the dispatch
// collaborator the executor invokes after admission.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

// Register binds a handler to a tool name, replacing any previous binding.
func (r *Registry) Register(name string, h ToolHandler) error {
	if name == "" {
		return fmt.Errorf("toolrun: tool name is required")
	}
	if h == nil {
		return fmt.Errorf("toolrun: handler is nil for tool %q", name)
	}

	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// Resolve returns the handler for name.
func (r *Registry) Resolve(name string) (ToolHandler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return h, nil
}

// Names returns the registered tool names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Ensure HandlerFunc implements ToolHandler
var _ ToolHandler = (HandlerFunc)(nil)
