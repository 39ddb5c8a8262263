package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/courierai/courier/internal/relay"
)

// Tool is one callable the AI provider can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema is the tool's JSON Schema input definition.
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry dispatches tool calls by name. Execute always returns a result
// string suitable for feeding back to the provider; failures become error
// text, never Go errors, so a broken tool can't break the completion loop.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(log *slog.Logger, tools ...Tool) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		logger: log.With(slog.String("component", "tool_registry")),
		tools:  make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	if t == nil || t.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// List returns the registered tools. Order is not guaranteed; callers
// sort if they need determinism.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs the named tool and flattens every failure mode into the
// returned string.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result string) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("tool not found: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", slog.String("tool", name), slog.Any("panic", rec))
			result = fmt.Sprintf("Error: tool %s panicked", name)
		}
	}()

	out, err := t.Execute(ctx, args)
	if err != nil {
		wrapped := &relay.ToolExecutionError{Tool: name, Err: err}
		r.logger.Warn("tool execution failed", slog.String("tool", name), slog.Any("error", wrapped))
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
