package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the closed set of channel adapters. Lookups for a channel
// type outside the set resolve to a no-op adapter so a stray row in the
// datastore can never crash reconciliation.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
	warned   map[ChannelType]bool
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		logger:   log.With(slog.String("component", "connector_registry")),
		adapters: make(map[ChannelType]Adapter),
		warned:   make(map[ChannelType]bool),
	}
}

// Register adds an adapter. Registering the same type twice is an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("nil adapter")
	}
	t := adapter.Type()
	if t == "" {
		return fmt.Errorf("adapter has empty channel type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("adapter already registered for %s", t)
	}
	r.adapters[t] = adapter
	return nil
}

// MustRegister panics on registration failure. Used at wire-up time.
func (r *Registry) MustRegister(adapters ...Adapter) {
	for _, adapter := range adapters {
		if err := r.Register(adapter); err != nil {
			panic(err)
		}
	}
}

// Get returns the adapter for a type, if registered.
func (r *Registry) Get(t ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[t]
	return adapter, ok
}

// Resolve returns the adapter for a type, falling back to a no-op adapter
// for unsupported types. The fallback is logged once per type.
func (r *Registry) Resolve(t ChannelType) Adapter {
	r.mu.RLock()
	adapter, ok := r.adapters[t]
	r.mu.RUnlock()
	if ok {
		return adapter
	}

	r.mu.Lock()
	if !r.warned[t] {
		r.warned[t] = true
		r.logger.Warn("unsupported channel type, using no-op connector", slog.String("channel_type", t.String()))
	}
	r.mu.Unlock()
	return noopAdapter{channelType: t}
}

// Types lists the registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]ChannelType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	return types
}

// Descriptors lists the registered adapter descriptors.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		out = append(out, adapter.Descriptor())
	}
	return out
}

type noopAdapter struct {
	channelType ChannelType
}

func (a noopAdapter) Type() ChannelType {
	return a.channelType
}

func (a noopAdapter) Descriptor() Descriptor {
	return Descriptor{Type: a.channelType, DisplayName: "Unsupported"}
}

func (a noopAdapter) Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error) {
	return NewConnection(cfg, nil), nil
}

func (a noopAdapter) Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) error {
	return nil
}
