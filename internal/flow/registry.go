package flow

import (
	"fmt"
	"sync"
)

// Registry maps provider identifiers to flow factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a provider. Nil factories are
// ignored.
func (r *Registry) Register(provider string, factory Factory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[provider] = factory
	r.mu.Unlock()
}

// Resolve returns the factory for the provider, or ErrNotConfigured when
// no factory is registered under that name.
func (r *Registry) Resolve(provider string) (Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return factory, nil
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
