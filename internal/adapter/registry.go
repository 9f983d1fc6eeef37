package adapter

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps adapter names to Adapter instances. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	aliases  map[string]string
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		aliases:  make(map[string]string),
	}
}

// Register adds an adapter under its own name. It overwrites any
// previously registered adapter with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Alias makes name resolve to the adapter registered under target
// ("google" resolves to the gemini adapter).
func (r *Registry) Alias(name, target string) {
	r.mu.Lock()
	r.aliases[name] = target
	r.mu.Unlock()
}

// Get returns the adapter registered under name, resolving aliases, or
// an error if not found.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	return a, nil
}

// List returns a sorted slice of all registered adapter names, aliases
// excluded.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.adapters {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
