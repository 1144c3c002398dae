package destinations

import (
	"fmt"
	"sort"
	"sync"

	"gantry/internal/services"
)

// Registry holds the configured adapters keyed by destination name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registering the same name
// twice is a configuration error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return services.Wrap(services.KindConfiguration, "", "destination registry",
			fmt.Sprintf("destination %q registered twice", name), nil)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, services.Wrap(services.KindNotFound, "", "destination registry",
			fmt.Sprintf("unknown destination %q", name), nil)
	}
	return a, nil
}

// Names returns the registered destination names in sorted order, which is
// also the order the orchestrator visits them.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered adapters in name order.
func (r *Registry) All() []Adapter {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		adapters = append(adapters, r.adapters[name])
	}
	return adapters
}
