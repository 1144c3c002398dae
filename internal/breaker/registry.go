package breaker

import "sync"

// Registry owns one breaker per dependency key, created lazily on first use.
// It replaces module-level breaker singletons so tests get fresh instances.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	breakers  map[string]*Breaker
}

// NewRegistry constructs a registry with shared default tuning.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets per-dependency tuning, applied when the breaker is first created.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg.withDefaults()
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if override, ok := r.overrides[name]; ok {
		cfg = override
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Statuses snapshots every known breaker for status output.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		statuses = append(statuses, b.Status())
	}
	return statuses
}
