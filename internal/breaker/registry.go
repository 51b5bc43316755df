package breaker

import (
	"maps"
	"slices"
	"sync"

	"gatekeeper/internal/models"
)

// SettingsFunc returns the settings of the named breaker.
type SettingsFunc func(name string) Settings

// ConfigSettings resolves breaker settings from configuration, applying
// per-upstream overrides.
func ConfigSettings(cc models.CircuitsConfig) SettingsFunc {
	return func(name string) Settings {
		return SettingsFrom(cc.For(name))
	}
}

// Registry holds one breaker per upstream identifier. Breakers are created on
// first use and live for the lifetime of the process. Each breaker has its own
// lock; the registry lock only guards the map.
type Registry struct {
	settings SettingsFunc
	opts     options

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(settings SettingsFunc, opts ...Option) *Registry {
	return &Registry{
		settings: settings,
		opts:     buildOptions(opts),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed. Concurrent first
// calls for the same name get the same instance.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.settings(name), r.opts)
	r.breakers[name] = b
	if r.opts.onCreate != nil {
		r.opts.onCreate(name)
	}
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns the identifiers of all known breakers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.breakers))
}

// States returns the state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	states := make(map[string]State, len(breakers))
	for _, b := range breakers {
		states[b.Name()] = b.State()
	}
	return states
}
