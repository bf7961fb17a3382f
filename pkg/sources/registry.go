package sources

import (
	"sort"
	"sync"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// Factory constructs an adapter from validated options.
type Factory func(opts Options) (Adapter, error)

// Registry maps source names to adapter factories. New sources plug in by
// registering a factory; nothing else in the pipeline changes.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with all built-in adapters
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.factories[SourceOpenAlex] = func(opts Options) (Adapter, error) { return NewOpenAlex(opts) }
	r.factories[SourceSemanticScholar] = func(opts Options) (Adapter, error) { return NewSemanticScholar(opts) }
	r.factories[SourceCrossref] = func(opts Options) (Adapter, error) { return NewCrossref(opts) }
	r.factories[SourceArxiv] = func(opts Options) (Adapter, error) { return NewArxiv(opts) }
	return r
}

// Register adds a factory under name. Registering a name twice is an
// error; replacing a live adapter mid-run would confuse per-source state.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return resilience.Errorf(resilience.KindValidation, "", "adapter registration needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return resilience.Errorf(resilience.KindValidation, name, "adapter %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New constructs an adapter for the named source.
func (r *Registry) New(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, resilience.Errorf(resilience.KindValidation, name, "unknown source %q (registered: %v)", name, r.Available())
	}
	return factory(opts)
}

// Available returns the registered source names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
