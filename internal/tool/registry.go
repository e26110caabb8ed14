package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// Factory builds the tool for a spec.
type Factory func(spec *Spec) (Tool, error)

// Registry holds the tools available to the engine, keyed by tool key.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Build creates a registry from specs, picking each spec's factory by its
// handler. A handler with no factory is an error.
func Build(specs []*Spec, factories map[string]Factory) (*Registry, error) {
	r := NewRegistry()
	for _, s := range specs {
		f, ok := factories[s.Handler]
		if !ok {
			return nil, fmt.Errorf("tool %s: handler %q is not available", s.Key, s.Handler)
		}
		t, err := f(s)
		if err != nil {
			return nil, fmt.Errorf("build tool %s: %w", s.Key, err)
		}
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool under its spec key.
func (r *Registry) Register(t Tool) error {
	key := t.Spec().Key
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[key]; ok {
		return fmt.Errorf("tool %q is already registered", key)
	}
	r.tools[key] = t
	return nil
}

// Resolve returns the tool registered under key.
func (r *Registry) Resolve(key string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[key]
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", key, model.ErrNotFound)
	}
	return t, nil
}

// List returns the specs of all registered tools, sorted by key for a
// stable API response.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]*Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Key < specs[j].Key
	})
	return specs
}
