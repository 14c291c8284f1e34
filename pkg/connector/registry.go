package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every known connector spec and its fetcher. Registration
// happens at bootstrap; lookups are concurrent-safe thereafter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	spec    Spec
	fetcher Fetcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

// Register validates the spec and binds it to a fetcher. Duplicate names are
// rejected.
func (r *Registry) Register(spec Spec, f Fetcher) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("connector %s: nil fetcher", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("connector %s: already registered", spec.Name)
	}
	r.entries[spec.Name] = registration{spec: spec, fetcher: f}
	return nil
}

// Get returns the spec and fetcher for name.
func (r *Registry) Get(name string) (Spec, Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return Spec{}, nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	return reg.spec, reg.fetcher, nil
}

// Spec returns the spec for name.
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg.spec, ok
}

// Specs returns every registered spec, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
