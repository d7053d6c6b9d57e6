// Package registry provides the shared name-to-factory registry used for
// agents, tools, and workflows. Construction is lazy and instances are cached
// as singletons after the first Get.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one instance of a registered entry.
type Factory[T any] func() (T, error)

// Metadata describes a registered entry for listing endpoints.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type entry[T any] struct {
	factory  Factory[T]
	meta     Metadata
	once     sync.Once
	instance T
	buildErr error
}

// Registry maps names to factories with singleton instance caching.
// Registration happens at startup; Get and List are safe for concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T])}
}

// Register adds a factory under a unique name. Duplicate names are an error
// so wiring mistakes surface at startup, not at claim time.
func (r *Registry[T]) Register(meta Metadata, factory Factory[T]) error {
	if meta.Name == "" {
		return fmt.Errorf("registry entry requires a name")
	}
	if factory == nil {
		return fmt.Errorf("registry entry %s requires a factory", meta.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.Name]; exists {
		return fmt.Errorf("already registered: %s", meta.Name)
	}
	r.entries[meta.Name] = &entry[T]{factory: factory, meta: meta}
	return nil
}

// Get returns the cached singleton for name, constructing it on first use.
// A factory error is sticky: later Gets return the same error.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("not registered: %s", name)
	}
	e.once.Do(func() {
		e.instance, e.buildErr = e.factory()
	})
	if e.buildErr != nil {
		var zero T
		return zero, fmt.Errorf("construct %s: %w", name, e.buildErr)
	}
	return e.instance, nil
}

// New constructs a fresh instance of name, bypassing the singleton cache.
// Callers that need isolated per-use state go through New; shared components
// go through Get.
func (r *Registry[T]) New(name string) (T, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("not registered: %s", name)
	}
	instance, err := e.factory()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("construct %s: %w", name, err)
	}
	return instance, nil
}

// Metadata returns the metadata recorded for name at registration.
func (r *Registry[T]) Metadata(name string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Metadata{}, fmt.Errorf("not registered: %s", name)
	}
	return e.meta, nil
}

// Has reports whether name is registered, without constructing it.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns the metadata of every entry, sorted by name.
func (r *Registry[T]) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted registered names.
func (r *Registry[T]) Names() []string {
	metas := r.List()
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names
}
