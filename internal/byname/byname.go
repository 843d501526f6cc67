package byname

import (
	"sort"
	"sync"
)

// Registry is a thread-safe store of objects keyed by a dependency or
// namespace name. Objects are created on first use and live for the
// lifetime of the registry.
type Registry[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// GetOrCreate returns the item for name, calling create exactly once per
// name when it is missing.
func (r *Registry[T]) GetOrCreate(name string, create func(name string) T) T {
	r.mu.RLock()
	v, ok := r.items[name]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[name]; ok {
		return v
	}
	if r.items == nil {
		r.items = make(map[string]T)
	}
	v = create(name)
	r.items[name] = v
	return v
}

// Get retrieves the item for name.
func (r *Registry[T]) Get(name string) (_ T, ok bool) {
	r.mu.RLock()
	v, ok := r.items[name]
	r.mu.RUnlock()
	return v, ok
}

// Names returns all stored names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
