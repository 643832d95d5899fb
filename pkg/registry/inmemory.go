package registry

import (
	"context"
	"sync"
)

// InMemoryRegistry is a thread-safe, in-memory Registry.
// It is primarily intended for local development and testing.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	data map[string]map[string]struct{}
}

// NewInMemoryRegistry creates an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		data: make(map[string]map[string]struct{}),
	}
}

// IsFlagged reports whether key is flagged in space.
func (r *InMemoryRegistry) IsFlagged(_ context.Context, space, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.data[space][key]
	return ok, nil
}

// Flag marks key as flagged in space.
func (r *InMemoryRegistry) Flag(_ context.Context, space, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.data[space]
	if !ok {
		keys = make(map[string]struct{})
		r.data[space] = keys
	}
	keys[key] = struct{}{}
	return nil
}

// Unflag removes the flag for key in space.
func (r *InMemoryRegistry) Unflag(_ context.Context, space, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data[space], key)
	return nil
}

// Len returns the number of flagged keys in space.
func (r *InMemoryRegistry) Len(space string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data[space])
}

// Close is a no-op for the in-memory implementation.
func (r *InMemoryRegistry) Close() error {
	return nil
}
