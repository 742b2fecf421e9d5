package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the single source of truth for which provider serves a
// sandbox id. It is passed explicitly to the components that need it.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds sandboxID to p, replacing any previous binding.
func (r *Registry) Register(sandboxID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[sandboxID] = p
}

// Remove drops the binding for sandboxID.
func (r *Registry) Remove(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, sandboxID)
}

// Lookup returns the provider for sandboxID, or an error wrapping
// ErrUnavailable when none is registered.
func (r *Registry) Lookup(sandboxID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, ErrUnavailable)
	}
	return p, nil
}

// IDs returns the registered sandbox ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
