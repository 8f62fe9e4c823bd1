package provider

import (
	"sort"
	"strings"
	"sync"

	"cloudsync/internal/syncerr"
)

// Registry maps provider kinds to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]StorageProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]StorageProvider)}
}

// Register adds or replaces the provider for kind.
func (r *Registry) Register(kind string, p StorageProvider) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || p == nil {
		return syncerr.Wrap(syncerr.ErrInvalidInput, "provider", "register", "kind and provider are required", nil)
	}
	r.mu.Lock()
	r.providers[kind] = p
	r.mu.Unlock()
	return nil
}

// Get returns the provider for kind.
func (r *Registry) Get(kind string) (StorageProvider, error) {
	r.mu.RLock()
	p, ok := r.providers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, syncerr.Wrap(syncerr.ErrProviderNotRegistered, "provider", "lookup", kind, nil)
	}
	return p, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.providers))
	for kind := range r.providers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
