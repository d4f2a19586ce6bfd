package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Repository maps resource types to providers. It is assembled by the caller
// and passed to the engine; there is no global registry.
type Repository struct {
	// mu protects the repository state.
	mu sync.RWMutex

	// providers maps resource type to provider instance.
	providers map[string]Provider
}

// NewRepository creates a repository holding the given providers.
// It panics on duplicate types, which are a programming error.
func NewRepository(providers ...Provider) *Repository {
	r := &Repository{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a provider. A resource type can only be registered once.
func (r *Repository) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	typ := p.Type()
	if typ == "" {
		return fmt.Errorf("provider %T has an empty resource type", p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[typ]; exists {
		return fmt.Errorf("provider for resource type %s already registered", typ)
	}
	r.providers[typ] = p
	return nil
}

// Get returns the provider for a resource type.
func (r *Repository) Get(resourceType string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[resourceType]
	return p, ok
}

// Types returns the registered resource types, sorted.
func (r *Repository) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for typ := range r.providers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
