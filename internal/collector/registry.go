package collector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry keeps a mapping from platform names to their provider clients.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderClient
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]ProviderClient{}}
}

// Register adds or replaces a provider implementation.
func (r *Registry) Register(provider ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = map[string]ProviderClient{}
	}
	r.providers[provider.Platform()] = provider
}

// Resolve returns a provider by platform or an error if it is absent.
func (r *Registry) Resolve(platform string) (ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if provider, ok := r.providers[platform]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("provider %s is not registered", platform)
}

// Platforms lists registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities answers the capability query for every registered provider, sorted by platform.
func (r *Registry) Capabilities() []Capabilities {
	platforms := r.Platforms()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capabilities, 0, len(platforms))
	for _, name := range platforms {
		out = append(out, r.providers[name].Capabilities())
	}
	return out
}
