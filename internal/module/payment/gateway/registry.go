package gateway

import (
	"fmt"
	"sync"

	"github.com/coursehub/server/internal/module/payment/domain"
)

// Registry holds the enabled gateway adapters keyed by gateway name.
// Registration happens once at startup; lookups run on every request.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Gateway]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Gateway]Adapter)}
}

// Register adds an adapter. Registering the same gateway twice is a wiring
// bug and returns an error rather than silently replacing.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("gateway %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a gateway name.
func (r *Registry) Get(name domain.Gateway) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return a, nil
}

// Names returns the registered gateway names.
func (r *Registry) Names() []domain.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]domain.Gateway, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
