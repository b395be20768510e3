package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/transport"
)

// ErrTransportNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested name.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportFactory builds a transport from its config block.
type TransportFactory func(TransportConfig) (transport.Transport, error)

// Registry maps transport names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]TransportFactory)}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// HasTransport reports whether a factory is registered under name.
func (r *Registry) HasTransport(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transports[name]
	return ok
}

// TransportNames returns the registered names in sorted order.
func (r *Registry) TransportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.transports))
}

// CreateTransport instantiates the transport registered under cfg.Name.
// Returns [ErrTransportNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(cfg TransportConfig) (transport.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, cfg.Name)
	}
	t, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", cfg.Name, err)
	}
	return t, nil
}
