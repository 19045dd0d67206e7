package provider

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// ErrNotRegistered is returned by [Registry.Create] when no factory has been
// registered for the requested type.
var ErrNotRegistered = errors.New("provider: type not registered")

// Options is what a factory receives to build an [Adapter].
type Options struct {
	// Type is the connector type being created.
	Type Type

	// ListenAddr is host:port for connectors that own a listener.
	ListenAddr string

	// Input is the wire format expected from the provider when the protocol
	// does not announce one.
	Input audio.Format

	// Output is the wire format the bridge writes back to the provider.
	Output audio.Format
}

// Factory builds an [Adapter] from [Options].
type Factory func(Options) (Adapter, error)

// Registry maps connector types to their factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]Factory)}
}

// Register registers factory under t. Subsequent calls with the same type
// overwrite the previous registration.
func (r *Registry) Register(t Type, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = factory
}

// Create builds the adapter registered for opts.Type.
// Returns [ErrNotRegistered] if no factory has been registered for that type.
func (r *Registry) Create(opts Options) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[opts.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, opts.Type)
	}
	a, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("provider: create %s adapter: %w", opts.Type, err)
	}
	return a, nil
}

// Registered returns the registered types in sorted order.
func (r *Registry) Registered() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
