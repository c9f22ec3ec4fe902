// ABOUTME: Registry of backend adapters keyed by backend identifier
// ABOUTME: Replaces inline branching on a mode string with open-ended registration

package backend

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAdapterExists indicates a duplicate registration for a backend ID.
var ErrAdapterExists = errors.New("adapter already registered")

// ErrAdapterNotFound indicates no adapter is registered for a backend ID.
var ErrAdapterNotFound = errors.New("adapter not found")

// Registry holds the available backend adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "backend"),
	}
}

// Register adds an adapter. Returns ErrAdapterExists on a duplicate ID.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID()]; exists {
		return ErrAdapterExists
	}
	r.adapters[a.ID()] = a
	r.logger.Info("backend registered",
		"backend", a.ID(),
		"single_seat", a.Traits().SingleSeat,
		"needs_credential", a.Traits().NeedsCredential)
	return nil
}

// Get returns the adapter for a backend ID.
func (r *Registry) Get(backendID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[backendID]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return a, nil
}

// IDs returns the registered backend identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
