package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

// Factory builds a Compute from its config
type Factory func(ctx context.Context, cfg BackendConfig, log *logger.Logger) (Compute, error)

// Registration describes one backend type
type Registration struct {
	Type                    models.BackendType
	Factory                 Factory
	SupportsPlacementGroups bool
}

// Registry maps backend types to their factories
type Registry struct {
	mu            sync.RWMutex
	registrations map[models.BackendType]Registration
}

// NewRegistry creates a registry with the given registrations
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{registrations: make(map[models.BackendType]Registration)}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register adds or replaces a registration
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[reg.Type] = reg
}

// Lookup returns the registration of a backend type
func (r *Registry) Lookup(t models.BackendType) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[t]
	return reg, ok
}

// Build constructs a backend for each config. A backend that fails to build
// is left out of the set; all failures are returned together.
func (r *Registry) Build(ctx context.Context, configs []BackendConfig, log *logger.Logger) (*Set, error) {
	set := NewSet()
	var result *multierror.Error
	for _, cfg := range configs {
		reg, ok := r.Lookup(cfg.BackendType())
		if !ok {
			result = multierror.Append(result, fmt.Errorf("backend %s is not registered", cfg.BackendType()))
			continue
		}
		compute, err := reg.Factory(ctx, cfg, log.WithFields(logger.String("backend", string(reg.Type))))
		if err != nil {
			result = multierror.Append(result, &BackendError{Backend: reg.Type, Err: err})
			continue
		}
		set.Add(Backend{
			Type:                    reg.Type,
			Compute:                 compute,
			SupportsPlacementGroups: reg.SupportsPlacementGroups,
		})
	}
	return set, result.ErrorOrNil()
}
