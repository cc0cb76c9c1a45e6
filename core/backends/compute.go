package backends

import (
	"context"

	"fleet-orchestrator/core/models"
)

// Compute is the per-backend collaborator that discovers offers and manages
// instance and placement group lifecycles. Implementations must be safe for
// concurrent use.
type Compute interface {
	// GetOffers returns offers matching the requirements. No offers is an empty
	// list, not an error.
	GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error)

	// RunJob provisions an instance for the job on the offer. It returns a
	// *NoCapacityError if the offer became unavailable.
	RunJob(ctx context.Context, run *models.Run, job *models.Job, offer models.InstanceOfferWithAvailability, group *models.PlacementGroup) (*models.JobProvisioningData, error)

	// TerminateInstance must succeed if the instance is already gone.
	TerminateInstance(ctx context.Context, instanceID, region, backendData string) error

	CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) (*models.PlacementGroupProvisioningData, error)

	// DeletePlacementGroup must succeed if the group is already gone.
	DeletePlacementGroup(ctx context.Context, group *models.PlacementGroup) error
}

// Backend is a configured Compute together with its capabilities
type Backend struct {
	Type                    models.BackendType
	Compute                 Compute
	SupportsPlacementGroups bool
}

// Set is the collection of configured backends, keyed by type
type Set struct {
	backends map[models.BackendType]Backend
	order    []models.BackendType
}

// NewSet creates a backend set. Later entries replace earlier ones of the same type.
func NewSet(backends ...Backend) *Set {
	s := &Set{backends: make(map[models.BackendType]Backend)}
	for _, b := range backends {
		s.Add(b)
	}
	return s
}

// Add registers a backend in the set
func (s *Set) Add(b Backend) {
	if _, ok := s.backends[b.Type]; !ok {
		s.order = append(s.order, b.Type)
	}
	s.backends[b.Type] = b
}

// Get returns the backend of the given type
func (s *Set) Get(t models.BackendType) (Backend, bool) {
	b, ok := s.backends[t]
	return b, ok
}

// All returns the backends in registration order
func (s *Set) All() []Backend {
	out := make([]Backend, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, s.backends[t])
	}
	return out
}

// Filter returns the backends whose type is in allowed. An empty allow-list keeps all.
func (s *Set) Filter(allowed []models.BackendType) []Backend {
	if len(allowed) == 0 {
		return s.All()
	}
	var out []Backend
	for _, t := range s.order {
		for _, a := range allowed {
			if a == t {
				out = append(out, s.backends[t])
				break
			}
		}
	}
	return out
}
