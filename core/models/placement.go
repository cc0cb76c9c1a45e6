package models

import "time"

// PlacementStrategy is how a placement group co-locates instances
type PlacementStrategy string

const (
	PlacementStrategyCluster PlacementStrategy = "cluster"
)

// PlacementGroupConfiguration is the backend-independent group definition
type PlacementGroupConfiguration struct {
	Backend  BackendType       `json:"backend"`
	Region   string            `json:"region"`
	Strategy PlacementStrategy `json:"strategy"`
}

// PlacementGroupProvisioningData is returned by the backend on creation
type PlacementGroupProvisioningData struct {
	Backend     BackendType `json:"backend"`
	BackendData string      `json:"backend_data,omitempty"` // opaque handle
}

// PlacementGroup co-locates the nodes of a multi-node run on one network fabric.
// It is owned by the run, not by any single job.
type PlacementGroup struct {
	ID               string
	Name             string
	ProjectName      string
	RunID            string
	Configuration    PlacementGroupConfiguration
	ProvisioningData *PlacementGroupProvisioningData
	CreatedAt        time.Time

	// FleetDeleted marks the group for backend-side deletion;
	// Deleted is set once the backend resource is gone.
	FleetDeleted bool
	Deleted      bool
	DeletedAt    *time.Time
}
