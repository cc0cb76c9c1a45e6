package models

// BackendType identifies a compute backend (one Compute implementation per type)
type BackendType string

const (
	BackendAWS        BackendType = "aws"
	BackendGCP        BackendType = "gcp"
	BackendKubernetes BackendType = "kubernetes"
	BackendSSH        BackendType = "ssh" // On-prem hosts attached over SSH
)

// Availability reports whether an offer can be provisioned right now
type Availability string

const (
	AvailabilityAvailable    Availability = "available"
	AvailabilityNotAvailable Availability = "not_available"
	AvailabilityNoQuota      Availability = "no_quota"
	AvailabilityNoBalance    Availability = "no_balance"
	AvailabilityIdle         Availability = "idle" // Reusable capacity from the instance pool
)

// Rank orders availabilities from most to least usable; higher is better.
func (a Availability) Rank() int {
	switch a {
	case AvailabilityAvailable:
		return 5
	case AvailabilityIdle:
		return 4
	case AvailabilityNotAvailable:
		return 3
	case AvailabilityNoQuota:
		return 2
	case AvailabilityNoBalance:
		return 1
	}
	return 0
}

// IsProvisionable returns true if a job can be started on an offer with this availability
func (a Availability) IsProvisionable() bool {
	return a == AvailabilityAvailable || a == AvailabilityIdle
}

// InstanceOffer is a priced, region-scoped instance type a backend reports
type InstanceOffer struct {
	Backend      BackendType `json:"backend"`
	Region       string      `json:"region"`
	InstanceType string      `json:"instance_type"`
	Resources    Resources   `json:"resources"`
	Price        float64     `json:"price"` // USD per hour
}

// InstanceOfferWithAvailability is an offer together with its current availability.
// Offers are computed on demand and never persisted.
type InstanceOfferWithAvailability struct {
	InstanceOffer
	Availability Availability `json:"availability"`

	// Set only for offers backed by an existing pool instance
	InstanceID  string `json:"instance_id,omitempty"`
	Blocks      int    `json:"blocks,omitempty"`
	TotalBlocks int    `json:"total_blocks,omitempty"`
}
