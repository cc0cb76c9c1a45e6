package models

import "time"

// InstanceStatus is the pool status of an instance
type InstanceStatus string

const (
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusIdle         InstanceStatus = "idle"
	InstanceStatusBusy         InstanceStatus = "busy"
	InstanceStatusTerminating  InstanceStatus = "terminating"
	InstanceStatusTerminated   InstanceStatus = "terminated"
)

// IsActive returns true while the instance exists backend-side
func (s InstanceStatus) IsActive() bool {
	return s != InstanceStatusTerminated
}

// Instance is a provisioned machine tracked by the pool.
// A multi-GPU host may be split into TotalBlocks equal blocks, one job per block range.
type Instance struct {
	ID               string
	Name             string
	ProjectName      string
	RunID            string // run that created the instance
	Backend          BackendType
	Region           string
	InstanceType     string
	Resources        Resources
	Price            float64
	Status           InstanceStatus
	TotalBlocks      int
	BusyBlocks       int
	JobBlocks        map[string]int // blocks held per job ID
	ProvisioningData *JobProvisioningData

	TerminationPolicy TerminationPolicy
	IdleDuration      time.Duration

	CreatedAt          time.Time
	LastJobProcessedAt time.Time
	TerminationReason  string
	FinishedAt         *time.Time
}

// FreeBlocks returns the number of unassigned blocks
func (i *Instance) FreeBlocks() int {
	if i.TotalBlocks < 1 {
		return 0
	}
	return i.TotalBlocks - i.BusyBlocks
}

// IdleTimeout returns how long the instance may stay idle, or NeverTerminate
func (i *Instance) IdleTimeout() time.Duration {
	if i.TerminationPolicy == TerminationPolicyDontDestroy {
		return NeverTerminate
	}
	return i.IdleDuration
}

// Assign records that the job holds blocks on the instance
func (i *Instance) Assign(jobID string, blocks int) {
	if i.JobBlocks == nil {
		i.JobBlocks = make(map[string]int)
	}
	i.JobBlocks[jobID] += blocks
	i.BusyBlocks += blocks
}

// Unassign drops the job's blocks and returns how many it held. Unassigning a
// job that holds nothing returns 0 and changes nothing.
func (i *Instance) Unassign(jobID string) int {
	blocks, ok := i.JobBlocks[jobID]
	if !ok {
		return 0
	}
	delete(i.JobBlocks, jobID)
	i.BusyBlocks -= blocks
	if i.BusyBlocks < 0 {
		i.BusyBlocks = 0
	}
	return blocks
}

// Holds reports whether the job holds blocks on the instance
func (i *Instance) Holds(jobID string) bool {
	_, ok := i.JobBlocks[jobID]
	return ok
}
