package models

import "time"

// RunStatus is derived from the statuses of a run's jobs
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusSubmitted    RunStatus = "submitted"
	RunStatusProvisioning RunStatus = "provisioning"
	RunStatusRunning      RunStatus = "running"
	RunStatusTerminating  RunStatus = "terminating"
	RunStatusTerminated   RunStatus = "terminated"
	RunStatusFailed       RunStatus = "failed"
	RunStatusDone         RunStatus = "done"
)

// IsFinished returns true for terminal run statuses
func (s RunStatus) IsFinished() bool {
	return s == RunStatusTerminated || s == RunStatusFailed || s == RunStatusDone
}

// ActiveRunStatuses are the statuses the run controller processes
var ActiveRunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusSubmitted,
	RunStatusProvisioning,
	RunStatusRunning,
	RunStatusTerminating,
}

// RunTerminationReason explains why a run stopped
type RunTerminationReason string

const (
	RunTerminationAllJobsDone         RunTerminationReason = "all_jobs_done"
	RunTerminationJobFailed           RunTerminationReason = "job_failed"
	RunTerminationRetryLimitExceeded  RunTerminationReason = "retry_limit_exceeded"
	RunTerminationStoppedByUser       RunTerminationReason = "stopped_by_user"
	RunTerminationAbortedByUser       RunTerminationReason = "aborted_by_user"
	RunTerminationServerError         RunTerminationReason = "server_error"
	RunTerminationMaxDurationExceeded RunTerminationReason = "max_duration_exceeded"
)

// ToStatus maps the reason to the run's final status
func (r RunTerminationReason) ToStatus() RunStatus {
	switch r {
	case RunTerminationAllJobsDone:
		return RunStatusDone
	case RunTerminationJobFailed, RunTerminationRetryLimitExceeded, RunTerminationServerError:
		return RunStatusFailed
	}
	return RunStatusTerminated
}

// JobReason is the termination reason given to jobs still active when the run stops
func (r RunTerminationReason) JobReason() JobTerminationReason {
	switch r {
	case RunTerminationAbortedByUser:
		return JobTerminationAbortedByUser
	case RunTerminationStoppedByUser:
		return JobTerminationTerminatedByUser
	case RunTerminationAllJobsDone:
		return JobTerminationDoneByRunner
	case RunTerminationMaxDurationExceeded:
		return JobTerminationMaxDurationExceeded
	}
	return JobTerminationTerminatedByServer
}

// ConfigurationType is the kind of workload
type ConfigurationType string

const (
	ConfigurationTask    ConfigurationType = "task"
	ConfigurationService ConfigurationType = "service"
)

// Configuration is the workload part of a run spec
type Configuration struct {
	Type      ConfigurationType `json:"type"`
	Image     string            `json:"image,omitempty"`
	Commands  []string          `json:"commands,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Nodes     int               `json:"nodes"`
	Replicas  int               `json:"replicas"`
	Resources ResourcesSpec     `json:"resources"`
}

// Profile is the placement/cost policy part of a run spec
type Profile struct {
	Backends          []BackendType     `json:"backends,omitempty"`
	Regions           []string          `json:"regions,omitempty"`
	SpotPolicy        SpotPolicy        `json:"spot_policy"`
	Retry             *RetryPolicy      `json:"retry,omitempty"`
	MaxDuration       *time.Duration    `json:"max_duration,omitempty"`
	MaxPrice          *float64          `json:"max_price,omitempty"`
	CreationPolicy    CreationPolicy    `json:"creation_policy"`
	TerminationPolicy TerminationPolicy `json:"termination_policy"`
	IdleDuration      time.Duration     `json:"idle_duration"`
	Priority          int               `json:"priority"`
}

// RunSpec is what the user submitted
type RunSpec struct {
	RunName       string        `json:"run_name"`
	Configuration Configuration `json:"configuration"`
	Profile       Profile       `json:"profile"`
	YAML          string        `json:"yaml,omitempty"` // original spec for replay/debug
}

// Run is a submitted workload made of one or more jobs
type Run struct {
	ID          string
	ProjectName string
	RunName     string
	Spec        RunSpec
	Status      RunStatus

	DesiredReplicaCount int
	DeploymentNum       int
	Priority            int

	SubmittedAt       time.Time
	LastProcessedAt   time.Time
	TerminationReason RunTerminationReason
	StopRequested     bool // set by stop/abort, observed by the next tick
	Deleted           bool
}

// JobsPerReplica returns the number of nodes each replica runs
func (r *Run) JobsPerReplica() int {
	if r.Spec.Configuration.Nodes < 1 {
		return 1
	}
	return r.Spec.Configuration.Nodes
}
