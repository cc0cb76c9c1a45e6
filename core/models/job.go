package models

import (
	"fmt"
	"time"
)

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusSubmitted    JobStatus = "submitted"
	JobStatusProvisioning JobStatus = "provisioning"
	JobStatusPulling      JobStatus = "pulling"
	JobStatusRunning      JobStatus = "running"
	JobStatusTerminating  JobStatus = "terminating"
	JobStatusTerminated   JobStatus = "terminated"
	JobStatusAborted      JobStatus = "aborted"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDone         JobStatus = "done"
)

// IsFinished returns true for terminal statuses
func (s JobStatus) IsFinished() bool {
	switch s {
	case JobStatusTerminated, JobStatusAborted, JobStatusFailed, JobStatusDone:
		return true
	}
	return false
}

// HasInstance returns true if a job in this status may hold an instance
func (s JobStatus) HasInstance() bool {
	switch s {
	case JobStatusProvisioning, JobStatusPulling, JobStatusRunning, JobStatusTerminating:
		return true
	}
	return false
}

// ActiveJobStatuses are all non-terminal statuses
var ActiveJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusSubmitted,
	JobStatusProvisioning,
	JobStatusPulling,
	JobStatusRunning,
	JobStatusTerminating,
}

// JobTerminationReason is the short user-visible tag explaining why a job ended
type JobTerminationReason string

const (
	JobTerminationFailedToStartNoCapacity JobTerminationReason = "failed_to_start_due_to_no_capacity"
	JobTerminationInterruptedByNoCapacity JobTerminationReason = "interrupted_by_no_capacity"
	JobTerminationProvisioningTimeout     JobTerminationReason = "provisioning_timeout"
	JobTerminationWaitingInstanceLimit    JobTerminationReason = "waiting_instance_limit_exceeded"
	JobTerminationTerminatedByUser        JobTerminationReason = "terminated_by_user"
	JobTerminationTerminatedByServer      JobTerminationReason = "terminated_by_server"
	JobTerminationScaledDown              JobTerminationReason = "scaled_down"
	JobTerminationMaxDurationExceeded     JobTerminationReason = "max_duration_exceeded"
	JobTerminationAbortedByUser           JobTerminationReason = "aborted_by_user"
	JobTerminationDoneByRunner            JobTerminationReason = "done_by_runner"
	JobTerminationContainerExitedError    JobTerminationReason = "container_exited_with_error"
	JobTerminationExecutorError           JobTerminationReason = "executor_error"
	JobTerminationProvisioningError       JobTerminationReason = "provisioning_error"
)

// ToStatus maps a termination reason to the job's final status
func (r JobTerminationReason) ToStatus() JobStatus {
	switch r {
	case JobTerminationTerminatedByUser,
		JobTerminationTerminatedByServer,
		JobTerminationScaledDown,
		JobTerminationMaxDurationExceeded:
		return JobStatusTerminated
	case JobTerminationAbortedByUser:
		return JobStatusAborted
	case JobTerminationDoneByRunner:
		return JobStatusDone
	}
	return JobStatusFailed
}

// RetryEvent classifies the reason for the retry policy. The second result is
// false for reasons that are never retried.
func (r JobTerminationReason) RetryEvent() (RetryEvent, bool) {
	switch r {
	case JobTerminationFailedToStartNoCapacity, JobTerminationProvisioningTimeout, JobTerminationWaitingInstanceLimit:
		return RetryEventNoCapacity, true
	case JobTerminationInterruptedByNoCapacity:
		return RetryEventInterruption, true
	case JobTerminationContainerExitedError, JobTerminationExecutorError, JobTerminationProvisioningError:
		return RetryEventError, true
	}
	return "", false
}

// RunnerSignalState is a readiness/health state reported from the instance
type RunnerSignalState string

const (
	RunnerSignalPulling     RunnerSignalState = "pulling"
	RunnerSignalRunning     RunnerSignalState = "running"
	RunnerSignalDone        RunnerSignalState = "done"
	RunnerSignalFailed      RunnerSignalState = "failed"
	RunnerSignalInterrupted RunnerSignalState = "interrupted"
)

// RunnerSignal is the latest explicit signal received for a job
type RunnerSignal struct {
	State      RunnerSignalState `json:"state"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Message    string            `json:"message,omitempty"`
	ReportedAt time.Time         `json:"reported_at"`
}

// JobSpec describes one job of a replica. Only the env grows, when a
// multi-node job is provisioned.
type JobSpec struct {
	JobName        string            `json:"job_name"`
	JobNum         int               `json:"job_num"`
	JobsPerReplica int               `json:"jobs_per_replica"`
	Image          string            `json:"image,omitempty"`
	Commands       []string          `json:"commands,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Requirements   Requirements      `json:"requirements"`
	SpotPolicy     SpotPolicy        `json:"spot_policy"`
	Retry          *RetryPolicy      `json:"retry,omitempty"`
	MaxDuration    *time.Duration    `json:"max_duration,omitempty"`
}

// JobProvisioningData describes where a job was provisioned
type JobProvisioningData struct {
	Backend          BackendType `json:"backend"`
	Region           string      `json:"region"`
	AvailabilityZone string      `json:"availability_zone,omitempty"`
	InstanceType     string      `json:"instance_type"`
	InstanceID       string      `json:"instance_id"`
	Hostname         string      `json:"hostname,omitempty"`
	InternalIP       string      `json:"internal_ip,omitempty"`
	SSHPort          int         `json:"ssh_port,omitempty"`
	Username         string      `json:"username,omitempty"`
	Price            float64     `json:"price"`
	Resources        Resources   `json:"resources"`
	BackendData      string      `json:"backend_data,omitempty"` // opaque, backend-specific
}

// Job is one (replica, node) unit of a run
type Job struct {
	ID            string
	RunID         string
	ProjectName   string
	RunName       string
	ReplicaNum    int
	JobNum        int
	DeploymentNum int
	SubmissionNum int
	Priority      int

	Spec             JobSpec
	Status           JobStatus
	ProvisioningData *JobProvisioningData
	InstanceID       string // pool instance the job is assigned to
	InstanceBlocks   int
	PlacementGroup   string

	SubmittedAt      time.Time
	FirstSubmittedAt time.Time // carried over across resubmissions of the slot
	LastProcessedAt  time.Time
	ProvisionedAt    *time.Time // start of the provisioning timeout
	RunningStartedAt *time.Time
	FinishedAt       *time.Time

	Signal             *RunnerSignal
	TerminationReason  JobTerminationReason
	TerminationMessage string
}

// SlotKey identifies the (run, replica, node) slot of the job
func (j *Job) SlotKey() string {
	return SlotKey(j.RunID, j.ReplicaNum, j.JobNum)
}

// SlotKey builds the slot identifier
func SlotKey(runID string, replicaNum, jobNum int) string {
	return fmt.Sprintf("%s/%d/%d", runID, replicaNum, jobNum)
}

// IsMaster returns true for node 0 of a replica
func (j *Job) IsMaster() bool {
	return j.JobNum == 0
}

// Name is the human-readable job name
func (j *Job) Name() string {
	return fmt.Sprintf("%s-%d-%d", j.RunName, j.JobNum, j.ReplicaNum)
}
