package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	RunID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	MetaJSON   map[string]interface{} // Additional metadata
}

// NewJobEvent builds the audit event for a transition of job from the given status
func NewJobEvent(job *Job, from JobStatus, reason string) *JobEvent {
	ev := &JobEvent{
		JobID:    job.ID,
		RunID:    job.RunID,
		At:       time.Now().UTC(),
		ToStatus: job.Status,
		Reason:   reason,
	}
	if from != "" {
		f := from
		ev.FromStatus = &f
	}
	return ev
}
