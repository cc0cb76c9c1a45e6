package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated
	ErrConflict = errors.New("conflict")
)

// RunFilter selects runs
type RunFilter struct {
	ProjectName    string
	Statuses       []models.RunStatus
	IncludeDeleted bool
	Limit          int
}

// JobFilter selects jobs
type JobFilter struct {
	RunID      string
	Statuses   []models.JobStatus
	ReplicaNum *int
	Limit      int
}

// PlacementGroupFilter selects placement groups
type PlacementGroupFilter struct {
	RunID          string
	Backend        models.BackendType
	Region         string
	FleetDeleted   *bool
	IncludeDeleted bool
}

// InstanceFilter selects pool instances
type InstanceFilter struct {
	ProjectName string
	Statuses    []models.InstanceStatus
	Backend     models.BackendType
}

// Store is the transactional persistence the orchestrator runs on. It is the
// source of truth after a crash.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run, jobs []*models.Job) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error

	CreateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// UpdateJob commits the job's state and its transition event atomically
	UpdateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error)

	// CreatePlacementGroup returns ErrConflict if a group with the same name exists
	CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error
	ListPlacementGroups(ctx context.Context, filter PlacementGroupFilter) ([]*models.PlacementGroup, error)
	UpdatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error

	CreateInstance(ctx context.Context, instance *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error)
	UpdateInstance(ctx context.Context, instance *models.Instance) error

	Close() error
}

func runStatusIn(s models.RunStatus, statuses []models.RunStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func jobStatusIn(s models.JobStatus, statuses []models.JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func instanceStatusIn(s models.InstanceStatus, statuses []models.InstanceStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
