package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/models"
)

func newTestRun(t *testing.T, s *MemStore, nodes int) (*models.Run, []*models.Job) {
	now := time.Now().UTC()
	run := &models.Run{
		ID:                  uuid.NewString(),
		ProjectName:         "main",
		RunName:             "train",
		Status:              models.RunStatusPending,
		DesiredReplicaCount: 1,
		SubmittedAt:         now,
		LastProcessedAt:     now,
	}
	var jobs []*models.Job
	for n := 0; n < nodes; n++ {
		jobs = append(jobs, &models.Job{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			ProjectName:      run.ProjectName,
			RunName:          run.RunName,
			JobNum:           n,
			Status:           models.JobStatusPending,
			SubmittedAt:      now,
			FirstSubmittedAt: now,
			LastProcessedAt:  now,
		})
	}
	require.NoError(t, s.CreateRun(context.Background(), run, jobs))
	return run, jobs
}

func TestMemStoreRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore()
	require.NoError(t, err)

	run, jobs := newTestRun(t, s, 2)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunName, got.RunName)

	// Returned objects are copies
	got.Status = models.RunStatusRunning
	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, again.Status)

	require.NoError(t, s.UpdateRun(ctx, got))
	runs, err := s.ListRuns(ctx, RunFilter{Statuses: []models.RunStatus{models.RunStatusRunning}})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got.Deleted = true
	require.NoError(t, s.UpdateRun(ctx, got))
	runs, err = s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	runs, err = s.ListRuns(ctx, RunFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	listed, err := s.ListJobs(ctx, JobFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, jobs[0].ID, listed[0].ID)

	events, err := s.ListJobEvents(ctx, jobs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "job_created", events[0].Reason)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.UpdateRun(ctx, &models.Run{ID: "missing"}), ErrNotFound))
}

func TestMemStoreUpdateJobWritesEvent(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore()
	require.NoError(t, err)
	_, jobs := newTestRun(t, s, 1)

	job := jobs[0]
	job.Status = models.JobStatusSubmitted
	job.ProvisioningData = &models.JobProvisioningData{Backend: models.BackendAWS, InstanceID: "i-1"}
	require.NoError(t, s.UpdateJob(ctx, job, models.NewJobEvent(job, models.JobStatusPending, "submitted")))

	// Mutating the caller's copy does not leak into the store
	job.ProvisioningData.InstanceID = "i-2"
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "i-1", got.ProvisioningData.InstanceID)

	events, err := s.ListJobEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].FromStatus)
	assert.Equal(t, models.JobStatusPending, *events[1].FromStatus)
	assert.Equal(t, models.JobStatusSubmitted, events[1].ToStatus)

	filtered, err := s.ListJobs(ctx, JobFilter{Statuses: []models.JobStatus{models.JobStatusPending}})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestMemStorePlacementGroups(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore()
	require.NoError(t, err)

	pg := &models.PlacementGroup{
		ID:    uuid.NewString(),
		Name:  "train-aws-us-east-1",
		RunID: "run-1",
		Configuration: models.PlacementGroupConfiguration{
			Backend: models.BackendAWS, Region: "us-east-1", Strategy: models.PlacementStrategyCluster,
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreatePlacementGroup(ctx, pg))

	dup := *pg
	dup.ID = uuid.NewString()
	assert.True(t, errors.Is(s.CreatePlacementGroup(ctx, &dup), ErrConflict))

	groups, err := s.ListPlacementGroups(ctx, PlacementGroupFilter{RunID: "run-1", Region: "us-east-1"})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	groups, err = s.ListPlacementGroups(ctx, PlacementGroupFilter{RunID: "run-1", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Empty(t, groups)

	pg.FleetDeleted = true
	require.NoError(t, s.UpdatePlacementGroup(ctx, pg))
	marked := true
	groups, err = s.ListPlacementGroups(ctx, PlacementGroupFilter{FleetDeleted: &marked})
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	pg.Deleted = true
	require.NoError(t, s.UpdatePlacementGroup(ctx, pg))
	groups, err = s.ListPlacementGroups(ctx, PlacementGroupFilter{FleetDeleted: &marked})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMemStoreInstances(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore()
	require.NoError(t, err)

	inst := &models.Instance{
		ID:          uuid.NewString(),
		Backend:     models.BackendSSH,
		Status:      models.InstanceStatusIdle,
		TotalBlocks: 8,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	assert.True(t, errors.Is(s.CreateInstance(ctx, inst), ErrConflict))

	inst.BusyBlocks = 2
	inst.Status = models.InstanceStatusBusy
	require.NoError(t, s.UpdateInstance(ctx, inst))

	idle, err := s.ListInstances(ctx, InstanceFilter{Statuses: []models.InstanceStatus{models.InstanceStatusIdle}})
	require.NoError(t, err)
	assert.Empty(t, idle)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.FreeBlocks())
}
