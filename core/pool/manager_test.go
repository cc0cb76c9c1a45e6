package pool

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/backends/backendtest"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/repository"
)

type fixture struct {
	pool  *Manager
	store *repository.MemStore
	aws   *backendtest.Compute
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewMemStore()
	require.NoError(t, err)
	aws := backendtest.New(models.BackendAWS)
	return &fixture{
		pool:  NewManager(store, backends.NewSet(aws.Backend(true)), nil, logger.NewNop()),
		store: store,
		aws:   aws,
	}
}

func eightGPUs() models.Resources {
	gpus := make([]models.GPU, 8)
	for i := range gpus {
		gpus[i] = models.GPU{Name: "A100", MemoryGB: 80}
	}
	return models.Resources{CPUs: 64, MemoryGB: 512, GPUs: gpus}
}

func testRun(policy models.TerminationPolicy, idle time.Duration) *models.Run {
	return &models.Run{
		ID:          "run-1",
		ProjectName: "main",
		RunName:     "train",
		Spec: models.RunSpec{Profile: models.Profile{
			TerminationPolicy: policy,
			IdleDuration:      idle,
		}},
	}
}

func (f *fixture) provision(t *testing.T, run *models.Run, job *models.Job, blocks int) *models.Instance {
	t.Helper()
	offer := backendtest.Offer(models.BackendAWS, "us-east-1", "p4d.24xlarge", 32, models.AvailabilityAvailable, eightGPUs())
	offer.TotalBlocks = blocks
	data, err := f.aws.RunJob(context.Background(), run, job, offer, nil)
	require.NoError(t, err)
	inst, err := f.pool.RegisterInstance(context.Background(), run, job, offer, data)
	require.NoError(t, err)
	return inst
}

func gpuReq(n float64) models.Requirements {
	return models.Requirements{Resources: models.ResourcesSpec{GPU: &models.GPUSpec{Count: models.Exactly(n)}}}
}

func TestIdleCandidatesAndBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, 5*time.Minute)

	first := &models.Job{ID: "j1", RunID: run.ID, RunName: run.RunName}
	inst := f.provision(t, run, first, 4)
	first.InstanceID = inst.ID
	first.InstanceBlocks = 4

	got, err := f.pool.IdleCandidates(ctx, run, gpuReq(2), models.SpotPolicyAuto)
	require.NoError(t, err)
	assert.Empty(t, got, "all blocks busy")

	_, err = f.pool.Release(ctx, first)
	require.NoError(t, err)
	stored, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusIdle, stored.Status)

	got, err = f.pool.IdleCandidates(ctx, run, gpuReq(2), models.SpotPolicyAuto)
	require.NoError(t, err)
	require.Len(t, got, 1)
	offer := got[0].Offer
	assert.Equal(t, models.AvailabilityIdle, offer.Availability)
	assert.Equal(t, 1, offer.Blocks, "one block of a 4-way split holds 2 GPUs")
	assert.Equal(t, 8.0, offer.Price)
	assert.Len(t, offer.Resources.GPUs, 2)

	second := &models.Job{ID: "j2", RunID: run.ID, RunName: run.RunName}
	data, err := f.pool.AssignJob(ctx, second, offer)
	require.NoError(t, err)
	assert.Equal(t, inst.ProvisioningData.InstanceID, data.InstanceID)
	assert.Equal(t, 8.0, data.Price)

	stored, _ = f.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, models.InstanceStatusBusy, stored.Status)
	assert.Equal(t, 1, stored.BusyBlocks)

	// Other projects never see the instance
	other := testRun(models.TerminationPolicyDestroyAfterIdle, 0)
	other.ProjectName = "other"
	got, err = f.pool.IdleCandidates(ctx, other, gpuReq(2), models.SpotPolicyAuto)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssignJobRejectsTakenBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, time.Minute)
	job := &models.Job{ID: "j1", RunID: run.ID, RunName: run.RunName}
	inst := f.provision(t, run, job, 1)
	job.InstanceID = inst.ID
	job.InstanceBlocks = 1
	_, err := f.pool.Release(ctx, job)
	require.NoError(t, err)

	got, err := f.pool.IdleCandidates(ctx, run, gpuReq(8), models.SpotPolicyAuto)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = f.pool.AssignJob(ctx, &models.Job{ID: "a"}, got[0].Offer)
	require.NoError(t, err)
	_, err = f.pool.AssignJob(ctx, &models.Job{ID: "b"}, got[0].Offer)
	assert.True(t, backends.IsNoCapacity(err))
}

func TestIdleTermination(t *testing.T) {
	tests := []struct {
		name       string
		policy     models.TerminationPolicy
		idle       time.Duration
		elapsed    time.Duration
		terminated bool
	}{
		{"not yet idle long enough", models.TerminationPolicyDestroyAfterIdle, 5 * time.Minute, time.Minute, false},
		{"idle timeout", models.TerminationPolicyDestroyAfterIdle, 5 * time.Minute, 6 * time.Minute, true},
		{"zero idle duration", models.TerminationPolicyDestroyAfterIdle, 0, 0, true},
		{"dont destroy", models.TerminationPolicyDontDestroy, time.Minute, 24 * time.Hour, false},
		{"never", models.TerminationPolicyDestroyAfterIdle, models.NeverTerminate, 24 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			run := testRun(tt.policy, tt.idle)
			job := &models.Job{ID: "j1", RunID: run.ID, RunName: run.RunName}
			inst := f.provision(t, run, job, 1)
			job.InstanceID = inst.ID
			job.InstanceBlocks = 1
			released, err := f.pool.Release(ctx, job)
			require.NoError(t, err)

			now := released.LastJobProcessedAt.Add(tt.elapsed)
			ran, err := f.pool.ProcessInstance(ctx, inst.ID, now)
			require.NoError(t, err)
			assert.True(t, ran)

			stored, err := f.store.GetInstance(ctx, inst.ID)
			require.NoError(t, err)
			if tt.terminated {
				assert.Equal(t, models.InstanceStatusTerminated, stored.Status)
				assert.Equal(t, ReasonIdleTimeout, stored.TerminationReason)
				assert.False(t, f.aws.Running(inst.ProvisioningData.InstanceID))
			} else {
				assert.Equal(t, models.InstanceStatusIdle, stored.Status)
				assert.True(t, f.aws.Running(inst.ProvisioningData.InstanceID))
			}
		})
	}
}

func TestTerminateInstanceIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, time.Minute)
	inst := f.provision(t, run, &models.Job{ID: "j1", RunName: run.RunName}, 1)

	f.aws.FailTerminate(errors.New("RequestLimitExceeded"))
	require.Error(t, f.pool.TerminateInstance(ctx, inst.ID, "test"))
	stored, _ := f.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, models.InstanceStatusTerminating, stored.Status)

	pending, err := f.pool.Processable(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.aws.FailTerminate(nil)
	ran, err := f.pool.ProcessInstance(ctx, inst.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ran)
	require.NoError(t, f.pool.TerminateInstance(ctx, inst.ID, "test"))

	stored, _ = f.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, models.InstanceStatusTerminated, stored.Status)
	assert.Equal(t, "test", stored.TerminationReason)
	assert.Equal(t, 1, f.aws.Terminations(inst.ProvisioningData.InstanceID))
}

func TestConcurrentTeardownReachesBackendOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, time.Minute)
	inst := f.provision(t, run, &models.Job{ID: "j1", RunName: run.RunName}, 1)

	entered, release := f.aws.BlockTerminate()
	done := make(chan error, 1)
	go func() { done <- f.pool.TerminateInstance(ctx, inst.ID, "job_done") }()
	<-entered

	// the instance is TERMINATING now, so the scheduler would pick it up
	pending, err := f.pool.Processable(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ran, err := f.pool.ProcessInstance(ctx, inst.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.ErrorIs(t, f.pool.TerminateInstance(ctx, inst.ID, "job_done"), ErrInstanceBusy)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.aws.Terminations(inst.ProvisioningData.InstanceID))

	ran, err = f.pool.ProcessInstance(ctx, inst.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, f.aws.Terminations(inst.ProvisioningData.InstanceID))
}

func TestReleaseTwiceKeepsOtherJobsBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, time.Hour)

	first := &models.Job{ID: "j1", RunID: run.ID, RunName: run.RunName}
	inst := f.provision(t, run, first, 4)
	first.InstanceID = inst.ID
	first.InstanceBlocks = 4
	_, err := f.pool.Release(ctx, first)
	require.NoError(t, err)

	got, err := f.pool.IdleCandidates(ctx, run, gpuReq(2), models.SpotPolicyAuto)
	require.NoError(t, err)
	require.Len(t, got, 1)
	second := &models.Job{ID: "j2", RunID: run.ID, RunName: run.RunName}
	_, err = f.pool.AssignJob(ctx, second, got[0].Offer)
	require.NoError(t, err)

	// replayed after a restart, before the first job's release was recorded
	_, err = f.pool.Release(ctx, first)
	require.NoError(t, err)

	stored, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusBusy, stored.Status)
	assert.Equal(t, 1, stored.BusyBlocks)
	assert.Equal(t, map[string]int{"j2": 1}, stored.JobBlocks)
}

func TestJobInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := testRun(models.TerminationPolicyDestroyAfterIdle, time.Hour)
	job := &models.Job{ID: "j1", RunID: run.ID, ProjectName: run.ProjectName, RunName: run.RunName}

	found, err := f.pool.JobInstance(ctx, job)
	require.NoError(t, err)
	assert.Nil(t, found)

	inst := f.provision(t, run, job, 2)
	found, err = f.pool.JobInstance(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, inst.ID, found.ID)
	assert.Equal(t, 2, found.JobBlocks[job.ID])
}
