package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/repository"
)

func TestJobCost(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &models.Job{
		ProvisioningData: &models.JobProvisioningData{Price: 2.5},
		RunningStartedAt: &start,
	}
	assert.True(t, decimal.NewFromFloat(3.75).Equal(JobCost(job, start.Add(90*time.Minute))))

	finished := start.Add(30 * time.Minute)
	job.FinishedAt = &finished
	assert.True(t, decimal.NewFromFloat(1.25).Equal(JobCost(job, start.Add(10*time.Hour))))

	assert.True(t, JobCost(&models.Job{}, start).IsZero())
}

func TestRunCostRounds(t *testing.T) {
	start := time.Now()
	jobs := []*models.Job{
		{ProvisioningData: &models.JobProvisioningData{Price: 1}, RunningStartedAt: &start},
		{ProvisioningData: &models.JobProvisioningData{Price: 1}, RunningStartedAt: &start},
	}
	got := RunCost(jobs, start.Add(61*time.Second))
	assert.Equal(t, "0.03", got.StringFixed(2))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.JobTransition(models.JobStatusPending, models.JobStatusSubmitted)
	m.SetRunCost("p", "r", 1)
	m.PlacementGroupDeletion(models.BackendAWS, nil)
}

func TestCostTrackerUpdate(t *testing.T) {
	ctx := context.Background()
	store, err := repository.NewMemStore()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	now := time.Now()
	started := now.Add(-2 * time.Hour)
	run := &models.Run{ID: uuid.NewString(), ProjectName: "main", RunName: "svc", Status: models.RunStatusRunning, SubmittedAt: now}
	job := &models.Job{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		Status:           models.JobStatusRunning,
		ProvisioningData: &models.JobProvisioningData{Price: 1.5},
		RunningStartedAt: &started,
	}
	require.NoError(t, store.CreateRun(ctx, run, []*models.Job{job}))

	tracker := NewCostTracker(store, metrics, logger.NewNop(), time.Minute)
	tracker.Update(ctx, now)

	assert.InDelta(t, 3.0, testutil.ToFloat64(metrics.runCost.WithLabelValues("main", "svc")), 0.01)

	run.Status = models.RunStatusDone
	require.NoError(t, store.UpdateRun(ctx, run))
	tracker.Update(ctx, now)
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.runCost))
}

func TestSetInstanceCounts(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.SetInstanceCounts(map[models.BackendType]map[models.InstanceStatus]int{
		models.BackendAWS: {models.InstanceStatusBusy: 2, models.InstanceStatusIdle: 1},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.instances.WithLabelValues("aws", "busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.instances.WithLabelValues("aws", "idle")))
}
