package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/backends/backendtest"
	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/jobs"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/offers"
	"fleet-orchestrator/core/placement"
	"fleet-orchestrator/core/pool"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/runs"
)

func TestWorkQueueOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewWorkQueue()
	q.Enqueue(&Unit{Kind: KindJob, ID: "low-old", Priority: 0, LastProcessedAt: base})
	q.Enqueue(&Unit{Kind: KindJob, ID: "high-new", Priority: 10, LastProcessedAt: base.Add(time.Minute)})
	q.Enqueue(&Unit{Kind: KindJob, ID: "high-old", Priority: 10, LastProcessedAt: base})
	q.Enqueue(&Unit{Kind: KindJob, ID: "low-new", Priority: 0, LastProcessedAt: base.Add(time.Hour)})
	q.Enqueue(&Unit{Kind: KindJob, ID: "high-old", Priority: 10, LastProcessedAt: base})
	q.Enqueue(&Unit{Kind: KindRun, ID: "high-old", Priority: 1})
	require.Equal(t, 5, q.Size())

	var order []string
	for u := q.PopUnit(); u != nil; u = q.PopUnit() {
		order = append(order, string(u.Kind)+":"+u.ID)
	}
	assert.Equal(t, []string{"job:high-old", "job:high-new", "run:high-old", "job:low-old", "job:low-new"}, order)
	assert.Nil(t, q.PopUnit())
}

type fixture struct {
	store *repository.MemStore
	aws   *backendtest.Compute
	ctrl  *runs.Controller
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := repository.NewMemStore()
	require.NoError(t, err)
	log := logger.NewNop()

	aws := backendtest.New(models.BackendAWS)
	aws.SetOffers(backendtest.Offer(models.BackendAWS, "us-east-1", "p4d.24xlarge", 1.10, models.AvailabilityAvailable,
		models.Resources{CPUs: 12, MemoryGB: 85, GPUs: []models.GPU{{Name: "A100", MemoryGB: 40}}}))
	set := backends.NewSet(aws.Backend(true))

	placements := placement.NewManager(store, nil, log)
	pm := pool.NewManager(store, set, nil, log)
	proc := jobs.NewProcessor(jobs.Config{}, store, set, offers.NewSelector(offers.Config{}, nil, log), placements, pm, guard.NewRegistry("job"), nil, log)
	ctrl := runs.NewController(runs.Config{}, store, proc, placements, guard.NewRegistry("run"), nil, log)
	return &fixture{
		store: store,
		aws:   aws,
		ctrl:  ctrl,
		sched: NewScheduler(cfg, store, ctrl, proc, pm, placements, set, nil, log),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) runStatus(t *testing.T, id string) models.RunStatus {
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run.Status
}

func (f *fixture) jobsWithStatus(t *testing.T, runID string, status models.JobStatus) []*models.Job {
	out, err := f.store.ListJobs(context.Background(), repository.JobFilter{RunID: runID, Statuses: []models.JobStatus{status}})
	require.NoError(t, err)
	return out
}

func TestDispatchSkipsWhenQueueFull(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 2})
	q := NewWorkQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(&Unit{Kind: KindJob, ID: id})
	}

	assert.Equal(t, 2, f.sched.dispatch(q))
	assert.Len(t, f.sched.work, 2)
	assert.Zero(t, q.Size())
}

func TestLoadSelectsDueEntities(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	run, err := f.ctrl.SubmitRun(ctx, "main", &models.RunSpec{
		RunName:       "train",
		Configuration: models.Configuration{Type: models.ConfigurationTask, Nodes: 2},
	})
	require.NoError(t, err)

	q, err := f.sched.load(ctx)
	require.NoError(t, err)
	kinds := make(map[Kind]int)
	for u := q.PopUnit(); u != nil; u = q.PopUnit() {
		kinds[u.Kind]++
	}
	assert.Equal(t, 1, kinds[KindRun])
	assert.Equal(t, 2, kinds[KindJob])

	require.NoError(t, f.ctrl.StopRun(ctx, run.ID, false))
	_, err = f.ctrl.ProcessRun(ctx, run.ID)
	require.NoError(t, err)
	_, err = f.ctrl.ProcessRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusTerminated, f.runStatus(t, run.ID))

	q, err = f.sched.load(ctx)
	require.NoError(t, err)
	assert.Zero(t, q.Size())
}

func TestSchedulerDrivesTaskToCompletion(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, Workers: 4})
	ctx := context.Background()
	run, err := f.ctrl.SubmitRun(ctx, "main", &models.RunSpec{
		RunName:       "train",
		Configuration: models.Configuration{Type: models.ConfigurationTask, Nodes: 2},
	})
	require.NoError(t, err)
	f.start(t)

	require.Eventually(t, func() bool {
		return len(f.jobsWithStatus(t, run.ID, models.JobStatusProvisioning)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	all, err := f.ctrl.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	for _, j := range all {
		require.NoError(t, f.ctrl.ReportJobSignal(ctx, j.ID, models.RunnerSignal{State: models.RunnerSignalRunning}))
	}
	require.Eventually(t, func() bool {
		return f.runStatus(t, run.ID) == models.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	for _, j := range all {
		require.NoError(t, f.ctrl.ReportJobSignal(ctx, j.ID, models.RunnerSignal{State: models.RunnerSignalDone}))
	}
	require.Eventually(t, func() bool {
		return f.runStatus(t, run.ID) == models.RunStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	// the run's placement group is deleted on the backend once the run is over
	require.Eventually(t, func() bool {
		_, deleted := f.aws.PlacementGroupCounts()
		return deleted == 1
	}, 5*time.Second, 10*time.Millisecond)
	created, _ := f.aws.PlacementGroupCounts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, f.aws.RunJobCalls())
}

func TestStopAfterContextCancel(t *testing.T) {
	f := newFixture(t, Config{TickInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Start(ctx)
		close(done)
	}()
	f.sched.Stop()
	f.sched.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	cancel()
}
