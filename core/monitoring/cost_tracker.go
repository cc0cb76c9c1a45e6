package monitoring

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/repository"
)

var secondsPerHour = decimal.NewFromInt(3600)

// JobCost returns what a job has cost so far: its hourly price over the time
// it held an instance in RUNNING
func JobCost(job *models.Job, now time.Time) decimal.Decimal {
	if job.ProvisioningData == nil || job.RunningStartedAt == nil {
		return decimal.Zero
	}
	end := now
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	if !end.After(*job.RunningStartedAt) {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(int64(end.Sub(*job.RunningStartedAt) / time.Second))
	price := decimal.NewFromFloat(job.ProvisioningData.Price)
	return price.Mul(seconds).Div(secondsPerHour)
}

// RunCost sums the cost of all submissions of a run's jobs, rounded to cents
func RunCost(jobs []*models.Job, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, job := range jobs {
		total = total.Add(JobCost(job, now))
	}
	return total.Round(2)
}

// CostTracker periodically publishes the cost of active runs
type CostTracker struct {
	store    repository.Store
	metrics  *Metrics
	log      *logger.Logger
	interval time.Duration
	tracked  map[string]models.Run // runs with a published cost series
}

// NewCostTracker creates a new cost tracker
func NewCostTracker(store repository.Store, metrics *Metrics, log *logger.Logger, interval time.Duration) *CostTracker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CostTracker{
		store:    store,
		metrics:  metrics,
		log:      log,
		interval: interval,
		tracked:  make(map[string]models.Run),
	}
}

// Start starts the cost tracking worker
func (ct *CostTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(ct.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ct.Update(ctx, time.Now())
		}
	}
}

// Update recomputes the cost of every active run
func (ct *CostTracker) Update(ctx context.Context, now time.Time) {
	runs, err := ct.store.ListRuns(ctx, repository.RunFilter{Statuses: models.ActiveRunStatuses})
	if err != nil {
		ct.log.Error("Failed to list runs for cost update", logger.Error(err))
		return
	}

	active := make(map[string]bool, len(runs))
	for _, run := range runs {
		active[run.ID] = true
		jobs, err := ct.store.ListJobs(ctx, repository.JobFilter{RunID: run.ID})
		if err != nil {
			ct.log.Warn("Failed to list jobs for cost update", logger.String("run_id", run.ID), logger.Error(err))
			continue
		}
		cost, _ := RunCost(jobs, now).Float64()
		ct.metrics.SetRunCost(run.ProjectName, run.RunName, cost)
		ct.tracked[run.ID] = *run
	}
	for id, run := range ct.tracked {
		if !active[id] {
			ct.metrics.DeleteRunCost(run.ProjectName, run.RunName)
			delete(ct.tracked, id)
		}
	}
}
