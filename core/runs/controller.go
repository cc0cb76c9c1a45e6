// Package runs aggregates job states into run states and reconciles a run's
// jobs with its desired replica count and deployment.
package runs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/jobs"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/placement"
	"fleet-orchestrator/core/repository"
	retrypolicy "fleet-orchestrator/core/retry"
	"fleet-orchestrator/core/spec"
)

var (
	// ErrRunExists is returned when an active run with the same name exists in the project
	ErrRunExists = errors.New("run already exists")
	// ErrRunActive is returned when deleting a run that has not finished
	ErrRunActive = errors.New("run is still active")
	// ErrRunFinished is returned when changing a run that has finished
	ErrRunFinished = errors.New("run has finished")
	// ErrBusy is returned when the run is being processed by another worker
	ErrBusy = errors.New("run is being processed")
)

// Config configures the run controller
type Config struct {
	Now func() time.Time
}

// Controller owns run state. Like jobs, runs are only mutated under the
// controller's guard.
type Controller struct {
	cfg        Config
	store      repository.Store
	jobs       *jobs.Processor
	placements *placement.Manager
	guard      *guard.Registry
	metrics    *monitoring.Metrics
	log        *logger.Logger
}

// NewController creates a run controller
func NewController(
	cfg Config,
	store repository.Store,
	processor *jobs.Processor,
	placements *placement.Manager,
	runsGuard *guard.Registry,
	metrics *monitoring.Metrics,
	log *logger.Logger,
) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:        cfg,
		store:      store,
		jobs:       processor,
		placements: placements,
		guard:      runsGuard,
		metrics:    metrics,
		log:        log.Named("runs"),
	}
}

func (c *Controller) now() time.Time {
	return c.cfg.Now().UTC()
}

// SubmitRun creates a run and the first submission of all its jobs
func (c *Controller) SubmitRun(ctx context.Context, project string, runSpec *models.RunSpec) (*models.Run, error) {
	if runSpec.RunName == "" {
		runSpec.RunName = "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	} else {
		active, err := c.store.ListRuns(ctx, repository.RunFilter{ProjectName: project, Statuses: models.ActiveRunStatuses})
		if err != nil {
			return nil, errors.Wrap(err, "failed to list runs")
		}
		for _, r := range active {
			if r.RunName == runSpec.RunName {
				return nil, errors.Wrapf(ErrRunExists, "%s", runSpec.RunName)
			}
		}
	}

	now := c.now()
	run := &models.Run{
		ID:                  uuid.New().String(),
		ProjectName:         project,
		RunName:             runSpec.RunName,
		Spec:                *runSpec,
		Status:              models.RunStatusSubmitted,
		DesiredReplicaCount: replicaCount(runSpec),
		Priority:            runSpec.Profile.Priority,
		SubmittedAt:         now,
		LastProcessedAt:     now,
	}
	var all []*models.Job
	for replica := 0; replica < run.DesiredReplicaCount; replica++ {
		all = append(all, jobs.NewReplicaJobs(run, replica, now)...)
	}
	if err := c.store.CreateRun(ctx, run, all); err != nil {
		return nil, errors.Wrapf(err, "failed to create run %s", run.RunName)
	}
	c.log.Info("Run submitted",
		logger.String("run", run.RunName),
		logger.String("run_id", run.ID),
		logger.String("project", project),
		logger.Int("jobs", len(all)),
	)
	return run, nil
}

func replicaCount(runSpec *models.RunSpec) int {
	if runSpec.Configuration.Replicas < 1 {
		return 1
	}
	return runSpec.Configuration.Replicas
}

// withRun runs fn on the freshly loaded run under the run guard, waiting
// briefly if the run is being processed
func (c *Controller) withRun(ctx context.Context, id string, fn func(run *models.Run) error) error {
	return retry.Do(
		func() error {
			ran, err := c.guard.Do(id, func() error {
				run, err := c.store.GetRun(ctx, id)
				if err != nil {
					return errors.Wrapf(err, "failed to load run %s", id)
				}
				return fn(run)
			})
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ran {
				return ErrBusy
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
	)
}

// StopRun records a stop or abort request. The next pass terminates the jobs.
func (c *Controller) StopRun(ctx context.Context, id string, abort bool) error {
	return c.withRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsFinished() || run.StopRequested {
			return nil
		}
		run.StopRequested = true
		run.Status = models.RunStatusTerminating
		run.TerminationReason = models.RunTerminationStoppedByUser
		if abort {
			run.TerminationReason = models.RunTerminationAbortedByUser
		}
		c.log.Info("Run stop requested", logger.String("run", run.RunName), logger.Bool("abort", abort))
		return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
	})
}

// DeleteRun hides a finished run
func (c *Controller) DeleteRun(ctx context.Context, id string) error {
	return c.withRun(ctx, id, func(run *models.Run) error {
		if !run.Status.IsFinished() {
			return errors.Wrapf(ErrRunActive, "%s", run.RunName)
		}
		run.Deleted = true
		return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
	})
}

// ScaleRun changes the desired replica count of a service
func (c *Controller) ScaleRun(ctx context.Context, id string, replicas int) error {
	return c.withRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsFinished() || run.Status == models.RunStatusTerminating {
			return errors.Wrapf(ErrRunFinished, "%s", run.RunName)
		}
		if run.Spec.Configuration.Type != models.ConfigurationService {
			return &spec.ConfigurationError{Field: "replicas", Msg: "only services can be scaled"}
		}
		if replicas < 0 {
			return &spec.ConfigurationError{Field: "replicas", Msg: "must not be negative"}
		}
		run.DesiredReplicaCount = replicas
		run.Spec.Configuration.Replicas = replicas
		return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
	})
}

// ApplyRunSpec replaces the run spec and starts a new deployment. Jobs of the
// previous deployment keep running until the new one is up.
func (c *Controller) ApplyRunSpec(ctx context.Context, id string, runSpec *models.RunSpec) error {
	return c.withRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsFinished() || run.Status == models.RunStatusTerminating {
			return errors.Wrapf(ErrRunFinished, "%s", run.RunName)
		}
		if runSpec.Configuration.Type != run.Spec.Configuration.Type {
			return &spec.ConfigurationError{Field: "type", Msg: "cannot change the configuration type of a run"}
		}
		runSpec.RunName = run.RunName
		run.Spec = *runSpec
		run.DeploymentNum++
		run.DesiredReplicaCount = replicaCount(runSpec)
		run.Priority = runSpec.Profile.Priority
		c.log.Info("New deployment", logger.String("run", run.RunName), logger.Int("deployment", run.DeploymentNum))
		return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
	})
}

// ReportJobSignal records a readiness or exit signal from the job's runner
func (c *Controller) ReportJobSignal(ctx context.Context, jobID string, signal models.RunnerSignal) error {
	return c.jobs.RecordSignal(ctx, jobID, signal)
}

// GetRun returns a run by ID
func (c *Controller) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return c.store.GetRun(ctx, id)
}

// ListRuns lists runs
func (c *Controller) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, error) {
	return c.store.ListRuns(ctx, filter)
}

// ListJobs lists all submissions of a run's jobs
func (c *Controller) ListJobs(ctx context.Context, runID string) ([]*models.Job, error) {
	return c.store.ListJobs(ctx, repository.JobFilter{RunID: runID})
}

// ListJobEvents returns the transition history of a job
func (c *Controller) ListJobEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) {
	return c.store.ListJobEvents(ctx, jobID, limit)
}

// ProcessRun reconciles one run. ran is false if the run was held by another worker.
func (c *Controller) ProcessRun(ctx context.Context, id string) (ran bool, err error) {
	return c.guard.Do(id, func() error {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to load run %s", id)
		}
		if run.Status.IsFinished() {
			return nil
		}
		all, err := c.store.ListJobs(ctx, repository.JobFilter{RunID: run.ID})
		if err != nil {
			return errors.Wrap(err, "failed to list jobs")
		}
		if run.Status == models.RunStatusTerminating {
			return c.processTerminatingRun(ctx, run, all)
		}
		return c.processActiveRun(ctx, run, all)
	})
}

// replica is the latest submission of each node of one replica
type replica struct {
	num  int
	jobs []*models.Job
}

func (r *replica) deployment() int {
	return r.jobs[0].DeploymentNum
}

func (r *replica) scaledDown() bool {
	for _, j := range r.jobs {
		if j.TerminationReason == models.JobTerminationScaledDown {
			return true
		}
	}
	return false
}

func (r *replica) all(statuses ...models.JobStatus) bool {
	for _, j := range r.jobs {
		found := false
		for _, s := range statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *replica) finished() bool {
	for _, j := range r.jobs {
		if !j.Status.IsFinished() {
			return false
		}
	}
	return true
}

// latestReplicas groups the latest submission of every slot by replica
func latestReplicas(all []*models.Job) []*replica {
	latest := make(map[string]*models.Job)
	for _, j := range all {
		if cur, ok := latest[j.SlotKey()]; !ok || j.SubmissionNum > cur.SubmissionNum {
			latest[j.SlotKey()] = j
		}
	}
	byNum := make(map[int]*replica)
	for _, j := range latest {
		r, ok := byNum[j.ReplicaNum]
		if !ok {
			r = &replica{num: j.ReplicaNum}
			byNum[j.ReplicaNum] = r
		}
		r.jobs = append(r.jobs, j)
	}
	out := make([]*replica, 0, len(byNum))
	for _, r := range byNum {
		sort.Slice(r.jobs, func(i, k int) bool { return r.jobs[i].JobNum < r.jobs[k].JobNum })
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].num < out[k].num })
	return out
}

func (c *Controller) processActiveRun(ctx context.Context, run *models.Run, all []*models.Job) error {
	now := c.now()
	replicas := latestReplicas(all)
	log := c.log.WithFields(logger.String("run", run.RunName), logger.String("run_id", run.ID))

	// Failed slots are resubmitted while the run's retry window allows,
	// otherwise the whole run fails. Replicas of an older deployment are left
	// to the rollout drain.
	for _, r := range replicas {
		if r.scaledDown() || r.deployment() != run.DeploymentNum {
			continue
		}
		for _, j := range r.jobs {
			if j.Status == models.JobStatusTerminated || j.Status == models.JobStatusAborted {
				reason := models.RunTerminationServerError
				if j.TerminationReason == models.JobTerminationMaxDurationExceeded {
					reason = models.RunTerminationMaxDurationExceeded
				}
				return c.terminateRun(ctx, run, reason)
			}
			if j.Status != models.JobStatusFailed {
				continue
			}
			event, retryable := j.TerminationReason.RetryEvent()
			if retryable && retrypolicy.ShouldRetry(run.Spec.Profile.Retry, event, j.FirstSubmittedAt, now) {
				if _, err := c.jobs.Resubmit(ctx, j); err != nil && !errors.Is(err, jobs.ErrSlotOccupied) {
					return err
				}
				continue
			}
			reason := models.RunTerminationJobFailed
			if retryable && run.Spec.Profile.Retry != nil {
				reason = models.RunTerminationRetryLimitExceeded
			}
			log.Info("Run failed",
				logger.String("job", j.Name()),
				logger.String("job_reason", string(j.TerminationReason)),
				logger.String("reason", string(reason)),
			)
			return c.terminateRun(ctx, run, reason)
		}
	}

	var current, old []*replica
	maxNum := -1
	for _, r := range replicas {
		if r.num > maxNum {
			maxNum = r.num
		}
		if r.scaledDown() {
			continue
		}
		if r.deployment() == run.DeploymentNum {
			current = append(current, r)
		} else if !r.finished() {
			old = append(old, r)
		}
	}

	// Tasks finish when every job of the current deployment is done
	if len(current) > 0 && len(old) == 0 && run.Spec.Configuration.Type == models.ConfigurationTask {
		done := true
		for _, r := range current {
			if !r.all(models.JobStatusDone) {
				done = false
				break
			}
		}
		if done {
			return c.terminateRun(ctx, run, models.RunTerminationAllJobsDone)
		}
	}

	// Scale the current deployment to the desired replica count
	for n := len(current); n < run.DesiredReplicaCount; n++ {
		maxNum++
		created := jobs.NewReplicaJobs(run, maxNum, now)
		for _, j := range created {
			if err := c.store.CreateJob(ctx, j, models.NewJobEvent(j, "", fmt.Sprintf("replica %d of deployment %d", maxNum, run.DeploymentNum))); err != nil {
				return errors.Wrapf(err, "failed to create job %s", j.Name())
			}
			c.metrics.JobTransition("", j.Status)
		}
		current = append(current, &replica{num: maxNum, jobs: created})
		log.Info("Replica created", logger.Int("replica", maxNum), logger.Int("deployment", run.DeploymentNum))
	}
	if len(current) > run.DesiredReplicaCount {
		excess := current[run.DesiredReplicaCount:]
		current = current[:run.DesiredReplicaCount]
		for _, r := range excess {
			c.terminateReplica(ctx, r, models.JobTerminationScaledDown, "replica count reduced")
		}
	}

	// Old replicas are drained only once the new deployment fully serves
	running := 0
	for _, r := range current {
		if r.all(models.JobStatusRunning) {
			running++
		}
	}
	if len(old) > 0 && running >= run.DesiredReplicaCount {
		for _, r := range old {
			c.terminateReplica(ctx, r, models.JobTerminationScaledDown, fmt.Sprintf("replaced by deployment %d", run.DeploymentNum))
		}
		log.Info("Rolling deployment completed", logger.Int("deployment", run.DeploymentNum), logger.Int("drained", len(old)))
	}

	status := aggregate(current)
	if run.Status == models.RunStatusRunning && len(old) > 0 {
		// old replicas keep serving during the rollout
		status = models.RunStatusRunning
	}
	if status != run.Status {
		log.Info("Run status changed", logger.String("from", string(run.Status)), logger.String("to", string(status)))
	}
	run.Status = status
	run.LastProcessedAt = now
	return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
}

// aggregate derives the run status from the current replicas
func aggregate(current []*replica) models.RunStatus {
	if len(current) == 0 {
		return models.RunStatusRunning
	}
	allRunning, anyStarted, anySubmitted := true, false, false
	for _, r := range current {
		for _, j := range r.jobs {
			switch j.Status {
			case models.JobStatusRunning, models.JobStatusDone:
				anyStarted = true
			case models.JobStatusProvisioning, models.JobStatusPulling:
				anyStarted = true
				allRunning = false
			case models.JobStatusSubmitted:
				anySubmitted = true
				allRunning = false
			default:
				allRunning = false
			}
		}
	}
	switch {
	case allRunning:
		return models.RunStatusRunning
	case anyStarted:
		return models.RunStatusProvisioning
	case anySubmitted:
		return models.RunStatusSubmitted
	}
	return models.RunStatusPending
}

func (c *Controller) terminateReplica(ctx context.Context, r *replica, reason models.JobTerminationReason, message string) {
	for _, j := range r.jobs {
		if j.Status.IsFinished() {
			continue
		}
		if err := c.jobs.TerminateJob(ctx, j.ID, reason, message); err != nil && !errors.Is(err, jobs.ErrBusy) {
			c.log.Warn("Failed to terminate job", logger.String("job", j.Name()), logger.Error(err))
		}
	}
}

// terminateRun moves the run to TERMINATING and tears its jobs down
func (c *Controller) terminateRun(ctx context.Context, run *models.Run, reason models.RunTerminationReason) error {
	run.Status = models.RunStatusTerminating
	run.TerminationReason = reason
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return errors.Wrap(err, "failed to update run")
	}
	all, err := c.store.ListJobs(ctx, repository.JobFilter{RunID: run.ID})
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	return c.processTerminatingRun(ctx, run, all)
}

// processTerminatingRun terminates the run's remaining jobs and finishes the
// run once all of them are terminal
func (c *Controller) processTerminatingRun(ctx context.Context, run *models.Run, all []*models.Job) error {
	jobReason := run.TerminationReason.JobReason()
	finished := true
	for _, j := range all {
		if j.Status.IsFinished() {
			continue
		}
		finished = false
		if j.Status == models.JobStatusTerminating {
			continue
		}
		if err := c.jobs.TerminateJob(ctx, j.ID, jobReason, ""); err != nil && !errors.Is(err, jobs.ErrBusy) {
			c.log.Warn("Failed to terminate job", logger.String("job", j.Name()), logger.Error(err))
		}
	}

	run.LastProcessedAt = c.now()
	if finished {
		run.Status = run.TerminationReason.ToStatus()
		if err := c.placements.MarkRunGroupsDeleted(ctx, run.ID); err != nil {
			c.log.Warn("Failed to mark placement groups for deletion", logger.String("run", run.RunName), logger.Error(err))
		}
		c.log.Info("Run finished",
			logger.String("run", run.RunName),
			logger.String("status", string(run.Status)),
			logger.String("reason", string(run.TerminationReason)),
		)
	}
	return errors.Wrap(c.store.UpdateRun(ctx, run), "failed to update run")
}
