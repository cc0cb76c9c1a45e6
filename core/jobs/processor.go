// Package jobs drives the lifecycle of individual jobs: provisioning on the
// cheapest viable offer, following runner signals, and teardown.
package jobs

import (
	"context"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/offers"
	"fleet-orchestrator/core/placement"
	"fleet-orchestrator/core/pool"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/retry"
)

// DefaultMaxOffersTried bounds the offers one provisioning attempt walks through
const DefaultMaxOffersTried = 15

var (
	// ErrSlotOccupied is returned when resubmitting a slot that still has a live job
	ErrSlotOccupied = errors.New("slot already has an active job")
	// ErrBusy is returned when the job is being processed by another worker
	ErrBusy = errors.New("job is being processed")
)

// Config configures the job processor
type Config struct {
	PendingBackoff time.Duration
	MaxOffersTried int
	Timeouts       retry.Timeouts
	Now            func() time.Time
}

// Processor runs the job state machine. Every mutation of a job goes through
// the processor's guard so a job is never updated by two workers at once.
type Processor struct {
	cfg        Config
	store      repository.Store
	backends   *backends.Set
	selector   *offers.Selector
	placements *placement.Manager
	pool       *pool.Manager
	guard      *guard.Registry
	metrics    *monitoring.Metrics
	log        *logger.Logger
}

// NewProcessor creates a job processor
func NewProcessor(
	cfg Config,
	store repository.Store,
	set *backends.Set,
	selector *offers.Selector,
	placements *placement.Manager,
	pool *pool.Manager,
	jobsGuard *guard.Registry,
	metrics *monitoring.Metrics,
	log *logger.Logger,
) *Processor {
	if cfg.PendingBackoff <= 0 {
		cfg.PendingBackoff = retry.DefaultPendingBackoff
	}
	if cfg.MaxOffersTried <= 0 {
		cfg.MaxOffersTried = DefaultMaxOffersTried
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		backends:   set,
		selector:   selector,
		placements: placements,
		pool:       pool,
		guard:      jobsGuard,
		metrics:    metrics,
		log:        log.Named("jobs"),
	}
}

func (p *Processor) now() time.Time {
	return p.cfg.Now().UTC()
}

// Eligible reports whether a job is due for processing at now. Pending jobs
// wait out the backoff since their last attempt.
func (p *Processor) Eligible(job *models.Job, now time.Time) bool {
	if job.Status == models.JobStatusPending {
		return !now.Before(job.LastProcessedAt.Add(p.cfg.PendingBackoff))
	}
	return !job.Status.IsFinished()
}

// ProcessJob loads the job and advances it by one step. ran is false if the
// job was held by another worker.
func (p *Processor) ProcessJob(ctx context.Context, id string) (ran bool, err error) {
	return p.guard.Do(id, func() error {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to load job %s", id)
		}
		switch job.Status {
		case models.JobStatusPending, models.JobStatusSubmitted:
			return p.ProcessSubmittedJob(ctx, job)
		case models.JobStatusProvisioning, models.JobStatusPulling, models.JobStatusRunning:
			return p.ProcessRunningJob(ctx, job)
		case models.JobStatusTerminating:
			return p.ProcessTerminatingJob(ctx, job)
		}
		return nil
	})
}

// transition commits a status change together with its audit event
func (p *Processor) transition(ctx context.Context, job *models.Job, to models.JobStatus, reason string) error {
	from := job.Status
	now := p.now()
	job.Status = to
	job.LastProcessedAt = now
	if to.IsFinished() && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	if err := p.store.UpdateJob(ctx, job, models.NewJobEvent(job, from, reason)); err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.Name())
	}
	p.metrics.JobTransition(from, to)
	p.log.Info("Job status changed",
		logger.String("job", job.Name()),
		logger.String("job_id", job.ID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("reason", reason),
	)
	return nil
}

// touch advances last_processed_at without a status change
func (p *Processor) touch(ctx context.Context, job *models.Job) error {
	job.LastProcessedAt = p.now()
	return errors.Wrapf(p.store.UpdateJob(ctx, job, nil), "failed to update job %s", job.Name())
}

// ProcessSubmittedJob tries to provision a PENDING or SUBMITTED job
func (p *Processor) ProcessSubmittedJob(ctx context.Context, job *models.Job) error {
	now := p.now()
	if job.Status == models.JobStatusPending {
		if !p.Eligible(job, now) {
			return nil
		}
		if err := p.transition(ctx, job, models.JobStatusSubmitted, "submitted"); err != nil {
			return err
		}
	}
	if job.Status != models.JobStatusSubmitted {
		return nil
	}
	if adopted, err := p.adopt(ctx, job); adopted || err != nil {
		return err
	}

	run, err := p.store.GetRun(ctx, job.RunID)
	if err != nil {
		return errors.Wrapf(err, "failed to load run %s", job.RunID)
	}
	if run.Status.IsFinished() || run.Status == models.RunStatusTerminating {
		// the run controller terminates the job
		return p.touch(ctx, job)
	}

	log := p.log.WithFields(logger.String("job", job.Name()), logger.String("run_id", run.ID))

	var master *models.Job
	if !job.IsMaster() {
		master, err = p.masterJob(ctx, job)
		if err != nil {
			return err
		}
		if master == nil || master.ProvisioningData == nil {
			log.Debug("Waiting for master job to be provisioned")
			return p.touch(ctx, job)
		}
	}

	candidates, err := p.candidates(ctx, run, job, master)
	if err != nil {
		return err
	}

	reason := models.JobTerminationFailedToStartNoCapacity
	message := "no offers matched the requirements"
	tried := 0
	for _, c := range candidates {
		if !c.Offer.Availability.IsProvisionable() {
			continue
		}
		if tried >= p.cfg.MaxOffersTried {
			break
		}
		tried++

		log.Info("Trying offer",
			logger.String("backend", string(c.Backend.Type)),
			logger.String("region", c.Offer.Region),
			logger.String("instance_type", c.Offer.InstanceType),
			logger.Float64("price", c.Offer.Price),
			logger.String("availability", string(c.Offer.Availability)),
		)
		err := p.provision(ctx, run, job, master, c)
		if err == nil {
			provisionedAt := p.now()
			job.ProvisionedAt = &provisionedAt
			return p.transition(ctx, job, models.JobStatusProvisioning,
				fmt.Sprintf("provisioned on %s %s %s", c.Backend.Type, c.Offer.Region, c.Offer.InstanceType))
		}
		if backends.IsNoCapacity(err) {
			log.Info("Offer has no capacity", logger.Error(err))
			message = err.Error()
			continue
		}
		log.Warn("Failed to provision job", logger.Error(err))
		reason = models.JobTerminationProvisioningError
		message = err.Error()
		break
	}

	return p.failSubmission(ctx, job, reason, message, now)
}

// adopt picks up an instance that already holds blocks for the job. This is
// the state left behind when the process stopped after the instance was
// recorded but before the job moved to PROVISIONING.
func (p *Processor) adopt(ctx context.Context, job *models.Job) (bool, error) {
	inst, err := p.pool.JobInstance(ctx, job)
	if err != nil || inst == nil {
		return false, err
	}
	total := inst.TotalBlocks
	if total < 1 {
		total = 1
	}
	blocks := inst.JobBlocks[job.ID]
	data := models.JobProvisioningData{Backend: inst.Backend, Region: inst.Region, InstanceType: inst.InstanceType}
	if inst.ProvisioningData != nil {
		data = *inst.ProvisioningData
	}
	data.Resources = inst.Resources.Slice(blocks, total)
	data.Price = inst.Price * float64(blocks) / float64(total)

	job.ProvisioningData = &data
	job.InstanceID = inst.ID
	job.InstanceBlocks = blocks
	provisionedAt := p.now()
	job.ProvisionedAt = &provisionedAt
	p.log.Warn("Adopting instance already assigned to job",
		logger.String("job", job.Name()),
		logger.String("instance", inst.Name),
	)
	return true, p.transition(ctx, job, models.JobStatusProvisioning, "adopted instance "+inst.Name)
}

// failSubmission puts the job back to PENDING if the retry policy allows,
// otherwise fails it with the reason and the backend's message
func (p *Processor) failSubmission(ctx context.Context, job *models.Job, reason models.JobTerminationReason, message string, now time.Time) error {
	event, _ := reason.RetryEvent()
	if retry.ShouldRetry(job.Spec.Retry, event, job.FirstSubmittedAt, now) {
		job.TerminationMessage = message
		return p.transition(ctx, job, models.JobStatusPending, "retrying: "+string(reason))
	}
	job.TerminationReason = reason
	job.TerminationMessage = message
	return p.transition(ctx, job, reason.ToStatus(), string(reason))
}

// masterJob returns the live submission of node 0 of the job's replica
func (p *Processor) masterJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	replica := job.ReplicaNum
	jobs, err := p.store.ListJobs(ctx, repository.JobFilter{RunID: job.RunID, ReplicaNum: &replica})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list replica jobs")
	}
	var master *models.Job
	for _, j := range jobs {
		if j.JobNum != 0 || j.DeploymentNum != job.DeploymentNum || j.Status.IsFinished() {
			continue
		}
		if master == nil || j.SubmissionNum > master.SubmissionNum {
			master = j
		}
	}
	return master, nil
}

// candidates merges pool and backend offers. Worker nodes are restricted to
// the backend and region of their master.
func (p *Processor) candidates(ctx context.Context, run *models.Run, job *models.Job, master *models.Job) ([]offers.Candidate, error) {
	profile := run.Spec.Profile
	req := job.Spec.Requirements
	allowedBackends := profile.Backends
	regions := profile.Regions
	if master != nil {
		allowedBackends = []models.BackendType{master.ProvisioningData.Backend}
		regions = []string{master.ProvisioningData.Region}
	}

	var out []offers.Candidate
	if run.JobsPerReplica() == 1 {
		idle, err := p.pool.IdleCandidates(ctx, run, req, job.Spec.SpotPolicy)
		if err != nil {
			return nil, err
		}
		out = append(out, idle...)
	}
	if profile.CreationPolicy != models.CreationPolicyReuse {
		fresh := p.selector.GetInstanceCandidates(ctx, req, job.Spec.SpotPolicy, p.backends.Filter(allowedBackends))
		for _, c := range fresh {
			if len(regions) == 0 || containsString(regions, c.Offer.Region) {
				out = append(out, c)
			}
		}
	}
	offers.Rank(out)
	return out, nil
}

func containsString(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// provision runs the job on one candidate and records where it landed
func (p *Processor) provision(ctx context.Context, run *models.Run, job *models.Job, master *models.Job, c offers.Candidate) (err error) {
	env := job.Spec.Env
	withClusterEnv(job, master, c.Offer.Resources)
	defer func() {
		if err != nil {
			job.Spec.Env = env
		}
	}()

	if c.Offer.InstanceID != "" {
		data, err := p.pool.AssignJob(ctx, job, c.Offer)
		if err != nil {
			return err
		}
		job.ProvisioningData = data
		job.InstanceID = c.Offer.InstanceID
		job.InstanceBlocks = c.Offer.Blocks
		return nil
	}

	var group *models.PlacementGroup
	if run.JobsPerReplica() > 1 {
		group, err = p.placements.GetOrCreateGroup(ctx, run, c.Backend, c.Offer.Region)
		if err != nil {
			return err
		}
	}

	data, err := c.Backend.Compute.RunJob(ctx, run, job, c.Offer, group)
	if err != nil {
		if !backends.IsNoCapacity(err) {
			p.metrics.BackendFailure(c.Backend.Type, "run_job")
		}
		return err
	}

	inst, err := p.pool.RegisterInstance(ctx, run, job, c.Offer, data)
	if err != nil {
		// Nothing tracks the instance, so tear it down right away
		if terr := c.Backend.Compute.TerminateInstance(ctx, data.InstanceID, data.Region, data.BackendData); terr != nil {
			p.log.Error("Failed to terminate untracked instance",
				logger.String("instance_id", data.InstanceID),
				logger.Error(terr),
			)
		}
		return err
	}

	job.ProvisioningData = data
	job.InstanceID = inst.ID
	job.InstanceBlocks = inst.BusyBlocks
	if group != nil {
		job.PlacementGroup = group.Name
	}
	return nil
}

// ProcessRunningJob follows runner signals and enforces the provisioning
// timeout and max duration
func (p *Processor) ProcessRunningJob(ctx context.Context, job *models.Job) error {
	now := p.now()

	if sig := job.Signal; sig != nil {
		switch sig.State {
		case models.RunnerSignalDone:
			return p.terminate(ctx, job, models.JobTerminationDoneByRunner, sig.Message)
		case models.RunnerSignalInterrupted:
			return p.terminate(ctx, job, models.JobTerminationInterruptedByNoCapacity, sig.Message)
		case models.RunnerSignalFailed:
			reason := models.JobTerminationExecutorError
			message := sig.Message
			if sig.ExitCode != nil {
				reason = models.JobTerminationContainerExitedError
				message = fmt.Sprintf("exit code %d: %s", *sig.ExitCode, sig.Message)
			}
			return p.terminate(ctx, job, reason, message)
		}
	}

	switch job.Status {
	case models.JobStatusProvisioning:
		if job.Signal != nil {
			switch job.Signal.State {
			case models.RunnerSignalPulling:
				return p.transition(ctx, job, models.JobStatusPulling, "runner pulling image")
			case models.RunnerSignalRunning:
				return p.markRunning(ctx, job, now)
			}
		}
		if p.provisioningTimedOut(job, now) {
			return p.terminate(ctx, job, models.JobTerminationProvisioningTimeout,
				fmt.Sprintf("instance did not become ready within %s", p.provisioningTimeout(job)))
		}
	case models.JobStatusPulling:
		if job.Signal != nil && job.Signal.State == models.RunnerSignalRunning {
			return p.markRunning(ctx, job, now)
		}
		if p.provisioningTimedOut(job, now) {
			return p.terminate(ctx, job, models.JobTerminationProvisioningTimeout,
				fmt.Sprintf("container did not start within %s", p.provisioningTimeout(job)))
		}
	case models.JobStatusRunning:
		if limit := job.Spec.MaxDuration; limit != nil && job.RunningStartedAt != nil && now.Sub(*job.RunningStartedAt) > *limit {
			return p.terminate(ctx, job, models.JobTerminationMaxDurationExceeded,
				fmt.Sprintf("running longer than %s", *limit))
		}
	}
	return p.touch(ctx, job)
}

func (p *Processor) markRunning(ctx context.Context, job *models.Job, now time.Time) error {
	job.RunningStartedAt = &now
	return p.transition(ctx, job, models.JobStatusRunning, "runner started")
}

func (p *Processor) provisioningTimeout(job *models.Job) time.Duration {
	var backend models.BackendType
	var instanceType string
	if job.ProvisioningData != nil {
		backend = job.ProvisioningData.Backend
		instanceType = job.ProvisioningData.InstanceType
	}
	return p.cfg.Timeouts.ProvisioningTimeout(backend, instanceType)
}

func (p *Processor) provisioningTimedOut(job *models.Job, now time.Time) bool {
	start := job.SubmittedAt
	if job.ProvisionedAt != nil {
		start = *job.ProvisionedAt
	}
	return now.Sub(start) > p.provisioningTimeout(job)
}

// terminate moves a job to TERMINATING, or straight to its final status when
// it holds no instance
func (p *Processor) terminate(ctx context.Context, job *models.Job, reason models.JobTerminationReason, message string) error {
	job.TerminationReason = reason
	job.TerminationMessage = message
	if job.InstanceID == "" && !job.Status.HasInstance() {
		return p.transition(ctx, job, reason.ToStatus(), string(reason))
	}
	return p.transition(ctx, job, models.JobStatusTerminating, string(reason))
}

// ProcessTerminatingJob releases the job's instance and, when nothing should
// reuse it, tears the instance down. A failed teardown leaves the job
// TERMINATING for the next tick.
func (p *Processor) ProcessTerminatingJob(ctx context.Context, job *models.Job) error {
	if job.InstanceID != "" {
		inst, err := p.pool.Release(ctx, job)
		if err != nil {
			return err
		}
		if job.InstanceBlocks > 0 {
			job.InstanceBlocks = 0
			if err := p.touch(ctx, job); err != nil {
				return err
			}
		}
		if inst != nil && inst.Status.IsActive() && shouldTerminateInstance(job, inst) {
			if err := p.pool.TerminateInstance(ctx, inst.ID, string(job.TerminationReason)); err != nil {
				p.log.Warn("Failed to terminate instance, will retry",
					logger.String("job", job.Name()),
					logger.String("instance", inst.Name),
					logger.Error(err),
				)
				return p.touch(ctx, job)
			}
		}
	}
	return p.transition(ctx, job, job.TerminationReason.ToStatus(), string(job.TerminationReason))
}

// shouldTerminateInstance reports whether the job's instance should go away
// with the job rather than return to the pool
func shouldTerminateInstance(job *models.Job, inst *models.Instance) bool {
	if inst.BusyBlocks > 0 {
		return false
	}
	if inst.IdleTimeout() == 0 {
		return true
	}
	if job.TerminationReason == models.JobTerminationInterruptedByNoCapacity {
		return true
	}
	// never got to run; the instance may be broken
	return job.RunningStartedAt == nil
}

// TerminateJob requests termination of a job. It returns ErrBusy if the job
// is currently held by a worker; the caller retries on its next pass.
func (p *Processor) TerminateJob(ctx context.Context, id string, reason models.JobTerminationReason, message string) error {
	ran, err := p.guard.Do(id, func() error {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to load job %s", id)
		}
		if job.Status.IsFinished() || job.Status == models.JobStatusTerminating {
			return nil
		}
		return p.terminate(ctx, job, reason, message)
	})
	if err != nil {
		return err
	}
	if !ran {
		return ErrBusy
	}
	return nil
}

// Resubmit creates the next submission of a finished job's slot, carrying
// first_submitted_at so the retry window spans all submissions. It returns
// ErrSlotOccupied if the slot already has a non-terminal job.
func (p *Processor) Resubmit(ctx context.Context, prev *models.Job) (*models.Job, error) {
	replica := prev.ReplicaNum
	jobs, err := p.store.ListJobs(ctx, repository.JobFilter{
		RunID:      prev.RunID,
		ReplicaNum: &replica,
		Statuses:   models.ActiveJobStatuses,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list replica jobs")
	}
	for _, j := range jobs {
		if j.JobNum == prev.JobNum {
			return nil, errors.Wrapf(ErrSlotOccupied, "%s", prev.SlotKey())
		}
	}

	now := p.now()
	job := &models.Job{
		ID:               uuid.New().String(),
		RunID:            prev.RunID,
		ProjectName:      prev.ProjectName,
		RunName:          prev.RunName,
		ReplicaNum:       prev.ReplicaNum,
		JobNum:           prev.JobNum,
		DeploymentNum:    prev.DeploymentNum,
		SubmissionNum:    prev.SubmissionNum + 1,
		Priority:         prev.Priority,
		Spec:             prev.Spec,
		Status:           models.JobStatusPending,
		SubmittedAt:      now,
		FirstSubmittedAt: prev.FirstSubmittedAt,
		LastProcessedAt:  now,
	}
	reason := fmt.Sprintf("resubmitted after %s", prev.TerminationReason)
	if err := p.store.CreateJob(ctx, job, models.NewJobEvent(job, "", reason)); err != nil {
		return nil, errors.Wrapf(err, "failed to create job %s", job.Name())
	}
	p.metrics.JobTransition("", job.Status)
	p.log.Info("Resubmitted job",
		logger.String("job", job.Name()),
		logger.Int("submission", job.SubmissionNum),
		logger.String("previous_reason", string(prev.TerminationReason)),
	)
	return job, nil
}

// RecordSignal stores a runner signal on the job. The next processing pass
// acts on it. Recording waits briefly if the job is being processed.
func (p *Processor) RecordSignal(ctx context.Context, id string, signal models.RunnerSignal) error {
	if signal.ReportedAt.IsZero() {
		signal.ReportedAt = p.now()
	}
	return retrygo.Do(
		func() error {
			ran, err := p.guard.Do(id, func() error {
				job, err := p.store.GetJob(ctx, id)
				if err != nil {
					return errors.Wrapf(err, "failed to load job %s", id)
				}
				if job.Status.IsFinished() {
					return nil
				}
				job.Signal = &signal
				return errors.Wrapf(p.store.UpdateJob(ctx, job, nil), "failed to update job %s", id)
			})
			if err != nil {
				return retrygo.Unrecoverable(err)
			}
			if !ran {
				return ErrBusy
			}
			return nil
		},
		retrygo.Context(ctx),
		retrygo.Attempts(10),
		retrygo.Delay(50*time.Millisecond),
		retrygo.MaxDelay(time.Second),
		retrygo.LastErrorOnly(true),
	)
}
