// Package pool tracks provisioned instances so idle capacity can be reused by
// later jobs and torn down once it has been idle for too long.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/offers"
	"fleet-orchestrator/core/repository"
)

// ReasonIdleTimeout is recorded on instances terminated by the idle policy
const ReasonIdleTimeout = "idle_timeout"

// ErrInstanceBusy is returned by TerminateInstance while another worker is
// processing the same instance
var ErrInstanceBusy = errors.New("instance is being processed")

// Manager owns instance records and their block accounting
type Manager struct {
	store    repository.Store
	backends *backends.Set
	metrics  *monitoring.Metrics
	log      *logger.Logger

	// mu serialises block accounting so two jobs never claim the same free blocks
	mu sync.Mutex
	// instances is held for the whole of an instance's teardown
	instances *guard.Registry
}

// NewManager creates a pool manager
func NewManager(store repository.Store, set *backends.Set, metrics *monitoring.Metrics, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		backends:  set,
		metrics:   metrics,
		log:       log.Named("pool"),
		instances: guard.NewRegistry("instance"),
	}
}

// IdleCandidates returns offers backed by existing instances of the run's
// project that can host a job with the given requirements. Each instance is
// offered with the fewest free blocks that satisfy the requirements.
func (m *Manager) IdleCandidates(ctx context.Context, run *models.Run, req models.Requirements, spotPolicy models.SpotPolicy) ([]offers.Candidate, error) {
	instances, err := m.store.ListInstances(ctx, repository.InstanceFilter{
		ProjectName: run.ProjectName,
		Statuses:    []models.InstanceStatus{models.InstanceStatusIdle, models.InstanceStatusBusy},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}

	profile := run.Spec.Profile
	var out []offers.Candidate
	for _, inst := range instances {
		if !allowed(profile, inst) {
			continue
		}
		backend, ok := m.backends.Get(inst.Backend)
		if !ok {
			continue
		}
		offer, ok := fit(inst, req)
		if !ok || !spotPolicy.Allows(offer.Resources.Spot) {
			continue
		}
		out = append(out, offers.Candidate{Backend: backend, Offer: offer})
	}
	return out, nil
}

func allowed(profile models.Profile, inst *models.Instance) bool {
	if inst.FreeBlocks() < 1 {
		return false
	}
	if len(profile.Backends) > 0 && !contains(profile.Backends, inst.Backend) {
		return false
	}
	if len(profile.Regions) > 0 && !contains(profile.Regions, inst.Region) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// fit finds the smallest block count on inst that satisfies req
func fit(inst *models.Instance, req models.Requirements) (models.InstanceOfferWithAvailability, bool) {
	total := inst.TotalBlocks
	if total < 1 {
		total = 1
	}
	for blocks := 1; blocks <= inst.FreeBlocks(); blocks++ {
		res := inst.Resources.Slice(blocks, total)
		price := inst.Price * float64(blocks) / float64(total)
		if req.MaxPrice != nil && price > *req.MaxPrice {
			return models.InstanceOfferWithAvailability{}, false
		}
		if !req.Matches(res) {
			continue
		}
		return models.InstanceOfferWithAvailability{
			InstanceOffer: models.InstanceOffer{
				Backend:      inst.Backend,
				Region:       inst.Region,
				InstanceType: inst.InstanceType,
				Resources:    res,
				Price:        price,
			},
			Availability: models.AvailabilityIdle,
			InstanceID:   inst.ID,
			Blocks:       blocks,
			TotalBlocks:  total,
		}, true
	}
	return models.InstanceOfferWithAvailability{}, false
}

// AssignJob claims the offer's blocks on its instance for job and returns the
// provisioning data the job runs with. It returns a *backends.NoCapacityError
// if the blocks were taken since the offer was made.
func (m *Manager) AssignJob(ctx context.Context, job *models.Job, offer models.InstanceOfferWithAvailability) (*models.JobProvisioningData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.store.GetInstance(ctx, offer.InstanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load instance %s", offer.InstanceID)
	}
	if inst.Status != models.InstanceStatusIdle && inst.Status != models.InstanceStatusBusy {
		return nil, backends.NewNoCapacityError("instance %s is %s", inst.Name, inst.Status)
	}
	if inst.Holds(job.ID) {
		return nil, errors.Errorf("job %s already holds blocks on instance %s", job.Name(), inst.Name)
	}
	if inst.FreeBlocks() < offer.Blocks {
		return nil, backends.NewNoCapacityError("instance %s has %d free blocks, %d needed", inst.Name, inst.FreeBlocks(), offer.Blocks)
	}

	inst.Assign(job.ID, offer.Blocks)
	inst.Status = models.InstanceStatusBusy
	inst.LastJobProcessedAt = time.Now().UTC()
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "failed to update instance %s", inst.Name)
	}

	data := models.JobProvisioningData{Backend: inst.Backend, Region: inst.Region, InstanceType: inst.InstanceType}
	if inst.ProvisioningData != nil {
		data = *inst.ProvisioningData
	}
	data.Resources = offer.Resources
	data.Price = offer.Price

	m.log.Info("Assigned job to pooled instance",
		logger.String("job", job.Name()),
		logger.String("instance", inst.Name),
		logger.Int("blocks", offer.Blocks),
	)
	return &data, nil
}

// RegisterInstance records the instance a backend provisioned for job. The
// job holds all of its blocks.
func (m *Manager) RegisterInstance(ctx context.Context, run *models.Run, job *models.Job, offer models.InstanceOfferWithAvailability, data *models.JobProvisioningData) (*models.Instance, error) {
	total := offer.TotalBlocks
	if total < 1 {
		total = 1
	}
	now := time.Now().UTC()
	pd := *data
	inst := &models.Instance{
		ID:                 uuid.New().String(),
		Name:               job.Name(),
		ProjectName:        run.ProjectName,
		RunID:              run.ID,
		Backend:            data.Backend,
		Region:             data.Region,
		InstanceType:       data.InstanceType,
		Resources:          data.Resources,
		Price:              data.Price,
		Status:             models.InstanceStatusBusy,
		TotalBlocks:        total,
		ProvisioningData:   &pd,
		TerminationPolicy:  run.Spec.Profile.TerminationPolicy,
		IdleDuration:       run.Spec.Profile.IdleDuration,
		CreatedAt:          now,
		LastJobProcessedAt: now,
	}
	inst.Assign(job.ID, total)
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "failed to store instance %s", inst.Name)
	}
	return inst, nil
}

// Release returns the job's blocks to its instance. An instance with no busy
// blocks left becomes idle. Releasing a job twice is a no-op.
func (m *Manager) Release(ctx context.Context, job *models.Job) (*models.Instance, error) {
	if job.InstanceID == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.store.GetInstance(ctx, job.InstanceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load instance %s", job.InstanceID)
	}
	if !inst.Status.IsActive() {
		return inst, nil
	}

	if inst.Unassign(job.ID) == 0 {
		return inst, nil
	}
	if inst.BusyBlocks == 0 && inst.Status == models.InstanceStatusBusy {
		inst.Status = models.InstanceStatusIdle
	}
	inst.LastJobProcessedAt = time.Now().UTC()
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "failed to update instance %s", inst.Name)
	}
	return inst, nil
}

// JobInstance returns the active instance the job holds blocks on, or nil.
// It finds instances claimed for a job whose own transition was never
// committed.
func (m *Manager) JobInstance(ctx context.Context, job *models.Job) (*models.Instance, error) {
	instances, err := m.store.ListInstances(ctx, repository.InstanceFilter{
		ProjectName: job.ProjectName,
		Statuses:    []models.InstanceStatus{models.InstanceStatusIdle, models.InstanceStatusBusy},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	for _, inst := range instances {
		if inst.Holds(job.ID) {
			return inst, nil
		}
	}
	return nil, nil
}

// TerminateInstance tears the instance down on its backend. Terminating an
// instance that is already terminated is a no-op. On backend failure the
// instance stays TERMINATING and the error is returned. It returns
// ErrInstanceBusy if another worker is processing the instance.
func (m *Manager) TerminateInstance(ctx context.Context, id, reason string) error {
	ran, err := m.instances.Do(id, func() error {
		return m.terminate(ctx, id, reason)
	})
	if err != nil {
		return err
	}
	if !ran {
		return errors.Wrapf(ErrInstanceBusy, "instance %s", id)
	}
	return nil
}

// terminate runs with the instance held
func (m *Manager) terminate(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "failed to load instance %s", id)
	}
	if inst.Status == models.InstanceStatusTerminated {
		m.mu.Unlock()
		return nil
	}
	if inst.Status != models.InstanceStatusTerminating {
		inst.Status = models.InstanceStatusTerminating
		inst.TerminationReason = reason
		if err := m.store.UpdateInstance(ctx, inst); err != nil {
			m.mu.Unlock()
			return errors.Wrapf(err, "failed to update instance %s", inst.Name)
		}
	}
	m.mu.Unlock()

	if inst.ProvisioningData != nil {
		backend, ok := m.backends.Get(inst.Backend)
		if !ok {
			return errors.Errorf("instance %s: backend %s is not configured", inst.Name, inst.Backend)
		}
		pd := inst.ProvisioningData
		if err := backend.Compute.TerminateInstance(ctx, pd.InstanceID, pd.Region, pd.BackendData); err != nil {
			m.metrics.BackendFailure(inst.Backend, "terminate_instance")
			return errors.Wrapf(err, "failed to terminate instance %s", inst.Name)
		}
	}

	now := time.Now().UTC()
	inst.Status = models.InstanceStatusTerminated
	inst.BusyBlocks = 0
	inst.JobBlocks = nil
	inst.FinishedAt = &now
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return errors.Wrapf(err, "failed to update instance %s", inst.Name)
	}
	m.log.Info("Terminated instance",
		logger.String("instance", inst.Name),
		logger.String("backend", string(inst.Backend)),
		logger.String("reason", inst.TerminationReason),
	)
	return nil
}

// Processable lists instances the scheduler should look at: idle ones for
// the idle policy and terminating ones whose teardown has not finished
func (m *Manager) Processable(ctx context.Context) ([]*models.Instance, error) {
	return m.store.ListInstances(ctx, repository.InstanceFilter{
		Statuses: []models.InstanceStatus{models.InstanceStatusIdle, models.InstanceStatusTerminating},
	})
}

// ProcessInstance applies the termination policy to one instance. ran is
// false when another worker holds the instance.
func (m *Manager) ProcessInstance(ctx context.Context, id string, now time.Time) (ran bool, err error) {
	return m.instances.Do(id, func() error {
		return m.processInstance(ctx, id, now)
	})
}

func (m *Manager) processInstance(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "failed to load instance %s", id)
	}
	if inst.Status == models.InstanceStatusIdle {
		timeout := inst.IdleTimeout()
		if timeout == models.NeverTerminate || now.Sub(inst.LastJobProcessedAt) < timeout {
			m.mu.Unlock()
			return nil
		}
		// Marked under the lock so AssignJob cannot claim it in between
		inst.Status = models.InstanceStatusTerminating
		inst.TerminationReason = ReasonIdleTimeout
		if err := m.store.UpdateInstance(ctx, inst); err != nil {
			m.mu.Unlock()
			return errors.Wrapf(err, "failed to update instance %s", inst.Name)
		}
		m.log.Info("Instance idle timeout",
			logger.String("instance", inst.Name),
			logger.Duration("idle_duration", timeout),
		)
	}
	m.mu.Unlock()

	if inst.Status != models.InstanceStatusTerminating {
		return nil
	}
	return m.terminate(ctx, id, inst.TerminationReason)
}

// PublishMetrics refreshes the instance gauges
func (m *Manager) PublishMetrics(ctx context.Context) error {
	instances, err := m.store.ListInstances(ctx, repository.InstanceFilter{})
	if err != nil {
		return errors.Wrap(err, "failed to list instances")
	}
	counts := make(map[models.BackendType]map[models.InstanceStatus]int)
	for _, inst := range instances {
		if counts[inst.Backend] == nil {
			counts[inst.Backend] = make(map[models.InstanceStatus]int)
		}
		counts[inst.Backend][inst.Status]++
	}
	m.metrics.SetInstanceCounts(counts)
	return nil
}
