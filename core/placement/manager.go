// Package placement manages the placement groups of multi-node runs.
package placement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/repository"
)

const maxNameAttempts = 3

// Manager creates, reuses and deletes placement groups. A run gets at most one
// live group per (backend, region).
type Manager struct {
	store   repository.Store
	metrics *monitoring.Metrics
	log     *logger.Logger

	// per-run creation locks, dropped when the run's groups are marked deleted
	locks cmap.ConcurrentMap[string, *sync.Mutex]

	// Backend-side deletion retries
	DeleteAttempts uint
	DeleteDelay    time.Duration
}

// NewManager creates a placement group manager
func NewManager(store repository.Store, metrics *monitoring.Metrics, log *logger.Logger) *Manager {
	return &Manager{
		store:          store,
		metrics:        metrics,
		log:            log.Named("placement"),
		locks:          cmap.New[*sync.Mutex](),
		DeleteAttempts: 3,
		DeleteDelay:    time.Second,
	}
}

func (m *Manager) lock(key string) func() {
	mu := m.locks.Upsert(key, nil, func(exist bool, inMap, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return inMap
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

// GetOrCreateGroup returns the run's live group for (backend, region), creating
// it on the backend if none exists. It returns nil if the backend does not
// support placement groups.
func (m *Manager) GetOrCreateGroup(ctx context.Context, run *models.Run, backend backends.Backend, region string) (*models.PlacementGroup, error) {
	if !backend.SupportsPlacementGroups {
		return nil, nil
	}
	unlock := m.lock(run.ID)
	defer unlock()

	live := false
	groups, err := m.store.ListPlacementGroups(ctx, repository.PlacementGroupFilter{
		RunID:        run.ID,
		Backend:      backend.Type,
		Region:       region,
		FleetDeleted: &live,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list placement groups")
	}

	var group *models.PlacementGroup
	if len(groups) > 0 {
		group = groups[0]
		if group.ProvisioningData != nil {
			return group, nil
		}
	} else {
		group, err = m.reserve(ctx, run, backend.Type, region)
		if err != nil {
			return nil, err
		}
	}

	data, err := backend.Compute.CreatePlacementGroup(ctx, group)
	if err != nil {
		m.metrics.BackendFailure(backend.Type, "create_placement_group")
		if errors.Is(err, backends.ErrNotSupported) {
			m.discard(ctx, group)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to create placement group %s", group.Name)
	}
	group.ProvisioningData = data
	if err := m.store.UpdatePlacementGroup(ctx, group); err != nil {
		return nil, errors.Wrapf(err, "failed to save placement group %s", group.Name)
	}

	m.log.Info("Created placement group",
		logger.String("name", group.Name),
		logger.String("run", run.RunName),
		logger.String("backend", string(backend.Type)),
		logger.String("region", region),
	)
	return group, nil
}

// reserve stores a group record under a fresh unique name before the backend
// call so the name is claimed even if the process dies mid-create
func (m *Manager) reserve(ctx context.Context, run *models.Run, backend models.BackendType, region string) (*models.PlacementGroup, error) {
	var lastErr error
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		group := &models.PlacementGroup{
			ID:          uuid.New().String(),
			Name:        groupName(run.RunName, region),
			ProjectName: run.ProjectName,
			RunID:       run.ID,
			Configuration: models.PlacementGroupConfiguration{
				Backend:  backend,
				Region:   region,
				Strategy: models.PlacementStrategyCluster,
			},
			CreatedAt: time.Now().UTC(),
		}
		err := m.store.CreatePlacementGroup(ctx, group)
		if err == nil {
			return group, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, errors.Wrap(err, "failed to store placement group")
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "failed to find a free placement group name")
}

func (m *Manager) discard(ctx context.Context, group *models.PlacementGroup) {
	now := time.Now().UTC()
	group.FleetDeleted = true
	group.Deleted = true
	group.DeletedAt = &now
	if err := m.store.UpdatePlacementGroup(ctx, group); err != nil {
		m.log.Warn("Failed to discard placement group", logger.String("name", group.Name), logger.Error(err))
	}
}

func groupName(runName, region string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", runName, region, suffix)
}

// MarkRunGroupsDeleted schedules every live group of the run for backend deletion
func (m *Manager) MarkRunGroupsDeleted(ctx context.Context, runID string) error {
	live := false
	groups, err := m.store.ListPlacementGroups(ctx, repository.PlacementGroupFilter{RunID: runID, FleetDeleted: &live})
	if err != nil {
		return errors.Wrap(err, "failed to list placement groups")
	}
	var result *multierror.Error
	for _, g := range groups {
		g.FleetDeleted = true
		if err := m.store.UpdatePlacementGroup(ctx, g); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "placement group %s", g.Name))
		}
	}
	if result.ErrorOrNil() == nil {
		m.locks.Remove(runID)
	}
	return result.ErrorOrNil()
}

// PendingDeletion lists groups marked for deletion that still exist backend-side
func (m *Manager) PendingDeletion(ctx context.Context) ([]*models.PlacementGroup, error) {
	marked := true
	return m.store.ListPlacementGroups(ctx, repository.PlacementGroupFilter{FleetDeleted: &marked})
}

// DeleteGroup deletes one marked group on its backend and records the deletion.
// A failed deletion leaves the group marked so a later sweep retries it.
func (m *Manager) DeleteGroup(ctx context.Context, group *models.PlacementGroup, set *backends.Set) error {
	if group.ProvisioningData != nil {
		backend, ok := set.Get(group.Configuration.Backend)
		if !ok {
			return errors.Errorf("placement group %s: backend %s is not configured", group.Name, group.Configuration.Backend)
		}
		err := retry.Do(
			func() error { return backend.Compute.DeletePlacementGroup(ctx, group) },
			retry.Context(ctx),
			retry.Attempts(m.DeleteAttempts),
			retry.Delay(m.DeleteDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !errors.Is(err, backends.ErrNotSupported) }),
		)
		if err != nil && !errors.Is(err, backends.ErrNotSupported) {
			m.metrics.PlacementGroupDeletion(group.Configuration.Backend, err)
			return errors.Wrapf(err, "failed to delete placement group %s", group.Name)
		}
		m.metrics.PlacementGroupDeletion(group.Configuration.Backend, nil)
	}

	now := time.Now().UTC()
	group.Deleted = true
	group.DeletedAt = &now
	if err := m.store.UpdatePlacementGroup(ctx, group); err != nil {
		return errors.Wrapf(err, "failed to save placement group %s", group.Name)
	}
	m.log.Info("Deleted placement group", logger.String("name", group.Name))
	return nil
}

// ProcessDeletedGroups sweeps all marked groups once
func (m *Manager) ProcessDeletedGroups(ctx context.Context, set *backends.Set) error {
	groups, err := m.PendingDeletion(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list placement groups")
	}
	var result *multierror.Error
	for _, g := range groups {
		if err := m.DeleteGroup(ctx, g, set); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
