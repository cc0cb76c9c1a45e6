package placement

import (
	"context"
	"sync"
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

func setup(t *testing.T) (*Manager, *repository.MemStore, *backendtest.Compute) {
	t.Helper()
	store, err := repository.NewMemStore()
	require.NoError(t, err)
	m := NewManager(store, nil, logger.NewNop())
	m.DeleteDelay = time.Millisecond
	return m, store, backendtest.New(models.BackendAWS)
}

func testRun() *models.Run {
	return &models.Run{ID: "run-1", ProjectName: "main", RunName: "train"}
}

func TestGetOrCreateGroupReuse(t *testing.T) {
	m, _, aws := setup(t)
	ctx := context.Background()
	backend := aws.Backend(true)

	first, err := m.GetOrCreateGroup(ctx, testRun(), backend, "us-east-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Contains(t, first.Name, "train-us-east-1-")

	second, err := m.GetOrCreateGroup(ctx, testRun(), backend, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := m.GetOrCreateGroup(ctx, testRun(), backend, "us-west-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, other.Name)

	created, _ := aws.PlacementGroupCounts()
	assert.Equal(t, 2, created)
}

func TestGetOrCreateGroupConcurrent(t *testing.T) {
	m, _, aws := setup(t)
	backend := aws.Backend(true)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.GetOrCreateGroup(context.Background(), testRun(), backend, "us-east-1")
			if assert.NoError(t, err) {
				ids[i] = g.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	created, _ := aws.PlacementGroupCounts()
	assert.Equal(t, 1, created)
}

func TestGetOrCreateGroupUnsupported(t *testing.T) {
	m, _, aws := setup(t)
	g, err := m.GetOrCreateGroup(context.Background(), testRun(), aws.Backend(false), "us-east-1")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestDeleteLifecycle(t *testing.T) {
	m, store, aws := setup(t)
	ctx := context.Background()
	set := backends.NewSet(aws.Backend(true))

	g, err := m.GetOrCreateGroup(ctx, testRun(), aws.Backend(true), "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, 1, m.locks.Count())
	require.NoError(t, m.MarkRunGroupsDeleted(ctx, "run-1"))
	assert.Equal(t, 0, m.locks.Count(), "finished runs drop their creation lock")
	pending, err := m.PendingDeletion(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	aws.FailDeletePlacementGroup(errors.New("dependency violation"))
	err = m.ProcessDeletedGroups(ctx, set)
	require.Error(t, err)
	pending, _ = m.PendingDeletion(ctx)
	assert.Len(t, pending, 1, "failed deletion stays marked")

	aws.FailDeletePlacementGroup(nil)
	require.NoError(t, m.ProcessDeletedGroups(ctx, set))
	pending, _ = m.PendingDeletion(ctx)
	assert.Empty(t, pending)

	_, deleted := aws.PlacementGroupCounts()
	assert.Equal(t, 1, deleted)

	all, err := store.ListPlacementGroups(ctx, repository.PlacementGroupFilter{RunID: "run-1", IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, g.ID, all[0].ID)
	assert.True(t, all[0].Deleted)
	assert.NotNil(t, all[0].DeletedAt)

	// A new group is created after the old one was marked
	fresh, err := m.GetOrCreateGroup(ctx, testRun(), aws.Backend(true), "us-east-1")
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, fresh.ID)
}
