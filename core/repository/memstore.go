package repository

import (
	"context"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

const (
	runsTable            = "runs"
	jobsTable            = "jobs"
	jobEventsTable       = "job_events"
	placementGroupsTable = "placement_groups"
	instancesTable       = "instances"

	idIndex   = "id"
	runIndex  = "run"  // jobs and placement groups by run id
	nameIndex = "name" // placement groups by unique name
)

// MemStore is an in-memory Store built on go-memdb. Objects are copied on the
// way in and out so callers never share state with the store.
type MemStore struct {
	db          *memdb.MemDB
	nextEventID int64 // guarded by the memdb writer lock
}

// NewMemStore creates an empty in-memory store
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemStore{db: db}, nil
}

func memStoreSchema() *memdb.DBSchema {
	idOnly := func(name string) *memdb.TableSchema {
		return &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		}
	}

	jobs := idOnly(jobsTable)
	jobs.Indexes[runIndex] = &memdb.IndexSchema{Name: runIndex, Indexer: &memdb.StringFieldIndex{Field: "RunID"}}

	groups := idOnly(placementGroupsTable)
	groups.Indexes[runIndex] = &memdb.IndexSchema{Name: runIndex, Indexer: &memdb.StringFieldIndex{Field: "RunID"}}
	groups.Indexes[nameIndex] = &memdb.IndexSchema{Name: nameIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}}

	events := &memdb.TableSchema{
		Name: jobEventsTable,
		Indexes: map[string]*memdb.IndexSchema{
			idIndex:  {Name: idIndex, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
			"job_id": {Name: "job_id", Indexer: &memdb.StringFieldIndex{Field: "JobID"}},
		},
	}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			runsTable:            idOnly(runsTable),
			jobsTable:            jobs,
			jobEventsTable:       events,
			placementGroupsTable: groups,
			instancesTable:       idOnly(instancesTable),
		},
	}
}

// Close is a no-op
func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateRun(ctx context.Context, run *models.Run, jobs []*models.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, _ := txn.First(runsTable, idIndex, run.ID); existing != nil {
		return errors.Wrapf(ErrConflict, "run %s", run.ID)
	}
	if err := txn.Insert(runsTable, cloneRun(run)); err != nil {
		return errors.WithStack(err)
	}
	for _, job := range jobs {
		if err := s.insertJob(txn, job, models.NewJobEvent(job, "", "job_created")); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(runsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneRun(raw.(*models.Run)), nil
}

func (s *MemStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(runsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*models.Run
	for obj := it.Next(); obj != nil; obj = it.Next() {
		run := obj.(*models.Run)
		if filter.ProjectName != "" && run.ProjectName != filter.ProjectName {
			continue
		}
		if !runStatusIn(run.Status, filter.Statuses) {
			continue
		}
		if run.Deleted && !filter.IncludeDeleted {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) UpdateRun(ctx context.Context, run *models.Run) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(runsTable, idIndex, run.ID); existing == nil {
		return ErrNotFound
	}
	if err := txn.Insert(runsTable, cloneRun(run)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) CreateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := s.insertJob(txn, job, event); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) insertJob(txn *memdb.Txn, job *models.Job, event *models.JobEvent) error {
	if existing, _ := txn.First(jobsTable, idIndex, job.ID); existing != nil {
		return errors.Wrapf(ErrConflict, "job %s", job.ID)
	}
	if err := txn.Insert(jobsTable, cloneJob(job)); err != nil {
		return errors.WithStack(err)
	}
	return s.insertEvent(txn, event)
}

func (s *MemStore) insertEvent(txn *memdb.Txn, event *models.JobEvent) error {
	if event == nil {
		return nil
	}
	s.nextEventID++
	ev := *event
	ev.ID = s.nextEventID
	event.ID = ev.ID
	return errors.WithStack(txn.Insert(jobEventsTable, &ev))
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneJob(raw.(*models.Job)), nil
}

func (s *MemStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	txn := s.db.Txn(false)
	var it memdb.ResultIterator
	var err error
	if filter.RunID != "" {
		it, err = txn.Get(jobsTable, runIndex, filter.RunID)
	} else {
		it, err = txn.Get(jobsTable, idIndex)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []*models.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := obj.(*models.Job)
		if !jobStatusIn(job.Status, filter.Statuses) {
			continue
		}
		if filter.ReplicaNum != nil && job.ReplicaNum != *filter.ReplicaNum {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastProcessedAt.Equal(b.LastProcessedAt) {
			return a.LastProcessedAt.Before(b.LastProcessedAt)
		}
		if a.ReplicaNum != b.ReplicaNum {
			return a.ReplicaNum < b.ReplicaNum
		}
		if a.JobNum != b.JobNum {
			return a.JobNum < b.JobNum
		}
		return a.SubmissionNum < b.SubmissionNum
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) UpdateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(jobsTable, idIndex, job.ID); existing == nil {
		return ErrNotFound
	}
	if err := txn.Insert(jobsTable, cloneJob(job)); err != nil {
		return errors.WithStack(err)
	}
	if err := s.insertEvent(txn, event); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListJobEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(jobEventsTable, "job_id", jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*models.JobEvent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ev := *obj.(*models.JobEvent)
		out = append(out, &ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(placementGroupsTable, nameIndex, group.Name); existing != nil {
		return errors.Wrapf(ErrConflict, "placement group %s", group.Name)
	}
	if err := txn.Insert(placementGroupsTable, clonePlacementGroup(group)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListPlacementGroups(ctx context.Context, filter PlacementGroupFilter) ([]*models.PlacementGroup, error) {
	txn := s.db.Txn(false)
	var it memdb.ResultIterator
	var err error
	if filter.RunID != "" {
		it, err = txn.Get(placementGroupsTable, runIndex, filter.RunID)
	} else {
		it, err = txn.Get(placementGroupsTable, idIndex)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []*models.PlacementGroup
	for obj := it.Next(); obj != nil; obj = it.Next() {
		pg := obj.(*models.PlacementGroup)
		if filter.Backend != "" && pg.Configuration.Backend != filter.Backend {
			continue
		}
		if filter.Region != "" && pg.Configuration.Region != filter.Region {
			continue
		}
		if filter.FleetDeleted != nil && pg.FleetDeleted != *filter.FleetDeleted {
			continue
		}
		if pg.Deleted && !filter.IncludeDeleted {
			continue
		}
		out = append(out, clonePlacementGroup(pg))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(placementGroupsTable, idIndex, group.ID); existing == nil {
		return ErrNotFound
	}
	if err := txn.Insert(placementGroupsTable, clonePlacementGroup(group)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(instancesTable, idIndex, inst.ID); existing != nil {
		return errors.Wrapf(ErrConflict, "instance %s", inst.ID)
	}
	if err := txn.Insert(instancesTable, cloneInstance(inst)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(instancesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneInstance(raw.(*models.Instance)), nil
}

func (s *MemStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(instancesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*models.Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		inst := obj.(*models.Instance)
		if filter.ProjectName != "" && inst.ProjectName != filter.ProjectName {
			continue
		}
		if filter.Backend != "" && inst.Backend != filter.Backend {
			continue
		}
		if !instanceStatusIn(inst.Status, filter.Statuses) {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if existing, _ := txn.First(instancesTable, idIndex, inst.ID); existing == nil {
		return ErrNotFound
	}
	if err := txn.Insert(instancesTable, cloneInstance(inst)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func cloneRun(r *models.Run) *models.Run {
	c := *r
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.ProvisioningData != nil {
		pd := *j.ProvisioningData
		c.ProvisioningData = &pd
	}
	if j.Signal != nil {
		sig := *j.Signal
		c.Signal = &sig
	}
	if j.ProvisionedAt != nil {
		t := *j.ProvisionedAt
		c.ProvisionedAt = &t
	}
	if j.RunningStartedAt != nil {
		t := *j.RunningStartedAt
		c.RunningStartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func clonePlacementGroup(pg *models.PlacementGroup) *models.PlacementGroup {
	c := *pg
	if pg.ProvisioningData != nil {
		pd := *pg.ProvisioningData
		c.ProvisioningData = &pd
	}
	if pg.DeletedAt != nil {
		t := *pg.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneInstance(inst *models.Instance) *models.Instance {
	c := *inst
	if inst.ProvisioningData != nil {
		pd := *inst.ProvisioningData
		c.ProvisioningData = &pd
	}
	if inst.FinishedAt != nil {
		t := *inst.FinishedAt
		c.FinishedAt = &t
	}
	if inst.JobBlocks != nil {
		c.JobBlocks = make(map[string]int, len(inst.JobBlocks))
		for k, v := range inst.JobBlocks {
			c.JobBlocks[k] = v
		}
	}
	return &c
}

var _ Store = (*MemStore)(nil)
var _ Store = (*PostgresStore)(nil)
