// Package scheduler runs the background loop that advances runs, jobs,
// pool instances and placement groups.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/jobs"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/placement"
	"fleet-orchestrator/core/pool"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/runs"
)

const (
	DefaultTickInterval = 5 * time.Second
	DefaultWorkers      = 8
	DefaultQueueSize    = 256
)

// Config configures the scheduler loop
type Config struct {
	TickInterval time.Duration
	Workers      int
	QueueSize    int // capacity of the worker channel
	Now          func() time.Time
}

// Scheduler loads due entities every tick and hands them to a bounded pool
// of workers. Backend calls only happen on worker goroutines.
type Scheduler struct {
	cfg        Config
	store      repository.Store
	runs       *runs.Controller
	jobs       *jobs.Processor
	pool       *pool.Manager
	placements *placement.Manager
	backends   *backends.Set
	groups     *guard.Registry
	work       chan *Unit
	metrics    *monitoring.Metrics
	log        *logger.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(
	cfg Config,
	store repository.Store,
	controller *runs.Controller,
	processor *jobs.Processor,
	poolManager *pool.Manager,
	placements *placement.Manager,
	set *backends.Set,
	metrics *monitoring.Metrics,
	log *logger.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		runs:       controller,
		jobs:       processor,
		pool:       poolManager,
		placements: placements,
		backends:   set,
		groups:     guard.NewRegistry("placement_group"),
		work:       make(chan *Unit, cfg.QueueSize),
		metrics:    metrics,
		log:        log.Named("scheduler"),
		stopChan:   make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called. It returns
// after in-flight units have finished.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	defer func() {
		close(s.work)
		s.wg.Wait()
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("Scheduler started",
		logger.Duration("tick_interval", s.cfg.TickInterval),
		logger.Int("workers", s.cfg.Workers),
	)
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Tick loads everything due and dispatches it to the workers
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { s.metrics.ObserveStep("tick", time.Since(start)) }()

	queue, err := s.load(ctx)
	if err != nil {
		s.log.Error("Failed to load work", logger.Error(err))
		return
	}
	size := queue.Size()
	dispatched := s.dispatch(queue)
	if dispatched < size {
		s.log.Warn("Work queue full", logger.Int("due", size), logger.Int("dispatched", dispatched))
	}
	if err := s.pool.PublishMetrics(ctx); err != nil {
		s.log.Warn("Failed to publish pool metrics", logger.Error(err))
	}
}

// load lists the due runs, jobs, instances and placement groups concurrently
func (s *Scheduler) load(ctx context.Context) (*WorkQueue, error) {
	now := s.cfg.Now().UTC()
	queue := NewWorkQueue()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		active, err := s.store.ListRuns(ctx, repository.RunFilter{Statuses: models.ActiveRunStatuses})
		if err != nil {
			return errors.Wrap(err, "failed to list runs")
		}
		for _, r := range active {
			queue.Enqueue(&Unit{Kind: KindRun, ID: r.ID, Priority: r.Priority, LastProcessedAt: r.LastProcessedAt})
		}
		return nil
	})
	g.Go(func() error {
		active, err := s.store.ListJobs(ctx, repository.JobFilter{Statuses: models.ActiveJobStatuses})
		if err != nil {
			return errors.Wrap(err, "failed to list jobs")
		}
		for _, j := range active {
			if !s.jobs.Eligible(j, now) {
				continue
			}
			queue.Enqueue(&Unit{Kind: KindJob, ID: j.ID, Priority: j.Priority, LastProcessedAt: j.LastProcessedAt})
		}
		return nil
	})
	g.Go(func() error {
		instances, err := s.pool.Processable(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to list instances")
		}
		for _, inst := range instances {
			queue.Enqueue(&Unit{Kind: KindInstance, ID: inst.ID, LastProcessedAt: inst.LastJobProcessedAt})
		}
		return nil
	})
	g.Go(func() error {
		groups, err := s.placements.PendingDeletion(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to list placement groups")
		}
		for _, pg := range groups {
			queue.Enqueue(&Unit{Kind: KindPlacementGroup, ID: pg.ID, group: pg})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return queue, nil
}

// dispatch hands queued units to the workers without blocking. Units that do
// not fit wait for the next tick.
func (s *Scheduler) dispatch(queue *WorkQueue) int {
	dispatched := 0
	for u := queue.PopUnit(); u != nil; u = queue.PopUnit() {
		select {
		case s.work <- u:
			dispatched++
		default:
			s.metrics.DispatchSkipped(string(u.Kind), "queue_full")
		}
	}
	return dispatched
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for u := range s.work {
		s.process(ctx, u)
	}
}

// process runs one unit. Errors and panics are logged and never stop the loop.
func (s *Scheduler) process(ctx context.Context, u *Unit) {
	start := time.Now()
	log := s.log.WithFields(logger.String("kind", string(u.Kind)), logger.String("id", u.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic", logger.String("panic", fmt.Sprint(r)))
		}
		s.metrics.ObserveStep(string(u.Kind), time.Since(start))
	}()

	var ran bool
	var err error
	switch u.Kind {
	case KindRun:
		ran, err = s.runs.ProcessRun(ctx, u.ID)
	case KindJob:
		ran, err = s.jobs.ProcessJob(ctx, u.ID)
	case KindInstance:
		ran, err = s.pool.ProcessInstance(ctx, u.ID, s.cfg.Now().UTC())
	case KindPlacementGroup:
		ran, err = s.groups.Do(u.ID, func() error {
			return s.placements.DeleteGroup(ctx, u.group, s.backends)
		})
	default:
		log.Warn("Unknown unit kind")
		return
	}
	if !ran {
		s.metrics.DispatchSkipped(string(u.Kind), "busy")
		log.Debug("Skipped, held by another worker")
		return
	}
	if err != nil {
		log.Warn("Processing failed", logger.Error(err))
	}
}
