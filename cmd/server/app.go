package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fleet-orchestrator/api/rest/routes"
	"fleet-orchestrator/config"
	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/guard"
	"fleet-orchestrator/core/jobs"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/offers"
	"fleet-orchestrator/core/placement"
	"fleet-orchestrator/core/pool"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/retry"
	"fleet-orchestrator/core/runs"
	"fleet-orchestrator/core/scheduler"
)

// app is the wired server
type app struct {
	store      repository.Store
	backends   *backends.Set
	placements *placement.Manager
	controller *runs.Controller
	scheduler  *scheduler.Scheduler
	costs      *monitoring.CostTracker
	handler    http.Handler
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (repository.Store, error) {
	switch cfg.Type {
	case config.StorePostgres:
		db, err := repository.NewDB(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewPostgresStore(db), nil
	default:
		return repository.NewMemStore()
	}
}

func timeouts(cfg config.JobsConfig) retry.Timeouts {
	t := retry.DefaultTimeouts()
	if cfg.ProvisioningTimeout > 0 {
		t.Default = cfg.ProvisioningTimeout
	}
	if cfg.BareMetalTimeout > 0 {
		t.BareMetal = cfg.BareMetalTimeout
	}
	t.Backends = cfg.BackendTimeouts
	return t
}

// buildApp wires every component. Backends that fail to build are logged
// and left out; the server still starts with the rest.
func buildApp(ctx context.Context, cfg *config.Config, store repository.Store, registry *backends.Registry, log *logger.Logger) *app {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	set, err := registry.Build(ctx, cfg.Backends, log)
	if err != nil {
		log.Warn("Some backends are unavailable", logger.Error(err))
	}
	if len(set.All()) == 0 {
		log.Warn("No backends configured, jobs will wait for capacity")
	}

	selector := offers.NewSelector(offers.Config{Timeout: cfg.Offers.Timeout, CacheTTL: cfg.Offers.CacheTTL}, metrics, log)
	placements := placement.NewManager(store, metrics, log)
	poolManager := pool.NewManager(store, set, metrics, log)
	processor := jobs.NewProcessor(
		jobs.Config{
			PendingBackoff: cfg.Jobs.PendingBackoff,
			MaxOffersTried: cfg.Jobs.MaxOffersTried,
			Timeouts:       timeouts(cfg.Jobs),
		},
		store,
		set,
		selector,
		placements,
		poolManager,
		guard.NewRegistry("job"),
		metrics,
		log,
	)
	controller := runs.NewController(runs.Config{}, store, processor, placements, guard.NewRegistry("run"), metrics, log)
	sched := scheduler.NewScheduler(
		scheduler.Config{
			TickInterval: cfg.Scheduler.TickInterval,
			Workers:      cfg.Scheduler.Workers,
			QueueSize:    cfg.Scheduler.QueueSize,
		},
		store,
		controller,
		processor,
		poolManager,
		placements,
		set,
		metrics,
		log,
	)

	r := mux.NewRouter()
	routes.SetupRoutes(r, controller, store, reg, log)

	return &app{
		store:      store,
		backends:   set,
		placements: placements,
		controller: controller,
		scheduler:  sched,
		costs:      monitoring.NewCostTracker(store, metrics, log, cfg.Scheduler.CostInterval),
		handler:    r,
	}
}
