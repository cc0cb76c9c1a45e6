package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fleet-orchestrator/core/models"
)

const metricPrefix = "fleet"

// Metrics holds the orchestrator's Prometheus collectors.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	jobTransitions        *prometheus.CounterVec
	offersFetched         *prometheus.CounterVec
	backendFailures       *prometheus.CounterVec
	offersDuration        *prometheus.HistogramVec
	tickDuration          *prometheus.HistogramVec
	dispatchSkipped       *prometheus.CounterVec
	placementGroupDeletes *prometheus.CounterVec
	runCost               *prometheus.GaugeVec
	instances             *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "_job_transitions_total",
			Help: "Committed job status transitions.",
		}, []string{"from", "to"}),
		offersFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "_offers_fetched_total",
			Help: "Offers returned by backends.",
		}, []string{"backend"}),
		backendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "_backend_failures_total",
			Help: "Failed backend calls by operation.",
		}, []string{"backend", "operation"}),
		offersDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "_offers_duration_seconds",
			Help:    "Time to fetch offers from a backend.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "_scheduler_step_duration_seconds",
			Help:    "Duration of scheduler steps.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"step"}),
		dispatchSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "_scheduler_dispatch_skipped_total",
			Help: "Entities not dispatched because they were held or the queue was full.",
		}, []string{"kind", "reason"}),
		placementGroupDeletes: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "_placement_group_deletions_total",
			Help: "Backend-side placement group deletions by result.",
		}, []string{"backend", "result"}),
		runCost: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "_run_cost_usd",
			Help: "Accumulated cost of active runs.",
		}, []string{"project", "run"}),
		instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "_instances",
			Help: "Pool instances by backend and status.",
		}, []string{"backend", "status"}),
	}
}

// JobTransition counts a committed job status change
func (m *Metrics) JobTransition(from, to models.JobStatus) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// OffersFetched records a successful offers query
func (m *Metrics) OffersFetched(backend models.BackendType, n int, took time.Duration) {
	if m == nil {
		return
	}
	m.offersFetched.WithLabelValues(string(backend)).Add(float64(n))
	m.offersDuration.WithLabelValues(string(backend)).Observe(took.Seconds())
}

// BackendFailure counts a failed backend operation
func (m *Metrics) BackendFailure(backend models.BackendType, operation string) {
	if m == nil {
		return
	}
	m.backendFailures.WithLabelValues(string(backend), operation).Inc()
}

// ObserveStep records the duration of a scheduler step
func (m *Metrics) ObserveStep(step string, took time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(step).Observe(took.Seconds())
}

// DispatchSkipped counts an entity the scheduler did not dispatch this tick
func (m *Metrics) DispatchSkipped(kind, reason string) {
	if m == nil {
		return
	}
	m.dispatchSkipped.WithLabelValues(kind, reason).Inc()
}

// PlacementGroupDeletion records the outcome of a placement group deletion
func (m *Metrics) PlacementGroupDeletion(backend models.BackendType, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.placementGroupDeletes.WithLabelValues(string(backend), result).Inc()
}

// SetRunCost publishes the accumulated cost of a run
func (m *Metrics) SetRunCost(project, run string, usd float64) {
	if m == nil {
		return
	}
	m.runCost.WithLabelValues(project, run).Set(usd)
}

// DeleteRunCost removes the cost series of a finished run
func (m *Metrics) DeleteRunCost(project, run string) {
	if m == nil {
		return
	}
	m.runCost.DeleteLabelValues(project, run)
}

// SetInstanceCounts replaces the pool instance gauges
func (m *Metrics) SetInstanceCounts(counts map[models.BackendType]map[models.InstanceStatus]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for backend, byStatus := range counts {
		for status, n := range byStatus {
			m.instances.WithLabelValues(string(backend), string(status)).Set(float64(n))
		}
	}
}
