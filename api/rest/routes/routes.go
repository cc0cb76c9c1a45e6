package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-orchestrator/api/rest/handlers"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/repository"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	r *mux.Router,
	runs handlers.RunService,
	store repository.Store,
	gatherer prometheus.Gatherer,
	log *logger.Logger,
) {
	log = log.Named("api")
	runHandler := handlers.NewRunHandler(runs, log)
	jobHandler := handlers.NewJobHandler(runs, log)
	dashboardHandler := handlers.NewDashboardHandler(store, log)

	r.Use(accessLog(log))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/projects/{project}/runs", runHandler.SubmitRun).Methods("POST")
	api.HandleFunc("/projects/{project}/runs", runHandler.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", runHandler.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", runHandler.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/jobs", runHandler.ListRunJobs).Methods("GET")
	api.HandleFunc("/runs/{id}/stop", runHandler.StopRun).Methods("POST")
	api.HandleFunc("/runs/{id}/scale", runHandler.ScaleRun).Methods("POST")
	api.HandleFunc("/runs/{id}/apply", runHandler.ApplyRun).Methods("POST")

	// Job endpoints
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}/signal", jobHandler.ReportSignal).Methods("POST")

	// Dashboard endpoints
	api.HandleFunc("/projects/{project}/costs", dashboardHandler.GetCostMetrics).Methods("GET")
	api.HandleFunc("/projects/{project}/instances", dashboardHandler.ListInstances).Methods("GET")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("Request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", rec.status),
				logger.Duration("took", time.Since(start)),
			)
		})
	}
}
