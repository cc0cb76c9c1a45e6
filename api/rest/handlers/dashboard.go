package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/spec"
)

// DashboardHandler serves project-level cost and pool views
type DashboardHandler struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(store repository.Store, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{store: store, log: log, now: time.Now}
}

func parseTime(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &spec.ConfigurationError{Field: key, Msg: "must be an RFC3339 timestamp"}
	}
	return t, nil
}

// GetCostMetrics handles GET /v1/projects/{project}/costs. Runs submitted in
// [start_date, end_date] are included; the default period is the last 30 days.
func (h *DashboardHandler) GetCostMetrics(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	start, err := parseTime(r, "start_date", now.AddDate(0, 0, -30))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	end, err := parseTime(r, "end_date", now)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	list, err := h.store.ListRuns(r.Context(), repository.RunFilter{
		ProjectName:    mux.Vars(r)["project"],
		IncludeDeleted: true,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	total := decimal.Zero
	running := decimal.Zero
	activeRuns, finishedRuns := 0, 0
	items := make([]map[string]interface{}, 0, len(list))
	for _, run := range list {
		if run.SubmittedAt.Before(start) || run.SubmittedAt.After(end) {
			continue
		}
		all, err := h.store.ListJobs(r.Context(), repository.JobFilter{RunID: run.ID})
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		cost := monitoring.RunCost(all, now)
		total = total.Add(cost)
		if run.Status.IsFinished() {
			finishedRuns++
		} else {
			activeRuns++
			running = running.Add(cost)
		}
		usd, _ := cost.Float64()
		items = append(items, map[string]interface{}{
			"run_id":   run.ID,
			"run_name": run.RunName,
			"status":   run.Status,
			"cost_usd": usd,
		})
	}

	totalUSD, _ := total.Float64()
	runningUSD, _ := running.Float64()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": map[string]interface{}{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"costs": map[string]interface{}{
			"total_usd":   totalUSD,
			"running_usd": runningUSD,
		},
		"runs": map[string]interface{}{
			"active":   activeRuns,
			"finished": finishedRuns,
		},
		"items": items,
	})
}

// ListInstances handles GET /v1/projects/{project}/instances
func (h *DashboardHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	filter := repository.InstanceFilter{ProjectName: mux.Vars(r)["project"]}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, models.InstanceStatus(s))
	}
	list, err := h.store.ListInstances(r.Context(), filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	items := make([]map[string]interface{}, len(list))
	for i, inst := range list {
		items[i] = map[string]interface{}{
			"id":            inst.ID,
			"name":          inst.Name,
			"backend":       inst.Backend,
			"region":        inst.Region,
			"instance_type": inst.InstanceType,
			"resources":     inst.Resources.String(),
			"price":         inst.Price,
			"status":        inst.Status,
			"total_blocks":  inst.TotalBlocks,
			"busy_blocks":   inst.BusyBlocks,
			"created_at":    inst.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}
