package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/spec"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	runs RunService
	log  *logger.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(runs RunService, log *logger.Logger) *JobHandler {
	return &JobHandler{runs: runs, log: log}
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	events, err := h.runs.ListJobEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

var signalStates = map[models.RunnerSignalState]bool{
	models.RunnerSignalPulling:     true,
	models.RunnerSignalRunning:     true,
	models.RunnerSignalDone:        true,
	models.RunnerSignalFailed:      true,
	models.RunnerSignalInterrupted: true,
}

// ReportSignal handles POST /v1/jobs/{id}/signal, sent by the job's runner
func (h *JobHandler) ReportSignal(w http.ResponseWriter, r *http.Request) {
	var signal models.RunnerSignal
	if err := decode(r, &signal); err != nil {
		writeError(w, h.log, err)
		return
	}
	if !signalStates[signal.State] {
		writeError(w, h.log, &spec.ConfigurationError{Field: "state", Msg: "unknown runner state " + string(signal.State)})
		return
	}
	if err := h.runs.ReportJobSignal(r.Context(), mux.Vars(r)["id"], signal); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
