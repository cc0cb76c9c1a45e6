package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/spec"
)

// RunService is the run controller as seen by the API
type RunService interface {
	SubmitRun(ctx context.Context, project string, runSpec *models.RunSpec) (*models.Run, error)
	StopRun(ctx context.Context, id string, abort bool) error
	DeleteRun(ctx context.Context, id string) error
	ScaleRun(ctx context.Context, id string, replicas int) error
	ApplyRunSpec(ctx context.Context, id string, runSpec *models.RunSpec) error
	ReportJobSignal(ctx context.Context, jobID string, signal models.RunnerSignal) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, error)
	ListJobs(ctx context.Context, runID string) ([]*models.Job, error)
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error)
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	runs RunService
	log  *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs RunService, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, log: log}
}

// SubmitRunRequest is the body of a submit or apply request
type SubmitRunRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

func runSummary(run *models.Run) map[string]interface{} {
	return map[string]interface{}{
		"id":                 run.ID,
		"project":            run.ProjectName,
		"run_name":           run.RunName,
		"type":               run.Spec.Configuration.Type,
		"status":             run.Status,
		"replicas":           run.DesiredReplicaCount,
		"deployment_num":     run.DeploymentNum,
		"priority":           run.Priority,
		"termination_reason": run.TerminationReason,
		"submitted_at":       run.SubmittedAt,
	}
}

func jobSummary(job *models.Job) map[string]interface{} {
	item := map[string]interface{}{
		"id":                  job.ID,
		"name":                job.Name(),
		"replica_num":         job.ReplicaNum,
		"job_num":             job.JobNum,
		"deployment_num":      job.DeploymentNum,
		"submission_num":      job.SubmissionNum,
		"status":              job.Status,
		"termination_reason":  job.TerminationReason,
		"termination_message": job.TerminationMessage,
		"submitted_at":        job.SubmittedAt,
		"finished_at":         job.FinishedAt,
	}
	if d := job.ProvisioningData; d != nil {
		item["provisioning"] = map[string]interface{}{
			"backend":       d.Backend,
			"region":        d.Region,
			"instance_type": d.InstanceType,
			"instance_id":   d.InstanceID,
			"hostname":      d.Hostname,
			"price":         d.Price,
			"spot":          d.Resources.Spot,
			"resources":     d.Resources.String(),
		}
	}
	return item
}

// SubmitRun handles POST /v1/projects/{project}/runs
func (h *RunHandler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	runSpec, err := spec.ParseRunSpec(req.SpecYAML)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	run, err := h.runs.SubmitRun(r.Context(), mux.Vars(r)["project"], runSpec)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, runSummary(run))
}

// ListRuns handles GET /v1/projects/{project}/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	filter := repository.RunFilter{
		ProjectName:    mux.Vars(r)["project"],
		Limit:          limit,
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, models.RunStatus(s))
	}

	list, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	items := make([]map[string]interface{}, len(list))
	for i, run := range list {
		items[i] = runSummary(run)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	all, err := h.runs.ListJobs(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	response := runSummary(run)
	// latest submission of every slot
	latest := make(map[[3]int]*models.Job)
	for _, job := range all {
		key := [3]int{job.ReplicaNum, job.JobNum, job.DeploymentNum}
		if cur, ok := latest[key]; !ok || job.SubmissionNum > cur.SubmissionNum {
			latest[key] = job
		}
	}
	items := make([]map[string]interface{}, 0, len(latest))
	for _, job := range all {
		if latest[[3]int{job.ReplicaNum, job.JobNum, job.DeploymentNum}] == job {
			items = append(items, jobSummary(job))
		}
	}
	response["jobs"] = items
	response["spec_yaml"] = run.Spec.YAML
	writeJSON(w, http.StatusOK, response)
}

// ListRunJobs handles GET /v1/runs/{id}/jobs with every submission
func (h *RunHandler) ListRunJobs(w http.ResponseWriter, r *http.Request) {
	all, err := h.runs.ListJobs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	items := make([]map[string]interface{}, len(all))
	for i, job := range all {
		items[i] = jobSummary(job)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// StopRun handles POST /v1/runs/{id}/stop. ?abort=true aborts instead.
func (h *RunHandler) StopRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	abort, _ := strconv.ParseBool(r.URL.Query().Get("abort"))
	if err := h.runs.StopRun(r.Context(), id, abort); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "abort": abort})
}

// DeleteRun handles DELETE /v1/runs/{id}
func (h *RunHandler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.DeleteRun(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScaleRunRequest is the body of a scale request
type ScaleRunRequest struct {
	Replicas int `json:"replicas"`
}

// ScaleRun handles POST /v1/runs/{id}/scale
func (h *RunHandler) ScaleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ScaleRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.runs.ScaleRun(r.Context(), id, req.Replicas); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "replicas": req.Replicas})
}

// ApplyRun handles POST /v1/runs/{id}/apply, rolling out a new deployment
func (h *RunHandler) ApplyRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SubmitRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	runSpec, err := spec.ParseRunSpec(req.SpecYAML)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.runs.ApplyRunSpec(r.Context(), id, runSpec); err != nil {
		writeError(w, h.log, err)
		return
	}
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runSummary(run))
}
