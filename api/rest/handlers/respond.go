package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"fleet-orchestrator/core/jobs"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/core/runs"
	"fleet-orchestrator/core/spec"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := http.StatusInternalServerError
	var confErr *spec.ConfigurationError
	switch {
	case errors.As(err, &confErr):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runs.ErrRunExists), errors.Is(err, runs.ErrRunActive), errors.Is(err, runs.ErrRunFinished):
		status = http.StatusConflict
	case errors.Is(err, runs.ErrBusy), errors.Is(err, jobs.ErrBusy):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed", logger.Error(err))
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &spec.ConfigurationError{Msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &spec.ConfigurationError{Field: key, Msg: "must be a non-negative integer"}
	}
	return n, nil
}
