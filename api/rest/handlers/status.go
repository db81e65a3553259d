package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"fwi-orchestrator/core/controller"
	"fwi-orchestrator/core/models"

	"github.com/gorilla/mux"
)

// JobViewer is the read-only job store surface the API exposes
type JobViewer interface {
	GetJob(id string) (*models.Job, error)
	ListJobsByIteration(iterationID int) ([]*models.Job, error)
	GetJobTransitions(jobID string, limit int) ([]models.JobTransition, error)
}

// CheckpointViewer is the read-only checkpoint surface the API exposes
type CheckpointViewer interface {
	Latest() (*models.Checkpoint, bool, error)
	Get(iterationID int) (*models.Checkpoint, bool, error)
}

// StatusHandler serves the read-only monitoring endpoints. The API never
// mutates inversion state; all writes go through the controller.
type StatusHandler struct {
	ctrl *controller.Controller
	jobs JobViewer
	cps  CheckpointViewer
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(ctrl *controller.Controller, jobs JobViewer, cps CheckpointViewer) *StatusHandler {
	return &StatusHandler{ctrl: ctrl, jobs: jobs, cps: cps}
}

// GetStatus handles GET /v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ctrl.Status())
}

// GetIteration handles GET /v1/iterations/{id}
func (h *StatusHandler) GetIteration(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid iteration id", http.StatusBadRequest)
		return
	}

	cp, ok, err := h.cps.Get(id)
	if err != nil {
		http.Error(w, "Failed to read checkpoint: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Iteration not found", http.StatusNotFound)
		return
	}
	writeJSON(w, cp)
}

// ListIterationJobs handles GET /v1/iterations/{id}/jobs
func (h *StatusHandler) ListIterationJobs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid iteration id", http.StatusBadRequest)
		return
	}

	jobs, err := h.jobs.ListJobsByIteration(id)
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

// GetJob handles GET /v1/jobs/{id}
func (h *StatusHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.jobs.GetJob(id)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

// GetJobTransitions handles GET /v1/jobs/{id}/transitions
func (h *StatusHandler) GetJobTransitions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	transitions, err := h.jobs.GetJobTransitions(id, 100)
	if err != nil {
		http.Error(w, "Failed to read transitions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, transitions)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
