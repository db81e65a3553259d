package routes

import (
	"net/http"

	"fwi-orchestrator/api/rest/handlers"
	"fwi-orchestrator/core/controller"
	"fwi-orchestrator/core/monitoring"

	"github.com/gorilla/mux"
)

// SetupRoutes configures the read-only monitoring API
func SetupRoutes(r *mux.Router, ctrl *controller.Controller, jobs handlers.JobViewer, cps handlers.CheckpointViewer, metrics *monitoring.MetricsExporter) {
	statusHandler := handlers.NewStatusHandler(ctrl, jobs, cps)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	api.HandleFunc("/iterations/{id}", statusHandler.GetIteration).Methods("GET")
	api.HandleFunc("/iterations/{id}/jobs", statusHandler.ListIterationJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", statusHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/transitions", statusHandler.GetJobTransitions).Methods("GET")

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(metrics.PrometheusMetrics()))
	}).Methods("GET")
}
