package routes

import (
	"github.com/gorilla/mux"

	"github.com/dondendo89/qa-playwright/api/rest/handlers"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, runs *handlers.RunHandler, ops *handlers.OpsHandler) {
	r.HandleFunc("/health", ops.Health).Methods("GET")
	r.HandleFunc("/metrics", ops.Metrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/runs/{id}", runs.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/events", runs.GetRunEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", runs.GetRunArtifacts).Methods("GET")

	// Scenario endpoints
	api.HandleFunc("/scenarios/{id}/runs", runs.ListScenarioRuns).Methods("GET")
	api.HandleFunc("/scenarios/{id}/trigger", runs.TriggerScenario).Methods("POST")

	// Queue endpoints
	api.HandleFunc("/queue/jobs", ops.ListQueueJobs).Methods("GET")
}
