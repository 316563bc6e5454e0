package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/core/queue"
	"github.com/dondendo89/qa-playwright/core/repository"
	"github.com/dondendo89/qa-playwright/core/scheduler"
)

// RunReader is the read side of the run ledger
type RunReader interface {
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRunEvents(ctx context.Context, runID string) ([]*models.RunEvent, error)
	ListRunArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error)
	ListScenarioRuns(ctx context.Context, scenarioID string, limit int) ([]*models.Run, error)
}

// Trigger enqueues a scenario outside its schedule
type Trigger interface {
	Trigger(ctx context.Context, sc *models.Scenario) (*queue.Job, error)
}

// ArtifactLinker turns a stored artifact reference into a fetchable link
type ArtifactLinker interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	ledger  RunReader
	trigger Trigger
	links   ArtifactLinker
	logger  *zap.SugaredLogger
}

// NewRunHandler creates a new run handler
func NewRunHandler(ledger RunReader, trigger Trigger, logger *zap.SugaredLogger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RunHandler{ledger: ledger, trigger: trigger, logger: logger.Named("api")}
}

// WithArtifactLinks makes artifact listings carry a fresh url per artifact
func (h *RunHandler) WithArtifactLinks(links ArtifactLinker) *RunHandler {
	h.links = links
	return h
}

type runResponse struct {
	ID          string              `json:"id"`
	ScenarioID  string              `json:"scenario_id"`
	Status      models.RunStatus    `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMs  *int64              `json:"duration_ms,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Results     *models.RunCounters `json:"results,omitempty"`
	Logs        *string             `json:"logs,omitempty"`
}

func toRunResponse(run *models.Run, withLogs bool) runResponse {
	resp := runResponse{
		ID:          run.ID,
		ScenarioID:  run.ScenarioID,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		DurationMs:  run.DurationMs,
		Error:       run.Error,
		Results:     run.Counters,
	}
	if withLogs {
		resp.Logs = run.Logs
	}
	return resp
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run, true))
}

// GetRunEvents handles GET /v1/runs/{id}/events
func (h *RunHandler) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	events, err := h.ledger.ListRunEvents(r.Context(), run.ID)
	if err != nil {
		h.serverError(w, "Failed to fetch events", err)
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

// GetRunArtifacts handles GET /v1/runs/{id}/artifacts
func (h *RunHandler) GetRunArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	artifacts, err := h.ledger.ListRunArtifacts(r.Context(), run.ID)
	if err != nil {
		h.serverError(w, "Failed to fetch artifacts", err)
		return
	}

	typeFilter := models.ArtifactType(r.URL.Query().Get("type"))
	items := make([]map[string]interface{}, 0, len(artifacts))
	for _, artifact := range artifacts {
		if typeFilter != "" && artifact.Type != typeFilter {
			continue
		}
		item := map[string]interface{}{
			"id":         artifact.ID,
			"type":       artifact.Type,
			"path":       artifact.Path,
			"url":        artifact.Path,
			"size":       artifact.Size,
			"created_at": artifact.CreatedAt,
		}
		if h.links != nil {
			link, err := h.links.Resolve(r.Context(), artifact.Path)
			if err != nil {
				h.logger.Warnw("Failed to resolve artifact link", "artifact_id", artifact.ID, "error", err)
				delete(item, "url")
			} else {
				item["url"] = link
			}
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// ListScenarioRuns handles GET /v1/scenarios/{id}/runs
func (h *RunHandler) ListScenarioRuns(w http.ResponseWriter, r *http.Request) {
	scenarioID := mux.Vars(r)["id"]

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.ledger.ListScenarioRuns(r.Context(), scenarioID, limit)
	if err != nil {
		h.serverError(w, "Failed to list runs", err)
		return
	}

	items := make([]runResponse, len(runs))
	for i, run := range runs {
		items[i] = toRunResponse(run, false)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// TriggerScenario handles POST /v1/scenarios/{id}/trigger
func (h *RunHandler) TriggerScenario(w http.ResponseWriter, r *http.Request) {
	scenarioID := mux.Vars(r)["id"]

	sc, err := h.ledger.GetScenario(r.Context(), scenarioID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Scenario not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, "Failed to load scenario", err)
		return
	}
	if !sc.Active {
		http.Error(w, "Scenario is inactive", http.StatusConflict)
		return
	}

	job, err := h.trigger.Trigger(r.Context(), sc)
	switch {
	case errors.Is(err, scheduler.ErrInFlight), errors.Is(err, scheduler.ErrLocked):
		http.Error(w, "Scenario already queued or running", http.StatusConflict)
		return
	case err != nil:
		h.serverError(w, "Failed to enqueue scenario", err)
		return
	}

	h.logger.Infow("Scenario triggered", "scenario_id", sc.ID, "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":      job.ID,
		"scenario_id": sc.ID,
		"enqueued_at": job.EnqueuedAt,
	})
}

func (h *RunHandler) loadRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	run, err := h.ledger.GetRun(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.serverError(w, "Failed to load run", err)
		return nil, false
	}
	return run, true
}

func (h *RunHandler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Errorw(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
