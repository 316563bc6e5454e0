package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dondendo89/qa-playwright/core/queue"
)

// Pinger checks a backing service
type Pinger interface {
	PingContext(ctx context.Context) error
}

// JobLister is the read side of the queue
type JobLister interface {
	ListJobs(ctx context.Context, states ...queue.JobState) ([]*queue.Job, error)
}

// PrometheusSource renders metrics in the Prometheus text format
type PrometheusSource interface {
	Prometheus(ctx context.Context) string
}

// OpsHandler serves health, metrics and queue inspection
type OpsHandler struct {
	db      Pinger
	jobs    JobLister
	metrics PrometheusSource
}

// NewOpsHandler creates a new ops handler. db may be nil.
func NewOpsHandler(db Pinger, jobs JobLister, metrics PrometheusSource) *OpsHandler {
	return &OpsHandler{db: db, jobs: jobs, metrics: metrics}
}

// Health handles GET /health
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": overall, "checks": checks})
}

// Metrics handles GET /metrics
func (h *OpsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(h.metrics.Prometheus(r.Context())))
}

// ListQueueJobs handles GET /v1/queue/jobs?state=waiting,active
func (h *OpsHandler) ListQueueJobs(w http.ResponseWriter, r *http.Request) {
	states := queue.InFlightStates
	if param := r.URL.Query().Get("state"); param != "" {
		states = nil
		for _, s := range strings.Split(param, ",") {
			state := queue.JobState(strings.TrimSpace(s))
			switch state {
			case queue.JobStateWaiting, queue.JobStateActive, queue.JobStateDelayed, queue.JobStateDead:
				states = append(states, state)
			default:
				http.Error(w, "Invalid state: "+string(state), http.StatusBadRequest)
				return
			}
		}
	}

	jobs, err := h.jobs.ListJobs(r.Context(), states...)
	if err != nil {
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": jobs})
}
