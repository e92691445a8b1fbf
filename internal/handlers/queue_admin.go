package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/queue"
)

const maxJobListing = 50

// QueueAdminHandler exposes the operational queue API.
type QueueAdminHandler struct {
	queue queue.Queue
}

// NewQueueAdminHandler creates the queue admin handler.
func NewQueueAdminHandler(q queue.Queue) *QueueAdminHandler {
	return &QueueAdminHandler{queue: q}
}

// queueAlerts derives the operator alert flags from raw metrics.
type queueAlerts struct {
	HighFailureRate   bool `json:"highFailureRate"`
	BacklogBuilding   bool `json:"backlogBuilding"`
	WorkersOverloaded bool `json:"workersOverloaded"`
}

func deriveAlerts(stats core.QueueStats, cfg queue.Config) queueAlerts {
	total := stats.Completed + stats.Failed
	var failureRate float64
	if total > 0 {
		failureRate = float64(stats.Failed) / float64(total)
	}
	return queueAlerts{
		HighFailureRate:   failureRate > 0.2,
		BacklogBuilding:   stats.Waiting+stats.Active > int64(cfg.BackpressureThreshold),
		WorkersOverloaded: stats.Active >= int64(cfg.MaxConcurrency),
	}
}

// Stats serves GET queue-stats.
func (h *QueueAdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	status := "healthy"
	if !h.queue.Healthy(r.Context()) {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"metrics": stats,
		"alerts":  deriveAlerts(stats, queue.DefaultConfig()),
	})
}

// Jobs serves GET queue-jobs?status=&limit=.
func (h *QueueAdminHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	limit := maxJobListing
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	status := core.JobStatus(r.URL.Query().Get("status"))
	jobs, err := h.queue.JobsByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Retry serves POST queue-retry/{jobId}.
func (h *QueueAdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := h.queue.Retry(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job":     job,
		"retried": true,
	})
}
