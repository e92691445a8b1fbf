package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/middleware"
	"github.com/reclaimly/backend/internal/queue"
)

// InlineRunner executes a detection pass synchronously when the queue is
// unavailable. *orchestrator.Orchestrator satisfies it.
type InlineRunner interface {
	RunInline(ctx context.Context, sellerID, syncID string) ([]core.Anomaly, error)
}

// ResultLister reads persisted detection results.
type ResultLister interface {
	ListAnomaliesBySync(ctx context.Context, sellerID, syncID string) ([]core.Anomaly, error)
	ListPendingAnomalies(ctx context.Context, sellerID string) ([]core.Anomaly, error)
}

// DetectionsHandler triggers and lists detection passes.
type DetectionsHandler struct {
	queue   queue.Queue
	inline  InlineRunner
	results ResultLister
}

// NewDetectionsHandler creates the detections handler.
func NewDetectionsHandler(q queue.Queue, inline InlineRunner, results ResultLister) *DetectionsHandler {
	return &DetectionsHandler{queue: q, inline: inline, results: results}
}

// TriggerRequest is the request body for POST detections/trigger.
type TriggerRequest struct {
	SyncID   string `json:"sync_id"`
	StoreID  string `json:"store_id,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Trigger enqueues a detection pass for the authenticated seller. When the
// queue backend is unhealthy the pass runs inline and the findings come back
// in the response.
func (h *DetectionsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := middleware.SellerFrom(r.Context())
	if !ok {
		http.Error(w, "Missing seller context", http.StatusUnauthorized)
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SyncID == "" {
		http.Error(w, "sync_id is required", http.StatusBadRequest)
		return
	}

	if !h.queue.Healthy(r.Context()) {
		slog.Warn("queue unhealthy, running detection inline",
			"seller_id", sellerID, "sync_id", req.SyncID)
		findings, err := h.inline.RunInline(r.Context(), sellerID, req.SyncID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"mode":      "inline",
			"sync_id":   req.SyncID,
			"anomalies": findings,
		})
		return
	}

	job, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		SellerID: sellerID,
		StoreID:  req.StoreID,
		SyncID:   req.SyncID,
		Priority: core.JobPriority(req.Priority),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mode": "queued",
		"job":  job,
	})
}

// BySync serves GET detections/{sync_id} for the authenticated seller.
func (h *DetectionsHandler) BySync(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := middleware.SellerFrom(r.Context())
	if !ok {
		http.Error(w, "Missing seller context", http.StatusUnauthorized)
		return
	}

	syncID := mux.Vars(r)["sync_id"]
	anomalies, err := h.results.ListAnomaliesBySync(r.Context(), sellerID, syncID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sync_id":   syncID,
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// Pending serves GET detections/pending for the authenticated seller.
func (h *DetectionsHandler) Pending(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := middleware.SellerFrom(r.Context())
	if !ok {
		http.Error(w, "Missing seller context", http.StatusUnauthorized)
		return
	}

	anomalies, err := h.results.ListPendingAnomalies(r.Context(), sellerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}
