// Package handlers wires the HTTP surface: SSE stream endpoints, the queue
// admin API, detection triggers, and the shared infra middleware.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/reclaimly/backend/internal/monitoring"
	"github.com/reclaimly/backend/internal/sse"
)

// lifecycleEvents always pass stream filters so every endpoint carries the
// connection lifecycle frames.
var lifecycleEvents = map[string]bool{
	"connected":    true,
	"auth_success": true,
	"error":        true,
	"close":        true,
}

// StreamHandler serves the SSE endpoints off the hub.
type StreamHandler struct {
	hub  *sse.Hub
	auth *sse.Authenticator
}

// NewStreamHandler creates the SSE endpoint handler.
func NewStreamHandler(hub *sse.Hub, auth *sse.Authenticator) *StreamHandler {
	return &StreamHandler{hub: hub, auth: auth}
}

// Stream serves /stream: the unfiltered per-user event feed.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "", "")
}

// SyncProgress serves /sync-progress/{sync_id}.
func (h *StreamHandler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "sync_progress", mux.Vars(r)["sync_id"])
}

// DetectionUpdates serves /detection-updates/{sync_id}.
func (h *StreamHandler) DetectionUpdates(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "detection_updates", mux.Vars(r)["sync_id"])
}

// FinancialEvents serves /financial-events.
func (h *StreamHandler) FinancialEvents(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "financial_events", "")
}

// Notifications serves /notifications.
func (h *StreamHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "notifications", "")
}

// Status serves /status: a stream that opens with an auth_success frame and
// then carries heartbeats only.
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "auth_success", "")
}

// ConnectionStatus serves /connection-status as a JSON snapshot.
func (h *StreamHandler) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":     userID,
		"connections": h.hub.ConnectionCount(userID),
		"total":       h.hub.TotalConnections(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// serve is the shared stream loop: authenticate, register, then pump frames
// filtered to the endpoint's event until the client goes away.
func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, eventFilter, syncFilter string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	userID, err := h.auth.Authenticate(r)
	if err != nil {
		// A typed terminal error event, then close.
		fmt.Fprintf(w, "event: error\ndata: {\"error\":%q,\"code\":\"auth\"}\n\n", err.Error())
		flusher.Flush()
		return
	}

	conn := h.hub.Register(userID, r.URL.Query().Get("tenant"))
	defer h.hub.Unregister(conn)
	monitoring.SSEConnections.Inc()
	defer monitoring.SSEConnections.Dec()

	if eventFilter == "auth_success" {
		fmt.Fprintf(w, "event: auth_success\ndata: {\"user_id\":%q,\"timestamp\":%q}\n\n",
			userID, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case frame, ok := <-conn.Ch:
			if !ok {
				return
			}
			if !frameMatches(frame, eventFilter, syncFilter) {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := w.Write(sse.Heartbeat()); err != nil {
				return
			}
			flusher.Flush()

		case <-conn.Done():
			return

		case <-r.Context().Done():
			slog.Info("stream closed", "user_id", userID, "connection_id", conn.ID)
			return
		}
	}
}

// frameMatches applies the endpoint's event and sync filters to a framed
// event. Lifecycle frames always pass.
func frameMatches(frame []byte, eventFilter, syncFilter string) bool {
	text := string(frame)
	name := frameEventName(text)
	if lifecycleEvents[name] {
		return true
	}
	if eventFilter != "" && name != eventFilter {
		return false
	}
	if syncFilter != "" && !strings.Contains(text, fmt.Sprintf("%q:%q", "sync_id", syncFilter)) {
		return false
	}
	return true
}

func frameEventName(frame string) string {
	for _, line := range strings.Split(frame, "\n") {
		if strings.HasPrefix(line, "event: ") {
			return strings.TrimPrefix(line, "event: ")
		}
	}
	return ""
}
