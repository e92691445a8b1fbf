// Package websocket pushes live detection activity to dashboard clients.
// It complements the SSE endpoints: SSE carries per-seller scoped streams,
// the WebSocket feed carries the operations view of the whole pipeline.
package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PipelineEvent is one real-time update on the detection pipeline.
type PipelineEvent struct {
	Type      string                 `json:"type"` // "job_started", "anomaly_found", "job_completed", "job_failed", "deadline_alert"
	SyncID    string                 `json:"sync_id"`
	SellerID  string                 `json:"seller_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Streamer manages WebSocket connections for the live pipeline view.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan PipelineEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a pipeline streamer.
func NewStreamer(checkOrigin func(r *http.Request) bool) *Streamer {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan PipelineEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Run starts the WebSocket hub loop.
func (s *Streamer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("Client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("Client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					s.logger.Printf("Write error: %v", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the HTTP connection and keeps it registered
// until the client goes away.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Upgrade error: %v", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() {
			s.unregister <- conn
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent sends an event to all connected clients.
func (s *Streamer) BroadcastEvent(event PipelineEvent) {
	event.Timestamp = time.Now().UTC()
	select {
	case s.broadcast <- event:
	default:
		s.logger.Printf("Broadcast queue full, dropping %s event", event.Type)
	}
}

// StreamJobProgress announces a detection pass lifecycle transition. The
// status field carries processing, completed or failed.
func (s *Streamer) StreamJobProgress(sellerID, syncID string, data map[string]interface{}) {
	s.BroadcastEvent(PipelineEvent{
		Type:     "job_progress",
		SyncID:   syncID,
		SellerID: sellerID,
		Data:     data,
	})
}

// StreamAnomalyFound announces a single persisted finding.
func (s *Streamer) StreamAnomalyFound(sellerID, syncID string, data map[string]interface{}) {
	s.BroadcastEvent(PipelineEvent{
		Type:     "anomaly_found",
		SyncID:   syncID,
		SellerID: sellerID,
		Data:     data,
	})
}

// StreamDeadlineAlert announces a claim window that needs attention.
func (s *Streamer) StreamDeadlineAlert(sellerID, anomalyID string, daysRemaining int, recommendation string) {
	s.BroadcastEvent(PipelineEvent{
		Type:     "deadline_alert",
		SellerID: sellerID,
		Data: map[string]interface{}{
			"anomaly_id":     anomalyID,
			"days_remaining": daysRemaining,
			"recommendation": recommendation,
			"color":          deadlineColor(daysRemaining),
		},
	})
}

// deadlineColor maps days remaining to the dashboard urgency color.
func deadlineColor(daysRemaining int) string {
	switch {
	case daysRemaining <= 0:
		return "#6b7280" // gray, window closed
	case daysRemaining <= 3:
		return "#ef4444" // red
	case daysRemaining <= 7:
		return "#f97316" // orange
	case daysRemaining <= 14:
		return "#eab308" // yellow
	default:
		return "#22c55e" // green
	}
}

// GetStatistics returns WebSocket statistics for the admin surface.
func (s *Streamer) GetStatistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
