// Package sse implements the server-sent-events hub: a per-user connection
// registry with FIFO delivery, comment-line heartbeats, and slow-consumer
// shedding.
package sse

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reclaimly/backend/internal/events"
)

const (
	// HeartbeatInterval is the keep-alive cadence per connection.
	HeartbeatInterval = 30 * time.Second
	// writeTimeout bounds how long a send may block on a full connection
	// buffer before the consumer is considered too slow and dropped.
	writeTimeout = 5 * time.Second
	// connBufferSize is the per-connection event buffer.
	connBufferSize = 64
)

// Connection is one registered SSE client. Frames are consumed from Ch by
// the HTTP handler; Done closes when the hub drops the connection.
type Connection struct {
	ID     string
	UserID string
	Tenant string
	Ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

// Done reports hub-side termination of this connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub owns the SSE connection registry. All registry mutations are
// serialized behind the mutex; event delivery per user is FIFO.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*Connection]struct{} // userID -> connections
	logger *log.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]map[*Connection]struct{}),
		logger: log.New(log.Writer(), "[SSEHub] ", log.LstdFlags),
	}
}

// Register adds a connection for a user and immediately queues the
// connected event.
func (h *Hub) Register(userID, tenant string) *Connection {
	conn := &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		Tenant: tenant,
		Ch:     make(chan []byte, connBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*Connection]struct{})
	}
	h.conns[userID][conn] = struct{}{}
	total := len(h.conns[userID])
	h.mu.Unlock()

	h.logger.Printf("Registered connection %s (user=%s, connections=%d)", conn.ID, userID, total)

	h.deliver(conn, events.NewCloudEvent(events.TypeConnected, "/sse", "", map[string]interface{}{
		"status":    "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"user_id":   userID,
		"tenant":    tenant,
	}))
	return conn
}

// Unregister removes a connection and cancels its delivery.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if set, ok := h.conns[conn.UserID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, conn.UserID)
		}
	}
	h.mu.Unlock()

	conn.close()
	h.logger.Printf("Unregistered connection %s (user=%s)", conn.ID, conn.UserID)
}

// SendEvent delivers an event to every connection of one user, in FIFO
// order per connection.
func (h *Hub) SendEvent(userID, eventName string, data map[string]interface{}) {
	syncID, _ := data["sync_id"].(string)
	event := events.NewCloudEvent(eventName, "/sse", syncID, data)

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns[userID]))
	for conn := range h.conns[userID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		h.deliver(conn, event)
	}
}

// BroadcastTenant delivers an event to every connection of every user in a
// tenant. No cross-user ordering is guaranteed.
func (h *Hub) BroadcastTenant(tenant, eventName string, data map[string]interface{}) {
	syncID, _ := data["sync_id"].(string)
	event := events.NewCloudEvent(eventName, "/sse", syncID, data)

	h.mu.RLock()
	var targets []*Connection
	for _, set := range h.conns {
		for conn := range set {
			if conn.Tenant == tenant {
				targets = append(targets, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		h.deliver(conn, event)
	}
}

// Heartbeat returns the comment-line keep-alive frame.
func Heartbeat() []byte {
	return []byte(fmt.Sprintf(": heartbeat %d\n\n", time.Now().Unix()))
}

// deliver queues a frame with a bounded wait. A consumer that keeps its
// buffer full past the write timeout is dropped; the hub never accumulates
// unbounded per-connection state.
func (h *Hub) deliver(conn *Connection, event *events.CloudEvent) {
	frame, err := event.SSEFormat()
	if err != nil {
		h.logger.Printf("Failed to frame event %s: %v", event.ID, err)
		return
	}

	select {
	case conn.Ch <- frame:
	case <-conn.done:
	default:
		timer := time.NewTimer(writeTimeout)
		defer timer.Stop()
		select {
		case conn.Ch <- frame:
		case <-conn.done:
		case <-timer.C:
			h.logger.Printf("Dropping slow consumer %s (user=%s)", conn.ID, conn.UserID)
			h.Unregister(conn)
		}
	}
}

// ConnectionCount reports the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// TotalConnections reports the hub-wide connection count.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}
