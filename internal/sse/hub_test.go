package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainOne(t *testing.T, conn *Connection) string {
	t.Helper()
	select {
	case frame := <-conn.Ch:
		return string(frame)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return ""
	}
}

func eventData(t *testing.T, frame string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(frame, "\n") {
		if strings.HasPrefix(line, "data: ") {
			var envelope struct {
				Data map[string]interface{} `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope))
			return envelope.Data
		}
	}
	t.Fatal("frame has no data line")
	return nil
}

func TestRegisterEmitsConnected(t *testing.T) {
	hub := NewHub()
	conn := hub.Register("user-1", "tenant-a")
	defer hub.Unregister(conn)

	frame := drainOne(t, conn)
	assert.True(t, strings.HasPrefix(frame, "event: connected\n"))

	data := eventData(t, frame)
	assert.Equal(t, "user-1", data["user_id"])
	assert.Equal(t, "tenant-a", data["tenant"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestSendEventFIFO(t *testing.T) {
	hub := NewHub()
	conn := hub.Register("user-1", "")
	defer hub.Unregister(conn)
	drainOne(t, conn) // connected

	for i := 0; i < 10; i++ {
		hub.SendEvent("user-1", "sync_progress", map[string]interface{}{
			"sync_id": "sync-1",
			"seq":     float64(i),
		})
	}

	for i := 0; i < 10; i++ {
		data := eventData(t, drainOne(t, conn))
		assert.Equal(t, float64(i), data["seq"], "events must arrive in publish order")
	}
}

func TestSendEventOnlyTargetsUser(t *testing.T) {
	hub := NewHub()
	a := hub.Register("user-a", "")
	b := hub.Register("user-b", "")
	defer hub.Unregister(a)
	defer hub.Unregister(b)
	drainOne(t, a)
	drainOne(t, b)

	hub.SendEvent("user-a", "notifications", map[string]interface{}{"msg": "hi"})

	drainOne(t, a)
	select {
	case frame := <-b.Ch:
		t.Fatalf("user-b received someone else's event: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastTenant(t *testing.T) {
	hub := NewHub()
	a := hub.Register("user-a", "tenant-1")
	b := hub.Register("user-b", "tenant-1")
	c := hub.Register("user-c", "tenant-2")
	defer hub.Unregister(a)
	defer hub.Unregister(b)
	defer hub.Unregister(c)
	drainOne(t, a)
	drainOne(t, b)
	drainOne(t, c)

	hub.BroadcastTenant("tenant-1", "financial_events", map[string]interface{}{"amount": 12.5})

	drainOne(t, a)
	drainOne(t, b)
	select {
	case <-c.Ch:
		t.Fatal("tenant-2 received tenant-1 broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterRemovesConnection(t *testing.T) {
	hub := NewHub()
	conn := hub.Register("user-1", "")
	require.Equal(t, 1, hub.ConnectionCount("user-1"))

	hub.Unregister(conn)
	assert.Zero(t, hub.ConnectionCount("user-1"))

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed on unregister")
	}

	// Delivery after unregister is a no-op, not a panic.
	hub.SendEvent("user-1", "notifications", map[string]interface{}{"msg": "late"})
}

func TestSlowConsumerDeliveryIsBounded(t *testing.T) {
	hub := NewHub()
	conn := hub.Register("user-1", "")

	// Fill the buffer without draining. The overflow delivery must not
	// block past the connection's lifetime; closing done releases it.
	go func() {
		time.Sleep(100 * time.Millisecond)
		hub.Unregister(conn)
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < connBufferSize+1; i++ {
			hub.SendEvent("user-1", "sync_progress", map[string]interface{}{"seq": fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}
	assert.Zero(t, hub.ConnectionCount("user-1"))
}

func TestHeartbeatIsCommentFrame(t *testing.T) {
	hb := Heartbeat()
	assert.True(t, strings.HasPrefix(string(hb), ": heartbeat"))
	assert.True(t, strings.HasSuffix(string(hb), "\n\n"))
}
