package webhooks

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoutesByEventType(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    "http://example.com/a",
		Events: []EventType{EventPacketReady},
	}))
	require.NoError(t, reg.Register(&Subscription{
		URL:    "http://example.com/b",
		Events: []EventType{EventDetectionFailed},
	}))

	assert.Len(t, reg.GetSubscribers(EventPacketReady), 1)
	assert.Len(t, reg.GetSubscribers(EventDetectionFailed), 1)
	assert.Empty(t, reg.GetSubscribers(EventInvoiceFinalized))
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(&Subscription{Events: []EventType{EventPacketReady}}))
	assert.Error(t, reg.Register(&Subscription{URL: "http://example.com"}))
}

func TestRegistryDisablesAfterRepeatedFailures(t *testing.T) {
	reg := NewRegistry()
	sub := &Subscription{URL: "http://example.com", Events: []EventType{EventPacketReady}}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < 10; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Empty(t, reg.GetSubscribers(EventPacketReady))
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventPacketReady},
		Secret: "filing-secret",
	}))

	d := NewDispatcher(reg, 2)
	defer d.Shutdown()

	d.Emit(EventPacketReady, "seller-1", map[string]interface{}{
		"dedupe_hash": "abc123",
		"claim_type":  "lost_inventory",
	})

	select {
	case r := <-received:
		body := <-bodies

		assert.Equal(t, string(EventPacketReady), r.Header.Get("X-Reclaimly-Event-Type"))
		assert.Equal(t, "1", r.Header.Get("X-Reclaimly-Delivery-Attempt"))

		sig := strings.TrimPrefix(r.Header.Get("X-Reclaimly-Signature"), "sha256=")
		want := SignPayload(body, "filing-secret")
		sigBytes, err := hex.DecodeString(sig)
		require.NoError(t, err)
		wantBytes, _ := hex.DecodeString(want)
		assert.True(t, hmac.Equal(sigBytes, wantBytes))

		var evt Event
		require.NoError(t, json.Unmarshal(body, &evt))
		assert.Equal(t, "seller-1", evt.SellerID)
		assert.Equal(t, "abc123", evt.Data["dedupe_hash"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDispatcherScopesBySeller(t *testing.T) {
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:      srv.URL,
		Events:   []EventType{EventDetectionCompleted},
		SellerID: "seller-a",
	}))

	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	d.Emit(EventDetectionCompleted, "seller-b", map[string]interface{}{"sync_id": "s1"})
	d.Emit(EventDetectionCompleted, "seller-a", map[string]interface{}{"sync_id": "s2"})

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("scoped subscriber never received its seller's event")
	}
	select {
	case <-hits:
		t.Fatal("subscriber received another seller's event")
	case <-time.After(100 * time.Millisecond):
	}
}
