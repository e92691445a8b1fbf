package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/middleware"
	"github.com/reclaimly/backend/internal/queue"
	"github.com/reclaimly/backend/internal/sse"
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestQueueStatsEndpoint(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewQueueAdminHandler(q)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
			SellerID: fmt.Sprintf("seller-%d", i),
			SyncID:   "sync-1",
			Priority: core.JobPriorityNormal,
		})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest("GET", "/api/v1/queue-stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	metrics := body["metrics"].(map[string]interface{})
	assert.EqualValues(t, 3, metrics["waiting"])

	alerts := body["alerts"].(map[string]interface{})
	assert.Equal(t, false, alerts["highFailureRate"])
	assert.Equal(t, false, alerts["backlogBuilding"])
	assert.Equal(t, false, alerts["workersOverloaded"])
}

func TestQueueStatsBacklogAlert(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewQueueAdminHandler(q)

	for i := 0; i < 25; i++ {
		_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
			SellerID: fmt.Sprintf("seller-%d", i),
			SyncID:   "sync-1",
			Priority: core.JobPriorityNormal,
		})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest("GET", "/api/v1/queue-stats", nil))

	alerts := decodeBody(t, w)["alerts"].(map[string]interface{})
	assert.Equal(t, true, alerts["backlogBuilding"])
}

func TestQueueJobsListingCapped(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewQueueAdminHandler(q)

	for i := 0; i < 60; i++ {
		_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
			SellerID: fmt.Sprintf("seller-%d", i),
			SyncID:   "sync-1",
			Priority: core.JobPriorityLow,
		})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	h.Jobs(w, httptest.NewRequest("GET", "/api/v1/queue-jobs?status=pending&limit=100", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 50, decodeBody(t, w)["count"])

	w = httptest.NewRecorder()
	h.Jobs(w, httptest.NewRequest("GET", "/api/v1/queue-jobs?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueRetryOnlyFailedJobs(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewQueueAdminHandler(q)

	job, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		SellerID: "seller-1", SyncID: "sync-1", Priority: core.JobPriorityNormal,
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/queue-retry/{jobId}", h.Retry).Methods("POST")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/queue-retry/"+job.ID, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

type stubInline struct {
	findings []core.Anomaly
}

func (s *stubInline) RunInline(context.Context, string, string) ([]core.Anomaly, error) {
	return s.findings, nil
}

type stubResults struct{}

func (stubResults) ListAnomaliesBySync(context.Context, string, string) ([]core.Anomaly, error) {
	return nil, nil
}
func (stubResults) ListPendingAnomalies(context.Context, string) ([]core.Anomaly, error) {
	return nil, nil
}

func TestTriggerEnqueues(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewDetectionsHandler(q, &stubInline{}, stubResults{})

	body := strings.NewReader(`{"sync_id":"sync-1","priority":"high"}`)
	r := httptest.NewRequest("POST", "/api/v1/detections/trigger", body)
	r = r.WithContext(middleware.WithSeller(r.Context(), "seller-1"))
	w := httptest.NewRecorder()
	h.Trigger(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "queued", resp["mode"])

	job := resp["job"].(map[string]interface{})
	assert.Equal(t, "seller-1", job["seller_id"])
	assert.Equal(t, "high", job["priority"])
}

func TestTriggerRequiresSyncID(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	h := NewDetectionsHandler(q, &stubInline{}, stubResults{})

	r := httptest.NewRequest("POST", "/api/v1/detections/trigger", strings.NewReader(`{}`))
	r = r.WithContext(middleware.WithSeller(r.Context(), "seller-1"))
	w := httptest.NewRecorder()
	h.Trigger(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamRefusesBadCredential(t *testing.T) {
	hub := sse.NewHub()
	auth := sse.NewAuthenticator("secret", false)
	h := NewStreamHandler(hub, auth)

	r := httptest.NewRequest("GET", "/stream", nil)
	w := httptest.NewRecorder()
	h.Stream(w, r)

	out := w.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: error\n"))
	assert.Contains(t, out, `"code":"auth"`)
	assert.Zero(t, hub.TotalConnections())
}

func TestFrameFilters(t *testing.T) {
	frame := []byte("event: detection_updates\ndata: {\"sync_id\":\"sync-1\",\"severity\":\"high\"}\n\n")

	assert.True(t, frameMatches(frame, "", ""))
	assert.True(t, frameMatches(frame, "detection_updates", "sync-1"))
	assert.False(t, frameMatches(frame, "detection_updates", "sync-2"))
	assert.False(t, frameMatches(frame, "sync_progress", ""))

	connected := []byte("event: connected\ndata: {}\n\n")
	assert.True(t, frameMatches(connected, "sync_progress", "sync-9"))
}
