package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

type memAnomalyStore struct {
	anomalies []core.Anomaly
	alerted   map[string]bool
	expired   map[string]bool
}

func newMemAnomalyStore(anomalies ...core.Anomaly) *memAnomalyStore {
	return &memAnomalyStore{
		anomalies: anomalies,
		alerted:   make(map[string]bool),
		expired:   make(map[string]bool),
	}
}

func (m *memAnomalyStore) ListPendingAnomalies(_ context.Context, sellerID string) ([]core.Anomaly, error) {
	var out []core.Anomaly
	for _, a := range m.anomalies {
		if a.SellerID == sellerID && a.Status == core.StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAnomalyStore) MarkAlertSent(_ context.Context, id string) error {
	m.alerted[id] = true
	return nil
}

func (m *memAnomalyStore) MarkExpired(_ context.Context, id string) error {
	m.expired[id] = true
	return nil
}

func pendingAnomaly(id, claimType string, discoveredDaysAgo int, now time.Time) core.Anomaly {
	return core.Anomaly{
		ID:            id,
		SellerID:      "seller-1",
		ClaimType:     claimType,
		Status:        core.StatusPending,
		DiscoveryDate: now.AddDate(0, 0, -discoveredDaysAgo),
	}
}

func TestCheckExpiringClaimsPartitions(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := newMemAnomalyStore(
		pendingAnomaly("a-urgent", "lost_inventory", 55, now),  // 5 days left
		pendingAnomaly("a-urgent2", "lost_inventory", 58, now), // 2 days left
		pendingAnomaly("a-soon", "lost_inventory", 45, now),    // 15 days left
		pendingAnomaly("a-safe", "lost_inventory", 10, now),    // 50 days left
		pendingAnomaly("a-expired", "lost_inventory", 70, now),
	)
	sweeper := NewSweeper(fixedTracker(now), store)

	claims, err := sweeper.CheckExpiringClaims(context.Background(), "seller-1")
	require.NoError(t, err)

	require.Len(t, claims.Urgent, 2)
	assert.Len(t, claims.ExpiringSoon, 1)
	assert.Len(t, claims.Safe, 1)
	assert.Len(t, claims.ExpiredList, 1)

	// Urgent is sorted ascending by days remaining.
	assert.Equal(t, "a-urgent2", claims.Urgent[0].AnomalyID)
	assert.Equal(t, "a-urgent", claims.Urgent[1].AnomalyID)
}

func TestSendExpirationAlerts(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	already := pendingAnomaly("a-alerted", "lost_inventory", 55, now)
	already.AlertSent = true
	store := newMemAnomalyStore(
		pendingAnomaly("a-urgent", "lost_inventory", 55, now),
		pendingAnomaly("a-soon", "lost_inventory", 45, now),
		pendingAnomaly("a-expired", "lost_inventory", 70, now),
		already,
	)
	sweeper := NewSweeper(fixedTracker(now), store)

	sent, err := sweeper.SendExpirationAlerts(context.Background(), "seller-1")
	require.NoError(t, err)

	assert.Equal(t, 2, sent)
	assert.True(t, store.alerted["a-urgent"])
	assert.True(t, store.alerted["a-soon"])
	assert.False(t, store.alerted["a-alerted"], "already-alerted claims are skipped")
	assert.True(t, store.expired["a-expired"])
}

func TestSweepOtherSellerUntouched(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	other := pendingAnomaly("b-urgent", "lost_inventory", 55, now)
	other.SellerID = "seller-2"
	store := newMemAnomalyStore(other)
	sweeper := NewSweeper(fixedTracker(now), store)

	sent, err := sweeper.SendExpirationAlerts(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, store.alerted)
}
