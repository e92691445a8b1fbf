package policy

import (
	"context"
	"log"
	"sort"

	"github.com/reclaimly/backend/internal/core"
)

// AnomalyStore is the persistence surface the alert sweep needs. The
// database package implements it; tests use an in-memory double.
type AnomalyStore interface {
	ListPendingAnomalies(ctx context.Context, sellerID string) ([]core.Anomaly, error)
	MarkAlertSent(ctx context.Context, anomalyID string) error
	MarkExpired(ctx context.Context, anomalyID string) error
}

// ExpiringClaims partitions a seller's pending claims by urgency. The
// urgent and expiring-soon buckets are sorted ascending by days remaining.
type ExpiringClaims struct {
	Urgent       []ClaimStatus `json:"urgent"`
	ExpiringSoon []ClaimStatus `json:"expiring_soon"`
	ExpiredList  []ClaimStatus `json:"expired"`
	Safe         []ClaimStatus `json:"safe"`
}

// ClaimStatus pairs an anomaly with its computed window.
type ClaimStatus struct {
	AnomalyID      string  `json:"anomaly_id"`
	SellerID       string  `json:"seller_id"`
	ClaimType      string  `json:"claim_type"`
	EstimatedValue float64 `json:"estimated_value"`
	AlertSent      bool    `json:"alert_sent"`
	Window         Window  `json:"window"`
}

// Sweeper runs the expiration scan over pending anomalies.
type Sweeper struct {
	tracker *Tracker
	store   AnomalyStore
	logger  *log.Logger
}

func NewSweeper(tracker *Tracker, store AnomalyStore) *Sweeper {
	return &Sweeper{
		tracker: tracker,
		store:   store,
		logger:  log.New(log.Writer(), "[PolicySweep] ", log.LstdFlags),
	}
}

// StatusFor computes the window status of a single claim.
func (s *Sweeper) StatusFor(anomalyID, sellerID, claimType string, a core.Anomaly) ClaimStatus {
	return ClaimStatus{
		AnomalyID:      anomalyID,
		SellerID:       sellerID,
		ClaimType:      claimType,
		EstimatedValue: a.EstimatedValue,
		AlertSent:      a.AlertSent,
		Window:         s.tracker.CalculateWindow(claimType, a.DiscoveryDate),
	}
}

// CheckExpiringClaims scans every pending anomaly for the seller, computes
// its window, and partitions the results into four buckets.
func (s *Sweeper) CheckExpiringClaims(ctx context.Context, sellerID string) (*ExpiringClaims, error) {
	anomalies, err := s.store.ListPendingAnomalies(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	out := &ExpiringClaims{}
	for _, a := range anomalies {
		st := s.StatusFor(a.ID, sellerID, a.ClaimType, a)
		switch {
		case st.Window.IsExpired:
			out.ExpiredList = append(out.ExpiredList, st)
		case st.Window.IsUrgent:
			out.Urgent = append(out.Urgent, st)
		case !st.Window.IsSafe:
			out.ExpiringSoon = append(out.ExpiringSoon, st)
		default:
			out.Safe = append(out.Safe, st)
		}
	}

	byDaysRemaining(out.Urgent)
	byDaysRemaining(out.ExpiringSoon)
	return out, nil
}

// SendExpirationAlerts marks alerts on urgent and expiring claims and flips
// expired ones to their terminal status. Returns the number of alerts sent.
func (s *Sweeper) SendExpirationAlerts(ctx context.Context, sellerID string) (int, error) {
	claims, err := s.CheckExpiringClaims(ctx, sellerID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, st := range append(claims.Urgent, claims.ExpiringSoon...) {
		if st.AlertSent {
			continue
		}
		if err := s.store.MarkAlertSent(ctx, st.AnomalyID); err != nil {
			s.logger.Printf("Failed to mark alert on %s: %v", st.AnomalyID, err)
			continue
		}
		sent++
	}

	for _, st := range claims.ExpiredList {
		if err := s.store.MarkExpired(ctx, st.AnomalyID); err != nil {
			s.logger.Printf("Failed to expire %s: %v", st.AnomalyID, err)
		}
	}

	if sent > 0 || len(claims.ExpiredList) > 0 {
		s.logger.Printf("Seller %s: %d alerts sent, %d claims expired", sellerID, sent, len(claims.ExpiredList))
	}
	return sent, nil
}

func byDaysRemaining(claims []ClaimStatus) {
	sort.SliceStable(claims, func(i, j int) bool {
		return claims[i].Window.DaysRemaining < claims[j].Window.DaysRemaining
	})
}
