// Package database persists detection state: jobs, results, thresholds,
// whitelist entries, reimbursement matches, and invoices. Supabase
// (PostgREST) is the primary backend; the ingestion reader in this package
// pulls upstream rows over a direct Postgres connection.
package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/reclaimly/backend/internal/core"
)

// ============================================================================
// SUPABASE CLIENT
// ============================================================================

// SupabaseStore wraps the Supabase Go client with the detection tables.
type SupabaseStore struct {
	client *supabase.Client
	logger *log.Logger
}

// NewSupabaseStore creates a store from SUPABASE_URL / SUPABASE_SERVICE_KEY.
func NewSupabaseStore() (*SupabaseStore, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{
		client: client,
		logger: log.New(log.Writer(), "[DB] ", log.LstdFlags),
	}, nil
}

// Client exposes the underlying Supabase client for the blob store.
func (s *SupabaseStore) Client() *supabase.Client { return s.client }

// ============================================================================
// DETECTION RESULTS
// ============================================================================

// detectionResultRow is the detection_results table shape.
type detectionResultRow struct {
	ID                   string                 `json:"id,omitempty"`
	SellerID             string                 `json:"seller_id"`
	SyncID               string                 `json:"sync_id"`
	AnomalyType          string                 `json:"anomaly_type"`
	Severity             string                 `json:"severity"`
	Score                float64                `json:"score"`
	Summary              string                 `json:"summary"`
	Evidence             map[string]interface{} `json:"evidence"`
	RelatedEventIDs      []string               `json:"related_event_ids,omitempty"`
	EstimatedValue       float64                `json:"estimated_value"`
	DedupeHash           string                 `json:"dedupe_hash"`
	EvidenceURL          string                 `json:"evidence_url,omitempty"`
	ClaimType            string                 `json:"claim_type"`
	DiscoveryDate        string                 `json:"discovery_date"`
	DeadlineDate         string                 `json:"deadline_date,omitempty"`
	DaysRemaining        int                    `json:"days_remaining"`
	Expired              bool                   `json:"expired"`
	AlertSent            bool                   `json:"alert_sent"`
	Status               string                 `json:"status"`
	FilingRecommendation string                 `json:"filing_recommendation,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func toResultRow(a *core.Anomaly) detectionResultRow {
	row := detectionResultRow{
		ID:                   a.ID,
		SellerID:             a.SellerID,
		SyncID:               a.SyncID,
		AnomalyType:          string(a.RuleType),
		Severity:             string(a.Severity),
		Score:                a.Score,
		Summary:              a.Summary,
		Evidence:             a.Evidence,
		RelatedEventIDs:      a.RelatedEventIDs,
		EstimatedValue:       a.EstimatedValue,
		DedupeHash:           a.DedupeHash,
		EvidenceURL:          a.EvidenceURL,
		ClaimType:            a.ClaimType,
		DiscoveryDate:        a.DiscoveryDate.Format(timeLayout),
		DaysRemaining:        a.DaysRemaining,
		Expired:              a.Expired,
		AlertSent:            a.AlertSent,
		Status:               string(a.Status),
		FilingRecommendation: a.FilingRecommendation,
	}
	if !a.DeadlineDate.IsZero() {
		row.DeadlineDate = a.DeadlineDate.Format(timeLayout)
	}
	return row
}

// InsertAnomaly persists one finalized anomaly. A hit on the
// (seller_id, sync_id, anomaly_type, dedupe_hash) unique constraint comes
// back as ErrDuplicateResult so replays stay idempotent.
func (s *SupabaseStore) InsertAnomaly(ctx context.Context, a *core.Anomaly) error {
	var result []detectionResultRow
	_, err := s.client.From("detection_results").
		Insert(toResultRow(a), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Wrap(core.ErrDuplicateResult, "anomaly %s/%s already persisted", a.SyncID, a.DedupeHash)
		}
		return core.Wrap(core.ErrStorage, "insert anomaly: %v", err)
	}
	if len(result) > 0 {
		a.ID = result[0].ID
	}
	return nil
}

// isUniqueViolation sniffs a PostgREST duplicate-key refusal.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// ListPendingAnomalies returns all pending anomalies for a seller.
func (s *SupabaseStore) ListPendingAnomalies(ctx context.Context, sellerID string) ([]core.Anomaly, error) {
	var rows []detectionResultRow
	_, err := s.client.From("detection_results").
		Select("*", "", false).
		Eq("seller_id", sellerID).
		Eq("status", string(core.StatusPending)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "list pending anomalies: %v", err)
	}

	out := make([]core.Anomaly, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAnomaly())
	}
	return out, nil
}

// ListAnomaliesBySync returns all anomalies of one detection pass.
func (s *SupabaseStore) ListAnomaliesBySync(ctx context.Context, sellerID, syncID string) ([]core.Anomaly, error) {
	var rows []detectionResultRow
	_, err := s.client.From("detection_results").
		Select("*", "", false).
		Eq("seller_id", sellerID).
		Eq("sync_id", syncID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "list sync anomalies: %v", err)
	}

	out := make([]core.Anomaly, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAnomaly())
	}
	return out, nil
}

// ListSellersWithPendingClaims returns the distinct sellers that have at
// least one pending anomaly. The expiration sweep iterates over these.
func (s *SupabaseStore) ListSellersWithPendingClaims(ctx context.Context) ([]string, error) {
	var rows []detectionResultRow
	_, err := s.client.From("detection_results").
		Select("seller_id", "", false).
		Eq("status", string(core.StatusPending)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "list sellers with pending claims: %v", err)
	}

	seen := make(map[string]bool, len(rows))
	var out []string
	for _, row := range rows {
		if !seen[row.SellerID] {
			seen[row.SellerID] = true
			out = append(out, row.SellerID)
		}
	}
	return out, nil
}

// MarkAlertSent flips alert_sent on a pending anomaly.
func (s *SupabaseStore) MarkAlertSent(ctx context.Context, anomalyID string) error {
	var result []detectionResultRow
	_, err := s.client.From("detection_results").
		Update(map[string]interface{}{"alert_sent": true}, "", "").
		Eq("id", anomalyID).
		ExecuteTo(&result)
	if err != nil {
		return core.Wrap(core.ErrStorage, "mark alert sent: %v", err)
	}
	return nil
}

// MarkExpired transitions an anomaly to its terminal expired state.
func (s *SupabaseStore) MarkExpired(ctx context.Context, anomalyID string) error {
	var result []detectionResultRow
	_, err := s.client.From("detection_results").
		Update(map[string]interface{}{"status": string(core.StatusExpired), "expired": true}, "", "").
		Eq("id", anomalyID).
		ExecuteTo(&result)
	if err != nil {
		return core.Wrap(core.ErrStorage, "mark expired: %v", err)
	}
	return nil
}

func (row detectionResultRow) toAnomaly() core.Anomaly {
	a := core.Anomaly{
		ID:                   row.ID,
		SellerID:             row.SellerID,
		SyncID:               row.SyncID,
		RuleType:             core.RuleType(row.AnomalyType),
		Severity:             core.Severity(row.Severity),
		Score:                row.Score,
		Summary:              row.Summary,
		Evidence:             row.Evidence,
		RelatedEventIDs:      row.RelatedEventIDs,
		EstimatedValue:       row.EstimatedValue,
		DedupeHash:           row.DedupeHash,
		EvidenceURL:          row.EvidenceURL,
		ClaimType:            row.ClaimType,
		DaysRemaining:        row.DaysRemaining,
		Expired:              row.Expired,
		AlertSent:            row.AlertSent,
		Status:               core.AnomalyStatus(row.Status),
		FilingRecommendation: row.FilingRecommendation,
	}
	a.DiscoveryDate = parseTime(row.DiscoveryDate)
	a.DeadlineDate = parseTime(row.DeadlineDate)
	return a
}

// ============================================================================
// THRESHOLDS & WHITELIST
// ============================================================================

// LoadRuleContext fetches the active thresholds (seller-specific and
// global) and the seller's active whitelist in one shot.
func (s *SupabaseStore) LoadRuleContext(ctx context.Context, sellerID string) (core.RuleContext, error) {
	rc := core.RuleContext{SellerID: sellerID}

	var thresholds []core.Threshold
	_, err := s.client.From("detection_thresholds").
		Select("*", "", false).
		Eq("active", "true").
		ExecuteTo(&thresholds)
	if err != nil {
		return rc, core.Wrap(core.ErrStorage, "load thresholds: %v", err)
	}
	for _, t := range thresholds {
		if t.SellerID == nil || *t.SellerID == sellerID {
			rc.Thresholds = append(rc.Thresholds, t)
		}
	}

	var whitelist []core.WhitelistItem
	_, err = s.client.From("detection_whitelist").
		Select("*", "", false).
		Eq("seller_id", sellerID).
		Eq("active", "true").
		ExecuteTo(&whitelist)
	if err != nil {
		return rc, core.Wrap(core.ErrStorage, "load whitelist: %v", err)
	}
	rc.Whitelist = whitelist
	return rc, nil
}

// ============================================================================
// REIMBURSEMENT MATCHES & INVOICES
// ============================================================================

// ReimbursementMatchRow is a confirmed reimbursement tied to a claim.
type ReimbursementMatchRow struct {
	ID          string  `json:"id,omitempty"`
	SellerID    string  `json:"seller_id"`
	AnomalyID   string  `json:"anomaly_id"`
	CaseID      string  `json:"case_id,omitempty"`
	Amount      float64 `json:"amount"`
	MatchedAt   string  `json:"matched_at"`
	Status      string  `json:"status"` // confirmed, invoiced, disputed
	InvoiceID   string  `json:"invoice_id,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ListConfirmedMatches returns confirmed, uninvoiced matches for a seller.
func (s *SupabaseStore) ListConfirmedMatches(ctx context.Context, sellerID string) ([]ReimbursementMatchRow, error) {
	var rows []ReimbursementMatchRow
	_, err := s.client.From("reimbursement_matches").
		Select("*", "", false).
		Eq("seller_id", sellerID).
		Eq("status", "confirmed").
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "list matches: %v", err)
	}
	return rows, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateMatchStatus moves a match through its lifecycle.
func (s *SupabaseStore) UpdateMatchStatus(ctx context.Context, matchID, status, invoiceID string) error {
	patch := map[string]interface{}{"status": status}
	if invoiceID != "" {
		patch["invoice_id"] = invoiceID
	}
	var result []ReimbursementMatchRow
	_, err := s.client.From("reimbursement_matches").
		Update(patch, "", "").
		Eq("id", matchID).
		ExecuteTo(&result)
	if err != nil {
		return core.Wrap(core.ErrStorage, "update match %s: %v", matchID, err)
	}
	return nil
}
