// Package core holds the shared domain model for the detection pipeline:
// anomalies, detection jobs, thresholds, whitelist entries, and the typed
// input families consumed by the rule engine.
package core

import "time"

// ============================================================================
// ENUMS
// ============================================================================

// RuleType identifies a detection rule.
type RuleType string

const (
	RuleLostUnits        RuleType = "LOST_UNITS"
	RuleDamagedStock     RuleType = "DAMAGED_STOCK"
	RuleOverchargedFees  RuleType = "OVERCHARGED_FEES"
	RuleClosedCaseAudit  RuleType = "CLOSED_CASE_AUDIT"
	RuleDamagedInventory RuleType = "DAMAGED_INVENTORY"
	RuleSLABreach        RuleType = "SLA_BREACH"
	RuleTransferLoss     RuleType = "TRANSFER_LOSS"
)

// Severity buckets an anomaly by urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RulePriority orders rule execution and downstream triage.
type RulePriority string

const (
	PriorityLow    RulePriority = "LOW"
	PriorityNormal RulePriority = "NORMAL"
	PriorityMedium RulePriority = "MEDIUM"
	PriorityHigh   RulePriority = "HIGH"
)

// AnomalyStatus is the persisted lifecycle state of an anomaly.
// Once resolved or expired an anomaly is immutable.
type AnomalyStatus string

const (
	StatusPending  AnomalyStatus = "pending"
	StatusReviewed AnomalyStatus = "reviewed"
	StatusDisputed AnomalyStatus = "disputed"
	StatusResolved AnomalyStatus = "resolved"
	StatusExpired  AnomalyStatus = "expired"
)

// ThresholdOperator expresses the acceptable condition for a metric.
// A threshold "triggers" when the acceptable condition is violated:
// LT triggers when value >= threshold, GTE when value < threshold, etc.
type ThresholdOperator string

const (
	OpLT  ThresholdOperator = "LT"
	OpLTE ThresholdOperator = "LTE"
	OpGT  ThresholdOperator = "GT"
	OpGTE ThresholdOperator = "GTE"
	OpEQ  ThresholdOperator = "EQ"
)

// WhitelistScope is the dimension a whitelist entry exempts.
type WhitelistScope string

const (
	ScopeSKU         WhitelistScope = "SKU"
	ScopeASIN        WhitelistScope = "ASIN"
	ScopeVendor      WhitelistScope = "VENDOR"
	ScopeMarketplace WhitelistScope = "MARKETPLACE"
)

// JobStatus is the detection job lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobPriority orders jobs at dequeue time. CRITICAL > HIGH > NORMAL > LOW.
type JobPriority string

const (
	JobPriorityLow      JobPriority = "low"
	JobPriorityNormal   JobPriority = "normal"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityCritical JobPriority = "critical"
)

// Rank maps a priority to a comparable weight (higher wins).
func (p JobPriority) Rank() int {
	switch p {
	case JobPriorityCritical:
		return 3
	case JobPriorityHigh:
		return 2
	case JobPriorityNormal:
		return 1
	default:
		return 0
	}
}

// ============================================================================
// ANOMALY
// ============================================================================

// Anomaly is a single detection result. Identity within a run is
// (seller_id, sync_id, dedupe_hash); the dedupe hash is also unique across
// runs for a seller within the replay window.
type Anomaly struct {
	ID              string                 `json:"id,omitempty"`
	SellerID        string                 `json:"seller_id"`
	SyncID          string                 `json:"sync_id"`
	RuleType        RuleType               `json:"rule_type"`
	Severity        Severity               `json:"severity"`
	Score           float64                `json:"score"` // [0,1]
	Summary         string                 `json:"summary"`
	Evidence        map[string]interface{} `json:"evidence"`
	RelatedEventIDs []string               `json:"related_event_ids,omitempty"`
	EstimatedValue  float64                `json:"estimated_value"`
	DedupeHash      string                 `json:"dedupe_hash"`
	EvidenceURL     string                 `json:"evidence_url,omitempty"`
	ClaimType       string                 `json:"claim_type"`

	DiscoveryDate time.Time     `json:"discovery_date"`
	DeadlineDate  time.Time     `json:"deadline_date,omitempty"`
	DaysRemaining int           `json:"days_remaining,omitempty"`
	Expired       bool          `json:"expired"`
	AlertSent     bool          `json:"alert_sent"`
	Status        AnomalyStatus `json:"status"`

	FilingRecommendation string `json:"filing_recommendation,omitempty"`
}

// Mutable reports whether the anomaly may still transition state.
func (a *Anomaly) Mutable() bool {
	return a.Status != StatusResolved && a.Status != StatusExpired
}

// ============================================================================
// RULE CONTEXT
// ============================================================================

// Threshold is a persisted detection threshold. A nil SellerID means global;
// a seller-specific threshold overrides the global one for that rule type.
type Threshold struct {
	ID       string            `json:"id,omitempty"`
	RuleType RuleType          `json:"rule_type"`
	SellerID *string           `json:"seller_id,omitempty"`
	Operator ThresholdOperator `json:"operator"`
	Value    float64           `json:"value"`
	Active   bool              `json:"active"`
}

// Triggers reports whether the metric violates this threshold's acceptable
// condition. Inactive thresholds never trigger.
func (t Threshold) Triggers(value float64) bool {
	if !t.Active {
		return false
	}
	switch t.Operator {
	case OpLT:
		return value >= t.Value
	case OpLTE:
		return value > t.Value
	case OpGT:
		return value <= t.Value
	case OpGTE:
		return value < t.Value
	case OpEQ:
		return value != t.Value
	}
	return false
}

// WhitelistItem exempts a (scope, value) pair for a seller from triggering
// anomalies.
type WhitelistItem struct {
	ID       string         `json:"id,omitempty"`
	SellerID string         `json:"seller_id"`
	Scope    WhitelistScope `json:"scope"`
	Value    string         `json:"value"`
	Active   bool           `json:"active"`
}

// RuleContext carries everything a rule may consult besides its input:
// applicable thresholds (seller-specific first, then global) and the seller's
// active whitelist.
type RuleContext struct {
	SellerID   string
	Thresholds []Threshold
	Whitelist  []WhitelistItem
}

// ThresholdsFor returns the thresholds applicable to a rule type, with
// seller-specific entries ordered before global ones.
func (rc RuleContext) ThresholdsFor(rt RuleType) []Threshold {
	var seller, global []Threshold
	for _, t := range rc.Thresholds {
		if !t.Active || t.RuleType != rt {
			continue
		}
		if t.SellerID != nil && *t.SellerID == rc.SellerID {
			seller = append(seller, t)
		} else if t.SellerID == nil {
			global = append(global, t)
		}
	}
	return append(seller, global...)
}

// IsWhitelisted reports whether an active whitelist entry matches the
// seller, scope, and value.
func (rc RuleContext) IsWhitelisted(scope WhitelistScope, value string) bool {
	if value == "" {
		return false
	}
	for _, w := range rc.Whitelist {
		if w.Active && w.SellerID == rc.SellerID && w.Scope == scope && w.Value == value {
			return true
		}
	}
	return false
}

// ============================================================================
// DETECTION JOB
// ============================================================================

// DetectionJob is one queued detection pass for a (seller, sync) pair.
type DetectionJob struct {
	ID        string      `json:"id"`
	SellerID  string      `json:"seller_id"`
	StoreID   string      `json:"store_id,omitempty"`
	SyncID    string      `json:"sync_id"`
	Status    JobStatus   `json:"status"`
	Priority  JobPriority `json:"priority"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	StartedAt time.Time   `json:"started_at,omitempty"`
}

// IdempotencyKey guarantees at most one active job per seller (and optional
// store): "sync-{seller}" or "sync-{seller}-{store}".
func (j *DetectionJob) IdempotencyKey() string {
	if j.StoreID != "" {
		return "sync-" + j.SellerID + "-" + j.StoreID
	}
	return "sync-" + j.SellerID
}

// QueueStats summarizes queue state for the admin API.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// ============================================================================
// FILING PACKET
// ============================================================================

// FilingPacket is the structured bundle handed to the downstream claim
// filer. The core only emits it; delivery is a collaborator concern.
type FilingPacket struct {
	CaseID               string            `json:"case_id,omitempty"`
	SellerID             string            `json:"seller_id"`
	SyncID               string            `json:"sync_id"`
	AnomalyType          RuleType          `json:"anomaly_type"`
	DedupeHash           string            `json:"dedupe_hash"`
	KeyDates             map[string]string `json:"key_dates"`
	PolicyCitation       string            `json:"policy_citation"`
	ExpectedValue        float64           `json:"expected_value"`
	TalkingPoints        []string          `json:"talking_points"`
	SuggestedAttachments []string          `json:"suggested_attachments"`
}
