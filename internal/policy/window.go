// Package policy computes filing deadlines for anomalies from per-claim-type
// policy windows, with business-day arithmetic against a configurable US
// federal holiday calendar.
package policy

import (
	"math"
	"time"
)

// FilingRecommendation is the triage verdict derived from a window.
type FilingRecommendation string

const (
	FileNow    FilingRecommendation = "file_now"
	FileSoon   FilingRecommendation = "file_soon"
	SafeToWait FilingRecommendation = "safe_to_wait"
	Expired    FilingRecommendation = "expired"
)

// AlertLevel classifies how loudly a window should be surfaced.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// ClaimPolicy is the window configuration for one claim type.
type ClaimPolicy struct {
	StandardDays        int  `yaml:"standard_days"`
	GracePeriodDays     int  `yaml:"grace_period_days"`
	BusinessDaysOnly    bool `yaml:"business_days_only"`
	UrgentThresholdDays int  `yaml:"urgent_threshold_days"`
	SafeThresholdDays   int  `yaml:"safe_threshold_days"`
}

// DefaultClaimPolicies returns the built-in policy table. The "general"
// entry is the fallback for unknown claim types.
func DefaultClaimPolicies() map[string]ClaimPolicy {
	return map[string]ClaimPolicy{
		"lost_inventory":    {StandardDays: 60, GracePeriodDays: 3, UrgentThresholdDays: 7, SafeThresholdDays: 21},
		"damaged_inventory": {StandardDays: 60, GracePeriodDays: 3, UrgentThresholdDays: 7, SafeThresholdDays: 21},
		"inbound_shipment":  {StandardDays: 270, GracePeriodDays: 7, UrgentThresholdDays: 14, SafeThresholdDays: 60},
		"fee_overcharge":    {StandardDays: 90, GracePeriodDays: 5, UrgentThresholdDays: 7, SafeThresholdDays: 30},
		"customer_return":   {StandardDays: 45, GracePeriodDays: 2, UrgentThresholdDays: 5, SafeThresholdDays: 14},
		"removal_order":     {StandardDays: 90, GracePeriodDays: 5, UrgentThresholdDays: 7, SafeThresholdDays: 30},
		"atoz_claim":        {StandardDays: 7, GracePeriodDays: 0, BusinessDaysOnly: true, UrgentThresholdDays: 2, SafeThresholdDays: 4},
		"chargeback":        {StandardDays: 15, GracePeriodDays: 1, BusinessDaysOnly: true, UrgentThresholdDays: 3, SafeThresholdDays: 7},
		"general":           {StandardDays: 60, GracePeriodDays: 3, UrgentThresholdDays: 7, SafeThresholdDays: 21},
	}
}

// Window is a computed policy window for one claim.
type Window struct {
	ClaimType              string               `json:"claim_type"`
	DiscoveryDate          time.Time            `json:"discovery_date"`
	DeadlineDate           time.Time            `json:"deadline_date"`
	ShouldFileBy           time.Time            `json:"should_file_by"`
	DaysRemaining          int                  `json:"days_remaining"`
	BusinessDaysRemaining  int                  `json:"business_days_remaining"`
	IsExpired              bool                 `json:"is_expired"`
	IsUrgent               bool                 `json:"is_urgent"`
	IsSafe                 bool                 `json:"is_safe"`
	GracePeriodDays        int                  `json:"grace_period_days"`
	FilingRecommendation   FilingRecommendation `json:"filing_recommendation"`
	AlertLevel             AlertLevel           `json:"alert_level"`
	AlertMessage           string               `json:"alert_message,omitempty"`
}

// Tracker computes policy windows. It holds the policy table and the
// holiday calendar; both are data, not code.
type Tracker struct {
	policies map[string]ClaimPolicy
	holidays map[string]bool
	clock    func() time.Time
}

// NewTracker builds a tracker over the given tables. Nil arguments fall
// back to the defaults.
func NewTracker(policies map[string]ClaimPolicy, holidays []time.Time) *Tracker {
	if policies == nil {
		policies = DefaultClaimPolicies()
	}
	if holidays == nil {
		holidays = DefaultUSHolidays()
	}
	hset := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hset[h.Format("2006-01-02")] = true
	}
	return &Tracker{
		policies: policies,
		holidays: hset,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the tracker's notion of now (tests).
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// PolicyFor returns the policy for a claim type, falling back to general.
func (t *Tracker) PolicyFor(claimType string) ClaimPolicy {
	if p, ok := t.policies[claimType]; ok {
		return p
	}
	return t.policies["general"]
}

// CalculateWindow computes the full policy window for a claim discovered on
// the given date.
func (t *Tracker) CalculateWindow(claimType string, discovery time.Time) Window {
	p := t.PolicyFor(claimType)
	now := t.clock()

	var deadline time.Time
	if p.BusinessDaysOnly {
		deadline = t.addBusinessDays(discovery, p.StandardDays)
	} else {
		deadline = discovery.AddDate(0, 0, p.StandardDays)
	}

	daysRemaining := int(math.Ceil(deadline.Sub(now).Hours() / 24))
	expired := daysRemaining < 0
	urgent := !expired && daysRemaining <= p.UrgentThresholdDays
	safe := !expired && daysRemaining > p.SafeThresholdDays

	buffer := 3
	if safe {
		buffer = 7
	}

	w := Window{
		ClaimType:             claimType,
		DiscoveryDate:         discovery,
		DeadlineDate:          deadline,
		ShouldFileBy:          deadline.AddDate(0, 0, -buffer),
		DaysRemaining:         daysRemaining,
		BusinessDaysRemaining: t.businessDaysBetween(now, deadline),
		IsExpired:             expired,
		IsUrgent:              urgent,
		IsSafe:                safe,
		GracePeriodDays:       p.GracePeriodDays,
	}
	w.FilingRecommendation = recommendation(w)
	w.AlertLevel, w.AlertMessage = alertFor(w, p)
	return w
}

func recommendation(w Window) FilingRecommendation {
	switch {
	case w.IsExpired:
		return Expired
	case w.IsUrgent:
		return FileNow
	case !w.IsSafe:
		return FileSoon
	default:
		return SafeToWait
	}
}

func alertFor(w Window, p ClaimPolicy) (AlertLevel, string) {
	switch {
	case w.IsExpired:
		return AlertCritical, "filing window has closed"
	case w.DaysRemaining <= p.UrgentThresholdDays:
		return AlertCritical, "file immediately"
	case w.DaysRemaining <= p.SafeThresholdDays:
		return AlertWarning, "prioritize this claim"
	case w.DaysRemaining <= 30:
		return AlertInfo, "filing window open"
	default:
		return AlertNone, ""
	}
}

// addBusinessDays advances through n non-weekend, non-holiday days.
func (t *Tracker) addBusinessDays(from time.Time, n int) time.Time {
	d := from
	for remaining := n; remaining > 0; {
		d = d.AddDate(0, 0, 1)
		if t.isBusinessDay(d) {
			remaining--
		}
	}
	return d
}

// businessDaysBetween counts business days in (from, to].
func (t *Tracker) businessDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	count := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if t.isBusinessDay(d) {
			count++
		}
	}
	return count
}

func (t *Tracker) isBusinessDay(d time.Time) bool {
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !t.holidays[d.Format("2006-01-02")]
}
