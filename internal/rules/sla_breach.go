package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

const (
	slaMinCompensation  = 5.0
	slaShowConfidence   = 0.55
	slaFileConfidence   = 0.75
	slaPatternThreshold = 5
)

// SLAPolicy is the response-time contract for one case type. All windows
// are measured from case creation except reimbursement, which runs from the
// decision milestone.
type SLAPolicy struct {
	FirstResponseHours  float64
	InvestigationDays   int
	DecisionDays        int
	ReimbursementDays   int
	CompensationPerDay  float64
	MaxCompensationDays int
	PolicyReference     string
}

// DefaultSLAPolicies returns the built-in policy table. Admin overrides
// replace entries wholesale per case type.
func DefaultSLAPolicies() map[string]SLAPolicy {
	return map[string]SLAPolicy{
		"lost_inventory": {
			FirstResponseHours: 48, InvestigationDays: 7, DecisionDays: 14,
			ReimbursementDays: 30, CompensationPerDay: 0.50, MaxCompensationDays: 30,
			PolicyReference: "FBA-LOST-2.1",
		},
		"damaged_inventory": {
			FirstResponseHours: 48, InvestigationDays: 7, DecisionDays: 14,
			ReimbursementDays: 30, CompensationPerDay: 0.50, MaxCompensationDays: 30,
			PolicyReference: "FBA-DMG-3.2",
		},
		"fee_dispute": {
			FirstResponseHours: 24, InvestigationDays: 5, DecisionDays: 10,
			ReimbursementDays: 21, CompensationPerDay: 0.75, MaxCompensationDays: 21,
			PolicyReference: "FBA-FEE-1.4",
		},
		"inbound_shipment": {
			FirstResponseHours: 72, InvestigationDays: 14, DecisionDays: 21,
			ReimbursementDays: 45, CompensationPerDay: 0.40, MaxCompensationDays: 45,
			PolicyReference: "FBA-INB-5.1",
		},
		"general": {
			FirstResponseHours: 72, InvestigationDays: 14, DecisionDays: 21,
			ReimbursementDays: 30, CompensationPerDay: 0.25, MaxCompensationDays: 30,
			PolicyReference: "FBA-GEN-1.0",
		},
	}
}

// SLABreachDetector measures each case timeline against the policy table
// and prices the breach as compensation. Findings below the $5 floor or the
// 0.55 confidence line are suppressed; five or more breaches of one kind in
// a single pass escalate to a pattern flag.
type SLABreachDetector struct {
	policies map[string]SLAPolicy
}

func NewSLABreachDetector(policies map[string]SLAPolicy) *SLABreachDetector {
	if policies == nil {
		policies = DefaultSLAPolicies()
	}
	return &SLABreachDetector{policies: policies}
}

func (r *SLABreachDetector) RuleType() core.RuleType     { return core.RuleSLABreach }
func (r *SLABreachDetector) Priority() core.RulePriority { return core.PriorityNormal }

func (r *SLABreachDetector) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	now := input.Clock()

	var out []core.Anomaly
	counts := make(map[string]int)
	for _, tl := range input.CaseTimelines {
		policy, ok := r.policies[tl.CaseType]
		if !ok {
			policy = r.policies["general"]
		}
		for _, br := range r.breaches(tl, policy, now) {
			if br.compensation < slaMinCompensation || br.confidence < slaShowConfidence {
				continue
			}
			counts[br.breachType]++
			out = append(out, r.anomaly(input, tl, policy, br))
		}
	}

	// Five of a kind is no longer an incident, it is a pattern.
	for i := range out {
		bt, _ := out[i].Evidence["breach_type"].(string)
		if counts[bt] >= slaPatternThreshold {
			out[i].Evidence["action"] = "flag_pattern"
		}
	}
	return out
}

type slaBreach struct {
	breachType   string
	hoursOverdue float64
	daysOverdue  int
	compensation float64
	confidence   float64
	milestone    string
}

func (r *SLABreachDetector) breaches(tl core.CaseTimeline, p SLAPolicy, now time.Time) []slaBreach {
	var found []slaBreach

	add := func(breachType string, overdueHours float64, observed bool, base float64) {
		if overdueHours <= 0 {
			return
		}
		daysOverdue := int(math.Ceil(overdueHours / 24))
		comp := float64(minInt(daysOverdue, p.MaxCompensationDays)) * p.CompensationPerDay * base
		found = append(found, slaBreach{
			breachType:   breachType,
			hoursOverdue: overdueHours,
			daysOverdue:  daysOverdue,
			compensation: comp,
			confidence:   r.confidence(tl, breachType, daysOverdue, observed, p),
		})
	}

	claimBase := tl.ClaimAmount / 100

	// First response, measured in hours from creation.
	end, observed := orNow(tl.FirstResponseAt, now)
	add("first_response_exceeded", end.Sub(tl.CreatedAt).Hours()-p.FirstResponseHours, observed, claimBase)

	// Investigation and decision, measured in days from creation.
	end, observed = orNow(tl.InvestigationCompletedAt, now)
	add("investigation_exceeded", end.Sub(tl.CreatedAt).Hours()-float64(p.InvestigationDays)*24, observed, claimBase)

	end, observed = orNow(tl.DecisionAt, now)
	add("decision_exceeded", end.Sub(tl.CreatedAt).Hours()-float64(p.DecisionDays)*24, observed, claimBase)

	// Reimbursement runs from the decision and is priced on the payout.
	if tl.DecisionAt != nil && tl.ReimbursementAmount > 0 {
		end, observed = orNow(tl.ResolvedAt, now)
		add("reimbursement_delayed", end.Sub(*tl.DecisionAt).Hours()-float64(p.ReimbursementDays)*24,
			observed, tl.ReimbursementAmount/50)
	}

	return found
}

// confidence is additive over independent evidence-quality signals, capped
// at 1.0.
func (r *SLABreachDetector) confidence(tl core.CaseTimeline, breachType string, daysOverdue int, observed bool, p SLAPolicy) float64 {
	c := 0.0
	if observed {
		c += 0.30
	}
	if p.PolicyReference != "" {
		c += 0.25
	}
	if daysOverdue >= 3 {
		c += 0.20
	}
	if tl.PriorBreaches[breachType] >= 2 {
		c += 0.15
	}
	if !tl.SellerDelayed {
		c += 0.10
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func (r *SLABreachDetector) anomaly(input *core.RuleInput, tl core.CaseTimeline, p SLAPolicy, br slaBreach) core.Anomaly {
	action := "review"
	if br.confidence >= slaFileConfidence {
		action = "file_claim"
	}

	coreFields := map[string]interface{}{
		"case_id":     tl.CaseID,
		"breach_type": br.breachType,
	}

	return core.Anomaly{
		SellerID: input.SellerID,
		SyncID:   input.SyncID,
		RuleType: core.RuleSLABreach,
		Severity: slaSeverity(br.compensation, br.daysOverdue),
		Score:    br.confidence,
		Summary: fmt.Sprintf("SLA breach on case %s: %s by %d day(s), compensation $%s",
			tl.CaseID, br.breachType, br.daysOverdue, money(br.compensation)),
		Evidence: map[string]interface{}{
			"case_id":          tl.CaseID,
			"case_type":        tl.CaseType,
			"breach_type":      br.breachType,
			"hours_overdue":    br.hoursOverdue,
			"days_overdue":     br.daysOverdue,
			"compensation":     br.compensation,
			"claim_amount":     tl.ClaimAmount,
			"policy_reference": p.PolicyReference,
			"action":           action,
		},
		EstimatedValue: br.compensation,
		DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleSLABreach), coreFields),
		ClaimType:      "general",
		DiscoveryDate:  input.Clock(),
		Status:         core.StatusPending,
	}
}

// slaSeverity ranks a breach by compensation owed and how late it ran.
func slaSeverity(compensation float64, daysOverdue int) core.Severity {
	switch {
	case compensation >= 500 || daysOverdue >= 30:
		return core.SeverityCritical
	case compensation >= 100 || daysOverdue >= 14:
		return core.SeverityHigh
	case compensation >= 25 || daysOverdue >= 7:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func orNow(t *time.Time, now time.Time) (time.Time, bool) {
	if t != nil {
		return *t, true
	}
	return now, false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
