package rules

import (
	"fmt"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

const (
	closedCaseLookbackDays  = 180
	reopenWindowDays        = 90
	underpaymentMinGapPct   = 20.0
	underpaymentMinGap      = 10.0
	zeroResolutionMinClaim  = 25.0
	reopenMinClaim          = 50.0
	followThroughGraceDays  = 14
)

// ClosedCaseAuditor re-examines closed support cases for money left on the
// table: underpaid approvals, zero-value resolutions worth reopening, and
// approvals that never produced a reimbursement event.
//
// Reimbursement matching precedence: case_id first, order_id second. The
// two identifiers are heterogeneously populated upstream, so a case matches
// when either identifier lines up.
type ClosedCaseAuditor struct{}

func NewClosedCaseAuditor() *ClosedCaseAuditor { return &ClosedCaseAuditor{} }

func (r *ClosedCaseAuditor) RuleType() core.RuleType     { return core.RuleClosedCaseAudit }
func (r *ClosedCaseAuditor) Priority() core.RulePriority { return core.PriorityMedium }

func (r *ClosedCaseAuditor) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	now := input.Clock()
	cutoff := now.AddDate(0, 0, -closedCaseLookbackDays)

	var out []core.Anomaly
	for _, c := range input.Cases {
		if c.Status != "closed" && c.Status != "resolved" && c.Status != "denied" {
			continue
		}
		if c.ClosedAt.Before(cutoff) {
			continue
		}

		if a, ok := r.auditUnderpayment(input, c, now); ok {
			out = append(out, a)
		}
		if a, ok := r.auditZeroResolution(input, c, now); ok {
			out = append(out, a)
		}
		if a, ok := r.auditFollowThrough(input, c, now); ok {
			out = append(out, a)
		}
	}
	return out
}

func (r *ClosedCaseAuditor) auditUnderpayment(input *core.RuleInput, c core.ClosedCase, now time.Time) (core.Anomaly, bool) {
	if c.EstimatedValue <= 0 || c.ApprovedAmount >= c.EstimatedValue {
		return core.Anomaly{}, false
	}
	gap := c.EstimatedValue - c.ApprovedAmount
	gapPct := gap / c.EstimatedValue * 100
	if gapPct < underpaymentMinGapPct || gap < underpaymentMinGap {
		return core.Anomaly{}, false
	}

	withinReopen := now.Sub(c.ClosedAt) <= reopenWindowDays*24*time.Hour
	return r.anomaly(input, c, "underpayment", 0.85, gap, gapPct, withinReopen,
		fmt.Sprintf("Case %s underpaid: approved $%s of $%s estimated (gap $%s)",
			c.CaseID, money(c.ApprovedAmount), money(c.EstimatedValue), money(gap))), true
}

func (r *ClosedCaseAuditor) auditZeroResolution(input *core.RuleInput, c core.ClosedCase, now time.Time) (core.Anomaly, bool) {
	if c.Status != "denied" && c.Status != "closed" {
		return core.Anomaly{}, false
	}
	if c.ApprovedAmount != 0 || c.ClaimAmount < zeroResolutionMinClaim {
		return core.Anomaly{}, false
	}

	withinReopen := now.Sub(c.ClosedAt) <= reopenWindowDays*24*time.Hour
	reopen := withinReopen && c.ClaimAmount >= reopenMinClaim
	return r.anomaly(input, c, "zero_resolution", 0.75, c.ClaimAmount, 100, reopen,
		fmt.Sprintf("Case %s resolved at $0 against a $%s claim", c.CaseID, money(c.ClaimAmount))), true
}

func (r *ClosedCaseAuditor) auditFollowThrough(input *core.RuleInput, c core.ClosedCase, now time.Time) (core.Anomaly, bool) {
	if c.ApprovedAt == nil || c.ApprovedAmount <= 0 {
		return core.Anomaly{}, false
	}
	if now.Sub(*c.ApprovedAt) < followThroughGraceDays*24*time.Hour {
		return core.Anomaly{}, false
	}
	if r.hasReimbursement(input, c) {
		return core.Anomaly{}, false
	}

	return r.anomaly(input, c, "missing_follow_through", 0.90, c.ApprovedAmount, 100, false,
		fmt.Sprintf("Case %s approved $%s on %s but no reimbursement arrived",
			c.CaseID, money(c.ApprovedAmount), c.ApprovedAt.Format("2006-01-02"))), true
}

func (r *ClosedCaseAuditor) hasReimbursement(input *core.RuleInput, c core.ClosedCase) bool {
	for _, re := range input.Reimbursements {
		if c.CaseID != "" && re.CaseID == c.CaseID {
			return true
		}
		if c.OrderID != "" && re.OrderID == c.OrderID {
			return true
		}
	}
	return false
}

func (r *ClosedCaseAuditor) anomaly(input *core.RuleInput, c core.ClosedCase, auditType string, confidence, gap, gapPct float64, reopen bool, summary string) core.Anomaly {
	coreFields := map[string]interface{}{
		"case_id":    c.CaseID,
		"audit_type": auditType,
		"gap":        gap,
	}

	return core.Anomaly{
		SellerID: input.SellerID,
		SyncID:   input.SyncID,
		RuleType: core.RuleClosedCaseAudit,
		Severity: closedCaseSeverity(gap, gapPct),
		Score:    confidence,
		Summary:  summary,
		Evidence: map[string]interface{}{
			"case_id":             c.CaseID,
			"order_id":            c.OrderID,
			"case_type":           c.CaseType,
			"audit_type":          auditType,
			"status":              c.Status,
			"estimated_value":     c.EstimatedValue,
			"approved_amount":     c.ApprovedAmount,
			"claim_amount":        c.ClaimAmount,
			"gap":                 gap,
			"gap_pct":             gapPct,
			"reopen_recommended":  reopen,
			"closed_at":           c.ClosedAt.Format(time.RFC3339),
		},
		EstimatedValue: gap,
		DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleClosedCaseAudit), coreFields),
		ClaimType:      "general",
		DiscoveryDate:  input.Clock(),
		Status:         core.StatusPending,
	}
}

// closedCaseSeverity ranks a case by the absolute and relative money gap.
func closedCaseSeverity(gap, gapPct float64) core.Severity {
	switch {
	case gap >= 500 || gapPct >= 80:
		return core.SeverityCritical
	case gap >= 100 || gapPct >= 50:
		return core.SeverityHigh
	case gap >= 25 || gapPct >= 30:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}
