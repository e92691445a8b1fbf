package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

var auditNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestClosedCaseUnderpayment(t *testing.T) {
	input := &core.RuleInput{
		SellerID: "seller-1",
		SyncID:   "sync-1",
		Cases: []core.ClosedCase{
			{
				CaseID:         "CASE-1",
				CaseType:       "lost_inventory",
				Status:         "closed",
				EstimatedValue: 200,
				ApprovedAmount: 100,
				ClaimAmount:    200,
				ClosedAt:       auditNow.AddDate(0, 0, -10),
			},
		},
		Now: auditNow,
	}

	anomalies := NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, "underpayment", a.Evidence["audit_type"])
	assert.Equal(t, 100.0, a.Evidence["gap"])
	assert.Equal(t, 50.0, a.Evidence["gap_pct"])
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, true, a.Evidence["reopen_recommended"])
	assert.Equal(t, 0.85, a.Score)
}

func TestClosedCaseUnderpaymentBelowGapFloor(t *testing.T) {
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			// 15% gap: under the 20% line even though the dollar gap clears $10.
			{CaseID: "CASE-2", Status: "closed", EstimatedValue: 100, ApprovedAmount: 85, ClosedAt: auditNow.AddDate(0, 0, -5)},
		},
		Now: auditNow,
	}

	assert.Empty(t, NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"}))
}

func TestClosedCaseZeroResolution(t *testing.T) {
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			{CaseID: "CASE-3", Status: "denied", ClaimAmount: 80, ClosedAt: auditNow.AddDate(0, 0, -30)},
		},
		Now: auditNow,
	}

	anomalies := NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, "zero_resolution", a.Evidence["audit_type"])
	assert.Equal(t, true, a.Evidence["reopen_recommended"])
	assert.Equal(t, 0.75, a.Score)
}

func TestClosedCaseZeroResolutionNoReopenOutsideWindow(t *testing.T) {
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			{CaseID: "CASE-4", Status: "denied", ClaimAmount: 80, ClosedAt: auditNow.AddDate(0, 0, -120)},
		},
		Now: auditNow,
	}

	anomalies := NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)
	assert.Equal(t, false, anomalies[0].Evidence["reopen_recommended"])
}

func TestClosedCaseMissingFollowThrough(t *testing.T) {
	approvedAt := auditNow.AddDate(0, 0, -20)
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			{
				CaseID:         "CASE-5",
				OrderID:        "ORDER-5",
				Status:         "resolved",
				EstimatedValue: 100,
				ApprovedAmount: 100,
				ClosedAt:       auditNow.AddDate(0, 0, -20),
				ApprovedAt:     &approvedAt,
			},
		},
		Now: auditNow,
	}

	anomalies := NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)
	assert.Equal(t, "missing_follow_through", anomalies[0].Evidence["audit_type"])
	assert.Equal(t, 0.90, anomalies[0].Score)
}

func TestClosedCaseFollowThroughSatisfiedByCaseMatch(t *testing.T) {
	approvedAt := auditNow.AddDate(0, 0, -20)
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			{CaseID: "CASE-6", Status: "resolved", EstimatedValue: 100, ApprovedAmount: 100,
				ClosedAt: auditNow.AddDate(0, 0, -20), ApprovedAt: &approvedAt},
		},
		Reimbursements: []core.ReimbursementEvent{
			{EventID: "R-1", CaseID: "CASE-6", Amount: 100, Date: auditNow.AddDate(0, 0, -10)},
		},
		Now: auditNow,
	}

	assert.Empty(t, NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"}))
}

func TestClosedCaseLookbackWindow(t *testing.T) {
	input := &core.RuleInput{
		SellerID: "seller-1",
		Cases: []core.ClosedCase{
			{CaseID: "CASE-7", Status: "closed", EstimatedValue: 200, ApprovedAmount: 50,
				ClosedAt: auditNow.AddDate(0, 0, -200)},
		},
		Now: auditNow,
	}

	assert.Empty(t, NewClosedCaseAuditor().Apply(input, core.RuleContext{SellerID: "seller-1"}))
}
