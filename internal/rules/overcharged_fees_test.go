package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

func feeInput(expected, actual float64) *core.RuleInput {
	return &core.RuleInput{
		SellerID: "seller-1",
		SyncID:   "sync-1",
		Fees: []core.FeeItem{
			{FeeType: "fba_fulfillment", SKU: "SKU001", OrderID: "ORDER-1",
				ExpectedFee: expected, ActualFee: actual},
		},
	}
}

func TestOverchargedFeeFires(t *testing.T) {
	ctx := core.RuleContext{
		SellerID: "seller-1",
		Thresholds: []core.Threshold{
			{RuleType: core.RuleOverchargedFees, Operator: core.OpLT, Value: 0.50, Active: true},
		},
	}

	anomalies := NewOverchargedFeesRule().Apply(feeInput(3.00, 5.50), ctx)
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, 2.5, a.Evidence["overcharge"])
	assert.Equal(t, 2.5, a.EstimatedValue)
	assert.Equal(t, "fee_overcharge", a.ClaimType)
	// 2.5/3.0 ratio lands in the high band.
	assert.Equal(t, core.SeverityHigh, a.Severity)
}

func TestOverchargedFeeBelowThreshold(t *testing.T) {
	ctx := core.RuleContext{
		SellerID: "seller-1",
		Thresholds: []core.Threshold{
			{RuleType: core.RuleOverchargedFees, Operator: core.OpLT, Value: 5.00, Active: true},
		},
	}

	assert.Empty(t, NewOverchargedFeesRule().Apply(feeInput(3.00, 5.50), ctx))
}

func TestOverchargedFeeUndercharge(t *testing.T) {
	ctx := core.RuleContext{SellerID: "seller-1"}
	assert.Empty(t, NewOverchargedFeesRule().Apply(feeInput(5.00, 3.00), ctx))
}

func TestOverchargedFeeDefaultFloor(t *testing.T) {
	ctx := core.RuleContext{SellerID: "seller-1"}

	assert.Empty(t, NewOverchargedFeesRule().Apply(feeInput(3.00, 3.50), ctx))
	assert.Len(t, NewOverchargedFeesRule().Apply(feeInput(3.00, 4.50), ctx), 1)
}
