package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

var hunterNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func damagedLedgerInput(reason string, qty int, unitValue float64, ageDays int) *core.RuleInput {
	return &core.RuleInput{
		SellerID: "seller-1",
		SyncID:   "sync-1",
		Ledger: []core.LedgerEvent{
			{
				EventID:     "EV-1",
				FNSKU:       "X001ABC",
				SKU:         "SKU001",
				Disposition: "damaged",
				ReasonCode:  reason,
				Quantity:    qty,
				UnitValue:   unitValue,
				FC:          "PHX7",
				Date:        hunterNow.AddDate(0, 0, -ageDays),
			},
		},
		Now: hunterNow,
	}
}

func TestDamagedInventoryUnreimbursed(t *testing.T) {
	anomalies := NewDamagedInventoryDetector().Apply(
		damagedLedgerInput("E", 3, 20, 60), core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, core.RuleDamagedInventory, a.RuleType)
	assert.Equal(t, 0.95, a.Score)
	assert.Equal(t, 60.0, a.EstimatedValue)
	assert.Equal(t, "damaged_warehouse", a.Evidence["damage_category"])
	assert.Equal(t, []string{"EV-1"}, a.RelatedEventIDs)
}

func TestDamagedInventoryCategoryByReasonCode(t *testing.T) {
	cases := map[string]string{"M": "damaged_inbound", "K": "damaged_removal", "Q": "damaged_warehouse"}
	for reason, want := range cases {
		anomalies := NewDamagedInventoryDetector().Apply(
			damagedLedgerInput(reason, 2, 10, 50), core.RuleContext{SellerID: "seller-1"})
		require.Len(t, anomalies, 1, "reason %s", reason)
		assert.Equal(t, want, anomalies[0].Evidence["damage_category"])
	}
}

func TestDamagedInventoryTooRecent(t *testing.T) {
	anomalies := NewDamagedInventoryDetector().Apply(
		damagedLedgerInput("E", 3, 20, 30), core.RuleContext{SellerID: "seller-1"})
	assert.Empty(t, anomalies)
}

func TestDamagedInventorySellerFaultIgnored(t *testing.T) {
	anomalies := NewDamagedInventoryDetector().Apply(
		damagedLedgerInput("D", 3, 20, 60), core.RuleContext{SellerID: "seller-1"})
	assert.Empty(t, anomalies)
}

func TestDamagedInventoryUnitValueFallback(t *testing.T) {
	anomalies := NewDamagedInventoryDetector().Apply(
		damagedLedgerInput("H", 2, 0, 60), core.RuleContext{SellerID: "seller-1"})
	require.Len(t, anomalies, 1)
	assert.Equal(t, 15.0, anomalies[0].Evidence["unit_value"])
	assert.Equal(t, 30.0, anomalies[0].EstimatedValue)
}

func TestDamagedInventoryBelowValueFloor(t *testing.T) {
	anomalies := NewDamagedInventoryDetector().Apply(
		damagedLedgerInput("E", 1, 4, 60), core.RuleContext{SellerID: "seller-1"})
	assert.Empty(t, anomalies)
}

func TestDamagedInventoryReimbursementMatch(t *testing.T) {
	input := damagedLedgerInput("E", 3, 20, 60)
	input.Reimbursements = []core.ReimbursementEvent{
		// Same fnsku, 10 days after damage, quantity off by one: still a match.
		{EventID: "R-1", FNSKU: "X001ABC", Quantity: 4, Amount: 60,
			Date: hunterNow.AddDate(0, 0, -50)},
	}

	assert.Empty(t, NewDamagedInventoryDetector().Apply(input, core.RuleContext{SellerID: "seller-1"}))
}

func TestDamagedInventoryReimbursementOutsideWindow(t *testing.T) {
	input := damagedLedgerInput("E", 3, 20, 120)
	input.Reimbursements = []core.ReimbursementEvent{
		// 60 days after the damage: outside the 45-day match window.
		{EventID: "R-2", FNSKU: "X001ABC", Quantity: 3, Amount: 60,
			Date: hunterNow.AddDate(0, 0, -60)},
	}

	anomalies := NewDamagedInventoryDetector().Apply(input, core.RuleContext{SellerID: "seller-1"})
	assert.Len(t, anomalies, 1)
}
