package rules

import (
	"fmt"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

const (
	damagedMinAgeDays      = 45
	damagedMatchWindowDays = 45
	damagedFallbackUnit    = 15.0
	damagedMinTotalValue   = 5.0
	damagedConfidence      = 0.95
)

// atFaultReasonCodes are the ledger reason codes where the warehouse, not
// the seller, caused the damage.
var atFaultReasonCodes = map[string]bool{
	"E": true, "M": true, "Q": true, "K": true, "H": true,
}

// DamagedInventoryDetector hunts warehouse-at-fault damage dispositions in
// the inventory ledger that were never reimbursed. An event only qualifies
// after 45 days, giving the marketplace's own reimbursement sweep time to
// run first.
type DamagedInventoryDetector struct{}

func NewDamagedInventoryDetector() *DamagedInventoryDetector { return &DamagedInventoryDetector{} }

func (r *DamagedInventoryDetector) RuleType() core.RuleType     { return core.RuleDamagedInventory }
func (r *DamagedInventoryDetector) Priority() core.RulePriority { return core.PriorityHigh }

func (r *DamagedInventoryDetector) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	now := input.Clock()

	var out []core.Anomaly
	for _, ev := range input.Ledger {
		if !atFaultReasonCodes[ev.ReasonCode] || ev.Quantity <= 0 {
			continue
		}
		if now.Sub(ev.Date) < damagedMinAgeDays*24*time.Hour {
			continue
		}
		if ev.SKU != "" && ctx.IsWhitelisted(core.ScopeSKU, ev.SKU) {
			continue
		}
		if r.reimbursed(input, ev) {
			continue
		}

		unitValue := ev.UnitValue
		if unitValue <= 0 {
			unitValue = damagedFallbackUnit
		}
		totalValue := float64(ev.Quantity) * unitValue
		if totalValue < damagedMinTotalValue {
			continue
		}

		coreFields := map[string]interface{}{
			"event_id":    ev.EventID,
			"fnsku":       ev.FNSKU,
			"reason_code": ev.ReasonCode,
			"quantity":    ev.Quantity,
		}

		out = append(out, core.Anomaly{
			SellerID: input.SellerID,
			SyncID:   input.SyncID,
			RuleType: core.RuleDamagedInventory,
			Severity: CalculateSeverity(damagedConfidence),
			Score:    damagedConfidence,
			Summary: fmt.Sprintf("Unreimbursed damage: %d units of %s (reason %s) worth $%s",
				ev.Quantity, ev.FNSKU, ev.ReasonCode, money(totalValue)),
			Evidence: map[string]interface{}{
				"event_id":           ev.EventID,
				"fnsku":              ev.FNSKU,
				"sku":                ev.SKU,
				"reason_code":        ev.ReasonCode,
				"disposition":        ev.Disposition,
				"quantity":           ev.Quantity,
				"unit_value":         unitValue,
				"total_value":        totalValue,
				"fulfillment_center": ev.FC,
				"damage_category":    damageCategory(ev.ReasonCode),
				"damaged_at":         ev.Date.Format(time.RFC3339),
			},
			RelatedEventIDs: []string{ev.EventID},
			EstimatedValue:  totalValue,
			DedupeHash:      evidence.DedupeHash(input.SellerID, string(core.RuleDamagedInventory), coreFields),
			ClaimType:       "damaged_inventory",
			DiscoveryDate:   now,
			Status:          core.StatusPending,
		})
	}
	return out
}

// reimbursed looks for a payout on the same fnsku within 45 days after the
// damage, with a quantity within one unit of the damaged amount.
func (r *DamagedInventoryDetector) reimbursed(input *core.RuleInput, ev core.LedgerEvent) bool {
	for _, re := range input.Reimbursements {
		if re.FNSKU != ev.FNSKU {
			continue
		}
		delta := re.Date.Sub(ev.Date)
		if delta < 0 || delta > damagedMatchWindowDays*24*time.Hour {
			continue
		}
		diff := re.Quantity - ev.Quantity
		if diff >= -1 && diff <= 1 {
			return true
		}
	}
	return false
}

func damageCategory(reasonCode string) string {
	switch reasonCode {
	case "M":
		return "damaged_inbound"
	case "K":
		return "damaged_removal"
	default:
		return "damaged_warehouse"
	}
}
