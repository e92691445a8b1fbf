package rules

import (
	"fmt"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

// DamagedStockRule flags stock reported damaged in a reconciliation. The
// whitelist is consulted on SKU, ASIN, and vendor independently of the
// damage type.
type DamagedStockRule struct{}

func NewDamagedStockRule() *DamagedStockRule { return &DamagedStockRule{} }

func (r *DamagedStockRule) RuleType() core.RuleType     { return core.RuleDamagedStock }
func (r *DamagedStockRule) Priority() core.RulePriority { return core.PriorityMedium }

func (r *DamagedStockRule) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	thresholds := ctx.ThresholdsFor(core.RuleDamagedStock)

	var out []core.Anomaly
	for _, item := range input.DamagedStock {
		if itemWhitelisted(ctx, item.SKU, item.ASIN, item.Vendor) {
			continue
		}

		_, unitsHit := CheckThresholds(float64(item.Units), thresholds)
		_, valueHit := CheckThresholds(item.Value, thresholds)
		if !unitsHit && !valueHit {
			continue
		}

		score := 0.5
		if input.TotalInventory > 0 && input.TotalInventoryValue > 0 {
			score = Clamp(0.5, 0.9,
				float64(item.Units)/float64(input.TotalInventory)+item.Value/input.TotalInventoryValue)
		}

		coreFields := map[string]interface{}{
			"sku":         item.SKU,
			"asin":        item.ASIN,
			"units":       item.Units,
			"value":       item.Value,
			"vendor":      item.Vendor,
			"damage_type": item.DamageType,
		}

		out = append(out, core.Anomaly{
			SellerID: input.SellerID,
			SyncID:   input.SyncID,
			RuleType: core.RuleDamagedStock,
			Severity: CalculateSeverity(score),
			Score:    score,
			Summary:  fmt.Sprintf("Damaged stock detected: %d units (%s), $%s, %s", item.Units, item.SKU, money(item.Value), item.DamageType),
			Evidence: map[string]interface{}{
				"sku":           item.SKU,
				"asin":          item.ASIN,
				"vendor":        item.Vendor,
				"units":         item.Units,
				"value":         item.Value,
				"damage_type":   item.DamageType,
				"damage_reason": item.DamageReason,
			},
			EstimatedValue: item.Value,
			DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleDamagedStock), coreFields),
			ClaimType:      "damaged_inventory",
			DiscoveryDate:  input.Clock(),
			Status:         core.StatusPending,
		})
	}
	return out
}
