package rules

import (
	"fmt"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

// LostUnitsRule flags inventory items the warehouse can no longer account
// for. A threshold list typically carries both a percentage-of-total and an
// absolute-value trigger; crossing either fires the rule.
type LostUnitsRule struct{}

func NewLostUnitsRule() *LostUnitsRule { return &LostUnitsRule{} }

func (r *LostUnitsRule) RuleType() core.RuleType     { return core.RuleLostUnits }
func (r *LostUnitsRule) Priority() core.RulePriority { return core.PriorityHigh }

func (r *LostUnitsRule) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	if input.TotalUnits <= 0 {
		return nil
	}
	thresholds := ctx.ThresholdsFor(core.RuleLostUnits)

	var out []core.Anomaly
	for _, item := range input.Inventory {
		if itemWhitelisted(ctx, item.SKU, item.ASIN, item.Vendor) {
			continue
		}

		lostPct := float64(item.Units) / float64(input.TotalUnits)
		lostValue := item.Value

		_, pctHit := CheckThresholds(lostPct, thresholds)
		_, valHit := CheckThresholds(lostValue, thresholds)
		if !pctHit && !valHit {
			continue
		}

		score := Clamp(0.5, 0.9, lostPct*10+lostValue/input.TotalValue)

		coreFields := map[string]interface{}{
			"sku":    item.SKU,
			"asin":   item.ASIN,
			"units":  item.Units,
			"value":  item.Value,
			"vendor": item.Vendor,
		}

		out = append(out, core.Anomaly{
			SellerID:       input.SellerID,
			SyncID:         input.SyncID,
			RuleType:       core.RuleLostUnits,
			Severity:       CalculateSeverity(score),
			Score:          score,
			Summary:        fmt.Sprintf("Lost units detected: %d units (%s) worth $%s", item.Units, item.SKU, money(item.Value)),
			Evidence: map[string]interface{}{
				"sku":         item.SKU,
				"asin":        item.ASIN,
				"vendor":      item.Vendor,
				"units":       item.Units,
				"value":       item.Value,
				"lost_pct":    lostPct,
				"total_units": input.TotalUnits,
				"total_value": input.TotalValue,
			},
			EstimatedValue: item.Value,
			DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleLostUnits), coreFields),
			ClaimType:      "lost_inventory",
			DiscoveryDate:  input.Clock(),
			Status:         core.StatusPending,
		})
	}
	return out
}
