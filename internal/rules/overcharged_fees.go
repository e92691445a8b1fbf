package rules

import (
	"fmt"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

// defaultOverchargeFloor applies when no OVERCHARGED_FEES threshold is
// configured: overcharges under a dollar are noise.
const defaultOverchargeFloor = 1.0

// OverchargedFeesRule compares charged fees against the expected fee
// schedule and flags the delta when it crosses a threshold.
type OverchargedFeesRule struct{}

func NewOverchargedFeesRule() *OverchargedFeesRule { return &OverchargedFeesRule{} }

func (r *OverchargedFeesRule) RuleType() core.RuleType     { return core.RuleOverchargedFees }
func (r *OverchargedFeesRule) Priority() core.RulePriority { return core.PriorityHigh }

func (r *OverchargedFeesRule) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	thresholds := ctx.ThresholdsFor(core.RuleOverchargedFees)

	var out []core.Anomaly
	for _, fee := range input.Fees {
		if itemWhitelisted(ctx, fee.SKU, fee.ASIN, "") {
			continue
		}

		overcharge := fee.ActualFee - fee.ExpectedFee
		if overcharge <= 0 {
			continue
		}
		if len(thresholds) > 0 {
			if _, hit := CheckThresholds(overcharge, thresholds); !hit {
				continue
			}
		} else if overcharge < defaultOverchargeFloor {
			continue
		}

		base := fee.ExpectedFee
		if base <= 0 {
			base = fee.ActualFee
		}
		score := Clamp(0.5, 0.9, overcharge/base)

		coreFields := map[string]interface{}{
			"fee_type":     fee.FeeType,
			"sku":          fee.SKU,
			"order_id":     fee.OrderID,
			"expected_fee": fee.ExpectedFee,
			"actual_fee":   fee.ActualFee,
		}

		out = append(out, core.Anomaly{
			SellerID: input.SellerID,
			SyncID:   input.SyncID,
			RuleType: core.RuleOverchargedFees,
			Severity: CalculateSeverity(score),
			Score:    score,
			Summary:  fmt.Sprintf("Fee overcharge detected: %s charged $%s, expected $%s", fee.FeeType, money(fee.ActualFee), money(fee.ExpectedFee)),
			Evidence: map[string]interface{}{
				"fee_type":     fee.FeeType,
				"sku":          fee.SKU,
				"asin":         fee.ASIN,
				"order_id":     fee.OrderID,
				"expected_fee": fee.ExpectedFee,
				"actual_fee":   fee.ActualFee,
				"overcharge":   overcharge,
			},
			EstimatedValue: overcharge,
			DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleOverchargedFees), coreFields),
			ClaimType:      "fee_overcharge",
			DiscoveryDate:  input.Clock(),
			Status:         core.StatusPending,
		})
	}
	return out
}
