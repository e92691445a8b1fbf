package rules

import (
	"strconv"

	"github.com/reclaimly/backend/internal/core"
)

// Clamp bounds v to [min, max].
func Clamp(min, max, v float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// CalculateSeverity maps a score to a severity bucket.
func CalculateSeverity(score float64) core.Severity {
	switch {
	case score < 0.6:
		return core.SeverityLow
	case score < 0.75:
		return core.SeverityMedium
	case score < 0.9:
		return core.SeverityHigh
	default:
		return core.SeverityCritical
	}
}

// CheckThresholds reports whether any threshold's trigger condition fires
// for the metric, returning the first one that does.
func CheckThresholds(value float64, thresholds []core.Threshold) (core.Threshold, bool) {
	for _, t := range thresholds {
		if t.Triggers(value) {
			return t, true
		}
	}
	return core.Threshold{}, false
}

// money formats a dollar amount without trailing zeros: 50.0 -> "50",
// 2.5 -> "2.5".
func money(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// itemWhitelisted checks the SKU, ASIN, and VENDOR scopes for one item.
func itemWhitelisted(ctx core.RuleContext, sku, asin, vendor string) bool {
	return ctx.IsWhitelisted(core.ScopeSKU, sku) ||
		ctx.IsWhitelisted(core.ScopeASIN, asin) ||
		ctx.IsWhitelisted(core.ScopeVendor, vendor)
}
