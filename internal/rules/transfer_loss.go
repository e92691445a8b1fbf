package rules

import (
	"fmt"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
)

const (
	transferLookbackDays  = 90
	transferMinLossValue  = 10.0
	transferDelayDays     = 14
	transferCriticalDelay = 30
)

// TransferLossDetector watches warehouse-to-warehouse moves for units that
// never arrived and for shipments stuck in transit.
type TransferLossDetector struct{}

func NewTransferLossDetector() *TransferLossDetector { return &TransferLossDetector{} }

func (r *TransferLossDetector) RuleType() core.RuleType     { return core.RuleTransferLoss }
func (r *TransferLossDetector) Priority() core.RulePriority { return core.PriorityMedium }

func (r *TransferLossDetector) Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly {
	now := input.Clock()
	cutoff := now.AddDate(0, 0, -transferLookbackDays)

	var out []core.Anomaly
	for _, tr := range input.Transfers {
		if tr.ShippedAt.Before(cutoff) {
			continue
		}
		if ctx.IsWhitelisted(core.ScopeSKU, tr.SKU) {
			continue
		}

		if a, ok := r.lossAnomaly(input, tr, now); ok {
			out = append(out, a)
		}
		if a, ok := r.delayAnomaly(input, tr, now); ok {
			out = append(out, a)
		}
	}
	return out
}

func (r *TransferLossDetector) lossAnomaly(input *core.RuleInput, tr core.TransferRecord, now time.Time) (core.Anomaly, bool) {
	if tr.Status != "received" && tr.Status != "closed" {
		return core.Anomaly{}, false
	}
	missing := tr.QuantitySent - tr.QuantityRecvd
	lossValue := float64(missing) * tr.UnitValue
	if missing <= 0 || lossValue < transferMinLossValue {
		return core.Anomaly{}, false
	}

	lossType := "partial_loss"
	if tr.QuantityRecvd == 0 {
		lossType = "total_loss"
	}
	action := "review"
	if lossValue >= 100 {
		action = "file_claim"
	}

	coreFields := map[string]interface{}{
		"transfer_id": tr.TransferID,
		"loss_type":   lossType,
		"missing":     missing,
	}

	return core.Anomaly{
		SellerID: input.SellerID,
		SyncID:   input.SyncID,
		RuleType: core.RuleTransferLoss,
		Severity: transferLossSeverity(lossValue),
		Score:    Clamp(0.5, 0.9, lossValue/500),
		Summary: fmt.Sprintf("Transfer %s lost %d units of %s (%s -> %s) worth $%s",
			tr.TransferID, missing, tr.SKU, tr.FromFC, tr.ToFC, money(lossValue)),
		Evidence: map[string]interface{}{
			"transfer_id":       tr.TransferID,
			"sku":               tr.SKU,
			"from_fc":           tr.FromFC,
			"to_fc":             tr.ToFC,
			"quantity_sent":     tr.QuantitySent,
			"quantity_received": tr.QuantityRecvd,
			"quantity_missing":  missing,
			"unit_value":        tr.UnitValue,
			"loss_value":        lossValue,
			"loss_type":         lossType,
			"action":            action,
		},
		EstimatedValue: lossValue,
		DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleTransferLoss), coreFields),
		ClaimType:      "lost_inventory",
		DiscoveryDate:  now,
		Status:         core.StatusPending,
	}, true
}

func (r *TransferLossDetector) delayAnomaly(input *core.RuleInput, tr core.TransferRecord, now time.Time) (core.Anomaly, bool) {
	if tr.Status != "in_transit" {
		return core.Anomaly{}, false
	}
	daysInTransit := int(now.Sub(tr.ShippedAt).Hours() / 24)
	if daysInTransit <= transferDelayDays {
		return core.Anomaly{}, false
	}

	severity := core.SeverityMedium
	if daysInTransit > transferCriticalDelay {
		severity = core.SeverityCritical
	}
	atRisk := float64(tr.QuantitySent) * tr.UnitValue

	coreFields := map[string]interface{}{
		"transfer_id": tr.TransferID,
		"loss_type":   "excessive_delay",
	}

	return core.Anomaly{
		SellerID: input.SellerID,
		SyncID:   input.SyncID,
		RuleType: core.RuleTransferLoss,
		Severity: severity,
		Score:    Clamp(0.5, 0.9, float64(daysInTransit)/float64(transferCriticalDelay)),
		Summary: fmt.Sprintf("Transfer %s in transit for %d days (%s -> %s), $%s at risk",
			tr.TransferID, daysInTransit, tr.FromFC, tr.ToFC, money(atRisk)),
		Evidence: map[string]interface{}{
			"transfer_id":     tr.TransferID,
			"sku":             tr.SKU,
			"from_fc":         tr.FromFC,
			"to_fc":           tr.ToFC,
			"quantity_sent":   tr.QuantitySent,
			"unit_value":      tr.UnitValue,
			"value_at_risk":   atRisk,
			"days_in_transit": daysInTransit,
			"loss_type":       "excessive_delay",
			"action":          "escalate",
		},
		EstimatedValue: atRisk,
		DedupeHash:     evidence.DedupeHash(input.SellerID, string(core.RuleTransferLoss), coreFields),
		ClaimType:      "lost_inventory",
		DiscoveryDate:  now,
		Status:         core.StatusPending,
	}, true
}

// transferLossSeverity ranks a confirmed loss by dollar value.
func transferLossSeverity(lossValue float64) core.Severity {
	switch {
	case lossValue >= 500:
		return core.SeverityCritical
	case lossValue >= 100:
		return core.SeverityHigh
	case lossValue >= 25:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}
