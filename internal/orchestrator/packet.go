package orchestrator

import (
	"fmt"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/policy"
)

// policyCitations maps a claim type to the marketplace policy section the
// downstream filer should cite.
var policyCitations = map[string]string{
	"lost_inventory":    "FBA-LOST-2.1",
	"damaged_inventory": "FBA-DMG-3.2",
	"fee_overcharge":    "FBA-FEE-1.4",
	"inbound_shipment":  "FBA-INB-5.1",
	"customer_return":   "FBA-RET-2.3",
	"removal_order":     "FBA-REM-1.2",
	"general":           "FBA-GEN-1.0",
}

// suggestedAttachments maps a rule type to the documents worth bundling
// with the claim.
var suggestedAttachments = map[core.RuleType][]string{
	core.RuleLostUnits:        {"inventory_reconciliation_report", "evidence_document"},
	core.RuleDamagedStock:     {"damaged_stock_report", "evidence_document"},
	core.RuleOverchargedFees:  {"settlement_report", "fee_schedule", "evidence_document"},
	core.RuleClosedCaseAudit:  {"case_correspondence", "evidence_document"},
	core.RuleDamagedInventory: {"inventory_ledger_extract", "evidence_document"},
	core.RuleSLABreach:        {"case_timeline", "evidence_document"},
	core.RuleTransferLoss:     {"transfer_manifest", "evidence_document"},
}

// BuildFilingPacket assembles the structured bundle handed to the downstream
// claim filer for one finalized anomaly.
func BuildFilingPacket(a *core.Anomaly, w policy.Window) core.FilingPacket {
	citation := policyCitations[a.ClaimType]
	if citation == "" {
		citation = policyCitations["general"]
	}

	keyDates := map[string]string{
		"discovery_date": a.DiscoveryDate.Format("2006-01-02"),
		"deadline_date":  w.DeadlineDate.Format("2006-01-02"),
		"should_file_by": w.ShouldFileBy.Format("2006-01-02"),
	}

	points := []string{
		a.Summary,
		fmt.Sprintf("Estimated recovery: $%.2f", a.EstimatedValue),
		fmt.Sprintf("Filing deadline: %s (%d days remaining)",
			w.DeadlineDate.Format("2006-01-02"), w.DaysRemaining),
	}
	if ref, ok := a.Evidence["policy_reference"].(string); ok && ref != "" {
		points = append(points, "Marketplace policy cited: "+ref)
	}

	packet := core.FilingPacket{
		SellerID:             a.SellerID,
		SyncID:               a.SyncID,
		AnomalyType:          a.RuleType,
		DedupeHash:           a.DedupeHash,
		KeyDates:             keyDates,
		PolicyCitation:       citation,
		ExpectedValue:        a.EstimatedValue,
		TalkingPoints:        points,
		SuggestedAttachments: suggestedAttachments[a.RuleType],
	}
	if caseID, ok := a.Evidence["case_id"].(string); ok {
		packet.CaseID = caseID
	}
	return packet
}
