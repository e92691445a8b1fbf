// Package rules implements the detection algorithms of the pipeline. Each
// rule is a pure function over (input, context): no I/O, no mutation of the
// input, deterministic output order and dedupe hashes for byte-equivalent
// inputs.
package rules

import (
	"github.com/reclaimly/backend/internal/core"
)

// Rule is one detector. Apply returns zero or more anomalies; it never
// returns an error (defects inside a rule are caught at the orchestrator
// boundary).
type Rule interface {
	Apply(input *core.RuleInput, ctx core.RuleContext) []core.Anomaly
	RuleType() core.RuleType
	Priority() core.RulePriority
}

// Registry returns the detectors in their fixed execution order. The order
// is part of the persistence contract: anomalies are stored in the order
// rules produce them.
func Registry() []Rule {
	return []Rule{
		NewLostUnitsRule(),
		NewDamagedStockRule(),
		NewOverchargedFeesRule(),
		NewClosedCaseAuditor(),
		NewDamagedInventoryDetector(),
		NewSLABreachDetector(DefaultSLAPolicies()),
		NewTransferLossDetector(),
	}
}
