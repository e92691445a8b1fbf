package core

import "time"

// Typed input families for the rule engine. Upstream connectors deliver
// loosely-typed rows; the adapter layer in internal/database translates them
// into these variants so rules never touch raw maps.

// InventoryItem is a lost-units candidate from an inventory reconciliation.
type InventoryItem struct {
	SKU    string  `json:"sku"`
	ASIN   string  `json:"asin"`
	FNSKU  string  `json:"fnsku,omitempty"`
	Vendor string  `json:"vendor,omitempty"`
	Units  int     `json:"units"`
	Value  float64 `json:"value"`
}

// DamagedItem is a damaged-stock candidate.
type DamagedItem struct {
	SKU          string  `json:"sku"`
	ASIN         string  `json:"asin"`
	Vendor       string  `json:"vendor,omitempty"`
	Units        int     `json:"units"`
	Value        float64 `json:"value"`
	DamageType   string  `json:"damage_type"`
	DamageReason string  `json:"damage_reason,omitempty"`
}

// FeeItem compares an expected fee against what was actually charged.
type FeeItem struct {
	FeeType     string  `json:"fee_type"`
	SKU         string  `json:"sku,omitempty"`
	ASIN        string  `json:"asin,omitempty"`
	OrderID     string  `json:"order_id,omitempty"`
	ExpectedFee float64 `json:"expected_fee"`
	ActualFee   float64 `json:"actual_fee"`
}

// ClosedCase is a historical support case for the closed-case auditor.
type ClosedCase struct {
	CaseID         string     `json:"case_id"`
	OrderID        string     `json:"order_id,omitempty"`
	CaseType       string     `json:"case_type"`
	Status         string     `json:"status"` // closed, resolved, denied
	EstimatedValue float64    `json:"estimated_value"`
	ApprovedAmount float64    `json:"approved_amount"`
	ClaimAmount    float64    `json:"claim_amount"`
	ClosedAt       time.Time  `json:"closed_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
}

// ReimbursementEvent is an upstream payout row used for follow-through and
// damaged-inventory matching.
type ReimbursementEvent struct {
	EventID  string    `json:"event_id"`
	CaseID   string    `json:"case_id,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	FNSKU    string    `json:"fnsku,omitempty"`
	Quantity int       `json:"quantity"`
	Amount   float64   `json:"amount"`
	Date     time.Time `json:"date"`
}

// LedgerEvent is an inventory-ledger row (dispositions, adjustments).
type LedgerEvent struct {
	EventID     string    `json:"event_id"`
	FNSKU       string    `json:"fnsku"`
	SKU         string    `json:"sku,omitempty"`
	Disposition string    `json:"disposition"`
	ReasonCode  string    `json:"reason_code"`
	Quantity    int       `json:"quantity"`
	UnitValue   float64   `json:"unit_value,omitempty"`
	FC          string    `json:"fulfillment_center,omitempty"`
	Date        time.Time `json:"date"`
}

// CaseTimeline captures the response milestones of a support case for the
// SLA-breach detector.
type CaseTimeline struct {
	CaseID                   string     `json:"case_id"`
	CaseType                 string     `json:"case_type"`
	CreatedAt                time.Time  `json:"created_at"`
	FirstResponseAt          *time.Time `json:"first_response_at,omitempty"`
	InvestigationStartedAt   *time.Time `json:"investigation_started_at,omitempty"`
	InvestigationCompletedAt *time.Time `json:"investigation_completed_at,omitempty"`
	DecisionAt               *time.Time `json:"decision_at,omitempty"`
	ResolvedAt               *time.Time `json:"resolved_at,omitempty"`
	ClaimAmount              float64    `json:"claim_amount"`
	ReimbursementAmount      float64    `json:"reimbursement_amount,omitempty"`
	Currency                 string     `json:"currency,omitempty"`
	SellerDelayed            bool       `json:"seller_delayed,omitempty"`
	PriorBreaches            map[string]int `json:"prior_breaches,omitempty"` // breach_type -> count
}

// TransferRecord is a warehouse-to-warehouse inventory movement.
type TransferRecord struct {
	TransferID    string     `json:"transfer_id"`
	SKU           string     `json:"sku"`
	FromFC        string     `json:"from_fc"`
	ToFC          string     `json:"to_fc"`
	QuantitySent  int        `json:"quantity_sent"`
	QuantityRecvd int        `json:"quantity_received"`
	UnitValue     float64    `json:"unit_value"`
	Status        string     `json:"status"` // in_transit, received, closed
	ShippedAt     time.Time  `json:"shipped_at"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
}

// RuleInput is the full typed snapshot a detection pass runs over.
// Rules read only the families they care about and never mutate the input.
type RuleInput struct {
	SellerID string `json:"seller_id"`
	SyncID   string `json:"sync_id"`

	Inventory           []InventoryItem      `json:"inventory,omitempty"`
	TotalUnits          int                  `json:"total_units,omitempty"`
	TotalValue          float64              `json:"total_value,omitempty"`
	DamagedStock        []DamagedItem        `json:"damaged_stock,omitempty"`
	TotalInventory      int                  `json:"total_inventory,omitempty"`
	TotalInventoryValue float64              `json:"total_inventory_value,omitempty"`
	Fees                []FeeItem            `json:"fees,omitempty"`
	Cases               []ClosedCase         `json:"cases,omitempty"`
	CaseTimelines       []CaseTimeline       `json:"case_timelines,omitempty"`
	Reimbursements      []ReimbursementEvent `json:"reimbursements,omitempty"`
	Ledger              []LedgerEvent        `json:"ledger,omitempty"`
	Transfers           []TransferRecord     `json:"transfers,omitempty"`

	// Now anchors age-based windows so a pass is reproducible in tests.
	// Zero means time.Now at rule application.
	Now time.Time `json:"-"`
}

// Clock returns the pass's reference time.
func (in *RuleInput) Clock() time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now
}
