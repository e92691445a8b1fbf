// Package commission bills recovered reimbursements: it groups confirmed
// reimbursement matches per billing period, computes the commission, and
// manages the invoice lifecycle with its 24-hour dispute window.
package commission

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultRate is the commission taken on recovered value.
const DefaultRate = 0.20

// DefaultDisputeWindow is how long a generated invoice stays open for
// line disputes before it can be finalized.
const DefaultDisputeWindow = 24 * time.Hour

// Match is one confirmed reimbursement tied to a detection result.
type Match struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	AnomalyID string    `json:"anomaly_id"`
	CaseID    string    `json:"case_id,omitempty"`
	Amount    float64   `json:"amount"`
	MatchedAt time.Time `json:"matched_at"`
}

// InvoiceStatus is the invoice lifecycle state.
type InvoiceStatus string

const (
	InvoiceOpen      InvoiceStatus = "open" // dispute window running
	InvoiceFinalized InvoiceStatus = "finalized"
	InvoiceDisputed  InvoiceStatus = "disputed"
)

// Line is one billable match on an invoice.
type Line struct {
	MatchID    string  `json:"match_id"`
	AnomalyID  string  `json:"anomaly_id"`
	Amount     float64 `json:"amount"`
	Commission float64 `json:"commission"`
	Disputed   bool    `json:"disputed"`
}

// Invoice bills the commission for one seller and billing period.
type Invoice struct {
	ID              string        `json:"id"`
	SellerID        string        `json:"seller_id"`
	Number          int64         `json:"invoice_number"`
	PeriodStart     time.Time     `json:"period_start"`
	PeriodEnd       time.Time     `json:"period_end"`
	Lines           []Line        `json:"lines"`
	TotalReimbursed float64       `json:"total_reimbursed"`
	CommissionRate  float64       `json:"commission_rate"`
	CommissionDue   float64       `json:"commission_due"`
	Status          InvoiceStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	DisputeDeadline time.Time     `json:"dispute_deadline"`
	FinalizedAt     *time.Time    `json:"finalized_at,omitempty"`
}

// Ledger persists invoices and issues per-seller monotonic invoice numbers.
type Ledger interface {
	NextInvoiceNumber(ctx context.Context, sellerID string) (int64, error)
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	ListInvoices(ctx context.Context, sellerID string) ([]Invoice, error)
	Close() error
}

// MatchStore reads confirmed matches and moves them through their lifecycle.
type MatchStore interface {
	ListConfirmed(ctx context.Context, sellerID string) ([]Match, error)
	MarkInvoiced(ctx context.Context, matchID, invoiceID string) error
	MarkDisputed(ctx context.Context, matchID string) error
}

// Engine computes and manages commission invoices.
type Engine struct {
	ledger        Ledger
	matches       MatchStore
	rate          float64
	disputeWindow time.Duration
	logger        *log.Logger
	clock         func() time.Time
}

// NewEngine creates a commission engine. Rate zero falls back to the 20%
// default; disputeWindow zero falls back to 24 hours.
func NewEngine(ledger Ledger, matches MatchStore, rate float64, disputeWindow time.Duration) *Engine {
	if rate <= 0 {
		rate = DefaultRate
	}
	if disputeWindow <= 0 {
		disputeWindow = DefaultDisputeWindow
	}
	return &Engine{
		ledger:        ledger,
		matches:       matches,
		rate:          rate,
		disputeWindow: disputeWindow,
		logger:        log.New(log.Writer(), "[Commission] ", log.LstdFlags),
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the engine's time source (tests).
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// GenerateInvoice bills all confirmed matches of a seller that fall inside
// the billing period. The invoice opens with a dispute window; finalization
// is a separate step.
func (e *Engine) GenerateInvoice(ctx context.Context, sellerID string, periodStart, periodEnd time.Time) (*Invoice, error) {
	matches, err := e.matches.ListConfirmed(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list confirmed matches: %w", err)
	}

	var lines []Line
	for _, m := range matches {
		if m.MatchedAt.Before(periodStart) || !m.MatchedAt.Before(periodEnd) {
			continue
		}
		lines = append(lines, Line{
			MatchID:    m.ID,
			AnomalyID:  m.AnomalyID,
			Amount:     m.Amount,
			Commission: m.Amount * e.rate,
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no billable matches for %s in period", sellerID)
	}

	number, err := e.ledger.NextInvoiceNumber(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("next invoice number: %w", err)
	}

	now := e.clock()
	inv := &Invoice{
		ID:              fmt.Sprintf("INV-%s-%06d", sellerID, number),
		SellerID:        sellerID,
		Number:          number,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		Lines:           lines,
		CommissionRate:  e.rate,
		Status:          InvoiceOpen,
		CreatedAt:       now,
		DisputeDeadline: now.Add(e.disputeWindow),
	}
	e.recompute(inv)

	if err := e.ledger.SaveInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}

	e.logger.Printf("Generated invoice %s: %d lines, $%.2f commission due",
		inv.ID, len(lines), inv.CommissionDue)
	return inv, nil
}

// Dispute flags invoice lines while the dispute window is open and
// recomputes the invoice excluding the disputed lines.
func (e *Engine) Dispute(ctx context.Context, invoiceID string, matchIDs []string) (*Invoice, error) {
	inv, err := e.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceFinalized {
		return nil, fmt.Errorf("invoice %s is finalized", invoiceID)
	}
	if e.clock().After(inv.DisputeDeadline) {
		return nil, fmt.Errorf("dispute window for %s closed at %s",
			invoiceID, inv.DisputeDeadline.Format(time.RFC3339))
	}

	want := make(map[string]bool, len(matchIDs))
	for _, id := range matchIDs {
		want[id] = true
	}

	disputed := 0
	for i := range inv.Lines {
		if want[inv.Lines[i].MatchID] && !inv.Lines[i].Disputed {
			inv.Lines[i].Disputed = true
			disputed++
			if err := e.matches.MarkDisputed(ctx, inv.Lines[i].MatchID); err != nil {
				return nil, fmt.Errorf("mark match %s disputed: %w", inv.Lines[i].MatchID, err)
			}
		}
	}
	if disputed == 0 {
		return nil, fmt.Errorf("no matching lines to dispute on %s", invoiceID)
	}

	inv.Status = InvoiceDisputed
	e.recompute(inv)

	if err := e.ledger.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	e.logger.Printf("Disputed %d lines on %s, commission due now $%.2f",
		disputed, inv.ID, inv.CommissionDue)
	return inv, nil
}

// Finalize closes an invoice after its dispute window and marks the
// surviving matches as invoiced.
func (e *Engine) Finalize(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv, err := e.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceFinalized {
		return inv, nil
	}
	now := e.clock()
	if now.Before(inv.DisputeDeadline) {
		return nil, fmt.Errorf("dispute window for %s open until %s",
			invoiceID, inv.DisputeDeadline.Format(time.RFC3339))
	}

	for _, line := range inv.Lines {
		if line.Disputed {
			continue
		}
		if err := e.matches.MarkInvoiced(ctx, line.MatchID, inv.ID); err != nil {
			return nil, fmt.Errorf("mark match %s invoiced: %w", line.MatchID, err)
		}
	}

	inv.Status = InvoiceFinalized
	inv.FinalizedAt = &now
	if err := e.ledger.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}

	e.logger.Printf("Finalized invoice %s: $%.2f commission on $%.2f recovered",
		inv.ID, inv.CommissionDue, inv.TotalReimbursed)
	return inv, nil
}

// recompute rebuilds invoice totals from non-disputed lines.
func (e *Engine) recompute(inv *Invoice) {
	inv.TotalReimbursed = 0
	inv.CommissionDue = 0
	for _, line := range inv.Lines {
		if line.Disputed {
			continue
		}
		inv.TotalReimbursed += line.Amount
		inv.CommissionDue += line.Commission
	}
}
