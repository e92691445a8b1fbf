package commission

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/reclaimly/backend/internal/database"
)

// SupabaseLedger implements Ledger on the margin_invoices table.
type SupabaseLedger struct {
	db     *database.SupabaseStore
	logger *log.Logger
}

// NewSupabaseLedger creates a ledger over an existing Supabase store.
func NewSupabaseLedger(db *database.SupabaseStore) *SupabaseLedger {
	return &SupabaseLedger{
		db:     db,
		logger: log.New(log.Writer(), "[SupabaseLedger] ", log.LstdFlags),
	}
}

// invoiceRow is the margin_invoices table shape.
type invoiceRow struct {
	ID              string  `json:"id"`
	SellerID        string  `json:"seller_id"`
	Number          int64   `json:"invoice_number"`
	PeriodStart     string  `json:"period_start"`
	PeriodEnd       string  `json:"period_end"`
	Lines           []Line  `json:"lines"`
	TotalReimbursed float64 `json:"total_reimbursed"`
	CommissionRate  float64 `json:"commission_rate"`
	CommissionDue   float64 `json:"commission_due"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	DisputeDeadline string  `json:"dispute_deadline"`
	FinalizedAt     string  `json:"finalized_at,omitempty"`
}

const invoiceTimeLayout = time.RFC3339

func toInvoiceRow(inv *Invoice) invoiceRow {
	row := invoiceRow{
		ID:              inv.ID,
		SellerID:        inv.SellerID,
		Number:          inv.Number,
		PeriodStart:     inv.PeriodStart.Format(invoiceTimeLayout),
		PeriodEnd:       inv.PeriodEnd.Format(invoiceTimeLayout),
		Lines:           inv.Lines,
		TotalReimbursed: inv.TotalReimbursed,
		CommissionRate:  inv.CommissionRate,
		CommissionDue:   inv.CommissionDue,
		Status:          string(inv.Status),
		CreatedAt:       inv.CreatedAt.Format(invoiceTimeLayout),
		DisputeDeadline: inv.DisputeDeadline.Format(invoiceTimeLayout),
	}
	if inv.FinalizedAt != nil {
		row.FinalizedAt = inv.FinalizedAt.Format(invoiceTimeLayout)
	}
	return row
}

func (row invoiceRow) toInvoice() Invoice {
	inv := Invoice{
		ID:              row.ID,
		SellerID:        row.SellerID,
		Number:          row.Number,
		Lines:           row.Lines,
		TotalReimbursed: row.TotalReimbursed,
		CommissionRate:  row.CommissionRate,
		CommissionDue:   row.CommissionDue,
		Status:          InvoiceStatus(row.Status),
	}
	inv.PeriodStart, _ = time.Parse(invoiceTimeLayout, row.PeriodStart)
	inv.PeriodEnd, _ = time.Parse(invoiceTimeLayout, row.PeriodEnd)
	inv.CreatedAt, _ = time.Parse(invoiceTimeLayout, row.CreatedAt)
	inv.DisputeDeadline, _ = time.Parse(invoiceTimeLayout, row.DisputeDeadline)
	if row.FinalizedAt != "" {
		if t, err := time.Parse(invoiceTimeLayout, row.FinalizedAt); err == nil {
			inv.FinalizedAt = &t
		}
	}
	return inv
}

// NextInvoiceNumber computes max(invoice_number)+1 for the seller. The
// unique (seller_id, invoice_number) constraint guards the race between
// concurrent generators.
func (l *SupabaseLedger) NextInvoiceNumber(ctx context.Context, sellerID string) (int64, error) {
	invoices, err := l.ListInvoices(ctx, sellerID)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, inv := range invoices {
		if inv.Number > last {
			last = inv.Number
		}
	}
	return last + 1, nil
}

func (l *SupabaseLedger) SaveInvoice(ctx context.Context, inv *Invoice) error {
	var result []invoiceRow
	_, err := l.db.Client().From("margin_invoices").
		Insert(toInvoiceRow(inv), true, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("save invoice %s: %w", inv.ID, err)
	}
	l.logger.Printf("Saved invoice %s (%s)", inv.ID, inv.Status)
	return nil
}

func (l *SupabaseLedger) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var rows []invoiceRow
	_, err := l.db.Client().From("margin_invoices").
		Select("*", "", false).
		Eq("id", invoiceID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("invoice %s not found", invoiceID)
	}
	inv := rows[0].toInvoice()
	return &inv, nil
}

func (l *SupabaseLedger) ListInvoices(ctx context.Context, sellerID string) ([]Invoice, error) {
	var rows []invoiceRow
	_, err := l.db.Client().From("margin_invoices").
		Select("*", "", false).
		Eq("seller_id", sellerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	out := make([]Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toInvoice())
	}
	return out, nil
}

func (l *SupabaseLedger) Close() error { return nil }

var _ Ledger = (*SupabaseLedger)(nil)

// SupabaseMatchStore adapts the reimbursement_matches table to MatchStore.
type SupabaseMatchStore struct {
	db *database.SupabaseStore
}

// NewSupabaseMatchStore creates the adapter.
func NewSupabaseMatchStore(db *database.SupabaseStore) *SupabaseMatchStore {
	return &SupabaseMatchStore{db: db}
}

func (s *SupabaseMatchStore) ListConfirmed(ctx context.Context, sellerID string) ([]Match, error) {
	rows, err := s.db.ListConfirmedMatches(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(rows))
	for _, row := range rows {
		m := Match{
			ID:        row.ID,
			SellerID:  row.SellerID,
			AnomalyID: row.AnomalyID,
			CaseID:    row.CaseID,
			Amount:    row.Amount,
		}
		m.MatchedAt, _ = time.Parse(invoiceTimeLayout, row.MatchedAt)
		out = append(out, m)
	}
	return out, nil
}

func (s *SupabaseMatchStore) MarkInvoiced(ctx context.Context, matchID, invoiceID string) error {
	return s.db.UpdateMatchStatus(ctx, matchID, "invoiced", invoiceID)
}

func (s *SupabaseMatchStore) MarkDisputed(ctx context.Context, matchID string) error {
	return s.db.UpdateMatchStatus(ctx, matchID, "disputed", "")
}

var _ MatchStore = (*SupabaseMatchStore)(nil)
