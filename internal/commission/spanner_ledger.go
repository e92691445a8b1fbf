package commission

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerLedger implements Ledger on Cloud Spanner. Invoice numbers come
// from a per-seller counter row updated inside a read-write transaction,
// which makes them monotonic without application locking.
type SpannerLedger struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerLedger creates a Ledger backed by Spanner.
func NewSpannerLedger(project, instance, dbName string) (Ledger, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerLedger{
		client: client,
		logger: log.New(log.Writer(), "[SpannerLedger] ", log.LstdFlags),
	}, nil
}

// NextInvoiceNumber increments and returns the seller's invoice counter.
func (sl *SpannerLedger) NextInvoiceNumber(ctx context.Context, sellerID string) (int64, error) {
	var next int64
	_, err := sl.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "InvoiceCounters", spanner.Key{sellerID}, []string{"LastNumber"})
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				next = 1
				return txn.BufferWrite([]*spanner.Mutation{
					spanner.Insert("InvoiceCounters",
						[]string{"SellerID", "LastNumber", "UpdatedAt"},
						[]interface{}{sellerID, next, spanner.CommitTimestamp},
					),
				})
			}
			return err
		}

		var last int64
		if err := row.Columns(&last); err != nil {
			return err
		}
		next = last + 1

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("InvoiceCounters",
				[]string{"SellerID", "LastNumber", "UpdatedAt"},
				[]interface{}{sellerID, next, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// SaveInvoice upserts the invoice row; lines travel as a JSON column.
func (sl *SpannerLedger) SaveInvoice(ctx context.Context, inv *Invoice) error {
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return fmt.Errorf("marshal invoice lines: %w", err)
	}

	cols := []string{
		"InvoiceID", "SellerID", "InvoiceNumber", "PeriodStart", "PeriodEnd",
		"Lines", "TotalReimbursed", "CommissionRate", "CommissionDue",
		"Status", "CreatedAt", "DisputeDeadline", "UpdatedAt",
	}
	vals := []interface{}{
		inv.ID, inv.SellerID, inv.Number, inv.PeriodStart, inv.PeriodEnd,
		string(lines), inv.TotalReimbursed, inv.CommissionRate, inv.CommissionDue,
		string(inv.Status), inv.CreatedAt, inv.DisputeDeadline, spanner.CommitTimestamp,
	}
	if inv.FinalizedAt != nil {
		cols = append(cols, "FinalizedAt")
		vals = append(vals, *inv.FinalizedAt)
	}

	_, err = sl.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("MarginInvoices", cols, vals),
	})
	if err == nil {
		sl.logger.Printf("Saved invoice %s (%s)", inv.ID, inv.Status)
	}
	return err
}

// GetInvoice fetches one invoice by id.
func (sl *SpannerLedger) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	row, err := sl.client.Single().ReadRow(ctx, "MarginInvoices", spanner.Key{invoiceID},
		[]string{"InvoiceID", "SellerID", "InvoiceNumber", "PeriodStart", "PeriodEnd",
			"Lines", "TotalReimbursed", "CommissionRate", "CommissionDue",
			"Status", "CreatedAt", "DisputeDeadline"},
	)
	if err != nil {
		return nil, err
	}
	return scanInvoice(row)
}

// ListInvoices returns all invoices of a seller, newest first.
func (sl *SpannerLedger) ListInvoices(ctx context.Context, sellerID string) ([]Invoice, error) {
	stmt := spanner.Statement{
		SQL: `SELECT InvoiceID, SellerID, InvoiceNumber, PeriodStart, PeriodEnd,
		             Lines, TotalReimbursed, CommissionRate, CommissionDue,
		             Status, CreatedAt, DisputeDeadline
		      FROM MarginInvoices
		      WHERE SellerID = @sellerID
		      ORDER BY InvoiceNumber DESC`,
		Params: map[string]interface{}{"sellerID": sellerID},
	}

	iter := sl.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []Invoice
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		inv, err := scanInvoice(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, nil
}

func scanInvoice(row *spanner.Row) (*Invoice, error) {
	var inv Invoice
	var lines, status string
	var periodStart, periodEnd, createdAt, disputeDeadline time.Time
	if err := row.Columns(
		&inv.ID, &inv.SellerID, &inv.Number, &periodStart, &periodEnd,
		&lines, &inv.TotalReimbursed, &inv.CommissionRate, &inv.CommissionDue,
		&status, &createdAt, &disputeDeadline,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lines), &inv.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal invoice lines: %w", err)
	}
	inv.PeriodStart = periodStart
	inv.PeriodEnd = periodEnd
	inv.Status = InvoiceStatus(status)
	inv.CreatedAt = createdAt
	inv.DisputeDeadline = disputeDeadline
	return &inv, nil
}

// Close closes the Spanner client.
func (sl *SpannerLedger) Close() error {
	sl.client.Close()
	return nil
}
