package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/reclaimly/backend/internal/core"
)

// IngestionReader pulls the upstream rows an ingestion pass runs over.
// The ingestion system owns these tables; the reader only selects.
type IngestionReader struct {
	db     *sql.DB
	logger *log.Logger
}

// NewIngestionReader opens a direct Postgres connection to the ingestion
// database.
func NewIngestionReader(dsn string) (*IngestionReader, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ingestion db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ingestion db: %w", err)
	}

	return &IngestionReader{
		db:     db,
		logger: log.New(log.Writer(), "[Ingestion] ", log.LstdFlags),
	}, nil
}

// Close releases the connection pool.
func (r *IngestionReader) Close() error { return r.db.Close() }

// Healthy reports whether the database answers a ping.
func (r *IngestionReader) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx) == nil
}

// LoadRuleInput assembles the typed input snapshot for one detection pass.
// Each family loads independently; a missing family leaves its slice empty
// rather than failing the whole snapshot.
func (r *IngestionReader) LoadRuleInput(ctx context.Context, sellerID, syncID string) (*core.RuleInput, error) {
	input := &core.RuleInput{SellerID: sellerID, SyncID: syncID}

	var err error
	if input.Inventory, input.TotalUnits, input.TotalValue, err = r.loadInventory(ctx, sellerID, syncID); err != nil {
		return nil, err
	}
	if input.DamagedStock, err = r.loadDamagedStock(ctx, sellerID, syncID); err != nil {
		return nil, err
	}
	if input.Fees, err = r.loadFees(ctx, sellerID, syncID); err != nil {
		return nil, err
	}
	if input.Cases, input.CaseTimelines, err = r.loadCases(ctx, sellerID); err != nil {
		return nil, err
	}
	if input.Reimbursements, err = r.loadReimbursements(ctx, sellerID); err != nil {
		return nil, err
	}
	if input.Ledger, err = r.loadLedger(ctx, sellerID); err != nil {
		return nil, err
	}
	if input.Transfers, err = r.loadTransfers(ctx, sellerID); err != nil {
		return nil, err
	}

	input.TotalInventory = input.TotalUnits
	input.TotalInventoryValue = input.TotalValue

	r.logger.Printf("Loaded snapshot for %s/%s: %d inventory, %d damaged, %d fees, %d cases, %d ledger, %d transfers",
		sellerID, syncID, len(input.Inventory), len(input.DamagedStock), len(input.Fees),
		len(input.Cases), len(input.Ledger), len(input.Transfers))
	return input, nil
}

func (r *IngestionReader) loadInventory(ctx context.Context, sellerID, syncID string) ([]core.InventoryItem, int, float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, asin, COALESCE(fnsku, ''), COALESCE(vendor, ''), lost_units, lost_value,
		       SUM(total_units) OVER (), SUM(total_value) OVER ()
		FROM inventory_reconciliation
		WHERE seller_id = $1 AND sync_id = $2 AND lost_units > 0`,
		sellerID, syncID)
	if err != nil {
		return nil, 0, 0, core.Wrap(core.ErrStorage, "load inventory: %v", err)
	}
	defer rows.Close()

	var items []core.InventoryItem
	var totalUnits int
	var totalValue float64
	for rows.Next() {
		var it core.InventoryItem
		if err := rows.Scan(&it.SKU, &it.ASIN, &it.FNSKU, &it.Vendor, &it.Units, &it.Value,
			&totalUnits, &totalValue); err != nil {
			return nil, 0, 0, core.Wrap(core.ErrStorage, "scan inventory: %v", err)
		}
		items = append(items, it)
	}
	return items, totalUnits, totalValue, rows.Err()
}

func (r *IngestionReader) loadDamagedStock(ctx context.Context, sellerID, syncID string) ([]core.DamagedItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, asin, COALESCE(vendor, ''), units, value, damage_type, COALESCE(damage_reason, '')
		FROM damaged_stock_reports
		WHERE seller_id = $1 AND sync_id = $2`,
		sellerID, syncID)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "load damaged stock: %v", err)
	}
	defer rows.Close()

	var items []core.DamagedItem
	for rows.Next() {
		var it core.DamagedItem
		if err := rows.Scan(&it.SKU, &it.ASIN, &it.Vendor, &it.Units, &it.Value,
			&it.DamageType, &it.DamageReason); err != nil {
			return nil, core.Wrap(core.ErrStorage, "scan damaged stock: %v", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *IngestionReader) loadFees(ctx context.Context, sellerID, syncID string) ([]core.FeeItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fee_type, COALESCE(sku, ''), COALESCE(asin, ''), COALESCE(order_id, ''),
		       expected_fee, actual_fee
		FROM settlements
		WHERE seller_id = $1 AND sync_id = $2 AND actual_fee > expected_fee`,
		sellerID, syncID)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "load fees: %v", err)
	}
	defer rows.Close()

	var items []core.FeeItem
	for rows.Next() {
		var it core.FeeItem
		if err := rows.Scan(&it.FeeType, &it.SKU, &it.ASIN, &it.OrderID,
			&it.ExpectedFee, &it.ActualFee); err != nil {
			return nil, core.Wrap(core.ErrStorage, "scan fees: %v", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *IngestionReader) loadCases(ctx context.Context, sellerID string) ([]core.ClosedCase, []core.CaseTimeline, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT case_id, COALESCE(order_id, ''), case_type, status,
		       COALESCE(estimated_value, 0), COALESCE(approved_amount, 0), COALESCE(claim_amount, 0),
		       closed_at, approved_at,
		       created_at, first_response_at, investigation_started_at,
		       investigation_completed_at, decision_at, resolved_at,
		       COALESCE(reimbursement_amount, 0), COALESCE(currency, 'USD'), COALESCE(seller_delayed, false)
		FROM dispute_cases
		WHERE seller_id = $1 AND closed_at > NOW() - INTERVAL '180 days'`,
		sellerID)
	if err != nil {
		return nil, nil, core.Wrap(core.ErrStorage, "load cases: %v", err)
	}
	defer rows.Close()

	var cases []core.ClosedCase
	var timelines []core.CaseTimeline
	for rows.Next() {
		var c core.ClosedCase
		var tl core.CaseTimeline
		var closedAt sql.NullTime
		var approvedAt, firstResponse, invStarted, invCompleted, decision, resolved sql.NullTime
		if err := rows.Scan(&c.CaseID, &c.OrderID, &c.CaseType, &c.Status,
			&c.EstimatedValue, &c.ApprovedAmount, &c.ClaimAmount,
			&closedAt, &approvedAt,
			&tl.CreatedAt, &firstResponse, &invStarted,
			&invCompleted, &decision, &resolved,
			&tl.ReimbursementAmount, &tl.Currency, &tl.SellerDelayed); err != nil {
			return nil, nil, core.Wrap(core.ErrStorage, "scan case: %v", err)
		}
		if closedAt.Valid {
			c.ClosedAt = closedAt.Time
		}
		c.ApprovedAt = nullableTime(approvedAt)
		cases = append(cases, c)

		tl.CaseID = c.CaseID
		tl.CaseType = c.CaseType
		tl.ClaimAmount = c.ClaimAmount
		tl.FirstResponseAt = nullableTime(firstResponse)
		tl.InvestigationStartedAt = nullableTime(invStarted)
		tl.InvestigationCompletedAt = nullableTime(invCompleted)
		tl.DecisionAt = nullableTime(decision)
		tl.ResolvedAt = nullableTime(resolved)
		timelines = append(timelines, tl)
	}
	return cases, timelines, rows.Err()
}

func (r *IngestionReader) loadReimbursements(ctx context.Context, sellerID string) ([]core.ReimbursementEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, COALESCE(case_id, ''), COALESCE(order_id, ''), COALESCE(fnsku, ''),
		       quantity, amount, event_date
		FROM financial_events
		WHERE seller_id = $1 AND event_type = 'reimbursement'
		  AND event_date > NOW() - INTERVAL '365 days'`,
		sellerID)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "load reimbursements: %v", err)
	}
	defer rows.Close()

	var events []core.ReimbursementEvent
	for rows.Next() {
		var e core.ReimbursementEvent
		if err := rows.Scan(&e.EventID, &e.CaseID, &e.OrderID, &e.FNSKU,
			&e.Quantity, &e.Amount, &e.Date); err != nil {
			return nil, core.Wrap(core.ErrStorage, "scan reimbursement: %v", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *IngestionReader) loadLedger(ctx context.Context, sellerID string) ([]core.LedgerEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, fnsku, COALESCE(sku, ''), disposition, reason_code,
		       quantity, COALESCE(unit_value, 0), COALESCE(fulfillment_center, ''), event_date
		FROM financial_events
		WHERE seller_id = $1 AND event_type = 'ledger_adjustment'
		  AND event_date > NOW() - INTERVAL '365 days'`,
		sellerID)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "load ledger: %v", err)
	}
	defer rows.Close()

	var events []core.LedgerEvent
	for rows.Next() {
		var e core.LedgerEvent
		if err := rows.Scan(&e.EventID, &e.FNSKU, &e.SKU, &e.Disposition, &e.ReasonCode,
			&e.Quantity, &e.UnitValue, &e.FC, &e.Date); err != nil {
			return nil, core.Wrap(core.ErrStorage, "scan ledger event: %v", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *IngestionReader) loadTransfers(ctx context.Context, sellerID string) ([]core.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT transfer_id, sku, from_fc, to_fc, quantity_sent,
		       COALESCE(quantity_received, 0), COALESCE(unit_value, 0), status,
		       shipped_at, received_at
		FROM inventory_transfers
		WHERE seller_id = $1 AND shipped_at > NOW() - INTERVAL '90 days'`,
		sellerID)
	if err != nil {
		return nil, core.Wrap(core.ErrStorage, "load transfers: %v", err)
	}
	defer rows.Close()

	var transfers []core.TransferRecord
	for rows.Next() {
		var tr core.TransferRecord
		var receivedAt sql.NullTime
		if err := rows.Scan(&tr.TransferID, &tr.SKU, &tr.FromFC, &tr.ToFC, &tr.QuantitySent,
			&tr.QuantityRecvd, &tr.UnitValue, &tr.Status,
			&tr.ShippedAt, &receivedAt); err != nil {
			return nil, core.Wrap(core.ErrStorage, "scan transfer: %v", err)
		}
		tr.ReceivedAt = nullableTime(receivedAt)
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
