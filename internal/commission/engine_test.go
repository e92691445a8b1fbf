package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var billingStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func billingPeriod() (time.Time, time.Time) {
	return billingStart, billingStart.AddDate(0, 1, 0)
}

func seedMatches() []Match {
	return []Match{
		{ID: "m-1", SellerID: "seller-1", AnomalyID: "anom-1", Amount: 500, MatchedAt: billingStart.AddDate(0, 0, 3)},
		{ID: "m-2", SellerID: "seller-1", AnomalyID: "anom-2", Amount: 250, MatchedAt: billingStart.AddDate(0, 0, 10)},
		{ID: "m-3", SellerID: "seller-1", AnomalyID: "anom-3", Amount: 100, MatchedAt: billingStart.AddDate(0, -1, 0)}, // previous period
		{ID: "m-4", SellerID: "seller-2", AnomalyID: "anom-4", Amount: 900, MatchedAt: billingStart.AddDate(0, 0, 5)},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryLedger, *MemoryMatchStore, *time.Time) {
	t.Helper()
	now := billingStart.AddDate(0, 1, 1)
	ledger := NewMemoryLedger()
	matches := NewMemoryMatchStore(seedMatches())
	engine := NewEngine(ledger, matches, 0, 0).WithClock(func() time.Time { return now })
	return engine, ledger, matches, &now
}

func TestGenerateInvoiceTotals(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	assert.Equal(t, "INV-seller-1-000001", inv.ID)
	assert.EqualValues(t, 1, inv.Number)
	assert.Equal(t, InvoiceOpen, inv.Status)
	assert.Len(t, inv.Lines, 2) // m-3 is outside the period, m-4 another seller
	assert.InDelta(t, 750.0, inv.TotalReimbursed, 0.001)
	assert.InDelta(t, 150.0, inv.CommissionDue, 0.001) // 20% of 750
	assert.Equal(t, inv.CreatedAt.Add(DefaultDisputeWindow), inv.DisputeDeadline)
}

func TestGenerateInvoiceEmptyPeriod(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	_, err := engine.GenerateInvoice(context.Background(), "seller-1",
		billingStart.AddDate(1, 0, 0), billingStart.AddDate(1, 1, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no billable matches")
}

func TestInvoiceNumbersMonotonicPerSeller(t *testing.T) {
	ledger := NewMemoryLedger()

	for want := int64(1); want <= 3; want++ {
		n, err := ledger.NextInvoiceNumber(context.Background(), "seller-1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := ledger.NextInvoiceNumber(context.Background(), "seller-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDisputeRecomputesTotals(t *testing.T) {
	engine, _, matches, _ := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	disputed, err := engine.Dispute(context.Background(), inv.ID, []string{"m-1"})
	require.NoError(t, err)

	assert.Equal(t, InvoiceDisputed, disputed.Status)
	assert.InDelta(t, 250.0, disputed.TotalReimbursed, 0.001)
	assert.InDelta(t, 50.0, disputed.CommissionDue, 0.001)
	assert.Equal(t, "disputed", matches.Status("m-1"))
	assert.Equal(t, "confirmed", matches.Status("m-2"))
}

func TestDisputeRejectedAfterWindow(t *testing.T) {
	engine, _, _, now := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	*now = now.Add(DefaultDisputeWindow + time.Minute)
	_, err = engine.Dispute(context.Background(), inv.ID, []string{"m-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispute window")
}

func TestDisputeUnknownLines(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	_, err = engine.Dispute(context.Background(), inv.ID, []string{"m-99"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching lines")
}

func TestFinalizeBlockedUntilDeadline(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	_, err = engine.Finalize(context.Background(), inv.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open until")
}

func TestFinalizeMarksMatchesInvoiced(t *testing.T) {
	engine, ledger, matches, now := newTestEngine(t)
	start, end := billingPeriod()

	inv, err := engine.GenerateInvoice(context.Background(), "seller-1", start, end)
	require.NoError(t, err)

	_, err = engine.Dispute(context.Background(), inv.ID, []string{"m-2"})
	require.NoError(t, err)

	*now = now.Add(DefaultDisputeWindow + time.Minute)
	final, err := engine.Finalize(context.Background(), inv.ID)
	require.NoError(t, err)

	assert.Equal(t, InvoiceFinalized, final.Status)
	require.NotNil(t, final.FinalizedAt)
	assert.Equal(t, *now, *final.FinalizedAt)
	assert.Equal(t, "invoiced", matches.Status("m-1"))
	assert.Equal(t, "disputed", matches.Status("m-2"))

	// Finalize is idempotent once closed.
	again, err := engine.Finalize(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceFinalized, again.Status)

	saved, err := ledger.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceFinalized, saved.Status)
}
