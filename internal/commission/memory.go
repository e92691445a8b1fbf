package commission

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is the in-process ledger used in tests and local development.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[string]int64
	invoices map[string]*Invoice
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		counters: make(map[string]int64),
		invoices: make(map[string]*Invoice),
	}
}

func (l *MemoryLedger) NextInvoiceNumber(_ context.Context, sellerID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[sellerID]++
	return l.counters[sellerID], nil
}

func (l *MemoryLedger) SaveInvoice(_ context.Context, inv *Invoice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *inv
	cp.Lines = append([]Line(nil), inv.Lines...)
	l.invoices[inv.ID] = &cp
	return nil
}

func (l *MemoryLedger) GetInvoice(_ context.Context, invoiceID string) (*Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %s not found", invoiceID)
	}
	cp := *inv
	cp.Lines = append([]Line(nil), inv.Lines...)
	return &cp, nil
}

func (l *MemoryLedger) ListInvoices(_ context.Context, sellerID string) ([]Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Invoice
	for _, inv := range l.invoices {
		if inv.SellerID == sellerID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)

// MemoryMatchStore is the in-process match store used in tests.
type MemoryMatchStore struct {
	mu      sync.Mutex
	matches map[string]*Match
	status  map[string]string // match id -> confirmed, invoiced, disputed
	invoice map[string]string // match id -> invoice id
}

// NewMemoryMatchStore creates a match store seeded with confirmed matches.
func NewMemoryMatchStore(seed []Match) *MemoryMatchStore {
	s := &MemoryMatchStore{
		matches: make(map[string]*Match),
		status:  make(map[string]string),
		invoice: make(map[string]string),
	}
	for i := range seed {
		m := seed[i]
		s.matches[m.ID] = &m
		s.status[m.ID] = "confirmed"
	}
	return s
}

func (s *MemoryMatchStore) ListConfirmed(_ context.Context, sellerID string) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Match
	for id, m := range s.matches {
		if m.SellerID == sellerID && s.status[id] == "confirmed" {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *MemoryMatchStore) MarkInvoiced(_ context.Context, matchID, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[matchID]; !ok {
		return fmt.Errorf("match %s not found", matchID)
	}
	s.status[matchID] = "invoiced"
	s.invoice[matchID] = invoiceID
	return nil
}

func (s *MemoryMatchStore) MarkDisputed(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[matchID]; !ok {
		return fmt.Errorf("match %s not found", matchID)
	}
	s.status[matchID] = "disputed"
	return nil
}

// Status reports a match's lifecycle state (tests only).
func (s *MemoryMatchStore) Status(matchID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[matchID]
}

var _ MatchStore = (*MemoryMatchStore)(nil)
