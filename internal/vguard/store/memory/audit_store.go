package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// AuditStore is an in-memory append-only log of scans, transactions and
// alerts. It is intended for use in tests and dev environments.
type AuditStore struct {
	mu     sync.Mutex
	scans  []types.ScanLogEntry
	txs    []types.Transaction
	alerts []types.SecurityAlert
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) AppendScanLog(_ context.Context, e types.ScanLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, e)
	return nil
}

func (s *AuditStore) AppendTransaction(_ context.Context, tx types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *AuditStore) AppendAlert(_ context.Context, a types.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Candidates = append([]string(nil), a.Candidates...)
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *AuditStore) ScanLog(_ context.Context, visitorID, visitID string) ([]types.ScanLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.ScanLogEntry
	for _, e := range s.scans {
		if e.VisitorID == visitorID && e.VisitID == visitID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AuditStore) Transactions(_ context.Context, visitorID, visitID string) ([]types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Transaction
	for _, tx := range s.txs {
		if tx.VisitorID == visitorID && tx.VisitID == visitID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *AuditStore) ListAlerts(_ context.Context, limit int) ([]types.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.SecurityAlert, 0, n)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.alerts[i])
	}
	return out, nil
}

// Alerts returns a copy of all recorded alerts in insertion order.  Test-only helper.
func (s *AuditStore) Alerts() []types.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SecurityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Scans returns a copy of every scan entry.  Test-only helper.
func (s *AuditStore) Scans() []types.ScanLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScanLogEntry, len(s.scans))
	copy(out, s.scans)
	return out
}
