package store

import (
	"context"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// AuditStore is the append-only log of scans, transactions and security
// alerts. Scan entries and transactions belong to a visit; alerts are global.
type AuditStore interface {
	AppendScanLog(ctx context.Context, e types.ScanLogEntry) error
	AppendTransaction(ctx context.Context, tx types.Transaction) error
	AppendAlert(ctx context.Context, a types.SecurityAlert) error

	ScanLog(ctx context.Context, visitorID, visitID string) ([]types.ScanLogEntry, error)
	Transactions(ctx context.Context, visitorID, visitID string) ([]types.Transaction, error)

	// ListAlerts returns the most recent alerts first.
	ListAlerts(ctx context.Context, limit int) ([]types.SecurityAlert, error)
}
