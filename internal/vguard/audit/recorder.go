// Package audit writes the per-visit scan log and transactions and the
// process-wide security-alert log.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/vguard/internal/vguard/notify"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// Recorder stamps ids and timestamps on audit records and persists them.
type Recorder struct {
	store    store.AuditStore
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewRecorder(s store.AuditStore, n notify.Notifier, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, notifier: n, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Scan appends a scan-log entry. A failed write is logged, not returned: the
// gate decision has already been made and must still reach the visitor.
func (r *Recorder) Scan(ctx context.Context, e types.ScanLogEntry) {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if err := r.store.AppendScanLog(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "scan log write failed",
			"visitor_id", e.VisitorID, "visit_id", e.VisitID, "scan_type", e.ScanType, "error", err)
	}
}

// Transaction appends a check-in or check-out ledger entry. Failures are
// logged like Scan.
func (r *Recorder) Transaction(ctx context.Context, tx types.Transaction) {
	if tx.TxID == "" {
		tx.TxID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = r.now().UTC()
	}
	if err := r.store.AppendTransaction(ctx, tx); err != nil {
		r.logger.ErrorContext(ctx, "transaction write failed",
			"visitor_id", tx.VisitorID, "visit_id", tx.VisitID, "action", tx.Action, "error", err)
	}
}

// Alert persists a security alert and fans it out to the notifier. Unlike
// scans, a lost alert is reported to the caller.
func (r *Recorder) Alert(ctx context.Context, a types.SecurityAlert) (types.SecurityAlert, error) {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}

	r.logger.WarnContext(ctx, "security alert",
		"alert_type", a.AlertType,
		"qr_visitor_id", a.QRVisitorID,
		"qr_visit_id", a.QRVisitID,
		"face_visitor_id", a.FaceVisitorID,
		"candidates", a.Candidates,
		"client_ip", a.ClientIP,
	)

	if err := r.store.AppendAlert(ctx, a); err != nil {
		return a, fmt.Errorf("Alert: %w", err)
	}

	if r.notifier != nil {
		note := types.Notification{
			Kind:      types.NoticeSecurityAlert,
			VisitorID: firstNonEmpty(a.QRVisitorID, a.FaceVisitorID),
			VisitID:   a.QRVisitID,
			Message:   alertMessage(a),
			At:        a.Timestamp,
		}
		if err := r.notifier.Notify(ctx, note); err != nil {
			r.logger.WarnContext(ctx, "alert notification failed", "alert_id", a.AlertID, "error", err)
		}
	}
	return a, nil
}

func (r *Recorder) Alerts(ctx context.Context, limit int) ([]types.SecurityAlert, error) {
	return r.store.ListAlerts(ctx, limit)
}

func (r *Recorder) ScanLog(ctx context.Context, visitorID, visitID string) ([]types.ScanLogEntry, error) {
	return r.store.ScanLog(ctx, visitorID, visitID)
}

func (r *Recorder) Transactions(ctx context.Context, visitorID, visitID string) ([]types.Transaction, error) {
	return r.store.Transactions(ctx, visitorID, visitID)
}

func alertMessage(a types.SecurityAlert) string {
	switch a.AlertType {
	case types.AlertQRNoFaceMatch:
		return "QR code presented by an unregistered face"
	case types.AlertTwinDetected:
		return "Face matched several visitors too closely to tell apart"
	case types.AlertQRFaceMismatch:
		return "QR code belongs to a different visitor than the face"
	case types.AlertQRPossiblyStolen:
		return "Visitor checked out without their QR code; credential invalidated"
	}
	if a.Detail != "" {
		return a.Detail
	}
	return string(a.AlertType)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
