package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/vguard/internal/db"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type AuditStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAuditStore(db *sql.DB, writer *dbpkg.Worker) *AuditStore {
	return &AuditStore{db: db, writer: writer}
}

func (s *AuditStore) AppendScanLog(ctx context.Context, e types.ScanLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO qr_scan_log(
  entry_id, visitor_id, visit_id, scan_type, ts_ms, auth_method,
  qr_presented, face_visitor_id, distance, client_ip, outcome
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			e.EntryID, e.VisitorID, e.VisitID, string(e.ScanType), e.Timestamp.UTC().UnixMilli(),
			string(e.AuthMethod), boolInt(e.QRPresented), e.FaceVisitorID, floatOrNil(e.Distance),
			e.ClientIP, e.Outcome,
		); err != nil {
			return fmt.Errorf("AppendScanLog insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) AppendTransaction(ctx context.Context, t types.Transaction) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(
  tx_id, visitor_id, visit_id, action, ts_ms, visitor_name, host_name, purpose,
  duration_ms, expected_checkout_ms, check_in_ms, check_out_ms, time_spent,
  final_status, auth_method, distance, client_ip
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			t.TxID, t.VisitorID, t.VisitID, string(t.Action), t.Timestamp.UTC().UnixMilli(),
			t.VisitorName, t.HostName, t.Purpose,
			t.Duration.Milliseconds(), msOrNil(t.ExpectedCheckout), msOrNil(t.CheckIn), msOrNil(t.CheckOut),
			t.TimeSpent, string(t.FinalStatus), string(t.AuthMethod), t.Distance, t.ClientIP,
		); err != nil {
			return fmt.Errorf("AppendTransaction insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) AppendAlert(ctx context.Context, a types.SecurityAlert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO security_alerts(
  alert_id, alert_type, ts_ms, qr_visitor_id, qr_visit_id, face_visitor_id,
  candidates, distance, client_ip, detail
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			a.AlertID, string(a.AlertType), a.Timestamp.UTC().UnixMilli(),
			a.QRVisitorID, a.QRVisitID, a.FaceVisitorID,
			strings.Join(a.Candidates, ","), floatOrNil(a.Distance), a.ClientIP, a.Detail,
		); err != nil {
			return fmt.Errorf("AppendAlert insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) ScanLog(ctx context.Context, visitorID, visitID string) ([]types.ScanLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_id, visitor_id, visit_id, scan_type, ts_ms, auth_method,
       qr_presented, face_visitor_id, distance, client_ip, outcome
FROM qr_scan_log
WHERE visitor_id = ? AND visit_id = ?
ORDER BY id;
`, visitorID, visitID)
	if err != nil {
		return nil, fmt.Errorf("ScanLog query: %w", err)
	}
	defer rows.Close()

	var out []types.ScanLogEntry
	for rows.Next() {
		var (
			e                    types.ScanLogEntry
			scanType, authMethod string
			tsMs                 int64
			presented            int
			distance             sql.NullFloat64
		)
		if err := rows.Scan(
			&e.EntryID, &e.VisitorID, &e.VisitID, &scanType, &tsMs, &authMethod,
			&presented, &e.FaceVisitorID, &distance, &e.ClientIP, &e.Outcome,
		); err != nil {
			return nil, fmt.Errorf("ScanLog scan: %w", err)
		}
		e.ScanType = types.ScanType(scanType)
		e.Timestamp = timeFromMs(tsMs)
		e.AuthMethod = types.AuthMethod(authMethod)
		e.QRPresented = presented == 1
		e.Distance = floatFromNull(distance)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) Transactions(ctx context.Context, visitorID, visitID string) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tx_id, visitor_id, visit_id, action, ts_ms, visitor_name, host_name, purpose,
       duration_ms, expected_checkout_ms, check_in_ms, check_out_ms, time_spent,
       final_status, auth_method, distance, client_ip
FROM transactions
WHERE visitor_id = ? AND visit_id = ?
ORDER BY id;
`, visitorID, visitID)
	if err != nil {
		return nil, fmt.Errorf("Transactions query: %w", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var (
			t                               types.Transaction
			action, finalStatus, authMethod string
			tsMs, durationMs                int64
			expected, checkIn, checkOut     sql.NullInt64
		)
		if err := rows.Scan(
			&t.TxID, &t.VisitorID, &t.VisitID, &action, &tsMs, &t.VisitorName, &t.HostName, &t.Purpose,
			&durationMs, &expected, &checkIn, &checkOut, &t.TimeSpent,
			&finalStatus, &authMethod, &t.Distance, &t.ClientIP,
		); err != nil {
			return nil, fmt.Errorf("Transactions scan: %w", err)
		}
		t.Action = types.TransactionAction(action)
		t.Timestamp = timeFromMs(tsMs)
		t.Duration = time.Duration(durationMs) * time.Millisecond
		t.ExpectedCheckout = timeFromNull(expected)
		t.CheckIn = timeFromNull(checkIn)
		t.CheckOut = timeFromNull(checkOut)
		t.FinalStatus = types.VisitStatus(finalStatus)
		t.AuthMethod = types.AuthMethod(authMethod)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *AuditStore) ListAlerts(ctx context.Context, limit int) ([]types.SecurityAlert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT alert_id, alert_type, ts_ms, qr_visitor_id, qr_visit_id, face_visitor_id,
       candidates, distance, client_ip, detail
FROM security_alerts
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListAlerts query: %w", err)
	}
	defer rows.Close()

	var out []types.SecurityAlert
	for rows.Next() {
		var (
			a          types.SecurityAlert
			alertType  string
			tsMs       int64
			candidates string
			distance   sql.NullFloat64
		)
		if err := rows.Scan(
			&a.AlertID, &alertType, &tsMs, &a.QRVisitorID, &a.QRVisitID, &a.FaceVisitorID,
			&candidates, &distance, &a.ClientIP, &a.Detail,
		); err != nil {
			return nil, fmt.Errorf("ListAlerts scan: %w", err)
		}
		a.AlertType = types.AlertType(alertType)
		a.Timestamp = timeFromMs(tsMs)
		if candidates != "" {
			a.Candidates = strings.Split(candidates, ",")
		}
		a.Distance = floatFromNull(distance)
		out = append(out, a)
	}
	return out, rows.Err()
}
