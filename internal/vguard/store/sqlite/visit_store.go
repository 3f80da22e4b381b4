package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	dbpkg "github.com/BrandonDHaskell/vguard/internal/db"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// VisitStore persists visits together with their QR credential state in one
// row. Updates are conditional on the revision column.
type VisitStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewVisitStore(db *sql.DB, writer *dbpkg.Worker) *VisitStore {
	return &VisitStore{db: db, writer: writer}
}

const visitColumns = `
  visitor_id, visit_id, visit_date, purpose, host_name, status, duration_ms,
  rejection_reason, reschedule_reason,
  check_in_ms, check_out_ms, expected_checkout_ms,
  time_spent, time_exceeded, has_visited, auth_method, notified, created_at_ms,
  qr_token, qr_payload, qr_expires_at_ms, qr_max_scans, qr_created_at_ms,
  qr_status, qr_scan_count, qr_checkin_scan_ms, qr_checkout_scan_ms,
  qr_auth_method, qr_invalidated_at_ms, qr_invalidated_reason,
  revision`

func (s *VisitStore) CreateVisit(ctx context.Context, v types.Visit) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Revision == 0 {
		v.Revision = 1
	}
	if v.QR.State.Status == "" {
		v.QR.State.Status = types.QRUnused
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
SELECT 1 FROM visits WHERE visitor_id = ? AND visit_id = ?;
`, v.VisitorID, v.VisitID).Scan(&exists)
		if err == nil {
			return store.ErrExists
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("CreateVisit lookup: %w", err)
		}

		var known int
		err = tx.QueryRowContext(ctx, `
SELECT 1 FROM visitors WHERE visitor_id = ?;
`, v.VisitorID).Scan(&known)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("CreateVisit visitor lookup: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO visits(`+visitColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, visitArgs(v)...); err != nil {
			return fmt.Errorf("CreateVisit insert: %w", err)
		}
		return nil
	})
}

func (s *VisitStore) GetVisit(ctx context.Context, visitorID, visitID string) (types.Visit, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+visitColumns+`
FROM visits
WHERE visitor_id = ? AND visit_id = ?;
`, visitorID, visitID)

	v, err := scanVisit(row)
	if err == sql.ErrNoRows {
		return types.Visit{}, store.ErrNotFound
	}
	if err != nil {
		return types.Visit{}, fmt.Errorf("GetVisit: %w", err)
	}
	return v, nil
}

func (s *VisitStore) ListVisits(ctx context.Context, visitorID string) ([]types.Visit, error) {
	return s.query(ctx, "ListVisits", `
SELECT `+visitColumns+`
FROM visits
WHERE visitor_id = ?
ORDER BY id;
`, visitorID)
}

func (s *VisitStore) ListVisitsByStatus(ctx context.Context, status types.VisitStatus) ([]types.Visit, error) {
	// Stored statuses are canonical, but rows imported from older records may
	// carry other spellings, so filter after normalization.
	all, err := s.query(ctx, "ListVisitsByStatus", `
SELECT `+visitColumns+`
FROM visits
ORDER BY id;
`)
	if err != nil {
		return nil, err
	}
	var out []types.Visit
	for _, v := range all {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *VisitStore) UpdateVisit(ctx context.Context, v types.Visit) (types.Visit, error) {
	var updated types.Visit

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE visits
SET visit_date            = ?,
    purpose               = ?,
    host_name             = ?,
    status                = ?,
    duration_ms           = ?,
    rejection_reason      = ?,
    reschedule_reason     = ?,
    check_in_ms           = ?,
    check_out_ms          = ?,
    expected_checkout_ms  = ?,
    time_spent            = ?,
    time_exceeded         = ?,
    has_visited           = ?,
    auth_method           = ?,
    notified              = ?,
    qr_token              = ?,
    qr_payload            = ?,
    qr_expires_at_ms      = ?,
    qr_max_scans          = ?,
    qr_created_at_ms      = ?,
    qr_status             = ?,
    qr_scan_count         = ?,
    qr_checkin_scan_ms    = ?,
    qr_checkout_scan_ms   = ?,
    qr_auth_method        = ?,
    qr_invalidated_at_ms  = ?,
    qr_invalidated_reason = ?,
    revision              = revision + 1
WHERE visitor_id = ? AND visit_id = ? AND revision = ?;
`,
			v.VisitDate, v.Purpose, v.HostName, string(v.Status), v.Duration.Milliseconds(),
			v.RejectionReason, v.RescheduleReason,
			msOrNil(v.CheckInTime), msOrNil(v.CheckOutTime), msOrNil(v.ExpectedCheckout),
			v.TimeSpent, boolInt(v.TimeExceeded), boolInt(v.HasVisited), string(v.AuthMethod), boolInt(v.Notified),
			v.QR.Token, v.QR.Payload, msOrZero(v.QR.ExpiresAt), v.QR.MaxScans, msOrZero(v.QR.CreatedAt),
			string(v.QR.State.Status), v.QR.State.ScanCount,
			msOrNil(v.QR.State.CheckinScanTime), msOrNil(v.QR.State.CheckoutScanTime),
			string(v.QR.State.AuthMethod), msOrNil(v.QR.State.InvalidatedAt), v.QR.State.InvalidatedReason,
			v.VisitorID, v.VisitID, v.Revision,
		)
		if err != nil {
			return fmt.Errorf("UpdateVisit update: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("UpdateVisit rows affected: %w", err)
		}
		if n == 0 {
			var rev int64
			err := tx.QueryRowContext(ctx, `
SELECT revision FROM visits WHERE visitor_id = ? AND visit_id = ?;
`, v.VisitorID, v.VisitID).Scan(&rev)
			if err == sql.ErrNoRows {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("UpdateVisit revision lookup: %w", err)
			}
			return store.ErrConflict
		}

		row := tx.QueryRowContext(ctx, `
SELECT `+visitColumns+`
FROM visits
WHERE visitor_id = ? AND visit_id = ?;
`, v.VisitorID, v.VisitID)
		updated, err = scanVisit(row)
		if err != nil {
			return fmt.Errorf("UpdateVisit reload: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Visit{}, err
	}
	return updated, nil
}

func (s *VisitStore) query(ctx context.Context, op, q string, args ...any) ([]types.Visit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	var out []types.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func visitArgs(v types.Visit) []any {
	return []any{
		v.VisitorID, v.VisitID, v.VisitDate, v.Purpose, v.HostName, string(v.Status), v.Duration.Milliseconds(),
		v.RejectionReason, v.RescheduleReason,
		msOrNil(v.CheckInTime), msOrNil(v.CheckOutTime), msOrNil(v.ExpectedCheckout),
		v.TimeSpent, boolInt(v.TimeExceeded), boolInt(v.HasVisited), string(v.AuthMethod), boolInt(v.Notified),
		msOrZero(v.CreatedAt),
		v.QR.Token, v.QR.Payload, msOrZero(v.QR.ExpiresAt), v.QR.MaxScans, msOrZero(v.QR.CreatedAt),
		string(v.QR.State.Status), v.QR.State.ScanCount,
		msOrNil(v.QR.State.CheckinScanTime), msOrNil(v.QR.State.CheckoutScanTime),
		string(v.QR.State.AuthMethod), msOrNil(v.QR.State.InvalidatedAt), v.QR.State.InvalidatedReason,
		v.Revision,
	}
}

func scanVisit(r rowScanner) (types.Visit, error) {
	var (
		v                                  types.Visit
		status, authMethod                 string
		qrStatus, qrAuthMethod             string
		durationMs, createdMs              int64
		qrExpiresMs, qrCreatedMs           int64
		timeExceeded, hasVisited, notified int
		checkIn, checkOut, expected        sql.NullInt64
		qrCheckin, qrCheckout, qrInvalidAt sql.NullInt64
	)
	if err := r.Scan(
		&v.VisitorID, &v.VisitID, &v.VisitDate, &v.Purpose, &v.HostName, &status, &durationMs,
		&v.RejectionReason, &v.RescheduleReason,
		&checkIn, &checkOut, &expected,
		&v.TimeSpent, &timeExceeded, &hasVisited, &authMethod, &notified, &createdMs,
		&v.QR.Token, &v.QR.Payload, &qrExpiresMs, &v.QR.MaxScans, &qrCreatedMs,
		&qrStatus, &v.QR.State.ScanCount, &qrCheckin, &qrCheckout,
		&qrAuthMethod, &qrInvalidAt, &v.QR.State.InvalidatedReason,
		&v.Revision,
	); err != nil {
		return types.Visit{}, err
	}

	st, ok := types.ParseVisitStatus(status)
	if !ok {
		slog.Warn("visit has unrecognized status", "visitor_id", v.VisitorID, "visit_id", v.VisitID, "status", status)
	}
	v.Status = st
	v.Duration = time.Duration(durationMs) * time.Millisecond
	v.CheckInTime = timeFromNull(checkIn)
	v.CheckOutTime = timeFromNull(checkOut)
	v.ExpectedCheckout = timeFromNull(expected)
	v.TimeExceeded = timeExceeded == 1
	v.HasVisited = hasVisited == 1
	v.AuthMethod = types.AuthMethod(authMethod)
	v.Notified = notified == 1
	v.CreatedAt = timeFromMs(createdMs)

	v.QR.ExpiresAt = timeFromMs(qrExpiresMs)
	v.QR.CreatedAt = timeFromMs(qrCreatedMs)
	v.QR.State.Status = types.QRStatus(qrStatus)
	v.QR.State.CheckinScanTime = timeFromNull(qrCheckin)
	v.QR.State.CheckoutScanTime = timeFromNull(qrCheckout)
	v.QR.State.AuthMethod = types.AuthMethod(qrAuthMethod)
	v.QR.State.InvalidatedAt = timeFromNull(qrInvalidAt)
	return v, nil
}
