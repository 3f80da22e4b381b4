package types

import "time"

type ScanType string

const (
	ScanCheckin  ScanType = "checkin"
	ScanCheckout ScanType = "checkout"
	ScanRejected ScanType = "rejected"
)

// ScanLogEntry records one gate interaction against a visit.
type ScanLogEntry struct {
	EntryID       string     `json:"entry_id"`
	VisitorID     string     `json:"visitor_id"`
	VisitID       string     `json:"visit_id"`
	ScanType      ScanType   `json:"scan_type"`
	Timestamp     time.Time  `json:"timestamp"`
	AuthMethod    AuthMethod `json:"auth_method,omitempty"`
	QRPresented   bool       `json:"qr_presented"`
	FaceVisitorID string     `json:"face_visitor_id,omitempty"`
	Distance      *float64   `json:"distance,omitempty"`
	ClientIP      string     `json:"client_ip,omitempty"`
	Outcome       string     `json:"outcome"`
}

type TransactionAction string

const (
	ActionCheckIn  TransactionAction = "check_in"
	ActionCheckOut TransactionAction = "check_out"
)

// Transaction is the per-visit ledger entry for a completed check-in or
// check-out.
type Transaction struct {
	TxID             string            `json:"tx_id"`
	VisitorID        string            `json:"visitor_id"`
	VisitID          string            `json:"visit_id"`
	Action           TransactionAction `json:"action"`
	Timestamp        time.Time         `json:"timestamp"`
	VisitorName      string            `json:"visitor_name,omitempty"`
	HostName         string            `json:"host_name,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Duration         time.Duration     `json:"duration,omitempty"`
	ExpectedCheckout *time.Time        `json:"expected_checkout,omitempty"`
	CheckIn          *time.Time        `json:"check_in,omitempty"`
	CheckOut         *time.Time        `json:"check_out,omitempty"`
	TimeSpent        string            `json:"time_spent,omitempty"`
	FinalStatus      VisitStatus       `json:"status,omitempty"`
	AuthMethod       AuthMethod        `json:"auth_method,omitempty"`
	Distance         float64           `json:"distance"`
	ClientIP         string            `json:"client_ip,omitempty"`
}

type AlertType string

const (
	AlertQRNoFaceMatch    AlertType = "QR_NO_FACE_MATCH"
	AlertTwinDetected     AlertType = "TWIN_DETECTED"
	AlertQRFaceMismatch   AlertType = "QR_FACE_MISMATCH"
	AlertQRPossiblyStolen AlertType = "QR_POSSIBLY_STOLEN"
)

// SecurityAlert is a process-wide anomaly record shown on the dashboard.
type SecurityAlert struct {
	AlertID       string    `json:"alert_id"`
	AlertType     AlertType `json:"alert_type"`
	Timestamp     time.Time `json:"timestamp"`
	QRVisitorID   string    `json:"qr_visitor_id,omitempty"`
	QRVisitID     string    `json:"qr_visit_id,omitempty"`
	FaceVisitorID string    `json:"face_visitor_id,omitempty"`
	Candidates    []string  `json:"candidates,omitempty"`
	Distance      *float64  `json:"distance,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// NotificationKind identifies an out-of-band notice to a visitor or host.
type NotificationKind string

const (
	NoticeVisitExpiring NotificationKind = "visit_expiring"
	NoticeVisitOverdue  NotificationKind = "visit_overdue"
	NoticeSecurityAlert NotificationKind = "security_alert"
)

type Notification struct {
	Kind      NotificationKind `json:"kind"`
	VisitorID string           `json:"visitor_id,omitempty"`
	VisitID   string           `json:"visit_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Contact   string           `json:"contact,omitempty"`
	Message   string           `json:"message"`
	At        time.Time        `json:"at"`
}
