package types

import "time"

type QRStatus string

const (
	QRUnused         QRStatus = "UNUSED"
	QRCheckinUsed    QRStatus = "CHECKIN_USED"
	QRAssumedScanned QRStatus = "ASSUMED_SCANNED"
	QRCheckoutUsed   QRStatus = "CHECKOUT_USED"
	QRInvalidated    QRStatus = "INVALIDATED"
)

// Terminal reports whether no further transition is possible from s.
func (s QRStatus) Terminal() bool {
	return s == QRCheckoutUsed || s == QRInvalidated
}

// AuthMethod records which factors authenticated a gate action.
type AuthMethod string

const (
	AuthDual     AuthMethod = "dual"
	AuthFaceOnly AuthMethod = "face_only"
)

// QRState is the lifecycle of a visit's QR credential.
type QRState struct {
	Status            QRStatus   `json:"status"`
	ScanCount         int        `json:"scan_count"`
	CheckinScanTime   *time.Time `json:"checkin_scan_time,omitempty"`
	CheckoutScanTime  *time.Time `json:"checkout_scan_time,omitempty"`
	AuthMethod        AuthMethod `json:"auth_method,omitempty"`
	InvalidatedAt     *time.Time `json:"invalidated_at,omitempty"`
	InvalidatedReason string     `json:"invalidated_reason,omitempty"`
}

// LastScan returns the most recent scan timestamp, or nil.
func (s QRState) LastScan() *time.Time {
	last := s.CheckinScanTime
	if s.CheckoutScanTime != nil && (last == nil || s.CheckoutScanTime.After(*last)) {
		last = s.CheckoutScanTime
	}
	return last
}

func (s QRState) Clone() QRState {
	s.CheckinScanTime = cloneTime(s.CheckinScanTime)
	s.CheckoutScanTime = cloneTime(s.CheckoutScanTime)
	s.InvalidatedAt = cloneTime(s.InvalidatedAt)
	return s
}

// QRCredential is the token material bound to exactly one visit.
type QRCredential struct {
	Token     string    `json:"-"`
	Payload   string    `json:"payload,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxScans  int       `json:"max_scans"`
	CreatedAt time.Time `json:"created_at"`
	State     QRState   `json:"state"`
}

// QRPayload is the decoded content of a visitor's QR code. Keys are kept
// short to keep the symbol small.
type QRPayload struct {
	VisitorID string `json:"v"`
	VisitID   string `json:"i"`
	Token     string `json:"k"`
	Expiry    string `json:"e"`
}
