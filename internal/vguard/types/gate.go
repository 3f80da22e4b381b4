package types

// GateStatus is the top-level outcome of a gate scan.
type GateStatus string

const (
	GateWaiting    GateStatus = "waiting"
	GateDenied     GateStatus = "denied"
	GateGranted    GateStatus = "granted"
	GateCheckedOut GateStatus = "checked_out"
	GateError      GateStatus = "error"
)

// GateRequest is one camera frame plus an optional raw QR string.
type GateRequest struct {
	Image  string `json:"image"`
	QRData string `json:"qr_data,omitempty"`

	// ClientIP is filled in by the transport, never decoded from the body.
	ClientIP string `json:"-"`
}

// GateResponse is the decision returned to the kiosk. Reason is a stable
// machine-readable code; Message is for display.
type GateResponse struct {
	Status        GateStatus `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	Message       string     `json:"message"`
	Distance      *float64   `json:"distance,omitempty"`
	VisitorID     string     `json:"visitor_id,omitempty"`
	VisitID       string     `json:"visit_id,omitempty"`
	Name          string     `json:"name,omitempty"`
	AuthMethod    AuthMethod `json:"auth_method,omitempty"`
	SecurityAlert AlertType  `json:"security_alert,omitempty"`
	Redirect      string     `json:"redirect,omitempty"`
	ServerTime    string     `json:"server_time"`
}
