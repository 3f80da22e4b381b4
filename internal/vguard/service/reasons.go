package service

// Machine-readable reasons carried in GateResponse.Reason. Every denial has
// its own reason so security review can tell them apart.
const (
	ReasonUnauthorizedIP = "unauthorized_ip"

	ReasonNoImage      = "no_image"
	ReasonBadImage     = "bad_image"
	ReasonNoFace       = "no_face"
	ReasonBadEmbedding = "bad_embedding"

	ReasonNotRegistered  = "not_registered"
	ReasonTwinUnresolved = "twin_unresolved"
	ReasonQRFaceMismatch = "qr_face_mismatch"
	ReasonBlacklisted    = "blacklisted"
	ReasonNoVisits       = "no_visits"
	ReasonWrongDate      = "wrong_date"

	ReasonPendingApproval  = "pending_approval"
	ReasonRejected         = "rejected"
	ReasonRescheduled      = "rescheduled"
	ReasonVisitCompleted   = "visit_completed"
	ReasonNoPendingVisit   = "no_pending_visit"
	ReasonExceeded         = "exceeded"
	ReasonUnknownStatus    = "unknown_status"
	ReasonCheckoutCooldown = "checkout_cooldown"
	ReasonQRState          = "qr_state"
	ReasonQRUnparseable    = "qr_unparseable"
	ReasonScanConflict     = "scan_conflict"

	ReasonCheckedIn  = "checked_in"
	ReasonCheckedOut = "checked_out"

	ReasonInternal = "internal_error"
)
