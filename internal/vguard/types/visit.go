package types

import (
	"strconv"
	"strings"
	"time"
)

// DateLayout is the format of Visit.VisitDate.
const DateLayout = "2006-01-02"

// DefaultVisitDuration applies when a visit's duration is missing or unparseable.
const DefaultVisitDuration = time.Hour

type VisitStatus string

const (
	VisitRegistered      VisitStatus = "registered"
	VisitPendingApproval VisitStatus = "pending_approval"
	VisitApproved        VisitStatus = "approved"
	VisitRejected        VisitStatus = "rejected"
	VisitRescheduled     VisitStatus = "rescheduled"
	VisitCheckedIn       VisitStatus = "checked_in"
	VisitCheckedOut      VisitStatus = "checked_out"
	VisitExceeded        VisitStatus = "exceeded"
)

var knownVisitStatuses = map[VisitStatus]struct{}{
	VisitRegistered:      {},
	VisitPendingApproval: {},
	VisitApproved:        {},
	VisitRejected:        {},
	VisitRescheduled:     {},
	VisitCheckedIn:       {},
	VisitCheckedOut:      {},
	VisitExceeded:        {},
}

// ParseVisitStatus normalizes the spellings seen in stored records
// ("Checked-In", "checked_in", "Pending Approval", "Exceeded") to the
// canonical token. ok is false for values outside the enumeration; the
// normalized value is still returned so callers can report it.
func ParseVisitStatus(s string) (VisitStatus, bool) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	if n == "" {
		n = string(VisitRegistered)
	}
	st := VisitStatus(n)
	_, ok := knownVisitStatuses[st]
	return st, ok
}

// Known reports whether s is one of the canonical statuses.
func (s VisitStatus) Known() bool {
	_, ok := knownVisitStatuses[s]
	return ok
}

// Visit is one scheduled or in-progress visit of a Visitor. It owns its QR
// credential. Revision is bumped by the store on every successful update
// and is used for optimistic concurrency.
type Visit struct {
	VisitorID string        `json:"visitor_id"`
	VisitID   string        `json:"visit_id"`
	VisitDate string        `json:"visit_date"`
	Purpose   string        `json:"purpose,omitempty"`
	HostName  string        `json:"host_name,omitempty"`
	Status    VisitStatus   `json:"status"`
	Duration  time.Duration `json:"duration"`

	RejectionReason  string `json:"rejection_reason,omitempty"`
	RescheduleReason string `json:"reschedule_reason,omitempty"`

	CheckInTime      *time.Time `json:"check_in_time,omitempty"`
	CheckOutTime     *time.Time `json:"check_out_time,omitempty"`
	ExpectedCheckout *time.Time `json:"expected_checkout_time,omitempty"`
	TimeSpent        string     `json:"time_spent,omitempty"`
	TimeExceeded     bool       `json:"time_exceeded"`
	HasVisited       bool       `json:"has_visited"`
	AuthMethod       AuthMethod `json:"auth_method,omitempty"`
	Notified         bool       `json:"notified"`

	CreatedAt time.Time    `json:"created_at"`
	QR        QRCredential `json:"qr"`
	Revision  int64        `json:"revision"`
}

// HasHost reports whether a host still has to act on the visit.
func (v Visit) HasHost() bool {
	h := strings.TrimSpace(v.HostName)
	return h != "" && !strings.EqualFold(h, "N/A")
}

// Clone returns a deep copy of v.
func (v Visit) Clone() Visit {
	v.CheckInTime = cloneTime(v.CheckInTime)
	v.CheckOutTime = cloneTime(v.CheckOutTime)
	v.ExpectedCheckout = cloneTime(v.ExpectedCheckout)
	v.QR.State = v.QR.State.Clone()
	return v
}

// ParseVisitDuration reads durations as entered at registration: "2 hours",
// "1hr", "1.5", "90m". Bare numbers are hours. Anything unreadable yields
// DefaultVisitDuration.
func ParseVisitDuration(s string) time.Duration {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultVisitDuration
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	for _, suffix := range []string{"hours", "hour", "hrs", "hr", "h"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	hours, err := strconv.ParseFloat(s, 64)
	if err != nil || hours <= 0 {
		return DefaultVisitDuration
	}
	return time.Duration(hours * float64(time.Hour))
}

// FormatTimeSpent renders d as "1h 2m 3s", dropping the hour part when zero.
func FormatTimeSpent(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if h > 0 {
		return strconv.FormatInt(h, 10) + "h " + strconv.FormatInt(m, 10) + "m " + strconv.FormatInt(sec, 10) + "s"
	}
	return strconv.FormatInt(m, 10) + "m " + strconv.FormatInt(sec, 10) + "s"
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
