package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

const (
	reasonStolenQR    = "checked out without QR code: possible lost/stolen credential"
	reasonFaceOnlyOut = "checked out face-only"
)

// dispatch acts on the visit's current status.
func (s *GateService) dispatch(ctx context.Context, sc *scanState, visitor types.Visitor, visit types.Visit) types.GateResponse {
	switch visit.Status {
	case types.VisitRegistered:
		if visit.HasHost() {
			return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonPendingApproval,
				fmt.Sprintf("Meeting pending approval from %s. Please wait for approval before checking in.", visit.HostName))
		}
		return s.checkIn(ctx, sc, visitor, visit)

	case types.VisitPendingApproval:
		host := visit.HostName
		if !visit.HasHost() {
			host = "your host"
		}
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonPendingApproval,
			fmt.Sprintf("Meeting pending approval from %s. Please wait for approval before checking in.", host))

	case types.VisitApproved:
		return s.checkIn(ctx, sc, visitor, visit)

	case types.VisitRejected:
		msg := "Your visit has been rejected. You cannot check in now."
		if visit.HasHost() {
			msg = fmt.Sprintf("%s has rejected your visit. You cannot check in now.", visit.HostName)
		}
		if visit.RejectionReason != "" {
			msg += " Reason: " + visit.RejectionReason
		}
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonRejected, msg)

	case types.VisitRescheduled:
		msg := fmt.Sprintf("Your visit has been rescheduled to %s. You cannot check in until it is approved again.", visit.VisitDate)
		if visit.HasHost() {
			msg = fmt.Sprintf("%s has rescheduled your visit to %s. You cannot check in until it is approved again.", visit.HostName, visit.VisitDate)
		}
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonRescheduled, msg)

	case types.VisitCheckedIn:
		if visit.HasVisited {
			return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonVisitCompleted,
				"Visit already completed. Please register for a new visit.")
		}
		return s.checkOut(ctx, sc, visitor, visit)

	case types.VisitCheckedOut:
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonNoPendingVisit,
			fmt.Sprintf("No pending visits for today, %s.", visitor.Name))

	case types.VisitExceeded:
		s.notifyOverdue(ctx, visitor, visit)
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonExceeded,
			"You have exceeded your visit duration. Please contact reception.")

	default:
		s.logger.WarnContext(ctx, "visit has unknown status",
			"visitor_id", visit.VisitorID, "visit_id", visit.VisitID, "status", visit.Status)
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonUnknownStatus,
			fmt.Sprintf("Access denied. Unknown visit status: %s", visit.Status))
	}
}

func (s *GateService) checkIn(ctx context.Context, sc *scanState, visitor types.Visitor, visit types.Visit) types.GateResponse {
	at := sc.at.UTC()
	method := sc.authMethod()

	next := visit.Clone()
	to := types.QRAssumedScanned
	if sc.qrValid {
		to = types.QRCheckinUsed
	}
	if err := s.qr.Advance(&next, to); err != nil {
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonQRState,
			"The QR credential for this visit is no longer valid. Please contact reception.")
	}

	duration := durationOr(visit.Duration)
	expected := at.Add(duration)

	next.Status = types.VisitCheckedIn
	next.CheckInTime = &at
	next.ExpectedCheckout = &expected
	next.CheckOutTime = nil
	next.HasVisited = false
	next.AuthMethod = method
	next.Notified = false

	updated, resp, done := s.commit(ctx, sc, next)
	if done {
		return resp
	}

	s.audit.Scan(ctx, types.ScanLogEntry{
		VisitorID:     visit.VisitorID,
		VisitID:       visit.VisitID,
		ScanType:      types.ScanCheckin,
		Timestamp:     at,
		AuthMethod:    method,
		QRPresented:   sc.qrPresented,
		FaceVisitorID: visitor.VisitorID,
		Distance:      sc.distance,
		ClientIP:      sc.clientIP,
		Outcome:       ReasonCheckedIn,
	})
	s.audit.Transaction(ctx, types.Transaction{
		VisitorID:        visit.VisitorID,
		VisitID:          visit.VisitID,
		Action:           types.ActionCheckIn,
		Timestamp:        at,
		VisitorName:      visitor.Name,
		HostName:         visit.HostName,
		Purpose:          visit.Purpose,
		Duration:         duration,
		ExpectedCheckout: &expected,
		CheckIn:          &at,
		FinalStatus:      updated.Status,
		AuthMethod:       method,
		Distance:         distanceOf(sc),
		ClientIP:         sc.clientIP,
	})
	s.logger.InfoContext(ctx, "check-in completed",
		"visitor_id", visit.VisitorID, "visit_id", visit.VisitID, "auth_method", method)

	msg := fmt.Sprintf("Successful check-in of %s.", visitor.Name)
	switch {
	case visit.Status == types.VisitApproved && visit.HasHost():
		msg = fmt.Sprintf("%s approved %s's visit. Check-in successful.", visit.HostName, visitor.Name)
	case visit.HasHost():
		msg = fmt.Sprintf("Successful check-in of %s. Meeting with %s.", visitor.Name, visit.HostName)
	}

	return types.GateResponse{
		Status:     types.GateGranted,
		Reason:     ReasonCheckedIn,
		Message:    msg,
		Distance:   sc.distance,
		VisitorID:  visit.VisitorID,
		VisitID:    visit.VisitID,
		Name:       visitor.Name,
		AuthMethod: method,
		Redirect:   redirectURL(visitor.Name, "checked in", ""),
		ServerTime: at.Format(time.RFC3339Nano),
	}
}

func (s *GateService) checkOut(ctx context.Context, sc *scanState, visitor types.Visitor, visit types.Visit) types.GateResponse {
	at := sc.at.UTC()
	method := sc.authMethod()

	if visit.CheckInTime == nil {
		return s.fail(ctx, sc, "check-out", fmt.Errorf("visit %s/%s has no check-in time", visit.VisitorID, visit.VisitID))
	}
	if !sc.qrValid && s.checkoutCooldown > 0 {
		if wait := visit.CheckInTime.Add(s.checkoutCooldown).Sub(at); wait > 0 {
			return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonCheckoutCooldown,
				fmt.Sprintf("You checked in moments ago. Please wait %d seconds before checking out.", int(math.Ceil(wait.Seconds()))))
		}
	}

	next := visit.Clone()
	stolen := false
	switch {
	case sc.qrValid:
		if err := s.qr.Advance(&next, types.QRCheckoutUsed); err != nil {
			return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonQRState,
				"The QR credential for this visit is no longer valid. Please contact reception.")
		}
	case visit.QR.State.Status == types.QRCheckinUsed:
		stolen = true
		if err := s.qr.MarkInvalid(&next, reasonStolenQR); err != nil {
			return s.fail(ctx, sc, "invalidate qr", err)
		}
	case !visit.QR.State.Status.Terminal():
		if err := s.qr.MarkInvalid(&next, reasonFaceOnlyOut); err != nil {
			return s.fail(ctx, sc, "invalidate qr", err)
		}
	}

	expected := visit.ExpectedCheckout
	if expected == nil {
		e := visit.CheckInTime.Add(durationOr(visit.Duration))
		expected = &e
	}
	exceeded := at.After(*expected)
	spent := types.FormatTimeSpent(at.Sub(*visit.CheckInTime))

	next.Status = types.VisitCheckedOut
	if exceeded {
		next.Status = types.VisitExceeded
	}
	next.CheckOutTime = &at
	next.TimeSpent = spent
	next.TimeExceeded = exceeded
	next.HasVisited = true

	updated, resp, done := s.commit(ctx, sc, next)
	if done {
		return resp
	}

	if stolen {
		d := distanceOf(sc)
		if _, err := s.audit.Alert(ctx, types.SecurityAlert{
			AlertType:     types.AlertQRPossiblyStolen,
			Timestamp:     at,
			QRVisitorID:   visit.VisitorID,
			QRVisitID:     visit.VisitID,
			FaceVisitorID: visitor.VisitorID,
			Distance:      &d,
			ClientIP:      sc.clientIP,
			Detail:        reasonStolenQR,
		}); err != nil {
			s.logger.ErrorContext(ctx, "possibly-stolen alert not recorded",
				"visitor_id", visit.VisitorID, "visit_id", visit.VisitID, "error", err)
		}
	}

	s.audit.Scan(ctx, types.ScanLogEntry{
		VisitorID:     visit.VisitorID,
		VisitID:       visit.VisitID,
		ScanType:      types.ScanCheckout,
		Timestamp:     at,
		AuthMethod:    method,
		QRPresented:   sc.qrPresented,
		FaceVisitorID: visitor.VisitorID,
		Distance:      sc.distance,
		ClientIP:      sc.clientIP,
		Outcome:       string(updated.Status),
	})
	s.audit.Transaction(ctx, types.Transaction{
		VisitorID:        visit.VisitorID,
		VisitID:          visit.VisitID,
		Action:           types.ActionCheckOut,
		Timestamp:        at,
		VisitorName:      visitor.Name,
		HostName:         visit.HostName,
		Purpose:          visit.Purpose,
		Duration:         visit.Duration,
		ExpectedCheckout: expected,
		CheckIn:          visit.CheckInTime,
		CheckOut:         &at,
		TimeSpent:        spent,
		FinalStatus:      updated.Status,
		AuthMethod:       method,
		Distance:         distanceOf(sc),
		ClientIP:         sc.clientIP,
	})
	if exceeded {
		s.notifyOverdue(ctx, visitor, updated)
	}
	s.logger.InfoContext(ctx, "check-out completed",
		"visitor_id", visit.VisitorID, "visit_id", visit.VisitID,
		"auth_method", method, "status", updated.Status, "time_spent", spent)

	msg := fmt.Sprintf("Successful checkout of %s. Time spent: %s", visitor.Name, spent)
	if exceeded {
		msg += " (Duration exceeded)"
	}
	return types.GateResponse{
		Status:     types.GateCheckedOut,
		Reason:     ReasonCheckedOut,
		Message:    msg,
		Distance:   sc.distance,
		VisitorID:  visit.VisitorID,
		VisitID:    visit.VisitID,
		Name:       visitor.Name,
		AuthMethod: method,
		Redirect:   redirectURL(visitor.Name, "checked out", spent),
		ServerTime: at.Format(time.RFC3339Nano),
	}
}

// commit writes the visit in one conditional update. A lost race is a
// denial, not an error: the visitor simply scans again.
func (s *GateService) commit(ctx context.Context, sc *scanState, next types.Visit) (types.Visit, types.GateResponse, bool) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	updated, err := s.visits.UpdateVisit(sctx, next)
	if errors.Is(err, store.ErrConflict) {
		return types.Visit{}, s.reject(ctx, sc, next.VisitorID, next.VisitID, ReasonScanConflict,
			"This visit was updated by another scan. Please try again."), true
	}
	if err != nil {
		return types.Visit{}, s.fail(ctx, sc, "update visit", err), true
	}
	return updated, types.GateResponse{}, false
}

func (s *GateService) notifyOverdue(ctx context.Context, visitor types.Visitor, visit types.Visit) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, types.Notification{
		Kind:      types.NoticeVisitOverdue,
		VisitorID: visitor.VisitorID,
		VisitID:   visit.VisitID,
		Name:      visitor.Name,
		Contact:   visitor.Contact,
		Message:   "Your scheduled visit duration has been exceeded. Please proceed to check-out at the kiosk.",
		At:        s.now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "overdue notification failed",
			"visitor_id", visitor.VisitorID, "visit_id", visit.VisitID, "error", err)
	}
}

func redirectURL(name, action, spent string) string {
	q := url.Values{}
	q.Set("name", name)
	q.Set("action", action)
	if spent != "" {
		q.Set("duration", spent)
	}
	return "/gate/done?" + q.Encode()
}

func distanceOf(sc *scanState) float64 {
	if sc.distance == nil {
		return 0
	}
	return *sc.distance
}

func durationOr(d time.Duration) time.Duration {
	if d <= 0 {
		return types.DefaultVisitDuration
	}
	return d
}
