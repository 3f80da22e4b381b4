package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/embedding"
	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

func TestScan_CheckInWithQR(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})

	resp := h.scan(payload)
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.AuthMethod != types.AuthDual {
		t.Fatalf("expected dual auth, got %q", resp.AuthMethod)
	}
	if resp.Distance == nil || *resp.Distance != 0.2 {
		t.Fatalf("expected distance 0.2, got %v", resp.Distance)
	}
	if !strings.HasPrefix(resp.Redirect, "/gate/done?") {
		t.Fatalf("unexpected redirect %q", resp.Redirect)
	}

	v := h.visit("v1", "100")
	if v.Status != types.VisitCheckedIn || v.HasVisited {
		t.Fatalf("unexpected visit state: status=%s has_visited=%v", v.Status, v.HasVisited)
	}
	if v.QR.State.Status != types.QRCheckinUsed || v.QR.State.ScanCount != 1 {
		t.Fatalf("unexpected qr state: %+v", v.QR.State)
	}
	if v.ExpectedCheckout == nil || !v.ExpectedCheckout.Equal(startTime.Add(3*time.Hour)) {
		t.Fatalf("unexpected expected checkout: %v", v.ExpectedCheckout)
	}
	if v.AuthMethod != types.AuthDual {
		t.Fatalf("expected visit auth dual, got %q", v.AuthMethod)
	}
	if n := h.transactions("v1", "100", types.ActionCheckIn); n != 1 {
		t.Fatalf("expected 1 check-in transaction, got %d", n)
	}
}

func TestScan_FaceOnlyCheckOutAfterQRCheckInFlagsStolenQR(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{duration: 3 * time.Hour})

	expect(t, h.scan(payload), types.GateGranted, service.ReasonCheckedIn)

	h.clock.Advance(2 * time.Hour)
	resp := h.scan("")
	expect(t, resp, types.GateCheckedOut, service.ReasonCheckedOut)
	if resp.AuthMethod != types.AuthFaceOnly {
		t.Fatalf("expected face_only, got %q", resp.AuthMethod)
	}

	v := h.visit("v1", "100")
	if v.Status != types.VisitCheckedOut || !v.HasVisited || v.TimeExceeded {
		t.Fatalf("unexpected visit: status=%s has_visited=%v exceeded=%v", v.Status, v.HasVisited, v.TimeExceeded)
	}
	if v.TimeSpent != "2h 0m 0s" {
		t.Fatalf("unexpected time spent %q", v.TimeSpent)
	}
	if v.QR.State.Status != types.QRInvalidated || !strings.Contains(v.QR.State.InvalidatedReason, "possible lost/stolen") {
		t.Fatalf("unexpected qr state: %+v", v.QR.State)
	}
	if got := h.alerts(types.AlertQRPossiblyStolen); len(got) != 1 {
		t.Fatalf("expected 1 QR_POSSIBLY_STOLEN alert, got %d", len(got))
	}
	if n := h.transactions("v1", "100", types.ActionCheckOut); n != 1 {
		t.Fatalf("expected 1 check-out transaction, got %d", n)
	}
}

func TestScan_QRCheckOutUsesCredential(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{duration: time.Hour})

	expect(t, h.scan(payload), types.GateGranted, service.ReasonCheckedIn)

	h.clock.Advance(90 * time.Minute)
	resp := h.scan(payload)
	expect(t, resp, types.GateCheckedOut, service.ReasonCheckedOut)
	if !strings.Contains(resp.Message, "(Duration exceeded)") {
		t.Fatalf("expected exceeded message, got %q", resp.Message)
	}

	v := h.visit("v1", "100")
	if v.Status != types.VisitExceeded || !v.TimeExceeded {
		t.Fatalf("expected exceeded visit, got %s", v.Status)
	}
	if v.QR.State.Status != types.QRCheckoutUsed || v.QR.State.ScanCount != 2 {
		t.Fatalf("unexpected qr state: %+v", v.QR.State)
	}
	if len(h.notes.kinds(types.NoticeVisitOverdue)) != 1 {
		t.Fatal("expected one overdue notification")
	}
	if len(h.audit.Alerts()) != 0 {
		t.Fatalf("expected no alerts, got %d", len(h.audit.Alerts()))
	}

	// A fully used credential degrades to face-only and the visit is over.
	h.clock.Advance(5 * time.Minute)
	expect(t, h.scan(payload), types.GateDenied, service.ReasonExceeded)
}

func TestScan_FaceOnlyRoundTripInvalidatesSilently(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{})

	resp := h.scan("")
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.AuthMethod != types.AuthFaceOnly {
		t.Fatalf("expected face_only, got %q", resp.AuthMethod)
	}
	v := h.visit("v1", "100")
	if v.QR.State.Status != types.QRAssumedScanned || v.QR.State.AuthMethod != types.AuthFaceOnly {
		t.Fatalf("unexpected qr state: %+v", v.QR.State)
	}

	h.clock.Advance(time.Hour)
	expect(t, h.scan(""), types.GateCheckedOut, service.ReasonCheckedOut)

	v = h.visit("v1", "100")
	if v.QR.State.Status != types.QRInvalidated {
		t.Fatalf("expected INVALIDATED, got %s", v.QR.State.Status)
	}
	if len(h.audit.Alerts()) != 0 {
		t.Fatalf("expected no alerts, got %d", len(h.audit.Alerts()))
	}
}

func TestScan_TwinWithoutQRIsDenied(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.5)
	h.addVisitor("v2", 0.55)
	h.addVisit("v1", "100", visitOpts{})

	resp := h.scan("")
	expect(t, resp, types.GateDenied, service.ReasonTwinUnresolved)
	if !strings.Contains(resp.Message, "QR") {
		t.Fatalf("expected message to ask for a QR code, got %q", resp.Message)
	}

	alerts := h.alerts(types.AlertTwinDetected)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 TWIN_DETECTED alert, got %d", len(alerts))
	}
	if len(alerts[0].Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", alerts[0].Candidates)
	}
	if v := h.visit("v1", "100"); v.Status != types.VisitRegistered {
		t.Fatalf("visit must be untouched, got %s", v.Status)
	}
}

func TestScan_TwinResolvedByQR(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.5)
	h.addVisitor("v2", 0.55)
	_, payload := h.addVisit("v2", "200", visitOpts{})

	resp := h.scan(payload)
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.VisitorID != "v2" {
		t.Fatalf("expected QR visitor v2, got %q", resp.VisitorID)
	}
	if len(h.audit.Alerts()) != 0 {
		t.Fatalf("expected no alerts, got %d", len(h.audit.Alerts()))
	}
}

func TestScan_WrongDate(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{date: "2026-02-14"})

	resp := h.scan(payload)
	expect(t, resp, types.GateDenied, service.ReasonWrongDate)
	if !strings.Contains(resp.Message, "2026-02-14") {
		t.Fatalf("expected scheduled date in message, got %q", resp.Message)
	}
	if v := h.visit("v1", "100"); v.QR.State.Status != types.QRUnused {
		t.Fatalf("qr must stay UNUSED, got %s", v.QR.State.Status)
	}
}

func TestScan_BlacklistedInvalidatesQR(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.05)
	_, payload := h.addVisit("v1", "100", visitOpts{})
	if err := h.visitors.SetBlacklist(context.Background(), "v1", true, "tailgating"); err != nil {
		t.Fatalf("SetBlacklist: %v", err)
	}

	resp := h.scan(payload)
	expect(t, resp, types.GateDenied, service.ReasonBlacklisted)
	if !strings.Contains(resp.Message, "tailgating") {
		t.Fatalf("expected blacklist reason in message, got %q", resp.Message)
	}
	v := h.visit("v1", "100")
	if v.QR.State.Status != types.QRInvalidated {
		t.Fatalf("expected INVALIDATED, got %s", v.QR.State.Status)
	}
	if v.Status != types.VisitRegistered {
		t.Fatalf("visit status must not change, got %s", v.Status)
	}
}

func TestScan_QRFaceMismatch(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.1)
	h.addVisitor("v2", 0.4)
	h.addVisit("v1", "100", visitOpts{})
	_, payload := h.addVisit("v2", "200", visitOpts{})

	resp := h.scan(payload)
	expect(t, resp, types.GateDenied, service.ReasonQRFaceMismatch)

	alerts := h.alerts(types.AlertQRFaceMismatch)
	if len(alerts) != 1 || len(h.audit.Alerts()) != 1 {
		t.Fatalf("expected exactly one QR_FACE_MISMATCH alert, got %d of %d", len(alerts), len(h.audit.Alerts()))
	}
	a := alerts[0]
	if a.QRVisitorID != "v2" || a.FaceVisitorID != "v1" || a.ClientIP != "10.0.0.5" || a.Distance == nil {
		t.Fatalf("unexpected alert: %+v", a)
	}

	if v := h.visit("v2", "200"); v.QR.State.Status != types.QRInvalidated {
		t.Fatalf("expected QR of v2 INVALIDATED, got %s", v.QR.State.Status)
	}
	if v := h.visit("v1", "100"); v.Status != types.VisitRegistered {
		t.Fatalf("face visitor's visit must be untouched, got %s", v.Status)
	}

	// The invalidated credential no longer opens anything for its owner.
	h.embedder.set(vec(0.4), nil)
	h.clock.Advance(2 * time.Minute)
	resp = h.scan(payload)
	if resp.Status == types.GateGranted && resp.AuthMethod == types.AuthDual {
		t.Fatal("invalidated QR must not authenticate")
	}
}

func TestScan_MismatchRevokesWhileVisitLocked(t *testing.T) {
	h := newHarness(t, withLockWait(50*time.Millisecond))
	h.addVisitor("owner", 5)
	h.addVisitor("borrower", 0.1)
	_, payload := h.addVisit("owner", "100", visitOpts{})

	unlock, err := h.locker.Lock(context.Background(), lock.VisitKey("owner", "100"))
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	expect(t, h.scan(payload), types.GateDenied, service.ReasonQRFaceMismatch)
	if n := len(h.alerts(types.AlertQRFaceMismatch)); n != 1 {
		t.Fatalf("expected one QR_FACE_MISMATCH alert, got %d", n)
	}
	if v := h.visit("owner", "100"); v.QR.State.Status != types.QRInvalidated {
		t.Fatalf("expected INVALIDATED while the visit was locked, got %s", v.QR.State.Status)
	}
}

func TestScan_MismatchDeniedWhenRevocationFails(t *testing.T) {
	h := newHarness(t, func(h *harness, d *service.GateDeps, _ *service.GatePolicy) {
		d.QR = qr.NewEngine(conflictingVisits{h.visits}, qr.DefaultPolicy(),
			qr.WithClock(h.clock.Now), qr.WithLocation(time.UTC))
	})
	h.addVisitor("owner", 5)
	h.addVisitor("borrower", 0.1)
	_, payload := h.addVisit("owner", "100", visitOpts{})

	expect(t, h.scan(payload), types.GateDenied, service.ReasonQRFaceMismatch)
	alerts := h.alerts(types.AlertQRFaceMismatch)
	if len(alerts) != 1 || !strings.Contains(alerts[0].Detail, "invalidation failed") {
		t.Fatalf("expected one alert flagging the failed invalidation, got %+v", alerts)
	}
}

func TestScan_QRWithUnknownFace(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})
	h.embedder.set(vec(5), nil)

	expect(t, h.scan(payload), types.GateDenied, service.ReasonNotRegistered)

	alerts := h.alerts(types.AlertQRNoFaceMatch)
	if len(alerts) != 1 || alerts[0].QRVisitorID != "v1" {
		t.Fatalf("expected QR_NO_FACE_MATCH alert for v1, got %+v", alerts)
	}
	scans, _ := h.audit.ScanLog(context.Background(), "v1", "100")
	if len(scans) != 1 || scans[0].ScanType != types.ScanRejected {
		t.Fatalf("expected one rejected scan, got %+v", scans)
	}
}

func TestScan_UnknownFaceWithoutQR(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.embedder.set(vec(5), nil)

	expect(t, h.scan(""), types.GateDenied, service.ReasonNotRegistered)
	if len(h.audit.Alerts()) != 0 {
		t.Fatal("no alert expected without a QR")
	}
}

func TestScan_ReplayedCheckInIsDenied(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})

	expect(t, h.scan(payload), types.GateGranted, service.ReasonCheckedIn)
	before := h.visit("v1", "100")

	resp := h.scan(payload)
	expect(t, resp, types.GateDenied, qr.ReasonCooldown)

	after := h.visit("v1", "100")
	if after.Revision != before.Revision || after.QR.State.ScanCount != 1 {
		t.Fatalf("replay must not change the visit: %+v", after.QR.State)
	}
	if n := h.transactions("v1", "100", types.ActionCheckIn); n != 1 {
		t.Fatalf("expected 1 check-in transaction, got %d", n)
	}
}

func TestScan_ReplayedFaceOnlyCheckInIsDenied(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{})

	expect(t, h.scan(""), types.GateGranted, service.ReasonCheckedIn)
	h.clock.Advance(10 * time.Second)
	resp := h.scan("")
	expect(t, resp, types.GateDenied, service.ReasonCheckoutCooldown)
	if !strings.Contains(resp.Message, "50 seconds") {
		t.Fatalf("expected remaining wait in message, got %q", resp.Message)
	}
	if n := h.transactions("v1", "100", types.ActionCheckOut); n != 0 {
		t.Fatalf("expected no check-out, got %d", n)
	}
}

func TestScan_QRCooldownPrecedesFaceMatch(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})

	expect(t, h.scan(payload), types.GateGranted, service.ReasonCheckedIn)

	h.clock.Advance(30 * time.Second)
	h.embedder.set(vec(5), nil) // nobody's face
	resp := h.scan(payload)
	expect(t, resp, types.GateDenied, qr.ReasonCooldown)
	if !strings.Contains(resp.Message, "30 seconds") {
		t.Fatalf("expected retry-after in message, got %q", resp.Message)
	}
	if len(h.audit.Alerts()) != 0 {
		t.Fatal("cooldown denial must not reach face matching")
	}
}

func TestScan_InvalidQRFallsBackToFaceOnly(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})

	p, err := qr.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p.Token = strings.Repeat("x", len(p.Token))
	forged, _ := qr.EncodePayload(p)

	resp := h.scan(forged)
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.AuthMethod != types.AuthFaceOnly {
		t.Fatalf("forged QR must not count as dual auth, got %q", resp.AuthMethod)
	}
	if v := h.visit("v1", "100"); v.QR.State.Status != types.QRAssumedScanned {
		t.Fatalf("expected ASSUMED_SCANNED, got %s", v.QR.State.Status)
	}

	resp = h.scan("not a qr")
	if resp.Status == types.GateGranted {
		t.Fatal("unexpected grant on replay")
	}
}

func TestScan_ForgedQRForAnotherVisitorDoesNotInvalidate(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.1)
	h.addVisitor("v2", 0.4)
	h.addVisit("v1", "100", visitOpts{})
	_, payload := h.addVisit("v2", "200", visitOpts{})

	p, _ := qr.Parse(payload)
	p.Token = "forged"
	forged, _ := qr.EncodePayload(p)

	expect(t, h.scan(forged), types.GateGranted, service.ReasonCheckedIn)
	if v := h.visit("v2", "200"); v.QR.State.Status != types.QRUnused {
		t.Fatalf("genuine credential must survive a forged one, got %s", v.QR.State.Status)
	}
	if len(h.alerts(types.AlertQRFaceMismatch)) != 0 {
		t.Fatal("no mismatch alert expected for an invalid QR")
	}
}

func TestScan_StatusDispatch(t *testing.T) {
	tests := []struct {
		name    string
		opts    visitOpts
		prep    func(*types.Visit)
		reason  string
		contain string
	}{
		{name: "registered with host", opts: visitOpts{host: "Dana"}, reason: service.ReasonPendingApproval, contain: "pending approval from Dana"},
		{name: "pending approval", opts: visitOpts{status: types.VisitPendingApproval, host: "Dana"}, reason: service.ReasonPendingApproval},
		{name: "rejected", opts: visitOpts{status: types.VisitRejected, host: "Dana", reason: "double booked"}, reason: service.ReasonRejected, contain: "double booked"},
		{name: "rescheduled", opts: visitOpts{status: types.VisitRescheduled}, reason: service.ReasonRescheduled, contain: today},
		{name: "checked out", opts: visitOpts{status: types.VisitCheckedOut}, reason: service.ReasonNoPendingVisit},
		{name: "completed", opts: visitOpts{status: types.VisitCheckedIn}, prep: func(v *types.Visit) { v.HasVisited = true }, reason: service.ReasonVisitCompleted},
		{name: "exceeded", opts: visitOpts{status: types.VisitExceeded}, reason: service.ReasonExceeded},
		{name: "unknown", opts: visitOpts{status: types.VisitStatus("on_hold")}, reason: service.ReasonUnknownStatus, contain: "on_hold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addVisitor("v1", 0.2)
			v, _ := h.addVisit("v1", "100", tt.opts)
			if tt.prep != nil {
				tt.prep(&v)
				if _, err := h.visits.UpdateVisit(context.Background(), v); err != nil {
					t.Fatalf("UpdateVisit: %v", err)
				}
			}

			resp := h.scan("")
			expect(t, resp, types.GateDenied, tt.reason)
			if tt.contain != "" && !strings.Contains(resp.Message, tt.contain) {
				t.Fatalf("expected %q in message %q", tt.contain, resp.Message)
			}
		})
	}
}

func TestScan_ExceededNotifiesOverdue(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{status: types.VisitExceeded})

	expect(t, h.scan(""), types.GateDenied, service.ReasonExceeded)
	notes := h.notes.kinds(types.NoticeVisitOverdue)
	if len(notes) != 1 || notes[0].Contact != "v1@example.com" {
		t.Fatalf("expected overdue notice to v1, got %+v", notes)
	}
}

func TestScan_ApprovedVisitMessageNamesHost(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{status: types.VisitApproved, host: "Dana"})

	resp := h.scan("")
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.Message != "Dana approved Visitor v1's visit. Check-in successful." {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestScan_MostRecentVisitIsSelected(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{status: types.VisitCheckedOut})
	h.addVisit("v1", "101", visitOpts{})

	resp := h.scan("")
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
	if resp.VisitID != "101" {
		t.Fatalf("expected latest visit 101, got %q", resp.VisitID)
	}
}

func TestScan_NoVisits(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	expect(t, h.scan(""), types.GateDenied, service.ReasonNoVisits)
}

func TestScan_CaptureProblemsWait(t *testing.T) {
	tests := []struct {
		name   string
		image  string
		vec    []float64
		err    error
		reason string
	}{
		{name: "no image", image: " ", reason: service.ReasonNoImage},
		{name: "garbage image", image: "@@@", reason: service.ReasonBadImage},
		{name: "no face", image: frame, err: embedding.ErrNoFace, reason: service.ReasonNoFace},
		{name: "malformed", image: frame, err: embedding.ErrMalformedImage, reason: service.ReasonBadImage},
		{name: "wrong dimension", image: frame, vec: []float64{1, 2, 3}, reason: service.ReasonBadEmbedding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addVisitor("v1", 0.2)
			h.addVisit("v1", "100", visitOpts{})
			if tt.vec != nil || tt.err != nil {
				h.embedder.set(tt.vec, tt.err)
			}
			resp := h.gate.Scan(context.Background(), types.GateRequest{Image: tt.image})
			expect(t, resp, types.GateWaiting, tt.reason)
			if v := h.visit("v1", "100"); v.Revision != 1 {
				t.Fatal("waiting must not touch the visit")
			}
		})
	}
}

func TestScan_EmbedderFailureIsError(t *testing.T) {
	h := newHarness(t)
	h.embedder.set(nil, errors.New("model offline"))

	resp := h.scan("")
	if resp.Status != types.GateError || !strings.Contains(resp.Message, "model offline") {
		t.Fatalf("expected error carrying cause, got %+v", resp)
	}
}

func TestScan_UnauthorizedIP(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ *service.GateDeps, p *service.GatePolicy) {
		p.AllowedIPs = []string{"192.168.1.0/24", "10.0.0.9"}
	})
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{})

	expect(t, h.scan(""), types.GateDenied, service.ReasonUnauthorizedIP)

	resp := h.gate.Scan(context.Background(), types.GateRequest{Image: frame, ClientIP: "192.168.1.44"})
	expect(t, resp, types.GateGranted, service.ReasonCheckedIn)
}

func TestNewGateService_RejectsBadAllowList(t *testing.T) {
	_, err := service.NewGateService(service.GateDeps{}, service.GatePolicy{AllowedIPs: []string{"not-an-ip"}})
	if err == nil {
		t.Fatal("expected error for malformed allow-list entry")
	}
}

func TestScan_LostUpdateRaceIsDenied(t *testing.T) {
	h := newHarness(t, func(h *harness, d *service.GateDeps, _ *service.GatePolicy) {
		d.Visits = conflictingVisits{h.visits}
	})
	h.addVisitor("v1", 0.2)
	h.addVisit("v1", "100", visitOpts{})

	expect(t, h.scan(""), types.GateDenied, service.ReasonScanConflict)
	if v := h.visit("v1", "100"); v.Status != types.VisitRegistered {
		t.Fatalf("visit must be unchanged, got %s", v.Status)
	}
}

func TestScan_ConcurrentScansGrantOnce(t *testing.T) {
	h := newHarness(t)
	h.addVisitor("v1", 0.2)
	_, payload := h.addVisit("v1", "100", visitOpts{})

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.scan(payload)
			if resp.Status == types.GateGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
	v := h.visit("v1", "100")
	if v.QR.State.ScanCount != 1 || v.Revision != 2 {
		t.Fatalf("expected a single transition, got scan_count=%d revision=%d", v.QR.State.ScanCount, v.Revision)
	}
}
