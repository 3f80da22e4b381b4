package qr_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store/memory"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// ── helpers ─────────────────────────────────────────────────────────────────

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*qr.Engine, *memory.VisitStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)}
	visits := memory.NewVisitStore()
	e := qr.NewEngine(visits, qr.DefaultPolicy(), qr.WithClock(clock.Now), qr.WithLocation(time.UTC))
	return e, visits, clock
}

// seedIssuedVisit stores a visit for today with a freshly issued credential
// and returns the parsed payload a visitor would present.
func seedIssuedVisit(t *testing.T, e *qr.Engine, visits *memory.VisitStore) (types.Visit, types.QRPayload) {
	t.Helper()
	cred, err := e.Issue("V1", "1001", "2026-02-15")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := types.Visit{
		VisitorID: "V1",
		VisitID:   "1001",
		VisitDate: "2026-02-15",
		Status:    types.VisitApproved,
		QR:        cred,
	}
	if err := visits.CreateVisit(context.Background(), v); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	p, err := qr.Parse(cred.Payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stored, _ := visits.GetVisit(context.Background(), "V1", "1001")
	return stored, p
}

func mustUpdate(t *testing.T, visits *memory.VisitStore, v types.Visit) types.Visit {
	t.Helper()
	out, err := visits.UpdateVisit(context.Background(), v)
	if err != nil {
		t.Fatalf("UpdateVisit: %v", err)
	}
	return out
}

// ── Issue / Parse ───────────────────────────────────────────────────────────

func TestNewToken_LengthAndUniqueness(t *testing.T) {
	a, err := qr.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, _ := qr.NewToken()
	if len(a) != 43 {
		t.Errorf("token length = %d, want 43", len(a))
	}
	if a == b {
		t.Error("two tokens should differ")
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("token %q is not URL-safe", a)
	}
}

func TestIssue_PayloadAndExpiry(t *testing.T) {
	e, _, _ := newTestEngine(t)

	cred, err := e.Issue("V1", "1001", "2026-02-15")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := qr.Parse(cred.Payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.VisitorID != "V1" || p.VisitID != "1001" || p.Token != cred.Token {
		t.Errorf("payload = %+v", p)
	}
	if p.Expiry != "2026-02-16 12:00:00" {
		t.Errorf("Expiry = %q, want visit date + 36h", p.Expiry)
	}
	if cred.State.Status != types.QRUnused || cred.State.ScanCount != 0 || cred.MaxScans != 2 {
		t.Errorf("initial credential = %+v", cred)
	}
}

func TestIssue_BadDate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Issue("V1", "1", "15/02/2026"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"not json":    "hello",
		"no visitor":  `{"i":"1","k":"t","e":"2026-02-16 12:00:00"}`,
		"no visit":    `{"v":"V1","k":"t","e":"2026-02-16 12:00:00"}`,
		"no token":    `{"v":"V1","i":"1","e":"2026-02-16 12:00:00"}`,
		"no expiry":   `{"v":"V1","i":"1","k":"t"}`,
		"bad expiry":  `{"v":"V1","i":"1","k":"t","e":"tomorrow"}`,
		"wrong types": `{"v":1,"i":"1","k":"t","e":"2026-02-16 12:00:00"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := qr.Parse(raw); !errors.Is(err, qr.ErrUnparseable) {
				t.Errorf("expected ErrUnparseable, got %v", err)
			}
		})
	}
}

// ── Validate ────────────────────────────────────────────────────────────────

func TestValidate_FreshCredentialOK(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	_, p := seedIssuedVisit(t, e, visits)

	res, err := e.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK, got %s (%s)", res.Reason, res.Message)
	}
	if res.Visit.VisitID != "1001" {
		t.Errorf("Visit not attached: %+v", res.Visit)
	}
}

func TestValidate_Expired(t *testing.T) {
	e, visits, clock := newTestEngine(t)
	_, p := seedIssuedVisit(t, e, visits)
	clock.Advance(28 * time.Hour)

	res, _ := e.Validate(context.Background(), p)
	if res.OK || res.Reason != qr.ReasonExpired {
		t.Errorf("got %+v, want %s", res, qr.ReasonExpired)
	}
}

func TestValidate_VisitNotFound(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	_, p := seedIssuedVisit(t, e, visits)
	p.VisitID = "9999"

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonVisitNotFound {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_NoToken(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	v, p := seedIssuedVisit(t, e, visits)
	v.QR.Token = ""
	mustUpdate(t, visits, v)

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonNoToken {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_TokenMismatch(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	_, p := seedIssuedVisit(t, e, visits)
	p.Token = "forged"

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonTokenMismatch {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_Invalidated(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	_, p := seedIssuedVisit(t, e, visits)
	if err := e.Invalidate(context.Background(), "V1", "1001", "lost"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonInvalidated {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_FullyUsedAfterCheckout(t *testing.T) {
	e, visits, clock := newTestEngine(t)
	v, p := seedIssuedVisit(t, e, visits)

	if err := e.Advance(&v, types.QRCheckinUsed); err != nil {
		t.Fatalf("Advance checkin: %v", err)
	}
	v = mustUpdate(t, visits, v)
	clock.Advance(2 * time.Hour)
	if err := e.Advance(&v, types.QRCheckoutUsed); err != nil {
		t.Fatalf("Advance checkout: %v", err)
	}
	mustUpdate(t, visits, v)
	clock.Advance(2 * time.Hour)

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonFullyUsed {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_ScanLimit(t *testing.T) {
	e, visits, clock := newTestEngine(t)
	v, p := seedIssuedVisit(t, e, visits)
	v.QR.State.Status = types.QRCheckinUsed
	v.QR.State.ScanCount = 2
	mustUpdate(t, visits, v)
	clock.Advance(time.Hour)

	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonScanLimit {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidate_CooldownThenOK(t *testing.T) {
	e, visits, clock := newTestEngine(t)
	v, p := seedIssuedVisit(t, e, visits)
	_ = e.Advance(&v, types.QRCheckinUsed)
	mustUpdate(t, visits, v)

	clock.Advance(20 * time.Second)
	res, _ := e.Validate(context.Background(), p)
	if res.Reason != qr.ReasonCooldown {
		t.Fatalf("Reason = %q, want cooldown", res.Reason)
	}
	if res.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", res.RetryAfter)
	}
	if !strings.Contains(res.Message, "40 seconds") {
		t.Errorf("Message = %q", res.Message)
	}

	clock.Advance(41 * time.Second)
	res, _ = e.Validate(context.Background(), p)
	if !res.OK {
		t.Errorf("expected OK after cooldown, got %s", res.Reason)
	}
}

// ── Transition table ────────────────────────────────────────────────────────

func TestTransition_Table(t *testing.T) {
	all := []types.QRStatus{
		types.QRUnused, types.QRCheckinUsed, types.QRAssumedScanned,
		types.QRCheckoutUsed, types.QRInvalidated,
	}
	allowed := map[[2]types.QRStatus]bool{
		{types.QRUnused, types.QRCheckinUsed}:          true,
		{types.QRUnused, types.QRAssumedScanned}:       true,
		{types.QRCheckinUsed, types.QRCheckoutUsed}:    true,
		{types.QRCheckinUsed, types.QRInvalidated}:     true,
		{types.QRAssumedScanned, types.QRCheckoutUsed}: true,
		{types.QRAssumedScanned, types.QRInvalidated}:  true,
	}
	at := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

	for _, from := range all {
		for _, to := range all {
			s := types.QRState{Status: from}
			next, err := qr.Transition(s, to, at, 2)
			if allowed[[2]types.QRStatus{from, to}] {
				if err != nil || next.Status != to {
					t.Errorf("%s -> %s: expected success, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, qr.ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if next.Status != from {
				t.Errorf("%s -> %s: state changed to %s", from, to, next.Status)
			}
		}
	}
}

func TestTransition_StampsAndCounts(t *testing.T) {
	at := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

	s, _ := qr.Transition(types.QRState{Status: types.QRUnused}, types.QRAssumedScanned, at, 2)
	if s.ScanCount != 1 || s.AuthMethod != types.AuthFaceOnly || !s.CheckinScanTime.Equal(at) {
		t.Errorf("assumed scan = %+v", s)
	}

	s, _ = qr.Transition(s, types.QRCheckoutUsed, at.Add(time.Hour), 2)
	if s.ScanCount != 2 || !s.CheckoutScanTime.Equal(at.Add(time.Hour)) {
		t.Errorf("checkout = %+v", s)
	}

	capped, _ := qr.Transition(types.QRState{Status: types.QRCheckinUsed, ScanCount: 2}, types.QRInvalidated, at, 2)
	if capped.ScanCount != 2 {
		t.Errorf("ScanCount = %d, want capped at 2", capped.ScanCount)
	}
}

func TestForceInvalidate(t *testing.T) {
	at := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

	s, err := qr.ForceInvalidate(types.QRState{Status: types.QRUnused}, "admin", at, 2)
	if err != nil {
		t.Fatalf("from UNUSED: %v", err)
	}
	if s.Status != types.QRInvalidated || s.InvalidatedReason != "admin" || s.ScanCount != 0 {
		t.Errorf("got %+v", s)
	}

	for _, from := range []types.QRStatus{types.QRCheckoutUsed, types.QRInvalidated} {
		if _, err := qr.ForceInvalidate(types.QRState{Status: from}, "x", at, 2); !errors.Is(err, qr.ErrInvalidTransition) {
			t.Errorf("from %s: expected ErrInvalidTransition, got %v", from, err)
		}
	}
}

// A credential used for check-in can only be used once more, for check-out.
func TestSingleUse_CheckinCannotRepeat(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	v, _ := seedIssuedVisit(t, e, visits)

	if err := e.Advance(&v, types.QRCheckinUsed); err != nil {
		t.Fatalf("first check-in: %v", err)
	}
	if err := e.Advance(&v, types.QRCheckinUsed); !errors.Is(err, qr.ErrInvalidTransition) {
		t.Errorf("second check-in: expected ErrInvalidTransition, got %v", err)
	}
	if v.QR.State.ScanCount != 1 {
		t.Errorf("ScanCount = %d, want 1", v.QR.State.ScanCount)
	}
}

func TestInvalidate_TerminalCheckout(t *testing.T) {
	e, visits, _ := newTestEngine(t)
	v, _ := seedIssuedVisit(t, e, visits)
	v.QR.State.Status = types.QRCheckoutUsed
	mustUpdate(t, visits, v)

	err := e.Invalidate(context.Background(), "V1", "1001", "late")
	if !errors.Is(err, qr.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// ── Rendering ───────────────────────────────────────────────────────────────

func TestRenderPNG(t *testing.T) {
	png, err := qr.RenderPNG(`{"v":"V1","i":"1","k":"t","e":"2026-02-16 12:00:00"}`, 128)
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
}
