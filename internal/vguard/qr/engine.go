package qr

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// Policy holds the tunables of the QR lifecycle.
type Policy struct {
	// ExpiryGrace is added to midnight of the visit date to get the expiry.
	ExpiryGrace time.Duration
	// Cooldown is the minimum gap between two scans of the same credential.
	Cooldown time.Duration
	MaxScans int
}

// DefaultPolicy returns the lifecycle the gate runs with unless configured.
func DefaultPolicy() Policy {
	return Policy{
		ExpiryGrace: 36 * time.Hour,
		Cooldown:    60 * time.Second,
		MaxScans:    2,
	}
}

// Reason codes returned by Validate.
const (
	ReasonExpired       = "qr_expired"
	ReasonVisitNotFound = "qr_visit_not_found"
	ReasonNoToken       = "qr_no_token"
	ReasonTokenMismatch = "qr_token_mismatch"
	ReasonInvalidated   = "qr_invalidated"
	ReasonFullyUsed     = "qr_fully_used"
	ReasonScanLimit     = "qr_scan_limit"
	ReasonCooldown      = "qr_cooldown"
)

// Validation is the outcome of Validate. A failed validation is a value,
// not an error.
type Validation struct {
	OK         bool
	Reason     string
	Message    string
	RetryAfter time.Duration
	Payload    types.QRPayload
	// Visit is set once the payload resolved to a stored visit.
	Visit types.Visit
}

// Engine issues and validates QR credentials and applies state
// transitions to visits.
type Engine struct {
	visits store.VisitStore
	policy Policy
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone visit dates and payload expiries are read in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithLogger sets the logger for rejected transitions and invalidations.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an Engine over visits. Without options it reads dates in
// time.Local and logs to slog.Default.
func NewEngine(visits store.VisitStore, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		visits: visits,
		policy: policy,
		loc:    time.Local,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Issue creates a fresh credential for a visit on visitDate (YYYY-MM-DD).
func (e *Engine) Issue(visitorID, visitID, visitDate string) (types.QRCredential, error) {
	day, err := time.ParseInLocation(types.DateLayout, visitDate, e.loc)
	if err != nil {
		return types.QRCredential{}, fmt.Errorf("Issue: bad visit date %q: %w", visitDate, err)
	}
	token, err := NewToken()
	if err != nil {
		return types.QRCredential{}, err
	}

	expires := day.Add(e.policy.ExpiryGrace)
	payload, err := EncodePayload(types.QRPayload{
		VisitorID: visitorID,
		VisitID:   visitID,
		Token:     token,
		Expiry:    expires.Format(ExpiryLayout),
	})
	if err != nil {
		return types.QRCredential{}, err
	}

	return types.QRCredential{
		Token:     token,
		Payload:   payload,
		ExpiresAt: expires.UTC(),
		MaxScans:  e.policy.MaxScans,
		CreatedAt: e.now().UTC(),
		State:     types.QRState{Status: types.QRUnused},
	}, nil
}

// Validate checks a parsed payload against the stored visit. Checks run in
// a fixed order and the first failure wins. Only store failures are errors.
func (e *Engine) Validate(ctx context.Context, p types.QRPayload) (Validation, error) {
	now := e.now()
	res := Validation{Payload: p}

	expiry, err := time.ParseInLocation(ExpiryLayout, p.Expiry, e.loc)
	if err != nil || now.After(expiry) {
		return res.fail(ReasonExpired, "QR code has expired"), nil
	}

	v, err := e.visits.GetVisit(ctx, p.VisitorID, p.VisitID)
	if errors.Is(err, store.ErrNotFound) {
		return res.fail(ReasonVisitNotFound, "No visit found for this QR code"), nil
	}
	if err != nil {
		return res, fmt.Errorf("Validate: %w", err)
	}
	res.Visit = v

	if v.QR.Token == "" {
		return res.fail(ReasonNoToken, "No QR credential has been issued for this visit"), nil
	}
	if subtle.ConstantTimeCompare([]byte(v.QR.Token), []byte(p.Token)) != 1 {
		return res.fail(ReasonTokenMismatch, "QR code does not match this visit"), nil
	}
	if !v.QR.ExpiresAt.IsZero() && now.After(v.QR.ExpiresAt) {
		return res.fail(ReasonExpired, "QR code has expired"), nil
	}

	st := v.QR.State
	switch {
	case st.Status == types.QRInvalidated:
		return res.fail(ReasonInvalidated, "QR code has been invalidated"), nil
	case st.Status == types.QRCheckoutUsed:
		return res.fail(ReasonFullyUsed, "QR code has already been used for check-in and check-out"), nil
	case st.ScanCount >= e.maxScans(v.QR):
		return res.fail(ReasonScanLimit, "QR code scan limit reached"), nil
	}

	if last := st.LastScan(); last != nil && e.policy.Cooldown > 0 {
		if wait := last.Add(e.policy.Cooldown).Sub(now); wait > 0 {
			secs := int(math.Ceil(wait.Seconds()))
			res = res.fail(ReasonCooldown, fmt.Sprintf("QR code was just scanned, try again in %d seconds", secs))
			res.RetryAfter = wait
			return res, nil
		}
	}

	res.OK = true
	return res, nil
}

// Advance applies the table transition to v in memory. Rejected moves are
// logged and leave v untouched.
func (e *Engine) Advance(v *types.Visit, to types.QRStatus) error {
	next, err := Transition(v.QR.State, to, e.now(), e.maxScans(v.QR))
	if err != nil {
		e.logger.Warn("qr transition rejected",
			"visitor_id", v.VisitorID, "visit_id", v.VisitID,
			"from", v.QR.State.Status, "to", to)
		return err
	}
	v.QR.State = next
	return nil
}

// MarkInvalid invalidates v's credential in memory.
func (e *Engine) MarkInvalid(v *types.Visit, reason string) error {
	next, err := ForceInvalidate(v.QR.State, reason, e.now(), e.maxScans(v.QR))
	if err != nil {
		e.logger.Warn("qr invalidation rejected",
			"visitor_id", v.VisitorID, "visit_id", v.VisitID,
			"from", v.QR.State.Status, "reason", reason)
		return err
	}
	v.QR.State = next
	return nil
}

// Invalidate is the safety hatch: it reads the visit fresh and forces its
// credential to INVALIDATED. Already-invalidated credentials are left alone.
func (e *Engine) Invalidate(ctx context.Context, visitorID, visitID, reason string) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		v, err := e.visits.GetVisit(ctx, visitorID, visitID)
		if err != nil {
			return fmt.Errorf("Invalidate: %w", err)
		}
		if v.QR.State.Status == types.QRInvalidated {
			return nil
		}
		if err := e.MarkInvalid(&v, reason); err != nil {
			return err
		}

		_, err = e.visits.UpdateVisit(ctx, v)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("Invalidate: %w", err)
		}
		e.logger.Info("qr invalidated", "visitor_id", visitorID, "visit_id", visitID, "reason", reason)
		return nil
	}
	return fmt.Errorf("Invalidate: %w", store.ErrConflict)
}

func (e *Engine) maxScans(c types.QRCredential) int {
	if c.MaxScans > 0 {
		return c.MaxScans
	}
	return e.policy.MaxScans
}

func (v Validation) fail(reason, msg string) Validation {
	v.OK = false
	v.Reason = reason
	v.Message = msg
	return v
}

// RenderPNG encodes payload as a square PNG QR symbol of size pixels.
func RenderPNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("RenderPNG: %w", err)
	}
	return png, nil
}
