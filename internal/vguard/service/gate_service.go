package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/audit"
	"github.com/BrandonDHaskell/vguard/internal/vguard/embedding"
	"github.com/BrandonDHaskell/vguard/internal/vguard/facematch"
	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/notify"
	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// GateDeps are the collaborators a GateService needs.
type GateDeps struct {
	Visitors store.VisitorStore
	Visits   store.VisitStore
	Embedder embedding.Embedder
	QR       *qr.Engine
	Matcher  *facematch.Matcher
	Audit    *audit.Recorder
	Notifier notify.Notifier
	Locker   lock.Locker
	Logger   *slog.Logger
}

// GatePolicy holds the gate's tunables.
type GatePolicy struct {
	// AllowedIPs lists addresses or CIDR prefixes of gate kiosks. Empty
	// allows every address.
	AllowedIPs []string

	StoreTimeout time.Duration
	EmbedTimeout time.Duration

	// CheckoutCooldown is the minimum time between check-in and a
	// face-only check-out of the same visit.
	CheckoutCooldown time.Duration

	// Location is the zone "today" is computed in.
	Location *time.Location
	Now      func() time.Time
}

// GateService runs the dual-authentication gate protocol.
type GateService struct {
	visitors store.VisitorStore
	visits   store.VisitStore
	embedder embedding.Embedder
	qr       *qr.Engine
	matcher  *facematch.Matcher
	audit    *audit.Recorder
	notifier notify.Notifier
	locker   lock.Locker
	logger   *slog.Logger

	allowed          []netip.Prefix
	storeTimeout     time.Duration
	embedTimeout     time.Duration
	checkoutCooldown time.Duration
	loc              *time.Location
	now              func() time.Time
}

// NewGateService builds a GateService. It fails on a malformed allow-list
// entry.
func NewGateService(d GateDeps, p GatePolicy) (*GateService, error) {
	s := &GateService{
		visitors:         d.Visitors,
		visits:           d.Visits,
		embedder:         d.Embedder,
		qr:               d.QR,
		matcher:          d.Matcher,
		audit:            d.Audit,
		notifier:         d.Notifier,
		locker:           d.Locker,
		logger:           d.Logger,
		storeTimeout:     p.StoreTimeout,
		embedTimeout:     p.EmbedTimeout,
		checkoutCooldown: p.CheckoutCooldown,
		loc:              p.Location,
		now:              p.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker(2 * time.Second)
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, raw := range p.AllowedIPs {
		pfx, err := parsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("allowed gate ip %q: %w", raw, err)
		}
		s.allowed = append(s.allowed, pfx)
	}
	return s, nil
}

// scanState carries what one Scan has learned so far.
type scanState struct {
	at       time.Time
	clientIP string

	qrPresented bool
	qrValid     bool
	qrReason    string
	payload     *types.QRPayload

	distance *float64
}

// Scan decides one gate attempt. Expected outcomes, including denials, are
// responses; infrastructure failures become status "error".
func (s *GateService) Scan(ctx context.Context, req types.GateRequest) types.GateResponse {
	sc := &scanState{at: s.now(), clientIP: req.ClientIP}

	if !s.gateAllowed(req.ClientIP) {
		s.logger.WarnContext(ctx, "scan from unauthorized address", "client_ip", req.ClientIP)
		return sc.deny(ReasonUnauthorizedIP, "This device is not authorized to operate the gate.")
	}

	// Capture problems: the visitor just needs to try again.
	if strings.TrimSpace(req.Image) == "" {
		return sc.wait(ReasonNoImage, "No image received. Please face the camera.")
	}
	img, err := embedding.DecodeImage(req.Image)
	if err != nil {
		return sc.wait(ReasonBadImage, "Could not read the camera image. Please try again.")
	}
	live, err := s.embed(ctx, img)
	switch {
	case errors.Is(err, embedding.ErrNoFace):
		return sc.wait(ReasonNoFace, "No face detected. Please look at the camera.")
	case errors.Is(err, embedding.ErrMalformedImage):
		return sc.wait(ReasonBadImage, "Could not read the camera image. Please try again.")
	case err != nil:
		return s.fail(ctx, sc, "embed", err)
	}
	if len(live) != s.matcher.Policy().Dimension {
		return sc.wait(ReasonBadEmbedding, "Face could not be processed. Please try again.")
	}

	if raw := strings.TrimSpace(req.QRData); raw != "" {
		sc.qrPresented = true
		if resp, done := s.checkQR(ctx, sc, raw); done {
			return resp
		}
	}

	visitors, err := s.listVisitors(ctx)
	if err != nil {
		return s.fail(ctx, sc, "list visitors", err)
	}
	res, err := s.matcher.Match(live, visitors)
	if err != nil {
		return sc.wait(ReasonBadEmbedding, "Face could not be processed. Please try again.")
	}
	if !res.Matched() {
		return s.noMatch(ctx, sc)
	}

	cand, resp, done := s.resolveIdentity(ctx, sc, res)
	if done {
		return resp
	}
	d := cand.Distance
	sc.distance = &d

	visitor, ok := findVisitor(visitors, cand.VisitorID)
	if !ok {
		return s.fail(ctx, sc, "resolve visitor", fmt.Errorf("visitor %s: %w", cand.VisitorID, store.ErrNotFound))
	}

	if visitor.Blacklisted {
		return s.denyBlacklisted(ctx, sc, visitor)
	}

	visitID, resp, done := s.selectVisit(ctx, sc, visitor)
	if done {
		return resp
	}

	unlock, err := s.locker.Lock(ctx, lock.VisitKey(visitor.VisitorID, visitID))
	if errors.Is(err, lock.ErrLocked) {
		return s.reject(ctx, sc, visitor.VisitorID, visitID, ReasonScanConflict,
			"Another scan for this visit is in progress. Please try again.")
	}
	if err != nil {
		return s.fail(ctx, sc, "lock visit", err)
	}
	defer unlock()

	visit, resp, done := s.loadVisit(ctx, sc, visitor.VisitorID, visitID)
	if done {
		return resp
	}

	today := sc.at.In(s.loc).Format(types.DateLayout)
	if visit.VisitDate != today {
		return s.reject(ctx, sc, visit.VisitorID, visit.VisitID, ReasonWrongDate,
			fmt.Sprintf("Your visit is scheduled on %s, not today.", visit.VisitDate))
	}

	return s.dispatch(ctx, sc, visitor, visit)
}

// checkQR parses and validates a presented payload. A QR in cooldown ends
// the scan; any other invalid QR leaves the scan in face-only mode.
func (s *GateService) checkQR(ctx context.Context, sc *scanState, raw string) (types.GateResponse, bool) {
	p, err := qr.Parse(raw)
	if err != nil {
		sc.qrReason = ReasonQRUnparseable
		s.logger.InfoContext(ctx, "qr unparseable", "client_ip", sc.clientIP, "error", err)
		return types.GateResponse{}, false
	}
	sc.payload = &p

	v, err := s.validateQR(ctx, p)
	if err != nil {
		return s.fail(ctx, sc, "validate qr", err), true
	}
	if v.OK {
		sc.qrValid = true
		return types.GateResponse{}, false
	}

	sc.qrReason = v.Reason
	if v.Reason == qr.ReasonCooldown {
		return s.reject(ctx, sc, p.VisitorID, p.VisitID, v.Reason, v.Message), true
	}

	s.logger.InfoContext(ctx, "qr rejected, continuing face-only",
		"visitor_id", p.VisitorID, "visit_id", p.VisitID, "reason", v.Reason)
	s.audit.Scan(ctx, types.ScanLogEntry{
		VisitorID:   p.VisitorID,
		VisitID:     p.VisitID,
		ScanType:    types.ScanRejected,
		Timestamp:   sc.at,
		QRPresented: true,
		ClientIP:    sc.clientIP,
		Outcome:     v.Reason,
	})
	return types.GateResponse{}, false
}

func (s *GateService) noMatch(ctx context.Context, sc *scanState) types.GateResponse {
	if sc.qrPresented {
		alert := types.SecurityAlert{
			AlertType: types.AlertQRNoFaceMatch,
			Timestamp: sc.at,
			ClientIP:  sc.clientIP,
			Detail:    "QR code presented but the face matched no registered visitor",
		}
		if sc.payload != nil {
			alert.QRVisitorID = sc.payload.VisitorID
			alert.QRVisitID = sc.payload.VisitID
			s.audit.Scan(ctx, types.ScanLogEntry{
				VisitorID:   sc.payload.VisitorID,
				VisitID:     sc.payload.VisitID,
				ScanType:    types.ScanRejected,
				Timestamp:   sc.at,
				QRPresented: true,
				ClientIP:    sc.clientIP,
				Outcome:     ReasonNotRegistered,
			})
		}
		if _, err := s.audit.Alert(ctx, alert); err != nil {
			return s.fail(ctx, sc, "record alert", err)
		}
	}
	return sc.deny(ReasonNotRegistered, "Face not recognized. Please register before visiting.")
}

// resolveIdentity settles on one visitor: it refuses ambiguous faces without
// a valid QR and treats a QR bound to another visitor as a stolen credential.
func (s *GateService) resolveIdentity(ctx context.Context, sc *scanState, res facematch.Result) (facematch.Candidate, types.GateResponse, bool) {
	best, _ := res.Best()

	if res.Ambiguous && !sc.qrValid {
		d := best.Distance
		if _, err := s.audit.Alert(ctx, types.SecurityAlert{
			AlertType:     types.AlertTwinDetected,
			Timestamp:     sc.at,
			FaceVisitorID: best.VisitorID,
			Candidates:    res.IDs(),
			Distance:      &d,
			ClientIP:      sc.clientIP,
		}); err != nil {
			return best, s.fail(ctx, sc, "record alert", err), true
		}
		sc.distance = &d
		return best, sc.deny(ReasonTwinUnresolved,
			"Multiple registered visitors resemble you. Please scan your QR code to continue."), true
	}

	cand := best
	if sc.qrValid && res.Ambiguous {
		if c, ok := res.Find(sc.payload.VisitorID); ok {
			cand = c
		}
	}

	if sc.qrValid && cand.VisitorID != sc.payload.VisitorID {
		return cand, s.denyMismatch(ctx, sc, cand), true
	}
	return cand, types.GateResponse{}, false
}

// denyMismatch handles a valid QR presented by someone else's face. The
// credential is revoked before the alert is written; the scan is denied
// whatever the store does.
func (s *GateService) denyMismatch(ctx context.Context, sc *scanState, face facematch.Candidate) types.GateResponse {
	p := sc.payload
	d := face.Distance
	sc.distance = &d

	alert := types.SecurityAlert{
		AlertType:     types.AlertQRFaceMismatch,
		Timestamp:     sc.at,
		QRVisitorID:   p.VisitorID,
		QRVisitID:     p.VisitID,
		FaceVisitorID: face.VisitorID,
		Distance:      &d,
		ClientIP:      sc.clientIP,
	}
	if err := s.invalidate(ctx, p.VisitorID, p.VisitID, "presented by a different visitor ("+face.VisitorID+")"); err != nil {
		s.logger.ErrorContext(ctx, "qr invalidation failed",
			"visitor_id", p.VisitorID, "visit_id", p.VisitID, "reason", ReasonQRFaceMismatch, "error", err)
		alert.Detail = "credential invalidation failed: " + err.Error()
	}
	if _, err := s.audit.Alert(ctx, alert); err != nil {
		s.logger.ErrorContext(ctx, "mismatch alert not recorded",
			"visitor_id", p.VisitorID, "visit_id", p.VisitID, "error", err)
	}
	s.audit.Scan(ctx, types.ScanLogEntry{
		VisitorID:     p.VisitorID,
		VisitID:       p.VisitID,
		ScanType:      types.ScanRejected,
		Timestamp:     sc.at,
		QRPresented:   true,
		FaceVisitorID: face.VisitorID,
		Distance:      &d,
		ClientIP:      sc.clientIP,
		Outcome:       ReasonQRFaceMismatch,
	})
	return sc.deny(ReasonQRFaceMismatch, "This QR code does not belong to you. Access denied.")
}

func (s *GateService) denyBlacklisted(ctx context.Context, sc *scanState, v types.Visitor) types.GateResponse {
	reason := v.BlacklistReason
	if reason == "" {
		reason = "Security restriction"
	}
	if sc.qrValid {
		if err := s.invalidate(ctx, sc.payload.VisitorID, sc.payload.VisitID, "blacklisted visitor"); err != nil {
			s.logger.ErrorContext(ctx, "qr invalidation failed",
				"visitor_id", sc.payload.VisitorID, "visit_id", sc.payload.VisitID, "reason", ReasonBlacklisted, "error", err)
		}
		s.audit.Scan(ctx, types.ScanLogEntry{
			VisitorID:   sc.payload.VisitorID,
			VisitID:     sc.payload.VisitID,
			ScanType:    types.ScanRejected,
			Timestamp:   sc.at,
			QRPresented: true,
			Distance:    sc.distance,
			ClientIP:    sc.clientIP,
			Outcome:     ReasonBlacklisted,
		})
	}
	resp := sc.deny(ReasonBlacklisted, fmt.Sprintf("Access denied. %s is blacklisted. Reason: %s", v.Name, reason))
	resp.VisitorID = v.VisitorID
	resp.Name = v.Name
	return resp
}

// selectVisit picks the QR's visit, or the visitor's most recently created
// one when no valid QR was presented.
func (s *GateService) selectVisit(ctx context.Context, sc *scanState, v types.Visitor) (string, types.GateResponse, bool) {
	if sc.qrValid {
		return sc.payload.VisitID, types.GateResponse{}, false
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	visits, err := s.visits.ListVisits(sctx, v.VisitorID)
	if err != nil {
		return "", s.fail(ctx, sc, "list visits", err), true
	}
	if len(visits) == 0 {
		resp := sc.deny(ReasonNoVisits, fmt.Sprintf("No visits found for %s. Please register a visit first.", v.Name))
		resp.VisitorID = v.VisitorID
		resp.Name = v.Name
		return "", resp, true
	}
	return visits[len(visits)-1].VisitID, types.GateResponse{}, false
}

// loadVisit re-reads the visit under the lock. A valid QR is validated
// again so a concurrent scan that already used it is seen.
func (s *GateService) loadVisit(ctx context.Context, sc *scanState, visitorID, visitID string) (types.Visit, types.GateResponse, bool) {
	if sc.qrValid {
		v, err := s.validateQR(ctx, *sc.payload)
		if err != nil {
			return types.Visit{}, s.fail(ctx, sc, "validate qr", err), true
		}
		if !v.OK {
			return types.Visit{}, s.reject(ctx, sc, visitorID, visitID, v.Reason, v.Message), true
		}
		return v.Visit, types.GateResponse{}, false
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	visit, err := s.visits.GetVisit(sctx, visitorID, visitID)
	if err != nil {
		return types.Visit{}, s.fail(ctx, sc, "get visit", err), true
	}
	return visit, types.GateResponse{}, false
}

// invalidate forces a credential to INVALIDATED. It takes the visit lock
// when it can get it; if another scan holds the lock past the wait, the
// revision-checked update alone keeps the write consistent.
func (s *GateService) invalidate(ctx context.Context, visitorID, visitID, reason string) error {
	unlock, err := s.locker.Lock(ctx, lock.VisitKey(visitorID, visitID))
	switch {
	case err == nil:
		defer unlock()
	case errors.Is(err, lock.ErrLocked):
		s.logger.WarnContext(ctx, "visit lock busy, invalidating without it",
			"visitor_id", visitorID, "visit_id", visitID)
	default:
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.qr.Invalidate(sctx, visitorID, visitID, reason)
	if errors.Is(err, qr.ErrInvalidTransition) {
		// Already fully used; nothing left to revoke.
		return nil
	}
	return err
}

func (s *GateService) validateQR(ctx context.Context, p types.QRPayload) (qr.Validation, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.qr.Validate(sctx, p)
}

func (s *GateService) listVisitors(ctx context.Context) ([]types.Visitor, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.visitors.ListVisitors(sctx)
}

func (s *GateService) embed(ctx context.Context, img []byte) ([]float64, error) {
	if s.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.embedTimeout)
		defer cancel()
	}
	return s.embedder.Embed(ctx, img)
}

func (s *GateService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout > 0 {
		return context.WithTimeout(ctx, s.storeTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *GateService) gateAllowed(ip string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// reject denies a scan that has been tied to a visit and records it in the
// visit's scan log.
func (s *GateService) reject(ctx context.Context, sc *scanState, visitorID, visitID, reason, msg string) types.GateResponse {
	s.audit.Scan(ctx, types.ScanLogEntry{
		VisitorID:   visitorID,
		VisitID:     visitID,
		ScanType:    types.ScanRejected,
		Timestamp:   sc.at,
		QRPresented: sc.qrPresented,
		Distance:    sc.distance,
		ClientIP:    sc.clientIP,
		Outcome:     reason,
	})
	s.logger.InfoContext(ctx, "scan denied",
		"visitor_id", visitorID, "visit_id", visitID, "reason", reason)

	resp := sc.deny(reason, msg)
	resp.VisitorID = visitorID
	resp.VisitID = visitID
	return resp
}

func (s *GateService) fail(ctx context.Context, sc *scanState, op string, err error) types.GateResponse {
	s.logger.ErrorContext(ctx, "scan failed", "operation", op, "client_ip", sc.clientIP, "error", err)
	return types.GateResponse{
		Status:     types.GateError,
		Reason:     ReasonInternal,
		Message:    fmt.Sprintf("Server error: %v", err),
		Distance:   sc.distance,
		ServerTime: sc.at.UTC().Format(time.RFC3339Nano),
	}
}

func (sc *scanState) wait(reason, msg string) types.GateResponse {
	return types.GateResponse{
		Status:     types.GateWaiting,
		Reason:     reason,
		Message:    msg,
		ServerTime: sc.at.UTC().Format(time.RFC3339Nano),
	}
}

func (sc *scanState) deny(reason, msg string) types.GateResponse {
	return types.GateResponse{
		Status:     types.GateDenied,
		Reason:     reason,
		Message:    msg,
		Distance:   sc.distance,
		ServerTime: sc.at.UTC().Format(time.RFC3339Nano),
	}
}

func (sc *scanState) authMethod() types.AuthMethod {
	if sc.qrValid {
		return types.AuthDual
	}
	return types.AuthFaceOnly
}

func findVisitor(vs []types.Visitor, id string) (types.Visitor, bool) {
	for _, v := range vs {
		if v.VisitorID == id {
			return v, true
		}
	}
	return types.Visitor{}, false
}

func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		return netip.ParsePrefix(raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
