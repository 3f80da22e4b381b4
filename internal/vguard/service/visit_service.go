package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/vguard/internal/vguard/embedding"
	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidStatus = errors.New("operation not allowed in current visit status")
	ErrNoCredential  = errors.New("visit has no qr credential")
)

type VisitDeps struct {
	Visitors store.VisitorStore
	Visits   store.VisitStore
	Embedder embedding.Embedder
	QR       *qr.Engine
	Locker   lock.Locker
	Logger   *slog.Logger

	// Dimension is the embedding length visitors must register with.
	Dimension int
	Now       func() time.Time
}

// VisitService holds the registration and host-side operations that feed
// the gate: visitors, visits, approvals and the blacklist.
type VisitService struct {
	visitors  store.VisitorStore
	visits    store.VisitStore
	embedder  embedding.Embedder
	qr        *qr.Engine
	locker    lock.Locker
	logger    *slog.Logger
	dimension int
	now       func() time.Time
}

func NewVisitService(d VisitDeps) *VisitService {
	s := &VisitService{
		visitors:  d.Visitors,
		visits:    d.Visits,
		embedder:  d.Embedder,
		qr:        d.QR,
		locker:    d.Locker,
		logger:    d.Logger,
		dimension: d.Dimension,
		now:       d.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker(2 * time.Second)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type RegisterVisitorInput struct {
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Embedding []float64 `json:"embedding,omitempty"`
	// Image is a base64 or data-URL photo used when Embedding is empty.
	Image string `json:"image,omitempty"`
}

func (s *VisitService) RegisterVisitor(ctx context.Context, in RegisterVisitorInput) (types.Visitor, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return types.Visitor{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	vec := in.Embedding
	if len(vec) == 0 {
		if strings.TrimSpace(in.Image) == "" {
			return types.Visitor{}, fmt.Errorf("%w: embedding or image is required", ErrInvalidInput)
		}
		if s.embedder == nil {
			return types.Visitor{}, fmt.Errorf("%w: no embedder configured, supply an embedding", ErrInvalidInput)
		}
		img, err := embedding.DecodeImage(in.Image)
		if err != nil {
			return types.Visitor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		vec, err = s.embedder.Embed(ctx, img)
		if errors.Is(err, embedding.ErrNoFace) || errors.Is(err, embedding.ErrMalformedImage) {
			return types.Visitor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err != nil {
			return types.Visitor{}, fmt.Errorf("RegisterVisitor embed: %w", err)
		}
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return types.Visitor{}, fmt.Errorf("%w: embedding has %d components, want %d", ErrInvalidInput, len(vec), s.dimension)
	}

	v := types.Visitor{
		VisitorID:    uuid.NewString(),
		Name:         name,
		Contact:      strings.TrimSpace(in.Contact),
		Embedding:    vec,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.visitors.CreateVisitor(ctx, v); err != nil {
		return types.Visitor{}, fmt.Errorf("RegisterVisitor: %w", err)
	}
	s.logger.InfoContext(ctx, "visitor registered", "visitor_id", v.VisitorID)
	return v, nil
}

type CreateVisitInput struct {
	VisitorID string `json:"-"`
	VisitDate string `json:"visit_date"`
	Purpose   string `json:"purpose"`
	HostName  string `json:"host_name"`
	// Duration is free text as entered at registration ("2 hours", "1.5").
	Duration string `json:"duration"`
}

// CreateVisit schedules a visit and issues its QR credential. Visits naming
// a host start pending that host's approval.
func (s *VisitService) CreateVisit(ctx context.Context, in CreateVisitInput) (types.Visit, error) {
	if _, err := time.Parse(types.DateLayout, in.VisitDate); err != nil {
		return types.Visit{}, fmt.Errorf("%w: visit_date must be YYYY-MM-DD", ErrInvalidInput)
	}
	if _, err := s.visitors.GetVisitor(ctx, in.VisitorID); err != nil {
		return types.Visit{}, fmt.Errorf("CreateVisit: %w", err)
	}

	now := s.now().UTC()
	v := types.Visit{
		VisitorID: in.VisitorID,
		VisitDate: in.VisitDate,
		Purpose:   strings.TrimSpace(in.Purpose),
		HostName:  strings.TrimSpace(in.HostName),
		Status:    types.VisitRegistered,
		Duration:  types.ParseVisitDuration(in.Duration),
		CreatedAt: now,
	}
	if v.HasHost() {
		v.Status = types.VisitPendingApproval
	}

	// Visit ids are creation timestamps in milliseconds; bump on collision.
	ms := now.UnixMilli()
	for attempt := 0; attempt < 5; attempt++ {
		v.VisitID = strconv.FormatInt(ms+int64(attempt), 10)

		cred, err := s.qr.Issue(v.VisitorID, v.VisitID, v.VisitDate)
		if err != nil {
			return types.Visit{}, err
		}
		v.QR = cred

		err = s.visits.CreateVisit(ctx, v)
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			return types.Visit{}, fmt.Errorf("CreateVisit: %w", err)
		}
		s.logger.InfoContext(ctx, "visit created",
			"visitor_id", v.VisitorID, "visit_id", v.VisitID, "status", v.Status)
		return s.visits.GetVisit(ctx, v.VisitorID, v.VisitID)
	}
	return types.Visit{}, fmt.Errorf("CreateVisit: %w", store.ErrExists)
}

func (s *VisitService) Approve(ctx context.Context, visitorID, visitID string) (types.Visit, error) {
	return s.update(ctx, visitorID, visitID, "approve", func(v *types.Visit) error {
		switch v.Status {
		case types.VisitRegistered, types.VisitPendingApproval, types.VisitRescheduled:
		default:
			return fmt.Errorf("%w: cannot approve a %s visit", ErrInvalidStatus, v.Status)
		}
		v.Status = types.VisitApproved
		return nil
	})
}

// Reject refuses a visit and revokes its unused credential.
func (s *VisitService) Reject(ctx context.Context, visitorID, visitID, reason string) (types.Visit, error) {
	return s.update(ctx, visitorID, visitID, "reject", func(v *types.Visit) error {
		if !preArrival(v.Status) {
			return fmt.Errorf("%w: cannot reject a %s visit", ErrInvalidStatus, v.Status)
		}
		v.Status = types.VisitRejected
		v.RejectionReason = strings.TrimSpace(reason)
		if !v.QR.State.Status.Terminal() {
			return s.qr.MarkInvalid(v, "visit rejected")
		}
		return nil
	})
}

// Reschedule moves a visit to newDate. Rejected visits may be rescheduled
// too. A credential that was never scanned is reissued for the new date, so
// it neither expires first nor stays revoked by an earlier rejection.
func (s *VisitService) Reschedule(ctx context.Context, visitorID, visitID, newDate, reason string) (types.Visit, error) {
	if _, err := time.Parse(types.DateLayout, newDate); err != nil {
		return types.Visit{}, fmt.Errorf("%w: new date must be YYYY-MM-DD", ErrInvalidInput)
	}
	return s.update(ctx, visitorID, visitID, "reschedule", func(v *types.Visit) error {
		if !preArrival(v.Status) && v.Status != types.VisitRejected {
			return fmt.Errorf("%w: cannot reschedule a %s visit", ErrInvalidStatus, v.Status)
		}
		if v.Status == types.VisitRejected {
			v.RejectionReason = ""
		}
		v.Status = types.VisitRescheduled
		v.VisitDate = newDate
		v.RescheduleReason = strings.TrimSpace(reason)

		if reissuable(v.QR.State) {
			cred, err := s.qr.Issue(v.VisitorID, v.VisitID, newDate)
			if err != nil {
				return err
			}
			v.QR = cred
		}
		return nil
	})
}

// ReissueQR replaces a credential that was revoked before the visitor
// arrived, for example after someone else presented it at the gate.
func (s *VisitService) ReissueQR(ctx context.Context, visitorID, visitID string) (types.Visit, error) {
	visitor, err := s.visitors.GetVisitor(ctx, visitorID)
	if err != nil {
		return types.Visit{}, fmt.Errorf("reissue_qr: %w", err)
	}
	if visitor.Blacklisted {
		return types.Visit{}, fmt.Errorf("%w: visitor %s is blacklisted", ErrInvalidStatus, visitorID)
	}
	return s.update(ctx, visitorID, visitID, "reissue_qr", func(v *types.Visit) error {
		if !preArrival(v.Status) {
			return fmt.Errorf("%w: cannot reissue the credential of a %s visit", ErrInvalidStatus, v.Status)
		}
		st := v.QR.State
		if st.Status != types.QRInvalidated || st.ScanCount != 0 {
			return fmt.Errorf("%w: only a credential revoked before use can be reissued (state %s)", ErrInvalidStatus, st.Status)
		}
		cred, err := s.qr.Issue(v.VisitorID, v.VisitID, v.VisitDate)
		if err != nil {
			return err
		}
		v.QR = cred
		return nil
	})
}

func (s *VisitService) SetBlacklist(ctx context.Context, visitorID string, blacklisted bool, reason string) (types.Visitor, error) {
	if err := s.visitors.SetBlacklist(ctx, visitorID, blacklisted, strings.TrimSpace(reason)); err != nil {
		return types.Visitor{}, fmt.Errorf("SetBlacklist: %w", err)
	}
	s.logger.InfoContext(ctx, "blacklist updated", "visitor_id", visitorID, "blacklisted", blacklisted)
	return s.visitors.GetVisitor(ctx, visitorID)
}

// QRImage renders the visit's credential as a PNG.
func (s *VisitService) QRImage(ctx context.Context, visitorID, visitID string, size int) ([]byte, error) {
	v, err := s.visits.GetVisit(ctx, visitorID, visitID)
	if err != nil {
		return nil, fmt.Errorf("QRImage: %w", err)
	}
	if v.QR.Payload == "" {
		return nil, ErrNoCredential
	}
	return qr.RenderPNG(v.QR.Payload, size)
}

func (s *VisitService) Visitor(ctx context.Context, visitorID string) (types.Visitor, error) {
	return s.visitors.GetVisitor(ctx, visitorID)
}

func (s *VisitService) Visit(ctx context.Context, visitorID, visitID string) (types.Visit, error) {
	return s.visits.GetVisit(ctx, visitorID, visitID)
}

func (s *VisitService) Visits(ctx context.Context, visitorID string) ([]types.Visit, error) {
	if _, err := s.visitors.GetVisitor(ctx, visitorID); err != nil {
		return nil, err
	}
	return s.visits.ListVisits(ctx, visitorID)
}

// update applies fn to a fresh copy of the visit under the visit lock and
// retries when a concurrent writer wins the revision race.
func (s *VisitService) update(ctx context.Context, visitorID, visitID, op string, fn func(*types.Visit) error) (types.Visit, error) {
	unlock, err := s.locker.Lock(ctx, lock.VisitKey(visitorID, visitID))
	if err != nil {
		return types.Visit{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	const attempts = 3
	for i := 0; i < attempts; i++ {
		v, err := s.visits.GetVisit(ctx, visitorID, visitID)
		if err != nil {
			return types.Visit{}, fmt.Errorf("%s: %w", op, err)
		}
		if err := fn(&v); err != nil {
			return types.Visit{}, err
		}
		updated, err := s.visits.UpdateVisit(ctx, v)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return types.Visit{}, fmt.Errorf("%s: %w", op, err)
		}
		s.logger.InfoContext(ctx, "visit updated",
			"operation", op, "visitor_id", visitorID, "visit_id", visitID, "status", updated.Status)
		return updated, nil
	}
	return types.Visit{}, fmt.Errorf("%s: %w", op, store.ErrConflict)
}

func preArrival(s types.VisitStatus) bool {
	switch s {
	case types.VisitRegistered, types.VisitPendingApproval, types.VisitApproved, types.VisitRescheduled:
		return true
	}
	return false
}

// reissuable reports whether a credential can be replaced without losing
// scan history: it is unused, or it was revoked before its first scan.
func reissuable(st types.QRState) bool {
	switch st.Status {
	case "", types.QRUnused:
		return true
	case types.QRInvalidated:
		return st.ScanCount == 0
	}
	return false
}
