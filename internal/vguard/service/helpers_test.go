package service_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/audit"
	"github.com/BrandonDHaskell/vguard/internal/vguard/facematch"
	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store/memory"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeEmbedder returns whatever vector or error the test set last.
type fakeEmbedder struct {
	mu  sync.Mutex
	vec []float64
	err error
}

func (e *fakeEmbedder) Embed(context.Context, []byte) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]float64(nil), e.vec...), nil
}

func (e *fakeEmbedder) set(vec []float64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vec, e.err = vec, err
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note types.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) kinds(kind types.NotificationKind) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.Notification
	for _, x := range n.notes {
		if x.Kind == kind {
			out = append(out, x)
		}
	}
	return out
}

// conflictingVisits fails every UpdateVisit with ErrConflict.
type conflictingVisits struct {
	*memory.VisitStore
}

func (conflictingVisits) UpdateVisit(context.Context, types.Visit) (types.Visit, error) {
	return types.Visit{}, store.ErrConflict
}

// ── harness ─────────────────────────────────────────────────────────────────

const today = "2026-02-15"

var startTime = time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	clock    *fakeClock
	visitors *memory.VisitorStore
	visits   *memory.VisitStore
	audit    *memory.AuditStore
	embedder *fakeEmbedder
	notes    *recordingNotifier
	engine   *qr.Engine
	locker   *lock.MemoryLocker
	gate     *service.GateService
	registry *service.VisitService
}

type harnessOption func(*harness, *service.GateDeps, *service.GatePolicy)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		clock:    &fakeClock{t: startTime},
		visitors: memory.NewVisitorStore(),
		visits:   memory.NewVisitStore(),
		audit:    memory.NewAuditStore(),
		embedder: &fakeEmbedder{vec: vec(0)},
		notes:    &recordingNotifier{},
		locker:   lock.NewMemoryLocker(5 * time.Second),
	}
	h.engine = qr.NewEngine(h.visits, qr.DefaultPolicy(),
		qr.WithClock(h.clock.Now), qr.WithLocation(time.UTC))

	deps := service.GateDeps{
		Visitors: h.visitors,
		Visits:   h.visits,
		Embedder: h.embedder,
		QR:       h.engine,
		Matcher:  facematch.NewMatcher(facematch.DefaultPolicy()),
		Audit:    audit.NewRecorder(h.audit, h.notes, nil).WithClock(h.clock.Now),
		Notifier: h.notes,
		Locker:   h.locker,
	}
	policy := service.GatePolicy{
		StoreTimeout:     time.Second,
		EmbedTimeout:     time.Second,
		CheckoutCooldown: 60 * time.Second,
		Location:         time.UTC,
		Now:              h.clock.Now,
	}
	for _, o := range opts {
		o(h, &deps, &policy)
	}

	gate, err := service.NewGateService(deps, policy)
	if err != nil {
		t.Fatalf("NewGateService: %v", err)
	}
	h.gate = gate
	h.registry = service.NewVisitService(service.VisitDeps{
		Visitors:  h.visitors,
		Visits:    h.visits,
		Embedder:  h.embedder,
		QR:        h.engine,
		Locker:    h.locker,
		Dimension: 128,
		Now:       h.clock.Now,
	})
	return h
}

// withLockWait swaps in a visit locker that gives up after wait.
func withLockWait(wait time.Duration) harnessOption {
	return func(h *harness, d *service.GateDeps, _ *service.GatePolicy) {
		h.locker = lock.NewMemoryLocker(wait)
		d.Locker = h.locker
	}
}

func vec(first float64) []float64 {
	v := make([]float64, 128)
	v[0] = first
	return v
}

var frame = func() string {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}()

// addVisitor stores a visitor whose embedding is first units from the
// zero vector the fake camera sees by default.
func (h *harness) addVisitor(id string, first float64) types.Visitor {
	h.t.Helper()
	v := types.Visitor{
		VisitorID:    id,
		Name:         "Visitor " + id,
		Contact:      id + "@example.com",
		Embedding:    vec(first),
		RegisteredAt: startTime,
	}
	if err := h.visitors.CreateVisitor(context.Background(), v); err != nil {
		h.t.Fatalf("CreateVisitor: %v", err)
	}
	return v
}

type visitOpts struct {
	date     string
	status   types.VisitStatus
	host     string
	duration time.Duration
	reason   string
}

// addVisit stores a visit with a freshly issued credential and returns it
// with the raw QR payload.
func (h *harness) addVisit(visitorID, visitID string, o visitOpts) (types.Visit, string) {
	h.t.Helper()
	if o.date == "" {
		o.date = today
	}
	if o.status == "" {
		o.status = types.VisitRegistered
	}
	if o.duration == 0 {
		o.duration = 3 * time.Hour
	}
	cred, err := h.engine.Issue(visitorID, visitID, o.date)
	if err != nil {
		h.t.Fatalf("Issue: %v", err)
	}
	v := types.Visit{
		VisitorID:       visitorID,
		VisitID:         visitID,
		VisitDate:       o.date,
		Purpose:         "Meeting",
		HostName:        o.host,
		Status:          o.status,
		Duration:        o.duration,
		RejectionReason: o.reason,
		CreatedAt:       h.clock.Now(),
		QR:              cred,
	}
	if err := h.visits.CreateVisit(context.Background(), v); err != nil {
		h.t.Fatalf("CreateVisit: %v", err)
	}
	return h.visit(visitorID, visitID), cred.Payload
}

func (h *harness) visit(visitorID, visitID string) types.Visit {
	h.t.Helper()
	v, err := h.visits.GetVisit(context.Background(), visitorID, visitID)
	if err != nil {
		h.t.Fatalf("GetVisit: %v", err)
	}
	return v
}

func (h *harness) scan(qrData string) types.GateResponse {
	return h.gate.Scan(context.Background(), types.GateRequest{
		Image:    frame,
		QRData:   qrData,
		ClientIP: "10.0.0.5",
	})
}

func (h *harness) alerts(kind types.AlertType) []types.SecurityAlert {
	var out []types.SecurityAlert
	for _, a := range h.audit.Alerts() {
		if a.AlertType == kind {
			out = append(out, a)
		}
	}
	return out
}

func (h *harness) transactions(visitorID, visitID string, action types.TransactionAction) int {
	txs, _ := h.audit.Transactions(context.Background(), visitorID, visitID)
	n := 0
	for _, tx := range txs {
		if tx.Action == action {
			n++
		}
	}
	return n
}

func expect(t *testing.T, resp types.GateResponse, status types.GateStatus, reason string) {
	t.Helper()
	if resp.Status != status || resp.Reason != reason {
		t.Fatalf("got %s/%s (%q), want %s/%s", resp.Status, resp.Reason, resp.Message, status, reason)
	}
}
