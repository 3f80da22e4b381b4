package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/notify"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// ExpiryWatcher periodically warns checked-in visitors whose expected
// checkout is near. Each visit is notified at most once.
//
// A negative notice window disables the watcher.
type ExpiryWatcher struct {
	visitors store.VisitorStore
	visits   store.VisitStore
	notifier notify.Notifier
	locker   lock.Locker
	logger   *slog.Logger
	now      func() time.Time

	window   time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

type WatcherConfig struct {
	// NoticeWindow is how long before the expected checkout the notice goes
	// out. Defaults to 30 minutes; negative disables.
	NoticeWindow time.Duration

	// Interval is how often visits are checked. Defaults to 5 minutes.
	Interval time.Duration

	Now func() time.Time
}

// NewExpiryWatcher creates a watcher but does not start it.
func NewExpiryWatcher(visitors store.VisitorStore, visits store.VisitStore, n notify.Notifier, l lock.Locker, cfg WatcherConfig, logger *slog.Logger) *ExpiryWatcher {
	window := cfg.NoticeWindow
	if window == 0 {
		window = 30 * time.Minute
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = lock.NewMemoryLocker(2 * time.Second)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ExpiryWatcher{
		visitors: visitors,
		visits:   visits,
		notifier: n,
		locker:   l,
		logger:   logger,
		now:      now,
		window:   window,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats every interval until ctx
// is cancelled or Stop is called.
func (w *ExpiryWatcher) Start(ctx context.Context) {
	if w.window < 0 || w.notifier == nil {
		w.logger.Info("expiry watcher disabled")
		close(w.done)
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	w.logger.Info("expiry watcher started", "window", w.window.String(), "interval", w.interval.String())
}

// Stop signals the watcher to exit and waits for it to finish.
func (w *ExpiryWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *ExpiryWatcher) loop(ctx context.Context) {
	defer close(w.done)

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWatcher) sweep(ctx context.Context) {
	n, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("expiry sweep", "notified", n)
	}
}

// Sweep notifies every checked-in visit whose expected checkout falls
// within the window and marks it notified. It returns how many were sent.
func (w *ExpiryWatcher) Sweep(ctx context.Context) (int, error) {
	visits, err := w.visits.ListVisitsByStatus(ctx, types.VisitCheckedIn)
	if err != nil {
		return 0, fmt.Errorf("Sweep: %w", err)
	}

	now := w.now()
	sent := 0
	for _, v := range visits {
		if v.Notified || v.HasVisited || v.ExpectedCheckout == nil {
			continue
		}
		left := v.ExpectedCheckout.Sub(now)
		if left <= 0 || left > w.window {
			continue
		}

		ok, err := w.notifyVisit(ctx, v, left)
		if err != nil {
			w.logger.Warn("expiry notice failed",
				"visitor_id", v.VisitorID, "visit_id", v.VisitID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (w *ExpiryWatcher) notifyVisit(ctx context.Context, v types.Visit, left time.Duration) (bool, error) {
	unlock, err := w.locker.Lock(ctx, lock.VisitKey(v.VisitorID, v.VisitID))
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-read: the visitor may have checked out since the listing.
	cur, err := w.visits.GetVisit(ctx, v.VisitorID, v.VisitID)
	if err != nil {
		return false, err
	}
	if cur.Status != types.VisitCheckedIn || cur.Notified {
		return false, nil
	}

	visitor, err := w.visitors.GetVisitor(ctx, v.VisitorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	mins := int(left.Round(time.Minute) / time.Minute)
	if err := w.notifier.Notify(ctx, types.Notification{
		Kind:      types.NoticeVisitExpiring,
		VisitorID: cur.VisitorID,
		VisitID:   cur.VisitID,
		Name:      visitor.Name,
		Contact:   visitor.Contact,
		Message:   fmt.Sprintf("Your visit ends in about %d minutes. Please check out at the kiosk before you leave.", mins),
		At:        w.now().UTC(),
	}); err != nil {
		return false, err
	}

	cur.Notified = true
	if _, err := w.visits.UpdateVisit(ctx, cur); err != nil {
		return true, fmt.Errorf("mark notified: %w", err)
	}
	return true, nil
}
