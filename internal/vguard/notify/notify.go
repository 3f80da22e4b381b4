// Package notify delivers out-of-band notices: expiring and overdue visits,
// and security alerts.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

// LogNotifier writes notices to the structured log. It is the default when
// no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note types.Notification) error {
	level := slog.LevelInfo
	if note.Kind == types.NoticeSecurityAlert || note.Kind == types.NoticeVisitOverdue {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "notification",
		"kind", note.Kind,
		"visitor_id", note.VisitorID,
		"visit_id", note.VisitID,
		"contact", note.Contact,
		"message", note.Message,
	)
	return nil
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n types.Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
