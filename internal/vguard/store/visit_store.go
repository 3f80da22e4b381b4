package store

import (
	"context"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// VisitStore holds visits keyed by (visitor id, visit id).
type VisitStore interface {
	CreateVisit(ctx context.Context, v types.Visit) error
	GetVisit(ctx context.Context, visitorID, visitID string) (types.Visit, error)

	// ListVisits returns a visitor's visits in creation order, oldest first.
	ListVisits(ctx context.Context, visitorID string) ([]types.Visit, error)
	ListVisitsByStatus(ctx context.Context, status types.VisitStatus) ([]types.Visit, error)

	// UpdateVisit replaces the stored visit if its revision still equals
	// v.Revision, returning the stored copy with the bumped revision.
	// Otherwise it returns ErrConflict and changes nothing.
	UpdateVisit(ctx context.Context, v types.Visit) (types.Visit, error)
}
