package store

import (
	"context"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type VisitorStore interface {
	CreateVisitor(ctx context.Context, v types.Visitor) error
	GetVisitor(ctx context.Context, visitorID string) (types.Visitor, error)
	ListVisitors(ctx context.Context) ([]types.Visitor, error)
	SetBlacklist(ctx context.Context, visitorID string, blacklisted bool, reason string) error
}
