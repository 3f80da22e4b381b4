package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// VisitorStore keeps visitors in a map. Records are copied on the way in and
// out so callers never share embedding slices with the store.
type VisitorStore struct {
	mu       sync.RWMutex
	visitors map[string]types.Visitor
}

func NewVisitorStore() *VisitorStore {
	return &VisitorStore{visitors: make(map[string]types.Visitor)}
}

func (s *VisitorStore) CreateVisitor(_ context.Context, v types.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.visitors[v.VisitorID]; ok {
		return store.ErrExists
	}
	if v.RegisteredAt.IsZero() {
		v.RegisteredAt = time.Now().UTC()
	}
	s.visitors[v.VisitorID] = v.Clone()
	return nil
}

func (s *VisitorStore) GetVisitor(_ context.Context, visitorID string) (types.Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visitors[visitorID]
	if !ok {
		return types.Visitor{}, store.ErrNotFound
	}
	return v.Clone(), nil
}

// ListVisitors returns visitors ordered by id.
func (s *VisitorStore) ListVisitors(_ context.Context) ([]types.Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Visitor, 0, len(s.visitors))
	for _, v := range s.visitors {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, nil
}

func (s *VisitorStore) SetBlacklist(_ context.Context, visitorID string, blacklisted bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[visitorID]
	if !ok {
		return store.ErrNotFound
	}
	v.Blacklisted = blacklisted
	if blacklisted {
		v.BlacklistReason = reason
	} else {
		v.BlacklistReason = ""
	}
	s.visitors[visitorID] = v
	return nil
}
