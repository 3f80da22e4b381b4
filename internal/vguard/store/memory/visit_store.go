package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type visitKey struct {
	visitorID string
	visitID   string
}

// VisitStore is an in-memory VisitStore. Insertion order is kept per visitor
// so ListVisits matches creation order.
type VisitStore struct {
	mu     sync.RWMutex
	visits map[visitKey]types.Visit
	order  map[string][]string
}

func NewVisitStore() *VisitStore {
	return &VisitStore{
		visits: make(map[visitKey]types.Visit),
		order:  make(map[string][]string),
	}
}

func (s *VisitStore) CreateVisit(_ context.Context, v types.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := visitKey{v.VisitorID, v.VisitID}
	if _, ok := s.visits[k]; ok {
		return store.ErrExists
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Revision == 0 {
		v.Revision = 1
	}
	s.visits[k] = v.Clone()
	s.order[v.VisitorID] = append(s.order[v.VisitorID], v.VisitID)
	return nil
}

func (s *VisitStore) GetVisit(_ context.Context, visitorID, visitID string) (types.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visits[visitKey{visitorID, visitID}]
	if !ok {
		return types.Visit{}, store.ErrNotFound
	}
	return v.Clone(), nil
}

func (s *VisitStore) ListVisits(_ context.Context, visitorID string) ([]types.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[visitorID]
	out := make([]types.Visit, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.visits[visitKey{visitorID, id}].Clone())
	}
	return out, nil
}

func (s *VisitStore) ListVisitsByStatus(_ context.Context, status types.VisitStatus) ([]types.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Visit
	for visitorID, ids := range s.order {
		for _, id := range ids {
			v := s.visits[visitKey{visitorID, id}]
			if v.Status == status {
				out = append(out, v.Clone())
			}
		}
	}
	return out, nil
}

func (s *VisitStore) UpdateVisit(_ context.Context, v types.Visit) (types.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := visitKey{v.VisitorID, v.VisitID}
	cur, ok := s.visits[k]
	if !ok {
		return types.Visit{}, store.ErrNotFound
	}
	if cur.Revision != v.Revision {
		return types.Visit{}, store.ErrConflict
	}

	v = v.Clone()
	v.CreatedAt = cur.CreatedAt
	v.Revision = cur.Revision + 1
	s.visits[k] = v
	return v.Clone(), nil
}
