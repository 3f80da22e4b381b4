// Package lock serializes gate scans per visit.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when the lock could not be acquired within the wait.
var ErrLocked = errors.New("visit is locked by another scan")

// Locker hands out exclusive locks by key. The returned unlock func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// VisitKey is the lock key for one visit.
func VisitKey(visitorID, visitID string) string {
	return "vguard:visit:" + visitorID + ":" + visitID
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{wait: wait, slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key)
		})
	}, nil
}

func (l *MemoryLocker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) releaseSlot(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
