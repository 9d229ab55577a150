package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out short-lived exclusive leases on a key.
type Locker interface {
	// TryLock returns acquired=false without blocking when the key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker is an in-process Locker for single-instance deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
	seq  uint64
}

type lease struct {
	id        uint64
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]lease),
		now:  time.Now,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.held[key]; ok && now.Before(current.expiresAt) {
		return nil, false, nil
	}

	l.seq++
	id := l.seq
	l.held[key] = lease{id: id, expiresAt: now.Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		// An expired lease may have been taken over by someone else.
		if current, ok := l.held[key]; ok && current.id == id {
			delete(l.held, key)
		}
	}

	return release, true, nil
}
