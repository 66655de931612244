package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a single-process Locker, used when Redis is not configured
// and in tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.leases[key]; ok && l.now().Before(exp) {
		return nil, ErrNotAcquired
	}
	expiry := l.now().Add(ttl)
	l.leases[key] = expiry

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.leases[key].Equal(expiry) {
				delete(l.leases, key)
			}
		})
	}, nil
}
