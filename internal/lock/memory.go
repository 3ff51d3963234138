package lock

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker backs tests and single-process deployments. Expiry is checked
// lazily on access, the way the Redis TTL would have removed the key.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]memoryLease{}, now: time.Now}
}

// SetClock overrides the time source for expiry tests.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLocker) live(key string) (memoryLease, bool) {
	lease, ok := l.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if l.now().After(lease.expiresAt) {
		delete(l.leases, key)
		return memoryLease{}, false
	}
	return lease, true
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.live(key); held {
		return false, nil
	}
	l.leases[key] = memoryLease{token: token, expiresAt: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, held := l.live(key)
	if !held || lease.token != token {
		return false, nil
	}
	delete(l.leases, key)
	return true, nil
}

func (l *MemoryLocker) ForceRelease(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}

func (l *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.live(key)
	return held, nil
}

func (l *MemoryLocker) CountHeld(ctx context.Context, prefix string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.leases {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, held := l.live(key); held {
			n++
		}
	}
	return n, nil
}
