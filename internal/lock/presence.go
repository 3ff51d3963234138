package lock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
)

const workerKeyPrefix = "worker_online:"

// Presence tracks live workers. Unlike a lease, a presence key is refreshed
// unconditionally on every heartbeat; workers that stop heartbeating age
// out with the TTL.
type Presence interface {
	Refresh(ctx context.Context, workerID string, ttl time.Duration) error
	CountOnline(ctx context.Context) (int, error)
}

type RedisPresence struct {
	client *redisx.Client
}

func NewRedisPresence(client *redisx.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func (p *RedisPresence) Refresh(ctx context.Context, workerID string, ttl time.Duration) error {
	secs := int(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	_, err := p.client.Do(ctx, "SET", workerKeyPrefix+workerID, strconv.FormatInt(time.Now().Unix(), 10), "EX", strconv.Itoa(secs))
	return err
}

func (p *RedisPresence) CountOnline(ctx context.Context) (int, error) {
	resp, err := p.client.Do(ctx, "KEYS", workerKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	keys, err := redisx.Strings(resp)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

type MemoryPresence struct {
	mu      sync.Mutex
	workers map[string]time.Time
	now     func() time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{workers: map[string]time.Time{}, now: time.Now}
}

func (p *MemoryPresence) Refresh(_ context.Context, workerID string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[workerID] = p.now().Add(ttl)
	return nil
}

func (p *MemoryPresence) CountOnline(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, expires := range p.workers {
		if p.now().After(expires) {
			delete(p.workers, id)
			continue
		}
		n++
	}
	return n, nil
}
