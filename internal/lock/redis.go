package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
)

// compare-and-delete: the lease is removed only when the caller still owns it.
const releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

type RedisLocker struct {
	client *redisx.Client
}

func NewRedisLocker(client *redisx.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	secs := int(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	resp, err := l.client.Do(ctx, "SET", key, token, "NX", "EX", strconv.Itoa(secs))
	if err != nil {
		return false, err
	}
	// nil reply means the key already exists.
	s, _ := resp.(string)
	return s == "OK", nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	resp, err := l.client.Do(ctx, "EVAL", releaseScript, "1", key, token)
	if err != nil {
		return false, err
	}
	n, err := redisx.Int(resp)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	_, err := l.client.Do(ctx, "DEL", key)
	return err
}

func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	resp, err := l.client.Do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := redisx.Int(resp)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) CountHeld(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("lock: empty prefix")
	}
	resp, err := l.client.Do(ctx, "KEYS", prefix+"*")
	if err != nil {
		return 0, err
	}
	keys, err := redisx.Strings(resp)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
