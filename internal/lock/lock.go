// Package lock implements lease-based mutual exclusion for review work.
//
// A lease is a Redis key holding an owner token with a TTL. Acquire is a
// single atomic set-if-absent; Release deletes the key only when the stored
// token still matches, so a worker that outlived its TTL cannot delete a
// lease a newer owner now holds. Leases are not renewed while held: the TTLs
// are sized above the worst-case processing time, and an expiry simply makes
// the work claimable again.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TaskLeaseTTL = 3600 * time.Second
	FileLeaseTTL = 1800 * time.Second

	taskKeyPrefix = "task_lock:"
	fileKeyPrefix = "file_lock:"
)

func TaskKey(taskID string) string { return taskKeyPrefix + taskID }
func FileKey(fileID string) string { return fileKeyPrefix + fileID }

func TaskKeyPrefix() string { return taskKeyPrefix }
func FileKeyPrefix() string { return fileKeyPrefix }

// NewToken returns a unique owner token for one acquisition attempt.
func NewToken(ownerID string) string {
	return fmt.Sprintf("%s:%s:%d", ownerID, uuid.NewString(), time.Now().UnixNano())
}

// Locker is the lease backend. Acquire returns false on contention, never an
// error; Release returns false when the lease already expired or was taken
// over by another owner.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
	ForceRelease(ctx context.Context, key string) error
	IsHeld(ctx context.Context, key string) (bool, error)
	CountHeld(ctx context.Context, prefix string) (int, error)
}

// Lease couples a held key and token so that release cannot be called with
// mismatched arguments.
type Lease struct {
	Key   string
	Token string
}

// AcquireLease is the common acquire path: mint a token, try the backend
// once, and hand back a Lease only on success.
func AcquireLease(ctx context.Context, l Locker, key, ownerID string, ttl time.Duration) (*Lease, error) {
	token := NewToken(ownerID)
	ok, err := l.Acquire(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, Token: token}, nil
}
