package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var wg sync.WaitGroup
	wins := make(chan string, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := NewToken("worker")
			ok, err := l.Acquire(ctx, TaskKey("task-1"), token, TaskLeaseTTL)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins <- token
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for token := range wins {
		winners = append(winners, token)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if held, _ := l.IsHeld(ctx, TaskKey("task-1")); !held {
		t.Fatalf("lease should be held after acquisition")
	}
	if ok, err := l.Release(ctx, TaskKey("task-1"), winners[0]); err != nil || !ok {
		t.Fatalf("winner release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	if ok, _ := l.Acquire(ctx, FileKey("f-1"), "owner-a", FileLeaseTTL); !ok {
		t.Fatalf("first acquire should succeed")
	}
	if ok, _ := l.Release(ctx, FileKey("f-1"), "owner-b"); ok {
		t.Fatalf("release with foreign token must not delete the lease")
	}
	if held, _ := l.IsHeld(ctx, FileKey("f-1")); !held {
		t.Fatalf("lease should survive a mismatched release")
	}
	if ok, _ := l.Release(ctx, FileKey("f-1"), "owner-a"); !ok {
		t.Fatalf("owner release should succeed")
	}
}

func TestReleaseAfterExpiryIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	if ok, _ := l.Acquire(ctx, FileKey("f-2"), "old-owner", 30*time.Minute); !ok {
		t.Fatalf("acquire should succeed")
	}

	// Lease expires; a new owner takes over the key.
	now = now.Add(31 * time.Minute)
	if ok, _ := l.Acquire(ctx, FileKey("f-2"), "new-owner", 30*time.Minute); !ok {
		t.Fatalf("expired lease should be acquirable")
	}

	// The stale owner's release must not touch the new owner's lease.
	if ok, _ := l.Release(ctx, FileKey("f-2"), "old-owner"); ok {
		t.Fatalf("stale release reported success")
	}
	if held, _ := l.IsHeld(ctx, FileKey("f-2")); !held {
		t.Fatalf("new owner's lease was deleted by a stale release")
	}
}

func TestCountHeldByPrefix(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	_, _ = l.Acquire(ctx, TaskKey("t-1"), "a", TaskLeaseTTL)
	_, _ = l.Acquire(ctx, TaskKey("t-2"), "b", TaskLeaseTTL)
	_, _ = l.Acquire(ctx, FileKey("f-1"), "c", FileLeaseTTL)

	if n, _ := l.CountHeld(ctx, TaskKeyPrefix()); n != 2 {
		t.Fatalf("task lease count = %d, want 2", n)
	}
	if n, _ := l.CountHeld(ctx, FileKeyPrefix()); n != 1 {
		t.Fatalf("file lease count = %d, want 1", n)
	}
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	_, _ = l.Acquire(ctx, TaskKey("t-9"), "owner", TaskLeaseTTL)
	if err := l.ForceRelease(ctx, TaskKey("t-9")); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if held, _ := l.IsHeld(ctx, TaskKey("t-9")); held {
		t.Fatalf("lease should be gone after force release")
	}
}

func TestAcquireLeaseHelper(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	lease, err := AcquireLease(ctx, l, TaskKey("t-5"), "worker-1", TaskLeaseTTL)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if lease == nil {
		t.Fatalf("expected a lease on an uncontended key")
	}

	second, err := AcquireLease(ctx, l, TaskKey("t-5"), "worker-2", TaskLeaseTTL)
	if err != nil {
		t.Fatalf("contended acquire returned error: %v", err)
	}
	if second != nil {
		t.Fatalf("contention must yield a nil lease, not a second owner")
	}

	if ok, _ := l.Release(ctx, lease.Key, lease.Token); !ok {
		t.Fatalf("lease release failed")
	}
}
