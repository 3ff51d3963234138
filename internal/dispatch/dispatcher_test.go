package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.MemoryQueue, *lock.MemoryLocker, *status.MemoryStore) {
	t.Helper()
	q := queue.NewMemoryQueue()
	locks := lock.NewMemoryLocker()
	st := status.NewMemoryStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d, err := New(Options{Queue: q, Locks: locks, Status: st, Logger: logger})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, q, locks, st
}

func TestSubmitTaskEnqueuesAndRecordsStatus(t *testing.T) {
	ctx := context.Background()
	d, q, _, st := newTestDispatcher(t)

	if err := d.SubmitTask(ctx, "t-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	claims, _ := q.Claim(ctx, 1, "w", time.Minute)
	if len(claims) != 1 || claims[0].Ref.Kind != queue.KindTask || claims[0].Ref.TaskID != "t-1" {
		t.Fatalf("unexpected claim %+v", claims)
	}
	doc, ok, _ := st.GetTaskStatus(ctx, "t-1")
	if !ok || doc.Status != StatusSubmitted {
		t.Fatalf("advisory status missing: %+v ok=%v", doc, ok)
	}
}

func TestSubmitTaskRefusesWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	d, q, locks, _ := newTestDispatcher(t)

	if ok, _ := locks.Acquire(ctx, lock.TaskKey("t-1"), "worker", lock.TaskLeaseTTL); !ok {
		t.Fatalf("setup acquire failed")
	}
	err := d.SubmitTask(ctx, "t-1")
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if stats, _ := q.Stats(ctx); stats.Pending != 0 {
		t.Fatalf("refused submit still enqueued: %+v", stats)
	}
}

func TestSubmitFileRefusesWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	d, _, locks, _ := newTestDispatcher(t)

	if ok, _ := locks.Acquire(ctx, lock.FileKey("f-1"), "worker", lock.FileLeaseTTL); !ok {
		t.Fatalf("setup acquire failed")
	}
	if err := d.SubmitFile(ctx, "t-1", "f-1", "image"); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if err := d.SubmitFile(ctx, "t-1", "f-2", "image"); err != nil {
		t.Fatalf("unrelated file refused: %v", err)
	}
}

func TestCancelTaskForceReleasesLease(t *testing.T) {
	ctx := context.Background()
	d, _, locks, st := newTestDispatcher(t)

	_, _ = locks.Acquire(ctx, lock.TaskKey("t-1"), "worker", lock.TaskLeaseTTL)
	if err := d.CancelTask(ctx, "t-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if held, _ := locks.IsHeld(ctx, lock.TaskKey("t-1")); held {
		t.Fatalf("lease survived cancel")
	}
	doc, ok, _ := st.GetTaskStatus(ctx, "t-1")
	if !ok || doc.Status != StatusCancelled {
		t.Fatalf("advisory cancel missing: %+v", doc)
	}
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	d, q, locks, _ := newTestDispatcher(t)

	_ = d.SubmitTask(ctx, "t-1")
	_ = d.SubmitFile(ctx, "t-1", "f-1", "text")
	_, _ = q.Claim(ctx, 1, "w", time.Minute)
	_, _ = locks.Acquire(ctx, lock.TaskKey("t-9"), "w", lock.TaskLeaseTTL)
	_, _ = locks.Acquire(ctx, lock.FileKey("f-9"), "w", lock.FileLeaseTTL)
	_ = d.presence.Refresh(ctx, "w-1", time.Minute)

	stats, err := d.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.InFlight != 1 {
		t.Fatalf("queue depths wrong: %+v", stats)
	}
	if stats.TaskLocks != 1 || stats.FileLocks != 1 || stats.WorkersOnline != 1 {
		t.Fatalf("coordination stats wrong: %+v", stats)
	}
}
