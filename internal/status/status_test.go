package status

import (
	"context"
	"testing"
	"time"
)

func TestMissingSnapshotIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc, ok, err := s.GetTaskStatus(ctx, "no-such-task")
	if err != nil {
		t.Fatalf("missing key returned error: %v", err)
	}
	if ok {
		t.Fatalf("missing key reported present: %+v", doc)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.SetTaskStatus(ctx, "t-1", Doc{Status: "submitted", QueueID: "q-9"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, ok, err := s.GetTaskStatus(ctx, "t-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if doc.Status != "submitted" || doc.QueueID != "q-9" {
		t.Fatalf("unexpected doc %+v", doc)
	}
	if doc.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not stamped")
	}
}

func TestProgressClamped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SetFileProgress(ctx, "f-1", Progress{Percent: 250, Stage: "classify"})
	p, ok, _ := s.GetFileProgress(ctx, "f-1")
	if !ok || p.Percent != 100 {
		t.Fatalf("expected clamp to 100, got %+v ok=%v", p, ok)
	}
	_ = s.SetFileProgress(ctx, "f-1", Progress{Percent: -5})
	p, _, _ = s.GetFileProgress(ctx, "f-1")
	if p.Percent != 0 {
		t.Fatalf("expected clamp to 0, got %d", p.Percent)
	}
}

func TestSnapshotsExpire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_ = s.SetTaskStatus(ctx, "t-2", Doc{Status: "processing"})
	_ = s.SetTaskProgress(ctx, "t-2", Progress{Percent: 40})

	// Progress expires first (1h); status sticks around for a day.
	now = now.Add(2 * time.Hour)
	if _, ok, _ := s.GetTaskProgress(ctx, "t-2"); ok {
		t.Fatalf("progress should have expired")
	}
	if _, ok, _ := s.GetTaskStatus(ctx, "t-2"); !ok {
		t.Fatalf("status should still be live")
	}

	now = now.Add(25 * time.Hour)
	if _, ok, _ := s.GetTaskStatus(ctx, "t-2"); ok {
		t.Fatalf("status should have expired")
	}
}
