package state

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func seedTaskWithFiles(t *testing.T, m *MemoryStore, taskID string, fileIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := m.CreateTask(ctx, TaskRecord{ID: taskID, Status: "pending"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, id := range fileIDs {
		if err := m.CreateFile(ctx, FileRecord{ID: id, TaskID: taskID, FileType: "text", Status: "pending"}); err != nil {
			t.Fatalf("create file %s: %v", id, err)
		}
	}
}

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1", "f-2")

	task, ok, err := m.GetTask(ctx, "t-1")
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	task.Status = "processing"
	if err := m.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	files, err := m.ListFilesByTask(ctx, "t-1", "")
	if err != nil || len(files) != 2 {
		t.Fatalf("list files: n=%d err=%v", len(files), err)
	}
	if files[0].ID != "f-1" || files[1].ID != "f-2" {
		t.Fatalf("files not ordered by creation: %+v", files)
	}

	if err := m.DeleteTask(ctx, "t-1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if files, _ := m.ListFilesByTask(ctx, "t-1", ""); len(files) != 0 {
		t.Fatalf("files should cascade on task delete")
	}
}

func TestMemoryStoreUpdateTaskWithFiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1", "f-2")

	err := m.UpdateTaskWithFiles(ctx, "t-1", func(task *TaskRecord, files []FileRecord) ([]FileRecord, error) {
		task.Status = "processing"
		files[0].Status = "cancelled"
		return files[:1], nil
	})
	if err != nil {
		t.Fatalf("update with files: %v", err)
	}

	task, _, _ := m.GetTask(ctx, "t-1")
	if task.Status != "processing" {
		t.Fatalf("task mutation not persisted: %+v", task)
	}
	f1, _, _ := m.GetFile(ctx, "f-1")
	f2, _, _ := m.GetFile(ctx, "f-2")
	if f1.Status != "cancelled" || f2.Status != "pending" {
		t.Fatalf("file persistence wrong: f1=%s f2=%s", f1.Status, f2.Status)
	}

	// An fn error must leave everything untouched.
	sentinel := errors.New("boom")
	err = m.UpdateTaskWithFiles(ctx, "t-1", func(task *TaskRecord, files []FileRecord) ([]FileRecord, error) {
		task.Status = "failed"
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	task, _, _ = m.GetTask(ctx, "t-1")
	if task.Status != "processing" {
		t.Fatalf("failed closure leaked a write: %+v", task)
	}
}

func TestMemoryStoreUpdateTaskWithFilesSerializes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1")

	// Concurrent increments through the guarded closure must not lose any.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateTaskWithFiles(ctx, "t-1", func(task *TaskRecord, _ []FileRecord) ([]FileRecord, error) {
				task.ProcessedFiles++
				return nil, nil
			})
		}()
	}
	wg.Wait()
	task, _, _ := m.GetTask(ctx, "t-1")
	if task.ProcessedFiles != 50 {
		t.Fatalf("lost updates: processed=%d", task.ProcessedFiles)
	}
}

func TestMemoryStoreFindFileByHash(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1")
	f, _, _ := m.GetFile(ctx, "f-1")
	f.ContentHash = "abc123"
	_ = m.UpdateFile(ctx, f)

	if _, ok, _ := m.FindFileByHash(ctx, "t-1", "abc123"); !ok {
		t.Fatalf("hash lookup missed")
	}
	if _, ok, _ := m.FindFileByHash(ctx, "t-1", ""); ok {
		t.Fatalf("empty hash must not match")
	}
	if _, ok, _ := m.FindFileByHash(ctx, "t-other", "abc123"); ok {
		t.Fatalf("hash dedup must be scoped to the task")
	}
}

func TestMemoryStoreResetFilesForTask(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1", "f-2")

	f, _, _ := m.GetFile(ctx, "f-1")
	f.Status = "failed"
	f.Progress = 80
	f.ErrorMessage = "classifier timeout"
	f.ViolationCount = 3
	_ = m.UpdateFile(ctx, f)

	if err := m.ResetFilesForTask(ctx, "t-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	f, _, _ = m.GetFile(ctx, "f-1")
	if f.Status != "pending" || f.Progress != 0 || f.ErrorMessage != "" || f.ViolationCount != 0 {
		t.Fatalf("reset incomplete: %+v", f)
	}
}

func TestMemoryStoreResultsAndReview(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTaskWithFiles(t, m, "t-1", "f-1", "f-2")

	results := []ResultRecord{
		{ID: "r-1", TaskID: "t-1", FileID: "f-1", Verdict: "non_compliant", SourceType: "ocr"},
		{ID: "r-2", TaskID: "t-1", FileID: "f-1", Verdict: "compliant", SourceType: "visual"},
		{ID: "r-3", TaskID: "t-1", FileID: "f-2", Verdict: "non_compliant", SourceType: "visual"},
	}
	for _, r := range results {
		if err := m.CreateResult(ctx, r); err != nil {
			t.Fatalf("create result: %v", err)
		}
	}

	if n, _ := m.CountViolationsByFile(ctx, "f-1"); n != 1 {
		t.Fatalf("violations for f-1 = %d, want 1", n)
	}
	if n, _ := m.CountViolationFilesByTask(ctx, "t-1"); n != 2 {
		t.Fatalf("violation files = %d, want 2", n)
	}

	if err := m.UpdateResultReview(ctx, "r-1", ReviewUpdate{Reviewer: "alice", Note: "confirmed", VerdictOverride: "non_compliant"}); err != nil {
		t.Fatalf("review: %v", err)
	}
	r, _, _ := m.GetResult(ctx, "r-1")
	if !r.IsReviewed || r.ReviewedBy != "alice" || r.ReviewedAt.IsZero() {
		t.Fatalf("review fields not set: %+v", r)
	}

	if err := m.DeleteResultsByTask(ctx, "t-1"); err != nil {
		t.Fatalf("delete results: %v", err)
	}
	if n, _ := m.CountViolationFilesByTask(ctx, "t-1"); n != 0 {
		t.Fatalf("results survive delete: %d", n)
	}
}
