package state

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestPostgresStoreIntegrationTaskFileResult(t *testing.T) {
	dsn := os.Getenv("REVIEW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set REVIEW_TEST_DATABASE_URL to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx := context.Background()
	taskID := "task-int-" + time.Now().UTC().Format("20060102150405.000")
	task := TaskRecord{ID: taskID, Name: "integration", StrategyType: "default", Status: "pending", VideoFrameInterval: 5}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	defer func() { _ = store.DeleteTask(ctx, taskID) }()

	file := FileRecord{ID: taskID + "-f1", TaskID: taskID, OriginalName: "a.txt", FileType: "text", Status: "pending", ContentHash: "h1"}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("create file: %v", err)
	}

	if _, ok, err := store.FindFileByHash(ctx, taskID, "h1"); err != nil || !ok {
		t.Fatalf("hash lookup: ok=%v err=%v", ok, err)
	}

	result := ResultRecord{ID: taskID + "-r1", TaskID: taskID, FileID: file.ID, Verdict: "non_compliant", SourceType: "ocr"}
	if err := store.CreateResult(ctx, result); err != nil {
		t.Fatalf("create result: %v", err)
	}
	if n, err := store.CountViolationsByFile(ctx, file.ID); err != nil || n != 1 {
		t.Fatalf("violation count: n=%d err=%v", n, err)
	}

	err = store.UpdateTaskWithFiles(ctx, taskID, func(task *TaskRecord, files []FileRecord) ([]FileRecord, error) {
		if len(files) != 1 {
			t.Fatalf("expected 1 file in closure, got %d", len(files))
		}
		task.Status = "processing"
		files[0].Status = "completed"
		files[0].Progress = 100
		return files, nil
	})
	if err != nil {
		t.Fatalf("update task with files: %v", err)
	}

	got, ok, err := store.GetFile(ctx, file.ID)
	if err != nil || !ok || got.Status != "completed" || got.Progress != 100 {
		t.Fatalf("file after closure: %+v ok=%v err=%v", got, ok, err)
	}

	// Cascade: deleting the task removes files and results.
	if err := store.DeleteTask(ctx, taskID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, ok, _ := store.GetFile(ctx, file.ID); ok {
		t.Fatalf("file survived task delete")
	}
	if _, ok, _ := store.GetResult(ctx, result.ID); ok {
		t.Fatalf("result survived task delete")
	}
}
