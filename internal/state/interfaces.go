package state

import (
	"context"
)

// Store is the authoritative persistence layer for tasks, files and results.
// Implementations: MemoryStore (tests, single process) and PostgresStore.
//
// Lookups return (zero, false, nil) for missing rows; an error always means
// the backend failed, never "not found".
type Store interface {
	CreateTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)
	UpdateTask(ctx context.Context, task TaskRecord) error
	DeleteTask(ctx context.Context, taskID string) error

	// UpdateTaskWithFiles runs fn with the task row locked (SELECT ... FOR
	// UPDATE in Postgres, the store mutex in memory) and the task's files
	// loaded. fn may mutate the task in place and return file rows to
	// persist; everything commits atomically. This is the only way the
	// aggregation counters are written.
	UpdateTaskWithFiles(ctx context.Context, taskID string, fn func(task *TaskRecord, files []FileRecord) ([]FileRecord, error)) error

	CreateFile(ctx context.Context, file FileRecord) error
	GetFile(ctx context.Context, fileID string) (FileRecord, bool, error)
	UpdateFile(ctx context.Context, file FileRecord) error
	DeleteFile(ctx context.Context, fileID string) error
	// ListFilesByTask filters by status when status != ""; ordered by
	// creation time.
	ListFilesByTask(ctx context.Context, taskID, status string) ([]FileRecord, error)
	FindFileByHash(ctx context.Context, taskID, contentHash string) (FileRecord, bool, error)
	// ResetFilesForTask puts every file of the task back to pending with
	// progress 0 and a cleared error, ahead of a restart or recheck.
	ResetFilesForTask(ctx context.Context, taskID string) error

	CreateResult(ctx context.Context, result ResultRecord) error
	GetResult(ctx context.Context, resultID string) (ResultRecord, bool, error)
	ListResultsByFile(ctx context.Context, fileID string) ([]ResultRecord, error)
	DeleteResultsByTask(ctx context.Context, taskID string) error
	// CountViolationsByFile counts non-compliant results for one file.
	CountViolationsByFile(ctx context.Context, fileID string) (int, error)
	// CountViolationFilesByTask counts files having at least one
	// non-compliant result.
	CountViolationFilesByTask(ctx context.Context, taskID string) (int, error)
	UpdateResultReview(ctx context.Context, resultID string, review ReviewUpdate) error
}
