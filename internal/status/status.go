// Package status keeps short-lived advisory snapshots of task and file
// progress in Redis so dashboards and dedup guards can read them without
// touching the database. The database stays authoritative: a missing or
// expired snapshot is a normal condition, never an error.
package status

import (
	"context"
	"time"
)

const (
	// Status snapshots outlive a day of queue latency; progress snapshots
	// only need to cover an in-flight work unit.
	StatusTTL   = 86400 * time.Second
	ProgressTTL = 3600 * time.Second

	taskStatusPrefix   = "task_status:"
	fileStatusPrefix   = "file_status:"
	taskProgressPrefix = "task_progress:"
	fileProgressPrefix = "file_progress:"
)

// Doc is the advisory status blob.
type Doc struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	QueueID   string    `json:"queue_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is the advisory progress blob. Percent is clamped to [0,100] on
// write.
type Progress struct {
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	SetTaskStatus(ctx context.Context, taskID string, doc Doc) error
	GetTaskStatus(ctx context.Context, taskID string) (Doc, bool, error)
	SetFileStatus(ctx context.Context, fileID string, doc Doc) error
	GetFileStatus(ctx context.Context, fileID string) (Doc, bool, error)

	SetTaskProgress(ctx context.Context, taskID string, p Progress) error
	GetTaskProgress(ctx context.Context, taskID string) (Progress, bool, error)
	SetFileProgress(ctx context.Context, fileID string, p Progress) error
	GetFileProgress(ctx context.Context, fileID string) (Progress, bool, error)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
