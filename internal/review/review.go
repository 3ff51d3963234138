// Package review implements the task coordinator and the file processor:
// the state machines that drive a review task from submission through
// per-file classification to aggregated completion.
package review

const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

const (
	FilePending    = "pending"
	FileUploading  = "uploading"
	FileProcessing = "processing"
	FileCompleted  = "completed"
	FileFailed     = "failed"
	FileCancelled  = "cancelled"
)

func taskTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func fileTerminal(status string) bool {
	switch status {
	case FileCompleted, FileFailed, FileCancelled:
		return true
	}
	return false
}

// startable lists the statuses a task may be (re)started from. Restarting a
// finished or cancelled task resets every file and runs the whole review
// again.
func startable(status string) bool {
	switch status {
	case TaskPending, TaskCancelled, TaskFailed, TaskCompleted:
		return true
	}
	return false
}
