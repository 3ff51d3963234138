package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]TaskRecord
	files   map[string]FileRecord
	results map[string]ResultRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   map[string]TaskRecord{},
		files:   map[string]FileRecord{},
		results: map[string]ResultRecord{},
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s not found", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	for id, f := range m.files {
		if f.TaskID == taskID {
			delete(m.files, id)
		}
	}
	for id, r := range m.results {
		if r.TaskID == taskID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *MemoryStore) UpdateTaskWithFiles(_ context.Context, taskID string, fn func(task *TaskRecord, files []FileRecord) ([]FileRecord, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	files := m.filesForTaskLocked(taskID, "")
	changed, err := fn(&task, files)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.UpdatedAt = now
	m.tasks[taskID] = task
	for _, f := range changed {
		if _, ok := m.files[f.ID]; !ok {
			return fmt.Errorf("file %s not found", f.ID)
		}
		f.UpdatedAt = now
		m.files[f.ID] = f
	}
	return nil
}

func (m *MemoryStore) CreateFile(_ context.Context, file FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; ok {
		return fmt.Errorf("file %s already exists", file.ID)
	}
	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now
	m.files[file.ID] = file
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, fileID string) (FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	return f, ok, nil
}

func (m *MemoryStore) UpdateFile(_ context.Context, file FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; !ok {
		return fmt.Errorf("file %s not found", file.ID)
	}
	file.UpdatedAt = time.Now().UTC()
	m.files[file.ID] = file
	return nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, fileID)
	for id, r := range m.results {
		if r.FileID == fileID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *MemoryStore) filesForTaskLocked(taskID, status string) []FileRecord {
	out := make([]FileRecord, 0, 16)
	for _, f := range m.files {
		if f.TaskID != taskID {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) ListFilesByTask(_ context.Context, taskID, status string) ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesForTaskLocked(taskID, status), nil
}

func (m *MemoryStore) FindFileByHash(_ context.Context, taskID, contentHash string) (FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contentHash == "" {
		return FileRecord{}, false, nil
	}
	for _, f := range m.filesForTaskLocked(taskID, "") {
		if f.ContentHash == contentHash {
			return f, true, nil
		}
	}
	return FileRecord{}, false, nil
}

func (m *MemoryStore) ResetFilesForTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, f := range m.files {
		if f.TaskID != taskID {
			continue
		}
		f.Status = "pending"
		f.Progress = 0
		f.ErrorMessage = ""
		f.ViolationCount = 0
		f.ProcessedAt = time.Time{}
		f.UpdatedAt = now
		m.files[id] = f
	}
	return nil
}

func (m *MemoryStore) CreateResult(_ context.Context, result ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[result.ID]; ok {
		return fmt.Errorf("result %s already exists", result.ID)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	m.results[result.ID] = result
	return nil
}

func (m *MemoryStore) GetResult(_ context.Context, resultID string) (ResultRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	return r, ok, nil
}

func (m *MemoryStore) ListResultsByFile(_ context.Context, fileID string) ([]ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResultRecord, 0, 8)
	for _, r := range m.results {
		if r.FileID == fileID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteResultsByTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.results {
		if r.TaskID == taskID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *MemoryStore) CountViolationsByFile(_ context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.results {
		if r.FileID == fileID && r.Verdict == "non_compliant" {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountViolationFilesByTask(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range m.results {
		if r.TaskID == taskID && r.Verdict == "non_compliant" {
			seen[r.FileID] = true
		}
	}
	return len(seen), nil
}

func (m *MemoryStore) UpdateResultReview(_ context.Context, resultID string, review ReviewUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return fmt.Errorf("result %s not found", resultID)
	}
	r.IsReviewed = true
	r.ReviewedBy = review.Reviewer
	r.ReviewNote = review.Note
	r.ReviewVerdict = review.VerdictOverride
	r.ReviewedAt = time.Now().UTC()
	m.results[resultID] = r
	return nil
}
