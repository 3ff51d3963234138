package status

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	doc       Doc
	progress  Progress
	isDoc     bool
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) putDoc(key string, doc Doc, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.UpdatedAt = s.now().UTC()
	s.entries[key] = memoryEntry{doc: doc, isDoc: true, expiresAt: s.now().Add(ttl)}
}

func (s *MemoryStore) putProgress(key string, p Progress, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Percent = clampPercent(p.Percent)
	p.UpdatedAt = s.now().UTC()
	s.entries[key] = memoryEntry{progress: p, expiresAt: s.now().Add(ttl)}
}

func (s *MemoryStore) get(key string) (memoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) SetTaskStatus(ctx context.Context, taskID string, doc Doc) error {
	s.putDoc(taskStatusPrefix+taskID, doc, StatusTTL)
	return nil
}

func (s *MemoryStore) GetTaskStatus(ctx context.Context, taskID string) (Doc, bool, error) {
	e, ok := s.get(taskStatusPrefix + taskID)
	return e.doc, ok, nil
}

func (s *MemoryStore) SetFileStatus(ctx context.Context, fileID string, doc Doc) error {
	s.putDoc(fileStatusPrefix+fileID, doc, StatusTTL)
	return nil
}

func (s *MemoryStore) GetFileStatus(ctx context.Context, fileID string) (Doc, bool, error) {
	e, ok := s.get(fileStatusPrefix + fileID)
	return e.doc, ok, nil
}

func (s *MemoryStore) SetTaskProgress(ctx context.Context, taskID string, p Progress) error {
	s.putProgress(taskProgressPrefix+taskID, p, ProgressTTL)
	return nil
}

func (s *MemoryStore) GetTaskProgress(ctx context.Context, taskID string) (Progress, bool, error) {
	e, ok := s.get(taskProgressPrefix + taskID)
	return e.progress, ok, nil
}

func (s *MemoryStore) SetFileProgress(ctx context.Context, fileID string, p Progress) error {
	s.putProgress(fileProgressPrefix+fileID, p, ProgressTTL)
	return nil
}

func (s *MemoryStore) GetFileProgress(ctx context.Context, fileID string) (Progress, bool, error) {
	e, ok := s.get(fileProgressPrefix + fileID)
	return e.progress, ok, nil
}
