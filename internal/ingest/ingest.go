// Package ingest handles file intake for review tasks: extension
// validation, size enforcement, content-hash dedup and handoff to the blob
// store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/storage"
)

const DefaultMaxFileSize = 100 << 20

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskBusy rejects uploads and deletes while the task is running.
	ErrTaskBusy     = errors.New("task is processing")
	ErrFileNotFound = errors.New("file not found")
	// ErrDuplicateFile rejects a blob whose content already exists in the
	// task.
	ErrDuplicateFile = errors.New("identical file already uploaded")
)

// FileTooLargeError carries the enforced limit.
type FileTooLargeError struct {
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file exceeds the %d byte limit", e.Limit)
}

type Options struct {
	Store       state.Store
	Blobs       storage.BlobStore
	MaxFileSize int64
	Logger      *logrus.Logger
}

type Service struct {
	store   state.Store
	blobs   storage.BlobStore
	maxSize int64
	log     *logrus.Logger
	now     func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ingest: Store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("ingest: Blobs is required")
	}
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:   opts.Store,
		blobs:   opts.Blobs,
		maxSize: maxSize,
		log:     log,
		now:     time.Now,
	}, nil
}

type UploadRequest struct {
	TaskID      string
	FileName    string
	Size        int64
	ContentType string
	Body        io.Reader
}

// Upload stores one blob and its file row. The blob is hashed while it
// streams to storage; a content hash already present in the task rolls the
// upload back and reports ErrDuplicateFile.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (state.FileRecord, error) {
	task, ok, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return state.FileRecord{}, err
	}
	if !ok {
		return state.FileRecord{}, ErrTaskNotFound
	}
	if task.Status == review.TaskProcessing {
		return state.FileRecord{}, ErrTaskBusy
	}
	if req.Size > s.maxSize {
		return state.FileRecord{}, &FileTooLargeError{Limit: s.maxSize}
	}

	ext := filepath.Ext(req.FileName)
	fileType, err := classify.FileTypeForExtension(ext)
	if err != nil {
		return state.FileRecord{}, err
	}

	now := s.now()
	file := state.FileRecord{
		ID:            uuid.NewString(),
		TaskID:        req.TaskID,
		OriginalName:  req.FileName,
		FileType:      fileType,
		MimeType:      req.ContentType,
		FileExtension: ext,
		Status:        review.FileUploading,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		return state.FileRecord{}, err
	}

	key := req.TaskID + "/" + file.ID + ext
	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(io.LimitReader(req.Body, s.maxSize+1), hasher)}
	if _, err := s.blobs.Save(ctx, key, counted, req.Size, req.ContentType); err != nil {
		s.rollback(ctx, file.ID, "")
		return state.FileRecord{}, fmt.Errorf("store blob: %w", err)
	}
	if counted.n > s.maxSize {
		s.rollback(ctx, file.ID, key)
		return state.FileRecord{}, &FileTooLargeError{Limit: s.maxSize}
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	if _, exists, err := s.store.FindFileByHash(ctx, req.TaskID, hash); err != nil {
		s.rollback(ctx, file.ID, key)
		return state.FileRecord{}, err
	} else if exists {
		s.rollback(ctx, file.ID, key)
		return state.FileRecord{}, ErrDuplicateFile
	}

	file.StoragePath = key
	file.FileSize = counted.n
	file.ContentHash = hash
	file.Status = review.FilePending
	file.UpdatedAt = s.now()
	if err := s.store.UpdateFile(ctx, file); err != nil {
		s.rollback(ctx, file.ID, key)
		return state.FileRecord{}, err
	}
	s.log.WithFields(logrus.Fields{
		"task_id":   req.TaskID,
		"file_id":   file.ID,
		"file_type": fileType,
		"size":      counted.n,
	}).Info("file uploaded")
	return file, nil
}

// Delete removes a file row and its blob. Files of a running task and files
// currently being classified stay put.
func (s *Service) Delete(ctx context.Context, fileID string) error {
	file, ok, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFileNotFound
	}
	task, ok, err := s.store.GetTask(ctx, file.TaskID)
	if err != nil {
		return err
	}
	if ok && task.Status == review.TaskProcessing {
		return ErrTaskBusy
	}
	if file.Status == review.FileProcessing {
		return ErrTaskBusy
	}
	if file.StoragePath != "" {
		if err := s.blobs.Remove(ctx, file.StoragePath); err != nil {
			s.log.WithError(err).WithField("file_id", fileID).Warn("blob removal failed")
		}
	}
	return s.store.DeleteFile(ctx, fileID)
}

func (s *Service) rollback(ctx context.Context, fileID, key string) {
	if key != "" {
		if err := s.blobs.Remove(ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("rollback blob removal failed")
		}
	}
	if err := s.store.DeleteFile(ctx, fileID); err != nil {
		s.log.WithError(err).WithField("file_id", fileID).Warn("rollback row removal failed")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
