package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/storage"
)

func newService(t *testing.T, maxSize int64) (*Service, *state.MemoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewLocalStore(dir)
	require.NoError(t, err)
	store := state.NewMemoryStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc, err := New(Options{Store: store, Blobs: blobs, MaxFileSize: maxSize, Logger: logger})
	require.NoError(t, err)
	return svc, store, dir
}

func seedTask(t *testing.T, store *state.MemoryStore, status string) state.TaskRecord {
	t.Helper()
	task := state.TaskRecord{ID: "task-1", Name: "t", Status: status}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestUploadStoresBlobAndRow(t *testing.T) {
	svc, store, dir := newService(t, 0)
	task := seedTask(t, store, review.TaskPending)
	ctx := context.Background()

	file, err := svc.Upload(ctx, UploadRequest{
		TaskID:      task.ID,
		FileName:    "ad-copy.txt",
		Size:        11,
		ContentType: "text/plain",
		Body:        strings.NewReader("hello world"),
	})
	require.NoError(t, err)

	assert.Equal(t, review.FilePending, file.Status)
	assert.Equal(t, classify.FileTypeText, file.FileType)
	assert.Equal(t, int64(11), file.FileSize)
	assert.NotEmpty(t, file.ContentHash)
	assert.Equal(t, ".txt", file.FileExtension)

	blob, err := os.ReadFile(filepath.Join(dir, file.StoragePath))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(blob))

	row, ok, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, file.ContentHash, row.ContentHash)
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	svc, store, _ := newService(t, 0)
	task := seedTask(t, store, review.TaskPending)

	_, err := svc.Upload(context.Background(), UploadRequest{
		TaskID:   task.ID,
		FileName: "payload.exe",
		Body:     strings.NewReader("MZ"),
	})
	var uv *classify.UnknownVariantError
	require.ErrorAs(t, err, &uv)

	files, err := store.ListFilesByTask(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Empty(t, files, "rejected upload must leave no row behind")
}

func TestUploadEnforcesSizeLimit(t *testing.T) {
	svc, store, _ := newService(t, 16)
	task := seedTask(t, store, review.TaskPending)
	ctx := context.Background()

	var tooLarge *FileTooLargeError

	// Declared size over the limit fails before any byte moves.
	_, err := svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "big.txt", Size: 1 << 30,
		Body: strings.NewReader("x"),
	})
	require.ErrorAs(t, err, &tooLarge)

	// An undeclared size is caught while streaming.
	_, err = svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "sneaky.txt",
		Body: strings.NewReader(strings.Repeat("x", 64)),
	})
	require.ErrorAs(t, err, &tooLarge)

	files, err := store.ListFilesByTask(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadDeduplicatesByContent(t *testing.T) {
	svc, store, _ := newService(t, 0)
	task := seedTask(t, store, review.TaskPending)
	ctx := context.Background()

	_, err := svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "a.txt", Body: strings.NewReader("same bytes"),
	})
	require.NoError(t, err)

	// Same content under a different name is still a duplicate.
	_, err = svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "b.txt", Body: strings.NewReader("same bytes"),
	})
	assert.ErrorIs(t, err, ErrDuplicateFile)

	files, err := store.ListFilesByTask(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// Different content is fine.
	_, err = svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "c.txt", Body: strings.NewReader("other bytes"),
	})
	assert.NoError(t, err)
}

func TestUploadRejectsRunningTask(t *testing.T) {
	svc, store, _ := newService(t, 0)
	task := seedTask(t, store, review.TaskProcessing)

	_, err := svc.Upload(context.Background(), UploadRequest{
		TaskID: task.ID, FileName: "late.txt", Body: strings.NewReader("x"),
	})
	assert.ErrorIs(t, err, ErrTaskBusy)
}

func TestUploadUnknownTask(t *testing.T) {
	svc, _, _ := newService(t, 0)
	_, err := svc.Upload(context.Background(), UploadRequest{
		TaskID: "missing", FileName: "x.txt", Body: strings.NewReader("x"),
	})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteRemovesRowAndBlob(t *testing.T) {
	svc, store, dir := newService(t, 0)
	task := seedTask(t, store, review.TaskPending)
	ctx := context.Background()

	file, err := svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "gone.txt", Body: strings.NewReader("bye"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, file.ID))

	_, ok, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, file.StoragePath))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, svc.Delete(ctx, file.ID), ErrFileNotFound)
}

func TestDeleteRefusesBusyWork(t *testing.T) {
	svc, store, _ := newService(t, 0)
	task := seedTask(t, store, review.TaskPending)
	ctx := context.Background()

	file, err := svc.Upload(ctx, UploadRequest{
		TaskID: task.ID, FileName: "busy.txt", Body: strings.NewReader("x"),
	})
	require.NoError(t, err)

	row, _, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	row.Status = review.FileProcessing
	require.NoError(t, store.UpdateFile(ctx, row))

	err = svc.Delete(ctx, file.ID)
	assert.ErrorIs(t, err, ErrTaskBusy)
}
