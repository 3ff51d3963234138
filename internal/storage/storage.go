// Package storage persists uploaded review files. The local backend keeps
// blobs under one directory; the MinIO backend keeps them in a bucket and
// materializes a temp copy when a worker needs a real path (ffmpeg, OCR
// upload).
package storage

import (
	"context"
	"io"
)

type BlobStore interface {
	// Save streams the blob under key and returns its storage path or URI.
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	// Localize makes the blob available on the local filesystem, returning
	// the path and a cleanup func the caller must run.
	Localize(ctx context.Context, key string) (string, func(), error)
	Remove(ctx context.Context, key string) error
}
