package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one stored object such as a reconciliation report, a
// snapshot backup or a history archive.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobStore is full object storage: reports and archives are written, backups
// are listed, restored and pruned. Get on a missing path returns ErrNotFound;
// Delete on one is a no-op. List is ordered by path.
type BlobStore interface {
	BlobWriter
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Delete(ctx context.Context, path string) error
}
