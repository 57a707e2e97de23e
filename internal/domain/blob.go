package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// RoundArchiver stores closed-round reports in cold storage and returns the
// object path written.
type RoundArchiver interface {
	ArchiveRound(ctx context.Context, res RoundResult, markets []Market) (string, error)
}

// SnapshotStore saves and loads engine snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) (string, error)
	LatestSnapshot(ctx context.Context) (Snapshot, error)
}
