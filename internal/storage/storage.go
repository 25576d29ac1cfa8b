// Package storage defines the persisted view of transferred files.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested file.
var ErrNotFound = errors.New("file record not found")

// FileRecord represents the stored metadata of one remote file.
type FileRecord struct {
	Owner        string
	RemotePath   string
	LocalPath    string
	Length       int64
	Etag         string
	MimeType     string
	ModifiedAt   time.Time
	DownloadedAt time.Time
	InConflict   bool
}

type FileReadRepository interface {
	GetFile(ctx context.Context, owner, remotePath string) (*FileRecord, error)
}

type FileWriteRepository interface {
	SaveMetadata(ctx context.Context, record *FileRecord) error     // upsert descriptor fields on enqueue
	UpdateDownloaded(ctx context.Context, record *FileRecord) error // upsert after a completed transfer
	ClearConflict(ctx context.Context, owner, remotePath string) error
}

// FileStore combines both repository sides.
type FileStore interface {
	FileReadRepository
	FileWriteRepository
}
