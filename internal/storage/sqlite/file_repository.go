package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/transferd/internal/storage"
)

// FileRepository implements storage.FileStore on SQLite.
type FileRepository struct {
	db *sql.DB
}

var _ storage.FileStore = (*FileRepository)(nil)

func NewFileRepository(dbConn *sql.DB) *FileRepository {
	return &FileRepository{db: dbConn}
}

// SaveMetadata upserts the descriptor fields of a file without touching its
// downloaded state.
func (r *FileRepository) SaveMetadata(ctx context.Context, record *storage.FileRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (owner, remote_path, length, etag, mime_type, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, remote_path) DO UPDATE SET
			length = excluded.length,
			etag = excluded.etag,
			mime_type = excluded.mime_type,
			modified_at = excluded.modified_at
	`, record.Owner, record.RemotePath, record.Length, record.Etag, record.MimeType, nullTime(record.ModifiedAt))

	return err
}

// GetFile returns the stored record for the file.
func (r *FileRepository) GetFile(ctx context.Context, owner, remotePath string) (*storage.FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT owner, remote_path, local_path, length, etag, mime_type, modified_at, downloaded_at, in_conflict
		FROM files
		WHERE owner = ? AND remote_path = ?
	`, owner, remotePath)

	var record storage.FileRecord

	var localPath, etag, mimeType sql.NullString

	var modifiedAt, downloadedAt sql.NullTime

	var inConflict int

	err := row.Scan(&record.Owner, &record.RemotePath, &localPath, &record.Length,
		&etag, &mimeType, &modifiedAt, &downloadedAt, &inConflict)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	record.LocalPath = localPath.String
	record.Etag = etag.String
	record.MimeType = mimeType.String
	record.ModifiedAt = modifiedAt.Time
	record.DownloadedAt = downloadedAt.Time
	record.InConflict = inConflict != 0

	return &record, nil
}

// UpdateDownloaded upserts the record after a completed transfer: fresh
// descriptor fields plus the local path and the download timestamp.
func (r *FileRepository) UpdateDownloaded(ctx context.Context, record *storage.FileRecord) error {
	downloadedAt := record.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (owner, remote_path, local_path, length, etag, mime_type, modified_at, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, remote_path) DO UPDATE SET
			local_path = excluded.local_path,
			length = excluded.length,
			etag = excluded.etag,
			mime_type = excluded.mime_type,
			modified_at = excluded.modified_at,
			downloaded_at = excluded.downloaded_at
	`, record.Owner, record.RemotePath, record.LocalPath, record.Length, record.Etag, record.MimeType,
		nullTime(record.ModifiedAt), downloadedAt)

	return err
}

// ClearConflict resets the conflict marker for the file.
func (r *FileRepository) ClearConflict(ctx context.Context, owner, remotePath string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE files SET in_conflict = 0 WHERE owner = ? AND remote_path = ?`, owner, remotePath)

	return err
}

// nullTime maps the zero time to NULL so unset timestamps stay unset.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}
