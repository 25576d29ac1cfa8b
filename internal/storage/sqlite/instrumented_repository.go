package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
)

// InstrumentedFileRepository wraps FileRepository with telemetry.
type InstrumentedFileRepository struct {
	repo      *FileRepository
	telemetry *telemetry.Telemetry
}

var _ storage.FileStore = (*InstrumentedFileRepository)(nil)

// NewInstrumentedFileRepository creates a new instrumented file repository.
func NewInstrumentedFileRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedFileRepository {
	return &InstrumentedFileRepository{
		repo:      NewFileRepository(dbConn),
		telemetry: tel,
	}
}

// SaveMetadata stores descriptor fields with telemetry.
func (r *InstrumentedFileRepository) SaveMetadata(ctx context.Context, record *storage.FileRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_metadata", func(ctx context.Context) error {
		return r.repo.SaveMetadata(ctx, record)
	})
}

// GetFile retrieves a file record with telemetry.
func (r *InstrumentedFileRepository) GetFile(ctx context.Context, owner, remotePath string) (*storage.FileRecord, error) {
	var result *storage.FileRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_file", func(ctx context.Context) error {
		result, err = r.repo.GetFile(ctx, owner, remotePath)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// UpdateDownloaded stores the post-transfer record with telemetry.
func (r *InstrumentedFileRepository) UpdateDownloaded(ctx context.Context, record *storage.FileRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_downloaded", func(ctx context.Context) error {
		return r.repo.UpdateDownloaded(ctx, record)
	})
}

// ClearConflict clears the conflict marker with telemetry.
func (r *InstrumentedFileRepository) ClearConflict(ctx context.Context, owner, remotePath string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_conflict", func(ctx context.Context) error {
		return r.repo.ClearConflict(ctx, owner, remotePath)
	})
}
