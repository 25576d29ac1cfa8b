package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer/progress"
)

const (
	dirPerm = 0755

	// tmpSuffix marks partially written files until the rename on success.
	tmpSuffix = ".part"

	// copyChunkSize is the read size between cancellation checkpoints.
	copyChunkSize = 32 * 1024

	// progressInterval is the byte gap between progress reports.
	progressInterval = int64(256 * 1024)
)

// Fetcher is the single remote call an operation performs. Implementations
// live outside the core and are supplied by the worker per owner session.
type Fetcher interface {
	FetchFile(ctx context.Context, remotePath string) (io.ReadCloser, *FetchInfo, error)
}

// FetchInfo carries the response metadata of a successful fetch.
type FetchInfo struct {
	Length     int64 // -1 when the server did not report a size
	Etag       string
	MimeType   string
	ModifiedAt time.Time
}

// ProgressFunc receives progress reports from inside Execute. rate is bytes
// per second since the previous report, total is -1 when unknown.
type ProgressFunc func(rate int64, transferred int64, total int64, remotePath string)

// Operation downloads one remote file to local disk. Identity (owner, file
// descriptor, destination) is fixed at construction; the cancellation flag and
// progress listeners are the only mutable state. Execute is called once by the
// worker; Cancel may be called from any goroutine at any time.
type Operation struct {
	owner    string
	file     *RemoteFile
	savePath string
	tmpPath  string

	cancelled  atomic.Bool
	finished   atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu          sync.Mutex
	listeners   []progressRegistration
	listenerSeq int
}

type progressRegistration struct {
	id int
	fn ProgressFunc
}

// NewOperation validates the request and binds it to its local destination
// under downloadRoot/<owner>/<remote path>.
func NewOperation(owner string, file *RemoteFile, downloadRoot string) (*Operation, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "account", Reason: "must not be empty"}
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}

	savePath := filepath.Join(downloadRoot, owner, filepath.FromSlash(strings.TrimPrefix(file.Path, "/")))

	return &Operation{
		owner:    owner,
		file:     file,
		savePath: savePath,
		tmpPath:  savePath + tmpSuffix,
		cancelCh: make(chan struct{}),
	}, nil
}

func (op *Operation) Account() string {
	return op.owner
}

func (op *Operation) File() *RemoteFile {
	return op.file
}

func (op *Operation) RemotePath() string {
	return op.file.Path
}

func (op *Operation) SavePath() string {
	return op.savePath
}

func (op *Operation) IsCancelled() bool {
	return op.cancelled.Load()
}

// Cancel sets the cancellation flag and aborts any in-flight remote request.
// Safe to call concurrently with Execute; has no effect once the operation
// finished.
func (op *Operation) Cancel() {
	if op.finished.Load() {
		return
	}

	op.cancelOnce.Do(func() {
		op.cancelled.Store(true)
		close(op.cancelCh)
	})
}

// AddProgressListener registers a callback invoked synchronously from the
// transfer goroutine and returns the registration id for
// RemoveProgressListener. Callbacks must not block; slow consumers belong
// behind a queue.
func (op *Operation) AddProgressListener(fn ProgressFunc) int {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.listenerSeq++
	op.listeners = append(op.listeners, progressRegistration{id: op.listenerSeq, fn: fn})

	return op.listenerSeq
}

// RemoveProgressListener detaches one registration. Other registrations stay
// in place, even when they carry the same callback; unknown ids are ignored.
func (op *Operation) RemoveProgressListener(id int) {
	op.mu.Lock()
	defer op.mu.Unlock()

	for i, reg := range op.listeners {
		if reg.id == id {
			op.listeners = append(op.listeners[:i], op.listeners[i+1:]...)

			return
		}
	}
}

// Execute performs the download: fetch the remote stream, copy it into a
// temporary file checking the cancellation flag at every chunk boundary, then
// rename into place. A final flag check runs after the copy completes so a
// cancellation racing completion still yields a cancelled result. The ctx
// carries logger and trace values only; cancellation flows exclusively
// through Cancel.
func (op *Operation) Execute(ctx context.Context, client Fetcher) Result {
	defer op.finished.Store(true)

	logger := logctx.LoggerFromContext(ctx)

	if op.cancelled.Load() {
		return CancelledResult()
	}

	fetchCtx, abort := context.WithCancel(ctx)
	defer abort()

	go func() {
		select {
		case <-op.cancelCh:
			abort()
		case <-fetchCtx.Done():
		}
	}()

	body, info, err := client.FetchFile(fetchCtx, op.file.Path)
	if err != nil {
		if op.cancelled.Load() {
			return CancelledResult()
		}

		return FailureResult(err)
	}
	defer body.Close()

	total := info.Length
	if total < 0 {
		total = op.file.Length
	}

	logger.Info("downloading file", "target", op.savePath, "file_size", humanize.Bytes(uint64(max(total, 0))))

	if err := os.MkdirAll(filepath.Dir(op.savePath), dirPerm); err != nil {
		return localStorageFailure(fmt.Errorf("failed to create target directory: %w", err))
	}

	out, err := os.Create(op.tmpPath)
	if err != nil {
		return localStorageFailure(fmt.Errorf("failed to create temp file: %w", err))
	}

	pr := progress.NewReader(body, total, progressInterval, func(rate, transferred, total int64) {
		op.reportProgress(rate, transferred, total)
	})

	written, copyErr := op.copyChunks(out, pr)
	closeErr := out.Close()

	if op.cancelled.Load() {
		op.discardTemp(logger)

		return CancelledResult()
	}

	if copyErr != nil {
		op.discardTemp(logger)

		var netErr *NetworkError
		if errors.As(copyErr, &netErr) {
			return FailureResult(copyErr)
		}

		return localStorageFailure(copyErr)
	}

	if closeErr != nil {
		op.discardTemp(logger)

		return localStorageFailure(fmt.Errorf("failed to close temp file: %w", closeErr))
	}

	if total >= 0 && written != total {
		op.discardTemp(logger)

		return FailureResult(&NetworkError{
			Operation:  "fetch_file",
			APIMessage: fmt.Sprintf("incomplete transfer: got %d of %d bytes", written, total),
			Err:        io.ErrUnexpectedEOF,
		})
	}

	pr.Flush()

	modified := info.ModifiedAt
	if modified.IsZero() {
		modified = op.file.ModifiedAt
	}

	if !modified.IsZero() {
		if err := os.Chtimes(op.tmpPath, time.Now(), modified); err != nil {
			logger.Warn("failed to apply remote modification time", "target", op.savePath, "err", err)
		}
	}

	if err := os.Rename(op.tmpPath, op.savePath); err != nil {
		op.discardTemp(logger)

		return localStorageFailure(fmt.Errorf("failed to move temp file into place: %w", err))
	}

	op.refreshDescriptor(info, written, modified)

	logger.Info("downloaded and saved file", "target", op.savePath, "size", humanize.Bytes(uint64(written)))

	return SuccessResult()
}

// copyChunks streams src into dst in fixed-size chunks, aborting without error
// as soon as the cancellation flag is observed. Read failures come back as
// *NetworkError; write failures as plain wrapped errors so the caller can
// classify them as local storage problems.
func (op *Operation) copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)

	var written int64

	for {
		if op.cancelled.Load() {
			return written, nil
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)

			if werr != nil {
				return written, fmt.Errorf("failed to write chunk: %w", werr)
			}

			if wn < n {
				return written, fmt.Errorf("failed to write chunk: %w", io.ErrShortWrite)
			}
		}

		if rerr == io.EOF {
			return written, nil
		}

		if rerr != nil {
			return written, &NetworkError{
				Operation:  "fetch_file",
				APIMessage: "connection interrupted mid-transfer",
				Err:        rerr,
			}
		}
	}
}

func (op *Operation) reportProgress(rate, transferred, total int64) {
	op.mu.Lock()
	listeners := make([]progressRegistration, len(op.listeners))
	copy(listeners, op.listeners)
	op.mu.Unlock()

	for _, reg := range listeners {
		reg.fn(rate, transferred, total, op.file.Path)
	}
}

func (op *Operation) refreshDescriptor(info *FetchInfo, written int64, modified time.Time) {
	op.file.Length = written

	if info.Etag != "" {
		op.file.Etag = info.Etag
	}

	if info.MimeType != "" {
		op.file.MimeType = info.MimeType
	}

	if !modified.IsZero() {
		op.file.ModifiedAt = modified
	}
}

func (op *Operation) discardTemp(logger *slog.Logger) {
	if err := os.Remove(op.tmpPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove temp file", "path", op.tmpPath, "err", err)
	}
}

func localStorageFailure(err error) Result {
	return Result{Status: StatusFailed, Reason: ReasonLocalStorage, Err: err}
}
