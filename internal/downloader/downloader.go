// Package downloader runs the background transfer engine: a FIFO queue of
// pending operations drained by a single worker goroutine, with cancellation,
// account scoping, progress fan-out, and retry deferral when connectivity is
// the only thing that failed.
package downloader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/remote"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

const (
	defaultQueueSize = 128

	// progressBuffer bounds the queue between the copy loop and listener
	// callbacks. A slow listener loses reports, it never stalls the transfer.
	progressBuffer = 256
)

// AccountChecker reports whether an account is still registered. The worker
// consults it right before each transfer so that a removed account drains its
// queued work without a single network call.
type AccountChecker interface {
	Exists(name string) bool
}

// SessionPool hands out the remote session each transfer runs on.
type SessionPool interface {
	Acquire(ctx context.Context, owner string) (remote.Client, error)
	Evict(owner string)
}

// RetryRequester schedules a deferred re-submission of a transfer that failed
// on connectivity alone. Implementations deduplicate by job ID.
type RetryRequester interface {
	ScheduleRetry(jobID, owner, remotePath string)
}

// ResultStore persists the outcome of a finished transfer.
type ResultStore interface {
	UpdateDownloaded(ctx context.Context, record *storage.FileRecord) error
	ClearConflict(ctx context.Context, owner, remotePath string) error
}

// Config wires the engine's collaborators.
type Config struct {
	DownloadRoot string
	QueueSize    int

	Accounts  AccountChecker
	Sessions  SessionPool
	Store     ResultStore
	Retries   RetryRequester
	Events    *transfer.Broadcaster
	Telemetry *telemetry.Telemetry
}

// QueueResult reports how a transfer request was received.
type QueueResult struct {
	Key            string
	LinkedTo       string // covering directory path when absorbed, "/" otherwise
	Absorbed       bool
	AlreadyPending bool
}

// ActiveTransfer is a snapshot of the operation currently holding the worker.
type ActiveTransfer struct {
	Key        string
	Account    string
	RemotePath string
	LocalPath  string
	StartedAt  time.Time

	op *transfer.Operation
}

type Downloader struct {
	root   string
	index  *transfer.PendingIndex
	submit chan string

	active     atomic.Pointer[ActiveTransfer]
	latest     atomic.Pointer[ProgressUpdate]
	progressCh chan ProgressUpdate
	listeners  *listenerRegistry

	accounts AccountChecker
	sessions SessionPool
	store    ResultStore
	retries  RetryRequester
	events   *transfer.Broadcaster
	tel      *telemetry.Telemetry
}

func NewDownloader(cfg Config) *Downloader {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	events := cfg.Events
	if events == nil {
		events = transfer.NewBroadcaster()
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Downloader{
		root:       cfg.DownloadRoot,
		index:      transfer.NewPendingIndex(),
		submit:     make(chan string, queueSize),
		progressCh: make(chan ProgressUpdate, progressBuffer),
		listeners:  newListenerRegistry(),
		accounts:   cfg.Accounts,
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		retries:    cfg.Retries,
		events:     events,
		tel:        tel,
	}
}

// FileID identifies a transfer for progress listener registration: the remote
// file ID when the descriptor carries one, the work key otherwise.
func FileID(owner string, file *transfer.RemoteFile) string {
	if file.RemoteID != "" {
		return file.RemoteID
	}

	return transfer.BuildKey(owner, file.Path)
}

// Request queues a transfer for (owner, file). Requesting an already-pending
// pair is a no-op; requesting a file under a queued directory links it to the
// directory's operation instead of queueing it twice. Blocks when the queue
// is full until a slot frees up or ctx is cancelled.
func (d *Downloader) Request(ctx context.Context, owner string, file *transfer.RemoteFile) (*QueueResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	op, err := transfer.NewOperation(owner, file, d.root)
	if err != nil {
		return nil, fmt.Errorf("rejecting transfer request: %w", err)
	}

	logger = logger.With("account", owner, "remote_path", file.Path)

	put, ok := d.index.PutIfAbsent(owner, file.Path, op)
	if !ok {
		logger.Debug("transfer already pending")

		return &QueueResult{Key: transfer.BuildKey(owner, file.Path), AlreadyPending: true}, nil
	}

	added := transfer.Event{
		Kind:       transfer.EventAdded,
		Account:    owner,
		RemotePath: file.Path,
		LocalPath:  op.SavePath(),
		LinkedTo:   put.LinkedTo,
	}

	if put.Absorbed {
		d.events.Publish(added)

		logger.Info("transfer linked to queued directory", "linked_to", put.LinkedTo)

		return &QueueResult{Key: put.Key, LinkedTo: put.LinkedTo, Absorbed: true}, nil
	}

	select {
	case d.submit <- put.Key:
	case <-ctx.Done():
		// The entry never made it onto the queue; roll it back before any
		// observer hears about it.
		d.index.Remove(owner, file.Path)

		return nil, fmt.Errorf("abandoning queued transfer: %w", ctx.Err())
	}

	d.events.Publish(added)

	d.tel.RecordPendingTransfers(int64(d.index.Len()))

	logger.Info("transfer queued", "key", put.Key)

	return &QueueResult{Key: put.Key, LinkedTo: put.LinkedTo}, nil
}

// Cancel halts the pending or active transfer for (owner, remotePath).
// Cancelling a directory also halts an active transfer running under it. A
// file that was linked under a queued directory cannot be cancelled on its
// own; the directory entry is the unit of cancellation.
func (d *Downloader) Cancel(ctx context.Context, owner, remotePath string) {
	logger := logctx.LoggerFromContext(ctx).With("account", owner, "remote_path", remotePath)

	op, _ := d.index.Remove(owner, remotePath)
	if op != nil {
		op.Cancel()
	}

	cancelledActive := false

	if active := d.active.Load(); active != nil && active.Account == owner {
		if active.RemotePath == remotePath || transfer.CoversPath(remotePath, active.RemotePath) {
			active.op.Cancel()

			cancelledActive = true
		}
	}

	d.tel.RecordPendingTransfers(int64(d.index.Len()))

	if op == nil && !cancelledActive {
		logger.Debug("nothing to cancel")

		return
	}

	logger.Info("transfer cancelled")
}

// CancelAccount drops everything the account owns: the active operation when
// it matches, every queued entry, and the cached remote session. Dropped
// queued entries vanish silently; only the active one still reports a
// cancelled result. Returns how many queued operations were dropped.
func (d *Downloader) CancelAccount(ctx context.Context, owner string) int {
	logger := logctx.LoggerFromContext(ctx).With("account", owner)

	if active := d.active.Load(); active != nil && active.Account == owner {
		active.op.Cancel()
	}

	ops := d.index.RemoveAllForOwner(owner)
	for _, op := range ops {
		op.Cancel()
	}

	d.sessions.Evict(owner)
	d.tel.RecordPendingTransfers(int64(d.index.Len()))

	logger.Info("account transfers cancelled", "dropped", len(ops))

	return len(ops)
}

// IsDownloading reports whether (owner, remotePath) is pending or actively
// transferring, directly or through a covering directory entry.
func (d *Downloader) IsDownloading(owner, remotePath string) bool {
	if d.index.Contains(owner, remotePath) {
		return true
	}

	active := d.active.Load()
	if active == nil || active.Account != owner {
		return false
	}

	return active.RemotePath == remotePath ||
		transfer.CoversPath(remotePath, active.RemotePath) ||
		transfer.CoversPath(active.RemotePath, remotePath)
}

// Active returns a snapshot of the transfer holding the worker, nil when idle.
func (d *Downloader) Active() *ActiveTransfer {
	return d.active.Load()
}

// Progress returns the latest progress report of the active transfer, nil
// when idle or before the first report.
func (d *Downloader) Progress() *ProgressUpdate {
	return d.latest.Load()
}

// Pending counts the queued runnable operations, the active one included
// until its bookkeeping finishes.
func (d *Downloader) Pending() int {
	return d.index.Len()
}

// RegisterProgressListener binds l to a file ID, replacing any previous
// listener for that file.
func (d *Downloader) RegisterProgressListener(fileID string, l ProgressListener) {
	d.listeners.register(fileID, l)
}

// UnregisterProgressListener removes l's binding. A listener that was already
// replaced is left alone.
func (d *Downloader) UnregisterProgressListener(fileID string, l ProgressListener) {
	d.listeners.unregister(fileID, l)
}

// Run drains the queue until ctx is cancelled. It owns the single worker
// slot: transfers execute strictly in arrival order, one at a time. Returns
// nil once the worker has shut down.
func (d *Downloader) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("transfer worker started", "download_root", d.root)

	go d.dispatchProgress(ctx)
	go d.watchShutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down transfer worker")

			return nil
		case key := <-d.submit:
			d.downloadFile(ctx, key)
		}
	}
}

// watchShutdown cancels the in-flight operation when ctx is cancelled. The
// operation only reacts to its own cancel flag, so shutdown has to flip it.
func (d *Downloader) watchShutdown(ctx context.Context) {
	<-ctx.Done()

	if active := d.active.Load(); active != nil {
		active.op.Cancel()
	}
}

func (d *Downloader) dispatchProgress(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-d.progressCh:
			d.latest.Store(&update)

			if l := d.listeners.lookup(update.FileID); l != nil {
				l.OnTransferProgress(update.Rate, update.Transferred, update.Total, update.LocalPath)
			}
		}
	}
}

func (d *Downloader) publishProgress(update ProgressUpdate) {
	select {
	case d.progressCh <- update:
	default:
		d.tel.RecordProgressDropped()
	}
}

func (d *Downloader) downloadFile(ctx context.Context, key string) {
	logger := logctx.LoggerFromContext(ctx)

	op := d.index.Get(key)
	if op == nil {
		logger.Debug("skipping transfer cancelled while queued", "key", key)

		return
	}

	owner := op.Account()

	ctx = logctx.With(ctx, "account", owner, "remote_path", op.RemotePath())
	logger = logctx.LoggerFromContext(ctx)

	if !d.accounts.Exists(owner) {
		logger.Warn("account no longer registered, dropping its transfers")

		d.CancelAccount(ctx, owner)

		return
	}

	d.tel.IncrementActiveDownloads()

	started := time.Now()
	d.active.Store(&ActiveTransfer{
		Key:        key,
		Account:    owner,
		RemotePath: op.RemotePath(),
		LocalPath:  op.SavePath(),
		StartedAt:  started,
		op:         op,
	})

	fileID := FileID(owner, op.File())
	localPath := op.SavePath()
	op.AddProgressListener(func(rate, transferred, total int64, _ string) {
		d.publishProgress(ProgressUpdate{
			FileID:      fileID,
			Rate:        rate,
			Transferred: transferred,
			Total:       total,
			LocalPath:   localPath,
		})
	})

	result := d.execute(ctx, op)

	if result.IsSuccess() {
		if err := d.persist(ctx, op); err != nil {
			logger.ErrorContext(ctx, "failed to record finished transfer", "err", err)

			result = transfer.Result{Status: transfer.StatusFailed, Reason: transfer.ReasonLocalStorage, Err: err}
		}
	}

	d.finalize(ctx, op, result, time.Since(started))
}

// execute runs the operation behind a panic guard: a panicking transfer is
// reported as a failure instead of taking the worker loop down.
func (d *Downloader) execute(ctx context.Context, op *transfer.Operation) (result transfer.Result) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer panicked", "panic", r)
			d.tel.RecordSystemError("downloader", "panic")

			result = transfer.FailureResult(fmt.Errorf("transfer panicked: %v", r))
		}
	}()

	client, err := d.sessions.Acquire(ctx, op.Account())
	if err != nil {
		return transfer.FailureResult(err)
	}

	// The operation reacts to its cancel flag alone; shutdown reaches it
	// through watchShutdown. Detaching the context keeps a transfer in its
	// last chunks from being torn down halfway through the final rename.
	return op.Execute(context.WithoutCancel(ctx), client)
}

// persist records the completed transfer on a detached context so a shutdown
// racing the last chunk cannot lose a finished file's bookkeeping.
func (d *Downloader) persist(ctx context.Context, op *transfer.Operation) error {
	ctx = context.WithoutCancel(ctx)

	file := op.File()
	record := &storage.FileRecord{
		Owner:        op.Account(),
		RemotePath:   file.Path,
		LocalPath:    op.SavePath(),
		Length:       file.Length,
		Etag:         file.Etag,
		MimeType:     file.MimeType,
		ModifiedAt:   file.ModifiedAt,
		DownloadedAt: time.Now(),
	}

	if err := d.store.UpdateDownloaded(ctx, record); err != nil {
		return fmt.Errorf("failed to save file record: %w", err)
	}

	if err := d.store.ClearConflict(ctx, op.Account(), file.Path); err != nil {
		return fmt.Errorf("failed to clear conflict flag: %w", err)
	}

	return nil
}

func (d *Downloader) finalize(ctx context.Context, op *transfer.Operation, result transfer.Result, elapsed time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	unlinkedFrom := d.index.RemovePayload(op.Account(), op.RemotePath())

	if transfer.ShouldScheduleRetry(result.Err) {
		jobID := transfer.RetryJobID(op.Account(), op.RemotePath())
		d.retries.ScheduleRetry(jobID, op.Account(), op.RemotePath())
		d.tel.RecordRetryScheduled()

		result = transfer.Result{Status: transfer.StatusDeferredNoNetwork, Reason: transfer.ReasonNetwork, Err: result.Err}

		logger.Info("transfer deferred until connectivity returns", "retry_job_id", jobID)
	}

	d.tel.RecordDownload(string(result.Status), elapsed)
	d.tel.RecordPendingTransfers(int64(d.index.Len()))

	switch {
	case result.IsSuccess():
		d.tel.RecordDownloadBytes(op.File().Length)

		logger.Info("transfer finished",
			"local_path", op.SavePath(),
			"size", humanize.Bytes(uint64(op.File().Length)),
			"elapsed", elapsed)
	case result.IsCancelled():
		logger.Info("transfer cancelled", "elapsed", elapsed)
	default:
		logger.Error("transfer failed", "status", result.Status, "reason", result.Reason, "err", result.Err)
	}

	d.events.Publish(transfer.Event{
		Kind:         transfer.EventFinished,
		Account:      op.Account(),
		RemotePath:   op.RemotePath(),
		LocalPath:    op.SavePath(),
		UnlinkedFrom: unlinkedFrom,
		Success:      result.IsSuccess(),
		Status:       result.Status,
		Reason:       result.Reason,
	})

	d.latest.Store(nil)
	d.active.Store(nil)
	d.tel.DecrementActiveDownloads()
}
