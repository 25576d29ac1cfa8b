package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/transferd/internal/account"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// TransferRequest is the enqueue payload: the account to run against and the
// descriptor of the remote file to fetch. Length is a pointer because absent
// and zero mean different things; a missing length is treated as unknown.
type TransferRequest struct {
	Account    string    `json:"account"`
	Path       string    `json:"path"`
	Length     *int64    `json:"length,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Etag       string    `json:"etag,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
}

func (req *TransferRequest) remoteFile() *transfer.RemoteFile {
	length := int64(-1)
	if req.Length != nil {
		length = *req.Length
	}

	return &transfer.RemoteFile{
		Path:       req.Path,
		Length:     length,
		ModifiedAt: req.ModifiedAt,
		RemoteID:   req.RemoteID,
		Etag:       req.Etag,
		MimeType:   req.MimeType,
	}
}

func (req *TransferRequest) fileRecord() *storage.FileRecord {
	file := req.remoteFile()

	return &storage.FileRecord{
		Owner:      req.Account,
		RemotePath: file.Path,
		Length:     file.Length,
		Etag:       file.Etag,
		MimeType:   file.MimeType,
		ModifiedAt: file.ModifiedAt,
	}
}

// TokenUpdateRequest carries a rotated account token.
type TokenUpdateRequest struct {
	Token string `json:"token"`
}

// TransferQueuedResponse reports how an enqueue request was received. Queued
// is false when the pair was already pending and the request collapsed into a
// no-op; LinkedTo names the covering directory when the file was absorbed
// under a queued directory transfer.
type TransferQueuedResponse struct {
	Key      string `json:"key"`
	LinkedTo string `json:"linked_to,omitempty"`
	Queued   bool   `json:"queued"`
}

// TransferStatusResponse answers the is-downloading query.
type TransferStatusResponse struct {
	Downloading bool `json:"downloading"`
}

// ActiveTransferResponse is the wire snapshot of the transfer holding the
// worker slot. Progress fields are zero before the first report arrives.
type ActiveTransferResponse struct {
	Key         string    `json:"key"`
	Account     string    `json:"account"`
	RemotePath  string    `json:"remote_path"`
	LocalPath   string    `json:"local_path"`
	StartedAt   time.Time `json:"started_at"`
	Transferred int64     `json:"transferred,omitempty"`
	Total       int64     `json:"total,omitempty"`
	Rate        int64     `json:"rate,omitempty"`
}

type TransferHandler struct {
	username  string
	password  string
	engine    *downloader.Downloader
	accounts  *account.Registry
	store     storage.FileWriteRepository
	telemetry *telemetry.Telemetry
}

// NewTransferHandler creates the handler for the transfer API.
func NewTransferHandler(username, password string, engine *downloader.Downloader, accounts *account.Registry, store storage.FileWriteRepository, t *telemetry.Telemetry) *TransferHandler {
	return &TransferHandler{
		username:  username,
		password:  password,
		engine:    engine,
		accounts:  accounts,
		store:     store,
		telemetry: t,
	}
}

// Routes builds the transfer API router. Callers mount it under /api/v1.
func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/transfers", h.HandleRequestTransfer)
	r.Delete("/transfers", h.HandleCancelTransfer)
	r.Get("/transfers/status", h.HandleTransferStatus)
	r.Get("/transfers/active", h.HandleActiveTransfer)
	r.Delete("/accounts/{name}", h.HandleRemoveAccount)
	r.Put("/accounts/{name}/token", h.HandleRotateToken)

	return r
}

// HandleRequestTransfer queues a download for an account. The response is 202
// even when the transfer was already pending; the body says which case it was.
func (h *TransferHandler) HandleRequestTransfer(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	logger.Debug("received transfer request")

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Account == "" {
		http.Error(w, "account is required", http.StatusUnprocessableEntity)

		return
	}

	if !h.accounts.Exists(req.Account) {
		http.Error(w, fmt.Sprintf("unknown account %q", req.Account), http.StatusUnprocessableEntity)

		return
	}

	var res *downloader.QueueResult

	err := h.telemetry.InstrumentTransfer(r.Context(), "request", func(ctx context.Context) error {
		var err error
		res, err = h.engine.Request(ctx, req.Account, req.remoteFile())

		return err
	})
	if err != nil {
		logger.Error("failed to queue transfer", "err", err)

		var validationErr *transfer.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, formatTransferError(err), http.StatusUnprocessableEntity)

			return
		}

		http.Error(w, "failed to queue transfer", http.StatusInternalServerError)

		return
	}

	// The transfer is queued either way; a failed metadata upsert only
	// degrades the deferred-retry path, which falls back to a bare descriptor.
	if err := h.store.SaveMetadata(r.Context(), req.fileRecord()); err != nil {
		logger.Error("failed to save transfer metadata", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	response := &TransferQueuedResponse{
		Key:      res.Key,
		LinkedTo: res.LinkedTo,
		Queued:   !res.AlreadyPending,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleCancelTransfer halts the pending or active transfer for the
// (account, path) pair. Cancelling something that is not running is not an
// error; the response is 204 either way.
func (h *TransferHandler) HandleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	logger.Debug("received cancel request")

	owner := r.URL.Query().Get("account")
	remotePath := r.URL.Query().Get("path")

	if owner == "" || remotePath == "" {
		http.Error(w, "account and path are required", http.StatusBadRequest)

		return
	}

	_ = h.telemetry.InstrumentTransfer(r.Context(), "cancel", func(ctx context.Context) error {
		h.engine.Cancel(ctx, owner, remotePath)

		return nil
	})

	w.WriteHeader(http.StatusNoContent)
}

// HandleTransferStatus reports whether the (account, path) pair is pending or
// actively transferring, directly or through a covering directory.
func (h *TransferHandler) HandleTransferStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	owner := r.URL.Query().Get("account")
	remotePath := r.URL.Query().Get("path")

	if owner == "" || remotePath == "" {
		http.Error(w, "account and path are required", http.StatusBadRequest)

		return
	}

	response := &TransferStatusResponse{
		Downloading: h.engine.IsDownloading(owner, remotePath),
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)

		return
	}
}

// HandleActiveTransfer returns a snapshot of the transfer holding the worker
// slot, or 404 when the worker is idle.
func (h *TransferHandler) HandleActiveTransfer(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	active := h.engine.Active()
	if active == nil {
		http.Error(w, "no active transfer", http.StatusNotFound)

		return
	}

	response := activeResponse(active, h.engine.Progress())

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)

		return
	}
}

// HandleRemoveAccount drops the account from the registry and cancels its
// queued and active work. Removing an unknown account is a no-op.
func (h *TransferHandler) HandleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	name := chi.URLParam(r, "name")

	var (
		removed bool
		dropped int
	)

	_ = h.telemetry.InstrumentTransfer(r.Context(), "cancel_account", func(ctx context.Context) error {
		// Registry first, so the worker's account gate catches anything that
		// slips in while the queue is being drained.
		removed = h.accounts.Remove(name)
		dropped = h.engine.CancelAccount(ctx, name)

		return nil
	})

	logger.Info("account removed", "account", name, "was_registered", removed, "dropped_transfers", dropped)

	w.WriteHeader(http.StatusNoContent)
}

// HandleRotateToken replaces the account's token in the registry. Reused
// remote sessions pick the new token up on their next request.
func (h *TransferHandler) HandleRotateToken(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	name := chi.URLParam(r, "name")

	var req TokenUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Token == "" {
		http.Error(w, "token is required", http.StatusUnprocessableEntity)

		return
	}

	if err := h.accounts.UpdateToken(name, req.Token); err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			http.Error(w, fmt.Sprintf("unknown account %q", name), http.StatusNotFound)

			return
		}

		logger.Error("failed to rotate token", "account", name, "err", err)
		http.Error(w, "failed to rotate token", http.StatusInternalServerError)

		return
	}

	logger.Info("account token rotated", "account", name)

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func activeResponse(active *downloader.ActiveTransfer, progress *downloader.ProgressUpdate) *ActiveTransferResponse {
	response := &ActiveTransferResponse{
		Key:        active.Key,
		Account:    active.Account,
		RemotePath: active.RemotePath,
		LocalPath:  active.LocalPath,
		StartedAt:  active.StartedAt,
	}

	if progress != nil {
		response.Transferred = progress.Transferred
		response.Total = progress.Total
		response.Rate = progress.Rate
	}

	return response
}

// formatTransferError converts internal errors to API error messages. The
// typed errors carry structured fields; clients get the human-readable part.
func formatTransferError(err error) string {
	var validationErr *transfer.ValidationError
	if errors.As(err, &validationErr) {
		return fmt.Sprintf("invalid transfer: %s", validationErr.Reason)
	}

	var notFoundErr *transfer.NotFoundError
	if errors.As(err, &notFoundErr) {
		return fmt.Sprintf("remote file not found: %s", notFoundErr.RemotePath)
	}

	var networkErr *transfer.NetworkError
	if errors.As(err, &networkErr) {
		return fmt.Sprintf("remote storage unavailable: %s", networkErr.APIMessage)
	}

	var authErr *transfer.AuthenticationError
	if errors.As(err, &authErr) {
		return "authentication failed"
	}

	return fmt.Sprintf("error: %v", err)
}
