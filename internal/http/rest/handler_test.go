package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/account"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/remote"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
)

const (
	testUser = "admin"
	testPass = "hunter2"
)

type fakeSessionPool struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeSessionPool) Acquire(_ context.Context, _ string) (remote.Client, error) {
	return nil, nil
}

func (f *fakeSessionPool) Evict(owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.evicted = append(f.evicted, owner)
}

type fakeWriteRepo struct {
	mu      sync.Mutex
	saved   []*storage.FileRecord
	saveErr error
}

func (f *fakeWriteRepo) SaveMetadata(_ context.Context, record *storage.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return f.saveErr
	}

	f.saved = append(f.saved, record)

	return nil
}

func (f *fakeWriteRepo) UpdateDownloaded(context.Context, *storage.FileRecord) error {
	return nil
}

func (f *fakeWriteRepo) ClearConflict(context.Context, string, string) error {
	return nil
}

func (f *fakeWriteRepo) savedRecords() []*storage.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*storage.FileRecord(nil), f.saved...)
}

type handlerHarness struct {
	server   *httptest.Server
	engine   *downloader.Downloader
	accounts *account.Registry
	store    *fakeWriteRepo
}

// newHandler wires the handler around a real engine that is never started:
// queued work stays pending, which is all the API surface needs.
func newHandler(t *testing.T) *handlerHarness {
	t.Helper()

	h := &handlerHarness{
		accounts: account.NewRegistry(
			account.Account{Name: "u1", Endpoint: "https://storage.example.com", Token: "tok-1"},
			account.Account{Name: "u2", Endpoint: "https://storage.example.com", Token: "tok-2"},
		),
		store: &fakeWriteRepo{},
	}

	h.engine = downloader.NewDownloader(downloader.Config{
		DownloadRoot: t.TempDir(),
		Accounts:     h.accounts,
		Sessions:     &fakeSessionPool{},
	})

	tel := &telemetry.Telemetry{}
	handler := NewTransferHandler(testUser, testPass, h.engine, h.accounts, h.store, tel)

	h.server = httptest.NewServer(handler.Routes())
	t.Cleanup(h.server.Close)

	return h
}

func (h *handlerHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	req.SetBasicAuth(testUser, testPass)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestHandleRequestTransfer(t *testing.T) {
	h := newHandler(t)

	resp := h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/docs/a.txt","length":128}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	queued := decode[TransferQueuedResponse](t, resp)
	require.True(t, queued.Queued)
	require.Equal(t, "u1/docs/a.txt", queued.Key)

	saved := h.store.savedRecords()
	require.Len(t, saved, 1)
	require.Equal(t, "u1", saved[0].Owner)
	require.Equal(t, int64(128), saved[0].Length)

	require.True(t, h.engine.IsDownloading("u1", "/docs/a.txt"))
}

func TestHandleRequestTransfer_DuplicateIsNotQueuedTwice(t *testing.T) {
	h := newHandler(t)

	first := h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/docs/a.txt"}`)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/docs/a.txt"}`)
	require.Equal(t, http.StatusAccepted, second.StatusCode)

	queued := decode[TransferQueuedResponse](t, second)
	require.False(t, queued.Queued)
	require.Equal(t, 1, h.engine.Pending())
}

func TestHandleRequestTransfer_LinkedUnderQueuedDirectory(t *testing.T) {
	h := newHandler(t)

	resp := h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/photos/"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/photos/beach.jpg"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	queued := decode[TransferQueuedResponse](t, resp)
	require.True(t, queued.Queued)
	require.Equal(t, "/photos/", queued.LinkedTo)
}

func TestHandleRequestTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "invalid json", body: `{"account":`, wantStatus: http.StatusBadRequest},
		{name: "missing account", body: `{"path":"/docs/a.txt"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown account", body: `{"account":"ghost","path":"/docs/a.txt"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "relative path", body: `{"account":"u1","path":"docs/a.txt"}`, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t)

			resp := h.do(t, http.MethodPost, "/transfers", tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.Empty(t, h.store.savedRecords())
		})
	}
}

func TestHandleCancelTransfer(t *testing.T) {
	h := newHandler(t)

	h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/docs/a.txt"}`)

	resp := h.do(t, http.MethodDelete, "/transfers?account=u1&path=/docs/a.txt", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, h.engine.IsDownloading("u1", "/docs/a.txt"))

	// Cancelling again is a silent no-op.
	resp = h.do(t, http.MethodDelete, "/transfers?account=u1&path=/docs/a.txt", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/transfers?account=u1", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleTransferStatus(t *testing.T) {
	h := newHandler(t)

	h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/docs/a.txt"}`)

	resp := h.do(t, http.MethodGet, "/transfers/status?account=u1&path=/docs/a.txt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decode[TransferStatusResponse](t, resp).Downloading)

	resp = h.do(t, http.MethodGet, "/transfers/status?account=u2&path=/docs/a.txt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, decode[TransferStatusResponse](t, resp).Downloading)
}

func TestHandleActiveTransfer_IdleIs404(t *testing.T) {
	h := newHandler(t)

	resp := h.do(t, http.MethodGet, "/transfers/active", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRemoveAccount(t *testing.T) {
	h := newHandler(t)

	h.do(t, http.MethodPost, "/transfers", `{"account":"u1","path":"/a.txt"}`)
	h.do(t, http.MethodPost, "/transfers", `{"account":"u2","path":"/b.txt"}`)

	resp := h.do(t, http.MethodDelete, "/accounts/u1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.False(t, h.accounts.Exists("u1"))
	require.False(t, h.engine.IsDownloading("u1", "/a.txt"))
	require.True(t, h.engine.IsDownloading("u2", "/b.txt"))
}

func TestHandleRotateToken(t *testing.T) {
	h := newHandler(t)

	resp := h.do(t, http.MethodPut, "/accounts/u1/token", `{"token":"tok-rotated"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	acct, err := h.accounts.Get("u1")
	require.NoError(t, err)
	require.Equal(t, "tok-rotated", acct.Token)

	resp = h.do(t, http.MethodPut, "/accounts/ghost/token", `{"token":"x"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/accounts/u1/token", `{"token":""}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	h := newHandler(t)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/transfers/status?account=u1&path=/a.txt", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth(testUser, "wrong")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
