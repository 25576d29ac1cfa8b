package dav_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/transferd/internal/remote/dav"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type rotatingSource struct {
	mu    sync.Mutex
	token string
}

func (s *rotatingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &oauth2.Token{AccessToken: s.token}, nil
}

func (s *rotatingSource) rotate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

func staticSource(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

func TestFetchFile_StreamsContentAndMetadata(t *testing.T) {
	modified := time.Date(2024, 5, 12, 9, 30, 0, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/remote.php/dav/files/u1/docs/a.txt", r.URL.Path)

		w.Header().Set("Etag", `"abc123"`)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "hello transfer")
	}))
	defer ts.Close()

	client := dav.NewClient(ts.URL+"/remote.php/dav/files/u1", staticSource("tok"))

	body, info, err := client.FetchFile(context.Background(), "/docs/a.txt")
	require.NoError(t, err)

	defer body.Close()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello transfer", string(content))

	require.Equal(t, int64(len("hello transfer")), info.Length)
	require.Equal(t, "abc123", info.Etag)
	require.Equal(t, "text/plain", info.MimeType)
	require.True(t, modified.Equal(info.ModifiedAt))
}

func TestFetchFile_ResolvesTokenPerRequest(t *testing.T) {
	var mu sync.Mutex

	var seen []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		fmt.Fprint(w, "ok")
	}))
	defer ts.Close()

	source := &rotatingSource{token: "first"}
	client := dav.NewClient(ts.URL, source)

	body, _, err := client.FetchFile(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, body.Close())

	source.rotate("second")

	body, _, err = client.FetchFile(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, body.Close())

	require.Equal(t, []string{"Bearer first", "Bearer second"}, seen)
}

func TestFetchFile_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		check      func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var authErr *transfer.AuthenticationError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, "fetch_file", authErr.Operation)
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			var authErr *transfer.AuthenticationError
			require.ErrorAs(t, err, &authErr)
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			var notFoundErr *transfer.NotFoundError
			require.ErrorAs(t, err, &notFoundErr)
			require.Equal(t, "/docs/a.txt", notFoundErr.RemotePath)
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var netErr *transfer.NetworkError
			require.ErrorAs(t, err, &netErr)
			require.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
			require.Contains(t, netErr.APIMessage, "upstream said no")
		}},
		{"bad gateway", http.StatusBadGateway, func(t *testing.T, err error) {
			var netErr *transfer.NetworkError
			require.ErrorAs(t, err, &netErr)
			require.Equal(t, http.StatusBadGateway, netErr.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, "upstream said no")
			}))
			defer ts.Close()

			client := dav.NewClient(ts.URL, staticSource("tok"))

			body, info, err := client.FetchFile(context.Background(), "/docs/a.txt")
			require.Error(t, err)
			require.Nil(t, body)
			require.Nil(t, info)
			tt.check(t, err)
		})
	}
}

func TestFetchFile_ConnectionErrorIsRetriable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	client := dav.NewClient(ts.URL, staticSource("tok"))

	_, _, err := client.FetchFile(context.Background(), "/docs/a.txt")
	require.Error(t, err)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Zero(t, netErr.StatusCode)
	require.True(t, transfer.ShouldScheduleRetry(err))
}

func TestFetchFile_EscapesPath(t *testing.T) {
	var gotPath, gotURI string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotURI = r.RequestURI
		fmt.Fprint(w, "ok")
	}))
	defer ts.Close()

	client := dav.NewClient(ts.URL, staticSource("tok"))

	body, _, err := client.FetchFile(context.Background(), "/docs/annual report.txt")
	require.NoError(t, err)
	require.NoError(t, body.Close())

	require.Equal(t, "/docs/annual report.txt", gotPath)
	require.True(t, strings.Contains(gotURI, "%20"))
}

func TestFetchFile_PreservesDirectorySlash(t *testing.T) {
	var gotPath string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, "listing")
	}))
	defer ts.Close()

	client := dav.NewClient(ts.URL, staticSource("tok"))

	body, _, err := client.FetchFile(context.Background(), "/photos/")
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, "/photos/", gotPath)
}

func TestProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	client := dav.NewClient(ts.URL, staticSource("tok"))
	require.NoError(t, client.Probe(context.Background()))

	ts.Close()
	require.Error(t, client.Probe(context.Background()))
}
