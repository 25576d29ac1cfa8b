// Package dav implements the remote client against an HTTP file endpoint in
// the WebDAV style: file content is streamed with a plain GET on the remote
// path below the account's base URL.
package dav

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/remote"
	"github.com/italolelis/transferd/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const maxErrorBody = 4 * 1024 // snippet of an error response kept for logs

type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ remote.Client = (*Client)(nil)

// NewClient builds a client for one account endpoint. The token source is
// consulted on every request, so rotated credentials take effect without
// rebuilding the client. The client carries no overall timeout because a
// transfer body streams for as long as it needs; cancellation arrives
// through the request context.
func NewClient(baseURL string, source oauth2.TokenSource) *Client {
	transport := &oauth2.Transport{Source: source}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport)},
	}
}

// FetchFile streams the content of the file at remotePath. The returned body
// is the raw response stream and the caller owns closing it.
func (c *Client) FetchFile(ctx context.Context, remotePath string) (io.ReadCloser, *transfer.FetchInfo, error) {
	logger := logctx.LoggerFromContext(ctx).With("remote_path", remotePath)

	fileURL := c.fileURL(remotePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build fetch request", "url", fileURL, "err", err)

		return nil, nil, &transfer.ValidationError{Field: "remote_path", Reason: "cannot be encoded into a request url", Err: err}
	}

	logger.DebugContext(ctx, "fetching remote file", "url", fileURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to reach remote storage", "url", fileURL, "err", err)

		return nil, nil, &transfer.NetworkError{Operation: "fetch_file", APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()

		return nil, nil, c.statusError(ctx, resp, remotePath)
	}

	return resp.Body, fetchInfoFromResponse(resp), nil
}

// Probe issues a cheap request against the endpoint to test connectivity. Any
// response counts as reachable, even an error status.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: "probe", APIMessage: err.Error(), Err: err}
	}

	resp.Body.Close()

	return nil
}

func (c *Client) statusError(ctx context.Context, resp *http.Response, remotePath string) error {
	logger := logctx.LoggerFromContext(ctx).With("remote_path", remotePath)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		logger.ErrorContext(ctx, "remote storage rejected credentials", "status", resp.StatusCode)

		return &transfer.AuthenticationError{Operation: "fetch_file", Err: fmt.Errorf("remote returned %s", resp.Status)}
	case http.StatusNotFound:
		logger.WarnContext(ctx, "remote file is gone", "status", resp.StatusCode)

		return &transfer.NotFoundError{RemotePath: remotePath, Err: fmt.Errorf("remote returned %s", resp.Status)}
	default:
		logger.ErrorContext(ctx, "remote storage returned an error", "status", resp.StatusCode, "body", string(body))

		return &transfer.NetworkError{Operation: "fetch_file", StatusCode: resp.StatusCode, APIMessage: strings.TrimSpace(string(body))}
	}
}

// fileURL escapes the remote path segment by segment. Trailing slashes
// survive, so a directory request stays a directory request on the wire.
func (c *Client) fileURL(remotePath string) string {
	escaped := (&url.URL{Path: remotePath}).EscapedPath()

	return c.baseURL + escaped
}

func fetchInfoFromResponse(resp *http.Response) *transfer.FetchInfo {
	info := &transfer.FetchInfo{
		Length:   resp.ContentLength,
		Etag:     parseEtag(resp.Header.Get("Etag")),
		MimeType: parseMimeType(resp.Header.Get("Content-Type")),
	}

	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.ModifiedAt = t
	}

	return info
}

func parseEtag(raw string) string {
	etag := strings.TrimPrefix(raw, "W/")

	return strings.Trim(etag, `"`)
}

func parseMimeType(raw string) string {
	if raw == "" {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw
	}

	return mediaType
}
