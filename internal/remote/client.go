// Package remote provides the client side of a transfer: the interface the
// engine fetches file content through, session reuse across consecutive
// transfers, and the instrumented wrapper around both.
package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer"
)

// Client fetches file content from remote storage.
type Client interface {
	FetchFile(ctx context.Context, remotePath string) (io.ReadCloser, *transfer.FetchInfo, error)
}

// Any Client can drive a transfer operation directly.
var _ transfer.Fetcher = (Client)(nil)

// DialFunc builds a new client session for the given account.
type DialFunc func(ctx context.Context, owner string) (Client, error)

// SessionManager hands out the client session used by each transfer.
//
// It keeps a most-recently-used cache of size one: back-to-back transfers for
// the same account reuse the session, while a transfer for a different account
// replaces it. Credentials are never cached here; sessions resolve them per
// request, so a reused session always carries the account's current token.
type SessionManager struct {
	dial DialFunc

	mu     sync.Mutex
	owner  string
	client Client
}

// NewSessionManager creates a session manager that dials new sessions with dial.
func NewSessionManager(dial DialFunc) *SessionManager {
	return &SessionManager{dial: dial}
}

// Acquire returns a session for the account, reusing the cached one when the
// account matches the previous transfer.
func (m *SessionManager) Acquire(ctx context.Context, owner string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.owner == owner {
		return m.client, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	logger.DebugContext(ctx, "opening remote session", "account", owner)

	client, err := m.dial(ctx, owner)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open remote session", "account", owner, "err", err)

		return nil, fmt.Errorf("failed to open remote session: %w", err)
	}

	m.owner = owner
	m.client = client

	return client, nil
}

// Evict drops the cached session if it belongs to the account, so a transfer
// enqueued after the account is removed cannot pick up a dead session.
func (m *SessionManager) Evict(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner == owner {
		m.owner = ""
		m.client = nil
	}
}
