package remote_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/italolelis/transferd/internal/remote"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	name string
}

func (c *stubClient) FetchFile(ctx context.Context, remotePath string) (io.ReadCloser, *transfer.FetchInfo, error) {
	return nil, nil, errors.New("not implemented")
}

func TestSessionManager_ReusesSessionForSameAccount(t *testing.T) {
	dials := 0
	manager := remote.NewSessionManager(func(ctx context.Context, owner string) (remote.Client, error) {
		dials++

		return &stubClient{name: owner}, nil
	})

	first, err := manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	second, err := manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, dials)
}

func TestSessionManager_ReplacesSessionOnAccountSwitch(t *testing.T) {
	var dialed []string

	manager := remote.NewSessionManager(func(ctx context.Context, owner string) (remote.Client, error) {
		dialed = append(dialed, owner)

		return &stubClient{name: owner}, nil
	})

	u1, err := manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	u2, err := manager.Acquire(context.Background(), "u2")
	require.NoError(t, err)
	require.NotSame(t, u1, u2)

	// Only the most recent session is kept, so coming back dials again.
	_, err = manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u1"}, dialed)
}

func TestSessionManager_EvictDropsOnlyMatchingAccount(t *testing.T) {
	dials := 0
	manager := remote.NewSessionManager(func(ctx context.Context, owner string) (remote.Client, error) {
		dials++

		return &stubClient{name: owner}, nil
	})

	_, err := manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	manager.Evict("u2")

	_, err = manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, dials)

	manager.Evict("u1")

	_, err = manager.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 2, dials)
}

func TestSessionManager_DialError(t *testing.T) {
	manager := remote.NewSessionManager(func(ctx context.Context, owner string) (remote.Client, error) {
		return nil, errors.New("account has no credentials")
	})

	client, err := manager.Acquire(context.Background(), "u1")
	require.Error(t, err)
	require.Nil(t, client)
	require.Contains(t, err.Error(), "account has no credentials")
}
