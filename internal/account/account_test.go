package account_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/transferd/internal/account"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: u1
    endpoint: https://cloud.example.com/dav/u1
    token: tok-u1
  - name: u2
    endpoint: https://cloud.example.com/dav/u2
    token: tok-u2
`)

	registry, err := account.LoadRegistry(path)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, registry.Names())

	acct, err := registry.Get("u1")
	require.NoError(t, err)
	require.Equal(t, "https://cloud.example.com/dav/u1", acct.Endpoint)
	require.Equal(t, "tok-u1", acct.Token)
}

func TestLoadRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing name", "accounts:\n  - endpoint: https://example.com\n", "has no name"},
		{"missing endpoint", "accounts:\n  - name: u1\n", "has no endpoint"},
		{"not yaml", "{{{", "could not decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := account.LoadRegistry(writeAccountsFile(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	_, err := account.LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not open accounts file")
}

func TestRegistry_Remove(t *testing.T) {
	registry := account.NewRegistry(account.Account{Name: "u1", Endpoint: "https://example.com"})

	require.True(t, registry.Exists("u1"))
	require.True(t, registry.Remove("u1"))
	require.False(t, registry.Exists("u1"))
	require.False(t, registry.Remove("u1"))

	_, err := registry.Get("u1")
	require.ErrorIs(t, err, account.ErrUnknownAccount)
}

func TestTokenSource_AlwaysCurrent(t *testing.T) {
	registry := account.NewRegistry(account.Account{Name: "u1", Endpoint: "https://example.com", Token: "old"})
	source := registry.TokenSource("u1")

	token, err := source.Token()
	require.NoError(t, err)
	require.Equal(t, "old", token.AccessToken)

	require.NoError(t, registry.UpdateToken("u1", "rotated"))

	token, err = source.Token()
	require.NoError(t, err)
	require.Equal(t, "rotated", token.AccessToken)
}

func TestTokenSource_AccountGone(t *testing.T) {
	registry := account.NewRegistry(account.Account{Name: "u1", Endpoint: "https://example.com", Token: "tok"})
	source := registry.TokenSource("u1")

	registry.Remove("u1")

	_, err := source.Token()
	require.ErrorIs(t, err, account.ErrUnknownAccount)
}

func TestUpdateToken_UnknownAccount(t *testing.T) {
	registry := account.NewRegistry()

	require.ErrorIs(t, registry.UpdateToken("ghost", "tok"), account.ErrUnknownAccount)
}
