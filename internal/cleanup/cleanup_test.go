package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweepStaleParts(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "u1", "docs", "a.txt.part")
	fresh := filepath.Join(root, "u1", "docs", "b.txt.part")
	finished := filepath.Join(root, "u1", "docs", "c.txt")

	writeFile(t, stale, 48*time.Hour)
	writeFile(t, fresh, time.Minute)
	writeFile(t, finished, 48*time.Hour)

	removed, err := SweepStaleParts(context.Background(), root, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale partial file should be gone")

	_, err = os.Stat(fresh)
	require.NoError(t, err, "recent partial file should survive")

	_, err = os.Stat(finished)
	require.NoError(t, err, "completed file should survive")
}

func TestSweepStalePartsMissingRoot(t *testing.T) {
	removed, err := SweepStaleParts(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)
}
