// Package cleanup sweeps partial download files left under the download root
// by crashed or cancelled transfers. Completed downloads are renamed away from
// the .part suffix, so anything still carrying it past the age cutoff is dead.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
)

const tmpSuffix = ".part"

// SweepStaleParts removes .part files under root older than maxAge. Files
// younger than maxAge are skipped: they may belong to the transfer currently
// holding the worker. Returns how many files were removed; errors on
// individual entries are logged and skipped so one bad directory never stops
// the sweep.
func SweepStaleParts(ctx context.Context, root string, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-maxAge)

	removed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			logger.Warn("skipping unreadable entry during sweep", "path", path, "err", err)

			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			logger.Warn("failed to stat partial file", "path", path, "err", err)

			return nil
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale partial file", "path", path, "err", err)

			return nil
		}

		logger.Info("deleted stale partial file", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))

		removed++

		return nil
	})
	if err != nil {
		return removed, err
	}

	return removed, nil
}

// Run sweeps on every tick until ctx is cancelled.
func Run(ctx context.Context, root string, interval, maxAge time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down partial file sweeper")

			return
		case <-ticker.C:
			if _, err := SweepStaleParts(ctx, root, maxAge); err != nil {
				logger.Error("partial file sweep failed", "err", err)
			}
		}
	}
}
