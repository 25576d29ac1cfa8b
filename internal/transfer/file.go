package transfer

import (
	"strings"
	"time"
)

// RemoteFile describes one file (or directory) on an account's remote storage.
// Paths are absolute and slash-separated; a trailing slash marks a directory.
type RemoteFile struct {
	Path       string
	Length     int64 // expected size in bytes, -1 when unknown
	ModifiedAt time.Time
	RemoteID   string
	Etag       string
	MimeType   string
}

func (f *RemoteFile) Validate() error {
	if f == nil || f.Path == "" {
		return &ValidationError{Field: "remote_path", Reason: "must not be empty"}
	}

	if !strings.HasPrefix(f.Path, "/") {
		return &ValidationError{Field: "remote_path", Reason: "must be absolute"}
	}

	return nil
}

func (f *RemoteFile) IsDirectory() bool {
	return strings.HasSuffix(f.Path, "/")
}

// BuildKey derives the work key identifying a pending transfer. The same
// (owner, path) pair always yields the same key.
func BuildKey(owner, path string) string {
	return owner + path
}

// CoversPath reports whether ancestor is a directory path containing p.
// Matching happens on slash boundaries only, so /docs/a does not cover
// /docs/ab.txt.
func CoversPath(ancestor, p string) bool {
	if !strings.HasSuffix(ancestor, "/") {
		ancestor += "/"
	}

	return p != ancestor && strings.HasPrefix(p, ancestor)
}

// ancestorPaths yields every directory path above p, nearest first, ending
// with the root "/". For /docs/reports/q1.txt that is /docs/reports/, /docs/
// and /.
func ancestorPaths(p string) []string {
	trimmed := strings.TrimSuffix(p, "/")

	var out []string
	for {
		idx := strings.LastIndex(trimmed, "/")
		if idx <= 0 {
			out = append(out, "/")
			return out
		}

		trimmed = trimmed[:idx]
		out = append(out, trimmed+"/")
	}
}
