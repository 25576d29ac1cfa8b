package downloader

import "sync"

// ProgressListener receives progress callbacks for one transfer.
// Implementations must be comparable values (pointers, not funcs): unregister
// matches by equality.
type ProgressListener interface {
	OnTransferProgress(rate, transferred, total int64, localPath string)
}

// ProgressUpdate is one progress report as it leaves the dispatch queue.
type ProgressUpdate struct {
	FileID      string
	Rate        int64
	Transferred int64
	Total       int64
	LocalPath   string
}

// listenerRegistry binds at most one progress listener per file ID. Register
// replaces any previous binding; unregister only removes the binding when the
// same listener still holds it, so a newer listener is not torn down by a
// stale caller.
type listenerRegistry struct {
	mu        sync.Mutex
	listeners map[string]ProgressListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{listeners: make(map[string]ProgressListener)}
}

func (r *listenerRegistry) register(fileID string, l ProgressListener) {
	if l == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners[fileID] = l
}

func (r *listenerRegistry) unregister(fileID string, l ProgressListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.listeners[fileID]; ok && bound == l {
		delete(r.listeners, fileID)
	}
}

func (r *listenerRegistry) lookup(fileID string) ProgressListener {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listeners[fileID]
}
