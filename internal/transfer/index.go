package transfer

import "sync"

// PutResult reports the outcome of an accepted enqueue.
type PutResult struct {
	Key      string
	LinkedTo string // covering ancestor path when absorbed, "/" for a fresh entry
	Absorbed bool
}

// PendingIndex holds every pending transfer keyed by (owner, remote path).
// A request for a file under an already-queued directory is absorbed: it gets
// a linkage entry pointing at the directory's operation instead of a runnable
// operation of its own.
//
// All methods are safe for concurrent use by the request path and the worker.
// The lock is held only for the duration of the map mutation, never across a
// remote call.
type PendingIndex struct {
	mu    sync.Mutex
	nodes map[string]*indexNode
}

type indexNode struct {
	key      string
	owner    string
	path     string
	op       *Operation
	owned    bool // false for linkage entries borrowing a covering ancestor's operation
	linkedTo string
	parent   *indexNode
	children map[string]*indexNode
}

func NewPendingIndex() *PendingIndex {
	return &PendingIndex{nodes: make(map[string]*indexNode)}
}

// PutIfAbsent inserts a pending entry for (owner, path) unless one already
// exists. When an ancestor directory entry covers path, the request is
// absorbed: a linkage entry is recorded under the ancestor and no new runnable
// operation is created. The second return value is false when an exact entry
// (owned or linkage) already exists and the request is a silent no-op.
func (x *PendingIndex) PutIfAbsent(owner, path string, op *Operation) (*PutResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := BuildKey(owner, path)
	if _, ok := x.nodes[key]; ok {
		return nil, false
	}

	if anc := x.nearestAncestor(owner, path); anc != nil {
		node := &indexNode{
			key:      key,
			owner:    owner,
			path:     path,
			op:       anc.op,
			linkedTo: anc.path,
			parent:   anc,
		}
		if anc.children == nil {
			anc.children = make(map[string]*indexNode)
		}
		anc.children[key] = node
		x.nodes[key] = node

		return &PutResult{Key: key, LinkedTo: anc.path, Absorbed: true}, true
	}

	x.nodes[key] = &indexNode{
		key:      key,
		owner:    owner,
		path:     path,
		op:       op,
		owned:    true,
		linkedTo: "/",
	}

	return &PutResult{Key: key, LinkedTo: "/", Absorbed: false}, true
}

// Get returns the operation for a work key, or nil when the entry is gone.
func (x *PendingIndex) Get(key string) *Operation {
	x.mu.Lock()
	defer x.mu.Unlock()

	if node, ok := x.nodes[key]; ok {
		return node.op
	}

	return nil
}

// Contains reports whether (owner, path) is pending, either through its own
// entry or through a covering ancestor directory entry.
func (x *PendingIndex) Contains(owner, path string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.nodes[BuildKey(owner, path)]; ok {
		return true
	}

	return x.nearestAncestor(owner, path) != nil
}

// Remove deletes the exact entry for (owner, path) together with any linkage
// descendants. The operation is returned only when the entry owned it:
// cancelling one file that was absorbed into a directory download must not
// cancel the directory. The second return value is the path of the nearest
// surviving ancestor entry, "/" when none.
func (x *PendingIndex) Remove(owner, path string) (*Operation, string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	node, ok := x.nodes[BuildKey(owner, path)]
	if !ok {
		return nil, ""
	}

	x.removeSubtree(node)

	unlinkedFrom := "/"
	if anc := x.nearestAncestor(owner, path); anc != nil {
		unlinkedFrom = anc.path
	}

	if !node.owned {
		return nil, unlinkedFrom
	}

	return node.op, unlinkedFrom
}

// RemovePayload is the worker's cleanup variant of Remove: unconditional,
// idempotent, discards the operation. Returns the unlinked-from path for the
// finished broadcast.
func (x *PendingIndex) RemovePayload(owner, path string) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	if node, ok := x.nodes[BuildKey(owner, path)]; ok {
		x.removeSubtree(node)
	}

	if anc := x.nearestAncestor(owner, path); anc != nil {
		return anc.path
	}

	return "/"
}

// RemoveAllForOwner drops every entry belonging to owner and returns the
// owned operations so the caller can cancel their flags. Entries of other
// owners are untouched, including owners sharing a name prefix.
func (x *PendingIndex) RemoveAllForOwner(owner string) []*Operation {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ops []*Operation

	for key, node := range x.nodes {
		if node.owner != owner {
			continue
		}

		if node.owned {
			ops = append(ops, node.op)
		}

		if node.parent != nil {
			delete(node.parent.children, key)
		}
		delete(x.nodes, key)
	}

	return ops
}

// Len counts the runnable (owned) pending entries.
func (x *PendingIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for _, node := range x.nodes {
		if node.owned {
			n++
		}
	}

	return n
}

// nearestAncestor finds the closest entry whose directory path covers path.
// Caller must hold the lock.
func (x *PendingIndex) nearestAncestor(owner, path string) *indexNode {
	for _, anc := range ancestorPaths(path) {
		if anc == path {
			continue
		}

		if node, ok := x.nodes[BuildKey(owner, anc)]; ok {
			return node
		}
	}

	return nil
}

// removeSubtree unregisters node and every linkage descendant below it.
// Caller must hold the lock.
func (x *PendingIndex) removeSubtree(node *indexNode) {
	for _, child := range node.children {
		x.removeSubtree(child)
	}

	if node.parent != nil {
		delete(node.parent.children, node.key)
	}
	delete(x.nodes, node.key)
}
