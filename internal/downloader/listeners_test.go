package downloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingListener struct{ calls int }

func (l *countingListener) OnTransferProgress(_, _, _ int64, _ string) {
	l.calls++
}

func TestListenerRegistry_ReplaceAndUnregister(t *testing.T) {
	r := newListenerRegistry()

	a := &countingListener{}
	b := &countingListener{}

	r.register("f1", a)
	require.Same(t, a, r.lookup("f1"))

	r.register("f1", b)
	require.Same(t, b, r.lookup("f1"))

	// a was already replaced; unregistering it must not tear down b.
	r.unregister("f1", a)
	require.Same(t, b, r.lookup("f1"))

	r.unregister("f1", b)
	require.Nil(t, r.lookup("f1"))
}

func TestListenerRegistry_NilListenerIgnored(t *testing.T) {
	r := newListenerRegistry()

	r.register("f1", nil)
	require.Nil(t, r.lookup("f1"))
}

func TestListenerRegistry_IsolatesFileIDs(t *testing.T) {
	r := newListenerRegistry()

	a := &countingListener{}
	b := &countingListener{}

	r.register("f1", a)
	r.register("f2", b)

	r.unregister("f1", a)
	require.Nil(t, r.lookup("f1"))
	require.Same(t, b, r.lookup("f2"))
}
