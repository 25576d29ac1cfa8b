package transfer

import (
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// EventKind distinguishes the two broadcast shapes.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventFinished EventKind = "finished"
)

// Event is one broadcast notification. Added events fire when a request is
// accepted into the pending index; finished events fire exactly once per
// terminal state.
type Event struct {
	ID           string
	Kind         EventKind
	Account      string
	RemotePath   string
	LocalPath    string
	LinkedTo     string // added: covering path the request was linked under, "/" when fresh
	UnlinkedFrom string // finished: nearest surviving ancestor entry, "/" when none
	Success      bool   // finished only
	Status       Status // finished only
	Reason       Reason // finished only, empty on success
	Timestamp    time.Time
}

// Broadcaster fans transfer lifecycle events out to decoupled subscribers.
// Publishing never blocks the worker: events are dropped for subscribers
// whose buffer is full, so consumers that need completeness must size their
// buffer for their lag.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new consumer with the given buffer size and returns
// its channel together with an unsubscribe function. The channel is closed on
// unsubscribe and on Close.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to every subscriber without blocking. A fresh ksuid and
// timestamp are assigned when the caller left them empty.
func (b *Broadcaster) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ksuid.New().String()
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded because a subscriber buffer
// was full.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
