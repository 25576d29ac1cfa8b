package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/transfer"
)

type webhookRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (w *webhookRecorder) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			rw.WriteHeader(http.StatusBadRequest)

			return
		}

		w.mu.Lock()
		w.messages = append(w.messages, payload["content"])
		w.mu.Unlock()

		rw.WriteHeader(http.StatusNoContent)
	}
}

func (w *webhookRecorder) received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.messages...)
}

func TestDiscordNotifier_PostsContent(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder.handler())
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))

	require.Equal(t, []string{"hello"}, recorder.received())
}

func TestDiscordNotifier_RejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	err := n.Notify(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestDiscordNotifier_RequiresWebhookURL(t *testing.T) {
	n := NewDiscordNotifier("")
	require.Error(t, n.Notify(context.Background(), "hello"))
}

func TestListener_NotifiesFinishedTransfers(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder.handler())
	defer srv.Close()

	events := transfer.NewBroadcaster()
	sub, unsub := events.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(NewDiscordNotifier(srv.URL), sub)
	go listener.Run(ctx)

	events.Publish(transfer.Event{Kind: transfer.EventAdded, Account: "u1", RemotePath: "/a.txt"})
	events.Publish(transfer.Event{Kind: transfer.EventFinished, Account: "u1", RemotePath: "/a.txt", Success: true, Status: transfer.StatusSuccess})
	events.Publish(transfer.Event{Kind: transfer.EventFinished, Account: "u1", RemotePath: "/b.txt", Status: transfer.StatusCancelled})
	events.Publish(transfer.Event{Kind: transfer.EventFinished, Account: "u1", RemotePath: "/c.txt", Status: transfer.StatusFailed, Reason: transfer.ReasonUnauthorized})
	events.Publish(transfer.Event{Kind: transfer.EventFinished, Account: "u1", RemotePath: "/d.txt", Status: transfer.StatusDeferredNoNetwork, Reason: transfer.ReasonNetwork})

	require.Eventually(t, func() bool {
		return len(recorder.received()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	messages := recorder.received()
	require.Contains(t, messages[0], "Download finished: /a.txt")
	require.Contains(t, messages[1], "credentials need refreshing")
	require.True(t, strings.Contains(messages[2], "waiting for connectivity"))

	// The added event and the cancelled transfer produced no messages.
	for _, msg := range messages {
		require.NotContains(t, msg, "/b.txt")
	}
}
