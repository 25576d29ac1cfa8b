package notifier

import (
	"context"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer"
)

// Listener consumes finished transfer events and pushes human-readable
// notifications. Cancelled transfers are skipped: the user asked for those.
type Listener struct {
	notifier Notifier
	events   <-chan transfer.Event
}

func NewListener(n Notifier, events <-chan transfer.Event) *Listener {
	return &Listener{notifier: n, events: events}
}

func (l *Listener) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("notification listener started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down notification listener")

			return
		case ev, ok := <-l.events:
			if !ok {
				return
			}

			if ev.Kind != transfer.EventFinished || ev.Status == transfer.StatusCancelled {
				continue
			}

			if err := l.notifier.Notify(ctx, formatEvent(ev)); err != nil {
				logger.Error("failed to send notification", "account", ev.Account, "remote_path", ev.RemotePath, "err", err)
			}
		}
	}
}

func formatEvent(ev transfer.Event) string {
	switch {
	case ev.Success:
		return "✅ Download finished: " + ev.RemotePath + " (" + ev.Account + ")"
	case ev.Status == transfer.StatusDeferredNoNetwork:
		return "⏳ Download waiting for connectivity: " + ev.RemotePath + " (" + ev.Account + ")"
	case ev.Reason == transfer.ReasonUnauthorized:
		return "🔒 Download failed: " + ev.RemotePath + " (" + ev.Account + "), credentials need refreshing"
	default:
		return "❌ Download failed: " + ev.RemotePath + " (" + ev.Account + ")"
	}
}
