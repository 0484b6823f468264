// Package notify provides the in-process fan-out hub for confirmed change
// events. The daemon publishes every confirmed change; any number of
// in-process subscribers receive them on buffered channels.
//
// A non-blocking send is used on every delivery so a slow subscriber never
// applies back-pressure to the daemon's event-processing goroutine; when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/filesentry/agent/internal/daemon"
)

// defaultBufSize is the per-subscriber channel buffer depth. Confirmed
// changes are rare by construction (each one needs the debounce window to
// elapse), so a small buffer is ample.
const defaultBufSize = 16

// Hub fans change events out to all current subscribers. It implements
// daemon.Hub and is safe for concurrent use.
type Hub struct {
	logger  *slog.Logger
	bufSize int

	subs      sync.Map // map[<-chan daemon.ChangeEvent]chan daemon.ChangeEvent
	dropped   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates a Hub. bufSize ≤ 0 uses the default of 16. A nil logger
// falls back to slog.Default().
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Hub{
		logger:  logger,
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber and returns a channel on which change
// events will be delivered. The channel is closed automatically when ctx is
// cancelled or when Close is called; call Unsubscribe to release resources
// earlier. Subscribing to a closed hub returns an already-closed channel.
func (h *Hub) Subscribe(ctx context.Context) <-chan daemon.ChangeEvent {
	ch := make(chan daemon.ChangeEvent, h.bufSize)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	key := (<-chan daemon.ChangeEvent)(ch)
	h.subs.Store(key, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			h.Unsubscribe(key)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. Unknown channels are a no-op.
func (h *Hub) Unsubscribe(ch <-chan daemon.ChangeEvent) {
	if actual, loaded := h.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan daemon.ChangeEvent))
	}
}

// Publish delivers evt to every subscriber with a non-blocking send. It
// implements daemon.Hub. Publishing to a closed hub is a no-op.
func (h *Hub) Publish(evt daemon.ChangeEvent) {
	if h.closed.Load() {
		return
	}

	h.subs.Range(func(_, value any) bool {
		ch := value.(chan daemon.ChangeEvent)
		select {
		case ch <- evt:
			// delivered
		default:
			h.dropped.Add(1)
			h.logger.Warn("notify: subscriber buffer full, dropping event",
				slog.String("event_id", evt.EventID),
				slog.String("target", evt.Target),
			)
		}
		return true // continue ranging
	})
}

// Dropped returns the total number of events dropped across all subscribers
// since the hub was created.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close removes all subscriptions and closes their channels. After Close
// returns, Publish is a no-op and Subscribe returns a closed channel.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.subs.Range(func(key, value any) bool {
			h.subs.Delete(key)
			close(value.(chan daemon.ChangeEvent))
			return true
		})
	})
}
