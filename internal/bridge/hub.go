package bridge

import (
	"log/slog"
	"sync"
)

// Hub fans the coordinator's event stream out to any number of
// subscribers: the live event feed on the HTTP surface, the webhook
// notifier, and whatever else wants lifecycle events. Delivery follows
// the coordinator's policy: a subscriber that stops draining loses
// events instead of stalling the others.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "eventhub"),
		subs:   make(map[int]chan Event),
	}
}

// Run consumes events until the source channel closes, then closes all
// subscriber channels. Call it in its own goroutine with the
// coordinator's Events channel.
func (h *Hub) Run(events <-chan Event) {
	for ev := range events {
		h.broadcast(ev)
	}

	h.mu.Lock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("subscriber too slow, event dropped",
				"subscriber", id,
				"type", string(ev.Type),
			)
		}
	}
}

// Subscribe registers a new subscriber and returns its ID and channel.
// The channel is closed when the hub shuts down; a hub that has already
// shut down returns a closed channel.
func (h *Hub) Subscribe(buffer int) (int, <-chan Event) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return 0, ch
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}
