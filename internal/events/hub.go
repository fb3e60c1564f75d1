// Package events keeps a short in-memory history of dispatched EventSub
// events and fans them out to live listeners such as the SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// Event is one entry in the hub. Data is the event payload as received.
type Event struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	At             time.Time       `json:"at"`
	MessageID      string          `json:"message_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Handled        bool            `json:"handled"`
	Data           json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
	closed    bool
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Observe records a dispatched event. Its signature matches dispatch.Observer.
func (h *Hub) Observe(ev eventsub.Event, handled bool) {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	h.publish(Event{
		Type:           ev.Type,
		MessageID:      ev.MessageID,
		SubscriptionID: ev.Subscription.ID,
		Handled:        handled,
		Data:           data,
	})
}

// Publish records a gateway lifecycle event (subscribed, unsubscribed, ...).
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	h.publish(Event{Type: eventType, Handled: true, Data: payload})
}

func (h *Hub) publish(ev Event) {
	ev.ID = h.nextID.Add(1)
	ev.At = time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a cancel func. The channel is
// closed by cancel or Close.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 128)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Listeners returns the number of live subscribers.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Close ends every subscription. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
