// Package dispatch routes verified notifications to the single handler
// registered for their event type.
//
// Both delivery transports end here: the webhook receiver after signature and
// dedup checks, and every socket connection of the session pool. Two synthetic
// types are fired outside the producer's own vocabulary:
//   - revocation: the producer revoked a subscription; the payload is the
//     subscription object.
//   - connection_lost: a socket connection missed its keepalive deadline; the
//     payload maps subscription id to the subscriptions it was carrying.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// Handler consumes one event. It runs on the transport's goroutine, so
// long-running work should be handed off.
type Handler func(ev eventsub.Event)

// Observer is told about every fired event after the handler lookup.
// Observers feed the event hub and metrics; they must not block.
type Observer func(ev eventsub.Event, handled bool)

// Dispatcher maps event types to handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	observers []Observer
	logger    *slog.Logger
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// On registers h for eventType, replacing and returning any previous handler.
// A nil h is the same as Off.
func (d *Dispatcher) On(eventType string, h Handler) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.handlers[eventType]
	if h == nil {
		delete(d.handlers, eventType)
	} else {
		d.handlers[eventType] = h
	}
	if prev != nil {
		d.logger.Debug("handler replaced", "event_type", eventType)
	}
	return prev
}

// Off removes the handler for eventType and reports whether one was registered.
func (d *Dispatcher) Off(eventType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.handlers[eventType]
	delete(d.handlers, eventType)
	return ok
}

// Clear removes every handler. Observers stay registered.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	clear(d.handlers)
	d.mu.Unlock()
}

// Has reports whether a handler is registered for eventType.
func (d *Dispatcher) Has(eventType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// Types returns the event types that currently have a handler.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

// Observe adds o to the observers called on every Fire.
func (d *Dispatcher) Observe(o Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// Fire delivers payload to the handler registered for sub.Type.
func (d *Dispatcher) Fire(sub eventsub.Subscription, payload json.RawMessage) bool {
	return d.FireEvent(eventsub.Event{Type: sub.Type, Subscription: sub, Payload: payload})
}

// FireEvent delivers ev to the handler registered for ev.Type (or, when empty,
// ev.Subscription.Type). It returns false when no handler is registered or
// the handler panicked.
func (d *Dispatcher) FireEvent(ev eventsub.Event) bool {
	if ev.Type == "" {
		ev.Type = ev.Subscription.Type
	}

	d.mu.RLock()
	h := d.handlers[ev.Type]
	observers := d.observers
	d.mu.RUnlock()

	handled := false
	if h == nil {
		d.logger.Warn("no handler registered for event type",
			"event_type", ev.Type,
			"subscription_id", ev.Subscription.ID,
		)
	} else {
		handled = d.invoke(h, ev)
	}

	for _, o := range observers {
		o(ev, handled)
	}
	return handled
}

func (d *Dispatcher) invoke(h Handler, ev eventsub.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"subscription_id", ev.Subscription.ID,
				"message_id", ev.MessageID,
				"panic", fmt.Sprint(r),
			)
			ok = false
		}
	}()
	h(ev)
	return true
}

// FireRevocation fires the synthetic revocation event for sub.
func (d *Dispatcher) FireRevocation(sub eventsub.Subscription, messageID string) bool {
	payload, err := json.Marshal(sub)
	if err != nil {
		d.logger.Error("failed to encode revoked subscription", "subscription_id", sub.ID, "error", err)
		return false
	}
	revoked := sub
	revoked.Type = eventsub.TypeRevocation
	return d.FireEvent(eventsub.Event{
		Type:         eventsub.TypeRevocation,
		MessageID:    messageID,
		Subscription: revoked,
		Payload:      payload,
	})
}

// FireConnectionLost fires the synthetic connection_lost event with the
// subscriptions that were active on the lost connection.
func (d *Dispatcher) FireConnectionLost(sessionID string, subs map[string]eventsub.Summary) bool {
	if subs == nil {
		subs = map[string]eventsub.Summary{}
	}
	payload, err := json.Marshal(subs)
	if err != nil {
		d.logger.Error("failed to encode lost subscriptions", "session_id", sessionID, "error", err)
		return false
	}
	return d.FireEvent(eventsub.Event{
		Type: eventsub.TypeConnectionLost,
		Subscription: eventsub.Subscription{
			Type:      eventsub.TypeConnectionLost,
			Transport: eventsub.Transport{Method: eventsub.MethodWebSocket, SessionID: sessionID},
		},
		Payload: payload,
	})
}
