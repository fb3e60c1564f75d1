// Package eventsub holds the EventSub wire types shared by both delivery
// transports and the management API client.
package eventsub

import (
	"encoding/json"
	"maps"
	"time"
)

// Transport methods.
const (
	MethodWebhook   = "webhook"
	MethodWebSocket = "websocket"
)

// Synthetic event types fired outside the normal subscription lifecycle.
const (
	TypeRevocation     = "revocation"
	TypeConnectionLost = "connection_lost"
)

// Webhook message types carried in the Twitch-Eventsub-Message-Type header.
const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// WebSocket message types carried in metadata.message_type.
const (
	MessageTypeSessionWelcome   = "session_welcome"
	MessageTypeSessionKeepalive = "session_keepalive"
	MessageTypeSessionReconnect = "session_reconnect"
)

// Webhook request headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageRetry     = "Twitch-Eventsub-Message-Retry"
)

// Condition narrows which events of a type match a subscription.
type Condition map[string]string

// Equal reports whether both conditions hold exactly the same keys and values.
func (c Condition) Equal(other Condition) bool {
	return maps.Equal(c, other)
}

// Transport describes how the producer delivers a subscription's events.
type Transport struct {
	Method         string     `json:"method"`
	Callback       string     `json:"callback,omitempty"`
	Secret         string     `json:"secret,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Subscription is a registration for notifications of a type and condition.
type Subscription struct {
	ID        string    `json:"id"`
	Status    string    `json:"status,omitempty"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
	Cost      int       `json:"cost,omitempty"`
}

// Summary is the slice of a subscription a socket connection keeps around
// for lookup and for connection_lost reporting.
type Summary struct {
	Type      string    `json:"type"`
	Version   string    `json:"version,omitempty"`
	Condition Condition `json:"condition"`
}

// Summarize returns the lookup summary of s.
func (s Subscription) Summarize() Summary {
	return Summary{Type: s.Type, Version: s.Version, Condition: maps.Clone(s.Condition)}
}

// Event is what a handler receives: the subscription the event belongs to and
// the raw event payload.
type Event struct {
	Type         string          `json:"type"`
	MessageID    string          `json:"message_id,omitempty"`
	Subscription Subscription    `json:"subscription"`
	Payload      json.RawMessage `json:"payload"`
}

// CreateRequest is the body sent to create a subscription.
type CreateRequest struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
}

// CreateResponse is returned by the management API on creation. It is also
// what a webhook Subscribe resolves with once the challenge is observed.
type CreateResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
}

// Subscription returns the first (and normally only) created subscription.
func (r CreateResponse) Subscription() (Subscription, bool) {
	if len(r.Data) == 0 {
		return Subscription{}, false
	}
	return r.Data[0], true
}

// Pagination carries the cursor for the next page of a list call.
type Pagination struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResponse is one page of subscriptions.
type ListResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
	Pagination   Pagination     `json:"pagination"`
}
