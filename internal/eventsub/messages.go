package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the envelope header of every socket frame.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Frame is a single socket message. Payload is decoded lazily depending on
// the message type.
type Frame struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Session is the session object carried by welcome and reconnect frames.
type Session struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds *int      `json:"keepalive_timeout_seconds"`
	ReconnectURL            *string   `json:"reconnect_url"`
}

// SessionPayload is the payload of session_welcome and session_reconnect.
type SessionPayload struct {
	Session Session `json:"session"`
}

// NotificationPayload is the body of a notification, on either transport.
type NotificationPayload struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// RevocationPayload is the body of a revocation, on either transport.
type RevocationPayload struct {
	Subscription Subscription `json:"subscription"`
}

// ChallengePayload is the body of a webhook verification request.
type ChallengePayload struct {
	Challenge    string       `json:"challenge"`
	Subscription Subscription `json:"subscription"`
}

// DecodeFrame parses a raw socket message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Metadata.MessageType == "" {
		return nil, fmt.Errorf("frame missing required field: metadata.message_type")
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %q has no payload", f.Metadata.MessageType)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Metadata.MessageType, err)
	}
	return nil
}
