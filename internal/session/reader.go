package session

import (
	"time"

	"github.com/mattjoyce/tesgw/internal/dedup"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// readLoop owns all reads on c. It exits when the socket closes.
func (p *Pool) readLoop(c *conn) {
	defer p.wg.Done()
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			p.closedByPeer(c, err)
			return
		}

		frame, err := eventsub.DecodeFrame(data)
		if err != nil {
			p.logger.Warn("dropping malformed socket frame", "session_id", c.name(), "error", err)
			continue
		}
		p.handleFrame(c, frame)
	}
}

func (p *Pool) handleFrame(c *conn, f *eventsub.Frame) {
	switch f.Metadata.MessageType {
	case eventsub.MessageTypeSessionWelcome:
		p.handleWelcome(c, f)

	case eventsub.MessageTypeSessionKeepalive:
		p.touch(c)

	case eventsub.MessageTypeNotification:
		p.touch(c)
		p.handleNotification(c, f)

	case eventsub.MessageTypeRevocation:
		p.touch(c)
		p.handleRevocation(c, f)

	case eventsub.MessageTypeSessionReconnect:
		p.touch(c)
		p.handleReconnect(c, f)

	default:
		p.logger.Debug("unhandled socket message type",
			"session_id", c.name(),
			"message_type", f.Metadata.MessageType,
		)
	}
}

func (p *Pool) handleWelcome(c *conn, f *eventsub.Frame) {
	var payload eventsub.SessionPayload
	if err := f.DecodePayload(&payload); err != nil || payload.Session.ID == "" {
		p.logger.Warn("dropping invalid welcome frame", "socket", c.tag, "error", err)
		return
	}

	keepalive := defaultKeepalive
	if s := payload.Session.KeepaliveTimeoutSeconds; s != nil && *s > 0 {
		keepalive = time.Duration(*s) * time.Second
	}
	if !p.register(c, payload.Session.ID, keepalive) {
		p.logger.Debug("ignoring welcome on socket not awaiting one", "session_id", payload.Session.ID)
	}
}

func (p *Pool) handleNotification(c *conn, f *eventsub.Frame) {
	var payload eventsub.NotificationPayload
	if err := f.DecodePayload(&payload); err != nil {
		p.logger.Warn("dropping invalid notification frame", "session_id", c.id, "error", err)
		return
	}

	verdict := dedup.Accept
	if p.filter != nil {
		verdict = p.filter.Admit(p.ctx, f.Metadata.MessageID, f.Metadata.MessageTimestamp)
	}
	p.recorder.Message("socket", verdict.String())
	if verdict != dedup.Accept {
		p.logger.Debug("socket notification filtered",
			"message_id", f.Metadata.MessageID,
			"verdict", verdict.String(),
		)
		return
	}

	p.dispatcher.FireEvent(eventsub.Event{
		Type:         payload.Subscription.Type,
		MessageID:    f.Metadata.MessageID,
		Subscription: payload.Subscription,
		Payload:      payload.Event,
	})
}

func (p *Pool) handleRevocation(c *conn, f *eventsub.Frame) {
	var payload eventsub.RevocationPayload
	if err := f.DecodePayload(&payload); err != nil {
		p.logger.Warn("dropping invalid revocation frame", "session_id", c.id, "error", err)
		return
	}

	p.logger.Info("subscription revoked",
		"session_id", c.id,
		"subscription_id", payload.Subscription.ID,
		"status", payload.Subscription.Status,
	)
	p.dispatcher.FireRevocation(payload.Subscription, f.Metadata.MessageID)
	p.RemoveSubscription(payload.Subscription.ID)
}

func (p *Pool) handleReconnect(c *conn, f *eventsub.Frame) {
	var payload eventsub.SessionPayload
	if err := f.DecodePayload(&payload); err != nil {
		p.logger.Warn("dropping invalid reconnect frame", "session_id", c.id, "error", err)
		return
	}
	url := payload.Session.ReconnectURL
	if url == nil || *url == "" {
		p.logger.Warn("reconnect frame without reconnect_url", "session_id", c.id)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go p.reconnect(c, *url)
}
