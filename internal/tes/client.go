// Package tes is the EventSub client: it creates and deletes subscriptions
// through the management API and routes their delivery through whichever
// transport is configured.
package tes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/tesgw/internal/challenge"
	"github.com/mattjoyce/tesgw/internal/dispatch"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/helix"
	"github.com/mattjoyce/tesgw/internal/session"
)

// DefaultVersion is used when a subscription is requested without a version.
const DefaultVersion = "1"

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("client closed")

// Pool is the socket transport. *session.Pool satisfies it.
type Pool interface {
	GetFreeConnection(ctx context.Context) (string, error)
	Release(sessionID string)
	AddSubscription(sessionID string, sub eventsub.Subscription) error
	Adopt(sessionID string, sub eventsub.Subscription) error
	RemoveSubscription(id string) bool
	FindSubscriptionID(subType string, cond eventsub.Condition) (string, bool)
	Connections() []session.ConnectionInfo
	Close() error
}

// Correlator parks webhook creations until their challenge arrives.
// *challenge.Correlator satisfies it.
type Correlator interface {
	Park(resp eventsub.CreateResponse) (*challenge.Pending, error)
	Cancel(id string) bool
	Len() int
	Close()
}

// Publisher receives subscription lifecycle notes. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config selects the transport.
type Config struct {
	Transport string
	// Callback is the full public URL of the webhook endpoint.
	Callback string
	// Secret is sent with every webhook subscription and signs its deliveries.
	Secret string
}

// Option configures a Client.
type Option func(*Client)

// WithPool sets the socket pool. Required for the websocket transport.
func WithPool(p Pool) Option {
	return func(c *Client) { c.pool = p }
}

// WithCorrelator sets the verification correlator. Required for the webhook transport.
func WithCorrelator(corr Correlator) Option {
	return func(c *Client) { c.correlator = corr }
}

// WithPublisher reports subscribe and unsubscribe outcomes to p.
func WithPublisher(p Publisher) Option {
	return func(c *Client) { c.publisher = p }
}

// Client is one EventSub client instance. Instances share nothing.
type Client struct {
	config     Config
	api        helix.SubscriptionService
	dispatcher *dispatch.Dispatcher
	pool       Pool
	correlator Correlator
	publisher  Publisher
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Client for the configured transport.
func New(config Config, api helix.SubscriptionService, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		config:     config,
		api:        api,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if api == nil {
		return nil, errors.New("tes: management API client is required")
	}
	if dispatcher == nil {
		return nil, errors.New("tes: dispatcher is required")
	}
	switch config.Transport {
	case eventsub.MethodWebhook:
		if c.correlator == nil {
			return nil, errors.New("tes: webhook transport requires a correlator")
		}
		if config.Callback == "" || config.Secret == "" {
			return nil, errors.New("tes: webhook transport requires a callback URL and secret")
		}
	case eventsub.MethodWebSocket:
		if c.pool == nil {
			return nil, errors.New("tes: websocket transport requires a session pool")
		}
	default:
		return nil, fmt.Errorf("tes: unknown transport %q", config.Transport)
	}
	return c, nil
}

// On registers h as the handler for eventType and returns the handler it
// replaced, if any.
func (c *Client) On(eventType string, h dispatch.Handler) dispatch.Handler {
	c.logger.Debug("adding notification handler", "event_type", eventType)
	return c.dispatcher.On(eventType, h)
}

// Off removes the handler for eventType.
func (c *Client) Off(eventType string) bool {
	return c.dispatcher.Off(eventType)
}

// Subscribe creates a subscription and returns once it will deliver events.
//
// Over the webhook transport that is when the producer's challenge has been
// echoed; a challenge that never arrives yields a *challenge.TimeoutError and
// the upstream subscription is left for the caller to delete. Over the socket
// transport a connection with free capacity is chosen first. If an identical
// subscription already exists, it is returned.
func (c *Client) Subscribe(ctx context.Context, subType, version string, cond eventsub.Condition) (eventsub.Subscription, error) {
	if c.isClosed() {
		return eventsub.Subscription{}, ErrClosed
	}
	if version == "" {
		version = DefaultVersion
	}
	c.logger.Debug("subscribing", "type", subType, "version", version, "condition", cond)

	var (
		sub eventsub.Subscription
		err error
	)
	switch c.config.Transport {
	case eventsub.MethodWebhook:
		sub, err = c.subscribeWebhook(ctx, subType, version, cond)
	default:
		sub, err = c.subscribeSocket(ctx, subType, version, cond)
	}
	if err != nil {
		return eventsub.Subscription{}, err
	}

	c.logger.Info("subscribed", "subscription_id", sub.ID, "type", sub.Type, "transport", c.config.Transport)
	c.publish("subscribed", sub)
	return sub, nil
}

func (c *Client) subscribeWebhook(ctx context.Context, subType, version string, cond eventsub.Condition) (eventsub.Subscription, error) {
	resp, err := c.api.CreateSubscription(ctx, eventsub.CreateRequest{
		Type:      subType,
		Version:   version,
		Condition: cond,
		Transport: eventsub.Transport{
			Method:   eventsub.MethodWebhook,
			Callback: c.config.Callback,
			Secret:   c.config.Secret,
		},
	})
	if errors.Is(err, helix.ErrConflict) {
		return c.existing(ctx, subType, cond)
	}
	if err != nil {
		return eventsub.Subscription{}, err
	}

	pending, err := c.correlator.Park(resp)
	if err != nil {
		return eventsub.Subscription{}, fmt.Errorf("park verification: %w", err)
	}
	verified, err := pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, challenge.ErrVerificationTimeout) {
			c.logger.Error("subscription was created but never verified",
				"subscription_id", pending.ID(),
				"type", subType,
			)
			c.publish("verification_timeout", map[string]string{"id": pending.ID(), "type": subType})
		} else if ctx.Err() != nil {
			c.correlator.Cancel(pending.ID())
		}
		return eventsub.Subscription{}, err
	}

	sub, _ := verified.Subscription()
	return sub, nil
}

func (c *Client) subscribeSocket(ctx context.Context, subType, version string, cond eventsub.Condition) (eventsub.Subscription, error) {
	sessionID, err := c.pool.GetFreeConnection(ctx)
	if err != nil {
		return eventsub.Subscription{}, fmt.Errorf("get free connection: %w", err)
	}

	resp, err := c.api.CreateSubscription(ctx, eventsub.CreateRequest{
		Type:      subType,
		Version:   version,
		Condition: cond,
		Transport: eventsub.Transport{
			Method:    eventsub.MethodWebSocket,
			SessionID: sessionID,
		},
	})
	if err != nil {
		c.pool.Release(sessionID)
		if !errors.Is(err, helix.ErrConflict) {
			return eventsub.Subscription{}, err
		}
		sub, err := c.existing(ctx, subType, cond)
		if err != nil {
			return eventsub.Subscription{}, err
		}
		c.adopt(sub)
		return sub, nil
	}

	sub, _ := resp.Subscription()
	if err := c.pool.AddSubscription(sessionID, sub); err != nil {
		// The connection vanished or filled up; don't leave an orphan upstream.
		if derr := c.api.DeleteSubscription(ctx, sub.ID); derr != nil {
			c.logger.Error("failed to delete untracked subscription", "subscription_id", sub.ID, "error", derr)
		}
		return eventsub.Subscription{}, fmt.Errorf("track subscription %s: %w", sub.ID, err)
	}
	return sub, nil
}

// adopt tracks an existing socket subscription on its session so it can be
// found, unsubscribed and reported in connection_lost like a new one.
func (c *Client) adopt(sub eventsub.Subscription) {
	if sub.Transport.Method != eventsub.MethodWebSocket || sub.Transport.SessionID == "" {
		return
	}
	if err := c.pool.Adopt(sub.Transport.SessionID, sub); err != nil {
		c.logger.Warn("existing subscription is not on a tracked connection",
			"subscription_id", sub.ID,
			"session_id", sub.Transport.SessionID,
			"error", err,
		)
	}
}

func (c *Client) existing(ctx context.Context, subType string, cond eventsub.Condition) (eventsub.Subscription, error) {
	c.logger.Debug("subscription already exists, looking it up", "type", subType)
	sub, err := c.api.FindSubscriptionByCondition(ctx, subType, cond)
	if err != nil {
		return eventsub.Subscription{}, fmt.Errorf("find existing %s subscription: %w", subType, err)
	}
	return sub, nil
}

// Unsubscribe deletes the subscription with id.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.api.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	if c.pool != nil {
		c.pool.RemoveSubscription(id)
	}
	c.logger.Info("unsubscribed", "subscription_id", id)
	c.publish("unsubscribed", map[string]string{"id": id})
	return nil
}

// UnsubscribeMatching deletes the subscription of subType whose condition
// equals cond. Socket subscriptions are found locally, webhook ones by
// paging the management API.
func (c *Client) UnsubscribeMatching(ctx context.Context, subType string, cond eventsub.Condition) error {
	if c.isClosed() {
		return ErrClosed
	}
	var id string
	if c.config.Transport == eventsub.MethodWebSocket {
		found, ok := c.pool.FindSubscriptionID(subType, cond)
		if !ok {
			return fmt.Errorf("%s subscription with condition %v: %w", subType, cond, helix.ErrNotFound)
		}
		id = found
	} else {
		sub, err := c.api.FindSubscriptionByCondition(ctx, subType, cond)
		if err != nil {
			return err
		}
		id = sub.ID
	}
	return c.Unsubscribe(ctx, id)
}

// GetSubscriptions lists every subscription of this application.
func (c *Client) GetSubscriptions(ctx context.Context) ([]eventsub.Subscription, error) {
	return c.api.ListAllSubscriptions(ctx, helix.ListFilter{})
}

// GetSubscriptionsByType lists subscriptions of subType.
func (c *Client) GetSubscriptionsByType(ctx context.Context, subType string) ([]eventsub.Subscription, error) {
	return c.api.ListAllSubscriptions(ctx, helix.ListFilter{Type: subType})
}

// GetSubscriptionsByStatus lists subscriptions with status.
func (c *Client) GetSubscriptionsByStatus(ctx context.Context, status string) ([]eventsub.Subscription, error) {
	return c.api.ListAllSubscriptions(ctx, helix.ListFilter{Status: status})
}

// GetSubscription returns the subscription with id.
func (c *Client) GetSubscription(ctx context.Context, id string) (eventsub.Subscription, error) {
	return c.api.FindSubscription(ctx, id)
}

// GetSubscriptionByCondition returns the subscription of subType with exactly cond.
func (c *Client) GetSubscriptionByCondition(ctx context.Context, subType string, cond eventsub.Condition) (eventsub.Subscription, error) {
	return c.api.FindSubscriptionByCondition(ctx, subType, cond)
}

// Transport returns the configured transport method.
func (c *Client) Transport() string { return c.config.Transport }

// Connections returns the socket connections, or nil on the webhook transport.
func (c *Client) Connections() []session.ConnectionInfo {
	if c.pool == nil {
		return nil
	}
	return c.pool.Connections()
}

// PendingVerifications returns the number of webhook creations awaiting a challenge.
func (c *Client) PendingVerifications() int {
	if c.correlator == nil {
		return 0
	}
	return c.correlator.Len()
}

// HandledTypes returns the event types with a registered handler.
func (c *Client) HandledTypes() []string {
	return c.dispatcher.Types()
}

// Close closes every socket connection and rejects every pending
// verification. Registered handlers are kept.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if c.pool != nil {
		err = c.pool.Close()
	}
	if c.correlator != nil {
		c.correlator.Close()
	}
	c.logger.Info("client closed")
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) publish(eventType string, data any) {
	if c.publisher != nil {
		c.publisher.Publish(eventType, data)
	}
}
