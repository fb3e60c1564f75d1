package tes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mattjoyce/tesgw/internal/challenge"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// Target is a subscription the gateway keeps alive.
type Target struct {
	Type      string
	Version   string
	Condition eventsub.Condition
}

// SubscribeAll subscribes every target concurrently and returns the failures
// joined. A target whose verification timed out has its orphaned upstream
// subscription deleted.
func (c *Client) SubscribeAll(ctx context.Context, targets []Target) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			if err := c.subscribeOrClean(ctx, target); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Client) subscribeOrClean(ctx context.Context, target Target) error {
	_, err := c.Subscribe(ctx, target.Type, target.Version, target.Condition)
	var timeout *challenge.TimeoutError
	if errors.As(err, &timeout) {
		if derr := c.Unsubscribe(ctx, timeout.SubscriptionID); derr != nil {
			c.logger.Error("failed to delete unverified subscription",
				"subscription_id", timeout.SubscriptionID,
				"error", derr,
			)
		}
	}
	if err != nil {
		c.logger.Error("subscribe failed", "type", target.Type, "condition", target.Condition, "error", err)
	}
	return err
}

// ResubscribeOnLoss watches for connection_lost and recreates every
// subscription that was on the lost connection, until ctx ends. It does not
// occupy the connection_lost handler slot.
func (c *Client) ResubscribeOnLoss(ctx context.Context) {
	c.dispatcher.Observe(func(ev eventsub.Event, _ bool) {
		if ev.Type != eventsub.TypeConnectionLost || ctx.Err() != nil || c.isClosed() {
			return
		}
		var lost map[string]eventsub.Summary
		if err := json.Unmarshal(ev.Payload, &lost); err != nil {
			c.logger.Error("cannot decode lost subscriptions", "error", err)
			return
		}
		if len(lost) == 0 {
			return
		}

		targets := make([]Target, 0, len(lost))
		for _, s := range lost {
			targets = append(targets, Target{Type: s.Type, Version: s.Version, Condition: s.Condition})
		}
		c.logger.Warn("connection lost, resubscribing",
			"session_id", ev.Subscription.Transport.SessionID,
			"subscriptions", len(targets),
		)
		go func() {
			if err := c.SubscribeAll(ctx, targets); err != nil {
				c.logger.Error("resubscribe incomplete", "error", err)
			}
		}()
	})
}
