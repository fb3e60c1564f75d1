// Package challenge correlates webhook subscription creations with the
// verification challenge the producer sends back to the callback.
//
// A webhook subscription is only usable once its callback has echoed the
// challenge. Creation therefore parks the management API response here and
// hands the caller a Pending future; the webhook receiver resolves it when the
// challenge for that subscription id arrives.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/expiry"
)

// DefaultTimeout is how long a parked creation waits for its challenge.
const DefaultTimeout = 600 * time.Second

var (
	// ErrVerificationTimeout matches every *TimeoutError.
	ErrVerificationTimeout = errors.New("subscription verification timed out")
	// ErrClosed is returned for every pending verification when the correlator closes.
	ErrClosed = errors.New("verification correlator closed")
	// ErrAlreadyPending is returned when the subscription id is already parked.
	ErrAlreadyPending = errors.New("subscription verification already pending")
)

// TimeoutError carries the id of the subscription that was created but never
// verified, so the caller can delete it.
type TimeoutError struct {
	SubscriptionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.SubscriptionID, ErrVerificationTimeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrVerificationTimeout
}

// Pending is the outcome of one parked creation. It settles exactly once.
type Pending struct {
	id   string
	resp eventsub.CreateResponse

	once   sync.Once
	done   chan struct{}
	result eventsub.CreateResponse
	err    error
}

func newPending(id string, resp eventsub.CreateResponse) *Pending {
	return &Pending{id: id, resp: resp, done: make(chan struct{})}
}

// ID returns the subscription id being verified.
func (p *Pending) ID() string { return p.id }

// Done is closed once the verification has an outcome.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the challenge is observed, the deadline passes, the
// correlator closes, or ctx ends. A ctx error leaves the entry parked.
func (p *Pending) Wait(ctx context.Context) (eventsub.CreateResponse, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return eventsub.CreateResponse{}, ctx.Err()
	}
}

func (p *Pending) settle(err error) bool {
	settled := false
	p.once.Do(func() {
		if err == nil {
			p.result = p.resp
		}
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// Correlator holds the parked creations. It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	closed  bool
	pending *expiry.Set[string, *Pending]
	// early remembers challenges that arrived before their creation was parked.
	early   *expiry.Set[string, struct{}]
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Correlator. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Correlator{
		timeout: timeout,
		logger:  logger,
		early:   expiry.New[string, struct{}](nil),
	}
	c.pending = expiry.New(func(id string, p *Pending) {
		if p.settle(&TimeoutError{SubscriptionID: id}) {
			c.logger.Warn("subscription verification timed out", "subscription_id", id, "timeout", c.timeout)
		}
	})
	return c
}

// Park stores resp until the challenge for its subscription arrives.
func (c *Correlator) Park(resp eventsub.CreateResponse) (*Pending, error) {
	sub, ok := resp.Subscription()
	if !ok || sub.ID == "" {
		return nil, fmt.Errorf("park verification: creation response has no subscription")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	p := newPending(sub.ID, resp)
	if _, ok := c.early.Remove(sub.ID); ok {
		p.settle(nil)
		c.logger.Debug("subscription verified before park", "subscription_id", sub.ID)
		return p, nil
	}
	if !c.pending.AddIfAbsent(sub.ID, p, c.timeout) {
		return nil, fmt.Errorf("park verification %s: %w", sub.ID, ErrAlreadyPending)
	}
	c.logger.Debug("subscription verification parked", "subscription_id", sub.ID)
	return p, nil
}

// Resolve settles the parked creation for id with its stored response. It
// reports whether a parked entry was resolved; when none was, the id is
// remembered for one timeout so a late Park resolves immediately.
func (c *Correlator) Resolve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	p, ok := c.pending.Remove(id)
	if !ok {
		c.early.Add(id, struct{}{}, c.timeout)
		return false
	}
	p.settle(nil)
	c.logger.Info("subscription verified", "subscription_id", id)
	return true
}

// Cancel drops the parked entry for id without settling it as verified.
func (c *Correlator) Cancel(id string) bool {
	p, ok := c.pending.Remove(id)
	if !ok {
		return false
	}
	p.settle(context.Canceled)
	return true
}

// Len returns the number of parked creations.
func (c *Correlator) Len() int {
	return c.pending.Len()
}

// Close rejects every parked creation with ErrClosed and stops the timers.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.early.Close()
	for _, p := range c.pending.Close() {
		p.settle(ErrClosed)
	}
}
