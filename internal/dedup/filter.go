// Package dedup suppresses redelivered and stale EventSub messages.
//
// The producer may deliver a message more than once and may retry for up to
// ten minutes. A message id is remembered for DefaultWindow, one second longer
// than DefaultMaxAge, so a late duplicate is always caught by at least one of
// the two gates.
package dedup

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultMaxAge is the oldest message (by its own timestamp) that is still dispatched.
	DefaultMaxAge = 600 * time.Second

	// DefaultWindow is how long a recorded message id suppresses redelivery.
	DefaultWindow = 601 * time.Second
)

// Verdict is the outcome of running a message through the filter.
type Verdict int

const (
	Accept Verdict = iota
	Duplicate
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Store remembers message ids for a bounded window.
type Store interface {
	// Seen reports whether id is currently recorded.
	Seen(ctx context.Context, id string) (bool, error)
	// Claim records id for window unless it is already recorded. It reports
	// whether this call recorded it.
	Claim(ctx context.Context, id string, window time.Duration) (bool, error)
	Close() error
}

// Options toggles the two gates. A disabled gate always passes.
type Options struct {
	IgnoreDuplicates bool
	IgnoreOld        bool
	Window           time.Duration
	MaxAge           time.Duration
}

// DefaultOptions enables both gates with the producer's retry bounds.
func DefaultOptions() Options {
	return Options{
		IgnoreDuplicates: true,
		IgnoreOld:        true,
		Window:           DefaultWindow,
		MaxAge:           DefaultMaxAge,
	}
}

// Filter applies the duplicate and age gates in front of dispatch.
type Filter struct {
	store  Store
	opts   Options
	logger *slog.Logger

	// Now is the wall clock used by the age gate.
	Now func() time.Time
}

// NewFilter creates a Filter over store. Zero durations in opts take the defaults.
func NewFilter(store Store, opts Options, logger *slog.Logger) *Filter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Filter{
		store:  store,
		opts:   opts,
		logger: logger,
		Now:    time.Now,
	}
}

// Seen reports whether id was recorded within the window. Store errors count as unseen.
func (f *Filter) Seen(ctx context.Context, id string) bool {
	seen, err := f.store.Seen(ctx, id)
	if err != nil {
		f.logger.Warn("dedup store lookup failed", "message_id", id, "error", err)
		return false
	}
	return seen
}

// Record remembers id for the configured window.
func (f *Filter) Record(ctx context.Context, id string) error {
	_, err := f.store.Claim(ctx, id, f.opts.Window)
	return err
}

// Stale reports whether a message stamped at ts is older than the max age.
// A zero timestamp, from a missing or unparseable header, is never stale.
func (f *Filter) Stale(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return f.Now().Sub(ts) > f.opts.MaxAge
}

// Admit runs both gates and, when the message passes, records its id.
// Store failures are logged and the message is admitted.
func (f *Filter) Admit(ctx context.Context, id string, ts time.Time) Verdict {
	if f.opts.IgnoreDuplicates && f.Seen(ctx, id) {
		f.logger.Debug("duplicate message dropped", "message_id", id)
		return Duplicate
	}
	if f.opts.IgnoreOld && f.Stale(ts) {
		f.logger.Debug("old message dropped", "message_id", id, "message_timestamp", ts)
		return Stale
	}

	claimed, err := f.store.Claim(ctx, id, f.opts.Window)
	if err != nil {
		f.logger.Warn("dedup store record failed", "message_id", id, "error", err)
		return Accept
	}
	// Lost a race with a concurrent delivery of the same message.
	if !claimed && f.opts.IgnoreDuplicates {
		f.logger.Debug("duplicate message dropped", "message_id", id)
		return Duplicate
	}
	return Accept
}

// Close releases the underlying store.
func (f *Filter) Close() error {
	return f.store.Close()
}
