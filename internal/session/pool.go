// Package session manages the pool of EventSub socket connections: welcome
// handshakes, keepalive watchdogs, reconnect handoff and the mapping of
// subscriptions onto connections.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/tesgw/internal/dedup"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

var (
	// ErrCapacityExceeded means every connection is full and no more may be opened.
	ErrCapacityExceeded = errors.New("maximum number of socket connections reached")
	// ErrConnectionFull means one connection already holds its maximum of subscriptions.
	ErrConnectionFull = errors.New("socket connection subscription limit reached")
	// ErrPoolClosed is returned by every call after Close.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrWelcomeTimeout means a dialed socket was not welcomed in time.
	ErrWelcomeTimeout = errors.New("timed out waiting for session welcome")
	// ErrUnknownSession means no live connection has the given session id.
	ErrUnknownSession = errors.New("unknown session")
)

// Default limits.
const (
	DefaultURL              = "wss://eventsub.wss.twitch.tv/ws"
	DefaultMaxConnections   = 3
	DefaultMaxSubscriptions = 100
	DefaultKeepaliveGrace   = 100 * time.Millisecond
	DefaultWelcomeTimeout   = 10 * time.Second
	defaultKeepalive        = 10 * time.Second
)

// Dispatcher receives socket notifications and lifecycle signals.
type Dispatcher interface {
	FireEvent(ev eventsub.Event) bool
	FireRevocation(sub eventsub.Subscription, messageID string) bool
	FireConnectionLost(sessionID string, subs map[string]eventsub.Summary) bool
}

// Filter is the optional duplicate and age gate on the socket path.
type Filter interface {
	Admit(ctx context.Context, messageID string, timestamp time.Time) dedup.Verdict
}

// Recorder observes pool activity. *metrics.Metrics satisfies it.
type Recorder interface {
	SetPool(connections, subscriptions int)
	KeepaliveTimeout()
	Reconnect(result string)
	Message(transport, verdict string)
}

// Config bounds the pool. Zero values take the defaults.
type Config struct {
	URL              string
	MaxConnections   int
	MaxSubscriptions int
	KeepaliveGrace   time.Duration
	WelcomeTimeout   time.Duration
}

// ConnectionInfo is a snapshot of one registered connection.
type ConnectionInfo struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithFilter applies f to every socket notification.
func WithFilter(f Filter) Option {
	return func(p *Pool) { p.filter = f }
}

// WithRecorder reports pool activity to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// Pool is the set of live socket connections.
type Pool struct {
	config     Config
	dialer     *websocket.Dialer
	dispatcher Dispatcher
	filter     Filter
	recorder   Recorder
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	live   []*conn // registration order
	all    map[*conn]struct{}
	dials  map[*dial]struct{}
	closed bool

	// Now is the clock used by keepalive watchdogs.
	Now func() time.Time
}

// New creates an empty pool. No connection is opened until GetFreeConnection.
func New(config Config, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Pool {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if config.KeepaliveGrace <= 0 {
		config.KeepaliveGrace = DefaultKeepaliveGrace
	}
	if config.WelcomeTimeout <= 0 {
		config.WelcomeTimeout = DefaultWelcomeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:     config,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: config.WelcomeTimeout},
		dispatcher: dispatcher,
		recorder:   nopRecorder{},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		all:        make(map[*conn]struct{}),
		dials:      make(map[*dial]struct{}),
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// dial is a new connection being opened for GetFreeConnection. Callers that
// find every live connection full wait on an in-flight dial with room
// instead of opening their own.
type dial struct {
	done   chan struct{}
	claims int // callers counting on this connection, the dialer included
	err    error
}

// GetFreeConnection reserves room for one subscription and returns the
// session id holding it. The reservation is spent by AddSubscription or
// given back by Release.
//
// Live connections are tried first, then a dial already in flight, and only
// then a new connection while fewer than the maximum exist. Otherwise it
// fails with ErrCapacityExceeded without dialing.
func (p *Pool) GetFreeConnection(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return "", ErrPoolClosed
		}
		if c := p.freeLocked(); c != nil {
			c.pending++
			id := c.id
			p.mu.Unlock()
			p.logger.Debug("found free socket connection", "session_id", id)
			return id, nil
		}
		if d := p.joinableLocked(); d != nil {
			d.claims++
			p.mu.Unlock()
			if err := p.awaitDial(ctx, d); err != nil {
				return "", err
			}
			continue
		}
		if len(p.live)+len(p.dials) >= p.config.MaxConnections {
			p.mu.Unlock()
			p.logger.Debug("no free socket connection and pool is at capacity", "connections", p.config.MaxConnections)
			return "", ErrCapacityExceeded
		}
		d := &dial{done: make(chan struct{}), claims: 1}
		p.dials[d] = struct{}{}
		p.mu.Unlock()

		p.logger.Debug("no free socket connection, opening a new one")
		c, err := p.open(ctx, p.config.URL, nil, d)
		if err != nil {
			return "", err
		}
		return c.id, nil
	}
}

// awaitDial blocks until d finishes. A nil return means the caller should
// look for room again.
func (p *Pool) awaitDial(ctx context.Context, d *dial) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		p.mu.Lock()
		d.claims--
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *Pool) freeLocked() *conn {
	for _, c := range p.live {
		if c.state.live() && len(c.subs)+c.pending < p.config.MaxSubscriptions {
			return c
		}
	}
	return nil
}

func (p *Pool) joinableLocked() *dial {
	for d := range p.dials {
		if d.claims < p.config.MaxSubscriptions {
			return d
		}
	}
	return nil
}

// finishDialLocked wakes the callers waiting on d. Errors caused by the
// dialer's own context are not passed on; waiters retry instead.
func (p *Pool) finishDialLocked(d *dial, err error) {
	if _, ok := p.dials[d]; !ok {
		return
	}
	delete(p.dials, d)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		d.err = err
	}
	close(d.done)
}

// Release gives back a reservation made by GetFreeConnection that will not
// be spent, for example because creating the subscription failed.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.findLocked(sessionID); c != nil && c.pending > 0 {
		c.pending--
	}
}

// open dials url and blocks until the socket is welcomed. d is set when the
// dial was started by GetFreeConnection.
func (p *Pool) open(ctx context.Context, url string, replaces *conn, d *dial) (*conn, error) {
	ws, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", url, err)
		if d != nil {
			p.mu.Lock()
			p.finishDialLocked(d, err)
			p.mu.Unlock()
		}
		return nil, err
	}

	c := newConn(uuid.NewString(), ws)
	c.dial = d
	c.replaces = replaces

	p.mu.Lock()
	if p.closed {
		if d != nil {
			p.finishDialLocked(d, ErrPoolClosed)
		}
		p.mu.Unlock()
		c.closeTransport()
		return nil, ErrPoolClosed
	}
	p.all[c] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.readLoop(c)

	if err := p.waitWelcome(ctx, c); err != nil {
		if p.abandon(c, err) {
			c.closeTransport()
			return nil, err
		}
		// Welcomed while we were giving up.
	}
	return c, nil
}

func (p *Pool) waitWelcome(ctx context.Context, c *conn) error {
	timer := time.NewTimer(p.config.WelcomeTimeout)
	defer timer.Stop()

	select {
	case <-c.welcomed:
		return nil
	case <-c.done:
		return fmt.Errorf("socket %s closed before welcome", c.tag)
	case <-timer.C:
		return ErrWelcomeTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// abandon marks an unwelcomed socket closed and frees its dial slot. It
// reports false if the socket was welcomed first.
func (p *Pool) abandon(c *conn, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.state != Connecting {
		return !c.state.live()
	}
	c.state = Closed
	if c.dial != nil {
		p.finishDialLocked(c.dial, err)
		c.dial = nil
	}
	delete(p.all, c)
	return true
}

// register moves c to Welcomed under id. A connection dialed by
// GetFreeConnection starts with its dialer's reservation. When c replaces a
// connection that is still Reconnecting, the old connection's subscriptions
// and reservations move onto c and the old connection is retired in the
// same critical section.
func (p *Pool) register(c *conn, id string, keepalive time.Duration) bool {
	p.mu.Lock()
	if p.closed || c.state != Connecting {
		p.mu.Unlock()
		return false
	}

	c.id = id
	c.state = Welcomed
	c.timeout = keepalive + p.config.KeepaliveGrace
	c.lastFrame = p.Now()
	if c.dial != nil {
		c.pending++
		p.finishDialLocked(c.dial, nil)
		c.dial = nil
	}

	var retired *conn
	if old := c.replaces; old != nil && old.state == Reconnecting {
		c.subs, old.subs = old.subs, make(map[string]eventsub.Summary)
		c.pending, old.pending = old.pending, 0
		old.state = Closed
		p.removeLocked(old)
		retired = old
	}
	c.replaces = nil

	p.live = append(p.live, c)
	c.watchdog = time.AfterFunc(c.timeout, func() { p.checkKeepalive(c) })
	close(c.welcomed)
	p.reportLocked()
	p.mu.Unlock()

	if retired != nil {
		retired.watchdog.Stop()
		retired.closeTransport()
		p.logger.Info("socket reconnect completed",
			"session_id", id,
			"retired_session_id", retired.id,
			"subscriptions", len(c.subs),
		)
		p.recorder.Reconnect("completed")
	} else {
		p.logger.Info("socket session welcomed", "session_id", id, "keepalive_timeout", keepalive)
	}
	return true
}

// touch records frame arrival; the watchdog compares against it.
func (p *Pool) touch(c *conn) {
	p.mu.Lock()
	c.lastFrame = p.Now()
	p.mu.Unlock()
}

// checkKeepalive runs when c's watchdog fires. If a frame arrived since the
// timer was armed, it is re-armed for the remainder.
func (p *Pool) checkKeepalive(c *conn) {
	p.mu.Lock()
	if !c.state.live() {
		p.mu.Unlock()
		return
	}
	if idle := p.Now().Sub(c.lastFrame); idle < c.timeout {
		c.watchdog.Reset(c.timeout - idle)
		p.mu.Unlock()
		return
	}
	subs := p.loseLocked(c)
	p.mu.Unlock()

	p.logger.Warn("socket keepalive expired", "session_id", c.id, "subscriptions", len(subs))
	p.recorder.KeepaliveTimeout()
	c.closeTransport()
	p.dispatcher.FireConnectionLost(c.id, subs)
}

// loseLocked moves a live connection to Lost and returns its subscriptions.
func (p *Pool) loseLocked(c *conn) map[string]eventsub.Summary {
	c.state = Lost
	subs := c.subs
	c.subs = make(map[string]eventsub.Summary)
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	p.removeLocked(c)
	p.reportLocked()
	return subs
}

// closedByPeer handles the end of c's read loop. A live connection closed by
// the peer is lost just like one whose keepalive expired, so connection_lost
// fires once with its subscriptions.
func (p *Pool) closedByPeer(c *conn, err error) {
	p.mu.Lock()
	delete(p.all, c)
	if !c.state.live() {
		p.mu.Unlock()
		p.logger.Debug("socket closed", "session_id", c.name(), "error", err)
		return
	}
	subs := p.loseLocked(c)
	p.mu.Unlock()

	p.logger.Warn("socket closed by peer", "session_id", c.id, "subscriptions", len(subs), "error", err)
	p.dispatcher.FireConnectionLost(c.id, subs)
}

func (p *Pool) removeLocked(c *conn) bool {
	for i, lc := range p.live {
		if lc == c {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return true
		}
	}
	return false
}

// reconnect dials url for c's replacement while c stays live.
func (p *Pool) reconnect(c *conn, url string) {
	defer p.wg.Done()

	p.mu.Lock()
	if p.closed || c.state != Welcomed {
		p.mu.Unlock()
		return
	}
	c.state = Reconnecting
	p.mu.Unlock()

	p.logger.Info("socket reconnect requested", "session_id", c.id)
	ctx, cancel := context.WithTimeout(p.ctx, p.config.WelcomeTimeout)
	defer cancel()

	if _, err := p.open(ctx, url, c, nil); err != nil {
		p.mu.Lock()
		if c.state == Reconnecting {
			c.state = Welcomed
		}
		p.mu.Unlock()
		p.logger.Error("socket reconnect failed, keeping current connection", "session_id", c.id, "error", err)
		p.recorder.Reconnect("failed")
	}
}

// AddSubscription records sub on the connection with sessionID, spending a
// reservation made by GetFreeConnection. Without one it needs free room.
func (p *Pool) AddSubscription(sessionID string, sub eventsub.Subscription) error {
	return p.track(sessionID, sub, true)
}

// Adopt records a subscription that already exists upstream on sessionID,
// such as one returned by a conflicting create. It leaves reservations
// alone and needs free room unless sub is already tracked.
func (p *Pool) Adopt(sessionID string, sub eventsub.Subscription) error {
	return p.track(sessionID, sub, false)
}

func (p *Pool) track(sessionID string, sub eventsub.Subscription, spend bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	c := p.findLocked(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	_, tracked := c.subs[sub.ID]
	switch {
	case spend && c.pending > 0:
		c.pending--
	case !tracked && len(c.subs)+c.pending >= p.config.MaxSubscriptions:
		return fmt.Errorf("session %s: %w", sessionID, ErrConnectionFull)
	}
	c.subs[sub.ID] = sub.Summarize()
	p.reportLocked()
	return nil
}

// RemoveSubscription drops id from whichever connection holds it.
func (p *Pool) RemoveSubscription(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.live {
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			p.reportLocked()
			return true
		}
	}
	return false
}

// FindSubscriptionID returns the id of the first subscription with subType
// and a condition holding exactly the same keys and values as cond.
func (p *Pool) FindSubscriptionID(subType string, cond eventsub.Condition) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.live {
		for id, s := range c.subs {
			if s.Type == subType && s.Condition.Equal(cond) {
				return id, true
			}
		}
	}
	return "", false
}

// Subscriptions returns every tracked subscription keyed by id.
func (p *Pool) Subscriptions() map[string]eventsub.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]eventsub.Summary)
	for _, c := range p.live {
		maps.Copy(out, c.subs)
	}
	return out
}

// Connections returns a snapshot of the registered connections.
func (p *Pool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(p.live))
	for _, c := range p.live {
		out = append(out, ConnectionInfo{ID: c.id, State: c.state.String(), Subscriptions: len(c.subs)})
	}
	return out
}

// Len returns the number of registered connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close closes every socket, stops every watchdog and waits for the read
// loops to exit. No connection_lost is fired.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for d := range p.dials {
		p.finishDialLocked(d, ErrPoolClosed)
	}
	conns := make([]*conn, 0, len(p.all))
	for c := range p.all {
		c.state = Closed
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		conns = append(conns, c)
	}
	p.live = nil
	p.reportLocked()
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		c.closeTransport()
	}
	p.wg.Wait()
	p.logger.Info("session pool closed", "connections", len(conns))
	return nil
}

func (p *Pool) findLocked(id string) *conn {
	for _, c := range p.live {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (p *Pool) reportLocked() {
	subs := 0
	for _, c := range p.live {
		subs += len(c.subs)
	}
	p.recorder.SetPool(len(p.live), subs)
}

type nopRecorder struct{}

func (nopRecorder) SetPool(int, int)       {}
func (nopRecorder) KeepaliveTimeout()      {}
func (nopRecorder) Reconnect(string)       {}
func (nopRecorder) Message(string, string) {}
