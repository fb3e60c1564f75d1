package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// conn is one socket. Every field except ws and the channels is guarded by
// Pool.mu.
type conn struct {
	// tag identifies the socket in logs before the producer assigns an id.
	tag string
	id  string
	ws  *websocket.Conn

	state    State
	subs     map[string]eventsub.Summary
	pending  int   // reservations from GetFreeConnection not yet spent
	dial     *dial // set while a GetFreeConnection dial awaits welcome
	replaces *conn // set on the replacement dialed for a reconnect

	timeout   time.Duration
	lastFrame time.Time
	watchdog  *time.Timer

	welcomed  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(tag string, ws *websocket.Conn) *conn {
	return &conn{
		tag:      tag,
		ws:       ws,
		state:    Connecting,
		subs:     make(map[string]eventsub.Summary),
		welcomed: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// closeTransport sends a normal close frame and closes the socket. Safe to
// call more than once and from any goroutine.
func (c *conn) closeTransport() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// name is the best identifier for logging.
func (c *conn) name() string {
	if c.id != "" {
		return c.id
	}
	return c.tag
}
