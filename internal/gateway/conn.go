package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds every socket write so one stuck client cannot block its
// own write loop forever.
const writeTimeout = 10 * time.Second

// sendQueueSize is the per-connection outbound buffer. A connection that
// cannot drain this many frames is a slow consumer and gets dropped.
const sendQueueSize = 100

// legacyWarnInterval rate-limits the deprecation log line per connection.
const legacyWarnInterval = time.Hour

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// socket is the slice of *websocket.Conn the gateway writes through.
// Narrowed to an interface so tests can run the full manager without a
// network socket.
type socket interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Identity is the authenticated identity of one connection. It is resolved
// from the admission ticket before the upgrade and never changes afterwards:
// no message on the socket can escalate it.
type Identity struct {
	ConnectionID string
	SessionID    string
	UserID       string
}

// Conn is one live websocket connection. Sends enqueue into a bounded buffer
// drained by the connection's own write loop, so a stuck socket never blocks
// the goroutine fanning out to other connections.
type Conn struct {
	identity Identity
	sock     socket

	sendCh   chan any
	done     chan struct{}
	pumpDone chan struct{}

	mu             sync.Mutex
	closed         bool
	lastActivity   time.Time
	awaitingPong   bool
	lastLegacyWarn time.Time
}

func newConn(sock socket, identity Identity) *Conn {
	c := &Conn{
		identity:     identity,
		sock:         sock,
		sendCh:       make(chan any, sendQueueSize),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
		lastActivity: time.Now(),
	}
	go c.sendLoop()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.identity.ConnectionID }

// SessionID returns the session resolved at admission.
func (c *Conn) SessionID() string { return c.identity.SessionID }

// UserID returns the authenticated user id, empty for session-only clients.
func (c *Conn) UserID() string { return c.identity.UserID }

// Send enqueues v for delivery. It never blocks: a full queue means the
// client is not draining its socket and is reported as a send failure so the
// caller's cleanup path removes the connection.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- v:
		return nil
	default:
		return errSendQueueFull
	}
}

// sendLoop is the connection's single writer. Frames are written in enqueue
// order; a write failure tears the socket down, and the read loop picks up
// the cleanup from there.
func (c *Conn) sendLoop() {
	defer close(c.pumpDone)

	for {
		select {
		case v := <-c.sendCh:
			if err := c.write(v); err != nil {
				if c.markClosed() {
					c.sock.Close()
				}
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still buffered at close time, so frames enqueued
// right before a deliberate close (error frames, shutdown notices) reach the
// client ahead of the close frame.
func (c *Conn) flush() {
	for {
		select {
		case v := <-c.sendCh:
			if c.write(v) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(v any) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.sock.WriteJSON(v)
}

// markClosed flips the connection to closed and signals the write loop.
// Returns false when it already was.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

// Close waits for the write loop to flush, sends a close frame with the given
// code and reason, then tears down the socket. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	if !c.markClosed() {
		return
	}

	select {
	case <-c.pumpDone:
	case <-time.After(writeTimeout):
	}

	msg := websocket.FormatCloseMessage(code, reason)
	// Best effort: the peer may already be gone.
	c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.sock.Close()
}

// Touch records activity and clears any outstanding ping. Called from the
// read loop on every inbound frame and from the pong handler.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	c.awaitingPong = false
}

// Ping writes a control ping and marks the connection as awaiting a pong.
// A connection still awaiting when the next heartbeat fires is dead.
// Control writes are safe alongside the write loop.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	c.awaitingPong = true
	return nil
}

// AwaitingPong reports whether the last ping is still unanswered.
func (c *Conn) AwaitingPong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingPong
}

// IdleFor returns the time since the last inbound activity.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// ShouldWarnLegacy reports whether a deprecated-shape warning should be
// logged now, at most once per connection per hour.
func (c *Conn) ShouldWarnLegacy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastLegacyWarn) < legacyWarnInterval {
		return false
	}
	c.lastLegacyWarn = now
	return true
}
