// Package client is the Go client library for the hub wire protocol: it
// dials, authenticates, correlates request/response pairs, and surfaces
// notifications, variable watch updates and kick events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/seawolf-auv/swhub/internal/protocol/comm"
)

// FilterKind selects the server-side notification matching rule. The values
// are the wire integers for NOTIFY.ADD_FILTER.
type FilterKind int

const (
	// FilterMatch accepts notifications equal to the filter body.
	FilterMatch FilterKind = 1

	// FilterAction accepts notifications starting with the filter body.
	FilterAction FilterKind = 2

	// FilterPrefix accepts notifications whose first space-delimited token
	// equals the filter body.
	FilterPrefix FilterKind = 3
)

// notificationBuffer bounds the receive queue; notifications past it are
// dropped rather than stalling the read loop.
const notificationBuffer = 256

var (
	// ErrAuthFailed reports a rejected password during Dial.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrClosed reports an operation on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrKicked reports that the hub terminated the session. Inspect
	// KickReason for the hub's verbatim reason string.
	ErrKicked = errors.New("kicked by hub")
)

// WatchFunc observes one variable update.
type WatchFunc func(name string, value float64)

// Client is one authenticated hub connection. All methods are safe for
// concurrent use.
type Client struct {
	conn net.Conn

	sendMu sync.Mutex

	// pendingMu guards the request-id ring: ids of in-flight requests and
	// their response channels. Id 0 is reserved for fire-and-forget.
	pendingMu sync.Mutex
	pending   map[uint16]chan *comm.Message
	nextID    uint16

	watchMu sync.RWMutex
	watches map[string]WatchFunc

	notifications chan string

	closeOnce  sync.Once
	closed     chan struct{}
	readerDone chan struct{}

	errMu      sync.Mutex
	err        error
	kickReason string
}

// Dial connects to the hub at address and authenticates with password. The
// returned client is CONNECTED and ready for requests.
func Dial(ctx context.Context, address, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c := &Client{
		conn:          conn,
		pending:       make(map[uint16]chan *comm.Message),
		watches:       make(map[string]WatchFunc),
		notifications: make(chan string, notificationBuffer),
		closed:        make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
	go c.readLoop()

	resp, err := c.request(ctx, comm.NamespaceComm, comm.VerbAuth, password)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if resp.Verb() != comm.VerbSuccess {
		c.Close()
		return nil, ErrAuthFailed
	}
	return c, nil
}

// Close tears the connection down and waits for the read loop to exit.
// Idempotent.
func (c *Client) Close() error {
	c.shutdown()
	<-c.readerDone
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// KickReason returns the hub's reason string when the session was kicked,
// or "" otherwise.
func (c *Client) KickReason() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.kickReason
}

// Notifications is the receive queue of notification bodies accepted by
// this session's filters. The queue is bounded; overflow is dropped.
func (c *Client) Notifications() <-chan string {
	return c.notifications
}

// Notify broadcasts a notification body. Fire and forget.
func (c *Client) Notify(body string) error {
	return c.send(comm.New(comm.NamespaceNotify, comm.VerbOut, body))
}

// AddFilter installs a server-side notification filter.
func (c *Client) AddFilter(kind FilterKind, body string) error {
	return c.send(comm.New(comm.NamespaceNotify, comm.VerbAddFilter,
		strconv.Itoa(int(kind)), body))
}

// ClearFilters removes every filter; the session stops receiving
// notifications.
func (c *Client) ClearFilters() error {
	return c.send(comm.New(comm.NamespaceNotify, comm.VerbClearFilters))
}

// GetVar fetches a variable's current value and its read-only flag.
func (c *Client) GetVar(ctx context.Context, name string) (value float64, readonly bool, err error) {
	resp, err := c.request(ctx, comm.NamespaceVar, comm.VerbGet, name)
	if err != nil {
		return 0, false, err
	}
	if resp.Verb() != comm.VerbValue || resp.Count() != 4 {
		return 0, false, fmt.Errorf("unexpected response %s", resp)
	}
	value, err = strconv.ParseFloat(resp.Components[3], 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse value %q: %w", resp.Components[3], err)
	}
	return value, resp.Components[2] == "RO", nil
}

// SetVar assigns a variable. No response; an invalid name or a read-only
// variable gets the session kicked by the hub.
func (c *Client) SetVar(name string, value float64) error {
	return c.send(comm.New(comm.NamespaceVar, comm.VerbSet,
		name, fmt.Sprintf("%f", value)))
}

// Watch subscribes to a variable's updates, delivered to fn from the read
// loop. One callback per variable; a second Watch replaces it.
func (c *Client) Watch(name string, fn WatchFunc) error {
	c.watchMu.Lock()
	c.watches[name] = fn
	c.watchMu.Unlock()
	return c.send(comm.New(comm.NamespaceWatch, comm.VerbAdd, name))
}

// Unwatch cancels a Watch.
func (c *Client) Unwatch(name string) error {
	c.watchMu.Lock()
	delete(c.watches, name)
	c.watchMu.Unlock()
	return c.send(comm.New(comm.NamespaceWatch, comm.VerbDel, name))
}

// Log records a line in the hub's central log under app at the given wire
// severity (0 DEBUG through 5 CRITICAL).
func (c *Client) Log(app string, severity int, msg string) error {
	return c.send(comm.New(comm.NamespaceLog, app, strconv.Itoa(severity), msg))
}

// Shutdown asks the hub to close the session gracefully and waits for the
// CLOSING acknowledgement.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.request(ctx, comm.NamespaceComm, comm.VerbShutdown)
	if err != nil {
		return err
	}
	if resp.Verb() != comm.VerbClosing {
		return fmt.Errorf("unexpected response %s", resp)
	}
	return c.Close()
}

func (c *Client) send(m *comm.Message) error {
	select {
	case <-c.closed:
		return c.sessionErr()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := comm.Write(c.conn, m); err != nil {
		return fmt.Errorf("send %s.%s: %w", m.Namespace(), m.Verb(), err)
	}
	return nil
}

// request sends a frame with a fresh request id and blocks for the
// correlated response.
func (c *Client) request(ctx context.Context, components ...string) (*comm.Message, error) {
	id, ch, err := c.allocate()
	if err != nil {
		return nil, err
	}
	defer c.release(id)

	if err := c.send(comm.NewRequest(id, components...)); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return nil, c.sessionErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allocate reserves the next free request id. Id 0 is never handed out;
// ids still in flight are skipped.
func (c *Client) allocate() (uint16, chan *comm.Message, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if len(c.pending) >= 0xFFFF {
		return 0, nil, errors.New("request id space exhausted")
	}
	for {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, inFlight := c.pending[c.nextID]; !inFlight {
			break
		}
	}

	ch := make(chan *comm.Message, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch, nil
}

func (c *Client) release(id uint16) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) sessionErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// readLoop owns the socket's read side: it correlates responses and routes
// asynchronous frames until the connection dies.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer close(c.notifications)

	for {
		m, err := comm.Read(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			c.shutdown()
			return
		}

		if c.routeAsync(m) {
			continue
		}

		if m.RequestID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[m.RequestID]
			c.pendingMu.Unlock()
			if ok {
				ch <- m
			}
		}
	}
}

// routeAsync handles frames the hub pushes without a request: kicks,
// notifications, and watch updates.
func (c *Client) routeAsync(m *comm.Message) bool {
	switch m.Namespace() {
	case comm.NamespaceComm:
		if m.Verb() == comm.VerbKicking {
			reason := ""
			if m.Count() > 2 {
				reason = m.Components[2]
			}
			c.errMu.Lock()
			c.kickReason = reason
			if c.err == nil {
				c.err = fmt.Errorf("%w: %s", ErrKicked, reason)
			}
			c.errMu.Unlock()
			return true
		}
		return false

	case comm.NamespaceNotify:
		if m.Verb() == comm.VerbIn && m.Count() == 3 {
			select {
			case c.notifications <- m.Components[2]:
			default:
			}
			return true
		}
		return false

	case comm.NamespaceWatch:
		if m.Count() != 3 {
			return false
		}
		name := m.Components[1]
		value, err := strconv.ParseFloat(m.Components[2], 64)
		if err != nil {
			return true
		}
		c.watchMu.RLock()
		fn := c.watches[name]
		c.watchMu.RUnlock()
		if fn != nil {
			fn(name, value)
		}
		return true
	}
	return false
}
