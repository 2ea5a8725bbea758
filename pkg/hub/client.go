package hub

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/internal/protocol/comm"
	"github.com/seawolf-auv/swhub/pkg/vars"
)

// State is a session's lifecycle phase. CLOSED is terminal.
type State int32

const (
	// StateUnauthenticated is the phase between accept and a successful
	// COMM.AUTH. Only COMM frames are honored.
	StateUnauthenticated State = iota

	// StateConnected sessions participate in notifications, variables,
	// watches and logging.
	StateConnected

	// StateClosed sessions are awaiting the reaper. No further sends are
	// attempted on them.
	StateClosed
)

// ErrClientClosed reports a send attempted on a CLOSED session.
var ErrClientClosed = errors.New("client session is closed")

// writeTimeout bounds every socket write. A peer with a full socket buffer
// fails the write instead of stalling broadcasts to everyone else.
const writeTimeout = 10 * time.Second

// Client is one connected session. The serve goroutine owns reads and
// dispatch; sends may come from any session's goroutine (broadcast and
// WATCH fan-out), serialized by sendMu.
type Client struct {
	server *Server
	conn   net.Conn

	state atomic.Int32

	// sendMu serializes socket writes. Held only around a single write.
	sendMu sync.Mutex

	// filtersMu guards the notification filter list. Filters are mutated
	// only by the owning session's handler; broadcast paths take the read
	// side.
	filtersMu sync.RWMutex
	filters   []Filter

	// subsMu guards the session's back-references into the variable
	// store. The store keeps the forward references under each
	// variable's own lock.
	subsMu        sync.Mutex
	subscriptions []*vars.Variable

	// refs is the in-use barrier: fan-out paths hold the read side while
	// touching the session, and the reaper takes the write side to wait
	// for them to drain before releasing the session.
	refs sync.RWMutex

	// served is closed when the serve goroutine exits; the reaper waits
	// on it before tearing the session down.
	served chan struct{}
}

func newClient(s *Server, conn net.Conn) *Client {
	return &Client{
		server: s,
		conn:   conn,
		served: make(chan struct{}),
	}
}

// State returns the session's current phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

// setConnected transitions UNAUTHENTICATED (or CONNECTED) to CONNECTED.
// Returns false if the session is already CLOSED.
func (c *Client) setConnected() bool {
	for {
		old := c.state.Load()
		if State(old) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(old, int32(StateConnected)) {
			return true
		}
	}
}

// markClosed transitions the session to CLOSED and hands it to the reaper.
// It is idempotent: racing callers enqueue the session exactly once.
func (c *Client) markClosed() {
	if State(c.state.Swap(int32(StateClosed))) != StateClosed {
		c.server.enqueueClosed(c)
	}
}

// Send packs and writes a frame on this session.
func (c *Client) Send(m *comm.Message) error {
	packed, err := comm.Pack(m)
	if err != nil {
		return err
	}
	return c.sendPacked(packed)
}

// sendPacked writes a pre-packed frame. On any write error the session is
// marked CLOSED and no further sends are attempted; broadcast callers treat
// the failure as "client gone" and move on.
func (c *Client) sendPacked(packed []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() == StateClosed {
		return ErrClientClosed
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.markClosed()
		return err
	}
	if _, err := c.conn.Write(packed); err != nil {
		logger.Debug("Client send failed, shutting down client",
			"address", c.conn.RemoteAddr(), "error", err)
		c.markClosed()
		return err
	}
	return nil
}

// SendWatch delivers a WATCH update frame. Implements vars.Subscriber.
func (c *Client) SendWatch(name, value string) error {
	if err := c.Send(comm.New(comm.NamespaceWatch, name, value)); err != nil {
		return err
	}
	c.server.metrics.WatchUpdate(1)
	return nil
}

// Kick synchronously sends COMM.KICKING with the reason and marks the
// session CLOSED.
func (c *Client) Kick(reason string) {
	logger.Info("Kicking client", "address", c.conn.RemoteAddr(), "reason", reason)
	c.server.metrics.ClientKicked(reason)
	_ = c.Send(comm.New(comm.NamespaceComm, comm.VerbKicking, reason))
	c.markClosed()
}

// close sends COMM.CLOSING (graceful goodbye, echoing the request id of the
// COMM.SHUTDOWN that triggered it) and marks the session CLOSED.
func (c *Client) close(requestID uint16) {
	logger.Info("Shutting down client", "address", c.conn.RemoteAddr())
	_ = c.Send(comm.NewRequest(requestID, comm.NamespaceComm, comm.VerbClosing))
	c.markClosed()
}

// AddFilter appends a notification filter.
func (c *Client) AddFilter(kind FilterKind, body string) {
	c.filtersMu.Lock()
	c.filters = append(c.filters, Filter{Kind: kind, Body: body})
	c.filtersMu.Unlock()
}

// ClearFilters drops all notification filters.
func (c *Client) ClearFilters() {
	c.filtersMu.Lock()
	c.filters = nil
	c.filtersMu.Unlock()
}

// checkFilters reports whether any filter accepts the notification body.
// Filters are evaluated in insertion order with OR semantics; an empty
// filter list accepts nothing.
func (c *Client) checkFilters(body string) bool {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	for _, f := range c.filters {
		if f.Matches(body) {
			return true
		}
	}
	return false
}

// addSubscription records the session's back-reference to a watched
// variable.
func (c *Client) addSubscription(v *vars.Variable) {
	c.subsMu.Lock()
	c.subscriptions = append(c.subscriptions, v)
	c.subsMu.Unlock()
}

// removeSubscription drops one back-reference to v. Tolerates an absent
// entry to keep WATCH.DEL and reaper cleanup idempotent.
func (c *Client) removeSubscription(v *vars.Variable) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, existing := range c.subscriptions {
		if existing == v {
			c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
			return
		}
	}
}

// detachSubscriptions removes the session from every variable it watches.
// Used by the reaper after the session left the active registry.
func (c *Client) detachSubscriptions() {
	c.subsMu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.subsMu.Unlock()

	for _, v := range subs {
		v.Detach(c)
	}
}

// serve reads frames and dispatches them until the session closes. Runs as
// the session's own goroutine.
func (c *Client) serve() {
	defer close(c.served)

	addr := c.conn.RemoteAddr()
	for c.State() != StateClosed {
		// A long receive timeout keeps a half-dead peer from pinning the
		// session forever; any live client speaks well within it.
		if err := c.conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
			c.markClosed()
			return
		}

		m, err := comm.Read(c.conn)
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			if errors.Is(err, comm.ErrMalformed) {
				c.Kick(reasonIllegalMessage)
				return
			}
			logger.Debug("Client read failed, shutting down client",
				"address", addr, "error", err)
			c.markClosed()
			return
		}

		c.server.dispatch(c, m)
	}
}
