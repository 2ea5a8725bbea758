// Package hub implements the coordination hub core: the TCP accept loop,
// per-client sessions, the request dispatcher, the notification broadcast
// engine, and the lifecycle that guarantees every accepted client is kicked
// or drained before shutdown completes.
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/internal/protocol/comm"
	"github.com/seawolf-auv/swhub/pkg/config"
	"github.com/seawolf-auv/swhub/pkg/metrics"
	"github.com/seawolf-auv/swhub/pkg/vars"
)

// receiveTimeout is the per-frame read deadline on client sockets.
const receiveTimeout = 5 * time.Minute

// Kick reasons that appear verbatim in COMM.KICKING component[2].
const (
	reasonIllegalMessage = "Illegal message"
	reasonAuthFailure    = "Authentication failure"
	reasonHubClosing     = "Hub closing"
)

// Server is the hub. It owns the active-client registry, the reaper, and
// the persistence writer, and multiplexes the notification, variable,
// watch and log services over client sessions.
type Server struct {
	cfg     *config.Config
	store   *vars.Store
	writer  *vars.Writer
	metrics *metrics.Metrics

	listenerMu sync.RWMutex
	listener   net.Listener

	// ListenerReady is closed once the listener accepts connections.
	// Tests use it to synchronize with startup.
	ListenerReady chan struct{}

	// clientsMu is the global clients lock; it guards only registry
	// membership and is never held across a socket operation or a
	// variable lock.
	clientsMu sync.Mutex
	clients   []*Client

	// closed is the queue of sessions awaiting the reaper. Sized so that
	// every possible client plus the shutdown sentinel fits without
	// blocking an enqueue.
	closed chan *Client

	run          atomic.Bool
	shutdownOnce sync.Once
	reaperDone   chan struct{}
}

// New assembles a server from a resolved configuration and a loaded
// variable store. m may be nil to disable metrics.
func New(cfg *config.Config, store *vars.Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:           cfg,
		store:         store,
		metrics:       m,
		ListenerReady: make(chan struct{}),
		closed:        make(chan *Client, cfg.MaxClients+1),
		reaperDone:    make(chan struct{}),
	}
	s.writer = vars.NewWriter(store, cfg.VarDB)
	s.writer.OnFlushError = func(error) { m.DatabaseFlushFailed() }
	return s
}

// Serve binds the listening socket and accepts clients until ctx is
// cancelled or Stop is called. It returns after every accepted session has
// been kicked or drained and the persistence writer has flushed.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.BindPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ListenerReady)

	s.run.Store(true)
	s.writer.Start()
	go s.reap()

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	logger.Info("Accepting client connections", "address", addr, "max_clients", s.cfg.MaxClients)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.run.Load() {
				break
			}
			logger.Error("Error accepting new client connection", "error", err)
			continue
		}
		if !s.run.Load() {
			_ = conn.Close()
			break
		}
		s.accept(conn)
	}

	// Kick whatever is still connected, then let the reaper drain.
	s.shutdownClients()
	<-s.reaperDone

	s.writer.Stop()
	logger.Normal("Hub shut down")
	return nil
}

// accept registers a new UNAUTHENTICATED session, or closes the connection
// immediately when the hub is at its client cap.
func (s *Server) accept(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := newClient(s, conn)

	s.clientsMu.Lock()
	if len(s.clients) >= s.cfg.MaxClients {
		s.clientsMu.Unlock()
		logger.Error("Unable to accept new client connection, maximum clients exceeded",
			"max_clients", s.cfg.MaxClients)
		s.metrics.ClientRejected()
		_ = conn.Close()
		return
	}
	s.clients = append(s.clients, c)
	s.clientsMu.Unlock()

	s.metrics.ClientAccepted()
	logger.Debug("Accepted new client connection", "address", conn.RemoteAddr())

	go c.serve()
}

// enqueueClosed is the single entry into the reaper queue. Callers must
// have already transitioned the session to CLOSED exactly once.
func (s *Server) enqueueClosed(c *Client) {
	s.closed <- c
}

// reap tears down closed sessions until the shutdown sentinel arrives.
//
// Ordering per session: close the socket and unlink from the registry so
// no new read or broadcast can find it, wait for the serve goroutine, then
// detach subscriptions and filters, and finally drain in-flight references
// before the session is released.
func (s *Server) reap() {
	defer close(s.reaperDone)

	for c := range s.closed {
		if c == nil {
			// A read-error close racing the shutdown kicks can enqueue
			// its session behind the sentinel. Every session still in
			// the registry is owed exactly one enqueue, so keep
			// draining until the registry is empty.
			for s.ClientCount() > 0 {
				if c = <-s.closed; c != nil {
					s.reapOne(c)
				}
			}
			return
		}
		s.reapOne(c)
	}
}

func (s *Server) reapOne(c *Client) {
	_ = c.conn.Close()
	s.removeClient(c)
	<-c.served

	c.detachSubscriptions()
	c.ClearFilters()

	// Drain any broadcast that raced the close. The write acquire waits
	// out every fan-out holding the read side.
	c.refs.Lock()
	c.refs.Unlock()

	s.metrics.ClientClosed()
	logger.Debug("Client reaped", "address", c.conn.RemoteAddr())
}

func (s *Server) removeClient(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// snapshotClients copies the active registry under the clients lock.
func (s *Server) snapshotClients() []*Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	snapshot := make([]*Client, len(s.clients))
	copy(snapshot, s.clients)
	return snapshot
}

// ClientCount returns the number of sessions in the active registry.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Addr returns the bound listener address. Blocks until the listener is
// ready.
func (s *Server) Addr() string {
	<-s.ListenerReady
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop initiates graceful shutdown: stop accepting, kick every client,
// drain the reaper. Safe to call multiple times; Serve returns once the
// drain completes.
func (s *Server) Stop() {
	s.initiateShutdown()
}

// initiateShutdown clears the run flag and closes the listening socket so
// the accept loop wakes up. Must never be called while holding a hub lock.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Normal("Hub shutting down")
		s.run.Store(false)

		s.listenerMu.RLock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.listenerMu.RUnlock()
	})
}

// shutdownClients kicks every still-active session and enqueues the reaper
// sentinel behind the last of them.
func (s *Server) shutdownClients() {
	for _, c := range s.snapshotClients() {
		c.Kick(reasonHubClosing)
	}
	s.closed <- nil
}

// broadcast rewrites a NOTIFY.OUT body as NOTIFY.IN and delivers it to
// every CONNECTED session whose filter set accepts it. The frame is packed
// once; a failed send marks that session CLOSED and the fan-out continues.
//
// Dispatch runs on the sender's serve goroutine, so deliveries preserve
// per-sender FIFO order at every receiver.
func (s *Server) broadcast(body string) {
	packed, err := comm.Pack(comm.New(comm.NamespaceNotify, comm.VerbIn, body))
	if err != nil {
		logger.Error("Dropping oversized notification", "error", err)
		return
	}

	delivered := 0
	for _, c := range s.snapshotClients() {
		if c.State() != StateConnected || !c.checkFilters(body) {
			continue
		}

		c.refs.RLock()
		if c.sendPacked(packed) == nil {
			delivered++
		}
		c.refs.RUnlock()
	}
	s.metrics.NotificationDelivered(delivered)
}
