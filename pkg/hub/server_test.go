package hub

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/internal/protocol/comm"
	"github.com/seawolf-auv/swhub/pkg/client"
	"github.com/seawolf-auv/swhub/pkg/config"
	"github.com/seawolf-auv/swhub/pkg/vars"
)

const testPassword = "s3cret"

func testConfig(t *testing.T, definitions string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.BindPort = 0
	cfg.Password = testPassword
	cfg.VarDefs = filepath.Join(dir, "var.defs")
	cfg.VarDB = filepath.Join(dir, "var.db")
	require.NoError(t, os.WriteFile(cfg.VarDefs, []byte(definitions), 0o644))
	return cfg
}

// startHub runs a hub on an ephemeral port and tears it down with the test.
// Returns the hub and its dial address.
func startHub(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()

	store, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	require.NoError(t, err)

	s := New(cfg, store, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("hub did not shut down")
		}
	})

	return s, s.Addr()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func rawDial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func rawRead(t *testing.T, conn net.Conn) *comm.Message {
	t.Helper()
	m, err := comm.Read(conn)
	require.NoError(t, err)
	return m
}

func TestAuthenticationSuccess(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	conn := rawDial(t, addr)

	require.NoError(t, comm.Write(conn,
		comm.NewRequest(7, comm.NamespaceComm, comm.VerbAuth, testPassword)))

	resp := rawRead(t, conn)
	assert.Equal(t, uint16(7), resp.RequestID)
	assert.Equal(t, []string{comm.NamespaceComm, comm.VerbSuccess}, resp.Components)
}

func TestAuthenticationFailure(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	conn := rawDial(t, addr)

	require.NoError(t, comm.Write(conn,
		comm.NewRequest(3, comm.NamespaceComm, comm.VerbAuth, "wrong")))

	resp := rawRead(t, conn)
	assert.Equal(t, uint16(3), resp.RequestID)
	assert.Equal(t, []string{comm.NamespaceComm, comm.VerbFailure}, resp.Components)

	kicking := rawRead(t, conn)
	assert.Equal(t, []string{comm.NamespaceComm, comm.VerbKicking, "Authentication failure"},
		kicking.Components)

	_, err := comm.Read(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEmptyPasswordRefusesAuthentication(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Password = ""
	_, addr := startHub(t, cfg)
	conn := rawDial(t, addr)

	require.NoError(t, comm.Write(conn,
		comm.NewRequest(1, comm.NamespaceComm, comm.VerbAuth, "anything")))

	// No response at all; the short deadline turns silence into a timeout.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := comm.Read(conn)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestMalformedFrameKicksSession(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	conn := rawDial(t, addr)

	// Header declaring one component with an empty payload.
	_, err := conn.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	kicking := rawRead(t, conn)
	assert.Equal(t, []string{comm.NamespaceComm, comm.VerbKicking, "Illegal message"},
		kicking.Components)

	_, err = comm.Read(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnauthenticatedTrafficIsKicked(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	conn := rawDial(t, addr)

	require.NoError(t, comm.Write(conn,
		comm.New(comm.NamespaceNotify, comm.VerbOut, "sneaky")))

	kicking := rawRead(t, conn)
	assert.Equal(t, []string{comm.NamespaceComm, comm.VerbKicking, "Illegal message"},
		kicking.Components)
}

func TestVariableRoundTrip(t *testing.T) {
	_, addr := startHub(t, testConfig(t, "Depth = 1.5, 0, 0\n"))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	value, readonly, err := c.GetVar(ctx, "Depth")
	require.NoError(t, err)
	assert.Equal(t, 1.5, value)
	assert.False(t, readonly)

	require.NoError(t, c.SetVar("Depth", 2.75))

	// The hub handles frames from one session in order, so this GET
	// observes the SET.
	value, _, err = c.GetVar(ctx, "Depth")
	require.NoError(t, err)
	assert.Equal(t, 2.75, value)
}

func TestReadOnlyVariableKicksOnSet(t *testing.T) {
	_, addr := startHub(t, testConfig(t, "Limit = 9.0, 0, 1\n"))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	_, readonly, err := c.GetVar(ctx, "Limit")
	require.NoError(t, err)
	assert.True(t, readonly)

	require.NoError(t, c.SetVar("Limit", 1.0))

	// The kick lands asynchronously; the next request fails.
	_, _, err = c.GetVar(ctx, "Limit")
	require.Error(t, err)
	assert.Equal(t, "Invalid variable access (Limit)", c.KickReason())
}

func TestUnknownVariableKicksOnGet(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.GetVar(ctx, "Nope")
	require.Error(t, err)
	assert.Equal(t, "Invalid variable access (Nope)", c.KickReason())
}

func TestWatchFanOut(t *testing.T) {
	_, addr := startHub(t, testConfig(t, "Depth = 1.5, 0, 0\n"))
	ctx := testContext(t)

	setter, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer setter.Close()

	watcherUpdates := make(chan float64, 1)
	watcher, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, watcher.Watch("Depth", func(name string, value float64) {
		watcherUpdates <- value
	}))
	// Round-trip on the watcher's connection so the hub has read the
	// WATCH.ADD before the SET below.
	_, _, err = watcher.GetVar(ctx, "Depth")
	require.NoError(t, err)

	require.NoError(t, setter.SetVar("Depth", 3.0))

	select {
	case v := <-watcherUpdates:
		assert.Equal(t, 3.0, v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never received the update")
	}
}

func TestUnwatchStopsUpdates(t *testing.T) {
	_, addr := startHub(t, testConfig(t, "Depth = 1.5, 0, 0\n"))
	ctx := testContext(t)

	updates := make(chan float64, 8)
	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Watch("Depth", func(name string, value float64) {
		updates <- value
	}))
	_, _, err = c.GetVar(ctx, "Depth")
	require.NoError(t, err)

	require.NoError(t, c.SetVar("Depth", 2.0))
	select {
	case v := <-updates:
		assert.Equal(t, 2.0, v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never received the update")
	}

	require.NoError(t, c.Unwatch("Depth"))
	require.NoError(t, c.SetVar("Depth", 4.0))

	// Barrier: a GET response proves the hub processed the second SET.
	_, _, err = c.GetVar(ctx, "Depth")
	require.NoError(t, err)

	select {
	case v := <-updates:
		t.Fatalf("received update %v after unsubscribing", v)
	default:
	}
}

func TestWatchUnknownVariableKicks(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Watch("Ghost", func(string, float64) {}))

	_, _, err = c.GetVar(ctx, "Ghost")
	require.Error(t, err)
	assert.Equal(t, "Subscribing to invalid variable (Ghost)", c.KickReason())
}

func TestNotificationFiltering(t *testing.T) {
	_, addr := startHub(t, testConfig(t, ""))
	ctx := testContext(t)

	sender, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, receiver.AddFilter(client.FilterPrefix, "ALARM"))

	// Self-delivery doubles as the install barrier: the receiver's own
	// broadcast can only be observed after the hub read the ADD_FILTER.
	require.NoError(t, receiver.Notify("ALARM ready"))
	select {
	case got := <-receiver.Notifications():
		assert.Equal(t, "ALARM ready", got)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never saw its own broadcast")
	}

	require.NoError(t, sender.Notify("ALARM hot"))
	require.NoError(t, sender.Notify("ALARMIST"))
	require.NoError(t, sender.Notify("ALARM"))

	// Per-sender FIFO delivery: seeing "ALARM hot" then "ALARM" proves
	// "ALARMIST" was filtered out, not still in flight.
	want := []string{"ALARM hot", "ALARM"}
	for _, expected := range want {
		select {
		case got := <-receiver.Notifications():
			assert.Equal(t, expected, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("receiver never got %q", expected)
		}
	}
}

func TestNoFiltersMeansNoNotifications(t *testing.T) {
	_, addr := startHub(t, testConfig(t, "Depth = 1.5, 0, 0\n"))
	ctx := testContext(t)

	sender, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, sender.Notify("ALARM hot"))

	// Barrier on the sender: the broadcast has fanned out by the time the
	// GET response arrives.
	_, _, err = sender.GetVar(ctx, "Depth")
	require.NoError(t, err)

	select {
	case got := <-receiver.Notifications():
		t.Fatalf("receiver without filters got %q", got)
	default:
	}
}

func TestGracefulClientShutdown(t *testing.T) {
	s, addr := startHub(t, testConfig(t, ""))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(ctx))

	// The reaper drains the session from the registry.
	require.Eventually(t, func() bool { return s.ClientCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestMaxClientsRejectsOverflow(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.MaxClients = 1
	_, addr := startHub(t, cfg)
	ctx := testContext(t)

	first, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer first.Close()

	// Second connection is closed before any session exists.
	conn := rawDial(t, addr)
	_, err = comm.Read(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHubShutdownKicksClients(t *testing.T) {
	cfg := testConfig(t, "")
	store, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	require.NoError(t, err)

	s := New(cfg, store, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	ctx := testContext(t)
	c, err := client.Dial(ctx, s.Addr(), testPassword)
	require.NoError(t, err)
	defer c.Close()

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not shut down")
	}

	require.Eventually(t, func() bool { return c.KickReason() == "Hub closing" },
		5*time.Second, 10*time.Millisecond)
}

// syncBuffer makes a bytes.Buffer safe to read while the hub still logs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientLogLinesReachCentralLog(t *testing.T) {
	var buf syncBuffer
	logger.InitWithWriter(&buf, "DEBUG")
	t.Cleanup(func() { logger.InitWithWriter(os.Stdout, "NORMAL") })

	_, addr := startHub(t, testConfig(t, ""))
	ctx := testContext(t)

	c, err := client.Dial(ctx, addr, testPassword)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Log("sonar", 4, "transducer offline"))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "[sonar][ERROR] transducer offline")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReaperDrainsSessionsEnqueuedBehindSentinel(t *testing.T) {
	cfg := testConfig(t, "")
	store, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	require.NoError(t, err)
	s := New(cfg, store, nil)

	// Two registered sessions whose serve goroutines have already exited,
	// standing in for closes that raced the shutdown kicks.
	var stragglers []*Client
	for i := 0; i < 2; i++ {
		server, client := net.Pipe()
		t.Cleanup(func() { server.Close(); client.Close() })
		c := newClient(s, client)
		close(c.served)
		c.state.Store(int32(StateClosed))
		s.clientsMu.Lock()
		s.clients = append(s.clients, c)
		s.clientsMu.Unlock()
		stragglers = append(stragglers, c)
	}

	go s.reap()

	// Sentinel first; the stragglers' enqueues land behind it.
	s.closed <- nil
	for _, c := range stragglers {
		s.enqueueClosed(c)
	}

	select {
	case <-s.reaperDone:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper never drained the late sessions")
	}
	assert.Equal(t, 0, s.ClientCount())
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "Tuning = 0.0, 1, 0\n")
	ctx := testContext(t)

	store, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	require.NoError(t, err)
	s := New(cfg, store, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	c, err := client.Dial(ctx, s.Addr(), testPassword)
	require.NoError(t, err)
	require.NoError(t, c.SetVar("Tuning", 4.25))
	require.NoError(t, c.Shutdown(ctx))

	// Stop flushes the database before Serve returns.
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not shut down")
	}

	restartedStore, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	require.NoError(t, err)
	restarted := New(cfg, restartedStore, nil)
	done2 := make(chan error, 1)
	go func() { done2 <- restarted.Serve(context.Background()) }()
	t.Cleanup(func() {
		restarted.Stop()
		<-done2
	})

	c2, err := client.Dial(ctx, restarted.Addr(), testPassword)
	require.NoError(t, err)
	defer c2.Close()

	value, _, err := c2.GetVar(ctx, "Tuning")
	require.NoError(t, err)
	assert.Equal(t, 4.25, value)
}
