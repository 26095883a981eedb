package faciet

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startRuntime drives rt.Start on its own goroutine and blocks until the
// listener reports ready through its OnStart hook.
func startRuntime(t *testing.T, rt *Runtime, ready <-chan struct{}) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rt.Start() }()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("runtime exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never came up")
	}
	return done
}

func readyChan() (chan struct{}, func(rt *Runtime)) {
	ch := make(chan struct{})
	return ch, func(rt *Runtime) { close(ch) }
}

type testEcho struct {
	closes    atomic.Int64
	shutdowns atomic.Int64
}

func (e *testEcho) Service() string { return "test-echo" }

func (e *testEcho) OnData(rt *Runtime, u UUID) {
	buf := make([]byte, 1024)
	for {
		n, err := rt.Read(u, buf)
		if err != nil || n == 0 {
			return
		}
		_ = rt.WriteCopy(u, buf[:n])
	}
}

func (e *testEcho) OnShutdown(rt *Runtime, u UUID) {
	e.shutdowns.Add(1)
	_ = rt.WriteCopy(u, []byte("bye"))
}

func (e *testEcho) OnClose(rt *Runtime, u UUID) { e.closes.Add(1) }

func TestEchoOverTCP(t *testing.T) {
	port := freePort(t)
	rt := New(Options{Threads: 2, Logger: testLogger(t)})
	proto := &testEcho{}
	ready, onStart := readyChan()
	require.NoError(t, rt.Listen(ListenOptions{
		URL:     fmt.Sprintf("tcp://127.0.0.1:%d", port),
		OnOpen:  func(rt *Runtime, u UUID) Protocol { return proto },
		OnStart: onStart,
	}))
	done := startRuntime(t, rt, ready)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	_, err = c.Write([]byte("hello\n"))
	require.NoError(t, err)

	got := make([]byte, 6)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return proto.closes.Load() == 1 },
		5*time.Second, 10*time.Millisecond, "OnClose must fire on client disconnect")

	rt.Stop()
	require.NoError(t, <-done)
}

func TestBackPressureLargePayload(t *testing.T) {
	const payloadSize = 4 << 20

	payload := bytes.Repeat([]byte("0123456789abcdef"), payloadSize/16)
	var deallocs atomic.Int64
	proto := &testEcho{}

	port := freePort(t)
	rt := New(Options{Threads: 2, Logger: testLogger(t)})
	ready, onStart := readyChan()
	require.NoError(t, rt.Listen(ListenOptions{
		URL:     fmt.Sprintf("tcp://127.0.0.1:%d", port),
		OnStart: onStart,
		OnOpen: func(rt *Runtime, u UUID) Protocol {
			_ = rt.Write(u, payload, func() { deallocs.Add(1) })
			_ = rt.Close(u)
			return proto
		},
	}))
	done := startRuntime(t, rt, ready)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(30*time.Second)))

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Len(t, got, payloadSize, "every byte arrives, in order, then EOF")
	assert.True(t, bytes.Equal(payload, got))
	_ = c.Close()

	require.Eventually(t, func() bool { return deallocs.Load() == 1 },
		5*time.Second, 10*time.Millisecond, "the packet dealloc runs exactly once")
	require.Eventually(t, func() bool { return proto.closes.Load() == 1 },
		5*time.Second, 10*time.Millisecond)

	rt.Stop()
	require.NoError(t, <-done)
}

// pingCounter closes the connection after the third idle ping.
type pingCounter struct {
	pings  atomic.Int64
	closes atomic.Int64
}

func (p *pingCounter) OnData(rt *Runtime, u UUID) {
	buf := make([]byte, 256)
	for {
		n, err := rt.Read(u, buf)
		if err != nil || n == 0 {
			return
		}
	}
}

func (p *pingCounter) Ping(rt *Runtime, u UUID) {
	if p.pings.Add(1) >= 3 {
		_ = rt.CloseNow(u)
	}
}

func (p *pingCounter) OnClose(rt *Runtime, u UUID) { p.closes.Add(1) }

func TestIdleTimeoutPings(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second idle timers")
	}
	proto := &pingCounter{}
	port := freePort(t)
	rt := New(Options{Threads: 2, Logger: testLogger(t)})
	ready, onStart := readyChan()
	require.NoError(t, rt.Listen(ListenOptions{
		URL:     fmt.Sprintf("tcp://127.0.0.1:%d", port),
		Timeout: time.Second,
		OnOpen:  func(rt *Runtime, u UUID) Protocol { return proto },
		OnStart: onStart,
	}))
	done := startRuntime(t, rt, ready)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(15*time.Second)))

	// Send nothing: the server pings three times, then closes; the client
	// observes EOF.
	_, err = io.ReadAll(c)
	require.NoError(t, err)

	assert.Equal(t, int64(3), proto.pings.Load())
	require.Eventually(t, func() bool { return proto.closes.Load() == 1 },
		5*time.Second, 10*time.Millisecond, "OnClose fires exactly once")

	rt.Stop()
	require.NoError(t, <-done)
}

func TestGracefulShutdownNotifiesEveryConnection(t *testing.T) {
	const clients = 10

	proto := &testEcho{}
	port := freePort(t)
	rt := New(Options{Threads: 2, Logger: testLogger(t), DrainWindow: 5 * time.Second})
	ready, onStart := readyChan()
	require.NoError(t, rt.Listen(ListenOptions{
		URL:     fmt.Sprintf("tcp://127.0.0.1:%d", port),
		OnOpen:  func(rt *Runtime, u UUID) Protocol { return proto },
		OnStart: onStart,
	}))
	done := startRuntime(t, rt, ready)

	conns := make([]net.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool { return rt.liveConns() == clients },
		5*time.Second, 10*time.Millisecond, "reactor accepts every client")

	rt.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, int64(clients), proto.shutdowns.Load(), "each connection gets one OnShutdown")
	assert.Equal(t, int64(clients), proto.closes.Load(), "each connection gets one OnClose")

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		data, err := io.ReadAll(c)
		require.NoError(t, err, "peers see a clean EOF")
		assert.Equal(t, "bye", string(data))
		_ = c.Close()
	}
}

func TestOperationsOnClosedHandleFail(t *testing.T) {
	rt := New(Options{Logger: testLogger(t)})
	var bogus UUID = 1<<30 | 7

	assert.ErrorIs(t, rt.WriteCopy(bogus, []byte("x")), ErrClosedConnection)
	assert.ErrorIs(t, rt.Close(bogus), ErrClosedConnection)
	assert.ErrorIs(t, rt.CloseNow(bogus), ErrClosedConnection)
	assert.ErrorIs(t, rt.Touch(bogus), ErrClosedConnection)
	_, err := rt.Pending(bogus)
	assert.ErrorIs(t, err, ErrClosedConnection)
	_, err = rt.Read(bogus, make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosedConnection)
	_, err = rt.Peer(bogus)
	assert.ErrorIs(t, err, ErrClosedConnection)

	deallocs := 0
	assert.ErrorIs(t, rt.Write(bogus, []byte("x"), func() { deallocs++ }), ErrClosedConnection)
	assert.Equal(t, 1, deallocs, "a refused packet still releases its dealloc")
}
