// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
	addr   net.Addr
}

func newStubListener() *stubListener {
	return &stubListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   stubAddr("in-memory"),
	}
}

func (l *stubListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case conn := <-l.conns:
		return conn, nil
	}
}

func (l *stubListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *stubListener) Addr() net.Addr { return l.addr }

func (l *stubListener) push(conn net.Conn) error {
	select {
	case <-l.closed:
		return net.ErrClosed
	case l.conns <- conn:
		return nil
	}
}

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }

type trackingConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	c.closed.Store(true)
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// echoHandler copies bytes back until the connection closes or ctx is done.
type echoHandler struct {
	handled atomic.Int32
}

func (h *echoHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	h.handled.Add(1)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	_, _ = io.Copy(conn, conn)
}

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func TestServerStartStop(t *testing.T) {
	server := New(Config{ShutdownTimeout: time.Second}, &echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	listener := newStubListener()

	acceptDone := server.runAcceptLoop(ctx, connCtx, listener)
	cancel()

	if err := server.gracefulShutdown(listener, acceptDone, connCancel); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestShutdownDrainsConnections(t *testing.T) {
	h := &echoHandler{}
	server := New(Config{ShutdownTimeout: 5 * time.Second}, h)

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	listener := newStubListener()

	acceptDone := server.runAcceptLoop(ctx, connCtx, listener)

	serverConn, clientConn := net.Pipe()
	if err := listener.push(serverConn); err != nil {
		t.Fatalf("failed to push connection: %v", err)
	}
	clientConn.Close()

	cancel()
	if err := server.gracefulShutdown(listener, acceptDone, connCancel); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if h.handled.Load() != 1 {
		t.Fatalf("expected one handled connection, got %d", h.handled.Load())
	}
}

func TestShutdownTimeoutForcesClose(t *testing.T) {
	server := New(Config{ShutdownTimeout: 50 * time.Millisecond}, &echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	listener := newStubListener()

	acceptDone := server.runAcceptLoop(ctx, connCtx, listener)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	if err := listener.push(serverConn); err != nil {
		t.Fatalf("failed to push connection: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := server.gracefulShutdown(listener, acceptDone, connCancel); err != ErrShutdownTimeout {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
}

func TestConnectionLimit(t *testing.T) {
	server := New(Config{MaxConnections: 1, ShutdownTimeout: time.Second}, &echoHandler{})
	ctx := context.Background()

	s1, c1 := net.Pipe()
	conn1 := &trackingConn{Conn: s1}
	if !server.tryAcquireConnectionSlot(ctx, conn1) {
		t.Fatal("expected first connection to be accepted")
	}

	s2, c2 := net.Pipe()
	conn2 := &trackingConn{Conn: s2}
	if server.tryAcquireConnectionSlot(ctx, conn2) {
		t.Fatal("expected second connection to be rejected")
	}
	if !conn2.closed.Load() {
		t.Fatal("expected rejected connection to be closed")
	}

	c1.Close()
	c2.Close()
	server.releaseConnectionSlot()
}

func TestRateLimitedConnectionsAreClosed(t *testing.T) {
	h := &echoHandler{}
	server := New(Config{RateLimiter: denyAll{}, ShutdownTimeout: time.Second}, h)

	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	listener := newStubListener()
	acceptDone := server.runAcceptLoop(ctx, connCtx, listener)

	s, c := net.Pipe()
	conn := &trackingConn{Conn: s}
	defer c.Close()
	if err := listener.push(conn); err != nil {
		t.Fatalf("failed to push connection: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !conn.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !conn.closed.Load() {
		t.Fatal("expected rate limited connection to be closed")
	}

	cancel()
	_ = server.gracefulShutdown(listener, acceptDone, connCancel)
	if h.handled.Load() != 0 {
		t.Fatal("rate limited connection must not reach the handler")
	}
}

func TestBindReportsAddressInUse(t *testing.T) {
	first := New(Config{Address: "127.0.0.1:0"}, &echoHandler{})
	if err := first.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer first.listener.Close()

	second := New(Config{Address: first.Addr().String()}, &echoHandler{})
	if err := second.Bind(); err == nil {
		second.listener.Close()
		t.Fatal("expected bind on a used port to fail")
	}
	if second.Addr() != nil {
		t.Fatal("failed Bind must leave the server without a listener")
	}
}

func TestServeWithoutBind(t *testing.T) {
	server := New(Config{}, &echoHandler{})
	if err := server.Serve(context.Background()); err != ErrNotBound {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestListenTLSSelfSigned(t *testing.T) {
	tlsConfig, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}

	server := New(Config{Address: "127.0.0.1:0", TLSConfig: tlsConfig, ShutdownTimeout: time.Second}, &echoHandler{})
	if err := server.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("failed to connect with TLS: %v", err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echo, got %q", buf)
	}
	conn.Close()

	if _, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{MinVersion: tls.VersionTLS12}); err == nil {
		t.Fatal("verifying client must reject the self-signed certificate")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server shutdown timeout")
	}
}

func TestDefaultConfigApplied(t *testing.T) {
	server := New(Config{}, &echoHandler{})

	if server.config.ShutdownTimeout == 0 {
		t.Fatal("expected default ShutdownTimeout to be set")
	}
	if server.config.TCPKeepAlive == 0 {
		t.Fatal("expected default TCPKeepAlive to be set")
	}
	if server.config.Logger == nil {
		t.Fatal("expected default Logger to be set")
	}
}
