package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaymux/relay/pkg/client"
	"github.com/relaymux/relay/pkg/rlconfig"
	"github.com/rs/zerolog"
)

// serveEcho accepts every connection on ln and echoes back whatever it
// reads, one connection at a time, until ln is closed. If notifyClose is
// non-nil it receives one signal per connection once that connection's Read
// loop observes EOF or an error.
func serveEcho(ln net.Listener, notifyClose chan<- struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 1024)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					c.Write(buf[:n])
				}
				if err != nil {
					if notifyClose != nil {
						select {
						case notifyClose <- struct{}{}:
						default:
						}
					}
					return
				}
			}
		}(conn)
	}
}

func dialWithRetry(addr string, attempts int, backoff time.Duration) (net.Conn, error) {
	var conn net.Conn
	var err error
	for i := 0; i < attempts; i++ {
		conn, err = net.DialTimeout("tcp", addr, backoff)
		if err == nil {
			return conn, nil
		}
		time.Sleep(backoff)
	}
	return nil, err
}

// TestHappyPathEndToEnd reproduces spec.md §8 scenario 1: a local echo
// server behind the client, reached through the relay server's public
// port, over one real control connection.
func TestHappyPathEndToEnd(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echoLn.Close()
	go serveEcho(echoLn, nil)
	_, echoPort, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	serverCfg := DefaultConfig()
	serverCfg.Auth = rlconfig.Bytes("secret")
	serverCfg.Listen = Address{Host: "127.0.0.1", Port: 0}

	ctlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctlAddr := ctlLn.Addr().String()
	_, ctlPort, _ := net.SplitHostPort(ctlAddr)
	ctlLn.Close()
	serverCfg.Listen.Port = mustAtoi16(t, ctlPort)

	master, err := NewMaster(serverCfg, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go master.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	clientCfg := client.DefaultConfig()
	clientCfg.Auth = rlconfig.Bytes("secret")
	clientCfg.RedirectTo = ctlAddr
	clientCfg.Targets = []client.Target{{
		Address:    "127.0.0.1",
		SourcePort: mustAtoi16(t, echoPort),
		TargetPort: 8000,
	}}

	proxy := client.NewProxy(clientCfg, zerolog.Nop(), client.NewMetrics())
	go proxy.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	publicAddr := net.JoinHostPort("127.0.0.1", "8000")
	var conn net.Conn
	for i := 0; i < 20; i++ {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort(serverCfg.Listen.Host, "8000"), 200*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial public port: %v (addr %s)", err, publicAddr)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := readFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("got %q", buf)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func mustAtoi16(t *testing.T, s string) uint16 {
	t.Helper()
	var v int
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port: %q", s)
		}
		v = v*10 + int(c-'0')
	}
	return uint16(v)
}

// TestAuthRejectEndToEnd reproduces spec.md §8 scenario 2: a client with
// the wrong secret gets ErrAuthRejected.
func TestAuthRejectEndToEnd(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.Auth = rlconfig.Bytes("secret")
	serverCfg.Listen = Address{Host: "127.0.0.1", Port: 0}

	ctlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctlAddr := ctlLn.Addr().String()
	_, ctlPort, _ := net.SplitHostPort(ctlAddr)
	ctlLn.Close()
	serverCfg.Listen.Port = mustAtoi16(t, ctlPort)

	master, err := NewMaster(serverCfg, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go master.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	clientCfg := client.DefaultConfig()
	clientCfg.Auth = rlconfig.Bytes("wrong")
	clientCfg.RedirectTo = ctlAddr
	clientCfg.Targets = []client.Target{{Address: "127.0.0.1", SourcePort: 1, TargetPort: 8001}}

	proxy := client.NewProxy(clientCfg, zerolog.Nop(), client.NewMetrics())

	done := make(chan error, 1)
	go func() { done <- proxy.Run(ctx) }()

	select {
	case err := <-done:
		if err != client.ErrAuthRejected {
			t.Fatalf("expected ErrAuthRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly on auth rejection")
	}
}

// TestBridgeClosePropagationEndToEnd reproduces spec.md §8 scenario 3: when
// the external peer closes its half, the client's local bridge observes EOF
// within 500ms, and no other bridge is affected.
func TestBridgeClosePropagationEndToEnd(t *testing.T) {
	echoClosed := make(chan struct{}, 1)
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echoLn.Close()
	go serveEcho(echoLn, echoClosed)
	_, echoPort, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	serverCfg := DefaultConfig()
	serverCfg.Auth = rlconfig.Bytes("secret")
	serverCfg.Listen = Address{Host: "127.0.0.1", Port: 0}

	ctlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctlAddr := ctlLn.Addr().String()
	_, ctlPort, _ := net.SplitHostPort(ctlAddr)
	ctlLn.Close()
	serverCfg.Listen.Port = mustAtoi16(t, ctlPort)

	master, err := NewMaster(serverCfg, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go master.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	clientCfg := client.DefaultConfig()
	clientCfg.Auth = rlconfig.Bytes("secret")
	clientCfg.RedirectTo = ctlAddr
	clientCfg.Targets = []client.Target{{
		Address:    "127.0.0.1",
		SourcePort: mustAtoi16(t, echoPort),
		TargetPort: 8003,
	}}

	proxy := client.NewProxy(clientCfg, zerolog.Nop(), client.NewMetrics())
	go proxy.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	publicAddr := net.JoinHostPort("127.0.0.1", "8003")
	connA, err := dialWithRetry(publicAddr, 20, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}

	connA.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := connA.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := readFull(connA, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hi" {
		t.Fatalf("got %q", buf)
	}

	connA.Close()

	select {
	case <-echoClosed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("local bridge did not observe CLOSE propagation within 500ms")
	}

	// No other bridge is affected: a fresh external dial still works.
	connB, err := dialWithRetry(publicAddr, 20, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial public port after close: %v", err)
	}
	defer connB.Close()
	connB.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := connB.Write([]byte("again")); err != nil {
		t.Fatal(err)
	}
	buf2 := make([]byte, 5)
	if _, err := readFull(connB, buf2); err != nil {
		t.Fatal(err)
	}
	if string(buf2) != "again" {
		t.Fatalf("got %q", buf2)
	}
}

// TestControlReconnectEndToEnd reproduces spec.md §8 scenario 4: the server
// goes away mid-session and comes back; the client reconnects, re-
// authenticates, and a fresh external dial succeeds again.
func TestControlReconnectEndToEnd(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echoLn.Close()
	go serveEcho(echoLn, nil)
	_, echoPort, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ctlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctlAddr := ctlLn.Addr().String()
	_, ctlPort, _ := net.SplitHostPort(ctlAddr)
	ctlLn.Close()

	serverCfg := DefaultConfig()
	serverCfg.Auth = rlconfig.Bytes("secret")
	serverCfg.Listen = Address{Host: "127.0.0.1", Port: mustAtoi16(t, ctlPort)}

	clientCfg := client.DefaultConfig()
	clientCfg.Auth = rlconfig.Bytes("secret")
	clientCfg.RedirectTo = ctlAddr
	clientCfg.ReconnectDelaySeconds = 1
	clientCfg.Targets = []client.Target{{
		Address:    "127.0.0.1",
		SourcePort: mustAtoi16(t, echoPort),
		TargetPort: 8004,
	}}

	proxyCtx, proxyCancel := context.WithCancel(context.Background())
	defer proxyCancel()
	proxy := client.NewProxy(clientCfg, zerolog.Nop(), client.NewMetrics())
	go proxy.Run(proxyCtx)

	master1, err := NewMaster(serverCfg, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	go master1.Run(ctx1)

	publicAddr := net.JoinHostPort("127.0.0.1", "8004")
	conn, err := dialWithRetry(publicAddr, 30, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("initial dial: %v", err)
	}
	conn.Close()

	// Kill the server: this drops both the listener and the active
	// control connection (see serveController's ctx-watching goroutine).
	cancel1()
	time.Sleep(300 * time.Millisecond)

	// Restart it on the same control port; the client's reconnect loop
	// should find it and re-authenticate on its own.
	master2, err := NewMaster(serverCfg, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go master2.Run(ctx2)

	conn2, err := dialWithRetry(publicAddr, 90, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("reconnect dial within budget: %v", err)
	}
	defer conn2.Close()

	conn2.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn2.Write([]byte("again")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := readFull(conn2, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "again" {
		t.Fatalf("got %q", buf)
	}
}
