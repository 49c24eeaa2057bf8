package server_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hev-fsh/fsh/internal/fsh/client"
	"github.com/hev-fsh/fsh/internal/fsh/eventlog"
	"github.com/hev-fsh/fsh/internal/fsh/protocol"
	"github.com/hev-fsh/fsh/internal/fsh/server"
)

// syncBuf is an io.Writer safe for concurrent use, since eventlog and the
// session goroutines it's exercising run concurrently with test assertions.
type syncBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startServer spins up a real TCP listener backed by a fresh server.Server
// and its watchdog, returning the listener address and a cleanup func.
func startServer(t *testing.T) (addr string, events *syncBuf, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	events = &syncBuf{}
	eventlog.SetOutput(events)

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New()
	go srv.Registry().RunWatchdog(ctx)
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), events, func() {
		cancel()
		ln.Close()
		eventlog.SetOutput(io.Discard)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// S1: server-assigned token happy path.
func TestServerAssignedTokenHappyPath(t *testing.T) {
	addr, events, cleanup := startServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdLogin}); err != nil {
		t.Fatalf("send login: %v", err)
	}

	m, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read token reply: %v", err)
	}
	if m.Cmd != protocol.CmdToken {
		t.Fatalf("got %v, want TOKEN", m.Cmd)
	}
	tok, err := protocol.ReadToken(conn)
	if err != nil {
		t.Fatalf("read token payload: %v", err)
	}
	if tok.Zero() {
		t.Fatal("expected a nonzero assigned token")
	}

	waitFor(t, time.Second, func() bool {
		return strings.Contains(events.String(), " "+eventlog.KindLogin+" "+tok.String())
	})
}

// S2: client-chosen token.
func TestClientChosenToken(t *testing.T) {
	addr, _, cleanup := startServer(t)
	defer cleanup()

	chosen, err := protocol.TokenFromString("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("TokenFromString: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteMessageToken(conn, protocol.Message{Version: protocol.Version2, Cmd: protocol.CmdLogin}, chosen); err != nil {
		t.Fatalf("send login: %v", err)
	}

	if _, err := protocol.ReadMessage(conn); err != nil {
		t.Fatalf("read token reply: %v", err)
	}
	got, err := protocol.ReadToken(conn)
	if err != nil {
		t.Fatalf("read token payload: %v", err)
	}
	if got != chosen {
		t.Fatalf("got token %v, want %v", got, chosen)
	}
}

// S3: duplicate-login eviction.
func TestDuplicateLoginEvictsPriorSession(t *testing.T) {
	addr, _, cleanup := startServer(t)
	defer cleanup()

	chosen, err := protocol.TokenFromString("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("TokenFromString: %v", err)
	}

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	if err := protocol.WriteMessageToken(first, protocol.Message{Version: protocol.Version2, Cmd: protocol.CmdLogin}, chosen); err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := protocol.ReadMessage(first); err != nil {
		t.Fatalf("first token reply: %v", err)
	}
	if _, err := protocol.ReadToken(first); err != nil {
		t.Fatalf("first token payload: %v", err)
	}

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	if err := protocol.WriteMessageToken(second, protocol.Message{Version: protocol.Version2, Cmd: protocol.CmdLogin}, chosen); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if _, err := protocol.ReadMessage(second); err != nil {
		t.Fatalf("second token reply: %v", err)
	}
	if _, err := protocol.ReadToken(second); err != nil {
		t.Fatalf("second token payload: %v", err)
	}

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := first.Read(buf); err == nil {
		t.Fatal("expected the first (evicted) connection to observe EOF/close")
	}

	// the second connection should still be alive and serving CONNECTs
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial connect side: %v", err)
	}
	defer conn.Close()
	if err := protocol.WriteMessageToken(conn, protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdConnect}, chosen); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m, err := protocol.ReadMessage(second)
	if err != nil {
		t.Fatalf("second: expected CONNECT notification: %v", err)
	}
	if m.Cmd != protocol.CmdConnect {
		t.Fatalf("second: got %v, want CONNECT", m.Cmd)
	}
}

// S4: unknown-token connect.
func TestUnknownTokenConnect(t *testing.T) {
	addr, events, cleanup := startServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	unknown := protocol.GenerateToken()
	if err := protocol.WriteMessageToken(conn, protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdConnect}, unknown); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connect socket to be closed after the lookup-miss delay")
	}

	waitFor(t, time.Second, func() bool {
		return strings.Contains(events.String(), " "+eventlog.KindConnect+" "+unknown.String())
	})
}

// S5: full port-forward, driven through the real client package so the
// whole four-socket, two-splice-pipe path is exercised end to end.
func TestFullPortForwardRelay(t *testing.T) {
	addr, events, cleanup := startServer(t)
	defer cleanup()

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetLn.Close()

	go func() {
		c, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		if string(buf) == "PING" {
			c.Write([]byte("PONG"))
		}
	}()

	tokenCh := make(chan protocol.Token, 1)
	forwardDone := make(chan error, 1)
	go func() {
		forwardDone <- client.Forward(client.ForwardConfig{
			ServerAddr:      addr,
			Target:          targetLn.Addr().String(),
			HeartbeatBudget: 5 * time.Second,
			TokenAssigned:   func(tok protocol.Token) { tokenCh <- tok },
		})
	}()

	var tok protocol.Token
	select {
	case tok = <-tokenCh:
	case <-time.After(2 * time.Second):
		t.Fatal("forward-client never reported its assigned token")
	}

	ctx, cancelListen := context.WithCancel(context.Background())
	defer cancelListen()

	readyCh := make(chan net.Addr, 1)
	go client.Listen(ctx, client.ListenConfig{
		ServerAddr: addr,
		Token:      tok,
		ListenAddr: "127.0.0.1:0",
		Ready:      func(a net.Addr) { readyCh <- a },
	})

	var listenAddr net.Addr
	select {
	case listenAddr = <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("port-listen never became ready")
	}

	dialer, err := net.Dial("tcp", listenAddr.String())
	if err != nil {
		t.Fatalf("dial port-listen: %v", err)
	}

	if _, err := dialer.Write([]byte("PING")); err != nil {
		t.Fatalf("write PING: %v", err)
	}
	buf := make([]byte, 4)
	dialer.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(dialer, buf); err != nil {
		t.Fatalf("expected PONG relayed end to end: %v", err)
	}
	if string(buf) != "PONG" {
		t.Fatalf("got %q, want PONG", buf)
	}

	dialer.Close()

	waitFor(t, 3*time.Second, func() bool {
		return strings.Count(events.String(), " "+eventlog.KindDisconnect+" ") >= 2
	})
}

// S6: heartbeat timeout — a server that accepts the TCP connection but
// never answers LOGIN.
func TestHeartbeatTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// accept and go silent forever; never reply to LOGIN.
		_ = c
	}()

	done := make(chan error, 1)
	go func() {
		done <- client.Forward(client.ForwardConfig{
			ServerAddr:      ln.Addr().String(),
			HeartbeatBudget: 300 * time.Millisecond,
		})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Forward to report an error on silent server")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forward-client did not give up on an unresponsive server")
	}
}
