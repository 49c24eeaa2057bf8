// Package client implements the three client-side roles described in
// spec.md §4.5-4.7: the long-lived forward-client control loop, its
// per-request accept-workers, and the connect-client (dialed directly by
// port-forward, and spawned per inbound connection by port-listen).
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/hev-fsh/fsh/pkg/minilog"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
)

// heartbeatBudget is both the forward-client's sleep budget between
// heartbeats and the deadline it waits for the server's initial TOKEN
// reply. Folding the handshake wait into the same 30s window as the
// heartbeat loop is what makes a server that accepts the TCP connection
// but never answers LOGIN indistinguishable from one that goes silent
// mid-heartbeat: both are reported as "Connection lost!" within two such
// windows (spec §8 S6's "within ≤60s").
const heartbeatBudget = 30 * time.Second

// ForwardConfig configures one forward-client run.
type ForwardConfig struct {
	ServerAddr string
	Token      protocol.Token // zero means "ask the server to assign one"
	Target     string         // local address an accept-worker dials per request

	// Dial overrides how the forward-client and its accept-workers open
	// TCP connections to ServerAddr. Nil uses net.Dial. Tests substitute a
	// dialer that returns an in-memory net.Pipe end.
	Dial func(network, addr string) (net.Conn, error)

	// HeartbeatBudget overrides heartbeatBudget. Zero uses the spec value;
	// tests shrink it so S6-style timeout scenarios run in milliseconds.
	HeartbeatBudget time.Duration

	// TokenAssigned, if set, is called once with the token the server
	// confirmed (whichever was requested, or the one it generated) — a
	// caller needs this to learn a server-assigned token before it can
	// tell a connect-client or port-listen what to ask for.
	TokenAssigned func(protocol.Token)
}

func (c ForwardConfig) dial(network, addr string) (net.Conn, error) {
	if c.Dial != nil {
		return c.Dial(network, addr)
	}
	return net.Dial(network, addr)
}

func (c ForwardConfig) heartbeatBudget() time.Duration {
	if c.HeartbeatBudget > 0 {
		return c.HeartbeatBudget
	}
	return heartbeatBudget
}

// Forward runs the forward-client control loop to completion. It returns
// only when the control connection is lost or an unrecoverable protocol
// error occurs (spec §4.5, §7: "the forward-client DOES exit if its
// control connection dies").
func Forward(cfg ForwardConfig) error {
	conn, err := cfg.dial("tcp", cfg.ServerAddr)
	if err != nil {
		log.Error("forward: dial %s: %v", cfg.ServerAddr, err)
		return fmt.Errorf("forward: dial server: %w", err)
	}
	defer conn.Close()

	requested := !cfg.Token.Zero()

	// Always login as version 2, even when the token payload is zero ("assign
	// me one"): the heartbeat loop below depends on sending KEEP_ALIVE, and
	// spec §4.1 forbids that on a version-1 login ("peer does not understand
	// heartbeat frames ... the peer MUST NOT send KEEP_ALIVE"). Version 1 is
	// a wire-compatibility case for peers that predate KEEP_ALIVE; this
	// client always wants heartbeats, so it never has a reason to use it.
	login := protocol.Message{Version: protocol.Version2, Cmd: protocol.CmdLogin}
	if err = protocol.WriteMessageToken(conn, login, cfg.Token); err != nil {
		return fmt.Errorf("forward: send login: %w", err)
	}

	assigned, err := readAssignedToken(conn, cfg.heartbeatBudget())
	if err != nil {
		fmt.Println("Connection lost!")
		return err
	}

	source := "server"
	if requested {
		source = "client"
	}
	fmt.Printf("Token: %s (from %s)\n", assigned.String(), source)
	log.Info("forward: logged in, token %v (from %s)", assigned, source)
	if cfg.TokenAssigned != nil {
		cfg.TokenAssigned(assigned)
	}

	return heartbeatLoop(cfg, conn, assigned)
}

func readAssignedToken(conn net.Conn, budget time.Duration) (protocol.Token, error) {
	conn.SetReadDeadline(time.Now().Add(budget))
	m, err := protocol.ReadMessage(conn)
	if err != nil {
		return protocol.Token{}, fmt.Errorf("forward: waiting for token reply: %w", err)
	}
	if m.Cmd != protocol.CmdToken {
		return protocol.Token{}, fmt.Errorf("forward: expected TOKEN, got %v", m.Cmd)
	}
	return protocol.ReadToken(conn)
}

// heartbeatLoop implements spec §4.5 step 5. Each pass blocks on a single
// read with a heartbeatBudget deadline in place of the source's separate
// "sleep remaining budget, then non-blocking peek" pair — a blocking read
// with a deadline is the direct idiomatic equivalent, since both reduce to
// "wait up to the budget for readability, otherwise react to the timeout".
func heartbeatLoop(cfg ForwardConfig, conn net.Conn, tok protocol.Token) error {
	waitingKeepAlive := false
	budget := cfg.heartbeatBudget()

	for {
		conn.SetReadDeadline(time.Now().Add(budget))
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			if !isTimeout(err) {
				fmt.Println("Connection lost!")
				return fmt.Errorf("forward: heartbeat loop: %w", err)
			}
			if waitingKeepAlive {
				fmt.Println("Connection lost!")
				return fmt.Errorf("forward: no reply to keep-alive")
			}
			if err := protocol.WriteMessage(conn, protocol.Message{Version: protocol.Version2, Cmd: protocol.CmdKeepAlive}); err != nil {
				fmt.Println("Connection lost!")
				return fmt.Errorf("forward: send keep-alive: %w", err)
			}
			waitingKeepAlive = true
			continue
		}

		switch m.Cmd {
		case protocol.CmdKeepAlive:
			waitingKeepAlive = false

		case protocol.CmdConnect:
			got, err := protocol.ReadToken(conn)
			if err != nil {
				fmt.Println("Connection lost!")
				return fmt.Errorf("forward: reading CONNECT token: %w", err)
			}
			if got != tok {
				log.Error("forward: %v: got %v, want %v", protocol.ErrTokenMismatch, got, tok)
				return protocol.ErrTokenMismatch
			}
			waitingKeepAlive = false
			go runAcceptWorker(cfg, tok)

		default:
			return fmt.Errorf("forward: unexpected command %v in heartbeat loop", m.Cmd)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
