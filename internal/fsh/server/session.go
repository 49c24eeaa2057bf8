package server

import (
	"net"
	"time"

	log "github.com/hev-fsh/fsh/pkg/minilog"

	"github.com/hev-fsh/fsh/internal/fsh/eventlog"
	"github.com/hev-fsh/fsh/internal/fsh/protocol"
	"github.com/hev-fsh/fsh/internal/fsh/registry"
	"github.com/hev-fsh/fsh/internal/fsh/splice"
)

// spliceBufSize is the per-direction buffer used by DO_SPLICE (spec §4.4).
const spliceBufSize = 8192

// lookupMissDelay is the soft rate-limit against token-scanning probes: a
// CONNECT or ACCEPT naming an unregistered token sleeps this long before
// closing, as long as the server's missLimiter allows it; a miss beyond the
// limiter's allowance closes without sleeping (see server.go) (spec §4.4
// WRITE_CONNECT, DO_ACCEPT; spec §9 Open Question).
const lookupMissDelay = 1500 * time.Millisecond

// stateFn is one state in the session state machine (spec §4.4's table).
// It returns the next state, or nil when the session has reached CLOSE.
type stateFn func(s *Server, sess *registry.Session) stateFn

func stateReadMessage(s *Server, sess *registry.Session) stateFn {
	m, err := protocol.ReadMessage(sess.Conn)
	if err != nil {
		return stateClose
	}

	// Once classified, a session's role is fixed: the only command it may
	// still send here is KEEP_ALIVE, anything else is a framing error.
	if sess.Role != registry.RoleUnknown && m.Cmd != protocol.CmdKeepAlive {
		return stateClose
	}

	sess.ResetHP()
	sess.Version = m.Version

	switch m.Cmd {
	case protocol.CmdLogin:
		return makeDoLogin(m)
	case protocol.CmdConnect:
		return stateDoConnect
	case protocol.CmdAccept:
		return stateDoAccept
	case protocol.CmdKeepAlive:
		return makeDoKeepAlive(m)
	default:
		return stateClose
	}
}

func makeDoLogin(m protocol.Message) stateFn {
	return func(s *Server, sess *registry.Session) stateFn {
		var tok protocol.Token

		if m.Version >= protocol.Version2 {
			given, err := protocol.ReadToken(sess.Conn)
			if err != nil {
				return stateClose
			}
			if given.Zero() {
				tok = protocol.GenerateToken()
			} else {
				tok = given
			}
		} else {
			tok = protocol.GenerateToken()
		}

		sess.ResetHP()
		sess.Token = tok
		sess.Role = registry.RoleForward

		if s.reg.EvictDuplicateForward(sess, tok) {
			log.Info("evicted duplicate forward session for token %v", tok)
		}

		eventlog.Emit(eventlog.KindLogin, tok, sess.Conn.RemoteAddr())

		return stateWriteToken
	}
}

func stateWriteToken(s *Server, sess *registry.Session) stateFn {
	err := sess.WriteFrameToken(protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdToken}, sess.Token)
	if err != nil {
		return stateClose
	}
	sess.ResetHP()

	return stateReadMessage
}

func stateDoConnect(s *Server, sess *registry.Session) stateFn {
	tok, err := protocol.ReadToken(sess.Conn)
	if err != nil {
		return stateClose
	}

	sess.ResetHP()
	sess.Token = tok
	sess.Role = registry.RoleConnect

	return stateWriteConnect
}

func stateWriteConnect(s *Server, sess *registry.Session) stateFn {
	eventlog.Emit(eventlog.KindConnect, sess.Token, sess.Conn.RemoteAddr())

	fwd := s.reg.Find(sess, registry.RoleForward, sess.Token)
	if fwd == nil {
		log.Debug("connect: %v: token %v", protocol.ErrPeerNotFound, sess.Token)
		if s.missLimiter.Allow() {
			time.Sleep(lookupMissDelay)
		}
		return stateClose
	}

	msg := protocol.Message{Version: sess.Version, Cmd: protocol.CmdConnect}
	if err := fwd.WriteFrameToken(msg, sess.Token); err != nil {
		log.Error("connect: notifying forward session: %v", err)
		return stateClose
	}

	return stateDoSplice
}

func stateDoAccept(s *Server, sess *registry.Session) stateFn {
	tok, err := protocol.ReadToken(sess.Conn)
	if err != nil {
		return stateClose
	}
	sess.ResetHP()

	connectSess := s.reg.Find(sess, registry.RoleConnect, tok)
	if connectSess == nil {
		log.Debug("accept: %v: token %v", protocol.ErrPeerNotFound, tok)
		if s.missLimiter.Allow() {
			time.Sleep(lookupMissDelay)
		}
		return stateClose
	}

	// hand off this session's client socket to the waiting connect
	// session, then null it out here so CLOSE does not also close it.
	connectSess.RemoteCh <- sess.Conn
	sess.Conn = nil
	sess.Token = tok
	sess.Role = registry.RoleAccept

	return stateClose
}

func makeDoKeepAlive(m protocol.Message) stateFn {
	return func(s *Server, sess *registry.Session) stateFn {
		if m.Version != protocol.Version1 {
			if err := sess.WriteFrame(protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdKeepAlive}); err != nil {
				return stateClose
			}
			sess.ResetHP()
		}
		return stateReadMessage
	}
}

// stateDoSplice waits for a matching accept session to hand off a remote
// socket, then splices client and remote until either closes. If hp is
// zeroed first (the connect session was evicted or timed out with nobody
// ever claiming it), it closes without splicing. Once spliced, sess.ResetHP
// is wired in as splice's progress callback, so a busy transfer keeps
// resetting hp and only a genuinely idle connection is ever reaped by the
// watchdog mid-splice (spec §4.4 Liveness, §5). Spec §4.4 DO_SPLICE.
func stateDoSplice(s *Server, sess *registry.Session) stateFn {
	t := time.NewTicker(registry.WatchdogTick)
	defer t.Stop()

	for {
		select {
		case remote := <-sess.RemoteCh:
			splice.Splice(sess.Conn, remote, spliceBufSize, sess.ResetHP)
			return stateClose
		case <-t.C:
			if sess.HP() <= 0 {
				return stateClose
			}
		}
	}
}

// stateClose is terminal: it emits the disconnect log line (if a role was
// ever assigned), closes any still-owned socket, and removes the session
// from the registry. Sessions have no close-notify hook, so nothing else
// is fired.
func stateClose(s *Server, sess *registry.Session) stateFn {
	if sess.Role != registry.RoleUnknown {
		eventlog.Emit(eventlog.KindDisconnect, sess.Token, peerAddr(sess))
	}

	if sess.Conn != nil {
		sess.Conn.Close()
	}

	s.reg.Remove(sess)

	return nil
}

// peerAddr returns the best-effort remote address to log for sess. Once a
// session's client socket has been handed off (DO_ACCEPT) or spliced shut,
// RemoteAddr may no longer be callable on a live conn, so this only needs
// to be stable enough for the disconnect line; sess.Conn is non-nil for
// every session that reaches CLOSE with a role already set, except the
// accept session whose fd was transferred (stateDoAccept nulls it there,
// but that session never had its role set to forward or connect).
func peerAddr(sess *registry.Session) net.Addr {
	if sess.Conn != nil {
		return sess.Conn.RemoteAddr()
	}
	return missingAddr{}
}

type missingAddr struct{}

func (missingAddr) Network() string { return "" }
func (missingAddr) String() string  { return "-" }
