// Package server implements the pairing and splicing engine: the server
// side of fsh. It classifies each inbound TCP connection as a forward,
// connect, or accept socket and drives it through the state machine in
// session.go, then (for connect/accept pairs) splices the two sockets
// until either side closes.
package server

import (
	"context"
	"net"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hev-fsh/fsh/internal/fsh/registry"
)

// missBurst and missRate bound the rate limiter consulted on every
// unknown-token CONNECT/ACCEPT lookup miss: isolated misses still pay the
// documented lookupMissDelay (spec §4.4), but once a peer or botnet burns
// through the burst allowance, further misses close immediately instead of
// holding a goroutine and a socket open for 1.5s each.
const (
	missBurst = 20
	missRate  = 10 // per second, steady state
)

// Server holds the session registry and accepts connections, classifying
// each one into the state machine in session.go. It has no notion of the
// bytes being tunneled — it only pairs and splices sockets.
type Server struct {
	reg         *registry.Registry
	missLimiter *rate.Limiter
}

// New returns a Server with a fresh, empty session registry.
func New() *Server {
	return &Server{
		reg:         registry.New(),
		missLimiter: rate.NewLimiter(rate.Limit(missRate), missBurst),
	}
}

// Registry returns the server's session registry, primarily so a caller can
// run the watchdog (registry.RunWatchdog) alongside Serve.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Serve accepts connections on ln until ctx is done or Accept fails, running
// one goroutine per connection. It blocks until the listener stops
// accepting.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}

		sess := registry.NewSession(conn)
		s.reg.Insert(sess)

		go s.run(sess)
	}
}

// run drives a single session through the state machine to completion.
func (s *Server) run(sess *registry.Session) {
	state := stateReadMessage
	for state != nil {
		state = state(s, sess)
	}
}
