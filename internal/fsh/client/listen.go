package client

import (
	"context"
	"net"

	log "github.com/hev-fsh/fsh/pkg/minilog"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
)

// ListenConfig configures a port-listen run (spec §4.7).
type ListenConfig struct {
	ServerAddr string
	Token      protocol.Token
	ListenAddr string // local address to bind and accept on

	// Ready, if set, is called once with the address actually bound —
	// useful when ListenAddr ends in ":0" and the caller (or a test) needs
	// to learn the chosen port.
	Ready func(addr net.Addr)
}

// Listen binds cfg.ListenAddr and, for every accepted connection, spawns a
// connect-client carrying it to the server under cfg.Token. It blocks
// until ctx is done or the listener fails.
//
// net.Listen on "tcp" already sets SO_REUSEADDR on the listening socket
// (Go's runtime poller configures this unconditionally on POSIX systems),
// matching spec §4.7's "binds and listens on a local address with
// SO_REUSEADDR".
func Listen(ctx context.Context, cfg ListenConfig) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go func(c net.Conn) {
			if err := Connect(cfg.ServerAddr, cfg.Token, c); err != nil {
				log.Debug("port-listen: connect-client: %v", err)
			}
		}(conn)
	}
}
