package client

import (
	"fmt"
	"net"

	log "github.com/hev-fsh/fsh/pkg/minilog"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
	"github.com/hev-fsh/fsh/internal/fsh/splice"
)

// acceptBufSize is the per-direction splice buffer for an accept-worker
// (spec §4.6 step 4).
const acceptBufSize = 2048

// runAcceptWorker implements spec §4.6: a short-lived task spawned per
// inbound CONNECT notification. Failure at any step simply tears the
// worker down; the forward session that spawned it is unaffected.
func runAcceptWorker(cfg ForwardConfig, tok protocol.Token) {
	if err := acceptWorker(cfg, tok); err != nil {
		log.Debug("accept-worker %v: %v", tok, err)
	}
}

func acceptWorker(cfg ForwardConfig, tok protocol.Token) error {
	serverConn, err := cfg.dial("tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer serverConn.Close()

	msg := protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdAccept}
	if err := protocol.WriteMessageToken(serverConn, msg, tok); err != nil {
		return fmt.Errorf("send accept: %w", err)
	}

	targetConn, err := net.Dial("tcp", cfg.Target)
	if err != nil {
		return fmt.Errorf("dial target %s: %w", cfg.Target, err)
	}
	defer targetConn.Close()

	splice.Splice(serverConn, targetConn, acceptBufSize, nil)
	return nil
}
