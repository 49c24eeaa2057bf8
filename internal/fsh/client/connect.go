package client

import (
	"fmt"
	"net"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
	"github.com/hev-fsh/fsh/internal/fsh/splice"
)

// connectBufSize is the per-direction splice buffer for a connect-client
// (spec §4.7 step 3; the spec leaves the exact size unspecified ("a small
// per-direction buffer"), so this reuses the accept-worker's 2KiB).
const connectBufSize = 2048

// Connect implements spec §4.7's connect-client: dial the server, announce
// tok, then splice the server socket against local, an already-accepted
// (or otherwise obtained) local socket. Connect takes ownership of local
// and closes it before returning.
func Connect(serverAddr string, tok protocol.Token, local net.Conn) error {
	serverConn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		local.Close()
		return fmt.Errorf("connect: dial server: %w", err)
	}

	msg := protocol.Message{Version: protocol.Version1, Cmd: protocol.CmdConnect}
	if err := protocol.WriteMessageToken(serverConn, msg, tok); err != nil {
		serverConn.Close()
		local.Close()
		return fmt.Errorf("connect: send connect: %w", err)
	}

	splice.Splice(serverConn, local, connectBufSize, nil)
	return nil
}
