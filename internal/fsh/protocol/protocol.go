// Package protocol implements the fsh wire codec: a fixed two-byte header
// followed, for some commands, by a 16-byte token payload. There is no
// length prefix — the command alone determines whether a payload follows.
package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Cmd is the wire command byte. Values are stable on the wire.
type Cmd uint8

const (
	CmdLogin     Cmd = 1
	CmdToken     Cmd = 2
	CmdConnect   Cmd = 3
	CmdAccept    Cmd = 4
	CmdKeepAlive Cmd = 5
)

func (c Cmd) String() string {
	switch c {
	case CmdLogin:
		return "LOGIN"
	case CmdToken:
		return "TOKEN"
	case CmdConnect:
		return "CONNECT"
	case CmdAccept:
		return "ACCEPT"
	case CmdKeepAlive:
		return "KEEP_ALIVE"
	default:
		return "UNKNOWN"
	}
}

// Version 1 peers do not understand KEEP_ALIVE; version 2 peers may send and
// must ack it.
const (
	Version1 = 1
	Version2 = 2
)

// Message is the two-byte frame header shared by every command.
type Message struct {
	Version uint8
	Cmd     Cmd
}

var (
	// ErrShortRead is returned when a frame or payload read hits EOF or a
	// partial read before the expected number of bytes was seen.
	ErrShortRead = errors.New("protocol: short read")
	// ErrUnknownCommand is returned by ReadMessage when the command byte
	// does not name one of the five known commands.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrTokenMismatch is returned by a forward-client when a CONNECT
	// notification carries a token other than the one it registered.
	ErrTokenMismatch = errors.New("protocol: token mismatch")
	// ErrPeerNotFound is logged by the server when a CONNECT or ACCEPT names
	// a token with no matching session in the registry.
	ErrPeerNotFound = errors.New("protocol: peer not found")
)

// ReadMessage reads and validates exactly one two-byte header frame.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrShortRead, err)
	}

	m := Message{Version: buf[0], Cmd: Cmd(buf[1])}
	switch m.Cmd {
	case CmdLogin, CmdToken, CmdConnect, CmdAccept, CmdKeepAlive:
		return m, nil
	default:
		return m, ErrUnknownCommand
	}
}

// WriteMessage writes a bare two-byte header with no trailing payload.
func WriteMessage(w io.Writer, m Message) error {
	buf := [2]byte{m.Version, byte(m.Cmd)}
	_, err := w.Write(buf[:])
	return err
}

// WriteMessageToken writes a header immediately followed by a 16-byte token
// payload as a single write, mirroring the source's vectored sendmsg of
// header+token in one syscall.
func WriteMessageToken(w io.Writer, m Message, tok Token) error {
	var buf [2 + TokenLen]byte
	buf[0] = m.Version
	buf[1] = byte(m.Cmd)
	copy(buf[2:], tok[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadToken reads exactly one 16-byte token payload.
func ReadToken(r io.Reader) (Token, error) {
	var tok Token
	if _, err := io.ReadFull(r, tok[:]); err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrShortRead, err)
	}
	return tok, nil
}
