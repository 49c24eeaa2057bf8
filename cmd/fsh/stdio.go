package main

import (
	"net"
	"os"
	"time"
)

// stdioConn adapts the process's stdin/stdout to net.Conn so port-forward
// can hand them to client.Connect as the "local side" of the splice,
// mirroring how an ssh -W client relays a single pre-accepted local stream
// rather than running its own listener.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdioConn) Close() error {
	_ = os.Stdin.Close()
	return os.Stdout.Close()
}

func (stdioConn) LocalAddr() net.Addr  { return stdioAddr{} }
func (stdioConn) RemoteAddr() net.Addr { return stdioAddr{} }

func (stdioConn) SetDeadline(time.Time) error      { return nil }
func (stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }
