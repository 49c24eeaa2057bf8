// Package eventlog emits the fixed-format session event lines that are part
// of fsh's external, test-visible contract (spec §6):
//
//	[YYYY-MM-DD HH:MM:SS] <kind> <token> <peerIP>:<peerPort>
//
// These lines are deliberately not routed through minilog: their format is
// load-bearing for the end-to-end scenarios, and minilog's level/file/line
// prologue would corrupt it.
package eventlog

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
)

const (
	KindLogin      = "L"
	KindConnect    = "C"
	KindDisconnect = "D"
)

var (
	mu  sync.Mutex
	out io.Writer = nilWriter{}
)

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetOutput directs event lines to w, flushed after every line. Defaults to
// discarding output until called.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Emit writes one "[timestamp] kind token peer" line.
func Emit(kind string, tok protocol.Token, peer net.Addr) {
	mu.Lock()
	defer mu.Unlock()

	line := fmt.Sprintf("[%s] %s %s %s\n",
		time.Now().Format("2006-01-02 15:04:05"), kind, tok.String(), peer)

	io.WriteString(out, line)

	if f, ok := out.(interface{ Sync() error }); ok {
		f.Sync()
	} else if f, ok := out.(interface{ Flush() error }); ok {
		f.Flush()
	}
}
