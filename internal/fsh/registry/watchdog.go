package registry

import (
	"context"
	"time"
)

// WatchdogTick is how often the registry's watchdog decrements every live
// session's hp. The spec's SESSION_HP is 10, so InitialHP*WatchdogTick is
// the worst-case time-to-close for a silent peer; it must comfortably
// exceed the forward-client's heartbeat budget (30s, see
// internal/fsh/client/forward.go's heartbeatBudget), since a registered
// forward session sits in READ_MESSAGE — with no I/O progress to reset hp
// — for up to that long between heartbeats. A one-second tick (10s total)
// would evict every idle forwarder before its first KEEP_ALIVE ever
// arrives, so this uses a five-second tick (50s total) instead, leaving
// ~20s of margin for network jitter on top of the client's own budget.
const WatchdogTick = 5 * time.Second

// RunWatchdog decrements every live session's hp once per WatchdogTick,
// closing (evicting) any session whose hp reaches zero. This is the only
// timeout mechanism in the system (spec §4.4 "Liveness"); it is the
// goroutine-world analogue of the teacher's Server.clientReaper, which
// walks a mutex-guarded client map on a sleep loop and closes expired
// connections.
//
// RunWatchdog blocks until ctx is done.
func (r *Registry) RunWatchdog(ctx context.Context) {
	t := time.NewTicker(WatchdogTick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range r.Snapshot() {
				if s.DecrementHP() == 0 {
					s.Conn.Close()
				}
			}
		}
	}
}
