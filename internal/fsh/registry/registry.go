// Package registry implements the in-memory collection of live server-side
// fsh sessions, indexed by (role, token). It is the Go port of the
// teacher's (ron.Server) mutex-guarded map-of-clients idiom, adapted to the
// spec's intrusive doubly-linked list so that the documented "scan from the
// querying session's own node, newer sessions found first on one side"
// tie-break rule (spec §4.3) is reproduced exactly rather than approximated
// by a plain map.
package registry

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/hev-fsh/fsh/internal/fsh/protocol"
)

// Role is the classification a ServerSession settles into after its first
// frame. It never changes once set.
type Role int

const (
	RoleUnknown Role = iota
	RoleForward
	RoleConnect

	// RoleAccept marks a session that completed DO_ACCEPT: it is never
	// registered under this role (Find only ever looks for RoleForward or
	// RoleConnect), so it exists purely so CLOSE's "log D if role was
	// ever set" rule (spec §4.4) covers the accept session too, matching
	// spec §8 S5's "both server-side sessions reach CLOSE and emit D".
	RoleAccept
)

// InitialHP is the liveness counter every session starts (and resets) at.
const InitialHP = 10

// Session is one server-side TCP connection and its role once classified.
// It is the Go analogue of the spec's ServerSession.
type Session struct {
	Conn net.Conn // client socket; owned by this session until transferred

	Role    Role
	Version uint8
	Token   protocol.Token

	hp int32 // liveness counter, atomic

	// RemoteCh carries the accept socket a matching DO_ACCEPT hands off to
	// this (connect) session. Buffered 1: DO_ACCEPT sends without blocking
	// on this session's splice loop being ready to receive.
	RemoteCh chan net.Conn

	// writeMu serializes writes onto Conn: a forward session's own loop may
	// write a KEEP_ALIVE ack while a different session's WRITE_CONNECT step
	// concurrently writes a CONNECT notification onto the same Conn.
	writeMu sync.Mutex

	// registry links; guarded by the owning Registry's mutex
	prev, next *Session
}

// NewSession creates a session wrapping conn, with hp initialized and a
// buffered remote-socket handoff channel.
func NewSession(conn net.Conn) *Session {
	return &Session{
		Conn:     conn,
		hp:       InitialHP,
		RemoteCh: make(chan net.Conn, 1),
	}
}

// WriteFrame writes a bare header frame onto Conn, serialized against any
// concurrent writer of this session (e.g. a peer's WRITE_CONNECT step).
func (s *Session) WriteFrame(m protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return protocol.WriteMessage(s.Conn, m)
}

// WriteFrameToken writes a header+token frame onto Conn, serialized against
// any concurrent writer of this session.
func (s *Session) WriteFrameToken(m protocol.Message, tok protocol.Token) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return protocol.WriteMessageToken(s.Conn, m, tok)
}

// ResetHP resets the liveness counter to InitialHP. Call on every I/O
// advance (a successful read or write).
func (s *Session) ResetHP() {
	atomic.StoreInt32(&s.hp, InitialHP)
}

// HP returns the current liveness counter.
func (s *Session) HP() int32 {
	return atomic.LoadInt32(&s.hp)
}

// DecrementHP lowers the liveness counter by one, floored at 0, and returns
// the new value. Called only by the registry's watchdog tick.
func (s *Session) DecrementHP() int32 {
	for {
		old := atomic.LoadInt32(&s.hp)
		if old <= 0 {
			return 0
		}
		if atomic.CompareAndSwapInt32(&s.hp, old, old-1) {
			return old - 1
		}
	}
}

// Evict zeroes hp and closes the session's connection, which is the Go
// analogue of "wake the session's task; the yielder returns -1": any
// blocked Read/Write on Conn observes an error and the state machine
// transitions to CLOSE.
func (s *Session) Evict() {
	atomic.StoreInt32(&s.hp, 0)
	s.Conn.Close()
}

// Registry is a doubly-linked, mutex-guarded collection of live sessions,
// ordered most-recent-first. All mutations and scans happen under one lock,
// which is the goroutine-world equivalent of the spec's single-reactor-
// thread exclusivity guarantee (spec §5).
type Registry struct {
	mu   sync.Mutex
	head *Session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert links s at the head of the registry.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.prev = nil
	s.next = r.head
	if r.head != nil {
		r.head.prev = s
	}
	r.head = s
}

// Remove unlinks s from the registry. Safe to call more than once.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.prev != nil {
		s.prev.next = s.next
	} else if r.head == s {
		r.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// Find scans outward from from in both directions and returns the first
// session (other than from itself) with the given role whose token equals
// tok. Insert links new sessions at the head, so from.prev chains toward
// more-recently-inserted sessions and from.next chains toward older ones;
// Find checks the prev direction first, so a newer match wins a tie — per
// spec §4.3, "ties are broken by whichever direction reaches the match
// first". Returns nil if no match.
func (r *Registry) Find(from *Session, role Role, tok protocol.Token) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := from.prev; s != nil; s = s.prev {
		if s.Role == role && s.Token == tok {
			return s
		}
	}
	for s := from.next; s != nil; s = s.next {
		if s.Role == role && s.Token == tok {
			return s
		}
	}
	return nil
}

// EvictDuplicateForward finds any existing forward session registered
// under tok (other than from) and evicts it, per spec §4.4 DO_LOGIN: "new
// logins with a duplicate token evict the prior forward session by
// zeroing its hp and waking its task". Returns true if a session was
// evicted.
func (r *Registry) EvictDuplicateForward(from *Session, tok protocol.Token) bool {
	if dup := r.Find(from, RoleForward, tok); dup != nil {
		dup.Evict()
		return true
	}
	return false
}

// Snapshot returns every currently registered session, most-recent-first.
// Intended for the watchdog tick and tests; callers must not mutate the
// slice's sessions' registry links directly.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for s := r.head; s != nil; s = s.next {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for s := r.head; s != nil; s = s.next {
		n++
	}
	return n
}
