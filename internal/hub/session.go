package hub

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a client session's place in the state machine described in
// spec.md §4.2. Only the transitions listed there exist; Closed is
// terminal.
type State int32

const (
	StateUnauthenticated State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Filter is a (kind, body) notification filter, matched against outgoing
// NOTIFY.IN frames (§4.5).
type Filter struct {
	Kind FilterKind
	Body string
}

// sendTimeout bounds a single frame write so one slow or wedged peer can
// never hold up a broadcast to everybody else (§5 backpressure).
const sendTimeout = 5 * time.Second

// Session is a single client connection's state: socket, state flag, name,
// filters, variable subscriptions, and the locks that keep those safe to
// touch from the session's own goroutine as well as from broadcast/fan-out
// paths running on other goroutines (§3, §5).
type Session struct {
	conn net.Conn
	mgr  *Server

	// state is read lock-free from many goroutines; written exactly once
	// (Unauthenticated -> Connected) plus the one terminal transition to
	// Closed, which markClosed performs inside closeOnce so it is
	// idempotent even when raced.
	state atomic.Int32

	// sendMu serializes writes to conn: only one goroutine may be mid-write
	// at a time (§4.2 send()).
	sendMu sync.Mutex

	// nameMu guards name, the optional display name written by setName and
	// read by Name. No frame handler calls setName, so name stays empty for
	// sessions served by the hub.
	nameMu sync.RWMutex
	name   string

	// filterMu guards filters, added to only by this session's own handler
	// goroutine and read under RLock by the notification fan-out (§3).
	filterMu sync.RWMutex
	filters  []Filter

	// subMu guards subscribed, the back-reference list the reaper walks to
	// unsubscribe this session from every variable it was watching (§3, §9).
	subMu      sync.Mutex
	subscribed map[string]*Variable

	// refBarrier is the "in-use" reference barrier from §9: broadcast/fan-out
	// paths RLock it around a send so the reaper's Lock (taken after removing
	// the session from the active registry) blocks until every in-flight
	// send referencing this session has completed.
	refBarrier sync.RWMutex

	closeOnce sync.Once

	// done is closed by the serving goroutine's own defer when its read
	// loop returns, so the reaper's waitDone can block until the goroutine
	// that owns conn has actually exited (§4.3 step c).
	done chan struct{}
}

func newSession(conn net.Conn, mgr *Server) *Session {
	s := &Session{
		conn:       conn,
		mgr:        mgr,
		subscribed: make(map[string]*Variable),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateUnauthenticated))
	return s
}

// closeDone marks this session's serving goroutine as exited. Called
// exactly once, via defer, from Server.serveSession.
func (s *Session) closeDone() {
	close(s.done)
}

// waitDone blocks until the serving goroutine has exited.
func (s *Session) waitDone() {
	<-s.done
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Name returns the display name set by setName, or "" if none was set.
func (s *Session) Name() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	s.name = name
}

// setAuthenticated transitions Unauthenticated -> Connected. Returns false
// if the session was not in Unauthenticated (e.g. raced with a close).
func (s *Session) setAuthenticated() bool {
	return s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateConnected))
}

// RemoteAddr exposes the peer address for logging.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// send serializes concurrent sends with sendMu, bounds the write with a
// deadline (the "non-blocking writability check" of §4.2), and marks the
// session Closed on any error so callers see a broadcast failure as "client
// gone" rather than a panic or a hang.
func (s *Session) send(f *Frame) error {
	packed, err := f.Pack()
	if err != nil {
		return err
	}
	return s.sendBytes(packed)
}

// sendBytes writes an already-packed frame. Broadcast/fan-out paths that
// target many sessions with the identical frame pack once (§4.5 "pack
// once") and call this directly instead of send, to avoid re-packing per
// recipient.
func (s *Session) sendBytes(packed []byte) error {
	if s.State() == StateClosed {
		return fmt.Errorf("session closed")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.State() == StateClosed {
		return fmt.Errorf("session closed")
	}

	s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	n, err := s.conn.Write(packed)
	s.conn.SetWriteDeadline(time.Time{})

	if err != nil || n != len(packed) {
		s.markClosed()
		if err == nil {
			err = fmt.Errorf("short write: wrote %d of %d bytes", n, len(packed))
		}
		return err
	}

	return nil
}

// Send packs and writes f, guarded by the in-use reference barrier so the
// reaper cannot free this session out from underneath an in-flight fan-out
// send (§9). This is the entry point broadcast/variable-update paths use.
func (s *Session) Send(f *Frame) error {
	s.refBarrier.RLock()
	defer s.refBarrier.RUnlock()
	return s.send(f)
}

// SendBytes is the reference-barrier-guarded counterpart to sendBytes, used
// by the notification broadcast path which packs one frame for many
// recipients.
func (s *Session) SendBytes(packed []byte) error {
	s.refBarrier.RLock()
	defer s.refBarrier.RUnlock()
	return s.sendBytes(packed)
}

// addFilter appends a filter under a write lock (§4.2). Only called from
// this session's own dispatcher goroutine.
func (s *Session) addFilter(kind FilterKind, body string) {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	s.filters = append(s.filters, Filter{Kind: kind, Body: body})
}

// clearFilters empties the filter list under a write lock.
func (s *Session) clearFilters() {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	s.filters = nil
}

// checkFilters reports whether body matches any filter in insertion order,
// short-circuiting true on the first match (§4.2, §4.5). A session with no
// filters accepts nothing (default-drop).
func (s *Session) checkFilters(body string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()

	for _, f := range s.filters {
		if filterMatches(f, body) {
			return true
		}
	}
	return false
}

// filterMatches implements the three filter kinds (§4.5). PREFIX accepts a
// whole leading whitespace-delimited token: body must be a byte-prefix of B
// AND either exactly equal to B or followed by a space in B.
func filterMatches(f Filter, body string) bool {
	switch f.Kind {
	case FilterMatch:
		return body == f.Body
	case FilterAction:
		return len(body) >= len(f.Body) && body[:len(f.Body)] == f.Body
	case FilterPrefix:
		if body == f.Body {
			return true
		}
		n := len(f.Body)
		return len(body) > n && body[:n] == f.Body && body[n] == ' '
	}
	return false
}

// addSubscription records that this session is now watching v, for the
// reaper's symmetric-teardown walk (§4.6, §9). The caller is responsible for
// the matching Variable.addSubscriber call. Each side is updated under its
// own lock (this session's subMu here, the variable's mu there), one after
// the other; the pair is not updated as a single atomic step.
func (s *Session) addSubscription(v *Variable) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribed[v.name] = v
}

// removeSubscription drops the back-reference to v. Idempotent: removing a
// variable not present is a no-op, matching the reaper's tolerant cleanup.
func (s *Session) removeSubscription(v *Variable) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribed, v.name)
}

// subscriptions returns a snapshot of the variables this session is
// currently watching, for the reaper to walk while detaching.
func (s *Session) subscriptions() []*Variable {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	out := make([]*Variable, 0, len(s.subscribed))
	for _, v := range s.subscribed {
		out = append(out, v)
	}
	return out
}

// kick sends a COMM.KICKING frame with reason, then marks the session
// Closed (§4.2). Send errors are ignored: the peer is going away either way.
func (s *Session) kick(reason string) {
	_ = s.Send(NewFrame(NoResponse, NsComm, VerbKicking, reason))
	s.markClosed()
}

// closeGraceful sends COMM.CLOSING then marks the session Closed (§4.2).
func (s *Session) closeGraceful() {
	_ = s.Send(NewFrame(NoResponse, NsComm, VerbClosing))
	s.markClosed()
}

// markClosed is the single entry point into the reaper queue (§4.3). It is
// idempotent: closeOnce guarantees a session racing kick() against a read
// error enqueues exactly once.
func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.mgr != nil {
			s.mgr.enqueueClosed(s)
		}
	})
}
