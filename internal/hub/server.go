package hub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncsurobotics/libseawolf/internal/hublog"
)

// DefaultMaxClients is the maximum concurrent client count (§6:
// "MAX_CLIENTS ... ≥ 128"). The listen backlog is not set from it; the
// listener uses the operating system's default.
const DefaultMaxClients = 128

// readTimeout bounds how long a session's read loop will wait for the next
// frame from an otherwise-silent peer, so a half-dead connection doesn't
// pin a goroutine and a registry slot forever (§5: "implementations may set
// a long receive timeout to avoid hanging on half-dead peers").
const readTimeout = 10 * time.Minute

// Server is the connection manager (C3): the accept loop, the active-client
// registry, and the reaper that tears sessions down (§4.3).
type Server struct {
	cfg     Config
	log     *hublog.Logger
	vars    *VariableStore
	persist *PersistenceWriter

	maxClients int
	listener   net.Listener

	clientsMu sync.Mutex
	clients   map[*Session]struct{}

	// closedQueue is the bounded blocking queue of sessions awaiting
	// reaping (§4.3). Sized maxClients+1 so a nil sentinel always fits
	// alongside every possible active session closing at once.
	closedQueue chan *Session

	running      atomic.Bool
	acceptWG     sync.WaitGroup
	reaperDone   chan struct{}
	shutdownOnce sync.Once
}

// NewServer builds a Server. Call Serve to start accepting connections.
func NewServer(cfg Config, vars *VariableStore, persist *PersistenceWriter, log *hublog.Logger) *Server {
	maxClients := DefaultMaxClients

	return &Server{
		cfg:         cfg,
		log:         log,
		vars:        vars,
		persist:     persist,
		maxClients:  maxClients,
		clients:     make(map[*Session]struct{}),
		closedQueue: make(chan *Session, maxClients+1),
		reaperDone:  make(chan struct{}),
	}
}

// Serve binds the listening socket and starts the accept loop, the reaper,
// and the persistence writer. It returns once the listener is bound;
// Shutdown ends the background goroutines. An accept error while the hub is
// running is logged and the accept loop keeps going.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.BindPort))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.cfg.BindAddress, s.cfg.BindPort, err)
	}
	s.listener = ln
	s.running.Store(true)

	s.acceptWG.Add(1)
	go s.acceptLoop()
	go s.reaperLoop()
	go s.persist.Run()

	s.log.Info("hub listening on %s:%d", s.cfg.BindAddress, s.cfg.BindPort)
	return nil
}

// Addr returns the bound listener's address, for tests that bind to :0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections until the run flag is cleared (§4.3).
func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.log.Error("accept: %v", err)
			continue
		}

		s.clientsMu.Lock()
		if len(s.clients) >= s.maxClients {
			s.clientsMu.Unlock()
			s.log.Warning("rejecting connection from %v: hub is at MAX_CLIENTS (%d)", conn.RemoteAddr(), s.maxClients)
			conn.Close()
			continue
		}

		sess := newSession(conn, s)
		s.clients[sess] = struct{}{}
		s.clientsMu.Unlock()

		s.log.Debug("accepted connection from %v", conn.RemoteAddr())
		go s.serveSession(sess)
	}
}

// serveSession repeatedly reads a frame from sess and hands it to the
// dispatcher until sess transitions to Closed (§3, §4.3).
func (s *Server) serveSession(sess *Session) {
	defer sess.closeDone()

	for sess.State() != StateClosed {
		sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := ReadFrame(sess.conn)
		if err != nil {
			var netErr net.Error
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
				sess.markClosed()
			} else {
				// The bytes arrived but did not form a valid frame (§4.1).
				sess.kick(ReasonIllegalMessage)
			}
			return
		}

		s.dispatch(sess, frame)
	}
}

// enqueueClosed is the single entry point into the reaper queue
// (§4.3 markClosed). Sized generously enough in NewServer that this send
// never blocks in practice.
func (s *Server) enqueueClosed(sess *Session) {
	s.closedQueue <- sess
}

// reaperLoop blocks on the closed-clients queue, reaping one session at a
// time until it pops the nil sentinel Shutdown enqueues (§4.3).
func (s *Server) reaperLoop() {
	defer close(s.reaperDone)

	for {
		sess := <-s.closedQueue
		if sess == nil {
			return
		}
		s.reapOne(sess)
	}
}

// reapOne performs the teardown sequence from §4.3: shut down the socket,
// remove from the active registry, wait for the serving goroutine to exit,
// detach subscriptions, clear filters, then wait for any in-flight fan-out
// send to drain before the session falls out of scope.
func (s *Server) reapOne(sess *Session) {
	sess.conn.Close() // (a)

	s.clientsMu.Lock() // (b)
	delete(s.clients, sess)
	s.clientsMu.Unlock()

	sess.waitDone() // (c)

	s.vars.DetachSession(sess) // (d)
	sess.clearFilters()        // (e)

	sess.refBarrier.Lock() // (f)
	sess.refBarrier.Unlock()

	s.log.Debug("reaped session %v", sess.RemoteAddr()) // (g)
}

// activeSessions returns a snapshot of every currently-registered session,
// for broadcast fan-out and for shutdown's kick pass.
func (s *Server) activeSessions() []*Session {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	out := make([]*Session, 0, len(s.clients))
	for sess := range s.clients {
		out = append(out, sess)
	}
	return out
}

// Shutdown implements the graceful-shutdown protocol from §4.3/§5: clear
// the run flag, wake the accept loop, kick every active session, drain the
// reaper, then stop the persistence writer. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.running.Store(false)
		if s.listener != nil {
			s.listener.Close()
		}
		s.acceptWG.Wait()

		for _, sess := range s.activeSessions() {
			sess.kick(ReasonHubClosing)
		}

		s.closedQueue <- nil // sentinel
		<-s.reaperDone

		s.persist.Stop()

		s.log.Info("hub shutdown complete")
	})
}
