package hub

import (
	"fmt"
	"net"
	"os"

	"github.com/ncsurobotics/libseawolf/internal/hublog"
)

// Hub composes every component into the single process-wide value called
// for by §9's design note: active clients, the variable table,
// configuration, and the logger all hang off this one struct rather than
// living as package globals. cmd/swhub is the only place a Hub is built.
type Hub struct {
	cfg     Config
	log     *hublog.Logger
	vars    *VariableStore
	persist *PersistenceWriter
	server  *Server

	logFile *os.File
}

// New loads the definitions and persistent-values files named in cfg,
// wires up the logger's destinations, and builds (but does not start) the
// connection manager. Errors here are configuration errors (§7): callers
// should log CRITICAL and exit non-zero.
func New(cfg Config) (*Hub, error) {
	log := hublog.New("hub")

	var logFile *os.File
	if cfg.LogFile != "" {
		f, err := log.AddFile(cfg.LogFile, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		if cfg.LogReplicateStdout {
			log.AddWriter(os.Stdout, cfg.LogLevel)
		}
	} else {
		// No file configured: standard output is always used (§4.9, §6).
		log.AddWriter(os.Stdout, cfg.LogLevel)
	}

	vars, err := LoadVariableDefinitions(cfg.VarDefs)
	if err != nil {
		return nil, fmt.Errorf("load variable definitions: %w", err)
	}

	if err := LoadPersistentValues(cfg.VarDB, vars, log); err != nil {
		return nil, fmt.Errorf("load persistent values: %w", err)
	}

	persist := NewPersistenceWriter(cfg.VarDB, vars, log)
	srv := NewServer(cfg, vars, persist, log)

	return &Hub{
		cfg:     cfg,
		log:     log,
		vars:    vars,
		persist: persist,
		server:  srv,
		logFile: logFile,
	}, nil
}

// Serve binds the listening socket and starts the hub's background
// goroutines (accept loop, reaper, persistence writer). Returns once bound.
func (h *Hub) Serve() error {
	return h.server.Serve()
}

// Addr returns the bound listener's address.
func (h *Hub) Addr() net.Addr {
	return h.server.Addr()
}

// Shutdown runs the graceful-shutdown protocol (§4.3, §9): kicks every
// active session, drains the reaper, stops the persistence writer, and
// closes the log file if one is open. Safe to call more than once; a
// repeat call is a no-op via Server.Shutdown's own sync.Once.
func (h *Hub) Shutdown() {
	h.server.Shutdown()
	if h.logFile != nil {
		h.logFile.Close()
	}
}

// Logger exposes the hub's logger, for the CLI entrypoint to log startup
// and shutdown events through the same destinations as everything else.
func (h *Hub) Logger() *hublog.Logger {
	return h.log
}
