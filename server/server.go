package server

import (
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/cinder/vm"
)

var log = commonlog.GetLogger("cinder.server")

// DebugServer exposes a running VM to remote debuggers over the Connect
// protocol. It is also the VM's DebuggerHost: a thread that hits a
// breakpoint, or faults with attach-on-fault set, gets a paused session
// that a client picks up with ListProcesses.
type DebugServer struct {
	worker   *VMWorker
	sessions *SessionStore
	mux      *http.ServeMux

	stopSweeper func()
}

// Option configures a DebugServer.
type Option func(*serverConfig)

type serverConfig struct {
	tick          time.Duration
	sweepInterval time.Duration
	sessionTTL    time.Duration
}

// WithTick runs the host loop on the worker every tick. Zero leaves the VM
// to be driven through Worker().Do.
func WithTick(d time.Duration) Option {
	return func(c *serverConfig) { c.tick = d }
}

// WithSessionTTL sets how long an unused session survives and how often
// sessions are swept.
func WithSessionTTL(ttl, sweepInterval time.Duration) Option {
	return func(c *serverConfig) {
		c.sessionTTL = ttl
		c.sweepInterval = sweepInterval
	}
}

// New creates a DebugServer wrapping v. It installs itself as v's
// debugger host, so v must not be running yet.
func New(v *vm.VM, opts ...Option) *DebugServer {
	cfg := &serverConfig{
		sweepInterval: time.Minute,
		sessionTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &DebugServer{mux: http.NewServeMux()}
	v.SetDebuggerHost(s)
	s.worker = NewVMWorker(v, cfg.tick)
	s.sessions = NewSessionStore(s.worker)

	NewDebugService(s.worker, s.sessions).register(s.mux)
	s.stopSweeper = s.sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)
	return s
}

// AttachDebugger gives a halting thread a paused session. It runs on the
// VM goroutine.
func (s *DebugServer) AttachDebugger(t *vm.Thread, reason vm.HaltReason, err error) vm.DebugHook {
	d := vm.NewDebugger()
	session := s.sessions.add(t, d, reason)
	if err != nil {
		log.Warningf("session %s opened on process %d thread %d: %s: %v", session.ID, session.ProcessID, session.ThreadID, reason, err)
	} else {
		log.Infof("session %s opened on process %d thread %d: %s", session.ID, session.ProcessID, session.ThreadID, reason)
	}
	return d
}

// Worker returns the worker that owns the VM.
func (s *DebugServer) Worker() *VMWorker { return s.worker }

// Sessions returns the session store.
func (s *DebugServer) Sessions() *SessionStore { return s.sessions }

// Handler returns the HTTP handler serving the debug service.
func (s *DebugServer) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *DebugServer) ListenAndServe(addr string) error {
	log.Noticef("debug server listening on %s (%s)", addr, DebugServiceName)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the sweeper and the worker.
func (s *DebugServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
}
