package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/cinder/vm"
)

var (
	errSessionNotFound = errors.New("session not found")
	errProcessNotFound = errors.New("process not found")
	errThreadNotFound  = errors.New("thread not found")
	errAlreadyAttached = errors.New("thread already has a debugger")
)

// Session is one debugger attached to one script thread.
type Session struct {
	ID        string
	ProcessID int
	ThreadID  int
	Reason    vm.HaltReason
	Debugger  *vm.Debugger

	thread   *vm.Thread
	created  time.Time
	lastUsed time.Time
}

// Info returns the wire description of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		ProcessID: s.ProcessID,
		ThreadID:  s.ThreadID,
		Reason:    s.Reason.String(),
		Paused:    s.Debugger.Paused(),
	}
}

// SessionStore maps uuid session ids to attached debuggers. Sessions not
// used within the TTL are swept; sweeping detaches the debugger so a held
// thread runs on.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byThread map[*vm.Thread]*Session
	worker   *VMWorker
	now      func() time.Time
}

// NewSessionStore creates a new session store.
func NewSessionStore(worker *VMWorker) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byThread: make(map[*vm.Thread]*Session),
		worker:   worker,
		now:      time.Now,
	}
}

// add records a session for d attached to t. It touches no VM state, so it
// is safe to call from the VM goroutine.
func (s *SessionStore) add(t *vm.Thread, d *vm.Debugger, reason vm.HaltReason) *Session {
	now := s.now()
	session := &Session{
		ID:        uuid.NewString(),
		ProcessID: t.Process().ID(),
		ThreadID:  t.ID(),
		Reason:    reason,
		Debugger:  d,
		thread:    t,
		created:   now,
		lastUsed:  now,
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.byThread[t] = session
	s.mu.Unlock()
	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errSessionNotFound, id)
	}
	session.lastUsed = s.now()
	return session, nil
}

// ForThread returns the session attached to t.
func (s *SessionStore) ForThread(t *vm.Thread) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.byThread[t]
	return session, ok
}

// List returns every session ordered by creation.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

func (s *SessionStore) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	if s.byThread[session.thread] == session {
		delete(s.byThread, session.thread)
	}
	s.mu.Unlock()
}

// detach removes session and its hook. Must be called on the VM goroutine.
func (s *SessionStore) detach(session *Session) {
	s.remove(session)
	if session.thread.Hook() == vm.DebugHook(session.Debugger) {
		session.thread.DetachDebugger()
	}
}

// Destroy detaches and removes a session.
func (s *SessionStore) Destroy(id string) error {
	session, err := s.Get(id)
	if err != nil {
		return err
	}
	return s.worker.doErr(func(*vm.VM) error {
		s.detach(session)
		return nil
	})
}

// prune drops sessions whose process is no longer attached to v. Must be
// called on the VM goroutine.
func (s *SessionStore) prune(v *vm.VM) {
	for _, session := range s.List() {
		if _, ok := v.Process(session.ProcessID); !ok {
			s.remove(session)
		}
	}
}

// Sweep detaches sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	var expired []*Session
	s.mu.RLock()
	for _, session := range s.sessions {
		if session.lastUsed.Before(cutoff) {
			expired = append(expired, session)
		}
	}
	s.mu.RUnlock()
	if len(expired) == 0 {
		return 0
	}
	err := s.worker.doErr(func(*vm.VM) error {
		for _, session := range expired {
			s.detach(session)
			log.Infof("session %s expired; thread %d/%d released", session.ID, session.ProcessID, session.ThreadID)
		}
		return nil
	})
	if err != nil {
		log.Errorf("session sweep: %v", err)
	}
	return len(expired)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
