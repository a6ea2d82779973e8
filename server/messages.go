package server

import "github.com/chazu/cinder/vm"

// ---------------------------------------------------------------------------
// Debug service messages
// ---------------------------------------------------------------------------

type ListProcessesRequest struct{}

type ListProcessesResponse struct {
	Processes []ProcessInfo `cbor:"processes"`
	Sessions  []SessionInfo `cbor:"sessions"`
}

// ProcessInfo summarises one attached process.
type ProcessInfo struct {
	ID       int          `cbor:"id"`
	URL      string       `cbor:"url"`
	State    string       `cbor:"state"`
	Priority int          `cbor:"priority"`
	Faults   int          `cbor:"faults"`
	Threads  []ThreadInfo `cbor:"threads"`
}

// ThreadInfo summarises one thread of a process.
type ThreadInfo struct {
	ID        int    `cbor:"id"`
	IP        int    `cbor:"ip"`
	Depth     int    `cbor:"depth"`
	Waiting   bool   `cbor:"waiting"`
	SessionID string `cbor:"sessionId,omitempty"`
}

// SessionInfo describes a debugger session.
type SessionInfo struct {
	ID        string `cbor:"id"`
	ProcessID int    `cbor:"processId"`
	ThreadID  int    `cbor:"threadId"`
	Reason    string `cbor:"reason"`
	Paused    bool   `cbor:"paused"`
}

type AttachRequest struct {
	ProcessID int `cbor:"processId"`
	ThreadID  int `cbor:"threadId"`
}

type AttachResponse struct {
	SessionID string `cbor:"sessionId"`
}

type DetachRequest struct {
	SessionID string `cbor:"sessionId"`
}

type DetachResponse struct{}

type ContinueRequest struct {
	SessionID string `cbor:"sessionId"`
}

type ContinueResponse struct{}

// StepRequest selects a step mode: "into", "over" or "out".
type StepRequest struct {
	SessionID string `cbor:"sessionId"`
	Mode      string `cbor:"mode"`
}

type StepResponse struct{}

type ConfigureRequest struct {
	SessionID   string `cbor:"sessionId"`
	Breakpoints bool   `cbor:"breakpoints"`
	Statements  bool   `cbor:"statements"`
}

type ConfigureResponse struct{}

type SnapshotRequest struct {
	SessionID string `cbor:"sessionId"`
}

type SnapshotResponse struct {
	Snapshot vm.Snapshot `cbor:"snapshot"`
	Paused   bool        `cbor:"paused"`
	Reason   string      `cbor:"reason"`
	Error    string      `cbor:"error,omitempty"`
}

type SetVariableRequest struct {
	SessionID string `cbor:"sessionId"`
	Name      string `cbor:"name"`
	Value     string `cbor:"value"`
}

type SetVariableResponse struct{}

// PollEventsRequest drains up to Max queued events; zero means all.
type PollEventsRequest struct {
	SessionID string `cbor:"sessionId"`
	Max       int    `cbor:"max"`
}

type PollEventsResponse struct {
	Events []vm.DebugEvent `cbor:"events"`
}
