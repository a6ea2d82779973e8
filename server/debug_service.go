package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/cinder/vm"
)

// DebugServiceName is the fully-qualified name of the debug service.
const DebugServiceName = "cinder.debug.v1.DebugService"

// Procedure paths of the debug service.
const (
	ListProcessesProcedure = "/" + DebugServiceName + "/ListProcesses"
	AttachProcedure        = "/" + DebugServiceName + "/Attach"
	DetachProcedure        = "/" + DebugServiceName + "/Detach"
	ContinueProcedure      = "/" + DebugServiceName + "/Continue"
	StepProcedure          = "/" + DebugServiceName + "/Step"
	ConfigureProcedure     = "/" + DebugServiceName + "/Configure"
	SnapshotProcedure      = "/" + DebugServiceName + "/Snapshot"
	SetVariableProcedure   = "/" + DebugServiceName + "/SetVariable"
	PollEventsProcedure    = "/" + DebugServiceName + "/PollEvents"
)

// DebugService implements the debugger RPCs over connect.
type DebugService struct {
	worker   *VMWorker
	sessions *SessionStore
}

// NewDebugService creates a DebugService.
func NewDebugService(worker *VMWorker, sessions *SessionStore) *DebugService {
	return &DebugService{worker: worker, sessions: sessions}
}

// register mounts every procedure on mux.
func (s *DebugService) register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	mux.Handle(ListProcessesProcedure, connect.NewUnaryHandler(ListProcessesProcedure, s.ListProcesses, opts...))
	mux.Handle(AttachProcedure, connect.NewUnaryHandler(AttachProcedure, s.Attach, opts...))
	mux.Handle(DetachProcedure, connect.NewUnaryHandler(DetachProcedure, s.Detach, opts...))
	mux.Handle(ContinueProcedure, connect.NewUnaryHandler(ContinueProcedure, s.Continue, opts...))
	mux.Handle(StepProcedure, connect.NewUnaryHandler(StepProcedure, s.Step, opts...))
	mux.Handle(ConfigureProcedure, connect.NewUnaryHandler(ConfigureProcedure, s.Configure, opts...))
	mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.Snapshot, opts...))
	mux.Handle(SetVariableProcedure, connect.NewUnaryHandler(SetVariableProcedure, s.SetVariable, opts...))
	mux.Handle(PollEventsProcedure, connect.NewUnaryHandler(PollEventsProcedure, s.PollEvents, opts...))
}

// ListProcesses describes every process, its threads and the open sessions.
func (s *DebugService) ListProcesses(
	ctx context.Context,
	req *connect.Request[ListProcessesRequest],
) (*connect.Response[ListProcessesResponse], error) {
	result, err := s.worker.Do(func(v *vm.VM) any {
		s.sessions.prune(v)
		return s.listProcesses(v)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(result.(*ListProcessesResponse)), nil
}

// listProcesses must be called on the VM worker goroutine.
func (s *DebugService) listProcesses(v *vm.VM) *ListProcessesResponse {
	resp := &ListProcessesResponse{}
	for _, p := range v.Processes() {
		info := ProcessInfo{
			ID:       p.ID(),
			URL:      p.URL(),
			State:    p.State(),
			Priority: p.Priority(),
			Faults:   p.Faults(),
		}
		for _, t := range p.Threads() {
			ti := ThreadInfo{ID: t.ID(), IP: t.IP(), Depth: len(t.CallStack()), Waiting: t.Waiting()}
			if session, ok := s.sessions.ForThread(t); ok {
				ti.SessionID = session.ID
			}
			info.Threads = append(info.Threads, ti)
		}
		resp.Processes = append(resp.Processes, info)
	}
	for _, session := range s.sessions.List() {
		resp.Sessions = append(resp.Sessions, session.Info())
	}
	return resp
}

// Attach attaches a new paused debugger to a thread. Attaching to a thread
// that already has a session returns that session.
func (s *DebugService) Attach(
	ctx context.Context,
	req *connect.Request[AttachRequest],
) (*connect.Response[AttachResponse], error) {
	result, err := s.worker.Do(func(v *vm.VM) any {
		p, ok := v.Process(req.Msg.ProcessID)
		if !ok {
			return fmt.Errorf("%w: %d", errProcessNotFound, req.Msg.ProcessID)
		}
		t, ok := p.Thread(req.Msg.ThreadID)
		if !ok {
			return fmt.Errorf("%w: %d in process %d", errThreadNotFound, req.Msg.ThreadID, p.ID())
		}
		if session, ok := s.sessions.ForThread(t); ok {
			return session
		}
		if t.Hook() != nil {
			return fmt.Errorf("%w: process %d thread %d", errAlreadyAttached, p.ID(), t.ID())
		}
		d := vm.NewDebugger()
		t.AttachDebugger(d)
		return s.sessions.add(t, d, vm.HaltPause)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if e, ok := result.(error); ok {
		return nil, toConnectError(e)
	}
	session := result.(*Session)
	log.Infof("session %s attached to process %d thread %d", session.ID, session.ProcessID, session.ThreadID)
	return connect.NewResponse(&AttachResponse{SessionID: session.ID}), nil
}

// Detach removes a session's debugger; a held thread runs on.
func (s *DebugService) Detach(
	ctx context.Context,
	req *connect.Request[DetachRequest],
) (*connect.Response[DetachResponse], error) {
	if err := s.sessions.Destroy(req.Msg.SessionID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DetachResponse{}), nil
}

// Continue lets a session's thread run freely.
func (s *DebugService) Continue(
	ctx context.Context,
	req *connect.Request[ContinueRequest],
) (*connect.Response[ContinueResponse], error) {
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	session.Debugger.Continue()
	return connect.NewResponse(&ContinueResponse{}), nil
}

// Step runs a session's thread in a step mode.
func (s *DebugService) Step(
	ctx context.Context,
	req *connect.Request[StepRequest],
) (*connect.Response[StepResponse], error) {
	mode, err := ParseStepMode(req.Msg.Mode)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	err = s.worker.doErr(func(*vm.VM) error {
		session.Debugger.Step(mode, len(session.thread.CallStack()))
		return nil
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&StepResponse{}), nil
}

// ParseStepMode maps "into", "over" and "out" to step modes.
func ParseStepMode(s string) (vm.StepMode, error) {
	switch s {
	case "into", "":
		return vm.StepInto, nil
	case "over":
		return vm.StepOver, nil
	case "out":
		return vm.StepOut, nil
	}
	return vm.StepNone, fmt.Errorf("unknown step mode %q", s)
}

// Configure selects which markers halt a session's thread.
func (s *DebugService) Configure(
	ctx context.Context,
	req *connect.Request[ConfigureRequest],
) (*connect.Response[ConfigureResponse], error) {
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	session.Debugger.SetNotify(req.Msg.Breakpoints, req.Msg.Statements)
	return connect.NewResponse(&ConfigureResponse{}), nil
}

// Snapshot captures the state of a session's thread.
func (s *DebugService) Snapshot(
	ctx context.Context,
	req *connect.Request[SnapshotRequest],
) (*connect.Response[SnapshotResponse], error) {
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	result, err := s.worker.Do(func(*vm.VM) any {
		return vm.Inspect(session.thread)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := &SnapshotResponse{
		Snapshot: result.(vm.Snapshot),
		Paused:   session.Debugger.Paused(),
	}
	reason, haltErr := session.Debugger.LastHalt()
	resp.Reason = reason.String()
	if haltErr != nil {
		resp.Error = haltErr.Error()
	}
	return connect.NewResponse(resp), nil
}

// SetVariable assigns a literal to a variable visible to a session's thread.
func (s *DebugService) SetVariable(
	ctx context.Context,
	req *connect.Request[SetVariableRequest],
) (*connect.Response[SetVariableResponse], error) {
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	err = s.worker.doErr(func(*vm.VM) error {
		return vm.SetVariable(session.thread, req.Msg.Name, req.Msg.Value)
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SetVariableResponse{}), nil
}

// PollEvents drains a session's queued debug events without blocking.
func (s *DebugService) PollEvents(
	ctx context.Context,
	req *connect.Request[PollEventsRequest],
) (*connect.Response[PollEventsResponse], error) {
	session, err := s.sessions.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	resp := &PollEventsResponse{}
	events := session.Debugger.Events()
	for req.Msg.Max <= 0 || len(resp.Events) < req.Msg.Max {
		select {
		case ev := <-events:
			resp.Events = append(resp.Events, ev)
			continue
		default:
		}
		break
	}
	return connect.NewResponse(resp), nil
}

// toConnectError maps package and VM errors onto connect codes.
func toConnectError(err error) error {
	switch {
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, errProcessNotFound),
		errors.Is(err, errThreadNotFound),
		errors.Is(err, vm.ErrUnknownVariable):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrInvalidOperand):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, errAlreadyAttached):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
