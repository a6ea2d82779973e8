package server

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/cinder/vm"
)

// ---------------------------------------------------------------------------
// Test environment: a VM behind a DebugServer on an httptest listener
// ---------------------------------------------------------------------------

type testEnv struct {
	server *DebugServer
	client *DebugClient
	out    *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	out := &bytes.Buffer{}
	s := New(vm.New(vm.WithOutput(out)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testEnv{server: s, client: NewDebugClient(ts.Client(), ts.URL), out: out}
}

// do runs fn on the VM goroutine and fails the test on error.
func (e *testEnv) do(t *testing.T, fn func(v *vm.VM) error) {
	t.Helper()
	if err := e.server.Worker().doErr(fn); err != nil {
		t.Fatalf("worker: %v", err)
	}
}

func (e *testEnv) load(t *testing.T, b *vm.ProgramBuilder) *vm.Process {
	t.Helper()
	var p *vm.Process
	e.do(t, func(v *vm.VM) error {
		prog, err := b.Build()
		if err != nil {
			return err
		}
		p, err = v.LoadProgram(prog)
		return err
	})
	return p
}

func (e *testEnv) runAll(t *testing.T) {
	t.Helper()
	e.do(t, func(v *vm.VM) error {
		v.RunAll(0)
		return nil
	})
}

func (e *testEnv) global(t *testing.T, p *vm.Process, name string) int64 {
	t.Helper()
	var n int64
	e.do(t, func(*vm.VM) error {
		g, err := p.Global(name)
		n = g.AsInt()
		return err
	})
	return n
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("code = %s, want %s (%v)", got, code, err)
	}
}

func breakpointProgram() *vm.ProgramBuilder {
	b := vm.NewProgramBuilder("bp.cnd")
	n := b.Global("n", vm.IntType)
	b.Function("Work", vm.IntType, nil, nil).
		At("bp.src", 1).Emit(vm.OpBreakpoint).
		At("bp.src", 2).Emit(vm.OpInc, n).
		At("bp.src", 3).Emit(vm.OpInc, n).
		At("bp.src", 4).Emit(vm.OpReturn, n)
	return b
}

func tickProgram() *vm.ProgramBuilder {
	b := vm.NewProgramBuilder("tick.cnd")
	n := b.Global("n", vm.IntType)
	b.Function("Tick", vm.VoidType, nil, nil).
		Emit(vm.OpYield).
		Emit(vm.OpInc, n).
		Emit(vm.OpReturn)
	return b
}

// ---------------------------------------------------------------------------
// Breakpoint sessions
// ---------------------------------------------------------------------------

func TestBreakpointSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.load(t, breakpointProgram())
	env.do(t, func(v *vm.VM) error {
		_, err := p.InvokeFunction("Work", false, false)
		v.RunAll(0)
		return err
	})

	list, err := env.client.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(list.Processes) != 1 || list.Processes[0].URL != "bp.cnd" {
		t.Fatalf("processes = %+v", list.Processes)
	}
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions = %+v, want one opened by the breakpoint", list.Sessions)
	}
	session := list.Sessions[0]
	if session.Reason != "breakpoint" || !session.Paused {
		t.Errorf("session = %+v", session)
	}
	if got := list.Processes[0].Threads[0].SessionID; got != session.ID {
		t.Errorf("thread session = %q, want %q", got, session.ID)
	}
	sid := session.ID

	events, err := env.client.PollEvents(ctx, sid, 0)
	if err != nil {
		t.Fatalf("PollEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "breakpoint" || events[0].File != "bp.src" {
		t.Errorf("events = %+v", events)
	}

	snap, err := env.client.Snapshot(ctx, sid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Snapshot.Line != 2 || !snap.Paused || snap.Reason != "breakpoint" {
		t.Errorf("snapshot at line %d paused=%v reason=%s", snap.Snapshot.Line, snap.Paused, snap.Reason)
	}
	if len(snap.Snapshot.CallStack) != 1 || snap.Snapshot.CallStack[0] != "Work()" {
		t.Errorf("call stack = %v", snap.Snapshot.CallStack)
	}

	if err := env.client.Step(ctx, sid, "into"); err != nil {
		t.Fatalf("Step: %v", err)
	}
	env.runAll(t)
	snap, err = env.client.Snapshot(ctx, sid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Snapshot.Line != 3 || snap.Snapshot.Globals[0].Value != "int(1)" {
		t.Errorf("after step: line %d globals %+v", snap.Snapshot.Line, snap.Snapshot.Globals)
	}

	if err := env.client.SetVariable(ctx, sid, "n", "10"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	wantCode(t, env.client.SetVariable(ctx, sid, "nope", "1"), connect.CodeNotFound)

	if err := env.client.Continue(ctx, sid); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	env.runAll(t)
	if got := env.global(t, p, "n"); got != 11 {
		t.Errorf("n = %d after continue, want 11", got)
	}

	if err := env.client.Detach(ctx, sid); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	list, err = env.client.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(list.Sessions) != 0 {
		t.Errorf("sessions after detach = %+v", list.Sessions)
	}
	_, err = env.client.Snapshot(ctx, sid)
	wantCode(t, err, connect.CodeNotFound)
}

func TestFaultOpensSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := vm.NewProgramBuilder("fault.cnd")
	n := b.Global("n", vm.IntType)
	b.Function("Boom", vm.VoidType, nil, nil).
		At("fault.src", 5).Emit(vm.OpDiv, n, vm.Int(0)).
		At("fault.src", 6).Emit(vm.OpReturn)
	p := env.load(t, b)
	env.do(t, func(v *vm.VM) error {
		_, err := p.InvokeFunction("Boom", false, false)
		v.RunAll(0)
		return err
	})

	list, err := env.client.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Reason != "fault" {
		t.Fatalf("sessions = %+v, want one fault session", list.Sessions)
	}
	if list.Processes[0].Faults != 1 {
		t.Errorf("faults = %d", list.Processes[0].Faults)
	}
	snap, err := env.client.Snapshot(ctx, list.Sessions[0].ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !strings.Contains(snap.Error, "fault.src:5") || !strings.Contains(snap.Error, "divide by zero") {
		t.Errorf("snapshot error = %q", snap.Error)
	}
	if snap.Snapshot.Line != 6 {
		t.Errorf("faulting instruction not skipped: line %d", snap.Snapshot.Line)
	}
}

// ---------------------------------------------------------------------------
// Manual attach
// ---------------------------------------------------------------------------

func TestAttachHoldsThread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.load(t, tickProgram())
	env.do(t, func(*vm.VM) error {
		_, err := p.InvokeFunction("Tick", false, false)
		return err
	})

	tid := p.MainThread().ID()
	sid, err := env.client.Attach(ctx, p.ID(), tid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	again, err := env.client.Attach(ctx, p.ID(), tid)
	if err != nil || again != sid {
		t.Errorf("second Attach = %q, %v; want %q", again, err, sid)
	}

	env.runAll(t)
	env.runAll(t)
	if got := env.global(t, p, "n"); got != 0 {
		t.Fatalf("n = %d while held by a new session", got)
	}

	if err := env.client.Configure(ctx, sid, false, true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := env.client.Continue(ctx, sid); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	env.runAll(t)
	env.runAll(t)
	if got := env.global(t, p, "n"); got != 1 {
		t.Errorf("n = %d after continue, want 1", got)
	}
}

func TestAttachErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.load(t, tickProgram())

	_, err := env.client.Attach(ctx, 999, 1)
	wantCode(t, err, connect.CodeNotFound)
	_, err = env.client.Attach(ctx, p.ID(), 999)
	wantCode(t, err, connect.CodeNotFound)

	env.do(t, func(*vm.VM) error {
		p.MainThread().AttachDebugger(vm.NewDebugger())
		return nil
	})
	_, err = env.client.Attach(ctx, p.ID(), p.MainThread().ID())
	wantCode(t, err, connect.CodeFailedPrecondition)

	wantCode(t, env.client.Step(ctx, "missing", "over"), connect.CodeNotFound)
	wantCode(t, env.client.Step(ctx, "missing", "sideways"), connect.CodeInvalidArgument)
	wantCode(t, env.client.Continue(ctx, "missing"), connect.CodeNotFound)
}

// ---------------------------------------------------------------------------
// Session store
// ---------------------------------------------------------------------------

func TestSweepReleasesIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.load(t, tickProgram())
	sid, err := env.client.Attach(ctx, p.ID(), p.MainThread().ID())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	store := env.server.Sessions()
	if n := store.Sweep(time.Minute); n != 0 {
		t.Errorf("fresh session swept: %d", n)
	}
	store.mu.Lock()
	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	store.mu.Unlock()
	if n := store.Sweep(time.Minute); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, err := store.Get(sid); !errors.Is(err, errSessionNotFound) {
		t.Errorf("Get after sweep: %v", err)
	}
	env.do(t, func(*vm.VM) error {
		if p.MainThread().Hook() != nil {
			return errors.New("swept session left its debugger attached")
		}
		return nil
	})
}

func TestListPrunesFinishedProcesses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.load(t, tickProgram())
	if _, err := env.client.Attach(ctx, p.ID(), p.MainThread().ID()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.do(t, func(v *vm.VM) error {
		p.Exit(0)
		v.RunAll(0)
		return nil
	})
	list, err := env.client.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(list.Processes) != 0 || len(list.Sessions) != 0 {
		t.Errorf("list = %+v, want empty", list)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := SnapshotResponse{
		Snapshot: vm.Snapshot{ProcessID: 3, URL: "x.cnd", Locals: []vm.VarView{{Name: "a", Type: "int", Value: "int(1)"}}},
		Paused:   true,
		Reason:   "step",
	}
	c := cborCodec{}
	data, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out SnapshotResponse
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Snapshot.URL != "x.cnd" || len(out.Snapshot.Locals) != 1 || out.Snapshot.Locals[0] != in.Snapshot.Locals[0] || !out.Paused {
		t.Errorf("round trip = %+v", out)
	}
	if err := c.Unmarshal([]byte{0xff}, &out); err == nil {
		t.Error("Unmarshal accepted garbage")
	}
}
