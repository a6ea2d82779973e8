package vm

import (
	"testing"
)

func steppingProgram() *ProgramBuilder {
	b := NewProgramBuilder("step.cnd")
	n := b.Global("n", IntType)
	inner := b.Function("Inner", VoidType, nil, nil)
	inner.At("step.src", 10).Emit(OpInc, n).
		At("step.src", 11).Emit(OpReturn)
	outer := b.Function("Outer", VoidType, nil, nil)
	outer.At("step.src", 1).Emit(OpBreakpoint).
		At("step.src", 2).Emit(OpCall, inner.Ref()).
		At("step.src", 3).Emit(OpInc, n).
		At("step.src", 4).Emit(OpReturn)
	return b
}

// ---------------------------------------------------------------------------
// Debugger state tests
// ---------------------------------------------------------------------------

func TestNewDebuggerStartsPaused(t *testing.T) {
	d := NewDebugger()
	if !d.Paused() {
		t.Error("new debugger should hold its thread")
	}
	if !d.NotifyBreakpoints() || d.NotifyStatements() {
		t.Error("default notification should be breakpoints only")
	}
	d.Continue()
	if d.Paused() {
		t.Error("Continue did not release the thread")
	}
	d.Pause()
	if !d.Paused() {
		t.Error("Pause did not hold the thread")
	}
	evs := drainEvents(d)
	if len(evs) != 2 || evs[0].Type != "continued" || evs[1].Type != "stopped" {
		t.Errorf("events = %+v", evs)
	}
}

func TestSendEventDropsWhenFull(t *testing.T) {
	d := NewDebugger()
	for i := 0; i < 100; i++ {
		d.Continue()
	}
	if n := len(drainEvents(d)); n != cap(d.eventChan) {
		t.Errorf("queued %d events, want %d", n, cap(d.eventChan))
	}
}

// ---------------------------------------------------------------------------
// Breakpoints and stepping
// ---------------------------------------------------------------------------

func TestBreakpointAttachesThroughHost(t *testing.T) {
	host := &recordingHost{}
	tv := newTestVM(t, WithDebuggerHost(host))
	p := tv.load(t, steppingProgram())

	call(t, p, "Outer")
	if len(host.attached) != 1 || host.reasons[0] != HaltBreakpoint {
		t.Fatalf("attachments = %v, want one breakpoint", host.reasons)
	}
	d := host.attached[0]
	th := p.MainThread()
	evs := drainEvents(d)
	if len(evs) != 1 || evs[0].Type != "breakpoint" || evs[0].Line != 1 {
		t.Errorf("events = %+v, want one breakpoint event on line 1", evs)
	}
	if st := th.Run(Unbounded); st != StatusDebuggerHeld {
		t.Errorf("Run = %s, want debugger-held", st)
	}
	if globalInt(t, p, "n") != 0 {
		t.Error("thread ran past the breakpoint")
	}
}

func TestBreakpointWithoutDebuggerIsSkipped(t *testing.T) {
	tv := newTestVM(t)
	p := tv.load(t, steppingProgram())
	call(t, p, "Outer")
	if got := globalInt(t, p, "n"); got != 2 {
		t.Errorf("n = %d, want 2", got)
	}
}

func TestStepModes(t *testing.T) {
	host := &recordingHost{}
	tv := newTestVM(t, WithDebuggerHost(host))
	p := tv.load(t, steppingProgram())
	call(t, p, "Outer")
	d := host.attached[0]
	th := p.MainThread()
	outer, _ := p.Program().FindFunction("Outer", NoParent)
	inner, _ := p.Program().FindFunction("Inner", NoParent)

	// Into the call.
	d.Step(StepInto, len(th.CallStack()))
	th.Run(Unbounded)
	if th.IP() != inner.Entry {
		t.Fatalf("StepInto stopped at %d, want Inner entry %d", th.IP(), inner.Entry)
	}

	// Out of Inner back to Outer.
	d.Step(StepOut, len(th.CallStack()))
	th.Run(Unbounded)
	if th.IP() != outer.Entry+2 || len(th.CallStack()) != 1 {
		t.Fatalf("StepOut stopped at %d depth %d, want %d depth 1", th.IP(), len(th.CallStack()), outer.Entry+2)
	}
	if globalInt(t, p, "n") != 1 {
		t.Errorf("n = %d after Inner, want 1", globalInt(t, p, "n"))
	}

	// Over the increment.
	d.Step(StepOver, len(th.CallStack()))
	th.Run(Unbounded)
	if th.IP() != outer.Entry+3 {
		t.Errorf("StepOver stopped at %d, want %d", th.IP(), outer.Entry+3)
	}

	d.Continue()
	if st := th.Run(Unbounded); st != StatusBaseReturn {
		t.Errorf("Run after continue = %s", st)
	}
}

func TestStepOverSkipsCalls(t *testing.T) {
	host := &recordingHost{}
	tv := newTestVM(t, WithDebuggerHost(host))
	p := tv.load(t, steppingProgram())
	call(t, p, "Outer")
	d := host.attached[0]
	th := p.MainThread()
	outer, _ := p.Program().FindFunction("Outer", NoParent)

	d.Step(StepOver, len(th.CallStack()))
	th.Run(Unbounded)
	if th.IP() != outer.Entry+2 {
		t.Errorf("StepOver stopped at %d, want %d", th.IP(), outer.Entry+2)
	}
	if globalInt(t, p, "n") != 1 {
		t.Error("Inner did not run during StepOver")
	}
}

func TestStatementNotification(t *testing.T) {
	tv := newTestVM(t)
	b := NewProgramBuilder("stmt.cnd")
	n := b.Global("n", IntType)
	b.Function("Body", VoidType, nil, nil).
		Emit(OpStmtEnter).
		Emit(OpInc, n).
		Emit(OpStmtExit).
		Emit(OpReturn)
	p := tv.load(t, b)

	if _, err := p.InvokeFunction("Body", false, false); err != nil {
		t.Fatal(err)
	}
	d := NewDebugger()
	d.SetNotify(false, true)
	d.Continue()
	th := p.MainThread()
	th.AttachDebugger(d)

	if st := th.Run(Unbounded); st != StatusDebuggerHeld {
		t.Fatalf("Run = %s, want debugger-held at STMT_ENTER", st)
	}
	if r, _ := d.LastHalt(); r != HaltStatement {
		t.Errorf("halt reason = %s, want statement", r)
	}
	d.Continue()
	th.Run(Unbounded)
	if globalInt(t, p, "n") != 1 {
		t.Error("statement body did not run")
	}
	th.DetachDebugger()
	if st := th.Run(Unbounded); st != StatusBaseReturn {
		t.Errorf("Run after detach = %s, want base-return", st)
	}
}
