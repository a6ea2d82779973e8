package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// DebugHook: the interpreter's only view of a debugger
// ---------------------------------------------------------------------------

// HaltReason says why a thread stopped for its debugger.
type HaltReason int

const (
	HaltPause HaltReason = iota
	HaltBreakpoint
	HaltStatement
	HaltStep
	HaltFault
)

func (r HaltReason) String() string {
	switch r {
	case HaltBreakpoint:
		return "breakpoint"
	case HaltStatement:
		return "statement"
	case HaltStep:
		return "step"
	case HaltFault:
		return "fault"
	}
	return "pause"
}

// DebugHook is attached to a thread to control and observe it. The thread
// consults CanRun before every instruction and reports each executed
// instruction and every halt.
type DebugHook interface {
	// CanRun reports whether t may execute its next instruction.
	CanRun(t *Thread) bool
	// NotifyBreakpoints reports whether BREAKPOINT should halt.
	NotifyBreakpoints() bool
	// NotifyStatements reports whether statement markers should halt.
	NotifyStatements() bool
	// Halt is called when t stops for reason; err is set for faults.
	Halt(t *Thread, reason HaltReason, err error)
	// Executed is called after every instruction t executes.
	Executed(t *Thread)
}

// DebuggerHost supplies debuggers on demand. A VM with a host asks it for a
// hook when a thread with none attached hits a breakpoint or faults.
type DebuggerHost interface {
	AttachDebugger(t *Thread, reason HaltReason, err error) DebugHook
}

// ---------------------------------------------------------------------------
// Debugger: the stock DebugHook
// ---------------------------------------------------------------------------

// StepMode indicates the current stepping mode.
type StepMode int

const (
	StepNone StepMode = iota // run freely
	StepInto                 // stop after one instruction
	StepOver                 // stop at the next instruction in this frame or an outer one
	StepOut                  // stop once the current frame has returned
)

// DebugEvent is sent to clients on every change of run state.
type DebugEvent struct {
	Type      string // "stopped", "continued", "breakpoint", "fault"
	Reason    string
	ProcessID int
	ThreadID  int
	IP        int
	File      string
	Line      int
}

// Debugger controls one thread: run, pause, step and continue, with
// switches for breakpoint and statement notification.
type Debugger struct {
	mu          sync.Mutex
	paused      bool
	stepMode    StepMode
	stepDepth   int
	breakpoints bool
	statements  bool
	lastReason  HaltReason
	lastErr     error
	eventChan   chan DebugEvent
}

// NewDebugger creates a debugger that halts on breakpoints and starts
// paused, so an attached thread waits for Continue or Step.
func NewDebugger() *Debugger {
	return &Debugger{
		paused:      true,
		breakpoints: true,
		eventChan:   make(chan DebugEvent, 32),
	}
}

// Events returns the event channel.
func (d *Debugger) Events() <-chan DebugEvent { return d.eventChan }

// Paused reports whether the debugger is holding its thread.
func (d *Debugger) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// LastHalt returns the reason and error of the most recent halt.
func (d *Debugger) LastHalt() (HaltReason, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReason, d.lastErr
}

// SetNotify selects which markers halt the thread.
func (d *Debugger) SetNotify(breakpoints, statements bool) {
	d.mu.Lock()
	d.breakpoints, d.statements = breakpoints, statements
	d.mu.Unlock()
}

// Pause holds the thread before its next instruction.
func (d *Debugger) Pause() {
	d.mu.Lock()
	d.paused = true
	d.stepMode = StepNone
	d.lastReason, d.lastErr = HaltPause, nil
	d.mu.Unlock()
	d.sendEvent(DebugEvent{Type: "stopped", Reason: HaltPause.String()})
}

// Continue lets the thread run freely.
func (d *Debugger) Continue() {
	d.mu.Lock()
	d.paused = false
	d.stepMode = StepNone
	d.mu.Unlock()
	d.sendEvent(DebugEvent{Type: "continued", Reason: "resume"})
}

// Step lets the thread run in the given step mode. depth is the call depth
// of the thread when stepping starts.
func (d *Debugger) Step(mode StepMode, depth int) {
	d.mu.Lock()
	d.paused = false
	d.stepMode = mode
	d.stepDepth = depth
	d.mu.Unlock()
	d.sendEvent(DebugEvent{Type: "continued", Reason: "step"})
}

func (d *Debugger) CanRun(t *Thread) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.paused
}

func (d *Debugger) NotifyBreakpoints() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakpoints
}

func (d *Debugger) NotifyStatements() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statements
}

func (d *Debugger) Halt(t *Thread, reason HaltReason, err error) {
	d.mu.Lock()
	d.paused = true
	d.stepMode = StepNone
	d.lastReason, d.lastErr = reason, err
	d.mu.Unlock()

	ev := eventAt(t, "stopped", reason.String())
	switch reason {
	case HaltBreakpoint:
		ev.Type = "breakpoint"
	case HaltFault:
		ev.Type = "fault"
		if err != nil {
			ev.Reason = err.Error()
		}
	}
	d.sendEvent(ev)
}

func (d *Debugger) Executed(t *Thread) {
	d.mu.Lock()
	mode, depth := d.stepMode, d.stepDepth
	if mode == StepNone || d.paused {
		d.mu.Unlock()
		return
	}
	n := len(t.calls)
	stop := mode == StepInto ||
		(mode == StepOver && n <= depth) ||
		(mode == StepOut && n < depth)
	if stop {
		d.paused = true
		d.stepMode = StepNone
		d.lastReason, d.lastErr = HaltStep, nil
	}
	d.mu.Unlock()
	if stop {
		d.sendEvent(eventAt(t, "stopped", HaltStep.String()))
	}
}

func (d *Debugger) sendEvent(event DebugEvent) {
	select {
	case d.eventChan <- event:
	default:
		// Channel full, drop event
	}
}

func eventAt(t *Thread, typ, reason string) DebugEvent {
	ev := DebugEvent{Type: typ, Reason: reason, ProcessID: t.proc.id, ThreadID: t.id, IP: t.ip}
	code := t.proc.program.Instructions
	if t.ip >= 0 && t.ip < len(code) {
		ev.File, ev.Line = code[t.ip].File, code[t.ip].Line
	}
	return ev
}
