package vm

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// RunStatus
// ---------------------------------------------------------------------------

// RunStatus reports why Thread.Run returned.
type RunStatus int

const (
	statusNext RunStatus = iota // internal: keep dispatching

	StatusYielded      // slice expired, PAUSE or YIELD
	StatusIdle         // nothing to run: paused, waiting or empty call stack
	StatusBlocked      // waiting for a cooperative lock
	StatusDebuggerHeld // an attached debugger has not granted permission
	StatusBaseReturn   // an external invocation returned
	StatusFinished     // the thread or its process has stopped
)

func (s RunStatus) String() string {
	switch s {
	case StatusYielded:
		return "yielded"
	case StatusIdle:
		return "idle"
	case StatusBlocked:
		return "blocked"
	case StatusDebuggerHeld:
		return "debugger-held"
	case StatusBaseReturn:
		return "base-return"
	case StatusFinished:
		return "finished"
	}
	return "running"
}

// ---------------------------------------------------------------------------
// Thread: one cooperative execution context
// ---------------------------------------------------------------------------

// Thread executes the instructions of its process. Threads of a process
// share its Memory; only one thread of a VM ever executes at a time.
type Thread struct {
	id    int
	proc  *Process
	ip    int
	regs  [NumRegisters]Value
	stack *Stack
	calls []*FunctionSymbol

	priority   int
	running    bool
	persistent bool // the default thread survives an empty call stack

	pausedUntil time.Time
	waiting     bool
	atomic      int
	blockedOn   int // instruction index of the contended lock, or -1
	held        []int

	hook DebugHook

	jumped     bool // the current handler moved ip itself
	nativeArgs int  // parameter count of the native being called
}

func newThread(p *Process, id, priority int) *Thread {
	return &Thread{
		id:        id,
		proc:      p,
		ip:        -1,
		stack:     newStack(p.mem, p.vm.cfg.StackCapacity),
		priority:  priority,
		running:   true,
		blockedOn: -1,
	}
}

// ID returns the thread's id within its process.
func (t *Thread) ID() int { return t.id }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// Memory returns the owning process's memory.
func (t *Thread) Memory() *Memory { return t.proc.mem }

// IP returns the instruction pointer.
func (t *Thread) IP() int { return t.ip }

// Priority returns the scheduling weight, or PriorityRealTime.
func (t *Thread) Priority() int { return t.priority }

// SetPriority changes the scheduling weight.
func (t *Thread) SetPriority(p int) { t.priority = p }

// Running reports whether the thread has not been finished.
func (t *Thread) Running() bool { return t.running }

// Waiting reports whether the thread is parked on a watcher.
func (t *Thread) Waiting() bool { return t.waiting }

// PausedUntil returns the resumption deadline of a paused thread.
func (t *Thread) PausedUntil() time.Time { return t.pausedUntil }

// Atomic reports whether the thread is inside an atomic section.
func (t *Thread) Atomic() bool { return t.atomic > 0 }

// Stack returns the value stack.
func (t *Thread) Stack() *Stack { return t.stack }

// Register returns the content of register r.
func (t *Thread) Register(r Register) Value {
	if r >= NumRegisters {
		return Null()
	}
	return t.regs[r]
}

// CallStack returns the active functions, outermost first.
func (t *Thread) CallStack() []*FunctionSymbol {
	return append([]*FunctionSymbol(nil), t.calls...)
}

// Hook returns the attached debugger, if any.
func (t *Thread) Hook() DebugHook { return t.hook }

// AttachDebugger attaches h, replacing any previous hook.
func (t *Thread) AttachDebugger(h DebugHook) {
	t.hook = h
	debugLog.Infof("debugger attached to process %d thread %d", t.proc.id, t.id)
}

// DetachDebugger removes the attached hook so the thread runs freely.
func (t *Thread) DetachDebugger() {
	if t.hook != nil {
		debugLog.Infof("debugger detached from process %d thread %d", t.proc.id, t.id)
	}
	t.hook = nil
}

// Pause suspends the thread for d.
func (t *Thread) Pause(d time.Duration) {
	t.pausedUntil = t.proc.vm.clock.Now().Add(d)
}

// WaitFor parks the thread until done reports true. done is polled at the
// start of each of the process's turns.
func (t *Thread) WaitFor(done func() bool) {
	t.waiting = true
	t.proc.waiters = append(t.proc.waiters, waiter{thread: t, done: done})
}

// idle reports whether the thread can take a new invocation.
func (t *Thread) idle() bool {
	return t.running && len(t.calls) == 0 && !t.waiting && t.pausedUntil.IsZero() && t.hook == nil
}

func (t *Thread) jump(ip int) {
	t.ip = ip
	t.jumped = true
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// Run executes instructions until budget elapses or the thread yields. An
// Unbounded budget runs until the thread yields by itself.
func (t *Thread) Run(budget time.Duration) RunStatus {
	if !t.running {
		return StatusFinished
	}
	p := t.proc
	clock := p.vm.clock
	now := clock.Now()
	if !t.pausedUntil.IsZero() {
		if now.Before(t.pausedUntil) {
			return StatusIdle
		}
		t.pausedUntil = time.Time{}
	}
	if t.waiting {
		return StatusIdle
	}
	if t.blockedOn >= 0 {
		if holder := p.locks[t.blockedOn]; holder != nil && holder != t {
			return StatusBlocked
		}
		t.blockedOn = -1
	}

	var deadline time.Time
	if budget != Unbounded {
		deadline = now.Add(budget)
	}
	code := p.program.Instructions
	for {
		if len(t.calls) == 0 || t.ip < 0 || t.ip >= len(code) {
			return StatusIdle
		}
		if t.hook != nil && !t.hook.CanRun(t) {
			return StatusDebuggerHeld
		}

		st := t.step(&code[t.ip])
		p.mem.settle()
		if t.hook != nil {
			t.hook.Executed(t)
		}
		switch {
		case p.finished || !t.running:
			return StatusFinished
		case st != statusNext:
			return st
		case t.waiting || !t.pausedUntil.IsZero():
			return StatusIdle
		}
		if t.atomic == 0 && budget != Unbounded && !clock.Now().Before(deadline) {
			return StatusYielded
		}
	}
}

// step executes one instruction. Faults are logged, escalated and skipped.
func (t *Thread) step(in *Instruction) (st RunStatus) {
	at := t.ip
	t.jumped = false
	defer func() {
		if r := recover(); r != nil {
			t.fault(at, fmt.Errorf("%w: %v", ErrInternal, r))
			t.ip = at + 1
			st = statusNext
		}
	}()

	st, err := t.exec(in)
	if err != nil {
		t.fault(at, err)
		if errors.Is(err, ErrStackCorrupt) {
			t.Finish()
			return StatusFinished
		}
		if !t.jumped {
			t.ip = at + 1
		}
		return statusNext
	}
	if !t.jumped {
		t.ip = at + 1
	}
	return st
}

// fault logs err with its source location and offers it to a debugger.
func (t *Thread) fault(at int, err error) {
	rerr := &RuntimeError{Err: err, Instruction: at}
	code := t.proc.program.Instructions
	if at >= 0 && at < len(code) {
		rerr.File, rerr.Line = code[at].File, code[at].Line
	}
	if n := len(t.calls); n > 0 {
		rerr.Function = t.calls[n-1].Name
	}
	vmLog.Errorf("process %d thread %d: %v", t.proc.id, t.id, rerr)
	t.proc.faults++
	t.escalate(HaltFault, rerr)
}

// escalate hands a halt to the attached hook, asking the host for one when
// nothing is attached. It reports whether a hook took the halt.
func (t *Thread) escalate(reason HaltReason, err error) bool {
	vm := t.proc.vm
	if t.hook == nil && vm.host != nil && (reason != HaltFault || vm.cfg.AttachOnFault) {
		if h := vm.host.AttachDebugger(t, reason, err); h != nil {
			t.AttachDebugger(h)
		}
	}
	if t.hook == nil {
		return false
	}
	t.hook.Halt(t, reason, err)
	return true
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Finish unwinds every frame, releasing the references they hold and any
// locks, and stops the thread.
func (t *Thread) Finish() {
	t.reset()
	for i := range t.regs {
		t.regs[i] = Value{}
	}
	t.running = false
}

// reset clears the call stack, value stack, locks and transient flags.
func (t *Thread) reset() {
	t.stack.clear()
	t.calls = t.calls[:0]
	t.releaseLocks()
	t.atomic = 0
	t.pausedUntil = time.Time{}
	t.waiting = false
	t.blockedOn = -1
	t.ip = -1
	t.jumped = true
}

func (t *Thread) releaseLocks() {
	for _, id := range t.held {
		if t.proc.locks[id] == t {
			delete(t.proc.locks, id)
		}
	}
	t.held = t.held[:0]
}

// ---------------------------------------------------------------------------
// Native parameter and result accessors
// ---------------------------------------------------------------------------

// ParamCount returns the number of parameters of the native being called.
func (t *Thread) ParamCount() int { return t.nativeArgs }

// Param returns parameter i of the native being called.
func (t *Thread) Param(i int) Value {
	if i < 0 || i >= t.nativeArgs {
		return Null()
	}
	v := *t.stack.cells.At(t.stack.top - t.nativeArgs + i)
	v.refs = 0
	return v
}

// ParamInt returns parameter i as an integer.
func (t *Thread) ParamInt(i int) int64 { return t.Param(i).AsInt() }

// ParamFloat returns parameter i as a float64.
func (t *Thread) ParamFloat(i int) float64 { return t.Param(i).AsFloat() }

// ParamString returns parameter i as a string.
func (t *Thread) ParamString(i int) string { return t.Param(i).AsString() }

// ParamBool returns parameter i as a boolean.
func (t *Thread) ParamBool(i int) bool { return t.Param(i).Truthy() }

// ParamObject returns the object parameter i references.
func (t *Thread) ParamObject(i int) (ScriptObject, error) {
	v := t.Param(i)
	obj, ok := t.proc.mem.Object(v)
	if !ok {
		return nil, fmt.Errorf("%w: parameter %d is %s, not an object", ErrInvalidOperand, i, v)
	}
	return obj, nil
}

// ParamArray returns a copy of the elements of the array parameter i.
func (t *Thread) ParamArray(i int) ([]Value, error) {
	v := t.Param(i)
	n, err := t.proc.mem.ArrayLen(v)
	if err != nil {
		return nil, err
	}
	out := make([]Value, n)
	for j := range out {
		c, err := t.proc.mem.Element(v, j)
		if err != nil {
			return nil, err
		}
		out[j] = *c
		out[j].refs = 0
	}
	return out, nil
}

// Return sets the return register.
func (t *Thread) Return(v Value) {
	v.refs = 0
	t.regs[RegReturn] = v
}

// ReturnObject stores obj in the process's object table and returns it.
func (t *Thread) ReturnObject(obj ScriptObject) Value {
	v := t.proc.mem.NewObject(obj)
	t.Return(v)
	return v
}
