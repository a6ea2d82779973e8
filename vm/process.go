package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Process: one loaded program instance
// ---------------------------------------------------------------------------

// Process is a running instance of a Program. It owns a Memory shared by
// all of its threads, the current state, and the cooperative lock table.
type Process struct {
	vm      *VM
	id      int
	program *Program
	mem     *Memory
	gc      *ProcessGC
	globals Value

	state    int
	priority int

	threads      []*Thread
	main         *Thread
	nextThreadID int

	locks   map[int]*Thread
	waiters []waiter

	listeners []StateListener

	finished bool
	exitCode int
	faults   int
}

// StateListener is told when a process changes state.
type StateListener func(p *Process, from, to string)

// waiter parks a thread until done reports true.
type waiter struct {
	thread *Thread
	done   func() bool
}

func newProcess(vm *VM, prog *Program, id int) *Process {
	p := &Process{
		vm:       vm,
		id:       id,
		program:  prog,
		mem:      newMemory(vm.cfg, vm.clock),
		state:    NoParent,
		priority: DefaultPriority,
		locks:    make(map[int]*Thread),
	}
	p.mem.roots = p.registerRoots
	p.gc = newProcessGC(p.mem, vm.cfg.GCInterval, vm.clock.Now())
	return p
}

// ID returns the process id.
func (p *Process) ID() int { return p.id }

// VM returns the owning VM.
func (p *Process) VM() *VM { return p.vm }

// URL returns the location the program was loaded from.
func (p *Process) URL() string { return p.program.URL }

// Program returns the shared program.
func (p *Process) Program() *Program { return p.program }

// Memory returns the process's heaps.
func (p *Process) Memory() *Memory { return p.mem }

// GC returns the process's collector.
func (p *Process) GC() *ProcessGC { return p.gc }

// Priority returns the scheduling weight, or PriorityRealTime.
func (p *Process) Priority() int { return p.priority }

// SetPriority changes the scheduling weight.
func (p *Process) SetPriority(prio int) { p.priority = prio }

// Finished reports whether the process has exited or been detached.
func (p *Process) Finished() bool { return p.finished }

// ExitCode returns the code passed to Exit.
func (p *Process) ExitCode() int { return p.exitCode }

// Faults returns the number of runtime faults raised by the process.
func (p *Process) Faults() int { return p.faults }

// Threads returns a snapshot of the live threads.
func (p *Process) Threads() []*Thread {
	return append([]*Thread(nil), p.threads...)
}

// Thread returns the thread with the given id.
func (p *Process) Thread(id int) (*Thread, bool) {
	for _, t := range p.threads {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

// MainThread returns the default thread created at load.
func (p *Process) MainThread() *Thread { return p.main }

// State returns the name of the current state, or "".
func (p *Process) State() string {
	if st, ok := p.program.State(p.state); ok {
		return st.Name
	}
	return ""
}

// OnStateChange registers a listener for state changes.
func (p *Process) OnStateChange(fn StateListener) {
	p.listeners = append(p.listeners, fn)
}

// Exit marks the process finished with code. The VM detaches it at the end
// of the current RunAll pass.
func (p *Process) Exit(code int) {
	if p.finished {
		return
	}
	p.exitCode = code
	p.finished = true
	vmLog.Infof("process %d (%s) exited with code %d", p.id, p.program.URL, code)
}

// LastGC returns the statistics of the most recent sweep.
func (p *Process) LastGC() GCStats { return p.mem.lastGC }

// CollectGarbage sweeps the process's heaps now.
func (p *Process) CollectGarbage() GCStats {
	return *p.gc.SweepNow(p.vm.clock.Now())
}

func (p *Process) newThread(priority int) *Thread {
	p.nextThreadID++
	t := newThread(p, p.nextThreadID, priority)
	p.threads = append(p.threads, t)
	return t
}

// registerRoots lists every register of every thread for the sweep.
func (p *Process) registerRoots() []Value {
	roots := make([]Value, 0, len(p.threads)*int(NumRegisters))
	for _, t := range p.threads {
		for _, v := range t.regs {
			if v.kind.IsOwning() {
				roots = append(roots, v)
			}
		}
	}
	return roots
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// load allocates the globals, binds imports, publishes exports and console
// commands, creates the default thread, runs the global initialiser and
// enters the default state.
func (p *Process) load() error {
	prog := p.program

	p.globals = p.mem.Allocate(prog.GlobalSize(), DataType{Base: TypeVoid, Array: true})
	if p.globals.Index() != GlobalBase {
		return fmt.Errorf("%w: globals block at %d", ErrInternal, p.globals.Index())
	}
	p.mem.retain(p.globals)
	for _, g := range prog.Globals() {
		*p.mem.heap.cells.At(GlobalBase + g.Slot) = zeroOf(g.Type)
	}
	p.mem.settle()

	for _, fn := range prog.Functions() {
		switch {
		case fn.Has(FlagImport):
			if fn.binding == nil || fn.binding.stale(p.vm.registry) {
				if b, ok := p.vm.registry.resolve(fn); ok {
					fn.binding = b
				} else {
					vmLog.Debugf("process %d: %s unresolved until called", p.id, fn.Signature())
				}
			}
		case fn.Has(FlagExport):
			p.vm.registry.Export(p, fn)
		}
		if fn.Has(FlagConsole) {
			p.vm.addConsoleCommand(p, fn)
		}
	}

	p.main = p.newThread(DefaultPriority)
	p.main.persistent = true

	if fn, ok := prog.Function(prog.Header.GlobalScope); ok {
		if _, _, err := p.invoke(fn, nil, true); err != nil {
			return err
		}
	}
	if prog.Header.DefaultState != NoParent {
		if err := p.changeState(prog.Header.DefaultState); err != nil {
			return err
		}
	}
	return nil
}

// teardown finishes every thread, withdraws the process's exports and
// console commands, and discards its heaps.
func (p *Process) teardown() {
	for _, t := range p.threads {
		t.hook = nil
		t.Finish()
	}
	p.threads = nil
	p.waiters = nil
	p.locks = make(map[int]*Thread)
	p.vm.registry.removeExports(p)
	p.vm.removeConsoleCommands(p)
	p.mem.discard()
	p.finished = true
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func (p *Process) globalCell(name string) (*Value, *VariableSymbol, error) {
	g, ok := p.program.FindGlobal(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: global %q", ErrUnknownVariable, name)
	}
	c, err := p.mem.heap.Cell(GlobalBase + g.Slot)
	if err != nil {
		return nil, nil, err
	}
	return c, g, nil
}

// Global returns the value of the named global.
func (p *Process) Global(name string) (Value, error) {
	c, _, err := p.globalCell(name)
	if err != nil {
		return Null(), err
	}
	v := *c
	v.refs = 0
	return v, nil
}

// SetGlobal stores v in the named global.
func (p *Process) SetGlobal(name string, v Value) error {
	c, _, err := p.globalCell(name)
	if err != nil {
		return err
	}
	p.mem.assign(c, coerce(*c, v))
	return nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// FindFunction resolves name in the current state, then globally.
func (p *Process) FindFunction(name string) (*FunctionSymbol, bool) {
	return p.program.FindFunction(name, p.state)
}

// InvokeFunction calls a script function by name. With wait set the call
// runs to completion and its return value is returned; a call that
// suspends first is left running on the scheduler and returns null. Thread
// functions always run asynchronously unless ignoreThreadSpawn is set.
func (p *Process) InvokeFunction(name string, wait, ignoreThreadSpawn bool, args ...Value) (Value, error) {
	fn, ok := p.FindFunction(name)
	if !ok {
		return Null(), fmt.Errorf("%w: %s in %s", ErrUnknownFunction, name, p.program.URL)
	}
	if fn.Has(FlagImport) {
		return Null(), fmt.Errorf("%w: %s is imported", ErrUnknownFunction, name)
	}
	if fn.Has(FlagThread) && !ignoreThreadSpawn {
		wait = false
	}
	v, _, err := p.invoke(fn, args, wait)
	return v, err
}

// invoke starts fn on an idle thread and, with wait set, drives it until it
// returns. done reports whether the call completed.
func (p *Process) invoke(fn *FunctionSymbol, args []Value, wait bool) (Value, bool, error) {
	if p.finished {
		return Null(), false, fmt.Errorf("%w: process %d", ErrProcessFinished, p.id)
	}
	t := p.main
	if t == nil || !t.idle() {
		t = p.newThread(DefaultPriority)
	}
	t.invoke(fn, args)
	if !wait {
		return Null(), false, nil
	}
	res, done := t.runToReturn()
	if done && !t.persistent {
		p.removeThread(t)
	}
	return res, done, nil
}

func (p *Process) removeThread(t *Thread) {
	for i, x := range p.threads {
		if x == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	if t.running {
		t.Finish()
	}
}

// ---------------------------------------------------------------------------
// States
// ---------------------------------------------------------------------------

// ChangeState switches to the named state.
func (p *Process) ChangeState(name string) error {
	idx, ok := p.program.FindState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, name)
	}
	return p.changeState(idx)
}

// changeState runs the old state's OnStateFinish to completion, switches,
// resets every thread, notifies listeners, then runs the new state's
// OnStateBegin to completion.
func (p *Process) changeState(idx int) error {
	next, ok := p.program.State(idx)
	if !ok {
		return fmt.Errorf("%w: symbol %d", ErrUnknownState, idx)
	}
	from := p.State()
	if p.state != NoParent {
		if fn, ok := p.stateHook(p.state, "OnStateFinish"); ok {
			if _, _, err := p.invoke(fn, nil, true); err != nil {
				return err
			}
		}
	}
	p.state = idx
	for _, t := range p.Threads() {
		t.reset()
	}
	p.waiters = nil
	vmLog.Debugf("process %d: state %q -> %q", p.id, from, next.Name)
	for _, l := range p.listeners {
		l(p, from, next.Name)
	}
	for _, l := range p.vm.listeners {
		l(p, from, next.Name)
	}
	if fn, ok := p.stateHook(idx, "OnStateBegin"); ok {
		if _, _, err := p.invoke(fn, nil, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) stateHook(state int, name string) (*FunctionSymbol, bool) {
	fn, ok := p.program.FindFunction(name, state)
	if !ok || fn.Parent != state {
		return nil, false
	}
	return fn, true
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Run gives the process one turn of budget: it polls the GC timer and
// watchers, then splits budget among its threads by priority.
func (p *Process) Run(budget time.Duration) {
	if p.finished {
		return
	}
	p.gc.poll(p.vm.clock.Now())
	p.pollWaiters()

	threads := p.Threads()
	prios := make([]int, len(threads))
	for i, t := range threads {
		prios[i] = t.priority
	}
	for i, b := range Budgets(budget, prios) {
		if p.finished {
			return
		}
		t := threads[i]
		if st := t.Run(b); st == StatusBaseReturn && !t.persistent && len(t.calls) == 0 {
			t.Finish()
		}
	}
	p.prune()
}

// prune drops finished threads and spawned threads with nothing left to run.
// A process left without threads has exited.
func (p *Process) prune() {
	live := p.threads[:0]
	for _, t := range p.threads {
		switch {
		case !t.running:
		case !t.persistent && len(t.calls) == 0 && !t.waiting:
			t.Finish()
		default:
			live = append(live, t)
			continue
		}
	}
	for i := len(live); i < len(p.threads); i++ {
		p.threads[i] = nil
	}
	p.threads = live
	if len(live) == 0 {
		// Only EXIT on the main thread empties the list.
		p.Exit(p.exitCode)
	}
}

func (p *Process) pollWaiters() {
	keep := p.waiters[:0]
	for _, w := range p.waiters {
		switch {
		case !w.thread.running || !w.thread.waiting:
		case w.done():
			w.thread.waiting = false
		default:
			keep = append(keep, w)
		}
	}
	p.waiters = keep
}

// Clone loads another instance of the same program into the VM. The
// program is shared; memory, threads and state are fresh.
func (p *Process) Clone() (*Process, error) {
	return p.vm.LoadProgram(p.program)
}
