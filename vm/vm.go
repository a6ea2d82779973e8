package vm

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// VM: the host-facing scheduler of script processes
// ---------------------------------------------------------------------------

// VM owns a set of processes and runs them cooperatively on the calling
// goroutine. A VM is not safe for concurrent use; hosts that serve other
// goroutines funnel every call through one worker.
type VM struct {
	cfg      Config
	clock    Clock
	registry *Registry
	host     DebuggerHost
	fsys     fs.FS
	out      io.Writer

	processes []*Process
	nextPID   int

	// cache holds decoded programs by URL for LoadScript.
	cache map[string]*Program

	console   map[string]consoleEntry
	listeners []StateListener
}

type consoleEntry struct {
	proc *Process
	fn   *FunctionSymbol
}

// New creates a VM. Without options it uses DefaultConfig, the system
// clock, a registry holding the builtins and the working directory as its
// script file system.
func New(opts ...Option) *VM {
	vm := &VM{
		cfg:     DefaultConfig(),
		cache:   make(map[string]*Program),
		console: make(map[string]consoleEntry),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.clock == nil {
		vm.clock = SystemClock
	}
	if vm.registry == nil {
		vm.registry = NewRegistryWithBuiltins()
	}
	if vm.fsys == nil {
		vm.fsys = os.DirFS(".")
	}
	if vm.out == nil {
		vm.out = os.Stdout
	}
	return vm
}

// Config returns the VM configuration.
func (vm *VM) Config() Config { return vm.cfg }

// Clock returns the VM clock.
func (vm *VM) Clock() Clock { return vm.clock }

// Registry returns the native function registry.
func (vm *VM) Registry() *Registry { return vm.registry }

// Output returns the writer used by Print.
func (vm *VM) Output() io.Writer { return vm.out }

// SetDebuggerHost replaces the host asked to attach debuggers.
func (vm *VM) SetDebuggerHost(h DebuggerHost) { vm.host = h }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadScript reads the image at url from the script file system and loads
// it as a new process. With cache set a program already decoded for url is
// reused, so clones share one Program.
func (vm *VM) LoadScript(url string, cache bool) (*Process, error) {
	if prog, ok := vm.cache[url]; ok && cache {
		return vm.LoadProgram(prog)
	}
	data, err := fs.ReadFile(vm.fsys, url)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	prog, err := DecodeProgram(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	prog.URL = url
	if cache {
		vm.cache[url] = prog
	}
	return vm.LoadProgram(prog)
}

// LoadImage decodes an image held in memory and loads it.
func (vm *VM) LoadImage(url string, data []byte) (*Process, error) {
	prog, err := DecodeProgram(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	prog.URL = url
	return vm.LoadProgram(prog)
}

// LoadProgram starts a new process running prog. The process is attached
// before its initialiser runs so that it can already see other processes'
// exports and be seen by them.
func (vm *VM) LoadProgram(prog *Program) (*Process, error) {
	vm.nextPID++
	p := newProcess(vm, prog, vm.nextPID)
	vm.AttachProcess(p)
	if err := p.load(); err != nil {
		vm.DetachProcess(p)
		return nil, fmt.Errorf("load %s: %w", prog.URL, err)
	}
	vmLog.Infof("loaded process %d from %s", p.id, prog.URL)
	return p, nil
}

// ---------------------------------------------------------------------------
// Process table
// ---------------------------------------------------------------------------

// AttachProcess adds p to the scheduler.
func (vm *VM) AttachProcess(p *Process) {
	for _, x := range vm.processes {
		if x == p {
			return
		}
	}
	vm.processes = append(vm.processes, p)
}

// DetachProcess removes p from the scheduler and tears it down.
func (vm *VM) DetachProcess(p *Process) {
	for i, x := range vm.processes {
		if x == p {
			vm.processes = append(vm.processes[:i], vm.processes[i+1:]...)
			break
		}
	}
	p.teardown()
	vmLog.Infof("detached process %d (%s)", p.id, p.program.URL)
}

// Processes returns a snapshot of the attached processes.
func (vm *VM) Processes() []*Process {
	return append([]*Process(nil), vm.processes...)
}

// Process returns the attached process with the given id.
func (vm *VM) Process(id int) (*Process, bool) {
	for _, p := range vm.processes {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// RunAll gives every process one turn, splitting budget by process
// priority. A zero budget uses the configured TimeBudget. Processes that
// have exited are detached afterwards. RunAll returns the number of
// processes still attached.
func (vm *VM) RunAll(budget time.Duration) int {
	if budget == 0 {
		budget = vm.cfg.TimeBudget
	}
	procs := vm.Processes()
	prios := make([]int, len(procs))
	for i, p := range procs {
		prios[i] = p.priority
	}
	for i, b := range Budgets(budget, prios) {
		procs[i].Run(b)
	}
	for _, p := range vm.Processes() {
		if p.finished {
			vm.DetachProcess(p)
		}
	}
	return len(vm.processes)
}

// CollectGarbage sweeps every process now.
func (vm *VM) CollectGarbage() []GCStats {
	stats := make([]GCStats, 0, len(vm.processes))
	for _, p := range vm.processes {
		stats = append(stats, p.CollectGarbage())
	}
	return stats
}

// OnStateChange registers a listener told about every process's state
// changes, after the process's own listeners.
func (vm *VM) OnStateChange(fn StateListener) {
	vm.listeners = append(vm.listeners, fn)
}

// Shutdown detaches every process.
func (vm *VM) Shutdown() {
	for _, p := range vm.Processes() {
		vm.DetachProcess(p)
	}
	vm.cache = make(map[string]*Program)
}

// ---------------------------------------------------------------------------
// Console commands
// ---------------------------------------------------------------------------

func (vm *VM) addConsoleCommand(p *Process, fn *FunctionSymbol) {
	if prev, ok := vm.console[fn.Name]; ok && prev.proc != p {
		vmLog.Warningf("console command %q of process %d replaced by process %d", fn.Name, prev.proc.id, p.id)
	}
	vm.console[fn.Name] = consoleEntry{proc: p, fn: fn}
}

func (vm *VM) removeConsoleCommands(p *Process) {
	for name, e := range vm.console {
		if e.proc == p {
			delete(vm.console, name)
		}
	}
}

// ConsoleCommands lists the registered console command names.
func (vm *VM) ConsoleCommands() []string {
	names := make([]string, 0, len(vm.console))
	for name := range vm.console {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunConsoleCommand invokes a console command with string arguments, each
// converted to the declared parameter type, and waits for its result.
func (vm *VM) RunConsoleCommand(name string, args ...string) (Value, error) {
	e, ok := vm.console[name]
	if !ok {
		return Null(), fmt.Errorf("%w: console command %q", ErrUnknownFunction, name)
	}
	in := make([]Value, len(args))
	for i, a := range args {
		in[i] = String(a)
	}
	v, _, err := e.proc.invoke(e.fn, in, true)
	return v, err
}
