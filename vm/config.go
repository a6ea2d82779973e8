package vm

import (
	"io"
	"io/fs"
	"time"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config holds the tunables of a VM.
type Config struct {
	// TimeBudget is the slice RunAll hands out when called with a zero budget.
	TimeBudget time.Duration

	// GCInterval is how often each process sweeps its heaps.
	GCInterval time.Duration

	// Initial capacities. Every store grows on demand.
	HeapCapacity   int
	ObjectCapacity int
	StackCapacity  int

	// AttachOnFault asks the DebuggerHost for a debugger when a thread
	// faults with nothing attached.
	AttachOnFault bool
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		TimeBudget:     16 * time.Millisecond,
		GCInterval:     time.Second,
		HeapCapacity:   256,
		ObjectCapacity: 64,
		StackCapacity:  128,
		AttachOnFault:  true,
	}
}

// Option configures a VM at construction.
type Option func(*VM)

// WithConfig replaces the VM configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(vm *VM) {
		def := DefaultConfig()
		if cfg.TimeBudget <= 0 {
			cfg.TimeBudget = def.TimeBudget
		}
		if cfg.GCInterval <= 0 {
			cfg.GCInterval = def.GCInterval
		}
		if cfg.HeapCapacity <= 0 {
			cfg.HeapCapacity = def.HeapCapacity
		}
		if cfg.ObjectCapacity <= 0 {
			cfg.ObjectCapacity = def.ObjectCapacity
		}
		if cfg.StackCapacity <= 0 {
			cfg.StackCapacity = def.StackCapacity
		}
		vm.cfg = cfg
	}
}

// WithClock replaces the wall clock used for pauses, slices and GC timers.
func WithClock(c Clock) Option {
	return func(vm *VM) { vm.clock = c }
}

// WithRegistry shares a native function registry between VMs.
func WithRegistry(r *Registry) Option {
	return func(vm *VM) { vm.registry = r }
}

// WithDebuggerHost installs the host asked to attach debuggers on
// breakpoints and faults.
func WithDebuggerHost(h DebuggerHost) Option {
	return func(vm *VM) { vm.host = h }
}

// WithScriptFS sets the file system LoadScript reads images from.
func WithScriptFS(fsys fs.FS) Option {
	return func(vm *VM) { vm.fsys = fsys }
}

// WithOutput sets where the Print builtin writes.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}
