package vm

import (
	"bytes"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// fakeClock is a Clock that only moves when told to. Slices never expire
// under it, so threads run until they yield by themselves.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// testVM bundles a VM with its clock, output buffer and registry.
type testVM struct {
	*VM
	clock    *fakeClock
	out      *bytes.Buffer
	registry *Registry
}

func newTestVM(t *testing.T, opts ...Option) *testVM {
	t.Helper()
	tv := &testVM{
		clock:    newFakeClock(),
		out:      &bytes.Buffer{},
		registry: NewRegistryWithBuiltins(),
	}
	all := append([]Option{WithClock(tv.clock), WithOutput(tv.out), WithRegistry(tv.registry)}, opts...)
	tv.VM = New(all...)
	t.Cleanup(tv.Shutdown)
	return tv
}

func (tv *testVM) load(t *testing.T, b *ProgramBuilder) *Process {
	t.Helper()
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	p, err := tv.LoadProgram(prog)
	if err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	return p
}

// call invokes name synchronously and fails the test on error.
func call(t *testing.T, p *Process, name string, args ...Value) Value {
	t.Helper()
	v, err := p.InvokeFunction(name, true, false, args...)
	if err != nil {
		t.Fatalf("InvokeFunction(%s) failed: %v", name, err)
	}
	return v
}

func globalInt(t *testing.T, p *Process, name string) int64 {
	t.Helper()
	v, err := p.Global(name)
	if err != nil {
		t.Fatalf("Global(%s) failed: %v", name, err)
	}
	return v.AsInt()
}

// recordingHost attaches a fresh Debugger to every thread that asks.
type recordingHost struct {
	attached []*Debugger
	reasons  []HaltReason
}

func (h *recordingHost) AttachDebugger(t *Thread, reason HaltReason, err error) DebugHook {
	d := NewDebugger()
	h.attached = append(h.attached, d)
	h.reasons = append(h.reasons, reason)
	return d
}

// drainEvents returns every event queued on d without blocking.
func drainEvents(d *Debugger) []DebugEvent {
	var out []DebugEvent
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}
