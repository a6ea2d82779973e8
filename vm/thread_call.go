package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------
//
// A script call leaves the stack as
//
//	... | param 0 .. param n-1 | return address | marker | locals |
//	                                                             ^ frame base
//
// CALL pushes a frame marker; an external invocation pushes a base marker so
// the matching RETURN stops the driver that started it.

// call dispatches CALL: natives and exports through the registry, thread
// functions onto a new thread, everything else into a new frame.
func (t *Thread) call(op Value) (RunStatus, error) {
	fn, ok := t.proc.program.Function(int(op.num))
	if !ok {
		return statusNext, fmt.Errorf("%w: symbol %s is not a function", ErrUnknownFunction, op)
	}
	if fn.Has(FlagImport) {
		return statusNext, t.callImport(fn)
	}
	n := len(fn.Params)
	if t.stack.Len()-t.stack.Base() < n {
		return statusNext, fmt.Errorf("%w: %s needs %d parameters", ErrStackUnderflow, fn.Name, n)
	}
	if fn.Has(FlagThread) {
		nt := t.proc.newThread(t.priority)
		nt.invoke(fn, t.topValues(n))
		t.stack.truncate(t.stack.Len() - n)
		vmLog.Debugf("process %d thread %d spawned thread %d for %s", t.proc.id, t.id, nt.id, fn.Name)
		return statusNext, nil
	}
	t.enter(fn, returnAddress(t.ip+1), frameMarker())
	return statusNext, nil
}

// enter pushes a return address and a frame for fn and jumps to its entry.
func (t *Thread) enter(fn *FunctionSymbol, ra Value, marker Value) {
	t.stack.Push(ra)
	t.stack.pushFrame(fn.LocalDataSize()+1, marker)
	for j, l := range fn.Locals {
		*t.stack.cells.At(t.stack.base - 1 - j) = zeroOf(l.Type)
	}
	t.calls = append(t.calls, fn)
	t.jump(fn.Entry)
}

// invoke starts fn on this thread as an external invocation. Missing
// arguments are zero; scalar arguments take the declared parameter types.
func (t *Thread) invoke(fn *FunctionSymbol, args []Value) {
	for i, p := range fn.Params {
		v := zeroOf(p.Type)
		if i < len(args) {
			v = coerce(v, args[i])
		}
		t.stack.Push(v)
	}
	t.enter(fn, returnAddress(t.ip), baseMarker())
}

func (t *Thread) topValues(n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = *t.stack.cells.At(t.stack.top - n + i)
		out[i].refs = 0
	}
	return out
}

// ret unwinds the current frame. Scratch values left above the frame are
// popped while scanning for the nearest marker; running out of stack first
// is fatal corruption.
func (t *Thread) ret(in *Instruction) (RunStatus, error) {
	if len(in.Operands) == 1 {
		v, err := t.load(in.Operands[0])
		if err != nil {
			return statusNext, err
		}
		t.Return(v)
	}
	if len(t.calls) == 0 {
		return statusNext, fmt.Errorf("%w: return with empty call stack", ErrStackCorrupt)
	}
	fn := t.calls[len(t.calls)-1]
	t.calls = t.calls[:len(t.calls)-1]

	marker, err := t.stack.unwindFrame()
	if err != nil {
		return statusNext, err
	}
	ra, err := t.stack.Pop()
	if err != nil {
		return statusNext, fmt.Errorf("%w: no return address for %s", ErrStackCorrupt, fn.Name)
	}
	if ra.kind != KindReturnAddress {
		vmLog.Warningf("process %d thread %d: %s returned over %s", t.proc.id, t.id, fn.Name, ra)
	}
	keep := t.stack.Len() - len(fn.Params)
	if keep < 0 {
		keep = 0
	}
	t.stack.truncate(keep)
	t.jump(int(ra.num))
	if marker == KindBaseMarker {
		return StatusBaseReturn, nil
	}
	return statusNext, nil
}

// callImport resolves and calls an imported function. Its parameters are on
// top of the stack and are popped once the call completes.
func (t *Thread) callImport(fn *FunctionSymbol) error {
	b := fn.binding
	if b == nil || b.stale(t.proc.vm.registry) {
		var ok bool
		b, ok = t.proc.vm.registry.resolve(fn)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFunction, fn.Signature())
		}
		fn.binding = b
	}
	n := len(fn.Params)
	if t.stack.Len()-t.stack.Base() < n {
		return fmt.Errorf("%w: %s needs %d parameters", ErrStackUnderflow, fn.Name, n)
	}
	defer t.stack.truncate(t.stack.Len() - n)

	if b.native != nil {
		prev := t.nativeArgs
		t.nativeArgs = n
		err := b.native.Fn(t)
		t.nativeArgs = prev
		return err
	}
	res, err := t.callExport(b.export, t.topValues(n))
	if err != nil {
		return err
	}
	t.Return(res)
	return nil
}

// callExport runs an exported function of another process to completion,
// copying arguments into it and the result back out.
func (t *Thread) callExport(e *Export, args []Value) (Value, error) {
	q := e.Process
	in := make([]Value, len(args))
	for i, a := range args {
		v, err := marshal(a, t.proc.mem, q.mem)
		if err != nil {
			return Null(), err
		}
		in[i] = v
	}
	res, done, err := q.invoke(e.Function, in, true)
	if err != nil || !done {
		return Null(), err
	}
	return marshal(res, q.mem, t.proc.mem)
}

// runToReturn drives an external invocation until its base frame returns.
// If the thread suspends first it is left to the scheduler and done is false.
func (t *Thread) runToReturn() (Value, bool) {
	for {
		switch st := t.Run(Unbounded); st {
		case StatusBaseReturn:
			return t.regs[RegReturn], true
		case StatusYielded:
			if !t.pausedUntil.IsZero() {
				return Null(), false
			}
		default:
			return Null(), false
		}
	}
}
