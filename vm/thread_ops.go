package vm

import (
	"fmt"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Operand resolution
// ---------------------------------------------------------------------------

// resolve follows one level of register, stack or heap addressing to the
// storage cell an operand names.
func (t *Thread) resolve(op Value) (*Value, error) {
	mem := t.proc.mem
	switch op.kind {
	case KindRegister:
		if op.num < 0 || op.num >= int64(NumRegisters) {
			return nil, fmt.Errorf("%w: register %d", ErrInvalidOperand, op.num)
		}
		return &t.regs[op.num], nil
	case KindStack:
		return t.stack.At(int(op.num))
	case KindHeap:
		c, err := mem.heap.Cell(int(op.num))
		if err != nil {
			return nil, err
		}
		if c.kind == KindBoundary || c.kind == KindInvalid {
			return nil, fmt.Errorf("%w: heap slot %d is a block header", ErrInvalidOperand, op.num)
		}
		return c, nil
	case KindStackIndexed:
		c, err := t.stack.At(int(op.num))
		if err != nil {
			return nil, err
		}
		return t.element(*c, op.reg)
	case KindHeapIndexed:
		c, err := mem.heap.Cell(int(op.num))
		if err != nil {
			return nil, err
		}
		return t.element(*c, op.reg)
	}
	return nil, fmt.Errorf("%w: %s is not addressable", ErrInvalidOperand, op)
}

func (t *Thread) element(ref Value, r Register) (*Value, error) {
	if r >= NumRegisters {
		return nil, fmt.Errorf("%w: register %d", ErrInvalidOperand, r)
	}
	return t.proc.mem.Element(ref, int(t.regs[r].AsInt()))
}

// load returns the value an operand denotes: the content of an addressed
// cell, a string constant for a string symbol, or the literal itself.
func (t *Thread) load(op Value) (Value, error) {
	switch {
	case op.kind.IsAddress():
		c, err := t.resolve(op)
		if err != nil {
			return Null(), err
		}
		v := *c
		v.refs = 0
		return v, nil
	case op.kind == KindSymbol:
		s, ok := t.proc.program.Symbol(int(op.num))
		if !ok {
			return Null(), fmt.Errorf("%w: symbol %d", ErrInvalidOperand, op.num)
		}
		if str, ok := s.(*StringSymbol); ok {
			return String(str.Value), nil
		}
		return Null(), fmt.Errorf("%w: %s %q is not a value", ErrInvalidOperand, s.SymbolKind(), s.SymbolName())
	}
	return op, nil
}

// store writes v into the cell op names. Registers are plain scratch; every
// other cell goes through the reference-counting assignment and takes the
// declared scalar type of the cell.
func (t *Thread) store(op Value, v Value) error {
	return t.put(op, v, true)
}

// storeExact is store without conversion to the cell's declared type.
func (t *Thread) storeExact(op Value, v Value) error {
	return t.put(op, v, false)
}

func (t *Thread) put(op Value, v Value, convert bool) error {
	c, err := t.resolve(op)
	if err != nil {
		return err
	}
	if v.kind >= KindReturnAddress {
		return fmt.Errorf("%w: cannot store %s", ErrInvalidOperand, v.kind)
	}
	if op.kind == KindRegister {
		v.refs = 0
		*c = v
		return nil
	}
	if convert {
		v = coerce(*c, v)
	}
	t.proc.mem.assign(c, v)
	return nil
}

// coerce converts a scalar v to the declared scalar type of cell dst.
func coerce(dst, v Value) Value {
	b := dst.dtype.Base
	if dst.dtype.Array || b == TypeVoid || b == TypeObject {
		return v
	}
	if !v.kind.IsScalar() || v.kind == KindNull || v.kind == b.Kind() {
		return v
	}
	return Convert(v, b)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (t *Thread) exec(in *Instruction) (RunStatus, error) {
	ops := in.Operands
	switch in.Op {
	case OpNop:
		return statusNext, nil

	// Stack
	case OpPush:
		v, err := t.load(ops[0])
		if err != nil {
			return statusNext, err
		}
		t.stack.Push(v)
	case OpPushEmpty:
		t.stack.PushEmpty(ops[0].dtype)
	case OpPop:
		if t.stack.Len() <= t.stack.Base() {
			return statusNext, fmt.Errorf("%w: pop below frame base", ErrStackUnderflow)
		}
		top, _ := t.stack.Peek()
		if err := t.store(ops[0], top); err != nil {
			return statusNext, err
		}
		_, err := t.stack.Pop()
		return statusNext, err
	case OpPopDestroy:
		if t.stack.Len() <= t.stack.Base() {
			return statusNext, fmt.Errorf("%w: pop below frame base", ErrStackUnderflow)
		}
		_, err := t.stack.Pop()
		return statusNext, err
	case OpMov:
		v, err := t.load(ops[1])
		if err != nil {
			return statusNext, err
		}
		return statusNext, t.store(ops[0], v)

	// Cast
	case OpCast:
		v, err := t.load(ops[0])
		if err != nil {
			return statusNext, err
		}
		d := ops[1].dtype
		if d.Array {
			return statusNext, fmt.Errorf("%w: cast to %s", ErrInvalidOperand, d)
		}
		return statusNext, t.storeExact(ops[0], Convert(v, d.Base))

	// Arithmetic, bitwise and logical
	case OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpAnd, OpOr, OpXor, OpShl, OpShr, OpLAnd, OpLOr:
		return statusNext, t.binary(in.Op, ops[0], ops[1])
	case OpNeg, OpInc, OpDec, OpNot, OpLNot:
		return statusNext, t.unary(in.Op, ops[0])

	// Compare and branch
	case OpCmp:
		a, err := t.load(ops[0])
		if err != nil {
			return statusNext, err
		}
		b, err := t.load(ops[1])
		if err != nil {
			return statusNext, err
		}
		t.regs[RegCompare] = Long(t.compare(a, b))
	case OpJmp, OpJeq, OpJne, OpJlt, OpJle, OpJgt, OpJge:
		if branchTaken(in.Op, t.regs[RegCompare].AsInt()) {
			return statusNext, t.branch(ops[0])
		}
	case OpJt, OpJf:
		v, err := t.load(ops[0])
		if err != nil {
			return statusNext, err
		}
		if v.Truthy() == (in.Op == OpJt) {
			return statusNext, t.branch(ops[1])
		}

	// Call and control
	case OpCall:
		return t.call(ops[0])
	case OpReturn:
		return t.ret(in)
	case OpExit:
		vmLog.Debugf("process %d thread %d exited", t.proc.id, t.id)
		t.Finish()
		return StatusFinished, nil
	case OpPause:
		v, err := t.load(ops[0])
		if err != nil {
			return statusNext, err
		}
		t.Pause(time.Duration(v.AsInt()) * time.Millisecond)
		return StatusYielded, nil
	case OpYield:
		return StatusYielded, nil
	case OpGotoState:
		if err := t.proc.changeState(int(ops[0].num)); err != nil {
			return statusNext, err
		}
		// The state change reset this thread; ip now belongs to whatever
		// OnStateBegin left running on it.
		t.jumped = true
		if len(t.calls) == 0 {
			return StatusIdle, nil
		}
		return StatusYielded, nil

	// Heap
	case OpAlloc:
		size, err := t.load(ops[1])
		if err != nil {
			return statusNext, err
		}
		n := size.AsInt()
		if n < 0 || n > math.MaxInt32 {
			return statusNext, fmt.Errorf("%w: array size %d", ErrInvalidOperand, n)
		}
		ref := t.proc.mem.Allocate(int(n), ops[2].dtype)
		return statusNext, t.storeExact(ops[0], ref)
	case OpDealloc:
		c, err := t.resolve(ops[0])
		if err != nil {
			return statusNext, err
		}
		if err := t.proc.mem.Deallocate(*c); err != nil {
			return statusNext, err
		}
		if ops[0].kind == KindRegister {
			*c = Value{}
		} else {
			t.proc.mem.release(c)
		}
	case OpLen:
		v, err := t.load(ops[1])
		if err != nil {
			return statusNext, err
		}
		n, err := t.proc.mem.ArrayLen(v)
		if err != nil {
			return statusNext, err
		}
		return statusNext, t.store(ops[0], Int(int32(n)))

	// Debug
	case OpBreakpoint:
		if t.hook == nil || t.hook.NotifyBreakpoints() {
			if !t.escalate(HaltBreakpoint, nil) {
				vmLog.Debugf("process %d thread %d: breakpoint at %d with no debugger", t.proc.id, t.id, t.ip)
			}
		}
	case OpStmtEnter, OpStmtExit:
		if t.hook != nil && t.hook.NotifyStatements() {
			t.hook.Halt(t, HaltStatement, nil)
		}

	// Locking
	case OpLock:
		return t.lock()
	case OpUnlock:
		return statusNext, t.unlock(int(ops[0].num))
	case OpEnterAtom:
		t.atomic++
	case OpLeaveAtom:
		if t.atomic > 0 {
			t.atomic--
		}

	// Members
	case OpCallMethod, OpGetMember, OpGetMemberIndexed, OpSetMember, OpSetMemberIndexed:
		return statusNext, t.member(in)

	default:
		return statusNext, fmt.Errorf("%w: %s", ErrUnknownOpcode, in.Op)
	}
	return statusNext, nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (t *Thread) binary(op Opcode, dst, src Value) error {
	a, err := t.load(dst)
	if err != nil {
		return err
	}
	b, err := t.load(src)
	if err != nil {
		return err
	}
	r, err := arithmetic(op, a, b)
	if err != nil {
		return err
	}
	return t.store(dst, r)
}

func (t *Thread) unary(op Opcode, dst Value) error {
	a, err := t.load(dst)
	if err != nil {
		return err
	}
	var r Value
	switch op {
	case OpLNot:
		r = Bool(!a.Truthy())
	case OpNeg:
		r, err = arithmetic(OpSub, zeroLike(a), a)
	case OpInc:
		r, err = arithmetic(OpAdd, a, Byte(1))
	case OpDec:
		r, err = arithmetic(OpSub, a, Byte(1))
	case OpNot:
		if !a.kind.IsIntegral() {
			return fmt.Errorf("%w: NOT of %s", ErrInvalidOperand, a.kind)
		}
		r = scalar(a.kind, ^a.num, 0)
	}
	if err != nil {
		return err
	}
	return t.store(dst, r)
}

func zeroLike(v Value) Value {
	if v.kind.IsNumeric() {
		return scalar(v.kind, 0, 0)
	}
	return Byte(0)
}

// scalar builds a numeric value of kind k from an integral or floating
// payload, truncating integers to the width of k.
func scalar(k Kind, n int64, f float64) Value {
	switch k {
	case KindFloat:
		return Float(float32(f))
	case KindDouble:
		return Double(f)
	case KindByte:
		return Byte(uint8(n))
	case KindShort:
		return Short(int16(n))
	case KindInt:
		return Int(int32(n))
	case KindBool:
		return Bool(n != 0)
	}
	return Long(n)
}

// arithmetic applies op to a and b after promotion to the wider kind.
func arithmetic(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpLAnd:
		return Bool(a.Truthy() && b.Truthy()), nil
	case OpLOr:
		return Bool(a.Truthy() || b.Truthy()), nil
	case OpAdd:
		if a.kind == KindString || b.kind == KindString {
			return String(a.AsString() + b.AsString()), nil
		}
	}
	if !a.kind.IsNumeric() && a.kind != KindBool || !b.kind.IsNumeric() && b.kind != KindBool {
		return Null(), fmt.Errorf("%w: %s %s %s", ErrInvalidOperand, a.kind, op, b.kind)
	}
	k := a.kind
	if b.kind > k {
		k = b.kind
	}
	if k == KindBool {
		k = KindInt
	}

	if k == KindFloat || k == KindDouble {
		x, y := a.AsFloat(), b.AsFloat()
		var r float64
		switch op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			r = x / y
		case OpMod:
			if y != 0 {
				r = math.Mod(x, y)
			}
		default:
			return Null(), fmt.Errorf("%w: %s on %s", ErrInvalidOperand, op, k)
		}
		return scalar(k, 0, r), nil
	}

	x, y := a.AsInt(), b.AsInt()
	var r int64
	switch op {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpDiv:
		if y == 0 {
			return Null(), ErrDivideByZero
		}
		r = x / y
	case OpMod:
		if y != 0 {
			r = x % y
		}
	case OpAnd:
		r = x & y
	case OpOr:
		r = x | y
	case OpXor:
		r = x ^ y
	case OpShl:
		r = x << uint(y&63)
	case OpShr:
		r = x >> uint(y&63)
	}
	return scalar(k, r, 0), nil
}

// ---------------------------------------------------------------------------
// Compare and branch
// ---------------------------------------------------------------------------

// compare returns sign(a-b) for numbers, and 0 or 1 for equality of
// strings, booleans, null, arrays and objects. Objects wrapping the same
// host object are equal.
func (t *Thread) compare(a, b Value) int64 {
	switch {
	case a.kind.IsNumeric() && b.kind.IsNumeric():
		return compareNumeric(a, b)
	case a.kind == KindObject && b.kind == KindObject:
		if t.proc.mem.objects.sameObject(int(a.num), int(b.num)) {
			return 0
		}
		return 1
	case a.kind.IsOwning() || b.kind.IsOwning():
		if a.kind == b.kind && a.num == b.num {
			return 0
		}
		return 1
	case scalarEqual(a, b):
		return 0
	}
	return 1
}

func branchTaken(op Opcode, cmp int64) bool {
	switch op {
	case OpJmp:
		return true
	case OpJeq:
		return cmp == 0
	case OpJne:
		return cmp != 0
	case OpJlt:
		return cmp < 0
	case OpJle:
		return cmp <= 0
	case OpJgt:
		return cmp > 0
	case OpJge:
		return cmp >= 0
	}
	return false
}

func (t *Thread) branch(target Value) error {
	if target.kind != KindInstruction {
		return fmt.Errorf("%w: jump target %s", ErrInvalidOperand, target)
	}
	t.jump(int(target.num))
	return nil
}

// ---------------------------------------------------------------------------
// Cooperative locks
// ---------------------------------------------------------------------------

// lock acquires the lock named by the current instruction. A contended lock
// yields without advancing, so the same LOCK runs again on a later turn.
func (t *Thread) lock() (RunStatus, error) {
	id := t.ip
	switch holder := t.proc.locks[id]; holder {
	case nil:
		t.proc.locks[id] = t
		t.held = append(t.held, id)
	case t:
	default:
		t.blockedOn = id
		t.jumped = true
		return StatusBlocked, nil
	}
	return statusNext, nil
}

func (t *Thread) unlock(id int) error {
	switch holder := t.proc.locks[id]; holder {
	case nil:
		return nil
	case t:
		delete(t.proc.locks, id)
		for i, h := range t.held {
			if h == id {
				t.held = append(t.held[:i], t.held[i+1:]...)
				break
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: lock @%d is held by thread %d", ErrInvalidOperand, id, holder.id)
	}
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

func (t *Thread) member(in *Instruction) error {
	ops := in.Operands
	// CALL_METHOD and SET_MEMBER* take the object first; GET_MEMBER* take a
	// destination first.
	objAt := 0
	if in.Op == OpGetMember || in.Op == OpGetMemberIndexed {
		objAt = 1
	}
	target, err := t.load(ops[objAt])
	if err != nil {
		return err
	}
	obj, ok := t.proc.mem.Object(target)
	if !ok {
		return fmt.Errorf("%w: %s is not an object", ErrInvalidOperand, target)
	}
	nameVal, err := t.load(ops[objAt+1])
	if err != nil {
		return err
	}
	name := nameVal.AsString()

	switch in.Op {
	case OpCallMethod:
		argc, err := t.load(ops[2])
		if err != nil {
			return err
		}
		n := int(argc.AsInt())
		if n < 0 || n > t.stack.Len()-t.stack.Base() {
			return fmt.Errorf("%w: %d method arguments", ErrStackUnderflow, n)
		}
		args := make([]Value, n)
		for i := range args {
			args[i] = *t.stack.cells.At(t.stack.top - n + i)
			args[i].refs = 0
		}
		res, err := obj.InvokeMethod(t, name, args)
		t.stack.truncate(t.stack.top - n)
		if err != nil {
			return err
		}
		t.Return(res)
		return nil
	case OpGetMember:
		v, err := obj.GetMember(t, name)
		if err != nil {
			return err
		}
		return t.store(ops[0], v)
	case OpGetMemberIndexed:
		idx, err := t.load(ops[3])
		if err != nil {
			return err
		}
		v, err := obj.GetIndexedMember(t, name, int(idx.AsInt()))
		if err != nil {
			return err
		}
		return t.store(ops[0], v)
	case OpSetMember:
		v, err := t.load(ops[2])
		if err != nil {
			return err
		}
		return obj.SetMember(t, name, v)
	case OpSetMemberIndexed:
		idx, err := t.load(ops[2])
		if err != nil {
			return err
		}
		v, err := t.load(ops[3])
		if err != nil {
			return err
		}
		return obj.SetIndexedMember(t, name, int(idx.AsInt()), v)
	}
	return nil
}
