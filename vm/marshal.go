package vm

import "fmt"

// ---------------------------------------------------------------------------
// Cross-process value marshalling
// ---------------------------------------------------------------------------

// marshal copies v from one process's memory into another's. Scalars copy by
// value. Objects get a slot in the destination table, shared with any slot
// already wrapping the same host object. Arrays are copied into a fresh
// destination block element by element, so storage is never aliased across
// processes.
func marshal(v Value, from, to *Memory) (Value, error) {
	v.refs = 0
	switch {
	case v.kind.IsScalar():
		return v, nil
	case v.kind == KindObject:
		obj, ok := from.Object(v)
		if !ok {
			return Null().withType(ObjectType), nil
		}
		return to.NewObject(obj), nil
	case v.kind == KindHeapRef:
		n, err := from.ArrayLen(v)
		if err != nil {
			return Null(), err
		}
		dst := to.Allocate(n, v.dtype)
		for i := 0; i < n; i++ {
			src, err := from.Element(v, i)
			if err != nil {
				return Null(), err
			}
			elem, err := marshal(*src, from, to)
			if err != nil {
				return Null(), err
			}
			cell, err := to.Element(dst, i)
			if err != nil {
				return Null(), err
			}
			to.assign(cell, elem)
		}
		return dst, nil
	}
	return Null(), fmt.Errorf("%w: cannot copy %s between processes", ErrInvalidOperand, v.kind)
}
