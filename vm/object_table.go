package vm

import (
	"fmt"
	"reflect"
)

// ---------------------------------------------------------------------------
// ScriptObject: the capability interface of objects passed into scripts
// ---------------------------------------------------------------------------

// ScriptObject is implemented by every host or script object stored in an
// Object Table. Member access that an object does not support or authorize
// returns an error wrapping ErrUnknownMember.
type ScriptObject interface {
	InvokeMethod(t *Thread, name string, args []Value) (Value, error)
	GetMember(t *Thread, name string) (Value, error)
	GetIndexedMember(t *Thread, name string, index int) (Value, error)
	SetMember(t *Thread, name string, v Value) error
	SetIndexedMember(t *Thread, name string, index int, v Value) error
	Release()
}

// Underlier is implemented by wrappers that expose the host object they
// wrap. Two wrappers around the same underlying object share one table slot
// and compare equal.
type Underlier interface {
	Underlying() any
}

// identityOf returns the key used to de-duplicate o, or nil if o cannot be
// compared safely.
func identityOf(o ScriptObject) any {
	if u, ok := o.(Underlier); ok {
		if x := u.Underlying(); x != nil && safeComparable(x) {
			return x
		}
	}
	if safeComparable(o) {
		return o
	}
	return nil
}

func safeComparable(x any) bool {
	t := reflect.TypeOf(x)
	switch t.Kind() {
	case reflect.Struct, reflect.Array, reflect.Interface:
		return false
	}
	return t.Comparable()
}

// ---------------------------------------------------------------------------
// NativeObject: stock ScriptObject around a Go value
// ---------------------------------------------------------------------------

// NativeObject exposes a Go value to scripts through explicit member tables.
type NativeObject struct {
	Target any

	Methods map[string]func(t *Thread, args []Value) (Value, error)
	Getters map[string]func(t *Thread) (Value, error)
	Setters map[string]func(t *Thread, v Value) error

	IndexedGetters map[string]func(t *Thread, index int) (Value, error)
	IndexedSetters map[string]func(t *Thread, index int, v Value) error

	OnRelease func()
}

// NewNativeObject wraps target with empty member tables.
func NewNativeObject(target any) *NativeObject {
	return &NativeObject{
		Target:         target,
		Methods:        make(map[string]func(*Thread, []Value) (Value, error)),
		Getters:        make(map[string]func(*Thread) (Value, error)),
		Setters:        make(map[string]func(*Thread, Value) error),
		IndexedGetters: make(map[string]func(*Thread, int) (Value, error)),
		IndexedSetters: make(map[string]func(*Thread, int, Value) error),
	}
}

// Underlying returns the wrapped Go value.
func (o *NativeObject) Underlying() any { return o.Target }

func (o *NativeObject) InvokeMethod(t *Thread, name string, args []Value) (Value, error) {
	if fn, ok := o.Methods[name]; ok {
		return fn(t, args)
	}
	return Null(), fmt.Errorf("%w: method %q", ErrUnknownMember, name)
}

func (o *NativeObject) GetMember(t *Thread, name string) (Value, error) {
	if fn, ok := o.Getters[name]; ok {
		return fn(t)
	}
	return Null(), fmt.Errorf("%w: member %q", ErrUnknownMember, name)
}

func (o *NativeObject) GetIndexedMember(t *Thread, name string, index int) (Value, error) {
	if fn, ok := o.IndexedGetters[name]; ok {
		return fn(t, index)
	}
	return Null(), fmt.Errorf("%w: indexed member %q", ErrUnknownMember, name)
}

func (o *NativeObject) SetMember(t *Thread, name string, v Value) error {
	if fn, ok := o.Setters[name]; ok {
		return fn(t, v)
	}
	return fmt.Errorf("%w: member %q is not settable", ErrUnknownMember, name)
}

func (o *NativeObject) SetIndexedMember(t *Thread, name string, index int, v Value) error {
	if fn, ok := o.IndexedSetters[name]; ok {
		return fn(t, index, v)
	}
	return fmt.Errorf("%w: indexed member %q is not settable", ErrUnknownMember, name)
}

func (o *NativeObject) Release() {
	if o.OnRelease != nil {
		o.OnRelease()
	}
}

// ---------------------------------------------------------------------------
// ObjectTable: indexed, reference-counted object registry
// ---------------------------------------------------------------------------

type objectSlot struct {
	obj      ScriptObject
	identity any
	refs     int
	pinned   bool // never collected
}

// ObjectTable maps small integer indices to objects. Index 0 is reserved so a
// zeroed index is never mistaken for a live object.
type ObjectTable struct {
	slots *Slab[*objectSlot]
	live  int
}

// ObjectInfo describes one live object slot.
type ObjectInfo struct {
	Index  int
	Refs   int
	Pinned bool
	Object ScriptObject
}

func newObjectTable(capacity int) *ObjectTable {
	return &ObjectTable{slots: newSlab[*objectSlot](capacity)}
}

// Len returns the number of live slots.
func (ot *ObjectTable) Len() int { return ot.live }

// Cap returns the number of slots including the reserved one.
func (ot *ObjectTable) Cap() int { return ot.slots.Cap() }

// Get returns the object at index.
func (ot *ObjectTable) Get(index int) (ScriptObject, bool) {
	s := ot.slot(index)
	if s == nil {
		return nil, false
	}
	return s.obj, true
}

// Refs returns the reference count of the object at index.
func (ot *ObjectTable) Refs(index int) int {
	if s := ot.slot(index); s != nil {
		return s.refs
	}
	return 0
}

func (ot *ObjectTable) slot(index int) *objectSlot {
	if index <= 0 || !ot.slots.InRange(index) {
		return nil
	}
	return *ot.slots.At(index)
}

// allocate stores obj and returns its index. A slot already holding the same
// underlying object is reused. collect is invoked once before growth.
func (ot *ObjectTable) allocate(obj ScriptObject, pinned bool, collect func()) int {
	id := identityOf(obj)
	index := ot.slots.acquire(func() (int, bool) { return ot.find(id) }, collect, 1)
	if s := *ot.slots.At(index); s != nil {
		s.pinned = s.pinned || pinned
		return index
	}
	*ot.slots.At(index) = &objectSlot{obj: obj, identity: id, pinned: pinned}
	ot.live++
	return index
}

// find returns the slot holding identity, else the first free slot.
func (ot *ObjectTable) find(identity any) (int, bool) {
	free := -1
	for i := 1; i < ot.slots.Cap(); i++ {
		s := *ot.slots.At(i)
		if s == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if identity != nil && s.identity == identity {
			return i, true
		}
	}
	return free, free > 0
}

// Deallocate releases the object at index and nulls its slot.
func (ot *ObjectTable) Deallocate(index int) error {
	s := ot.slot(index)
	if s == nil {
		return fmt.Errorf("%w: object index %d", ErrInvalidOperand, index)
	}
	s.obj.Release()
	*ot.slots.At(index) = nil
	ot.live--
	return nil
}

// sweep deallocates every unpinned object with no references that is not
// in roots. It returns the number of objects released.
func (ot *ObjectTable) sweep(roots map[int]struct{}) int {
	swept := 0
	for i := 1; i < ot.slots.Cap(); i++ {
		s := *ot.slots.At(i)
		if s == nil || s.pinned || s.refs > 0 {
			continue
		}
		if _, ok := roots[i]; ok {
			continue
		}
		_ = ot.Deallocate(i)
		swept++
	}
	return swept
}

// releaseAll releases every live object; used at process teardown.
func (ot *ObjectTable) releaseAll() {
	for i := 1; i < ot.slots.Cap(); i++ {
		if *ot.slots.At(i) != nil {
			_ = ot.Deallocate(i)
		}
	}
}

// Objects lists every live slot in index order.
func (ot *ObjectTable) Objects() []ObjectInfo {
	var out []ObjectInfo
	for i := 1; i < ot.slots.Cap(); i++ {
		if s := *ot.slots.At(i); s != nil {
			out = append(out, ObjectInfo{Index: i, Refs: s.refs, Pinned: s.pinned, Object: s.obj})
		}
	}
	return out
}

// sameObject compares two object slots by underlying identity.
func (ot *ObjectTable) sameObject(a, b int) bool {
	if a == b {
		return true
	}
	sa, sb := ot.slot(a), ot.slot(b)
	if sa == nil || sb == nil {
		return false
	}
	return sa.identity != nil && sa.identity == sb.identity
}
