package vm

import (
	"testing"
)

func TestExportReturnsObjectIntoCallerTable(t *testing.T) {
	tv := newTestVM(t)

	yb := NewProgramBuilder("y.cnd")
	thing := yb.Global("thing", ObjectType)
	mk := yb.Function("Make", ObjectType, []Var{{"n", IntType}, {"o", ObjectType}}, nil).Flags(FlagExport)
	mk.Emit(OpReturn, thing)
	y := tv.load(t, yb)

	yObj := &hostThing{name: "from-y"}
	if err := y.SetGlobal("thing", y.Memory().NewObject(NewNativeObject(yObj))); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}

	xb := NewProgramBuilder("x.cnd")
	imp := xb.Import("Make", ObjectType, IntType, ObjectType)
	run := xb.Function("Run", ObjectType, []Var{{"o", ObjectType}}, []Var{{"r", ObjectType}})
	run.Emit(OpPush, Int(7)).
		Emit(OpPush, run.Param(0)).
		Emit(OpCall, imp).
		Emit(OpMov, run.Local(0), Reg(RegReturn)).
		Emit(OpReturn, run.Local(0))
	x := tv.load(t, xb)

	xArg := x.Memory().NewObject(NewNativeObject(&hostThing{name: "from-x"}))
	before := x.Memory().Objects().Len()

	res := call(t, x, "Run", xArg)
	if res.Kind() != KindObject {
		t.Fatalf("Run returned %s, want an object", res)
	}
	if got := x.Memory().Objects().Len(); got != before+1 {
		t.Errorf("caller table grew by %d slots, want 1", got-before)
	}
	obj, ok := x.Memory().Object(res)
	if !ok {
		t.Fatal("result does not name a live slot in the caller")
	}
	if u := obj.(Underlier).Underlying(); u != any(yObj) {
		t.Errorf("result wraps %v, want the callee's object", u)
	}
	if res.Index() == xArg.Index() {
		t.Error("result aliases the argument slot")
	}
}

func TestExportCopiesArrays(t *testing.T) {
	tv := newTestVM(t)

	yb := NewProgramBuilder("y.cnd")
	yb.Global("pad", IntType)
	kept := yb.Global("kept", ArrayOf(TypeInt))
	keep := yb.Function("Keep", IntType, []Var{{"a", ArrayOf(TypeInt)}}, nil).Flags(FlagExport)
	keep.Emit(OpMov, kept, keep.Param(0)).
		Emit(OpLen, Reg(R0), keep.Param(0)).
		Emit(OpReturn, Reg(R0))
	y := tv.load(t, yb)

	xb := NewProgramBuilder("x.cnd")
	arr := xb.Global("arr", ArrayOf(TypeInt))
	imp := xb.Import("Keep", IntType, ArrayOf(TypeInt))
	xb.Function("Send", IntType, nil, nil).
		Emit(OpPush, arr).
		Emit(OpCall, imp).
		Emit(OpReturn, Reg(RegReturn))
	x := tv.load(t, xb)

	ref := x.Memory().Allocate(10, IntType)
	if err := x.SetGlobal("arr", ref); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	for i := 0; i < 10; i++ {
		cell, err := x.Memory().Element(ref, i)
		if err != nil {
			t.Fatalf("Element: %v", err)
		}
		x.mem.assign(cell, Int(int32(i*i)))
	}

	if got := call(t, x, "Send").AsInt(); got != 10 {
		t.Fatalf("Keep returned %d, want 10", got)
	}
	copied, err := y.Global("kept")
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if copied.Kind() != KindHeapRef {
		t.Fatalf("kept = %s, want an array", copied)
	}
	if copied.Index() == ref.Index() {
		t.Errorf("callee block starts at the caller's index %d", ref.Index())
	}
	n, err := y.Memory().ArrayLen(copied)
	if err != nil || n != 10 {
		t.Fatalf("copied length = %d, %v", n, err)
	}
	for i := 0; i < 10; i++ {
		a, _ := x.Memory().Element(ref, i)
		b, _ := y.Memory().Element(copied, i)
		if a.AsInt() != b.AsInt() {
			t.Errorf("element %d: caller %s, callee %s", i, a, b)
		}
	}
	if refs := x.Memory().Heap().Refs(ref.Index()); refs != 1 {
		t.Errorf("caller block refs = %d, want 1", refs)
	}
}

func TestMarshalScalarsAndNull(t *testing.T) {
	from, to := newTestMemory(), newTestMemory()
	for _, v := range []Value{Int(3), Double(1.5), String("s"), Bool(true), Null()} {
		got, err := marshal(v, from, to)
		if err != nil {
			t.Fatalf("marshal(%s): %v", v, err)
		}
		if got.Kind() != v.Kind() || got.AsString() != v.AsString() {
			t.Errorf("marshal(%s) = %s", v, got)
		}
	}
	if _, err := marshal(returnAddress(1), from, to); err == nil {
		t.Error("marshal of a control marker should fail")
	}
}
