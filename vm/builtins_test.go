package vm

import (
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestPrintWritesToOutput(t *testing.T) {
	tv := newTestVM(t)
	b := NewProgramBuilder("print.cnd")
	printFn := b.Import("Print", VoidType, StringType)
	upper := b.Import("ToUpper", StringType, StringType)
	b.Function("Hello", VoidType, nil, nil).
		Emit(OpPush, String("hello")).
		Emit(OpCall, upper).
		Emit(OpPush, Reg(RegReturn)).
		Emit(OpCall, printFn).
		Emit(OpReturn)
	p := tv.load(t, b)

	call(t, p, "Hello")
	if got := tv.out.String(); got != "HELLO\n" {
		t.Errorf("output = %q, want %q", got, "HELLO\n")
	}
	if n := p.MainThread().Stack().Len(); n != 0 {
		t.Errorf("stack holds %d cells after native calls", n)
	}
}

func TestStringAndMathBuiltins(t *testing.T) {
	tv := newTestVM(t)
	b := NewProgramBuilder("lib.cnd")
	strlen := b.Import("StrLen", IntType, StringType)
	abs := b.Import("Abs", IntType, IntType)
	random := b.Import("Random", IntType, IntType, IntType)
	pid := b.Import("ProcessId", IntType)
	b.Function("Len", IntType, nil, nil).
		Emit(OpPush, String("cinder")).
		Emit(OpCall, strlen).
		Emit(OpReturn, Reg(RegReturn))
	b.Function("Abs", IntType, nil, nil).
		Emit(OpPush, Int(-12)).
		Emit(OpCall, abs).
		Emit(OpReturn, Reg(RegReturn))
	b.Function("Roll", IntType, nil, nil).
		Emit(OpPush, Int(6)).
		Emit(OpPush, Int(6)).
		Emit(OpCall, random).
		Emit(OpReturn, Reg(RegReturn))
	b.Function("Pid", IntType, nil, nil).
		Emit(OpCall, pid).
		Emit(OpReturn, Reg(RegReturn))
	p := tv.load(t, b)

	tests := []struct {
		fn   string
		want int64
	}{
		{"Len", 6},
		{"Abs", 12},
		{"Roll", 6},
		{"Pid", int64(p.ID())},
	}
	for _, tt := range tests {
		if got := call(t, p, tt.fn).AsInt(); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.fn, got, tt.want)
		}
	}
}

func TestSqrtOfNegativeFaults(t *testing.T) {
	tv := newTestVM(t)
	b := NewProgramBuilder("sqrt.cnd")
	sqrt := b.Import("Sqrt", FloatType, FloatType)
	b.Function("Bad", FloatType, nil, nil).
		Emit(OpPush, Float(-4)).
		Emit(OpCall, sqrt).
		Emit(OpReturn, Reg(RegReturn))
	p := tv.load(t, b)

	call(t, p, "Bad")
	if p.Faults() != 1 {
		t.Errorf("faults = %d, want 1", p.Faults())
	}
}

func TestArrayLength(t *testing.T) {
	tv := newTestVM(t)
	b := NewProgramBuilder("arrays.cnd")
	arr := b.Global("arr", ArrayOf(TypeInt))
	length := b.Import("ArrayLength", IntType, ArrayOf(TypeInt))
	b.Function("Size", IntType, nil, nil).
		Emit(OpAlloc, arr, Int(4), TypeOperand(IntType)).
		Emit(OpPush, arr).
		Emit(OpCall, length).
		Emit(OpReturn, Reg(RegReturn))
	p := tv.load(t, b)

	if got := call(t, p, "Size").AsInt(); got != 4 {
		t.Errorf("ArrayLength = %d, want 4", got)
	}
}

// ---------------------------------------------------------------------------
// Process builtins
// ---------------------------------------------------------------------------

func childImage(t *testing.T) []byte {
	t.Helper()
	b := NewProgramBuilder("child.cnd")
	exit := b.Import("ExitProcess", VoidType, IntType)
	b.Function("Finish", VoidType, nil, nil).
		Emit(OpPush, Int(3)).
		Emit(OpCall, exit).
		Emit(OpReturn)
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return EncodeProgram(prog)
}

func parentProgram() *ProgramBuilder {
	b := NewProgramBuilder("parent.cnd")
	handle := b.Global("handle", ObjectType)
	ok := b.Global("ok", BoolType)
	done := b.Global("done", IntType)
	run := b.Import("RunScript", ObjectType, StringType)
	wait := b.Import("WaitForProcessResult", BoolType, ObjectType, IntType)
	spawn := b.Function("Spawn", VoidType, []Var{{"code", IntType}}, nil)
	spawn.Emit(OpPush, String("child.cnd")).
		Emit(OpCall, run).
		Emit(OpMov, handle, Reg(RegReturn)).
		Emit(OpPush, handle).
		Emit(OpPush, spawn.Param(0)).
		Emit(OpCall, wait).
		Emit(OpMov, ok, Reg(RegReturn)).
		Emit(OpMov, done, Int(1)).
		Emit(OpReturn)
	return b
}

func TestWaitForProcessResult(t *testing.T) {
	tests := []struct {
		name string
		code int32
		want bool
	}{
		{"matching exit code", 3, true},
		{"different exit code", 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"child.cnd": {Data: childImage(t)}}
			tv := newTestVM(t, WithScriptFS(fsys))
			parent := tv.load(t, parentProgram())

			if _, err := parent.InvokeFunction("Spawn", false, false, Int(tt.code)); err != nil {
				t.Fatalf("InvokeFunction: %v", err)
			}
			if n := tv.RunAll(0); n != 2 {
				t.Fatalf("RunAll left %d processes, want parent and child", n)
			}
			if globalInt(t, parent, "done") != 0 {
				t.Fatal("parent did not wait for the child")
			}
			var child *Process
			for _, q := range tv.Processes() {
				if q.URL() == "child.cnd" {
					child = q
				}
			}
			if child == nil {
				t.Fatal("RunScript did not start child.cnd")
			}

			call(t, child, "Finish")
			if !child.Finished() || child.ExitCode() != 3 {
				t.Fatalf("child finished=%v code=%d", child.Finished(), child.ExitCode())
			}
			if n := tv.RunAll(0); n != 1 {
				t.Errorf("RunAll left %d processes, want only the parent", n)
			}
			if globalInt(t, parent, "done") != 1 {
				t.Fatal("parent did not resume after the child exited")
			}
			ok, _ := parent.Global("ok")
			if ok.Truthy() != tt.want {
				t.Errorf("WaitForProcessResult = %v, want %v", ok.Truthy(), tt.want)
			}
		})
	}
}

func TestRunScriptMissingFileFaults(t *testing.T) {
	tv := newTestVM(t, WithScriptFS(fstest.MapFS{}))
	b := parentProgram()
	p := tv.load(t, b)
	call(t, p, "Spawn", Int(0))
	if p.Faults() == 0 {
		t.Error("RunScript of a missing image did not fault")
	}
	if _, err := tv.LoadScript("child.cnd", false); err == nil || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("LoadScript error = %v", err)
	}
}
