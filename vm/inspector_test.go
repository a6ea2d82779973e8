package vm

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func calcProgram() *ProgramBuilder {
	b := NewProgramBuilder("calc.cnd")
	b.Global("tally", IntType)
	b.Global("label", StringType)
	b.Global("owner", ObjectType)
	calc := b.Function("Calc", IntType, []Var{{"a", IntType}}, []Var{{"x", IntType}})
	calc.At("calc.src", 1).Emit(OpMov, calc.Local(0), calc.Param(0)).
		At("calc.src", 2).Emit(OpPause, Int(10)).
		At("calc.src", 3).Emit(OpAdd, calc.Local(0), Int(5)).
		At("calc.src", 4).Emit(OpReturn, calc.Local(0))
	return b
}

// startCalc leaves Calc(3) parked on its PAUSE.
func startCalc(t *testing.T, tv *testVM, p *Process) *Thread {
	t.Helper()
	if _, err := p.InvokeFunction("Calc", false, false, Int(3)); err != nil {
		t.Fatalf("InvokeFunction: %v", err)
	}
	th := p.MainThread()
	if st := th.Run(Unbounded); st != StatusYielded {
		t.Fatalf("Run = %s, want yielded at the pause", st)
	}
	return th
}

func TestInspectHaltedFrame(t *testing.T) {
	tv := newTestVM(t)
	p := tv.load(t, calcProgram())
	th := startCalc(t, tv, p)

	s := Inspect(th)
	if s.ProcessID != p.ID() || s.URL != "calc.cnd" {
		t.Errorf("snapshot identity = %d %q", s.ProcessID, s.URL)
	}
	if s.File != "calc.src" || s.Line != 3 {
		t.Errorf("location = %s:%d, want calc.src:3", s.File, s.Line)
	}
	want := []VarView{
		{Name: "a", Type: "int", Value: "int(3)"},
		{Name: "x", Type: "int", Value: "int(3)"},
	}
	if len(s.Locals) != len(want) {
		t.Fatalf("locals = %+v", s.Locals)
	}
	for i, v := range want {
		if s.Locals[i] != v {
			t.Errorf("local %d = %+v, want %+v", i, s.Locals[i], v)
		}
	}
	if len(s.CallStack) != 1 || !strings.Contains(s.CallStack[0], "Calc") {
		t.Errorf("call stack = %v", s.CallStack)
	}
	if len(s.Globals) != 3 || s.Globals[0].Name != "tally" {
		t.Errorf("globals = %+v", s.Globals)
	}
	if len(s.Blocks) != 1 {
		t.Errorf("blocks = %+v, want only the globals block", s.Blocks)
	}
	out := s.String()
	for _, frag := range []string{"calc.cnd", "locals:", "x", "int(3)"} {
		if !strings.Contains(out, frag) {
			t.Errorf("rendered snapshot missing %q:\n%s", frag, out)
		}
	}
}

func TestSetVariableChangesResult(t *testing.T) {
	tv := newTestVM(t)
	p := tv.load(t, calcProgram())
	th := startCalc(t, tv, p)

	if err := SetVariable(th, "x", "100"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if got := Inspect(th).Locals[1].Value; got != "int(100)" {
		t.Errorf("x = %s after set", got)
	}
	tv.clock.Advance(10 * time.Millisecond)
	if st := th.Run(Unbounded); st != StatusBaseReturn {
		t.Fatalf("Run = %s, want base-return", st)
	}
	if got := th.Register(RegReturn).AsInt(); got != 105 {
		t.Errorf("Calc returned %d, want 105", got)
	}
}

func TestSetVariableParamAndGlobal(t *testing.T) {
	tv := newTestVM(t)
	p := tv.load(t, calcProgram())
	th := startCalc(t, tv, p)

	if err := SetVariable(th, "a", "9"); err != nil {
		t.Fatalf("SetVariable(a): %v", err)
	}
	if got := Inspect(th).Locals[0].Value; got != "int(9)" {
		t.Errorf("a = %s after set", got)
	}
	if err := SetVariable(th, "tally", "7.9"); err != nil {
		t.Fatalf("SetVariable(tally): %v", err)
	}
	if got := globalInt(t, p, "tally"); got != 7 {
		t.Errorf("tally = %d, want 7", got)
	}
	if err := SetVariable(th, "label", "hello"); err != nil {
		t.Fatalf("SetVariable(label): %v", err)
	}
	if v, _ := p.Global("label"); v.AsString() != "hello" {
		t.Errorf("label = %s", v)
	}
}

func TestSetVariableErrors(t *testing.T) {
	tv := newTestVM(t)
	p := tv.load(t, calcProgram())
	th := startCalc(t, tv, p)

	if err := SetVariable(th, "missing", "1"); !errors.Is(err, ErrUnknownVariable) {
		t.Errorf("unknown name: err = %v", err)
	}
	if err := SetVariable(th, "owner", "1"); !errors.Is(err, ErrInvalidOperand) {
		t.Errorf("object global: err = %v", err)
	}
}
