package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/chazu/cinder/server"
	"github.com/chazu/cinder/vm"
)

func consoleProgram() *vm.ProgramBuilder {
	b := vm.NewProgramBuilder("con.cnd")
	total := b.Global("total", vm.IntType)
	add := b.Function("add", vm.IntType, []vm.Var{{Name: "amount", Type: vm.IntType}}, nil).Flags(vm.FlagConsole)
	add.Emit(vm.OpAdd, total, add.Param(0)).Emit(vm.OpReturn, total)
	b.Function("Spin", vm.VoidType, nil, nil).
		At("con.src", 1).Emit(vm.OpInc, total).
		At("con.src", 2).Emit(vm.OpInc, total).
		At("con.src", 3).Emit(vm.OpReturn)
	return b
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer, *vm.Process) {
	t.Helper()
	worker := server.NewVMWorker(vm.New(), 0)
	t.Cleanup(worker.Stop)
	res, err := worker.Do(func(v *vm.VM) any {
		p, err := v.LoadProgram(consoleProgram().MustBuild())
		if err != nil {
			return err
		}
		return p
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	p, ok := res.(*vm.Process)
	if !ok {
		t.Fatalf("load: %v", res)
	}
	out := &bytes.Buffer{}
	return newConsole(worker, out), out, p
}

// run executes line and returns what it printed.
func run(c *console, out *bytes.Buffer, line string) string {
	out.Reset()
	c.exec(line)
	return out.String()
}

func total(t *testing.T, c *console, p *vm.Process) int64 {
	t.Helper()
	var n int64
	if err := c.do(func(*vm.VM) error {
		g, err := p.Global("total")
		n = g.AsInt()
		return err
	}); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestConsoleListsAndRuns(t *testing.T) {
	c, out, p := newTestConsole(t)

	if got := run(c, out, "ps"); !strings.Contains(got, "con.cnd") || !strings.Contains(got, "PID") {
		t.Errorf("ps = %q", got)
	}
	if got := run(c, out, fmt.Sprintf("threads %d", p.ID())); !strings.Contains(got, "DEPTH") {
		t.Errorf("threads = %q", got)
	}
	if got := run(c, out, "commands"); strings.TrimSpace(got) != "add" {
		t.Errorf("commands = %q", got)
	}
	if got := run(c, out, "run add 5"); !strings.Contains(got, "=> int(5)") {
		t.Errorf("run = %q", got)
	}
	if got := run(c, out, fmt.Sprintf("dump %d", p.ID())); !strings.Contains(got, "ProcessID") || !strings.Contains(got, "con.cnd") {
		t.Errorf("dump = %q", got)
	}
	if got := run(c, out, "gc"); !strings.Contains(got, "swept") {
		t.Errorf("gc = %q", got)
	}
}

func TestConsoleDebugsThread(t *testing.T) {
	c, out, p := newTestConsole(t)
	if err := c.do(func(*vm.VM) error {
		_, err := p.InvokeFunction("Spin", false, false)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	if got := run(c, out, fmt.Sprintf("attach %d", p.ID())); !strings.Contains(got, "holding process") {
		t.Fatalf("attach = %q", got)
	}
	if got := run(c, out, "attach 1"); !strings.Contains(got, "detach first") {
		t.Errorf("second attach = %q", got)
	}
	if got := run(c, out, "step into"); !strings.Contains(got, "con.src:2") {
		t.Errorf("step = %q", got)
	}
	if n := total(t, c, p); n != 1 {
		t.Errorf("total = %d after one step, want 1", n)
	}
	if got := run(c, out, "set total 40"); got != "" {
		t.Errorf("set = %q", got)
	}
	if got := run(c, out, "set nope 1"); !strings.Contains(got, "error:") {
		t.Errorf("set of unknown variable = %q", got)
	}

	run(c, out, "continue")
	if err := c.do(func(v *vm.VM) error {
		v.RunAll(0)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n := total(t, c, p); n != 41 {
		t.Errorf("total = %d after continue, want 41", n)
	}

	if got := run(c, out, "detach"); got != "" {
		t.Errorf("detach = %q", got)
	}
	if got := run(c, out, "where"); !strings.Contains(got, "no thread held") {
		t.Errorf("where after detach = %q", got)
	}
}

func TestConsoleErrors(t *testing.T) {
	c, out, _ := newTestConsole(t)
	tests := []struct {
		line string
		want string
	}{
		{"frobnicate", "unknown command"},
		{"threads", "usage"},
		{"threads x", "bad process id"},
		{"dump 99", "no process 99"},
		{"dump 1 99", "no thread 99"},
		{"step", "no thread held"},
		{"run", "usage"},
		{"run missing", "unknown function"},
	}
	for _, tt := range tests {
		if got := run(c, out, tt.line); !strings.Contains(got, tt.want) {
			t.Errorf("%q printed %q, want %q", tt.line, got, tt.want)
		}
	}
	if !c.exec("quit") {
		t.Error("quit did not end the console")
	}
}

func TestConsoleComplete(t *testing.T) {
	c := newConsole(nil, nil)
	got := c.complete("d")
	if strings.Join(got, ",") != "detach,dump" {
		t.Errorf("complete(d) = %v", got)
	}
	if c.complete("dump ") != nil {
		t.Error("completed past the first word")
	}
}
