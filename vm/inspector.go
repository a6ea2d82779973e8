package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Snapshot: a read-only view of a thread for debuggers
// ---------------------------------------------------------------------------

// VarView is one named value in a snapshot.
type VarView struct {
	Name  string
	Type  string
	Value string
}

// BlockView describes one heap allocation.
type BlockView struct {
	Start int
	Size  int
	Refs  int
	Type  string
}

// ObjectView describes one object table slot.
type ObjectView struct {
	Index  int
	Refs   int
	Pinned bool
	Type   string
}

// Snapshot captures everything a debugger shows about a halted thread. All
// values are rendered to strings so the snapshot can leave the VM goroutine.
type Snapshot struct {
	ProcessID   int
	ThreadID    int
	URL         string
	State       string
	IP          int
	Instruction string
	File        string
	Line        int
	Atomic      bool
	Waiting     bool

	Registers []VarView
	Stack     []string
	CallStack []string
	Locals    []VarView
	Globals   []VarView
	Blocks    []BlockView
	Objects   []ObjectView
}

// Inspect captures the current state of t.
func Inspect(t *Thread) Snapshot {
	p := t.proc
	s := Snapshot{
		ProcessID: p.id,
		ThreadID:  t.id,
		URL:       p.program.URL,
		State:     p.State(),
		IP:        t.ip,
		Atomic:    t.Atomic(),
		Waiting:   t.waiting,
	}
	code := p.program.Instructions
	if t.ip >= 0 && t.ip < len(code) {
		in := &code[t.ip]
		s.Instruction = in.String()
		s.File, s.Line = in.File, in.Line
	}

	for r := Register(0); r < NumRegisters; r++ {
		v := t.regs[r]
		s.Registers = append(s.Registers, VarView{Name: r.String(), Type: v.dtype.String(), Value: v.String()})
	}
	for _, v := range t.stack.Values() {
		s.Stack = append(s.Stack, v.String())
	}
	for _, fn := range t.calls {
		s.CallStack = append(s.CallStack, string(fn.Signature()))
	}

	if fn := t.currentFunction(); fn != nil {
		for i, prm := range fn.Params {
			s.Locals = append(s.Locals, t.viewSlot(prm, paramSlot(fn, i)))
		}
		for j, l := range fn.Locals {
			s.Locals = append(s.Locals, t.viewSlot(l, StackSlot(-(j+1))))
		}
	}
	if p.mem.heap != nil {
		for _, g := range p.program.Globals() {
			view := VarView{Name: g.Name, Type: g.Type.String()}
			if c, err := p.mem.heap.Cell(GlobalBase + g.Slot); err == nil {
				view.Value = c.String()
			}
			s.Globals = append(s.Globals, view)
		}
		for _, b := range p.mem.heap.Blocks() {
			s.Blocks = append(s.Blocks, BlockView{Start: b.Start, Size: b.Size, Refs: b.Refs, Type: b.Type.String()})
		}
	}
	for _, o := range p.mem.objects.Objects() {
		s.Objects = append(s.Objects, ObjectView{Index: o.Index, Refs: o.Refs, Pinned: o.Pinned, Type: fmt.Sprintf("%T", o.Object)})
	}
	return s
}

func (t *Thread) currentFunction() *FunctionSymbol {
	if n := len(t.calls); n > 0 {
		return t.calls[n-1]
	}
	return nil
}

func paramSlot(fn *FunctionSymbol, i int) Value {
	k, n := len(fn.Locals), len(fn.Params)
	return StackSlot(-(k + 2 + n - i))
}

func (t *Thread) viewSlot(v Var, slot Value) VarView {
	view := VarView{Name: v.Name, Type: v.Type.String(), Value: "<unavailable>"}
	if c, err := t.stack.At(int(slot.num)); err == nil {
		view.Value = c.String()
	}
	return view
}

// String renders the snapshot for a terminal.
func (s Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "process %d thread %d  %s  state=%q\n", s.ProcessID, s.ThreadID, s.URL, s.State)
	fmt.Fprintf(&sb, "  ip=%d  %s", s.IP, s.Instruction)
	if s.File != "" {
		fmt.Fprintf(&sb, "  (%s:%d)", s.File, s.Line)
	}
	sb.WriteString("\n")
	if len(s.CallStack) > 0 {
		sb.WriteString("  calls: " + strings.Join(s.CallStack, " > ") + "\n")
	}
	writeVars := func(title string, vars []VarView) {
		if len(vars) == 0 {
			return
		}
		sb.WriteString("  " + title + ":\n")
		for _, v := range vars {
			fmt.Fprintf(&sb, "    %-12s %-10s %s\n", v.Name, v.Type, v.Value)
		}
	}
	writeVars("locals", s.Locals)
	writeVars("globals", s.Globals)
	var regs []string
	for _, r := range s.Registers {
		if r.Value != "null" {
			regs = append(regs, r.Name+"="+r.Value)
		}
	}
	if len(regs) > 0 {
		sb.WriteString("  registers: " + strings.Join(regs, " ") + "\n")
	}
	fmt.Fprintf(&sb, "  stack: %d cells, heap: %d blocks, objects: %d\n", len(s.Stack), len(s.Blocks), len(s.Objects))
	return sb.String()
}

// ---------------------------------------------------------------------------
// Variable modification
// ---------------------------------------------------------------------------

// SetVariable assigns a literal to a parameter or local of t's current
// frame, or failing that to a global of its process. The literal is
// converted to the variable's declared type; arrays and objects cannot be
// set this way.
func SetVariable(t *Thread, name, literal string) error {
	cell, d, err := t.variableCell(name)
	if err != nil {
		return err
	}
	if d.Array || d.Base == TypeObject || d.Base == TypeVoid {
		return fmt.Errorf("%w: %s has type %s", ErrInvalidOperand, name, d)
	}
	t.proc.mem.assign(cell, Convert(String(literal), d.Base))
	debugLog.Infof("process %d thread %d: set %s = %s", t.proc.id, t.id, name, literal)
	return nil
}

func (t *Thread) variableCell(name string) (*Value, DataType, error) {
	if fn := t.currentFunction(); fn != nil {
		for j, l := range fn.Locals {
			if l.Name == name {
				c, err := t.stack.At(-(j + 1))
				return c, l.Type, err
			}
		}
		for i, prm := range fn.Params {
			if prm.Name == name {
				c, err := t.stack.At(int(paramSlot(fn, i).num))
				return c, prm.Type, err
			}
		}
	}
	c, g, err := t.proc.globalCell(name)
	if err != nil {
		return nil, DataType{}, err
	}
	return c, g.Type, nil
}
