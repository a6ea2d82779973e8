package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is an opcode with up to MaxOperands operands and an optional
// source location. Instructions are immutable once loaded; cooperative lock
// state lives on the process, so clones sharing a program do not share locks.
type Instruction struct {
	Op       Opcode
	Operands []Value
	File     string
	Line     int
}

// Operand returns operand i, or null when absent.
func (in *Instruction) Operand(i int) Value {
	if i < len(in.Operands) {
		return in.Operands[i]
	}
	return Null()
}

func (in *Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	for i, op := range in.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(op.String())
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Program: the immutable, shareable part of a loaded script
// ---------------------------------------------------------------------------

// CompileFlags are set by the compiler that produced an image.
type CompileFlags uint32

const (
	CompileDebug CompileFlags = 1 << iota
	CompileOptimized
)

// Header holds the image header fields that describe a program.
type Header struct {
	Version      uint16
	Flags        CompileFlags
	MemorySize   int // size hint for the globals block
	GlobalScope  int // symbol index of the global initialiser, or NoParent
	MemberScope  int // symbol index of the member namespace, or NoParent
	DefaultState int // symbol index of the initial state, or NoParent
}

// Define is a compile-time definition carried in the image.
type Define struct {
	Name  string
	Value string
}

// GlobalBase is the heap index of the first global. The globals block is
// the first allocation in a fresh heap: guard cell, boundary, then payload.
const GlobalBase = 2

// Program is a decoded image. It is never mutated after load and may be
// shared by any number of processes.
type Program struct {
	URL          string
	Header       Header
	Defines      []Define
	Symbols      []Symbol
	Instructions []Instruction
}

// Symbol returns the symbol at index i.
func (p *Program) Symbol(i int) (Symbol, bool) {
	if i < 0 || i >= len(p.Symbols) {
		return nil, false
	}
	return p.Symbols[i], true
}

// Function returns the function symbol at index i.
func (p *Program) Function(i int) (*FunctionSymbol, bool) {
	s, ok := p.Symbol(i)
	if !ok {
		return nil, false
	}
	fn, ok := s.(*FunctionSymbol)
	return fn, ok
}

// State returns the state symbol at index i.
func (p *Program) State(i int) (*StateSymbol, bool) {
	s, ok := p.Symbol(i)
	if !ok {
		return nil, false
	}
	st, ok := s.(*StateSymbol)
	return st, ok
}

// FindState returns the index of the state called name.
func (p *Program) FindState(name string) (int, bool) {
	for i, s := range p.Symbols {
		if st, ok := s.(*StateSymbol); ok && st.Name == name {
			return i, true
		}
	}
	return NoParent, false
}

// FindFunction resolves name in the scope of state first, then among
// functions that belong to no state. A function defined by the program
// wins over an import of the same name.
func (p *Program) FindFunction(name string, state int) (*FunctionSymbol, bool) {
	var global, imported *FunctionSymbol
	for _, s := range p.Symbols {
		fn, ok := s.(*FunctionSymbol)
		if !ok || fn.Name != name {
			continue
		}
		if state != NoParent && fn.Parent == state {
			return fn, true
		}
		if p.inState(fn.Parent) {
			continue
		}
		switch {
		case fn.Has(FlagImport):
			if imported == nil {
				imported = fn
			}
		case global == nil:
			global = fn
		}
	}
	if global == nil {
		global = imported
	}
	return global, global != nil
}

func (p *Program) inState(parent int) bool {
	_, ok := p.State(parent)
	return ok
}

// FindGlobal returns the global variable called name.
func (p *Program) FindGlobal(name string) (*VariableSymbol, bool) {
	for _, s := range p.Symbols {
		if v, ok := s.(*VariableSymbol); ok && v.Storage == StorageGlobal && v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Globals returns every global variable in declaration order.
func (p *Program) Globals() []*VariableSymbol {
	var out []*VariableSymbol
	for _, s := range p.Symbols {
		if v, ok := s.(*VariableSymbol); ok && v.Storage == StorageGlobal {
			out = append(out, v)
		}
	}
	return out
}

// GlobalSize returns the number of cells the globals block needs.
func (p *Program) GlobalSize() int {
	n := p.Header.MemorySize
	for _, v := range p.Globals() {
		if v.Slot+1 > n {
			n = v.Slot + 1
		}
	}
	return n
}

// Functions returns every function symbol in declaration order.
func (p *Program) Functions() []*FunctionSymbol {
	var out []*FunctionSymbol
	for _, s := range p.Symbols {
		if fn, ok := s.(*FunctionSymbol); ok {
			out = append(out, fn)
		}
	}
	return out
}

// FunctionAt returns the function whose body contains instruction ip: the
// one with the greatest entry point not after ip.
func (p *Program) FunctionAt(ip int) (*FunctionSymbol, bool) {
	var best *FunctionSymbol
	for _, fn := range p.Functions() {
		if fn.Has(FlagImport) || fn.Entry > ip {
			continue
		}
		if best == nil || fn.Entry > best.Entry {
			best = fn
		}
	}
	return best, best != nil
}

// Define returns the value of a compile-time definition.
func (p *Program) Define(name string) (string, bool) {
	for _, d := range p.Defines {
		if d.Name == name {
			return d.Value, true
		}
	}
	return "", false
}

// Validate checks the cross references of a decoded program so that
// execution never indexes outside it.
func (p *Program) Validate() error {
	for i, s := range p.Symbols {
		if parent := s.ParentIndex(); parent != NoParent && (parent < 0 || parent >= len(p.Symbols)) {
			return fmt.Errorf("%w: symbol %d has parent %d", ErrCorruptData, i, parent)
		}
		if fn, ok := s.(*FunctionSymbol); ok && !fn.Has(FlagImport) {
			if fn.Entry < 0 || fn.Entry >= len(p.Instructions) {
				return fmt.Errorf("%w: function %s entry %d", ErrCorruptData, fn.Name, fn.Entry)
			}
		}
	}
	for _, idx := range []int{p.Header.GlobalScope, p.Header.MemberScope, p.Header.DefaultState} {
		if idx != NoParent && (idx < 0 || idx >= len(p.Symbols)) {
			return fmt.Errorf("%w: header symbol index %d", ErrCorruptData, idx)
		}
	}
	if idx := p.Header.GlobalScope; idx != NoParent {
		if _, ok := p.Function(idx); !ok {
			return fmt.Errorf("%w: global scope %d is not a function", ErrCorruptData, idx)
		}
	}
	if idx := p.Header.DefaultState; idx != NoParent {
		if _, ok := p.State(idx); !ok {
			return fmt.Errorf("%w: default state %d is not a state", ErrCorruptData, idx)
		}
	}
	for i := range p.Instructions {
		in := &p.Instructions[i]
		info, ok := GetOpcodeInfo(in.Op)
		if !ok {
			return fmt.Errorf("%w: instruction %d: opcode 0x%02X", ErrCorruptData, i, byte(in.Op))
		}
		if n := len(in.Operands); n < info.MinOperands || n > info.MaxOperands {
			return fmt.Errorf("%w: instruction %d: %s takes %d-%d operands, got %d",
				ErrCorruptData, i, info.Name, info.MinOperands, info.MaxOperands, n)
		}
		for _, op := range in.Operands {
			switch op.kind {
			case KindInstruction:
				if op.num < 0 || int(op.num) >= len(p.Instructions) {
					return fmt.Errorf("%w: instruction %d targets %d", ErrCorruptData, i, op.num)
				}
			case KindSymbol:
				if op.num < 0 || int(op.num) >= len(p.Symbols) {
					return fmt.Errorf("%w: instruction %d names symbol %d", ErrCorruptData, i, op.num)
				}
			case KindRegister:
				if op.num < 0 || op.num >= int64(NumRegisters) {
					return fmt.Errorf("%w: instruction %d names register %d", ErrCorruptData, i, op.num)
				}
			case KindStackIndexed, KindHeapIndexed:
				if op.reg >= NumRegisters {
					return fmt.Errorf("%w: instruction %d offsets by register %d", ErrCorruptData, i, op.reg)
				}
			}
		}
	}
	return nil
}
