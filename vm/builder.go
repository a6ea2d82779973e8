package vm

import "fmt"

// ---------------------------------------------------------------------------
// ProgramBuilder: an assembler for hosts, tools and tests
// ---------------------------------------------------------------------------

// ProgramBuilder assembles a Program symbol by symbol. Functions are emitted
// into their own buffers and laid out in creation order by Build.
type ProgramBuilder struct {
	prog    Program
	funcs   []*FunctionBuilder
	globals int
	err     error
}

// NewProgramBuilder creates a builder for a program identified by url.
func NewProgramBuilder(url string) *ProgramBuilder {
	return &ProgramBuilder{prog: Program{
		URL: url,
		Header: Header{
			Version:      ImageVersion,
			GlobalScope:  NoParent,
			MemberScope:  NoParent,
			DefaultState: NoParent,
		},
	}}
}

func (b *ProgramBuilder) add(s Symbol) int {
	b.prog.Symbols = append(b.prog.Symbols, s)
	return len(b.prog.Symbols) - 1
}

// SetFlags sets the compile flags recorded in the header.
func (b *ProgramBuilder) SetFlags(f CompileFlags) { b.prog.Header.Flags = f }

// Define records a compile-time definition.
func (b *ProgramBuilder) Define(name, value string) {
	b.prog.Defines = append(b.prog.Defines, Define{Name: name, Value: value})
}

// Global declares a global variable and returns the operand addressing it.
func (b *ProgramBuilder) Global(name string, d DataType) Value {
	slot := b.globals
	b.globals++
	b.add(&VariableSymbol{Name: name, Parent: NoParent, Storage: StorageGlobal, Slot: slot, Type: d})
	return HeapSlot(GlobalBase + slot)
}

// String declares a string constant and returns an operand referring to it.
func (b *ProgramBuilder) String(name, value string) Value {
	return SymbolRef(b.add(&StringSymbol{Name: name, Parent: NoParent, Value: value}))
}

// Enum declares an enumeration.
func (b *ProgramBuilder) Enum(name string, values ...EnumValue) int {
	return b.add(&EnumSymbol{Name: name, Parent: NoParent, Values: values})
}

// Namespace declares a namespace.
func (b *ProgramBuilder) Namespace(name string) int {
	return b.add(&NamespaceSymbol{Name: name, Parent: NoParent})
}

// MetaData attaches an annotation to the symbol at parent.
func (b *ProgramBuilder) MetaData(parent int, name, value string) int {
	return b.add(&MetaDataSymbol{Name: name, Parent: parent, Value: value})
}

// State declares a state and returns its symbol index.
func (b *ProgramBuilder) State(name string) int {
	return b.add(&StateSymbol{Name: name, Parent: NoParent})
}

// DefaultState makes the state at index the one entered on load.
func (b *ProgramBuilder) DefaultState(index int) { b.prog.Header.DefaultState = index }

// MemberScope records the namespace member functions are declared in.
func (b *ProgramBuilder) MemberScope(index int) { b.prog.Header.MemberScope = index }

// Function declares a function at global scope.
func (b *ProgramBuilder) Function(name string, ret DataType, params, locals []Var) *FunctionBuilder {
	return b.declare(name, NoParent, ret, params, locals)
}

// StateFunction declares a function in the scope of a state.
func (b *ProgramBuilder) StateFunction(state int, name string, ret DataType, params, locals []Var) *FunctionBuilder {
	return b.declare(name, state, ret, params, locals)
}

// Import declares a function bound at load time to a native or to another
// process's export.
func (b *ProgramBuilder) Import(name string, ret DataType, params ...DataType) Value {
	vars := make([]Var, len(params))
	for i, p := range params {
		vars[i] = Var{Name: fmt.Sprintf("p%d", i), Type: p}
	}
	return SymbolRef(b.add(&FunctionSymbol{
		Name: name, Parent: NoParent, ReturnType: ret, Params: vars, Flags: FlagImport,
	}))
}

// Init returns the global-scope initialiser, creating it on first use.
func (b *ProgramBuilder) Init() *FunctionBuilder {
	if idx := b.prog.Header.GlobalScope; idx != NoParent {
		for _, fb := range b.funcs {
			if fb.index == idx {
				return fb
			}
		}
	}
	fb := b.declare("$init", NoParent, VoidType, nil, nil)
	b.prog.Header.GlobalScope = fb.index
	return fb
}

func (b *ProgramBuilder) declare(name string, parent int, ret DataType, params, locals []Var) *FunctionBuilder {
	fn := &FunctionSymbol{Name: name, Parent: parent, ReturnType: ret, Params: params, Locals: locals}
	fb := &FunctionBuilder{b: b, fn: fn, labels: make(map[string]int)}
	fb.index = b.add(fn)
	for i, p := range params {
		b.add(&VariableSymbol{Name: p.Name, Parent: fb.index, Storage: StorageParam, Slot: i, Type: p.Type})
	}
	for i, l := range locals {
		b.add(&VariableSymbol{Name: l.Name, Parent: fb.index, Storage: StorageLocal, Slot: i, Type: l.Type})
	}
	b.funcs = append(b.funcs, fb)
	return fb
}

// Build lays out all functions and resolves labels.
func (b *ProgramBuilder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.prog
	p.Symbols = append([]Symbol(nil), b.prog.Symbols...)
	p.Instructions = nil
	if n := b.globals; n > p.Header.MemorySize {
		p.Header.MemorySize = n
	}
	for _, fb := range b.funcs {
		fb.fn.Entry = len(p.Instructions)
		if len(fb.code) == 0 {
			fb.code = append(fb.code, Instruction{Op: OpReturn})
		}
		for _, in := range fb.code {
			ops := make([]Value, len(in.Operands))
			for i, op := range in.Operands {
				if op.kind == KindInstruction && op.num < 0 {
					id := int(-op.num - 1)
					if id >= len(fb.labelNames) {
						return nil, fmt.Errorf("%s: bad label reference %d", fb.fn.Name, id)
					}
					name := fb.labelNames[id]
					at, ok := fb.labels[name]
					if !ok {
						return nil, fmt.Errorf("%s: undefined label %q", fb.fn.Name, name)
					}
					op = InstrIndex(fb.fn.Entry + at)
				}
				ops[i] = op
			}
			in.Operands = ops
			p.Instructions = append(p.Instructions, in)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustBuild is Build for programs known to be well formed.
func (b *ProgramBuilder) MustBuild() *Program {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// ---------------------------------------------------------------------------
// FunctionBuilder
// ---------------------------------------------------------------------------

// FunctionBuilder emits the body of one function.
type FunctionBuilder struct {
	b          *ProgramBuilder
	fn         *FunctionSymbol
	index      int
	code       []Instruction
	labels     map[string]int
	labelNames []string
	file       string
	line       int
}

// Symbol returns the function's symbol.
func (fb *FunctionBuilder) Symbol() *FunctionSymbol { return fb.fn }

// Index returns the function's symbol index.
func (fb *FunctionBuilder) Index() int { return fb.index }

// Ref returns an operand referring to the function, for CALL.
func (fb *FunctionBuilder) Ref() Value { return SymbolRef(fb.index) }

// Flags sets function flags.
func (fb *FunctionBuilder) Flags(f FunctionFlags) *FunctionBuilder {
	fb.fn.Flags |= f
	return fb
}

// Param returns the operand addressing parameter i in the function's frame.
// The stack holds the parameters, the return address, the frame marker and
// then the locals, so parameter i of n sits below all of them.
func (fb *FunctionBuilder) Param(i int) Value {
	n, k := len(fb.fn.Params), len(fb.fn.Locals)
	if i < 0 || i >= n {
		fb.fail(fmt.Errorf("%s: parameter %d of %d", fb.fn.Name, i, n))
	}
	return StackSlot(-(k + 2 + n - i))
}

// Local returns the operand addressing local j.
func (fb *FunctionBuilder) Local(j int) Value {
	if j < 0 || j >= len(fb.fn.Locals) {
		fb.fail(fmt.Errorf("%s: local %d of %d", fb.fn.Name, j, len(fb.fn.Locals)))
	}
	return StackSlot(-(j + 1))
}

// At sets the source location recorded on subsequent instructions.
func (fb *FunctionBuilder) At(file string, line int) *FunctionBuilder {
	fb.file, fb.line = file, line
	return fb
}

// Label marks the next instruction.
func (fb *FunctionBuilder) Label(name string) *FunctionBuilder {
	if _, dup := fb.labels[name]; dup {
		fb.fail(fmt.Errorf("%s: duplicate label %q", fb.fn.Name, name))
	}
	fb.labels[name] = len(fb.code)
	return fb
}

// L returns an operand that Build replaces with the address of label name.
func (fb *FunctionBuilder) L(name string) Value {
	for i, n := range fb.labelNames {
		if n == name {
			return InstrIndex(-i - 1)
		}
	}
	fb.labelNames = append(fb.labelNames, name)
	return InstrIndex(-len(fb.labelNames))
}

// Emit appends an instruction.
func (fb *FunctionBuilder) Emit(op Opcode, operands ...Value) *FunctionBuilder {
	fb.code = append(fb.code, Instruction{Op: op, Operands: operands, File: fb.file, Line: fb.line})
	return fb
}

func (fb *FunctionBuilder) fail(err error) {
	if fb.b.err == nil {
		fb.b.err = err
	}
}
