package vm

import (
	"fmt"
	"strings"
)

// DisassembleInstruction formats the instruction at ip as one listing line.
func DisassembleInstruction(p *Program, ip int) string {
	if ip < 0 || ip >= len(p.Instructions) {
		return fmt.Sprintf("%04d  <out of range>", ip)
	}
	in := &p.Instructions[ip]
	line := fmt.Sprintf("%04d  %s", ip, in.Op)
	for i, op := range in.Operands {
		sep := ", "
		if i == 0 {
			sep = " "
		}
		line += sep + operandString(p, op)
	}
	if in.File != "" {
		line += fmt.Sprintf("    ; %s:%d", in.File, in.Line)
	}
	return line
}

// operandString renders symbol operands by name.
func operandString(p *Program, op Value) string {
	if op.kind == KindSymbol {
		if s, ok := p.Symbol(int(op.num)); ok {
			return fmt.Sprintf("%s#%d(%s)", s.SymbolKind(), op.num, s.SymbolName())
		}
	}
	return op.String()
}

// Disassemble returns a full listing of p: header, defines, symbols, then
// the code with a label line at each function entry.
func Disassemble(p *Program) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; %s  version=%d flags=%#x memory=%d\n",
		p.URL, p.Header.Version, uint32(p.Header.Flags), p.Header.MemorySize)
	for _, d := range p.Defines {
		fmt.Fprintf(&sb, "; define %s = %q\n", d.Name, d.Value)
	}

	entries := make(map[int][]*FunctionSymbol)
	for i, s := range p.Symbols {
		switch sym := s.(type) {
		case *FunctionSymbol:
			fmt.Fprintf(&sb, "; %3d function %s -> %s [%s]", i, sym.Signature(), sym.ReturnType, sym.Flags)
			if !sym.Has(FlagImport) {
				fmt.Fprintf(&sb, " @%d locals=%d", sym.Entry, len(sym.Locals))
				entries[sym.Entry] = append(entries[sym.Entry], sym)
			}
			sb.WriteString("\n")
		case *VariableSymbol:
			fmt.Fprintf(&sb, "; %3d %s %s %s slot=%d\n", i, sym.Storage, sym.Type, sym.Name, sym.Slot)
		case *StringSymbol:
			fmt.Fprintf(&sb, "; %3d string %s = %q\n", i, sym.Name, sym.Value)
		default:
			fmt.Fprintf(&sb, "; %3d %s %s\n", i, s.SymbolKind(), s.SymbolName())
		}
	}

	for ip := range p.Instructions {
		for _, fn := range entries[ip] {
			fmt.Fprintf(&sb, "%s:\n", fn.Name)
		}
		sb.WriteString(DisassembleInstruction(p, ip))
		sb.WriteString("\n")
	}
	return sb.String()
}
