package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Symbols: named program entities
// ---------------------------------------------------------------------------

// SymbolKind tags a symbol table record.
type SymbolKind uint8

const (
	SymFunction SymbolKind = iota + 1
	SymVariable
	SymState
	SymString
	SymEnum
	SymNamespace
	SymMetaData
)

var symbolKindNames = map[SymbolKind]string{
	SymFunction:  "function",
	SymVariable:  "variable",
	SymState:     "state",
	SymString:    "string",
	SymEnum:      "enum",
	SymNamespace: "namespace",
	SymMetaData:  "metadata",
}

func (k SymbolKind) String() string {
	if s, ok := symbolKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// NoParent marks a symbol declared at global scope.
const NoParent = -1

// Symbol is a symbol table record. Symbols are immutable once a program is
// loaded, apart from the binding cache on imported functions.
type Symbol interface {
	SymbolName() string
	SymbolKind() SymbolKind
	// ParentIndex is the index of the enclosing state, namespace or
	// function, or NoParent.
	ParentIndex() int
}

// FunctionFlags describe how a function is called.
type FunctionFlags uint16

const (
	FlagEvent FunctionFlags = 1 << iota
	FlagConsole
	FlagExport
	FlagImport
	FlagThread
	FlagMember
)

var functionFlagNames = []struct {
	flag FunctionFlags
	name string
}{
	{FlagEvent, "event"},
	{FlagConsole, "console"},
	{FlagExport, "export"},
	{FlagImport, "import"},
	{FlagThread, "thread"},
	{FlagMember, "member"},
}

func (f FunctionFlags) String() string {
	var parts []string
	for _, n := range functionFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Var names a parameter or local and its declared type.
type Var struct {
	Name string
	Type DataType
}

// FunctionSymbol is a callable entity. Imported functions have no body; their
// binding is resolved against the Registry and cached here.
type FunctionSymbol struct {
	Name       string
	Parent     int
	Entry      int
	ReturnType DataType
	Params     []Var
	Locals     []Var
	Flags      FunctionFlags

	binding *binding
}

func (f *FunctionSymbol) SymbolName() string     { return f.Name }
func (f *FunctionSymbol) SymbolKind() SymbolKind { return SymFunction }
func (f *FunctionSymbol) ParentIndex() int       { return f.Parent }

// LocalDataSize is the number of local cells in the function's frame.
func (f *FunctionSymbol) LocalDataSize() int { return len(f.Locals) }

// ParamTypes returns the declared parameter types.
func (f *FunctionSymbol) ParamTypes() []DataType {
	types := make([]DataType, len(f.Params))
	for i, p := range f.Params {
		types[i] = p.Type
	}
	return types
}

// Signature returns the registry key of the function.
func (f *FunctionSymbol) Signature() Signature {
	return MakeSignature(f.Name, f.ParamTypes())
}

// Has reports whether all of flags are set.
func (f *FunctionSymbol) Has(flags FunctionFlags) bool { return f.Flags&flags == flags }

// StorageClass says where a variable lives.
type StorageClass uint8

const (
	StorageGlobal StorageClass = iota
	StorageLocal
	StorageParam
)

func (s StorageClass) String() string {
	switch s {
	case StorageLocal:
		return "local"
	case StorageParam:
		return "param"
	}
	return "global"
}

// VariableSymbol is a named variable. For globals Slot is the offset into
// the process's globals block; for locals and parameters it is the index in
// the owning function's Locals or Params.
type VariableSymbol struct {
	Name    string
	Parent  int
	Storage StorageClass
	Slot    int
	Type    DataType
	Const   bool
}

func (v *VariableSymbol) SymbolName() string     { return v.Name }
func (v *VariableSymbol) SymbolKind() SymbolKind { return SymVariable }
func (v *VariableSymbol) ParentIndex() int       { return v.Parent }

// StateSymbol is a named state. Functions whose parent is the state belong
// to it; OnStateBegin and OnStateFinish are its hooks.
type StateSymbol struct {
	Name   string
	Parent int
}

func (s *StateSymbol) SymbolName() string     { return s.Name }
func (s *StateSymbol) SymbolKind() SymbolKind { return SymState }
func (s *StateSymbol) ParentIndex() int       { return s.Parent }

// StringSymbol is a named string constant.
type StringSymbol struct {
	Name   string
	Parent int
	Value  string
}

func (s *StringSymbol) SymbolName() string     { return s.Name }
func (s *StringSymbol) SymbolKind() SymbolKind { return SymString }
func (s *StringSymbol) ParentIndex() int       { return s.Parent }

// EnumValue is one member of an enumeration.
type EnumValue struct {
	Name  string
	Value int64
}

// EnumSymbol is a named enumeration.
type EnumSymbol struct {
	Name   string
	Parent int
	Values []EnumValue
}

func (e *EnumSymbol) SymbolName() string     { return e.Name }
func (e *EnumSymbol) SymbolKind() SymbolKind { return SymEnum }
func (e *EnumSymbol) ParentIndex() int       { return e.Parent }

// NamespaceSymbol groups symbols.
type NamespaceSymbol struct {
	Name   string
	Parent int
}

func (n *NamespaceSymbol) SymbolName() string     { return n.Name }
func (n *NamespaceSymbol) SymbolKind() SymbolKind { return SymNamespace }
func (n *NamespaceSymbol) ParentIndex() int       { return n.Parent }

// MetaDataSymbol is a free-form annotation attached to its parent.
type MetaDataSymbol struct {
	Name   string
	Parent int
	Value  string
}

func (m *MetaDataSymbol) SymbolName() string     { return m.Name }
func (m *MetaDataSymbol) SymbolKind() SymbolKind { return SymMetaData }
func (m *MetaDataSymbol) ParentIndex() int       { return m.Parent }
