package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Kind: what a Value holds
// ---------------------------------------------------------------------------

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota

	// Scalars
	KindBool
	KindByte
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindString

	// Addressing operands, resolved to a storage cell before use
	KindRegister     // register file entry
	KindStack        // stack slot, negative = relative to frame base
	KindStackIndexed // stack slot holding a heap-ref, offset by a register
	KindHeap         // heap slot
	KindHeapIndexed  // heap slot holding a heap-ref, offset by a register

	// References
	KindInstruction // instruction index
	KindSymbol      // symbol table index

	// Owned indices (reference counted)
	KindObject  // object table index
	KindHeapRef // heap block start index

	// Control markers
	KindReturnAddress
	KindFrameMarker
	KindBaseMarker
	KindBoundary
	KindInvalid
)

var kindNames = [...]string{
	KindNull:          "null",
	KindBool:          "bool",
	KindByte:          "byte",
	KindShort:         "short",
	KindInt:           "int",
	KindLong:          "long",
	KindFloat:         "float",
	KindDouble:        "double",
	KindString:        "string",
	KindRegister:      "register",
	KindStack:         "stack",
	KindStackIndexed:  "stack-indexed",
	KindHeap:          "heap",
	KindHeapIndexed:   "heap-indexed",
	KindInstruction:   "instruction",
	KindSymbol:        "symbol",
	KindObject:        "object",
	KindHeapRef:       "heap-ref",
	KindReturnAddress: "return-address",
	KindFrameMarker:   "frame",
	KindBaseMarker:    "base",
	KindBoundary:      "boundary",
	KindInvalid:       "invalid",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsScalar reports whether k is a literal scalar kind (including null).
func (k Kind) IsScalar() bool {
	return k <= KindString
}

// IsNumeric reports whether k is a numeric scalar kind.
func (k Kind) IsNumeric() bool {
	return k >= KindByte && k <= KindDouble
}

// IsIntegral reports whether k is an integral numeric kind.
func (k Kind) IsIntegral() bool {
	return k >= KindByte && k <= KindLong
}

// IsAddress reports whether k must be resolved to a storage cell.
func (k Kind) IsAddress() bool {
	return k >= KindRegister && k <= KindHeapIndexed
}

// IsOwning reports whether values of kind k hold a counted reference.
func (k Kind) IsOwning() bool {
	return k == KindObject || k == KindHeapRef
}

// ---------------------------------------------------------------------------
// DataType: declared element type and array-ness
// ---------------------------------------------------------------------------

// BaseType is a declared scalar type.
type BaseType uint8

const (
	TypeVoid BaseType = iota
	TypeBool
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeObject
)

var baseTypeNames = [...]string{
	TypeVoid:   "void",
	TypeBool:   "bool",
	TypeByte:   "byte",
	TypeShort:  "short",
	TypeInt:    "int",
	TypeLong:   "long",
	TypeFloat:  "float",
	TypeDouble: "double",
	TypeString: "string",
	TypeObject: "object",
}

func (b BaseType) String() string {
	if int(b) < len(baseTypeNames) {
		return baseTypeNames[b]
	}
	return fmt.Sprintf("BaseType(%d)", b)
}

// Kind returns the scalar kind a value of this type is stored as.
func (b BaseType) Kind() Kind {
	switch b {
	case TypeBool:
		return KindBool
	case TypeByte:
		return KindByte
	case TypeShort:
		return KindShort
	case TypeInt:
		return KindInt
	case TypeLong:
		return KindLong
	case TypeFloat:
		return KindFloat
	case TypeDouble:
		return KindDouble
	case TypeString:
		return KindString
	case TypeObject:
		return KindObject
	}
	return KindNull
}

// DataType is a declared type: a base type and whether it is an array.
type DataType struct {
	Base  BaseType
	Array bool
}

// Common data types.
var (
	VoidType   = DataType{Base: TypeVoid}
	BoolType   = DataType{Base: TypeBool}
	IntType    = DataType{Base: TypeInt}
	LongType   = DataType{Base: TypeLong}
	FloatType  = DataType{Base: TypeFloat}
	DoubleType = DataType{Base: TypeDouble}
	StringType = DataType{Base: TypeString}
	ObjectType = DataType{Base: TypeObject}
)

// ArrayOf returns the array type with element type b.
func ArrayOf(b BaseType) DataType {
	return DataType{Base: b, Array: true}
}

// Elem returns the element type of an array type.
func (d DataType) Elem() DataType {
	return DataType{Base: d.Base}
}

func (d DataType) String() string {
	if d.Array {
		return d.Base.String() + "[]"
	}
	return d.Base.String()
}

// ParseDataType parses the String form of a DataType.
func ParseDataType(s string) (DataType, error) {
	var d DataType
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "[]") {
		d.Array = true
		s = strings.TrimSuffix(s, "[]")
	}
	for i, name := range baseTypeNames {
		if name == s {
			d.Base = BaseType(i)
			return d, nil
		}
	}
	return d, fmt.Errorf("%w: unknown data type %q", ErrInvalidOperand, s)
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

// Register names an entry in a thread's register file.
type Register uint8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	RegCompare
	RegReturn

	NumRegisters
)

func (r Register) String() string {
	switch r {
	case RegCompare:
		return "rcmp"
	case RegReturn:
		return "rret"
	}
	return "r" + strconv.Itoa(int(r))
}

// ---------------------------------------------------------------------------
// Value: the tagged runtime value
// ---------------------------------------------------------------------------

// Value is the universal operand and storage cell. The zero Value is null.
//
// Fields are unexported: object and heap indices held by a Value are owned
// references and may only be stored through Memory.assign.
type Value struct {
	kind  Kind
	num   int64   // integral payload, bool, indices, block size
	fnum  float64 // float and double payload
	str   string
	reg   Register // offset register of indexed addressing kinds
	refs  int32    // reference count (boundary and object slots)
	dtype DataType
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool, dtype: BoolType}
	if b {
		v.num = 1
	}
	return v
}

// Byte returns a byte value.
func Byte(b uint8) Value {
	return Value{kind: KindByte, num: int64(b), dtype: DataType{Base: TypeByte}}
}

// Short returns a short value.
func Short(s int16) Value {
	return Value{kind: KindShort, num: int64(s), dtype: DataType{Base: TypeShort}}
}

// Int returns an int value.
func Int(i int32) Value { return Value{kind: KindInt, num: int64(i), dtype: IntType} }

// Long returns a long value.
func Long(l int64) Value { return Value{kind: KindLong, num: l, dtype: LongType} }

// Float returns a float value.
func Float(f float32) Value { return Value{kind: KindFloat, fnum: float64(f), dtype: FloatType} }

// Double returns a double value.
func Double(d float64) Value { return Value{kind: KindDouble, fnum: d, dtype: DoubleType} }

// String returns a string literal value.
func String(s string) Value { return Value{kind: KindString, str: s, dtype: StringType} }

// TypeOperand returns a null value carrying a declared type, used by
// instructions that take a type as an operand.
func TypeOperand(d DataType) Value { return Value{dtype: d} }

// Reg returns an operand addressing register r.
func Reg(r Register) Value { return Value{kind: KindRegister, num: int64(r)} }

// StackSlot returns an operand addressing a stack slot. Negative indices
// are relative to the current frame base.
func StackSlot(i int) Value { return Value{kind: KindStack, num: int64(i)} }

// StackIndexed returns an operand addressing element r of the array whose
// heap-ref is stored in stack slot i.
func StackIndexed(i int, r Register) Value {
	return Value{kind: KindStackIndexed, num: int64(i), reg: r}
}

// HeapSlot returns an operand addressing heap slot i.
func HeapSlot(i int) Value { return Value{kind: KindHeap, num: int64(i)} }

// HeapIndexed returns an operand addressing element r of the array whose
// heap-ref is stored in heap slot i.
func HeapIndexed(i int, r Register) Value {
	return Value{kind: KindHeapIndexed, num: int64(i), reg: r}
}

// InstrIndex returns an instruction index operand.
func InstrIndex(i int) Value { return Value{kind: KindInstruction, num: int64(i)} }

// SymbolRef returns an operand referring to symbol i.
func SymbolRef(i int) Value { return Value{kind: KindSymbol, num: int64(i)} }

func objectRef(index int) Value {
	return Value{kind: KindObject, num: int64(index), dtype: ObjectType}
}

func heapRef(start int, d DataType) Value {
	return Value{kind: KindHeapRef, num: int64(start), dtype: d}
}

func returnAddress(ip int) Value { return Value{kind: KindReturnAddress, num: int64(ip)} }

func frameMarker() Value { return Value{kind: KindFrameMarker} }

func baseMarker() Value { return Value{kind: KindBaseMarker} }

func boundary(size int, d DataType) Value {
	return Value{kind: KindBoundary, num: int64(size), dtype: d}
}

func invalidGuard() Value { return Value{kind: KindInvalid} }

// withType returns v carrying declared type d.
func (v Value) withType(d DataType) Value {
	v.dtype = d
	return v
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the tag of v.
func (v Value) Kind() Kind { return v.kind }

// DataType returns the declared type carried by v.
func (v Value) DataType() DataType { return v.dtype }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Index returns the index payload of addressing, reference and owning kinds.
func (v Value) Index() int { return int(v.num) }

// OffsetRegister returns the offset register of an indexed addressing kind.
func (v Value) OffsetRegister() Register { return v.reg }

// Refs returns the reference count stored on a boundary value.
func (v Value) Refs() int { return int(v.refs) }

// Truthy converts v to a boolean: zero, empty and null are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool, KindByte, KindShort, KindInt, KindLong:
		return v.num != 0
	case KindFloat, KindDouble:
		return v.fnum != 0
	case KindString:
		return v.str != "" && v.str != "0" && !strings.EqualFold(v.str, "false")
	case KindObject, KindHeapRef:
		return v.num > 0
	}
	return false
}

// AsInt converts a scalar value to an integer.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindBool, KindByte, KindShort, KindInt, KindLong:
		return v.num
	case KindFloat, KindDouble:
		return int64(v.fnum)
	case KindString:
		return parseNumber(v.str).AsInt()
	case KindObject, KindHeapRef:
		return v.num
	}
	return 0
}

// AsFloat converts a scalar value to a float64.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat, KindDouble:
		return v.fnum
	case KindBool, KindByte, KindShort, KindInt, KindLong:
		return float64(v.num)
	case KindString:
		return parseNumber(v.str).AsFloat()
	}
	return 0
}

// AsString converts a scalar value to its string form.
func (v Value) AsString() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindByte, KindShort, KindInt, KindLong:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.fnum, 'g', -1, 32)
	case KindDouble:
		return strconv.FormatFloat(v.fnum, 'g', -1, 64)
	case KindNull:
		return ""
	}
	return v.String()
}

// parseNumber sniffs for a decimal point to pick integer or floating parse.
func parseNumber(s string) Value {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, ".eE") && !strings.HasPrefix(s, "0x") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Double(0)
		}
		return Double(f)
	}
	i, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return Long(0)
	}
	return Long(i)
}

// String renders v for disassembly and debugging.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		if v.dtype != VoidType {
			return "type(" + v.dtype.String() + ")"
		}
		return "null"
	case KindBool, KindByte, KindShort, KindInt, KindLong, KindFloat, KindDouble:
		return v.kind.String() + "(" + v.AsString() + ")"
	case KindString:
		return strconv.Quote(v.str)
	case KindRegister:
		return Register(v.num).String()
	case KindStack:
		return fmt.Sprintf("stack[%d]", v.num)
	case KindStackIndexed:
		return fmt.Sprintf("stack[%d][%s]", v.num, v.reg)
	case KindHeap:
		return fmt.Sprintf("heap[%d]", v.num)
	case KindHeapIndexed:
		return fmt.Sprintf("heap[%d][%s]", v.num, v.reg)
	case KindInstruction:
		return fmt.Sprintf("@%d", v.num)
	case KindSymbol:
		return fmt.Sprintf("sym#%d", v.num)
	case KindObject:
		return fmt.Sprintf("object#%d", v.num)
	case KindHeapRef:
		return fmt.Sprintf("%s@heap#%d", v.dtype, v.num)
	case KindReturnAddress:
		return fmt.Sprintf("<ret @%d>", v.num)
	case KindFrameMarker:
		return "<frame>"
	case KindBaseMarker:
		return "<base>"
	case KindBoundary:
		return fmt.Sprintf("<block %s size=%d refs=%d>", v.dtype, v.num, v.refs)
	case KindInvalid:
		return "<guard>"
	}
	return fmt.Sprintf("<%s>", v.kind)
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// normalize truncates an integral payload to the width of kind k.
func normalize(k Kind, n int64) int64 {
	switch k {
	case KindBool:
		if n != 0 {
			return 1
		}
		return 0
	case KindByte:
		return int64(uint8(n))
	case KindShort:
		return int64(int16(n))
	case KindInt:
		return int64(int32(n))
	}
	return n
}

// Convert returns the scalar v converted to base type b. Owning and
// addressing kinds convert through their index payload; callers that
// overwrite an owning cell must release it first.
func Convert(v Value, b BaseType) Value {
	k := b.Kind()
	switch k {
	case KindBool:
		return Bool(v.Truthy())
	case KindByte, KindShort, KindInt, KindLong:
		var n int64
		if v.kind == KindString {
			n = parseNumber(v.str).AsInt()
		} else {
			n = v.AsInt()
		}
		return Value{kind: k, num: normalize(k, n), dtype: DataType{Base: b}}
	case KindFloat:
		f := v.AsFloat()
		return Value{kind: KindFloat, fnum: float64(float32(f)), dtype: FloatType}
	case KindDouble:
		return Double(v.AsFloat())
	case KindString:
		return String(v.AsString())
	case KindObject:
		if v.kind == KindObject {
			return v
		}
		return Null().withType(ObjectType)
	}
	return Null()
}

// scalarEqual reports equality of two scalars after numeric promotion.
func scalarEqual(a, b Value) bool {
	switch {
	case a.kind == KindNull || b.kind == KindNull:
		return a.kind == b.kind
	case a.kind == KindString || b.kind == KindString:
		return a.AsString() == b.AsString()
	case a.kind == KindBool || b.kind == KindBool:
		return a.Truthy() == b.Truthy()
	case isFloating(a) || isFloating(b):
		return a.AsFloat() == b.AsFloat()
	}
	return a.AsInt() == b.AsInt()
}

func isFloating(v Value) bool {
	return v.kind == KindFloat || v.kind == KindDouble
}

// compareNumeric returns sign(a-b) for numeric operands.
func compareNumeric(a, b Value) int64 {
	if isFloating(a) || isFloating(b) {
		x, y := a.AsFloat(), b.AsFloat()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		case math.IsNaN(x) || math.IsNaN(y):
			return 1
		}
		return 0
	}
	x, y := a.AsInt(), b.AsInt()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
