package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ---------------------------------------------------------------------------
// Image Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected CNDR")
	ErrVersionMismatch = errors.New("image version mismatch")
	ErrCorruptHeader   = errors.New("corrupt image header")
	ErrCorruptData     = errors.New("corrupt image data")
	ErrUnexpectedEOF   = errors.New("unexpected end of image data")
)

// imageHeaderSize is magic, version, flags, memory size and three scope
// indices.
const imageHeaderSize = 4 + 2 + 4 + 4 + 4*3

// Decoding limits. Counts beyond these can only come from a garbled image.
const (
	maxImageStrings = 1 << 24
	maxImageRecords = 1 << 22
)

// Smallest encodings of each table record.
const (
	minDefineSize      = 4 + 4         // two empty strings
	minSymbolSize      = 1 + 4         // kind and an empty name
	minInstructionSize = 1 + 2 + 4 + 1 // opcode, file, line, operand count
	minVarSize         = 4 + 2         // empty name and data type
)

// ---------------------------------------------------------------------------
// ImageReader: decodes a binary image into a Program
// ---------------------------------------------------------------------------

// ImageReader decodes the format written by ImageWriter. Every read is
// bounds-checked; malformed input yields an error wrapping one of the image
// errors and never a panic.
type ImageReader struct {
	data   []byte
	offset int
	files  []string
}

// NewImageReader reads all of r into a new reader.
func NewImageReader(r io.Reader) (*ImageReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return NewImageReaderFromBytes(data), nil
}

// NewImageReaderFromBytes creates a reader over data.
func NewImageReaderFromBytes(data []byte) *ImageReader {
	return &ImageReader{data: data}
}

func (ir *ImageReader) need(n int) error {
	if n < 0 || ir.offset+n > len(ir.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrUnexpectedEOF, n, ir.offset, len(ir.data))
	}
	return nil
}

func (ir *ImageReader) readUint8() (uint8, error) {
	if err := ir.need(1); err != nil {
		return 0, err
	}
	v := ir.data[ir.offset]
	ir.offset++
	return v, nil
}

func (ir *ImageReader) readUint16() (uint16, error) {
	if err := ir.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(ir.data[ir.offset:])
	ir.offset += 2
	return v, nil
}

func (ir *ImageReader) readUint32() (uint32, error) {
	if err := ir.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(ir.data[ir.offset:])
	ir.offset += 4
	return v, nil
}

func (ir *ImageReader) readUint64() (uint64, error) {
	if err := ir.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(ir.data[ir.offset:])
	ir.offset += 8
	return v, nil
}

func (ir *ImageReader) readInt32() (int, error) {
	v, err := ir.readUint32()
	return int(int32(v)), err
}

func (ir *ImageReader) readString() (string, error) {
	n, err := ir.readUint32()
	if err != nil {
		return "", err
	}
	if n > maxImageStrings {
		return "", fmt.Errorf("%w: string of %d bytes", ErrCorruptData, n)
	}
	if err := ir.need(int(n)); err != nil {
		return "", err
	}
	s := string(ir.data[ir.offset : ir.offset+int(n)])
	ir.offset += int(n)
	return s, nil
}

// readCount reads a table length. Each record takes at least minSize
// bytes, so a count the remaining data cannot hold is rejected before
// anything is allocated for it.
func (ir *ImageReader) readCount(minSize int) (int, error) {
	n, err := ir.readUint32()
	if err != nil {
		return 0, err
	}
	if n > maxImageRecords {
		return 0, fmt.Errorf("%w: record count %d", ErrCorruptData, n)
	}
	if err := ir.need(int(n) * minSize); err != nil {
		return 0, fmt.Errorf("%d records: %w", n, err)
	}
	return int(n), nil
}

func (ir *ImageReader) readDataType() (DataType, error) {
	base, err := ir.readUint8()
	if err != nil {
		return DataType{}, err
	}
	array, err := ir.readUint8()
	if err != nil {
		return DataType{}, err
	}
	if BaseType(base) > TypeObject || array > 1 {
		return DataType{}, fmt.Errorf("%w: data type %d/%d", ErrCorruptData, base, array)
	}
	return DataType{Base: BaseType(base), Array: array == 1}, nil
}

func (ir *ImageReader) readVars() ([]Var, error) {
	n, err := ir.readUint16()
	if err != nil {
		return nil, err
	}
	if err := ir.need(int(n) * minVarSize); err != nil {
		return nil, err
	}
	vars := make([]Var, 0, n)
	for i := 0; i < int(n); i++ {
		name, err := ir.readString()
		if err != nil {
			return nil, err
		}
		d, err := ir.readDataType()
		if err != nil {
			return nil, err
		}
		vars = append(vars, Var{Name: name, Type: d})
	}
	return vars, nil
}

// ReadHeader decodes and checks the fixed header.
func (ir *ImageReader) ReadHeader() (Header, error) {
	var h Header
	if len(ir.data) < imageHeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrCorruptHeader, len(ir.data))
	}
	ir.offset = 0
	magic := ir.data[:4]
	ir.offset = 4
	if string(magic) != string(ImageMagic[:]) {
		return h, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}
	version, _ := ir.readUint16()
	if version != ImageVersion {
		return h, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ImageVersion, version)
	}
	h.Version = version
	flags, _ := ir.readUint32()
	h.Flags = CompileFlags(flags)
	mem, _ := ir.readUint32()
	if mem > maxImageRecords {
		return h, fmt.Errorf("%w: memory size %d", ErrCorruptHeader, mem)
	}
	h.MemorySize = int(mem)
	h.GlobalScope, _ = ir.readInt32()
	h.MemberScope, _ = ir.readInt32()
	h.DefaultState, _ = ir.readInt32()
	return h, nil
}

// ReadProgram decodes a complete image.
func (ir *ImageReader) ReadProgram() (*Program, error) {
	h, err := ir.ReadHeader()
	if err != nil {
		return nil, err
	}
	p := &Program{Header: h}

	n, err := ir.readCount(minDefineSize)
	if err != nil {
		return nil, fmt.Errorf("define table: %w", err)
	}
	for i := 0; i < n; i++ {
		name, err := ir.readString()
		if err != nil {
			return nil, fmt.Errorf("define %d: %w", i, err)
		}
		value, err := ir.readString()
		if err != nil {
			return nil, fmt.Errorf("define %d: %w", i, err)
		}
		p.Defines = append(p.Defines, Define{Name: name, Value: value})
	}

	if n, err = ir.readCount(minSymbolSize); err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	p.Symbols = make([]Symbol, 0, n)
	for i := 0; i < n; i++ {
		s, err := ir.readSymbol()
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		p.Symbols = append(p.Symbols, s)
	}

	nfiles, err := ir.readUint16()
	if err != nil {
		return nil, fmt.Errorf("file table: %w", err)
	}
	if err := ir.need(int(nfiles) * 4); err != nil {
		return nil, fmt.Errorf("file table: %w", err)
	}
	ir.files = make([]string, 0, nfiles)
	for i := 0; i < int(nfiles); i++ {
		f, err := ir.readString()
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		ir.files = append(ir.files, f)
	}

	if n, err = ir.readCount(minInstructionSize); err != nil {
		return nil, fmt.Errorf("instruction table: %w", err)
	}
	p.Instructions = make([]Instruction, 0, n)
	for i := 0; i < n; i++ {
		in, err := ir.readInstruction()
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		p.Instructions = append(p.Instructions, in)
	}

	if ir.offset != len(ir.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, len(ir.data)-ir.offset)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (ir *ImageReader) readSymbol() (Symbol, error) {
	kind, err := ir.readUint8()
	if err != nil {
		return nil, err
	}
	name, err := ir.readString()
	if err != nil {
		return nil, err
	}
	parent, err := ir.readInt32()
	if err != nil {
		return nil, err
	}

	switch SymbolKind(kind) {
	case SymFunction:
		fn := &FunctionSymbol{Name: name, Parent: parent}
		if fn.Entry, err = ir.readInt32(); err != nil {
			return nil, err
		}
		if fn.ReturnType, err = ir.readDataType(); err != nil {
			return nil, err
		}
		flags, err := ir.readUint16()
		if err != nil {
			return nil, err
		}
		fn.Flags = FunctionFlags(flags)
		if fn.Params, err = ir.readVars(); err != nil {
			return nil, err
		}
		if fn.Locals, err = ir.readVars(); err != nil {
			return nil, err
		}
		return fn, nil

	case SymVariable:
		v := &VariableSymbol{Name: name, Parent: parent}
		storage, err := ir.readUint8()
		if err != nil {
			return nil, err
		}
		if StorageClass(storage) > StorageParam {
			return nil, fmt.Errorf("%w: storage class %d", ErrCorruptData, storage)
		}
		v.Storage = StorageClass(storage)
		slot, err := ir.readUint32()
		if err != nil {
			return nil, err
		}
		if slot > maxImageRecords {
			return nil, fmt.Errorf("%w: variable slot %d", ErrCorruptData, slot)
		}
		v.Slot = int(slot)
		if v.Type, err = ir.readDataType(); err != nil {
			return nil, err
		}
		c, err := ir.readUint8()
		if err != nil {
			return nil, err
		}
		v.Const = c != 0
		return v, nil

	case SymState:
		return &StateSymbol{Name: name, Parent: parent}, nil

	case SymString:
		value, err := ir.readString()
		if err != nil {
			return nil, err
		}
		return &StringSymbol{Name: name, Parent: parent, Value: value}, nil

	case SymEnum:
		e := &EnumSymbol{Name: name, Parent: parent}
		n, err := ir.readUint16()
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(n); i++ {
			vname, err := ir.readString()
			if err != nil {
				return nil, err
			}
			val, err := ir.readUint64()
			if err != nil {
				return nil, err
			}
			e.Values = append(e.Values, EnumValue{Name: vname, Value: int64(val)})
		}
		return e, nil

	case SymNamespace:
		return &NamespaceSymbol{Name: name, Parent: parent}, nil

	case SymMetaData:
		value, err := ir.readString()
		if err != nil {
			return nil, err
		}
		return &MetaDataSymbol{Name: name, Parent: parent, Value: value}, nil
	}
	return nil, fmt.Errorf("%w: symbol kind %d", ErrCorruptData, kind)
}

func (ir *ImageReader) readInstruction() (Instruction, error) {
	var in Instruction
	op, err := ir.readUint8()
	if err != nil {
		return in, err
	}
	in.Op = Opcode(op)
	file, err := ir.readUint16()
	if err != nil {
		return in, err
	}
	if file != noFile {
		if int(file) >= len(ir.files) {
			return in, fmt.Errorf("%w: file index %d", ErrCorruptData, file)
		}
		in.File = ir.files[file]
	}
	line, err := ir.readUint32()
	if err != nil {
		return in, err
	}
	in.Line = int(line)
	n, err := ir.readUint8()
	if err != nil {
		return in, err
	}
	if n > MaxOperands {
		return in, fmt.Errorf("%w: %d operands", ErrCorruptData, n)
	}
	if n > 0 {
		in.Operands = make([]Value, n)
	}
	for i := range in.Operands {
		if in.Operands[i], err = ir.readOperand(); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (ir *ImageReader) readOperand() (Value, error) {
	k, err := ir.readUint8()
	if err != nil {
		return Null(), err
	}
	d, err := ir.readDataType()
	if err != nil {
		return Null(), err
	}
	v := Value{kind: Kind(k), dtype: d}

	switch v.kind {
	case KindNull:
	case KindBool, KindByte:
		b, err := ir.readUint8()
		if err != nil {
			return Null(), err
		}
		v.num = normalize(v.kind, int64(b))
	case KindShort:
		s, err := ir.readUint16()
		if err != nil {
			return Null(), err
		}
		v.num = int64(int16(s))
	case KindInt:
		i, err := ir.readUint32()
		if err != nil {
			return Null(), err
		}
		v.num = int64(int32(i))
	case KindLong:
		l, err := ir.readUint64()
		if err != nil {
			return Null(), err
		}
		v.num = int64(l)
	case KindFloat:
		f, err := ir.readUint32()
		if err != nil {
			return Null(), err
		}
		v.fnum = float64(math.Float32frombits(f))
	case KindDouble:
		f, err := ir.readUint64()
		if err != nil {
			return Null(), err
		}
		v.fnum = math.Float64frombits(f)
	case KindString:
		if v.str, err = ir.readString(); err != nil {
			return Null(), err
		}
	case KindRegister:
		r, err := ir.readUint8()
		if err != nil {
			return Null(), err
		}
		v.num = int64(r)
	case KindStack, KindHeap, KindInstruction, KindSymbol:
		i, err := ir.readInt32()
		if err != nil {
			return Null(), err
		}
		v.num = int64(i)
	case KindStackIndexed, KindHeapIndexed:
		i, err := ir.readInt32()
		if err != nil {
			return Null(), err
		}
		r, err := ir.readUint8()
		if err != nil {
			return Null(), err
		}
		v.num, v.reg = int64(i), Register(r)
	default:
		// Owned indices and control markers only exist at run time.
		return Null(), fmt.Errorf("%w: operand kind %s", ErrCorruptData, v.kind)
	}
	return v, nil
}

// DecodeProgram decodes image bytes into a Program.
func DecodeProgram(data []byte) (*Program, error) {
	return NewImageReaderFromBytes(data).ReadProgram()
}
