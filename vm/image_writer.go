package vm

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// Image Format Constants
// ---------------------------------------------------------------------------

// ImageMagic identifies a cinder bytecode image.
var ImageMagic = [4]byte{'C', 'N', 'D', 'R'}

// ImageVersion is the image format version this package reads and writes.
const ImageVersion uint16 = 1

// noFile marks an instruction without a source file.
const noFile = 0xFFFF

// ---------------------------------------------------------------------------
// ImageWriter: serializes a Program to the binary image format
// ---------------------------------------------------------------------------

// ImageWriter encodes a Program. All integers are little-endian; strings are
// a uint32 length followed by UTF-8 bytes.
//
// Layout:
//
//	magic[4] version:u16 flags:u32 memsize:u32
//	globalScope:i32 memberScope:i32 defaultState:i32
//	defines:   count:u32 { name:str value:str }
//	symbols:   count:u32 { kind:u8 name:str parent:i32 payload }
//	files:     count:u16 { path:str }
//	code:      count:u32 { op:u8 file:u16 line:u32 nops:u8 { operand } }
type ImageWriter struct {
	buf   bytes.Buffer
	files map[string]uint16
	order []string
}

// NewImageWriter creates an empty writer.
func NewImageWriter() *ImageWriter {
	return &ImageWriter{files: make(map[string]uint16)}
}

func (w *ImageWriter) writeUint8(v uint8) { w.buf.WriteByte(v) }

func (w *ImageWriter) writeUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *ImageWriter) writeUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *ImageWriter) writeUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *ImageWriter) writeInt32(v int) { w.writeUint32(uint32(int32(v))) }

func (w *ImageWriter) writeString(s string) {
	w.writeUint32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *ImageWriter) writeDataType(d DataType) {
	w.writeUint8(uint8(d.Base))
	if d.Array {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
}

func (w *ImageWriter) writeVars(vars []Var) {
	w.writeUint16(uint16(len(vars)))
	for _, v := range vars {
		w.writeString(v.Name)
		w.writeDataType(v.Type)
	}
}

// Encode serializes p and returns the image bytes.
func (w *ImageWriter) Encode(p *Program) []byte {
	w.buf.Reset()
	w.buf.Write(ImageMagic[:])
	w.writeUint16(ImageVersion)
	w.writeUint32(uint32(p.Header.Flags))
	w.writeUint32(uint32(p.Header.MemorySize))
	w.writeInt32(p.Header.GlobalScope)
	w.writeInt32(p.Header.MemberScope)
	w.writeInt32(p.Header.DefaultState)

	w.writeUint32(uint32(len(p.Defines)))
	for _, d := range p.Defines {
		w.writeString(d.Name)
		w.writeString(d.Value)
	}

	w.writeUint32(uint32(len(p.Symbols)))
	for _, s := range p.Symbols {
		w.writeSymbol(s)
	}

	w.collectFiles(p.Instructions)
	w.writeUint16(uint16(len(w.order)))
	for _, f := range w.order {
		w.writeString(f)
	}

	w.writeUint32(uint32(len(p.Instructions)))
	for i := range p.Instructions {
		w.writeInstruction(&p.Instructions[i])
	}
	return w.buf.Bytes()
}

func (w *ImageWriter) collectFiles(code []Instruction) {
	for _, in := range code {
		if in.File == "" {
			continue
		}
		if _, ok := w.files[in.File]; !ok {
			w.files[in.File] = uint16(len(w.order))
			w.order = append(w.order, in.File)
		}
	}
}

func (w *ImageWriter) writeSymbol(s Symbol) {
	w.writeUint8(uint8(s.SymbolKind()))
	w.writeString(s.SymbolName())
	w.writeInt32(s.ParentIndex())

	switch s := s.(type) {
	case *FunctionSymbol:
		w.writeInt32(s.Entry)
		w.writeDataType(s.ReturnType)
		w.writeUint16(uint16(s.Flags))
		w.writeVars(s.Params)
		w.writeVars(s.Locals)
	case *VariableSymbol:
		w.writeUint8(uint8(s.Storage))
		w.writeUint32(uint32(s.Slot))
		w.writeDataType(s.Type)
		if s.Const {
			w.writeUint8(1)
		} else {
			w.writeUint8(0)
		}
	case *StringSymbol:
		w.writeString(s.Value)
	case *EnumSymbol:
		w.writeUint16(uint16(len(s.Values)))
		for _, ev := range s.Values {
			w.writeString(ev.Name)
			w.writeUint64(uint64(ev.Value))
		}
	case *MetaDataSymbol:
		w.writeString(s.Value)
	}
}

func (w *ImageWriter) writeInstruction(in *Instruction) {
	w.writeUint8(uint8(in.Op))
	if idx, ok := w.files[in.File]; ok && in.File != "" {
		w.writeUint16(idx)
	} else {
		w.writeUint16(noFile)
	}
	w.writeUint32(uint32(in.Line))
	w.writeUint8(uint8(len(in.Operands)))
	for _, op := range in.Operands {
		w.writeOperand(op)
	}
}

func (w *ImageWriter) writeOperand(v Value) {
	w.writeUint8(uint8(v.kind))
	w.writeDataType(v.dtype)
	switch v.kind {
	case KindBool, KindByte:
		w.writeUint8(uint8(v.num))
	case KindShort:
		w.writeUint16(uint16(v.num))
	case KindInt:
		w.writeUint32(uint32(v.num))
	case KindLong:
		w.writeUint64(uint64(v.num))
	case KindFloat:
		w.writeUint32(math.Float32bits(float32(v.fnum)))
	case KindDouble:
		w.writeUint64(math.Float64bits(v.fnum))
	case KindString:
		w.writeString(v.str)
	case KindRegister:
		w.writeUint8(uint8(v.num))
	case KindStack, KindHeap, KindInstruction, KindSymbol:
		w.writeInt32(int(v.num))
	case KindStackIndexed, KindHeapIndexed:
		w.writeInt32(int(v.num))
		w.writeUint8(uint8(v.reg))
	}
}

// EncodeProgram serializes p to image bytes.
func EncodeProgram(p *Program) []byte {
	return NewImageWriter().Encode(p)
}

// WriteProgram writes the image of p to out.
func WriteProgram(out io.Writer, p *Program) (int64, error) {
	n, err := out.Write(EncodeProgram(p))
	return int64(n), err
}

// SaveProgram writes the image of p to path.
func SaveProgram(path string, p *Program) error {
	return os.WriteFile(path, EncodeProgram(p), 0o644)
}
