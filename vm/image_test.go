package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// richProgram touches every symbol kind and operand kind the image format
// carries.
func richProgram() *ProgramBuilder {
	b := NewProgramBuilder("rich.cnd")
	b.SetFlags(1)
	b.Define("VERSION", "1.2")
	ns := b.Namespace("members")
	b.MemberScope(ns)
	b.MetaData(ns, "author", "ops")
	b.Enum("Color", EnumValue{"Red", 0}, EnumValue{"Green", 1}, EnumValue{"Blue", -7})
	greeting := b.String("greeting", "hello\nworld")
	total := b.Global("total", LongType)
	arr := b.Global("arr", ArrayOf(TypeDouble))
	idle := b.State("Idle")
	b.DefaultState(idle)
	log := b.Import("Log", VoidType, StringType)

	b.Init().
		At("rich.src", 1).Emit(OpMov, total, Long(1<<40)).
		Emit(OpReturn)
	fn := b.Function("Everything", DoubleType,
		[]Var{{"a", IntType}, {"names", ArrayOf(TypeString)}},
		[]Var{{"i", DataType{Base: TypeShort}}, {"f", FloatType}})
	fn.At("rich.src", 10).Emit(OpMov, fn.Local(0), Short(-3)).
		Emit(OpMov, fn.Local(1), Float(1.5)).
		Emit(OpAlloc, arr, Byte(4), TypeOperand(DoubleType)).
		Emit(OpMov, Reg(R1), Int(2)).
		Emit(OpMov, HeapIndexed(GlobalBase+1, R1), Double(2.25)).
		Emit(OpMov, Reg(R2), StackIndexed(-4, R1)).
		Label("loop").
		At("other.src", 20).Emit(OpCmp, fn.Param(0), Bool(true)).
		Emit(OpJne, fn.L("loop")).
		Emit(OpPush, greeting).
		Emit(OpCall, log).
		Emit(OpPush, String("")).
		Emit(OpPopDestroy).
		At("", 0).Emit(OpNop).
		Emit(OpReturn, HeapIndexed(GlobalBase+1, R1))
	b.StateFunction(idle, "OnStateBegin", VoidType, nil, nil).
		Emit(OpInc, total).
		Emit(OpReturn)
	b.Function("Cmd", VoidType, nil, nil).Flags(FlagConsole | FlagExport).Emit(OpReturn)
	return b
}

func TestImageRoundTrip(t *testing.T) {
	orig := richProgram().MustBuild()
	data := EncodeProgram(orig)

	got, err := DecodeProgram(data)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	got.URL = orig.URL
	if a, b := Disassemble(orig), Disassemble(got); a != b {
		t.Errorf("disassembly differs\n--- encoded\n%s\n--- decoded\n%s", a, b)
	}
	if got.Header != orig.Header {
		t.Errorf("header = %+v, want %+v", got.Header, orig.Header)
	}
	if len(got.Instructions) != len(orig.Instructions) {
		t.Fatalf("decoded %d instructions, want %d", len(got.Instructions), len(orig.Instructions))
	}
	for i := range orig.Instructions {
		a, b := orig.Instructions[i], got.Instructions[i]
		if a.Op != b.Op || a.File != b.File || a.Line != b.Line || len(a.Operands) != len(b.Operands) {
			t.Errorf("instruction %d = %s, want %s", i, &b, &a)
			continue
		}
		for j := range a.Operands {
			if a.Operands[j] != b.Operands[j] {
				t.Errorf("instruction %d operand %d = %s, want %s", i, j, b.Operands[j], a.Operands[j])
			}
		}
	}
	for i, s := range orig.Symbols {
		e, ok := s.(*EnumSymbol)
		if !ok {
			continue
		}
		ge, ok := got.Symbols[i].(*EnumSymbol)
		if !ok || len(ge.Values) != len(e.Values) {
			t.Fatalf("enum symbol %d decoded as %#v", i, got.Symbols[i])
		}
		for j := range e.Values {
			if ge.Values[j] != e.Values[j] {
				t.Errorf("enum value %d = %+v, want %+v", j, ge.Values[j], e.Values[j])
			}
		}
	}

	// A decoded image runs like the original.
	tv := newTestVM(t)
	p, err := tv.LoadImage("rich.cnd", data)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if got := globalInt(t, p, "total"); got != 1<<40+1 {
		t.Errorf("total = %d after init and OnStateBegin", got)
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	orig := richProgram().MustBuild()
	path := filepath.Join(t.TempDir(), "rich.cndi")
	if err := SaveProgram(path, orig); err != nil {
		t.Fatalf("SaveProgram: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, EncodeProgram(orig)) {
		t.Error("saved image differs from the encoded bytes")
	}
	var buf bytes.Buffer
	n, err := WriteProgram(&buf, orig)
	if err != nil || n != int64(len(data)) {
		t.Errorf("WriteProgram = %d, %v", n, err)
	}
	r, err := NewImageReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadProgram(); err != nil {
		t.Errorf("ReadProgram: %v", err)
	}
}

func TestImageHeaderErrors(t *testing.T) {
	good := EncodeProgram(richProgram().MustBuild())

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "XXXX")
	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badVersion[4:], ImageVersion+1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrCorruptHeader},
		{"short header", good[:imageHeaderSize-1], ErrCorruptHeader},
		{"bad magic", badMagic, ErrInvalidMagic},
		{"version mismatch", badVersion, ErrVersionMismatch},
		{"trailing bytes", append(append([]byte(nil), good...), 0), ErrCorruptData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeProgram(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEveryTruncationFails(t *testing.T) {
	good := EncodeProgram(richProgram().MustBuild())
	for n := 0; n < len(good); n++ {
		if _, err := DecodeProgram(good[:n]); err == nil {
			t.Fatalf("prefix of %d/%d bytes decoded without error", n, len(good))
		}
	}
}

func TestCountsBoundedByRemainingData(t *testing.T) {
	header := EncodeProgram(richProgram().MustBuild())[:imageHeaderSize]
	table := func(counts ...uint32) []byte {
		data := append([]byte(nil), header...)
		for _, c := range counts {
			data = binary.LittleEndian.AppendUint32(data, c)
		}
		return data
	}
	// An empty file table is a two-byte zero between symbols and instructions.
	instructions := binary.LittleEndian.AppendUint32(append(table(0, 0), 0, 0), maxImageRecords)

	tests := []struct {
		name string
		data []byte
	}{
		{"defines", table(maxImageRecords)},
		{"symbols", table(0, maxImageRecords)},
		{"instructions", instructions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeProgram(tt.data)
			if !errors.Is(err, ErrUnexpectedEOF) {
				t.Errorf("error = %v, want ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestDecodeRejectsRuntimeOperands(t *testing.T) {
	b := NewProgramBuilder("bad.cnd")
	b.Function("F", VoidType, nil, nil).Emit(OpPush, objectRef(1)).Emit(OpReturn)
	if _, err := DecodeProgram(EncodeProgram(b.MustBuild())); !errors.Is(err, ErrCorruptData) {
		t.Errorf("error = %v, want ErrCorruptData", err)
	}
}
