package vm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/tliron/commonlog"
)

var scriptLog = commonlog.GetLogger("cinder.script")

// ---------------------------------------------------------------------------
// Builtins: the core native library
// ---------------------------------------------------------------------------

func native(name string, ret DataType, fn NativeFunc, params ...DataType) Native {
	return Native{Signature: MakeSignature(name, params), Return: ret, Params: params, Fn: fn}
}

// Builtins returns the natives every default registry starts with.
func Builtins() []Native {
	natives := []Native{
		// Output
		native("Print", VoidType, builtinPrint, StringType),
		native("Log", VoidType, builtinLog, StringType),

		// Strings
		native("StrLen", IntType, builtinStrLen, StringType),
		native("ToUpper", StringType, builtinToUpper, StringType),
		native("ToLower", StringType, builtinToLower, StringType),

		// Math
		native("Abs", IntType, builtinAbs, IntType),
		native("Sqrt", FloatType, builtinSqrt, FloatType),
		native("Random", IntType, builtinRandom, IntType, IntType),

		// Processes
		native("ProcessId", IntType, builtinProcessID),
		native("ExitProcess", VoidType, builtinExitProcess, IntType),
		native("RunScript", ObjectType, builtinRunScript, StringType),
		native("WaitForProcess", VoidType, builtinWaitForProcess, ObjectType),
		native("WaitForProcessResult", BoolType, builtinWaitForProcessResult, ObjectType, IntType),
	}
	for _, b := range []BaseType{TypeBool, TypeByte, TypeShort, TypeInt, TypeLong, TypeFloat, TypeDouble, TypeString, TypeObject} {
		natives = append(natives, native("ArrayLength", IntType, builtinArrayLength, ArrayOf(b)))
	}
	return natives
}

func builtinPrint(t *Thread) error {
	_, err := fmt.Fprintln(t.proc.vm.out, t.ParamString(0))
	return err
}

func builtinLog(t *Thread) error {
	scriptLog.Infof("[%s] %s", t.proc.program.URL, t.ParamString(0))
	return nil
}

func builtinStrLen(t *Thread) error {
	t.Return(Int(int32(len(t.ParamString(0)))))
	return nil
}

func builtinToUpper(t *Thread) error {
	t.Return(String(strings.ToUpper(t.ParamString(0))))
	return nil
}

func builtinToLower(t *Thread) error {
	t.Return(String(strings.ToLower(t.ParamString(0))))
	return nil
}

func builtinAbs(t *Thread) error {
	n := t.ParamInt(0)
	if n < 0 {
		n = -n
	}
	t.Return(Int(int32(n)))
	return nil
}

func builtinSqrt(t *Thread) error {
	f := t.ParamFloat(0)
	if f < 0 {
		return fmt.Errorf("%w: Sqrt of %g", ErrInvalidOperand, f)
	}
	t.Return(Float(float32(math.Sqrt(f))))
	return nil
}

// builtinRandom returns a uniform integer in [lo, hi].
func builtinRandom(t *Thread) error {
	lo, hi := t.ParamInt(0), t.ParamInt(1)
	if hi < lo {
		lo, hi = hi, lo
	}
	t.Return(Int(int32(lo + rand.Int64N(hi-lo+1))))
	return nil
}

func builtinArrayLength(t *Thread) error {
	n, err := t.proc.mem.ArrayLen(t.Param(0))
	if err != nil {
		return err
	}
	t.Return(Int(int32(n)))
	return nil
}

func builtinProcessID(t *Thread) error {
	t.Return(Int(int32(t.proc.id)))
	return nil
}

// builtinExitProcess finishes the calling process at the end of the
// current instruction.
func builtinExitProcess(t *Thread) error {
	t.proc.Exit(int(t.ParamInt(0)))
	return nil
}

// builtinRunScript loads another image and returns a handle to its process.
func builtinRunScript(t *Thread) error {
	url := t.ParamString(0)
	q, err := t.proc.vm.LoadScript(url, true)
	if err != nil {
		return err
	}
	t.ReturnObject(newProcessHandle(q))
	return nil
}

func builtinWaitForProcess(t *Thread) error {
	q, err := processParam(t, 0)
	if err != nil {
		return err
	}
	if !q.Finished() {
		t.WaitFor(q.Finished)
	}
	return nil
}

// builtinWaitForProcessResult parks the caller until the process finishes
// and returns whether it exited with the expected code.
func builtinWaitForProcessResult(t *Thread) error {
	q, err := processParam(t, 0)
	if err != nil {
		return err
	}
	want := int(t.ParamInt(1))
	if q.Finished() {
		t.Return(Bool(q.ExitCode() == want))
		return nil
	}
	t.Return(Bool(false))
	t.WaitFor(func() bool {
		if !q.Finished() {
			return false
		}
		t.Return(Bool(q.ExitCode() == want))
		return true
	})
	return nil
}

func processParam(t *Thread, i int) (*Process, error) {
	obj, err := t.ParamObject(i)
	if err != nil {
		return nil, err
	}
	if h, ok := obj.(*NativeObject); ok {
		if q, ok := h.Target.(*Process); ok {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: parameter %d is not a process handle", ErrInvalidOperand, i)
}

// newProcessHandle wraps q for scripts. The handle exposes id, url,
// finished and exitCode, and an exit method.
func newProcessHandle(q *Process) *NativeObject {
	h := NewNativeObject(q)
	h.Getters["id"] = func(*Thread) (Value, error) { return Int(int32(q.id)), nil }
	h.Getters["url"] = func(*Thread) (Value, error) { return String(q.program.URL), nil }
	h.Getters["finished"] = func(*Thread) (Value, error) { return Bool(q.Finished()), nil }
	h.Getters["exitCode"] = func(*Thread) (Value, error) { return Int(int32(q.ExitCode())), nil }
	h.Methods["exit"] = func(_ *Thread, args []Value) (Value, error) {
		code := 0
		if len(args) > 0 {
			code = int(args[0].AsInt())
		}
		q.Exit(code)
		return Null(), nil
	}
	return h
}
