package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var (
	vmLog    = commonlog.GetLogger("cinder.vm")
	gcLog    = commonlog.GetLogger("cinder.gc")
	debugLog = commonlog.GetLogger("cinder.debug")
)

// ---------------------------------------------------------------------------
// Runtime Error Types
// ---------------------------------------------------------------------------

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownState    = errors.New("unknown state")
	ErrUnknownMember   = errors.New("unknown member")
	ErrUnknownVariable = errors.New("unknown variable")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrStackCorrupt    = errors.New("stack corrupt")
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrInvalidOperand  = errors.New("invalid operand")
	ErrDivideByZero    = errors.New("integer divide by zero")
	ErrOutOfBounds     = errors.New("index out of bounds")
	ErrProcessFinished = errors.New("process finished")
	ErrInternal        = errors.New("internal fault")
)

// RuntimeError is a fault raised while executing an instruction. It carries
// the source location compiled into the instruction when there is one.
type RuntimeError struct {
	Err         error
	Function    string
	File        string
	Line        int
	Instruction int
}

func (e *RuntimeError) Error() string {
	loc := fmt.Sprintf("@%d", e.Instruction)
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.Function != "" {
		return fmt.Sprintf("%s (in %s): %v", loc, e.Function, e.Err)
	}
	return fmt.Sprintf("%s: %v", loc, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
