package vm

import "fmt"

// Opcode identifies an instruction. Opcodes are grouped into ranges by
// category.
type Opcode byte

const (
	// ========================================================================
	// Stack (0x00-0x0F)
	// ========================================================================

	OpNop        Opcode = 0x00 // No operation
	OpPush       Opcode = 0x01 // Push copy of src: PUSH src
	OpPushEmpty  Opcode = 0x02 // Push zero value of type: PUSH_EMPTY type
	OpPop        Opcode = 0x03 // Pop into dst: POP dst
	OpPopDestroy Opcode = 0x04 // Pop and discard, releasing any reference
	OpMov        Opcode = 0x05 // Copy src into dst: MOV dst src

	// ========================================================================
	// Cast (0x10-0x1F)
	// ========================================================================

	OpCast Opcode = 0x10 // Convert dst in place: CAST dst type

	// ========================================================================
	// Arithmetic (0x20-0x2F), in place on dst
	// ========================================================================

	OpAdd Opcode = 0x20 // dst += src (strings concatenate)
	OpSub Opcode = 0x21 // dst -= src
	OpMul Opcode = 0x22 // dst *= src
	OpDiv Opcode = 0x23 // dst /= src, integers truncate toward zero
	OpMod Opcode = 0x24 // dst %= src, modulo by zero yields zero
	OpNeg Opcode = 0x25 // dst = -dst
	OpInc Opcode = 0x26 // dst++
	OpDec Opcode = 0x27 // dst--

	// ========================================================================
	// Bitwise and logical (0x30-0x3F)
	// ========================================================================

	OpAnd  Opcode = 0x30 // dst &= src
	OpOr   Opcode = 0x31 // dst |= src
	OpXor  Opcode = 0x32 // dst ^= src
	OpNot  Opcode = 0x33 // dst = ^dst
	OpShl  Opcode = 0x34 // dst <<= src
	OpShr  Opcode = 0x35 // dst >>= src
	OpLAnd Opcode = 0x38 // dst = dst && src
	OpLOr  Opcode = 0x39 // dst = dst || src
	OpLNot Opcode = 0x3A // dst = !dst

	// ========================================================================
	// Compare and branch (0x40-0x4F)
	// ========================================================================

	OpCmp Opcode = 0x40 // rcmp = sign(a - b): CMP a b
	OpJmp Opcode = 0x41 // Unconditional jump: JMP target
	OpJeq Opcode = 0x42 // Jump if rcmp == 0
	OpJne Opcode = 0x43 // Jump if rcmp != 0
	OpJlt Opcode = 0x44 // Jump if rcmp < 0
	OpJle Opcode = 0x45 // Jump if rcmp <= 0
	OpJgt Opcode = 0x46 // Jump if rcmp > 0
	OpJge Opcode = 0x47 // Jump if rcmp >= 0
	OpJt  Opcode = 0x48 // Jump if src is truthy: JT src target
	OpJf  Opcode = 0x49 // Jump if src is falsy: JF src target

	// ========================================================================
	// Call and control (0x50-0x5F)
	// ========================================================================

	OpCall      Opcode = 0x50 // Call function symbol: CALL sym
	OpReturn    Opcode = 0x51 // Return, optionally setting rret: RETURN [src]
	OpExit      Opcode = 0x52 // Stop the thread
	OpPause     Opcode = 0x53 // Sleep: PAUSE milliseconds
	OpYield     Opcode = 0x54 // Give up the rest of the slice
	OpGotoState Opcode = 0x55 // Change process state: GOTO_STATE sym

	// ========================================================================
	// Heap (0x60-0x6F)
	// ========================================================================

	OpAlloc   Opcode = 0x60 // Allocate array: ALLOC dst size type
	OpDealloc Opcode = 0x61 // Free the block referenced by src: DEALLOC src
	OpLen     Opcode = 0x62 // Array length: LEN dst src

	// ========================================================================
	// Debug (0x70-0x7F)
	// ========================================================================

	OpBreakpoint Opcode = 0x70 // Halt for an attached debugger
	OpStmtEnter  Opcode = 0x71 // Statement entry marker
	OpStmtExit   Opcode = 0x72 // Statement exit marker

	// ========================================================================
	// Cooperative locking (0x80-0x8F)
	// ========================================================================

	OpLock      Opcode = 0x80 // Acquire the lock named by this instruction
	OpUnlock    Opcode = 0x81 // Release a lock: UNLOCK lock-instruction
	OpEnterAtom Opcode = 0x82 // Begin a section immune to slice expiry
	OpLeaveAtom Opcode = 0x83 // End an atomic section

	// ========================================================================
	// Members (0x90-0x9F)
	// ========================================================================

	OpCallMethod       Opcode = 0x90 // CALL_METHOD obj name argc; args on stack, result in rret
	OpGetMember        Opcode = 0x91 // GET_MEMBER dst obj name
	OpGetMemberIndexed Opcode = 0x92 // GET_MEMBER_INDEXED dst obj name index
	OpSetMember        Opcode = 0x93 // SET_MEMBER obj name src
	OpSetMemberIndexed Opcode = 0x94 // SET_MEMBER_INDEXED obj name index src
)

// MaxOperands is the largest operand count of any instruction.
const MaxOperands = 5

// OpcodeInfo provides metadata about each opcode for disassembly and
// image validation.
type OpcodeInfo struct {
	Name        string // Human-readable name
	MinOperands int
	MaxOperands int
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack
	OpNop:        {"NOP", 0, 0},
	OpPush:       {"PUSH", 1, 1},
	OpPushEmpty:  {"PUSH_EMPTY", 1, 1},
	OpPop:        {"POP", 1, 1},
	OpPopDestroy: {"POP_DESTROY", 0, 0},
	OpMov:        {"MOV", 2, 2},

	// Cast
	OpCast: {"CAST", 2, 2},

	// Arithmetic
	OpAdd: {"ADD", 2, 2},
	OpSub: {"SUB", 2, 2},
	OpMul: {"MUL", 2, 2},
	OpDiv: {"DIV", 2, 2},
	OpMod: {"MOD", 2, 2},
	OpNeg: {"NEG", 1, 1},
	OpInc: {"INC", 1, 1},
	OpDec: {"DEC", 1, 1},

	// Bitwise and logical
	OpAnd:  {"AND", 2, 2},
	OpOr:   {"OR", 2, 2},
	OpXor:  {"XOR", 2, 2},
	OpNot:  {"NOT", 1, 1},
	OpShl:  {"SHL", 2, 2},
	OpShr:  {"SHR", 2, 2},
	OpLAnd: {"LAND", 2, 2},
	OpLOr:  {"LOR", 2, 2},
	OpLNot: {"LNOT", 1, 1},

	// Compare and branch
	OpCmp: {"CMP", 2, 2},
	OpJmp: {"JMP", 1, 1},
	OpJeq: {"JEQ", 1, 1},
	OpJne: {"JNE", 1, 1},
	OpJlt: {"JLT", 1, 1},
	OpJle: {"JLE", 1, 1},
	OpJgt: {"JGT", 1, 1},
	OpJge: {"JGE", 1, 1},
	OpJt:  {"JT", 2, 2},
	OpJf:  {"JF", 2, 2},

	// Call and control
	OpCall:      {"CALL", 1, 1},
	OpReturn:    {"RETURN", 0, 1},
	OpExit:      {"EXIT", 0, 0},
	OpPause:     {"PAUSE", 1, 1},
	OpYield:     {"YIELD", 0, 0},
	OpGotoState: {"GOTO_STATE", 1, 1},

	// Heap
	OpAlloc:   {"ALLOC", 3, 3},
	OpDealloc: {"DEALLOC", 1, 1},
	OpLen:     {"LEN", 2, 2},

	// Debug
	OpBreakpoint: {"BREAKPOINT", 0, 0},
	OpStmtEnter:  {"STMT_ENTER", 0, 0},
	OpStmtExit:   {"STMT_EXIT", 0, 0},

	// Locking
	OpLock:      {"LOCK", 0, 0},
	OpUnlock:    {"UNLOCK", 1, 1},
	OpEnterAtom: {"ENTER_ATOM", 0, 0},
	OpLeaveAtom: {"LEAVE_ATOM", 0, 0},

	// Members
	OpCallMethod:       {"CALL_METHOD", 3, 3},
	OpGetMember:        {"GET_MEMBER", 3, 3},
	OpGetMemberIndexed: {"GET_MEMBER_INDEXED", 4, 4},
	OpSetMember:        {"SET_MEMBER", 3, 3},
	OpSetMemberIndexed: {"SET_MEMBER_INDEXED", 4, 4},
}

// GetOpcodeInfo returns metadata for an opcode and whether it is defined.
func GetOpcodeInfo(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}, false
	}
	return info, true
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	info, _ := GetOpcodeInfo(op)
	return info.Name
}

// IsJump reports whether op transfers control to an instruction operand.
func (op Opcode) IsJump() bool {
	return op >= OpJmp && op <= OpJf
}
