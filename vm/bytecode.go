package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Constants and literals
const (
	OpConstant Opcode = 0x00 // push constant (8-bit pool index)
	OpNil      Opcode = 0x01 // push nil
	OpTrue     Opcode = 0x02 // push true
	OpFalse    Opcode = 0x03 // push false
)

// Stack and variables
const (
	OpPop          Opcode = 0x10 // discard top of stack
	OpGetLocal     Opcode = 0x11 // push local (8-bit frame slot)
	OpSetLocal     Opcode = 0x12 // store top into local (8-bit frame slot)
	OpGetGlobal    Opcode = 0x13 // push global (8-bit name constant)
	OpDefineGlobal Opcode = 0x14 // define global from top (8-bit name constant)
	OpSetGlobal    Opcode = 0x15 // assign existing global (8-bit name constant)
	OpGetUpvalue   Opcode = 0x16 // push upvalue (8-bit index)
	OpSetUpvalue   Opcode = 0x17 // store top into upvalue (8-bit index)
)

// Properties and super
const (
	OpGetProperty Opcode = 0x20 // field/method lookup (8-bit name constant)
	OpSetProperty Opcode = 0x21 // field store (8-bit name constant)
	OpGetSuper    Opcode = 0x22 // superclass method lookup (8-bit name constant)
)

// Operators
const (
	OpEqual    Opcode = 0x30
	OpGreater  Opcode = 0x31
	OpLess     Opcode = 0x32
	OpAdd      Opcode = 0x33
	OpSubtract Opcode = 0x34
	OpMultiply Opcode = 0x35
	OpDivide   Opcode = 0x36
	OpNot      Opcode = 0x37
	OpNegate   Opcode = 0x38
)

// Control flow
const (
	OpPrint       Opcode = 0x40 // pop and print
	OpJump        Opcode = 0x41 // unconditional forward jump (16-bit offset)
	OpJumpIfFalse Opcode = 0x42 // jump if top is falsy, no pop (16-bit offset)
	OpLoop        Opcode = 0x43 // unconditional backward jump (16-bit offset)
)

// Calls and closures
const (
	OpCall         Opcode = 0x50 // call value (8-bit arg count)
	OpInvoke       Opcode = 0x51 // method call (8-bit name constant, 8-bit argc)
	OpSuperInvoke  Opcode = 0x52 // super method call (8-bit name constant, 8-bit argc)
	OpClosure      Opcode = 0x53 // wrap function constant; variable-length capture list
	OpCloseUpvalue Opcode = 0x54 // close upvalue at stack top, then pop
	OpReturn       Opcode = 0x55 // return top of stack from current frame
)

// Classes
const (
	OpClass   Opcode = 0x60 // create class (8-bit name constant)
	OpInherit Opcode = 0x61 // wire subclass to superclass
	OpMethod  Opcode = 0x62 // attach method closure to class (8-bit name constant)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of fixed operand bytes (-1 = variable)
	StackEffect  int    // net effect on stack height (variableEffect = depends on operands)
}

// variableEffect marks opcodes whose stack effect depends on their operands.
const variableEffect = -128

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpConstant: {"OP_CONSTANT", 1, 1},
	OpNil:      {"OP_NIL", 0, 1},
	OpTrue:     {"OP_TRUE", 0, 1},
	OpFalse:    {"OP_FALSE", 0, 1},

	OpPop:          {"OP_POP", 0, -1},
	OpGetLocal:     {"OP_GET_LOCAL", 1, 1},
	OpSetLocal:     {"OP_SET_LOCAL", 1, 0},
	OpGetGlobal:    {"OP_GET_GLOBAL", 1, 1},
	OpDefineGlobal: {"OP_DEFINE_GLOBAL", 1, -1},
	OpSetGlobal:    {"OP_SET_GLOBAL", 1, 0},
	OpGetUpvalue:   {"OP_GET_UPVALUE", 1, 1},
	OpSetUpvalue:   {"OP_SET_UPVALUE", 1, 0},

	OpGetProperty: {"OP_GET_PROPERTY", 1, 0},
	OpSetProperty: {"OP_SET_PROPERTY", 1, -1},
	OpGetSuper:    {"OP_GET_SUPER", 1, -1},

	OpEqual:    {"OP_EQUAL", 0, -1},
	OpGreater:  {"OP_GREATER", 0, -1},
	OpLess:     {"OP_LESS", 0, -1},
	OpAdd:      {"OP_ADD", 0, -1},
	OpSubtract: {"OP_SUBTRACT", 0, -1},
	OpMultiply: {"OP_MULTIPLY", 0, -1},
	OpDivide:   {"OP_DIVIDE", 0, -1},
	OpNot:      {"OP_NOT", 0, 0},
	OpNegate:   {"OP_NEGATE", 0, 0},

	OpPrint:       {"OP_PRINT", 0, -1},
	OpJump:        {"OP_JUMP", 2, 0},
	OpJumpIfFalse: {"OP_JUMP_IF_FALSE", 2, 0},
	OpLoop:        {"OP_LOOP", 2, 0},

	OpCall:         {"OP_CALL", 1, variableEffect},
	OpInvoke:       {"OP_INVOKE", 2, variableEffect},
	OpSuperInvoke:  {"OP_SUPER_INVOKE", 2, variableEffect},
	OpClosure:      {"OP_CLOSURE", -1, 1},
	OpCloseUpvalue: {"OP_CLOSE_UPVALUE", 0, -1},
	OpReturn:       {"OP_RETURN", 0, -1},

	OpClass:   {"OP_CLASS", 1, 1},
	OpInherit: {"OP_INHERIT", 0, -1},
	OpMethod:  {"OP_METHOD", 1, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}
