package ncs

import "fmt"

// Opcode represents an NCS instruction opcode.
// Every instruction is encoded as [opcode:1] [type:1] [operands...].
type Opcode byte

const (
	// ========================================================================
	// Stack copies and reservation (0x01-0x04)
	// ========================================================================

	OpCopyDownSP Opcode = 0x01 // Copy top cells down to SP+offset: CPDOWNSP <offset:i32> <size:u16>
	OpRSAdd      Opcode = 0x02 // Reserve one default-valued cell of the type byte
	OpCopyTopSP  Opcode = 0x03 // Push copy of cells at SP+offset: CPTOPSP <offset:i32> <size:u16>
	OpConst      Opcode = 0x04 // Push a constant of the type byte

	// ========================================================================
	// Actions (0x05)
	// ========================================================================

	OpAction Opcode = 0x05 // Call host action: ACTION <id:u16> <argc:u8>

	// ========================================================================
	// Logical and bitwise (0x06-0x0A)
	// ========================================================================

	OpLogAnd  Opcode = 0x06 // a && b
	OpLogOr   Opcode = 0x07 // a || b
	OpIncOr   Opcode = 0x08 // a | b
	OpExcOr   Opcode = 0x09 // a ^ b
	OpBoolAnd Opcode = 0x0A // a & b

	// ========================================================================
	// Comparison (0x0B-0x10)
	// ========================================================================

	OpEqual    Opcode = 0x0B // a == b; structure compare carries <size:u16>
	OpNotEqual Opcode = 0x0C // a != b; structure compare carries <size:u16>
	OpGEQ      Opcode = 0x0D // a >= b
	OpGT       Opcode = 0x0E // a > b
	OpLT       Opcode = 0x0F // a < b
	OpLEQ      Opcode = 0x10 // a <= b

	// ========================================================================
	// Shifts (0x11-0x13)
	// ========================================================================

	OpShiftLeft          Opcode = 0x11 // a << b
	OpShiftRight         Opcode = 0x12 // a >> b (arithmetic)
	OpUnsignedShiftRight Opcode = 0x13 // a >>> b (logical)

	// ========================================================================
	// Arithmetic (0x14-0x1A)
	// ========================================================================

	OpAdd  Opcode = 0x14 // a + b
	OpSub  Opcode = 0x15 // a - b
	OpMul  Opcode = 0x16 // a * b
	OpDiv  Opcode = 0x17 // a / b
	OpMod  Opcode = 0x18 // a % b
	OpNeg  Opcode = 0x19 // -a
	OpComp Opcode = 0x1A // ^a (ones complement)

	// ========================================================================
	// Stack pointer, control flow and frames (0x1B-0x2D)
	// ========================================================================

	OpMoveSP        Opcode = 0x1B // Drop cells: MOVSP <offset:i32>
	OpStoreStateAll Opcode = 0x1C // Save the whole stack; type byte is the resume offset
	OpJmp           Opcode = 0x1D // Jump: JMP <offset:i32>
	OpJsr           Opcode = 0x1E // Call subroutine: JSR <offset:i32>
	OpJz            Opcode = 0x1F // Pop int, jump if zero: JZ <offset:i32>
	OpRetn          Opcode = 0x20 // Return from subroutine
	OpDestruct      Opcode = 0x21 // Drop cells keeping a window: DESTRUCT <size:i16> <keepOffset:i16> <keepSize:i16>
	OpNot           Opcode = 0x22 // !a
	OpDecISP        Opcode = 0x23 // Decrement int at SP+offset: DECISP <offset:i32>
	OpIncISP        Opcode = 0x24 // Increment int at SP+offset: INCISP <offset:i32>
	OpJnz           Opcode = 0x25 // Pop int, jump if non-zero: JNZ <offset:i32>
	OpCopyDownBP    Opcode = 0x26 // Copy top cells down to BP+offset: CPDOWNBP <offset:i32> <size:u16>
	OpCopyTopBP     Opcode = 0x27 // Push copy of cells at BP+offset: CPTOPBP <offset:i32> <size:u16>
	OpDecIBP        Opcode = 0x28 // Decrement int at BP+offset: DECIBP <offset:i32>
	OpIncIBP        Opcode = 0x29 // Increment int at BP+offset: INCIBP <offset:i32>
	OpSaveBP        Opcode = 0x2A // Push BP, then BP = SP
	OpRestoreBP     Opcode = 0x2B // Pop BP
	OpStoreState    Opcode = 0x2C // Save a situation: STORE_STATE <bpBytes:i32> <spBytes:i32>; type byte is the resume offset
	OpNop           Opcode = 0x2D // No operation
)

// OperandForm describes how the bytes following [opcode] [type] are laid out.
type OperandForm uint8

const (
	FormNone       OperandForm = iota // no operands
	FormStackCopy                     // <offset:i32> <size:u16>
	FormConst                         // depends on the type byte
	FormAction                        // <id:u16> <argc:u8>
	FormBinary                        // none, or <size:u16> for structure compares
	FormInt32                         // <offset:i32>
	FormDestruct                      // <size:i16> <keepOffset:i16> <keepSize:i16>
	FormStoreState                    // <bpBytes:i32> <spBytes:i32>
)

// OpcodeInfo contains metadata about an opcode.
type OpcodeInfo struct {
	Name  string
	Form  OperandForm
	Types []TypeCode // accepted type bytes; nil accepts any
}

var (
	intOnly      = []TypeCode{TypeInt}
	intOrFloat   = []TypeCode{TypeInt, TypeFloat}
	intPair      = []TypeCode{TypeIntInt}
	numericPairs = []TypeCode{TypeIntInt, TypeIntFloat, TypeFloatInt, TypeFloatFloat}
	scalarTypes  = []TypeCode{TypeInt, TypeFloat, TypeString, TypeObject,
		TypeEngine0, TypeEngine1, TypeEngine2, TypeEngine3, TypeEngine4,
		TypeEngine5, TypeEngine6, TypeEngine7, TypeEngine8, TypeEngine9}
	constTypes    = []TypeCode{TypeInt, TypeFloat, TypeString, TypeObject}
	equalityPairs = []TypeCode{TypeIntInt, TypeFloatFloat, TypeObjectObject, TypeStringString, TypeStructStruct,
		TypeEngine0Pair, TypeEngine0Pair + 1, TypeEngine0Pair + 2, TypeEngine0Pair + 3, TypeEngine0Pair + 4,
		TypeEngine0Pair + 5, TypeEngine0Pair + 6, TypeEngine0Pair + 7, TypeEngine0Pair + 8, TypeEngine9Pair}
)

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpCopyDownSP: {"CPDOWNSP", FormStackCopy, nil},
	OpRSAdd:      {"RSADD", FormNone, scalarTypes},
	OpCopyTopSP:  {"CPTOPSP", FormStackCopy, nil},
	OpConst:      {"CONST", FormConst, constTypes},
	OpAction:     {"ACTION", FormAction, nil},

	OpLogAnd:  {"LOGAND", FormBinary, intPair},
	OpLogOr:   {"LOGOR", FormBinary, intPair},
	OpIncOr:   {"INCOR", FormBinary, intPair},
	OpExcOr:   {"EXCOR", FormBinary, intPair},
	OpBoolAnd: {"BOOLAND", FormBinary, intPair},

	OpEqual:    {"EQUAL", FormBinary, equalityPairs},
	OpNotEqual: {"NEQUAL", FormBinary, equalityPairs},
	OpGEQ:      {"GEQ", FormBinary, numericPairs},
	OpGT:       {"GT", FormBinary, numericPairs},
	OpLT:       {"LT", FormBinary, numericPairs},
	OpLEQ:      {"LEQ", FormBinary, numericPairs},

	OpShiftLeft:          {"SHLEFT", FormBinary, intPair},
	OpShiftRight:         {"SHRIGHT", FormBinary, intPair},
	OpUnsignedShiftRight: {"USHRIGHT", FormBinary, intPair},

	OpAdd:  {"ADD", FormBinary, []TypeCode{TypeIntInt, TypeIntFloat, TypeFloatInt, TypeFloatFloat, TypeStringString, TypeVectorVector}},
	OpSub:  {"SUB", FormBinary, []TypeCode{TypeIntInt, TypeIntFloat, TypeFloatInt, TypeFloatFloat, TypeVectorVector}},
	OpMul:  {"MUL", FormBinary, []TypeCode{TypeIntInt, TypeIntFloat, TypeFloatInt, TypeFloatFloat, TypeVectorFloat, TypeFloatVector}},
	OpDiv:  {"DIV", FormBinary, []TypeCode{TypeIntInt, TypeIntFloat, TypeFloatInt, TypeFloatFloat, TypeVectorFloat}},
	OpMod:  {"MOD", FormBinary, intPair},
	OpNeg:  {"NEG", FormNone, intOrFloat},
	OpComp: {"COMP", FormNone, intOnly},

	OpMoveSP:        {"MOVSP", FormInt32, nil},
	OpStoreStateAll: {"STORE_STATEALL", FormNone, nil},
	OpJmp:           {"JMP", FormInt32, nil},
	OpJsr:           {"JSR", FormInt32, nil},
	OpJz:            {"JZ", FormInt32, nil},
	OpRetn:          {"RETN", FormNone, nil},
	OpDestruct:      {"DESTRUCT", FormDestruct, nil},
	OpNot:           {"NOT", FormNone, intOnly},
	OpDecISP:        {"DECISP", FormInt32, nil},
	OpIncISP:        {"INCISP", FormInt32, nil},
	OpJnz:           {"JNZ", FormInt32, nil},
	OpCopyDownBP:    {"CPDOWNBP", FormStackCopy, nil},
	OpCopyTopBP:     {"CPTOPBP", FormStackCopy, nil},
	OpDecIBP:        {"DECIBP", FormInt32, nil},
	OpIncIBP:        {"INCIBP", FormInt32, nil},
	OpSaveBP:        {"SAVEBP", FormNone, nil},
	OpRestoreBP:     {"RESTOREBP", FormNone, nil},
	OpStoreState:    {"STORE_STATE", FormStoreState, nil},
	OpNop:           {"NOP", FormNone, nil},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(0xNN)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the assembler mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsJump returns true for instructions carrying a relative branch target.
func (op Opcode) IsJump() bool {
	return op == OpJmp || op == OpJsr || op == OpJz || op == OpJnz
}

// IsConditional returns true for branches that pop an int condition.
func (op Opcode) IsConditional() bool {
	return op == OpJz || op == OpJnz
}

// AcceptsType reports whether t is a valid type byte for op.
func (op Opcode) AcceptsType(t TypeCode) bool {
	info, ok := opcodeInfoTable[op]
	if !ok {
		return false
	}
	if info.Types == nil {
		return true
	}
	for _, accepted := range info.Types {
		if accepted == t {
			return true
		}
	}
	return false
}

// AllOpcodes returns every defined opcode in ascending order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := OpCopyDownSP; op <= OpNop; op++ {
		if op.Known() {
			opcodes = append(opcodes, op)
		}
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
