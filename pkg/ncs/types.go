package ncs

import "fmt"

// TypeCode is the auxiliary type byte that follows every opcode.
// Scalar codes select the cell type of unary instructions; pair codes
// select the operand types of binary instructions.
type TypeCode byte

const (
	TypeNone TypeCode = 0x00

	// Scalars
	TypeInt     TypeCode = 0x03
	TypeFloat   TypeCode = 0x04
	TypeString  TypeCode = 0x05
	TypeObject  TypeCode = 0x06
	TypeEngine0 TypeCode = 0x10
	TypeEngine1 TypeCode = 0x11
	TypeEngine2 TypeCode = 0x12
	TypeEngine3 TypeCode = 0x13
	TypeEngine4 TypeCode = 0x14
	TypeEngine5 TypeCode = 0x15
	TypeEngine6 TypeCode = 0x16
	TypeEngine7 TypeCode = 0x17
	TypeEngine8 TypeCode = 0x18
	TypeEngine9 TypeCode = 0x19

	// Operand pairs
	TypeIntInt       TypeCode = 0x20
	TypeFloatFloat   TypeCode = 0x21
	TypeObjectObject TypeCode = 0x22
	TypeStringString TypeCode = 0x23
	TypeStructStruct TypeCode = 0x24
	TypeIntFloat     TypeCode = 0x25
	TypeFloatInt     TypeCode = 0x26
	TypeEngine0Pair  TypeCode = 0x30
	TypeEngine9Pair  TypeCode = 0x39
	TypeVectorVector TypeCode = 0x3A
	TypeVectorFloat  TypeCode = 0x3B
	TypeFloatVector  TypeCode = 0x3C
)

// MaxEngineStructures is the number of distinct engine structure types.
const MaxEngineStructures = 10

// IsEngine reports whether t is a scalar engine structure code.
func (t TypeCode) IsEngine() bool {
	return t >= TypeEngine0 && t <= TypeEngine9
}

// IsEnginePair reports whether t compares two engine structures.
func (t TypeCode) IsEnginePair() bool {
	return t >= TypeEngine0Pair && t <= TypeEngine9Pair
}

// EngineIndex returns the engine structure number (0..9) for scalar or pair codes.
func (t TypeCode) EngineIndex() int {
	switch {
	case t.IsEngine():
		return int(t - TypeEngine0)
	case t.IsEnginePair():
		return int(t - TypeEngine0Pair)
	}
	return -1
}

// EngineType returns the scalar type code of engine structure n.
func EngineType(n int) TypeCode {
	return TypeEngine0 + TypeCode(n)
}

var typeNames = map[TypeCode]string{
	TypeNone:         "",
	TypeInt:          "I",
	TypeFloat:        "F",
	TypeString:       "S",
	TypeObject:       "O",
	TypeIntInt:       "II",
	TypeFloatFloat:   "FF",
	TypeObjectObject: "OO",
	TypeStringString: "SS",
	TypeStructStruct: "TT",
	TypeIntFloat:     "IF",
	TypeFloatInt:     "FI",
	TypeVectorVector: "VV",
	TypeVectorFloat:  "VF",
	TypeFloatVector:  "FV",
}

// String returns the assembler suffix of a type code, e.g. "II" or "E3".
func (t TypeCode) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	switch {
	case t.IsEngine():
		return fmt.Sprintf("E%d", t.EngineIndex())
	case t.IsEnginePair():
		return fmt.Sprintf("E%dE%d", t.EngineIndex(), t.EngineIndex())
	}
	return fmt.Sprintf("0x%02X", byte(t))
}
