package vm

import (
	"fmt"
	"math"

	"github.com/chazu/nwvm/pkg/ncs"
)

// ---------------------------------------------------------------------------
// Base types
// ---------------------------------------------------------------------------

// BaseType tags a single stack cell.
type BaseType uint8

const (
	TypeInvalid BaseType = iota // empty stack sentinel
	TypeInt
	TypeFloat
	TypeString
	TypeObject
	TypeEngine0 // engine structure 0; structures 1..9 follow
)

// EngineType returns the tag of engine structure n (0..9).
func EngineType(n int) BaseType {
	return TypeEngine0 + BaseType(n)
}

// IsEngine reports whether t tags an engine structure.
func (t BaseType) IsEngine() bool {
	return t >= TypeEngine0 && t < TypeEngine0+ncs.MaxEngineStructures
}

// EngineIndex returns the engine structure number, or -1.
func (t BaseType) EngineIndex() int {
	if !t.IsEngine() {
		return -1
	}
	return int(t - TypeEngine0)
}

func (t BaseType) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	}
	if t.IsEngine() {
		return fmt.Sprintf("engine%d", t.EngineIndex())
	}
	return fmt.Sprintf("BaseType(%d)", uint8(t))
}

// baseTypeOf maps a scalar instruction type byte to a cell tag.
func baseTypeOf(tc ncs.TypeCode) BaseType {
	switch tc {
	case ncs.TypeInt:
		return TypeInt
	case ncs.TypeFloat:
		return TypeFloat
	case ncs.TypeString:
		return TypeString
	case ncs.TypeObject:
		return TypeObject
	}
	if tc.IsEngine() {
		return EngineType(tc.EngineIndex())
	}
	return TypeInvalid
}

// ---------------------------------------------------------------------------
// Objects and vectors
// ---------------------------------------------------------------------------

// ObjectID identifies a game object.
type ObjectID uint32

const (
	// ObjectInvalid is the id of no object.
	ObjectInvalid ObjectID = 0x7F000000

	// Compiled scripts encode OBJECT_SELF and OBJECT_INVALID as these
	// CONST O operands.
	constObjectSelf    = 0
	constObjectInvalid = 1
)

func (o ObjectID) String() string {
	if o == ObjectInvalid {
		return "OBJECT_INVALID"
	}
	return fmt.Sprintf("0x%08X", uint32(o))
}

// Vector is three consecutive float cells. X is pushed first, so Z ends up
// on top of the stack.
type Vector struct {
	X, Y, Z float32
}

func (v Vector) Add(o Vector) Vector     { return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector) Sub(o Vector) Vector     { return Vector{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector) Scale(f float32) Vector  { return Vector{v.X * f, v.Y * f, v.Z * f} }
func (v Vector) Divide(f float32) Vector { return Vector{v.X / f, v.Y / f, v.Z / f} }
func (v Vector) Magnitude() float32      { return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z))) }
func (v Vector) String() string          { return fmt.Sprintf("[%g, %g, %g]", v.X, v.Y, v.Z) }

// ---------------------------------------------------------------------------
// Value: a single typed cell, detached from any stack
// ---------------------------------------------------------------------------

// Value holds one typed cell. Engine values carry a reference the holder
// owns.
type Value struct {
	Type   BaseType
	Int    int32
	Float  float32
	Str    string
	Object ObjectID
	Engine *EngineRef
}

func IntValue(i int32) Value         { return Value{Type: TypeInt, Int: i} }
func FloatValue(f float32) Value     { return Value{Type: TypeFloat, Float: f} }
func StringValue(s string) Value     { return Value{Type: TypeString, Str: s} }
func ObjectValue(o ObjectID) Value   { return Value{Type: TypeObject, Object: o} }
func EngineValue(r *EngineRef) Value { return Value{Type: EngineType(r.Structure().EngineType()), Engine: r} }

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case TypeString:
		return fmt.Sprintf("%q", v.Str)
	case TypeObject:
		return v.Object.String()
	}
	if v.Type.IsEngine() {
		return fmt.Sprintf("<%s>", v.Type)
	}
	return "<invalid>"
}
