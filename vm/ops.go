package vm

import (
	"fmt"

	"github.com/chazu/nwvm/pkg/ncs"
)

// Leaf operations shared by the interpreter and the compiled path. Each
// checks its operand types before popping anything, so a type mismatch
// leaves the stack as it was.

// ---------------------------------------------------------------------------
// Pure operators
// ---------------------------------------------------------------------------

type intOp func(a, b int32) (int32, error)
type floatOp func(a, b float32) (float32, error)
type floatCmp func(a, b float32) bool

func truth(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

var intOps = map[ncs.Opcode]intOp{
	ncs.OpLogAnd:  func(a, b int32) (int32, error) { return truth(a != 0 && b != 0), nil },
	ncs.OpLogOr:   func(a, b int32) (int32, error) { return truth(a != 0 || b != 0), nil },
	ncs.OpIncOr:   func(a, b int32) (int32, error) { return a | b, nil },
	ncs.OpExcOr:   func(a, b int32) (int32, error) { return a ^ b, nil },
	ncs.OpBoolAnd: func(a, b int32) (int32, error) { return a & b, nil },
	ncs.OpGEQ:     func(a, b int32) (int32, error) { return truth(a >= b), nil },
	ncs.OpGT:      func(a, b int32) (int32, error) { return truth(a > b), nil },
	ncs.OpLT:      func(a, b int32) (int32, error) { return truth(a < b), nil },
	ncs.OpLEQ:     func(a, b int32) (int32, error) { return truth(a <= b), nil },

	ncs.OpShiftLeft:          func(a, b int32) (int32, error) { return a << (uint32(b) & 31), nil },
	ncs.OpShiftRight:         func(a, b int32) (int32, error) { return a >> (uint32(b) & 31), nil },
	ncs.OpUnsignedShiftRight: func(a, b int32) (int32, error) { return int32(uint32(a) >> (uint32(b) & 31)), nil },

	ncs.OpAdd: func(a, b int32) (int32, error) { return a + b, nil },
	ncs.OpSub: func(a, b int32) (int32, error) { return a - b, nil },
	ncs.OpMul: func(a, b int32) (int32, error) { return a * b, nil },
	ncs.OpDiv: func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a / b, nil
	},
	ncs.OpMod: func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a % b, nil
	},
}

var floatOps = map[ncs.Opcode]floatOp{
	ncs.OpAdd: func(a, b float32) (float32, error) { return a + b, nil },
	ncs.OpSub: func(a, b float32) (float32, error) { return a - b, nil },
	ncs.OpMul: func(a, b float32) (float32, error) { return a * b, nil },
	ncs.OpDiv: func(a, b float32) (float32, error) {
		if b == 0 {
			return 0, ErrDivideByZero
		}
		return a / b, nil
	},
}

var floatCmps = map[ncs.Opcode]floatCmp{
	ncs.OpGEQ: func(a, b float32) bool { return a >= b },
	ncs.OpGT:  func(a, b float32) bool { return a > b },
	ncs.OpLT:  func(a, b float32) bool { return a < b },
	ncs.OpLEQ: func(a, b float32) bool { return a <= b },
}

// ---------------------------------------------------------------------------
// Operand checks
// ---------------------------------------------------------------------------

// operands checks the types of the top len(want) cells, deepest first.
func operands(s *Stack, want ...BaseType) error {
	n := len(s.types)
	if n < len(want) {
		return ErrStackUnderflow
	}
	base := n - len(want)
	for i, t := range want {
		if s.types[base+i] != t {
			return fmt.Errorf("%w: operand %d is %s, want %s", ErrStackTypeMismatch, i+1, s.types[base+i], t)
		}
	}
	return nil
}

// numericOperands returns the cell types a numeric pair code expects.
func numericOperands(t ncs.TypeCode) (lhs, rhs BaseType, ok bool) {
	switch t {
	case ncs.TypeIntInt:
		return TypeInt, TypeInt, true
	case ncs.TypeFloatFloat:
		return TypeFloat, TypeFloat, true
	case ncs.TypeIntFloat:
		return TypeInt, TypeFloat, true
	case ncs.TypeFloatInt:
		return TypeFloat, TypeInt, true
	}
	return TypeInvalid, TypeInvalid, false
}

// popNumber pops an int or float cell as a float.
func popNumber(s *Stack) float32 {
	if s.TopType() == TypeInt {
		v, _ := s.PopInt()
		return float32(v)
	}
	v, _ := s.PopFloat()
	return v
}

// ---------------------------------------------------------------------------
// Binary instructions
// ---------------------------------------------------------------------------

func intBinary(s *Stack, op intOp) error {
	if err := operands(s, TypeInt, TypeInt); err != nil {
		return err
	}
	b, _ := s.PopInt()
	a, _ := s.PopInt()
	r, err := op(a, b)
	if err != nil {
		return err
	}
	s.PushInt(r)
	return nil
}

// floatBinary applies op to a numeric pair, promoting int operands.
func floatBinary(s *Stack, t ncs.TypeCode, op floatOp) error {
	lhs, rhs, _ := numericOperands(t)
	if err := operands(s, lhs, rhs); err != nil {
		return err
	}
	b := popNumber(s)
	a := popNumber(s)
	r, err := op(a, b)
	if err != nil {
		return err
	}
	s.PushFloat(r)
	return nil
}

func floatCompare(s *Stack, t ncs.TypeCode, cmp floatCmp) error {
	lhs, rhs, _ := numericOperands(t)
	if err := operands(s, lhs, rhs); err != nil {
		return err
	}
	b := popNumber(s)
	a := popNumber(s)
	s.PushInt(truth(cmp(a, b)))
	return nil
}

func concat(s *Stack) error {
	if err := operands(s, TypeString, TypeString); err != nil {
		return err
	}
	b, _ := s.PopString()
	a, _ := s.PopString()
	s.PushString(a + b)
	return nil
}

// vectorBinary handles VV add and subtract, VF multiply and divide and FV
// multiply.
func vectorBinary(s *Stack, op ncs.Opcode, t ncs.TypeCode) error {
	switch t {
	case ncs.TypeVectorVector:
		if err := operands(s, TypeFloat, TypeFloat, TypeFloat, TypeFloat, TypeFloat, TypeFloat); err != nil {
			return err
		}
		b, _ := s.PopVector()
		a, _ := s.PopVector()
		if op == ncs.OpSub {
			s.PushVector(a.Sub(b))
		} else {
			s.PushVector(a.Add(b))
		}

	case ncs.TypeVectorFloat:
		if err := operands(s, TypeFloat, TypeFloat, TypeFloat, TypeFloat); err != nil {
			return err
		}
		f, _ := s.PopFloat()
		v, _ := s.PopVector()
		if op == ncs.OpDiv {
			if f == 0 {
				return ErrDivideByZero
			}
			s.PushVector(v.Divide(f))
		} else {
			s.PushVector(v.Scale(f))
		}

	case ncs.TypeFloatVector:
		if err := operands(s, TypeFloat, TypeFloat, TypeFloat, TypeFloat); err != nil {
			return err
		}
		v, _ := s.PopVector()
		f, _ := s.PopFloat()
		s.PushVector(v.Scale(f))

	default:
		return fmt.Errorf("%w: %s%s", ErrStackTypeMismatch, op, t)
	}
	return nil
}

// equalityWidth returns how many cells each side of an EQUAL or NEQUAL
// occupies and the cell type they must have (TypeInvalid for structures,
// whose cells only have to match pairwise).
func equalityWidth(t ncs.TypeCode, size uint16) (int, BaseType) {
	switch t {
	case ncs.TypeIntInt:
		return 1, TypeInt
	case ncs.TypeFloatFloat:
		return 1, TypeFloat
	case ncs.TypeStringString:
		return 1, TypeString
	case ncs.TypeObjectObject:
		return 1, TypeObject
	case ncs.TypeStructStruct:
		return int(size) / ncs.CellSize, TypeInvalid
	}
	if t.IsEnginePair() {
		return 1, EngineType(t.EngineIndex())
	}
	return 0, TypeInvalid
}

// equality compares the top n cells with the n cells below them and
// replaces all of them with the int result.
func equality(s *Stack, n int, want BaseType, negate bool) error {
	depth := len(s.cells)
	if depth < 2*n {
		return ErrStackUnderflow
	}
	a, b := depth-2*n, depth-n
	for i := 0; i < n; i++ {
		ta, tb := s.types[a+i], s.types[b+i]
		if ta != tb || (want != TypeInvalid && ta != want) {
			return fmt.Errorf("%w: comparing %s with %s", ErrStackTypeMismatch, ta, tb)
		}
	}

	eq := true
	for i := 0; i < n && eq; i++ {
		eq = cellsEqual(s.types[a+i], s.cells[a+i], s.cells[b+i])
	}
	s.drop(2 * n)
	s.PushInt(truth(eq != negate))
	return nil
}

func cellsEqual(t BaseType, a, b cell) bool {
	switch t {
	case TypeFloat:
		return cellValue(t, a).Float == cellValue(t, b).Float
	case TypeString:
		return a.str == b.str
	case TypeInt, TypeObject:
		return a.num == b.num
	}
	if a.eng == nil || b.eng == nil {
		return a.eng == b.eng
	}
	return a.eng.Equal(b.eng)
}

// ---------------------------------------------------------------------------
// Unary instructions
// ---------------------------------------------------------------------------

func negate(s *Stack, t ncs.TypeCode) error {
	if t == ncs.TypeFloat {
		v, err := s.PopFloat()
		if err != nil {
			return err
		}
		s.PushFloat(-v)
		return nil
	}
	v, err := s.PopInt()
	if err != nil {
		return err
	}
	s.PushInt(-v)
	return nil
}

func complement(s *Stack) error {
	v, err := s.PopInt()
	if err != nil {
		return err
	}
	s.PushInt(^v)
	return nil
}

func logicalNot(s *Stack) error {
	v, err := s.PopInt()
	if err != nil {
		return err
	}
	s.PushInt(truth(v == 0))
	return nil
}

// ---------------------------------------------------------------------------
// Binary dispatch
// ---------------------------------------------------------------------------

// binaryFunc executes one resolved binary instruction.
type binaryFunc func(s *Stack) error

// resolveBinary picks the leaf operation for a binary instruction.
func resolveBinary(in *ncs.Instruction) (binaryFunc, error) {
	op, t := in.Op, in.Type

	if op == ncs.OpEqual || op == ncs.OpNotEqual {
		n, want := equalityWidth(t, in.Size)
		if n == 0 {
			return nil, fmt.Errorf("%w: %s%s", ErrStackTypeMismatch, op, t)
		}
		neg := op == ncs.OpNotEqual
		return func(s *Stack) error { return equality(s, n, want, neg) }, nil
	}

	switch t {
	case ncs.TypeIntInt:
		if fn, ok := intOps[op]; ok {
			return func(s *Stack) error { return intBinary(s, fn) }, nil
		}
	case ncs.TypeFloatFloat, ncs.TypeIntFloat, ncs.TypeFloatInt:
		if fn, ok := floatOps[op]; ok {
			return func(s *Stack) error { return floatBinary(s, t, fn) }, nil
		}
		if fn, ok := floatCmps[op]; ok {
			return func(s *Stack) error { return floatCompare(s, t, fn) }, nil
		}
	case ncs.TypeStringString:
		if op == ncs.OpAdd {
			return concat, nil
		}
	case ncs.TypeVectorVector, ncs.TypeVectorFloat, ncs.TypeFloatVector:
		return func(s *Stack) error { return vectorBinary(s, op, t) }, nil
	}
	return nil, fmt.Errorf("%w: no operation %s%s", ErrStackTypeMismatch, op, t)
}

// binary executes a binary instruction without resolving it ahead of time.
func binary(s *Stack, in *ncs.Instruction) error {
	switch in.Op {
	case ncs.OpEqual, ncs.OpNotEqual:
		n, want := equalityWidth(in.Type, in.Size)
		if n == 0 {
			return fmt.Errorf("%w: %s%s", ErrStackTypeMismatch, in.Op, in.Type)
		}
		return equality(s, n, want, in.Op == ncs.OpNotEqual)
	}

	switch in.Type {
	case ncs.TypeIntInt:
		if fn := intOps[in.Op]; fn != nil {
			return intBinary(s, fn)
		}
	case ncs.TypeFloatFloat, ncs.TypeIntFloat, ncs.TypeFloatInt:
		if fn := floatOps[in.Op]; fn != nil {
			return floatBinary(s, in.Type, fn)
		}
		if fn := floatCmps[in.Op]; fn != nil {
			return floatCompare(s, in.Type, fn)
		}
	case ncs.TypeStringString:
		if in.Op == ncs.OpAdd {
			return concat(s)
		}
	case ncs.TypeVectorVector, ncs.TypeVectorFloat, ncs.TypeFloatVector:
		return vectorBinary(s, in.Op, in.Type)
	}
	return fmt.Errorf("%w: no operation %s%s", ErrStackTypeMismatch, in.Op, in.Type)
}
