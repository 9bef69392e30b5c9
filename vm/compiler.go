package vm

import (
	"fmt"

	"github.com/chazu/nwvm/pkg/ncs"
)

// compiledOp executes one instruction and returns the index of the next
// one, or opDone when the script has returned.
type compiledOp func(f *frame) (int, error)

const opDone = -1

// CompiledProgram is a program translated ahead of execution into one
// specialized closure per instruction. Operand decoding, type dispatch,
// branch targets and action table lookups are resolved at compile time.
// Actions that qualify use the fast calling convention.
type CompiledProgram struct {
	prog      *ncs.Program
	ops       []compiledOp
	fastCalls int
}

// Compile translates p against the given action table. Unknown actions
// and bad argument counts compile to instructions that fail when reached,
// as they would when interpreted.
func Compile(p *ncs.Program, actions *ActionTable) (*CompiledProgram, error) {
	if p == nil || len(p.Instructions) == 0 {
		return nil, fmt.Errorf("compile: empty program")
	}
	cp := &CompiledProgram{prog: p, ops: make([]compiledOp, len(p.Instructions))}
	for i := range p.Instructions {
		op, err := cp.compile(i, &p.Instructions[i], actions)
		if err != nil {
			return nil, fmt.Errorf("compile %s at pc 0x%08X: %w", p.Name, p.Instructions[i].PC, err)
		}
		cp.ops[i] = op
	}
	return cp, nil
}

func (cp *CompiledProgram) Program() *ncs.Program { return cp.prog }
func (cp *CompiledProgram) Compiled() bool        { return true }

// FastCalls returns the number of action call sites using fast calls.
func (cp *CompiledProgram) FastCalls() int { return cp.fastCalls }

func (cp *CompiledProgram) execute(f *frame, start int) error {
	ops := cp.ops
	code := cp.prog.Instructions
	tracing := f.vm.config.DebugLevel >= DebugAll
	var executed uint64
	defer func() { f.vm.instructions.Add(executed) }()

	for i := start; i != opDone; {
		if i < 0 || i >= len(ops) {
			return fmt.Errorf("%w: ran off the end of %s", ErrInvalidPC, cp.prog.Name)
		}
		f.pc = code[i].PC
		executed++
		if tracing {
			f.trace(&code[i])
		}
		next, err := ops[i](f)
		if err != nil {
			return err
		}
		i = next
	}
	return nil
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

// simple wraps a stack operation that always falls through.
func simple(next int, fn func(s *Stack) error) compiledOp {
	return func(f *frame) (int, error) { return next, fn(f.stack) }
}

func (cp *CompiledProgram) compile(i int, in *ncs.Instruction, actions *ActionTable) (compiledOp, error) {
	next := i + 1
	target := in.TargetIndex
	offset, size := in.Offset, in.Size

	switch in.Op {
	case ncs.OpCopyDownSP:
		return simple(next, func(s *Stack) error { return s.CopyDownSP(offset, size) }), nil
	case ncs.OpCopyTopSP:
		return simple(next, func(s *Stack) error { return s.CopyTopSP(offset, size) }), nil
	case ncs.OpCopyDownBP:
		return simple(next, func(s *Stack) error { return s.CopyDownBP(offset, size) }), nil
	case ncs.OpCopyTopBP:
		return simple(next, func(s *Stack) error { return s.CopyTopBP(offset, size) }), nil
	case ncs.OpMoveSP:
		return simple(next, func(s *Stack) error { return s.MoveSP(offset) }), nil
	case ncs.OpDestruct:
		n, ko, ks := in.DestructSize, in.KeepOffset, in.KeepSize
		return simple(next, func(s *Stack) error { return s.Destruct(n, ko, ks) }), nil

	case ncs.OpRSAdd:
		t := baseTypeOf(in.Type)
		return func(f *frame) (int, error) { return next, f.reserve(t) }, nil

	case ncs.OpConst:
		return cp.compileConst(next, in), nil

	case ncs.OpIncISP:
		return simple(next, func(s *Stack) error { return s.AdjustIntSP(offset, 1) }), nil
	case ncs.OpDecISP:
		return simple(next, func(s *Stack) error { return s.AdjustIntSP(offset, -1) }), nil
	case ncs.OpIncIBP:
		return simple(next, func(s *Stack) error { return s.AdjustIntBP(offset, 1) }), nil
	case ncs.OpDecIBP:
		return simple(next, func(s *Stack) error { return s.AdjustIntBP(offset, -1) }), nil
	case ncs.OpSaveBP:
		return func(f *frame) (int, error) { f.stack.SaveBP(); return next, nil }, nil
	case ncs.OpRestoreBP:
		return simple(next, (*Stack).RestoreBP), nil

	case ncs.OpLogAnd, ncs.OpLogOr, ncs.OpIncOr, ncs.OpExcOr, ncs.OpBoolAnd,
		ncs.OpEqual, ncs.OpNotEqual, ncs.OpGEQ, ncs.OpGT, ncs.OpLT, ncs.OpLEQ,
		ncs.OpShiftLeft, ncs.OpShiftRight, ncs.OpUnsignedShiftRight,
		ncs.OpAdd, ncs.OpSub, ncs.OpMul, ncs.OpDiv, ncs.OpMod:
		fn, err := resolveBinary(in)
		if err != nil {
			return nil, err
		}
		return simple(next, fn), nil
	case ncs.OpNeg:
		t := in.Type
		return simple(next, func(s *Stack) error { return negate(s, t) }), nil
	case ncs.OpComp:
		return simple(next, complement), nil
	case ncs.OpNot:
		return simple(next, logicalNot), nil

	case ncs.OpJmp:
		if target > i {
			return func(*frame) (int, error) { return target, nil }, nil
		}
		return func(f *frame) (int, error) { return target, f.branch(i, target) }, nil
	case ncs.OpJz, ncs.OpJnz:
		jumpIf := in.Op == ncs.OpJnz
		return func(f *frame) (int, error) {
			taken, err := f.condition()
			if err != nil || taken != jumpIf {
				return next, err
			}
			return target, f.branch(i, target)
		}, nil
	case ncs.OpJsr:
		return func(f *frame) (int, error) { return target, f.call(next) }, nil
	case ncs.OpRetn:
		return func(f *frame) (int, error) {
			if r, ok := f.ret(); ok {
				return r, nil
			}
			return opDone, nil
		}, nil

	case ncs.OpAction:
		return cp.compileAction(next, in, actions), nil
	case ncs.OpStoreState:
		resume := in.Target
		bp, sp := int(in.SaveBPBytes)/ncs.CellSize, int(in.SaveSPBytes)/ncs.CellSize
		return func(f *frame) (int, error) { return next, f.storeState(resume, bp, sp) }, nil
	case ncs.OpStoreStateAll:
		resume := in.Target
		return func(f *frame) (int, error) { return next, f.storeStateAll(resume) }, nil

	case ncs.OpNop:
		return func(*frame) (int, error) { return next, nil }, nil
	}
	return nil, fmt.Errorf("unhandled opcode %s", in.Op)
}

func (cp *CompiledProgram) compileConst(next int, in *ncs.Instruction) compiledOp {
	switch in.Type {
	case ncs.TypeInt:
		v := in.IntValue
		return func(f *frame) (int, error) { f.stack.PushInt(v); return next, nil }
	case ncs.TypeFloat:
		v := in.FloatValue
		return func(f *frame) (int, error) { f.stack.PushFloat(v); return next, nil }
	case ncs.TypeString:
		v := in.StringValue
		return func(f *frame) (int, error) { f.stack.PushString(v); return next, nil }
	}
	v := in.IntValue
	return func(f *frame) (int, error) { f.stack.PushObjectID(f.object(v)); return next, nil }
}

func (cp *CompiledProgram) compileAction(next int, in *ncs.Instruction, actions *ActionTable) compiledOp {
	id, argc := int(in.ActionID), int(in.ArgCount)
	slow := func(f *frame) (int, error) { return next, f.action(id, argc) }

	def, ok := actions.Lookup(id)
	if !ok || def.CheckArgCount(argc) != nil || !def.Fast() {
		return slow
	}
	fc, err := newFastCall(def, argc)
	if err != nil {
		return slow
	}
	cp.fastCalls++
	return func(f *frame) (int, error) {
		// The table bound at compile time must be the one executing.
		if f.vm.actions != actions {
			return next, f.action(id, argc)
		}
		return next, f.fastAction(fc)
	}
}
