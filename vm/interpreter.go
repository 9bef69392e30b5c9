package vm

import (
	"fmt"

	"github.com/chazu/nwvm/pkg/ncs"
)

// InterpretedProgram walks the decoded instruction list with a switch per
// instruction.
type InterpretedProgram struct {
	prog *ncs.Program
}

// Interpret prepares p for interpretation. It never fails.
func Interpret(p *ncs.Program) *InterpretedProgram {
	return &InterpretedProgram{prog: p}
}

func (ip *InterpretedProgram) Program() *ncs.Program { return ip.prog }
func (ip *InterpretedProgram) Compiled() bool        { return false }

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

func (ip *InterpretedProgram) execute(f *frame, start int) error {
	code := ip.prog.Instructions
	s := f.stack
	tracing := f.vm.config.DebugLevel >= DebugAll
	var executed uint64
	defer func() { f.vm.instructions.Add(executed) }()

	i := start
	for {
		if i < 0 || i >= len(code) {
			return fmt.Errorf("%w: ran off the end of %s", ErrInvalidPC, ip.prog.Name)
		}
		in := &code[i]
		f.pc = in.PC
		executed++
		if tracing {
			f.trace(in)
		}

		next := i + 1
		var err error

		switch in.Op {
		// Stack copies
		case ncs.OpCopyDownSP:
			err = s.CopyDownSP(in.Offset, in.Size)
		case ncs.OpCopyTopSP:
			err = s.CopyTopSP(in.Offset, in.Size)
		case ncs.OpCopyDownBP:
			err = s.CopyDownBP(in.Offset, in.Size)
		case ncs.OpCopyTopBP:
			err = s.CopyTopBP(in.Offset, in.Size)
		case ncs.OpRSAdd:
			err = f.reserve(baseTypeOf(in.Type))
		case ncs.OpConst:
			f.constant(in)
		case ncs.OpMoveSP:
			err = s.MoveSP(in.Offset)
		case ncs.OpDestruct:
			err = s.Destruct(in.DestructSize, in.KeepOffset, in.KeepSize)

		// Adjustments
		case ncs.OpIncISP:
			err = s.AdjustIntSP(in.Offset, 1)
		case ncs.OpDecISP:
			err = s.AdjustIntSP(in.Offset, -1)
		case ncs.OpIncIBP:
			err = s.AdjustIntBP(in.Offset, 1)
		case ncs.OpDecIBP:
			err = s.AdjustIntBP(in.Offset, -1)
		case ncs.OpSaveBP:
			s.SaveBP()
		case ncs.OpRestoreBP:
			err = s.RestoreBP()

		// Arithmetic and logic
		case ncs.OpLogAnd, ncs.OpLogOr, ncs.OpIncOr, ncs.OpExcOr, ncs.OpBoolAnd,
			ncs.OpEqual, ncs.OpNotEqual, ncs.OpGEQ, ncs.OpGT, ncs.OpLT, ncs.OpLEQ,
			ncs.OpShiftLeft, ncs.OpShiftRight, ncs.OpUnsignedShiftRight,
			ncs.OpAdd, ncs.OpSub, ncs.OpMul, ncs.OpDiv, ncs.OpMod:
			err = binary(s, in)
		case ncs.OpNeg:
			err = negate(s, in.Type)
		case ncs.OpComp:
			err = complement(s)
		case ncs.OpNot:
			err = logicalNot(s)

		// Control flow
		case ncs.OpJmp:
			err = f.branch(i, in.TargetIndex)
			next = in.TargetIndex
		case ncs.OpJz, ncs.OpJnz:
			var taken bool
			if taken, err = f.condition(); err == nil && taken == (in.Op == ncs.OpJnz) {
				err = f.branch(i, in.TargetIndex)
				next = in.TargetIndex
			}
		case ncs.OpJsr:
			err = f.call(i + 1)
			next = in.TargetIndex
		case ncs.OpRetn:
			r, ok := f.ret()
			if !ok {
				return nil
			}
			next = r

		// Host interaction
		case ncs.OpAction:
			err = f.action(int(in.ActionID), int(in.ArgCount))
		case ncs.OpStoreState:
			err = f.storeState(in.Target, int(in.SaveBPBytes)/ncs.CellSize, int(in.SaveSPBytes)/ncs.CellSize)
		case ncs.OpStoreStateAll:
			err = f.storeStateAll(in.Target)

		case ncs.OpNop:

		default:
			err = fmt.Errorf("%w: unhandled opcode %s", ErrInvalidPC, in.Op)
		}

		if err != nil {
			return err
		}
		i = next
	}
}
