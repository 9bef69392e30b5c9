package vm

import (
	"fmt"

	"github.com/chazu/nwvm/pkg/ncs"
)

// Executable is a program prepared for execution, either interpreted or
// compiled. Both forms produce identical observable behavior.
type Executable interface {
	// Program returns the decoded program.
	Program() *ncs.Program

	// Compiled reports whether this is the compiled form.
	Compiled() bool

	// execute runs from instruction index start until the outermost
	// RETN or an error.
	execute(f *frame, start int) error
}

// FrameState tracks the lifecycle of one script entry.
type FrameState uint8

const (
	StateReady FrameState = iota
	StateRunning
	StateCompleted
	StateAborted
	StateSuspended
)

func (s FrameState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateSuspended:
		return "suspended"
	}
	return fmt.Sprintf("FrameState(%d)", uint8(s))
}

// returnRecord is pushed by JSR.
type returnRecord struct {
	index int // instruction to continue at
	loops int // caller's backward branch count
}

// frame is the execution state of one script entry.
type frame struct {
	vm    *VM
	exe   Executable
	prog  *ncs.Program
	stack *Stack
	self  ObjectID
	pc    uint32

	calls []returnRecord
	loops int
	saved *Situation
	state FrameState
}

func newFrame(vm *VM, exe Executable, stack *Stack, self ObjectID) *frame {
	return &frame{
		vm:    vm,
		exe:   exe,
		prog:  exe.Program(),
		stack: stack,
		self:  self,
		pc:    ncs.HeaderSize,
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// call enters a subroutine that returns to instruction ret.
func (f *frame) call(ret int) error {
	if len(f.calls) >= f.vm.config.MaxCallDepth {
		return fmt.Errorf("%w: %d nested calls", ErrCallDepthExceeded, len(f.calls))
	}
	f.calls = append(f.calls, returnRecord{index: ret, loops: f.loops})
	f.loops = 0
	return nil
}

// ret leaves the current subroutine. ok is false for the outermost RETN,
// which ends the script.
func (f *frame) ret() (index int, ok bool) {
	n := len(f.calls)
	if n == 0 {
		return 0, false
	}
	r := f.calls[n-1]
	f.calls = f.calls[:n-1]
	f.loops = r.loops
	return r.index, true
}

// branch counts a taken branch from instruction from to instruction to.
// Backward branches are bounded per subroutine activation.
func (f *frame) branch(from, to int) error {
	if to > from {
		return nil
	}
	f.loops++
	if f.loops > f.vm.config.MaxLoopIterations {
		return fmt.Errorf("%w: %d backward branches", ErrLoopLimitExceeded, f.vm.config.MaxLoopIterations)
	}
	return nil
}

// condition pops the int tested by JZ and JNZ.
func (f *frame) condition() (bool, error) {
	v, err := f.stack.PopInt()
	return v != 0, err
}

// ---------------------------------------------------------------------------
// Constants and reservations
// ---------------------------------------------------------------------------

// object translates a CONST O operand.
func (f *frame) object(v int32) ObjectID {
	switch v {
	case constObjectSelf:
		return f.self
	case constObjectInvalid:
		return ObjectInvalid
	}
	return ObjectID(v)
}

func (f *frame) constant(in *ncs.Instruction) {
	switch in.Type {
	case ncs.TypeInt:
		f.stack.PushInt(in.IntValue)
	case ncs.TypeFloat:
		f.stack.PushFloat(in.FloatValue)
	case ncs.TypeString:
		f.stack.PushString(in.StringValue)
	case ncs.TypeObject:
		f.stack.PushObjectID(f.object(in.IntValue))
	}
}

// reserve pushes the default value of a type for RSADD.
func (f *frame) reserve(t BaseType) error {
	switch t {
	case TypeInt:
		f.stack.PushInt(0)
	case TypeFloat:
		f.stack.PushFloat(0)
	case TypeString:
		f.stack.PushString("")
	case TypeObject:
		f.stack.PushObjectID(ObjectInvalid)
	default:
		if !t.IsEngine() {
			return fmt.Errorf("%w: cannot reserve %s", ErrStackTypeMismatch, t)
		}
		es, err := f.vm.engines.CreateEngineStructure(t.EngineIndex())
		if err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
		f.stack.PushEngineStructure(NewEngineRef(es))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Saved state
// ---------------------------------------------------------------------------

// storeState captures a situation resuming at pc, replacing any situation
// the frame was still holding.
func (f *frame) storeState(resume uint32, bpCells, spCells int) error {
	s := &Situation{
		Script:      f.prog.Name,
		ResumePC:    resume,
		Self:        f.self,
		GlobalCells: bpCells,
		LocalCells:  spCells,
		exe:         f.exe,
		stack:       NewStack(),
	}
	if err := f.stack.SaveStack(s.stack, bpCells, spCells, 0); err != nil {
		s.stack.Clear()
		return err
	}
	f.discardSaved()
	f.saved = s
	return nil
}

// storeStateAll captures everything: all cells below BP as globals and
// all cells above it as locals.
func (f *frame) storeStateAll(resume uint32) error {
	bp := f.stack.bp
	return f.storeState(resume, bp, f.stack.Depth()-bp)
}

func (f *frame) discardSaved() {
	if f.saved != nil {
		f.saved.Discard()
		f.saved = nil
	}
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func (f *frame) lookupAction(id, argc int) (*ActionDefinition, error) {
	def, ok := f.vm.actions.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: ordinal %d", ErrUnknownAction, id)
	}
	if err := def.CheckArgCount(argc); err != nil {
		return nil, err
	}
	return def, nil
}

// action performs a stack-convention action call.
func (f *frame) action(id, argc int) error {
	def, err := f.lookupAction(id, argc)
	if err != nil {
		return err
	}
	cells := def.ParamCells(argc)
	depth := f.stack.Depth()
	if depth < cells {
		return fmt.Errorf("%w: %s needs %d argument cells, stack has %d", ErrStackUnderflow, def.Name, cells, depth)
	}

	f.vm.actionCalls.Add(1)
	if f.vm.config.DebugLevel >= DebugCalls {
		f.vm.log.Debugf("%s: action %s/%d", f.prog.Name, def.Name, argc)
	}
	err = f.vm.handler.ExecuteAction(f.vm, f.stack, id, argc)
	f.discardSaved()
	if err != nil {
		return f.actionFailed(def, err)
	}
	if want := depth - cells + def.ReturnCells(); f.stack.Depth() != want {
		return fmt.Errorf("%w: action %s left %d cells, expected %d",
			ErrInvalidStackAccess, def.Name, f.stack.Depth(), want)
	}
	return f.pollAbort()
}

// fastCall is a prepared fast action call.
type fastCall struct {
	def   *ActionDefinition
	id    int
	argc  int
	cmds  []FastCommand
	slots int
	call  int // index of the FastCall command
}

func newFastCall(def *ActionDefinition, argc int) (*fastCall, error) {
	cmds, slots, err := BuildFastCall(def, argc)
	if err != nil {
		return nil, err
	}
	fc := &fastCall{def: def, id: def.ID, argc: argc, cmds: cmds, slots: slots}
	for i, c := range cmds {
		if c.Kind == FastCall {
			fc.call = i
			break
		}
	}
	return fc, nil
}

// fastAction performs an action through the fast convention. Arguments
// move from the stack into slots, the handler runs, and the return value
// moves back.
func (f *frame) fastAction(fc *fastCall) error {
	slots := make([]Value, fc.slots)
	for i := fc.call - 1; i >= 0; i-- {
		c := fc.cmds[i]
		v, err := popSlot(f.stack, c.Kind)
		if err != nil {
			return fmt.Errorf("action %s: %w", fc.def.Name, err)
		}
		slots[c.Slot] = v
	}

	f.vm.actionCalls.Add(1)
	if f.vm.config.DebugLevel >= DebugCalls {
		f.vm.log.Debugf("%s: fast action %s/%d", f.prog.Name, fc.def.Name, fc.argc)
	}
	var err error
	if f.vm.fast != nil {
		err = f.vm.fast.ExecuteActionFast(f.vm, fc.id, fc.argc, fc.cmds, slots)
	} else {
		err = RunFastCommands(f.vm, f.vm.handler, fc.id, fc.argc, fc.cmds, slots)
	}
	if err != nil {
		return f.actionFailed(fc.def, err)
	}

	for i := len(fc.cmds) - 1; i > fc.call; i-- {
		c := fc.cmds[i]
		if err := pushSlot(f.stack, c.Kind, slots[c.Slot]); err != nil {
			return fmt.Errorf("action %s: %w", fc.def.Name, err)
		}
	}
	return f.pollAbort()
}

func (f *frame) actionFailed(def *ActionDefinition, err error) error {
	if IsAbort(err) {
		f.vm.Abort()
	}
	return fmt.Errorf("action %s: %w", def.Name, err)
}

// pollAbort fails the frame once an abort has been requested.
func (f *frame) pollAbort() error {
	if f.vm.aborted.Load() {
		return ErrScriptAborted
	}
	return nil
}

func popSlot(s *Stack, k FastCommandKind) (Value, error) {
	switch k {
	case FastPushFloat:
		v, err := s.PopFloat()
		return FloatValue(v), err
	case FastPushString:
		v, err := s.PopString()
		return StringValue(v), err
	case FastPushObject:
		v, err := s.PopObjectID()
		return ObjectValue(v), err
	}
	v, err := s.PopInt()
	return IntValue(v), err
}

func pushSlot(s *Stack, k FastCommandKind, v Value) error {
	want := TypeInt
	switch k {
	case FastPopFloat:
		want = TypeFloat
	case FastPopString:
		want = TypeString
	case FastPopObject:
		want = TypeObject
	}
	if v.Type != want {
		return fmt.Errorf("%w: handler returned %s, want %s", ErrStackTypeMismatch, v.Type, want)
	}
	return s.PushValue(v)
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

func (f *frame) trace(in *ncs.Instruction) {
	f.vm.log.Debugf("%s %08X %-24s %s", f.prog.Name, in.PC, ncs.FormatInstruction(in), f.stack)
}
