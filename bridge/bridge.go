package bridge

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/vm"
)

// CommandImplementer is the host's native action implementation. It runs
// actions against the foreign stack and owns the engine structure handles
// it hands out.
type CommandImplementer interface {
	// RunCommand executes action id with argc arguments on stack, first
	// argument on top, leaving the declared return value in their place.
	RunCommand(stack ForeignStack, id int, argc int) error

	CreateEngineStructure(engineType int) (uint32, error)
	CopyEngineStructure(engineType int, handle uint32) (uint32, error)
	CompareEngineStructures(engineType int, a, b uint32) bool
	DeleteEngineStructure(engineType int, handle uint32)
}

// Bridge runs a VM's actions through a host command implementer. It moves
// arguments from the VM stack to the foreign stack before each call and
// moves the return value back afterwards. It also creates the VM's engine
// structures, so every structure in play wraps a host handle.
type Bridge struct {
	impl  CommandImplementer
	stack ForeignStack
	log   commonlog.Logger
}

// New returns a bridge that transfers through stack.
func New(impl CommandImplementer, stack ForeignStack) *Bridge {
	return &Bridge{impl: impl, stack: stack, log: commonlog.GetLogger("nwvm.bridge")}
}

// Stack returns the foreign stack.
func (b *Bridge) Stack() ForeignStack { return b.stack }

// ---------------------------------------------------------------------------
// Engine structures
// ---------------------------------------------------------------------------

// Structure is an engine structure backed by a host handle. The handle is
// deleted through the implementer when the last VM reference goes away,
// unless ownership was released first.
type Structure struct {
	kind   int
	handle uint32
	owned  bool
	impl   CommandImplementer
}

func (s *Structure) EngineType() int { return s.kind }

// Handle returns the host handle.
func (s *Structure) Handle() uint32 { return s.handle }

func (s *Structure) Compare(other vm.EngineStructure) bool {
	o, ok := other.(*Structure)
	if !ok {
		return false
	}
	return s.handle == o.handle || s.impl.CompareEngineStructures(s.kind, s.handle, o.handle)
}

func (s *Structure) Delete() {
	if s.owned {
		s.owned = false
		s.impl.DeleteEngineStructure(s.kind, s.handle)
	}
}

// ReleaseOwnership detaches the handle so Delete leaves it alone.
func (s *Structure) ReleaseOwnership() { s.owned = false }

// Wrap takes ownership of a host handle.
func (b *Bridge) Wrap(engineType int, handle uint32) *vm.EngineRef {
	return vm.NewEngineRef(&Structure{kind: engineType, handle: handle, owned: true, impl: b.impl})
}

// CreateEngineStructure implements vm.EngineFactory.
func (b *Bridge) CreateEngineStructure(engineType int) (vm.EngineStructure, error) {
	h, err := b.impl.CreateEngineStructure(engineType)
	if err != nil {
		return nil, fmt.Errorf("bridge: create engine structure %d: %w", engineType, err)
	}
	return &Structure{kind: engineType, handle: h, owned: true, impl: b.impl}, nil
}

// ---------------------------------------------------------------------------
// Action calls
// ---------------------------------------------------------------------------

// ExecuteAction implements vm.ActionHandler.
func (b *Bridge) ExecuteAction(v *vm.VM, s *vm.Stack, id int, argc int) error {
	d, ok := v.Actions().Lookup(id)
	if !ok {
		return fmt.Errorf("%w: ordinal %d", vm.ErrUnknownAction, id)
	}
	if err := d.CheckArgCount(argc); err != nil {
		return err
	}

	base := b.stack.SP()
	if err := b.pushParameters(s, d, argc); err != nil {
		b.unwind(base)
		return err
	}
	if err := b.impl.RunCommand(b.stack, id, argc); err != nil {
		b.unwind(base)
		return err
	}
	if err := b.popReturnValue(s, d); err != nil {
		b.unwind(base)
		return err
	}
	if sp := b.stack.SP(); sp != base {
		b.unwind(base)
		return fmt.Errorf("%w: %s left the foreign stack at %d, expected %d", vm.ErrInvalidStackAccess, d.Name, sp, base)
	}
	return nil
}

// ExecuteActionFast implements vm.FastActionHandler by replaying the
// command list through the foreign stack.
func (b *Bridge) ExecuteActionFast(v *vm.VM, id int, argc int, cmds []vm.FastCommand, slots []vm.Value) error {
	return vm.RunFastCommands(v, b, id, argc, cmds, slots)
}

// pushParameters copies the argument cells from the top of s to the
// foreign stack, bottom first, so their order is preserved, then drops
// them from s.
func (b *Bridge) pushParameters(s *vm.Stack, d *vm.ActionDefinition, argc int) error {
	cells := d.ParamCells(argc)
	if s.Depth() < cells {
		return fmt.Errorf("%w: %s needs %d cells, stack has %d", vm.ErrStackUnderflow, d.Name, cells, s.Depth())
	}
	vals := s.Values()
	for _, v := range vals[len(vals)-cells:] {
		if err := b.pushValue(v); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return s.MoveSP(-int32(cells * SlotSize))
}

func (b *Bridge) pushValue(v vm.Value) error {
	switch v.Type {
	case vm.TypeInt:
		return b.stack.PushInt(v.Int)
	case vm.TypeFloat:
		return b.stack.PushFloat(v.Float)
	case vm.TypeString:
		return b.stack.PushString(v.Str)
	case vm.TypeObject:
		return b.stack.PushObject(v.Object)
	}
	if !v.Type.IsEngine() {
		return fmt.Errorf("%w: cannot transfer %s", vm.ErrStackTypeMismatch, v.Type)
	}
	st, ok := v.Engine.Structure().(*Structure)
	if !ok {
		return fmt.Errorf("%w: engine structure %s has no host handle", vm.ErrStackTypeMismatch, v.Type)
	}
	h, err := b.impl.CopyEngineStructure(st.kind, st.handle)
	if err != nil {
		return err
	}
	return b.stack.PushEngine(st.kind, h)
}

// popReturnValue moves the declared return value from the foreign stack
// to s.
func (b *Bridge) popReturnValue(s *vm.Stack, d *vm.ActionDefinition) error {
	switch t := d.Return; {
	case t == vm.ActionVoid:
		return nil
	case t == vm.ActionInt:
		i, err := b.stack.PopInt()
		if err != nil {
			return err
		}
		s.PushInt(i)
	case t == vm.ActionFloat:
		f, err := b.stack.PopFloat()
		if err != nil {
			return err
		}
		s.PushFloat(f)
	case t == vm.ActionString:
		str, err := b.stack.PopString()
		if err != nil {
			return err
		}
		s.PushString(str)
	case t == vm.ActionObject:
		o, err := b.stack.PopObject()
		if err != nil {
			return err
		}
		s.PushObjectID(o)
	case t == vm.ActionVector:
		var v vm.Vector
		var err error
		if v.Z, err = b.stack.PopFloat(); err != nil {
			return err
		}
		if v.Y, err = b.stack.PopFloat(); err != nil {
			return err
		}
		if v.X, err = b.stack.PopFloat(); err != nil {
			return err
		}
		s.PushVector(v)
	case t.IsEngine():
		n := int(t - vm.ActionEngine0)
		h, err := b.stack.PopEngine(n)
		if err != nil {
			return err
		}
		s.PushEngineStructure(b.Wrap(n, h))
	default:
		return fmt.Errorf("%w: %s returns %s", vm.ErrStackTypeMismatch, d.Name, t)
	}
	return nil
}

// unwind pops the foreign stack back to sp bytes after a failed call,
// freeing what it pops.
func (b *Bridge) unwind(sp int32) {
	for b.stack.SP() > sp {
		var err error
		switch typ := b.stack.TopType(); {
		case typ == SlotInt:
			_, err = b.stack.PopInt()
		case typ == SlotFloat:
			_, err = b.stack.PopFloat()
		case typ == SlotString:
			_, err = b.stack.PopString()
		case typ == SlotObject:
			_, err = b.stack.PopObject()
		case IsEngineSlot(typ):
			n := int(typ - SlotEngine0)
			var h uint32
			if h, err = b.stack.PopEngine(n); err == nil {
				b.impl.DeleteEngineStructure(n, h)
			}
		default:
			err = fmt.Errorf("%w: unknown slot type 0x%02X", ErrForeignStack, typ)
		}
		if err != nil {
			b.log.Errorf("unwinding foreign stack: %s", err)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Situations saved by the host
// ---------------------------------------------------------------------------

// SaveStack copies part of the foreign stack into dest in the layout of a
// script situation: bpCells slots below BP, the BP itself in bytes, then
// spCells slots ending spOffset slots below SP. Engine structures are
// copied; the foreign stack is not modified.
func (b *Bridge) SaveStack(dest *vm.Stack, bpCells, spCells, spOffset int) error {
	bp := int(b.stack.BP() / SlotSize)
	sp := int(b.stack.SP() / SlotSize)
	if bpCells < 0 || bpCells > bp {
		return fmt.Errorf("%w: %d globals below BP %d", vm.ErrInvalidStackAccess, bpCells, bp)
	}
	top := sp + spOffset
	if spCells < 0 || top > sp || top-spCells < 0 {
		return fmt.Errorf("%w: %d locals at offset %d from SP %d", vm.ErrInvalidStackAccess, spCells, spOffset, sp)
	}

	if err := b.appendSlots(dest, bp-bpCells, bpCells); err != nil {
		return err
	}
	dest.PushInt(b.stack.BP())
	return b.appendSlots(dest, top-spCells, spCells)
}

func (b *Bridge) appendSlots(dest *vm.Stack, from, count int) error {
	for i := from; i < from+count; i++ {
		typ, raw, err := b.stack.Slot(i)
		if err != nil {
			return err
		}
		switch {
		case typ == SlotInt:
			dest.PushInt(int32(raw))
		case typ == SlotFloat:
			dest.PushFloat(math.Float32frombits(raw))
		case typ == SlotString:
			str, err := b.stack.StringAt(i)
			if err != nil {
				return err
			}
			dest.PushString(str)
		case typ == SlotObject:
			dest.PushObjectID(vm.ObjectID(raw))
		case IsEngineSlot(typ):
			n := int(typ - SlotEngine0)
			h, err := b.impl.CopyEngineStructure(n, raw)
			if err != nil {
				return err
			}
			dest.PushEngineStructure(b.Wrap(n, h))
		default:
			return fmt.Errorf("%w: bad slot type 0x%02X at %d", ErrForeignStack, typ, i)
		}
	}
	return nil
}
