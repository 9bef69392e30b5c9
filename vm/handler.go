package vm

import "fmt"

// ActionHandler performs host actions. It pops argc arguments for action
// id off stack, first parameter on top, and pushes the declared return
// value. Returning an error wrapping ErrScriptAborted aborts the whole
// script chain; any other error fails the current script.
//
// Handlers may re-enter the VM through ExecuteScript.
type ActionHandler interface {
	ExecuteAction(vm *VM, stack *Stack, id int, argc int) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(vm *VM, stack *Stack, id int, argc int) error

func (f ActionHandlerFunc) ExecuteAction(vm *VM, stack *Stack, id int, argc int) error {
	return f(vm, stack, id, argc)
}

// ---------------------------------------------------------------------------
// Fast action calls
// ---------------------------------------------------------------------------

// FastCommandKind is one step of a fast action call.
type FastCommandKind uint8

const (
	FastPushInt FastCommandKind = iota
	FastPushFloat
	FastPushString
	FastPushObject
	FastCall
	FastPopInt
	FastPopFloat
	FastPopString
	FastPopObject
)

// FastCommand reads or writes slots[Slot]. FastCall ignores Slot.
type FastCommand struct {
	Kind FastCommandKind
	Slot int
}

// FastActionHandler is implemented by handlers that accept arguments from
// a command list instead of the operand stack. The handler must behave
// exactly as ExecuteAction would for the same arguments.
type FastActionHandler interface {
	ExecuteActionFast(vm *VM, id int, argc int, cmds []FastCommand, slots []Value) error
}

// BuildFastCall returns the command list and slot count for calling def
// with argc arguments. Arguments occupy the leading slots in declaration
// order (vectors take three); the return value follows. Arguments are
// pushed last to first so the first one ends on top, as a stack call
// would see them.
func BuildFastCall(def *ActionDefinition, argc int) ([]FastCommand, int, error) {
	if !def.Fast() {
		return nil, 0, fmt.Errorf("action %s cannot use fast calls", def.Name)
	}
	if err := def.CheckArgCount(argc); err != nil {
		return nil, 0, err
	}

	slotOf := make([]int, argc)
	slots := 0
	for i := 0; i < argc; i++ {
		slotOf[i] = slots
		slots += GetTypeSize(def.Params[i])
	}

	var cmds []FastCommand
	for i := argc - 1; i >= 0; i-- {
		for j, t := range def.Params[i].CellTypes() {
			cmds = append(cmds, FastCommand{Kind: pushKind(t), Slot: slotOf[i] + j})
		}
	}
	cmds = append(cmds, FastCommand{Kind: FastCall})

	ret := def.Return.CellTypes()
	for j := len(ret) - 1; j >= 0; j-- {
		cmds = append(cmds, FastCommand{Kind: popKind(ret[j]), Slot: slots + j})
	}
	return cmds, slots + len(ret), nil
}

func pushKind(t BaseType) FastCommandKind {
	switch t {
	case TypeFloat:
		return FastPushFloat
	case TypeString:
		return FastPushString
	case TypeObject:
		return FastPushObject
	}
	return FastPushInt
}

func popKind(t BaseType) FastCommandKind {
	switch t {
	case TypeFloat:
		return FastPopFloat
	case TypeString:
		return FastPopString
	case TypeObject:
		return FastPopObject
	}
	return FastPopInt
}

// RunFastCommands executes a command list against a standard handler by
// replaying it on a scratch stack.
func RunFastCommands(vm *VM, h ActionHandler, id int, argc int, cmds []FastCommand, slots []Value) error {
	stack := NewStack()
	defer stack.Clear()

	for _, c := range cmds {
		var err error
		switch c.Kind {
		case FastPushInt:
			stack.PushInt(slots[c.Slot].Int)
		case FastPushFloat:
			stack.PushFloat(slots[c.Slot].Float)
		case FastPushString:
			stack.PushString(slots[c.Slot].Str)
		case FastPushObject:
			stack.PushObjectID(slots[c.Slot].Object)
		case FastCall:
			err = h.ExecuteAction(vm, stack, id, argc)
		case FastPopInt:
			var i int32
			i, err = stack.PopInt()
			slots[c.Slot] = IntValue(i)
		case FastPopFloat:
			var f float32
			f, err = stack.PopFloat()
			slots[c.Slot] = FloatValue(f)
		case FastPopString:
			var s string
			s, err = stack.PopString()
			slots[c.Slot] = StringValue(s)
		case FastPopObject:
			var o ObjectID
			o, err = stack.PopObjectID()
			slots[c.Slot] = ObjectValue(o)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
