package actions

import (
	"fmt"

	"github.com/chazu/nwvm/vm"
)

// Call is one action invocation as seen by a Func. Arguments are indexed
// in declaration order; indexes at or beyond Argc read as zero values.
type Call struct {
	VM   *vm.VM
	Def  *vm.ActionDefinition
	Argc int

	args [][]vm.Value
	ret  []vm.Value
	host *Host
}

func (c *Call) cell(i, j int) vm.Value {
	if i >= len(c.args) || j >= len(c.args[i]) {
		return vm.Value{}
	}
	return c.args[i][j]
}

// Has reports whether argument i was passed.
func (c *Call) Has(i int) bool { return i < c.Argc }

func (c *Call) Int(i int) int32            { return c.cell(i, 0).Int }
func (c *Call) Float(i int) float32        { return c.cell(i, 0).Float }
func (c *Call) Str(i int) string           { return c.cell(i, 0).Str }
func (c *Call) Engine(i int) *vm.EngineRef { return c.cell(i, 0).Engine }

// Object returns argument i, or ObjectInvalid when it was not passed.
func (c *Call) Object(i int) vm.ObjectID {
	if !c.Has(i) {
		return vm.ObjectInvalid
	}
	return c.cell(i, 0).Object
}

func (c *Call) Vector(i int) vm.Vector {
	return vm.Vector{X: c.cell(i, 0).Float, Y: c.cell(i, 1).Float, Z: c.cell(i, 2).Float}
}

// IntOr returns argument i, or def when it was not passed.
func (c *Call) IntOr(i int, def int32) int32 {
	if !c.Has(i) {
		return def
	}
	return c.Int(i)
}

// FloatOr returns argument i, or def when it was not passed.
func (c *Call) FloatOr(i int, def float32) float32 {
	if !c.Has(i) {
		return def
	}
	return c.Float(i)
}

// Self returns the object the calling script runs as.
func (c *Call) Self() vm.ObjectID {
	if c.VM == nil {
		return vm.ObjectInvalid
	}
	return c.VM.Self()
}

// Situation claims the state saved for an action argument.
func (c *Call) Situation() (*vm.Situation, error) {
	if c.VM == nil {
		return nil, fmt.Errorf("actions: %s: no saved state outside a script", c.Def.Name)
	}
	s, ok := c.VM.TakeSavedState()
	if !ok {
		return nil, fmt.Errorf("actions: %s: no saved state for action argument", c.Def.Name)
	}
	return s, nil
}

func (c *Call) ReturnInt(v int32)          { c.ret = []vm.Value{vm.IntValue(v)} }
func (c *Call) ReturnFloat(v float32)      { c.ret = []vm.Value{vm.FloatValue(v)} }
func (c *Call) ReturnString(v string)      { c.ret = []vm.Value{vm.StringValue(v)} }
func (c *Call) ReturnObject(v vm.ObjectID) { c.ret = []vm.Value{vm.ObjectValue(v)} }

// ReturnBool returns TRUE or FALSE.
func (c *Call) ReturnBool(b bool) {
	if b {
		c.ReturnInt(1)
	} else {
		c.ReturnInt(0)
	}
}

func (c *Call) ReturnVector(v vm.Vector) {
	c.ret = []vm.Value{vm.FloatValue(v.X), vm.FloatValue(v.Y), vm.FloatValue(v.Z)}
}

// ReturnEngine returns r, transferring the caller's reference.
func (c *Call) ReturnEngine(r *vm.EngineRef) { c.ret = []vm.Value{vm.EngineValue(r)} }

// checkReturn verifies the return cells against the declared type.
func (c *Call) checkReturn() error {
	want := c.Def.Return.CellTypes()
	if len(want) != len(c.ret) {
		return fmt.Errorf("%w: %s returned %d cells, declared %s", vm.ErrStackTypeMismatch, c.Def.Name, len(c.ret), c.Def.Return)
	}
	for j, t := range want {
		if c.ret[j].Type != t {
			return fmt.Errorf("%w: %s returned %s, declared %s", vm.ErrStackTypeMismatch, c.Def.Name, c.ret[j].Type, c.Def.Return)
		}
	}
	return nil
}

// release drops the engine references held by the arguments.
func (c *Call) release() {
	for _, a := range c.args {
		for _, v := range a {
			if v.Engine != nil {
				v.Engine.Release()
			}
		}
	}
	c.args = nil
}
