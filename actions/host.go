package actions

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/vm"
)

// ErrNotImplemented is returned for actions that are in the table but
// have no Go implementation.
var ErrNotImplemented = errors.New("action not implemented")

// Func implements one action.
type Func func(c *Call) error

// Scheduler runs the work handed off by AssignCommand, DelayCommand and
// ExecuteScript.
type Scheduler interface {
	AssignCommand(v *vm.VM, sit *vm.Situation, target vm.ObjectID) error
	DelayCommand(v *vm.VM, sit *vm.Situation, delay time.Duration) error
	ExecuteScript(v *vm.VM, name string, target vm.ObjectID) error
}

// Host is a standalone action handler backed by Go functions. It serves
// both the stack and the fast calling conventions through the same Func,
// so an action cannot tell which one was used.
type Host struct {
	table *vm.ActionTable
	funcs []Func
	out   io.Writer
	rng   *rand.Rand
	sched Scheduler
	log   commonlog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithOutput directs the Print* actions to w.
func WithOutput(w io.Writer) Option {
	return func(h *Host) { h.out = w }
}

// WithSeed makes Random deterministic.
func WithSeed(seed uint64) Option {
	return func(h *Host) { h.rng = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)) }
}

// WithScheduler sets where deferred and assigned commands go.
func WithScheduler(s Scheduler) Option {
	return func(h *Host) { h.sched = s }
}

// NewHost creates a host for table with every built-in action the table
// declares.
func NewHost(table *vm.ActionTable, opts ...Option) *Host {
	h := &Host{
		table: table,
		funcs: make([]Func, table.MaxID()),
		out:   os.Stdout,
		sched: InlineScheduler{},
		log:   commonlog.GetLogger("nwvm.actions"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.rng == nil {
		h.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	h.registerPrintActions()
	h.registerCommandActions()
	h.registerStringActions()
	h.registerMathActions()
	return h
}

// SetScheduler replaces the scheduler. It is for runtimes that are built
// around the host and so cannot be passed to NewHost.
func (h *Host) SetScheduler(s Scheduler) { h.sched = s }

// Table returns the action table the host was built for.
func (h *Host) Table() *vm.ActionTable { return h.table }

// Define installs fn for the named action, replacing any built-in.
func (h *Host) Define(name string, fn Func) error {
	d, ok := h.table.ByName(name)
	if !ok {
		return fmt.Errorf("actions: %s is not in the action table", name)
	}
	h.funcs[d.ID] = fn
	return nil
}

// define installs a built-in when the table declares it.
func (h *Host) define(name string, fn Func) {
	if d, ok := h.table.ByName(name); ok {
		h.funcs[d.ID] = fn
	}
}

// Implemented reports whether action id has a Go implementation.
func (h *Host) Implemented(id int) bool {
	return id >= 0 && id < len(h.funcs) && h.funcs[id] != nil
}

func (h *Host) lookup(id, argc int) (*vm.ActionDefinition, Func, error) {
	d, ok := h.table.Lookup(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: ordinal %d", vm.ErrUnknownAction, id)
	}
	if err := d.CheckArgCount(argc); err != nil {
		return nil, nil, err
	}
	if !h.Implemented(id) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotImplemented, d.Name)
	}
	return d, h.funcs[id], nil
}

// ---------------------------------------------------------------------------
// vm.ActionHandler
// ---------------------------------------------------------------------------

// ExecuteAction pops the arguments, first parameter on top, runs the
// action and pushes its return value.
func (h *Host) ExecuteAction(v *vm.VM, s *vm.Stack, id int, argc int) error {
	d, fn, err := h.lookup(id, argc)
	if err != nil {
		return err
	}

	c := &Call{VM: v, Def: d, Argc: argc, host: h, args: make([][]vm.Value, argc)}
	defer c.release()
	for i := 0; i < argc; i++ {
		arg, err := popArg(s, d.Params[i])
		if err != nil {
			return fmt.Errorf("%s argument %d: %w", d.Name, i, err)
		}
		c.args[i] = arg
	}

	if err := fn(c); err != nil {
		return err
	}
	if err := c.checkReturn(); err != nil {
		return err
	}
	for _, r := range c.ret {
		if err := s.PushValue(r); err != nil {
			return err
		}
	}
	return nil
}

func popArg(s *vm.Stack, t vm.ActionType) ([]vm.Value, error) {
	switch {
	case t == vm.ActionAction:
		return nil, nil
	case t == vm.ActionVector:
		vec, err := s.PopVector()
		if err != nil {
			return nil, err
		}
		return []vm.Value{vm.FloatValue(vec.X), vm.FloatValue(vec.Y), vm.FloatValue(vec.Z)}, nil
	case t.IsEngine():
		r, err := s.PopEngineStructure(int(t - vm.ActionEngine0))
		if err != nil {
			return nil, err
		}
		return []vm.Value{vm.EngineValue(r)}, nil
	}

	want := t.CellTypes()[0]
	if got := s.TopType(); got != want {
		if got == vm.TypeInvalid {
			return nil, vm.ErrStackUnderflow
		}
		return nil, fmt.Errorf("%w: want %s, top of stack is %s", vm.ErrStackTypeMismatch, want, got)
	}
	val, err := s.PopValue()
	if err != nil {
		return nil, err
	}
	return []vm.Value{val}, nil
}

// ---------------------------------------------------------------------------
// vm.FastActionHandler
// ---------------------------------------------------------------------------

// ExecuteActionFast runs the action over a slot array laid out by
// vm.BuildFastCall: arguments in declaration order, then the return value.
func (h *Host) ExecuteActionFast(v *vm.VM, id int, argc int, cmds []vm.FastCommand, slots []vm.Value) error {
	d, fn, err := h.lookup(id, argc)
	if err != nil {
		return err
	}

	c := &Call{VM: v, Def: d, Argc: argc, host: h, args: make([][]vm.Value, argc)}
	base := 0
	for i := 0; i < argc; i++ {
		n := vm.GetTypeSize(d.Params[i])
		if base+n > len(slots) {
			return fmt.Errorf("%w: %s: %d slots for %d arguments", vm.ErrInvalidStackAccess, d.Name, len(slots), argc)
		}
		c.args[i] = slots[base : base+n]
		base += n
	}

	if err := fn(c); err != nil {
		return err
	}
	if err := c.checkReturn(); err != nil {
		return err
	}
	if base+len(c.ret) > len(slots) {
		return fmt.Errorf("%w: %s: no slot for the return value", vm.ErrInvalidStackAccess, d.Name)
	}
	copy(slots[base:], c.ret)
	return nil
}

// ---------------------------------------------------------------------------
// InlineScheduler
// ---------------------------------------------------------------------------

// ErrNoScheduler is returned by InlineScheduler for work it cannot run.
var ErrNoScheduler = errors.New("no script scheduler")

// InlineScheduler runs assigned and delayed commands immediately, ignoring
// the delay. It cannot run scripts by name.
type InlineScheduler struct{}

func (InlineScheduler) AssignCommand(v *vm.VM, sit *vm.Situation, target vm.ObjectID) error {
	_, err := v.ResumeSituation(sit, target)
	return err
}

func (InlineScheduler) DelayCommand(v *vm.VM, sit *vm.Situation, _ time.Duration) error {
	_, err := v.ResumeSituation(sit, sit.Self)
	return err
}

func (InlineScheduler) ExecuteScript(_ *vm.VM, name string, _ vm.ObjectID) error {
	return fmt.Errorf("%w: cannot run %q", ErrNoScheduler, name)
}
