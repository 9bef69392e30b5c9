package vm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/tliron/commonlog"
)

// DebugLevel selects how much execution detail is written to the log.
type DebugLevel int

const (
	DebugNone   DebugLevel = iota // nothing
	DebugErrors                   // script failures
	DebugCalls                    // script entries, exits and action calls
	DebugAll                      // every instruction
)

// Config bounds script execution.
type Config struct {
	MaxCallDepth      int // JSR nesting within one script
	MaxLoopIterations int // backward branches per subroutine activation
	MaxRecursion      int // nested script entries through action handlers
	DebugLevel        DebugLevel
}

// DefaultConfig returns the limits of the stock server.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:      128,
		MaxLoopIterations: 100000,
		MaxRecursion:      8,
		DebugLevel:        DebugErrors,
	}
}

// VM executes scripts. A VM runs one logical thread at a time: action
// handlers may re-enter it, but it must not be used from two goroutines
// at once.
type VM struct {
	config  Config
	actions *ActionTable
	handler ActionHandler
	fast    FastActionHandler
	engines EngineFactory
	log     commonlog.Logger

	frames  []*frame
	aborted atomic.Bool

	instructions atomic.Uint64
	actionCalls  atomic.Uint64
}

// Option configures a VM.
type Option func(*VM)

// WithConfig replaces the default limits.
func WithConfig(c Config) Option {
	return func(vm *VM) { vm.config = c }
}

// WithEngineFactory sets the factory RSADD uses for engine structures.
func WithEngineFactory(f EngineFactory) Option {
	return func(vm *VM) { vm.engines = f }
}

// WithLogger sets the diagnostic sink.
func WithLogger(l commonlog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// NewVM creates a VM dispatching actions through table and handler. If
// handler also implements FastActionHandler, compiled code uses it for
// fast action calls.
func NewVM(table *ActionTable, handler ActionHandler, opts ...Option) *VM {
	vm := &VM{
		config:  DefaultConfig(),
		actions: table,
		handler: handler,
		engines: BasicEngineFactory{},
		log:     commonlog.GetLogger("nwvm.vm"),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if fh, ok := handler.(FastActionHandler); ok {
		vm.fast = fh
	}
	d := DefaultConfig()
	if vm.config.MaxCallDepth <= 0 {
		vm.config.MaxCallDepth = d.MaxCallDepth
	}
	if vm.config.MaxLoopIterations <= 0 {
		vm.config.MaxLoopIterations = d.MaxLoopIterations
	}
	if vm.config.MaxRecursion <= 0 {
		vm.config.MaxRecursion = d.MaxRecursion
	}
	return vm
}

// Config returns the VM's limits.
func (vm *VM) Config() Config { return vm.config }

// Actions returns the action table.
func (vm *VM) Actions() *ActionTable { return vm.actions }

// Depth returns the number of script entries currently running.
func (vm *VM) Depth() int { return len(vm.frames) }

// Abort requests that the running script chain stop. It is observed after
// the current action call returns.
func (vm *VM) Abort() { vm.aborted.Store(true) }

// Aborted reports whether an abort is pending.
func (vm *VM) Aborted() bool { return vm.aborted.Load() }

// Self returns the acting object of the innermost running script.
func (vm *VM) Self() ObjectID {
	if f := vm.current(); f != nil {
		return f.self
	}
	return ObjectInvalid
}

// CurrentScript returns the name of the innermost running script.
func (vm *VM) CurrentScript() string {
	if f := vm.current(); f != nil {
		return f.prog.Name
	}
	return ""
}

// TakeSavedState hands the situation captured by the last STORE_STATE of
// the innermost script to the caller. Action handlers for action-typed
// parameters (DelayCommand, AssignCommand) call this.
func (vm *VM) TakeSavedState() (*Situation, bool) {
	f := vm.current()
	if f == nil || f.saved == nil {
		return nil, false
	}
	s := f.saved
	f.saved = nil
	return s, true
}

// Stats returns the number of instructions and action calls executed.
func (vm *VM) Stats() (instructions, actionCalls uint64) {
	return vm.instructions.Load(), vm.actionCalls.Load()
}

func (vm *VM) current() *frame {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.frames[len(vm.frames)-1]
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// ExecuteScript runs exe from its entry point. params are pushed last to
// first, so the first parameter ends on top. The result is the int left on
// top of the stack when the script returns, or defaultReturn if there is
// none. On failure defaultReturn is returned with the error.
func (vm *VM) ExecuteScript(exe Executable, self ObjectID, params []Value, defaultReturn int32) (int32, error) {
	f := newFrame(vm, exe, NewStack(), self)
	for i := len(params) - 1; i >= 0; i-- {
		if err := f.stack.PushValue(params[i]); err != nil {
			f.stack.Clear()
			return defaultReturn, vm.fail(f, fmt.Errorf("parameter %d: %w", i, err))
		}
	}
	return vm.run(f, 0, defaultReturn)
}

// ResumeSituation consumes s and continues it at its resume PC. A second
// resume of the same situation fails with ErrUseAfterConsume and has no
// effect.
func (vm *VM) ResumeSituation(s *Situation, self ObjectID) (int32, error) {
	if s.exe == nil {
		return 0, fmt.Errorf("situation for %s is not bound to a program", s.Script)
	}
	start, ok := s.exe.Program().IndexOf(s.ResumePC)
	if !ok {
		return 0, fmt.Errorf("%w: resume pc 0x%08X in %s", ErrInvalidPC, s.ResumePC, s.Script)
	}
	if err := s.Consume(); err != nil {
		return 0, err
	}

	f := newFrame(vm, s.exe, s.stack, self)
	f.state = StateSuspended
	s.stack = nil
	if err := f.stack.SetBP(int32(s.GlobalCells * ncs.CellSize)); err != nil {
		f.stack.Clear()
		return 0, vm.fail(f, err)
	}
	return vm.run(f, start, 0)
}

func (vm *VM) run(f *frame, start int, defaultReturn int32) (code int32, err error) {
	if len(vm.frames) >= vm.config.MaxRecursion {
		f.stack.Clear()
		return defaultReturn, vm.fail(f, ErrRecursionLimitExceeded)
	}
	if len(vm.frames) == 0 {
		vm.aborted.Store(false)
	}
	vm.frames = append(vm.frames, f)
	f.state = StateRunning
	if vm.config.DebugLevel >= DebugCalls {
		vm.log.Debugf("enter %s at pc 0x%08X, self %s, depth %d",
			f.prog.Name, f.prog.Instructions[start].PC, f.self, len(vm.frames))
	}

	defer func() {
		if r := recover(); r != nil {
			f.state = StateAborted
			code, err = defaultReturn, vm.fail(f, fmt.Errorf("internal error: %v", r))
		}
		vm.frames = vm.frames[:len(vm.frames)-1]
		f.discardSaved()
		f.stack.Clear()
	}()

	if err := f.exe.execute(f, start); err != nil {
		f.state = StateAborted
		return defaultReturn, vm.fail(f, err)
	}

	f.state = StateCompleted
	code = defaultReturn
	if f.stack.TopType() == TypeInt {
		code, _ = f.stack.PopInt()
	}
	if vm.config.DebugLevel >= DebugCalls {
		vm.log.Debugf("exit %s with %d", f.prog.Name, code)
	}
	return code, nil
}

// fail attaches the failing location to err and logs it.
func (vm *VM) fail(f *frame, err error) error {
	var se *ScriptError
	if !errors.As(err, &se) {
		se = &ScriptError{Script: f.prog.Name, PC: f.pc, Err: err}
		if file, line, ok := f.prog.SourceLocation(f.pc); ok {
			se.File, se.Line = file, line
		}
		err = se
	}
	if vm.config.DebugLevel >= DebugErrors {
		if IsAbort(err) {
			vm.log.Infof("%s", err)
		} else {
			vm.log.Errorf("%s", err)
		}
	}
	return err
}
