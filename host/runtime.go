package host

import (
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/vm"
)

// Flags modify ExecuteScript.
type Flags uint32

const (
	// FlagRaiseOnFailure returns script failures to the caller instead of
	// logging them and returning the default code.
	FlagRaiseOnFailure Flags = 1 << iota
)

// Runtime is the script execution context of a host: one VM, the script
// cache and the deferred situations. It is not safe for concurrent use;
// share it through a Worker.
type Runtime struct {
	vm         *vm.VM
	cache      *ScriptCache
	situations *SituationManager
	timers     TimerManager
	log        commonlog.Logger
}

// Options configure a Runtime.
type Options struct {
	VM      vm.Config
	Policy  JITPolicy
	Timers  TimerManager
	Engines vm.EngineFactory
}

// DefaultOptions compiles every script on load with the stock limits.
// Timers are manual: deferred situations fire only when the host advances
// them on the goroutine that owns the runtime. For real time, pass
// WallClockTimers dispatching through a Worker. A zero Options means the
// same.
func DefaultOptions() Options {
	return Options{VM: vm.DefaultConfig(), Policy: SizeThresholdPolicy{}}
}

// NewRuntime builds a runtime over the action table and handler, loading
// scripts from provider.
func NewRuntime(table *vm.ActionTable, handler vm.ActionHandler, provider ResourceProvider, opts Options) *Runtime {
	if opts.VM == (vm.Config{}) {
		opts.VM = vm.DefaultConfig()
	}
	if opts.Policy == nil {
		opts.Policy = SizeThresholdPolicy{}
	}
	if opts.Timers == nil {
		opts.Timers = NewManualTimers()
	}
	vmOpts := []vm.Option{vm.WithConfig(opts.VM)}
	if opts.Engines != nil {
		vmOpts = append(vmOpts, vm.WithEngineFactory(opts.Engines))
	}

	rt := &Runtime{
		vm:    vm.NewVM(table, handler, vmOpts...),
		cache: NewScriptCache(provider, table, opts.Policy),
		log:   commonlog.GetLogger("nwvm.host"),
	}
	rt.timers = opts.Timers
	rt.situations = NewSituationManager(opts.Timers, rt.runDeferred)
	return rt
}

func (rt *Runtime) VM() *vm.VM { return rt.vm }

func (rt *Runtime) Cache() *ScriptCache { return rt.cache }

func (rt *Runtime) Situations() *SituationManager { return rt.situations }

func (rt *Runtime) Timers() TimerManager { return rt.timers }

// LoadScript loads a script into the cache without running it.
func (rt *Runtime) LoadScript(name string) (*ScriptEntry, error) { return rt.cache.Load(name) }

// ExecuteScript runs a script by name on self. params are the arguments
// of a parameterized main. The result is the script's int return value or
// defaultReturn. Failures are logged and produce defaultReturn unless
// FlagRaiseOnFailure is set.
func (rt *Runtime) ExecuteScript(name string, self vm.ObjectID, params []vm.Value, defaultReturn int32, flags Flags) (int32, error) {
	outermost := rt.vm.Depth() == 0

	e, err := rt.cache.Load(name)
	if err != nil {
		return rt.failed(name, defaultReturn, flags, err)
	}
	exe := rt.cache.Executable(e)

	start := time.Now()
	code, err := rt.vm.ExecuteScript(exe, self, params, defaultReturn)
	e.record(time.Since(start))

	if outermost {
		rt.situations.InitiatePending()
	}
	if err != nil {
		return rt.failed(name, defaultReturn, flags, err)
	}
	return code, nil
}

// ExecuteScriptSituation resumes a saved situation on self.
func (rt *Runtime) ExecuteScriptSituation(sit *vm.Situation, self vm.ObjectID) error {
	outermost := rt.vm.Depth() == 0

	e, cached := rt.cache.Lookup(sit.Script)
	start := time.Now()
	_, err := rt.vm.ResumeSituation(sit, self)
	if cached {
		e.situations.Add(1)
		e.record(time.Since(start))
	}

	if outermost {
		rt.situations.InitiatePending()
	}
	return err
}

func (rt *Runtime) failed(name string, defaultReturn int32, flags Flags, err error) (int32, error) {
	switch {
	case vm.IsAbort(err):
		rt.log.Infof("script %s aborted", name)
	case errors.Is(err, ErrScriptUnavailable):
		rt.log.Warningf("%s", err)
	default:
		rt.log.Errorf("script %s failed: %s", name, err)
	}
	if flags&FlagRaiseOnFailure != 0 {
		return defaultReturn, err
	}
	return defaultReturn, nil
}

func (rt *Runtime) runDeferred(d *Deferred) {
	if err := rt.ExecuteScriptSituation(d.Situation, d.Target); err != nil {
		rt.log.Errorf("deferred situation %s of %s failed: %s", d.ID, d.Situation.Script, err)
	}
}

// ClearScriptCache drops every cached script and cancels every deferred
// situation. Scripts already running keep their programs.
func (rt *Runtime) ClearScriptCache() {
	n := rt.situations.CancelAll()
	rt.cache.Clear()
	rt.log.Infof("script cache cleared, %d deferred situations cancelled", n)
}

// DestroyObject cancels the deferred situations that would run on obj.
func (rt *Runtime) DestroyObject(obj vm.ObjectID) int {
	return rt.situations.CancelForObject(obj)
}

// Abort stops the running script at its next action boundary.
func (rt *Runtime) Abort() { rt.vm.Abort() }

// DumpStatistics logs the per-script counters, most called first, and
// returns them.
func (rt *Runtime) DumpStatistics() []ScriptStats {
	stats := rt.cache.Stats()
	instructions, actionCalls := rt.vm.Stats()
	pending, active := rt.situations.Counts()
	rt.log.Infof("%d scripts cached, %d instructions, %d action calls, %d/%d situations pending/active",
		len(stats), instructions, actionCalls, pending, active)
	for _, s := range stats {
		mode := "interpreted"
		switch {
		case s.Broken:
			mode = "broken"
		case s.Compiled:
			mode = "compiled"
		}
		rt.log.Infof("  %-32s %-11s calls=%d situations=%d runtime=%s cost=%d",
			s.Name, mode, s.Calls, s.Situations, s.Runtime, s.MemoryCost)
	}
	return stats
}

// ---------------------------------------------------------------------------
// actions.Scheduler
// ---------------------------------------------------------------------------

// Scheduler returns the runtime's actions.Scheduler. Assigned and delayed
// commands wait in the situation manager until the outermost script
// returns.
func (rt *Runtime) Scheduler() *Scheduler { return &Scheduler{rt: rt} }

// Scheduler implements actions.Scheduler over a Runtime.
type Scheduler struct {
	rt *Runtime
}

func (s *Scheduler) AssignCommand(_ *vm.VM, sit *vm.Situation, target vm.ObjectID) error {
	s.rt.situations.Defer(sit, target, 0)
	return nil
}

func (s *Scheduler) DelayCommand(_ *vm.VM, sit *vm.Situation, delay time.Duration) error {
	s.rt.situations.Defer(sit, sit.Self, delay)
	return nil
}

// ExecuteScript runs a nested script on target. Its failure does not fail
// the caller; an abort still reaches the caller through the VM.
func (s *Scheduler) ExecuteScript(_ *vm.VM, name string, target vm.ObjectID) error {
	if _, err := s.rt.ExecuteScript(name, target, nil, -1, 0); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	return nil
}
