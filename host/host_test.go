package host

import (
	"bytes"
	"testing"

	"github.com/chazu/nwvm/actions"
	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

// policies runs every execution test interpreted and compiled.
var policies = []struct {
	name   string
	policy JITPolicy
}{
	{"interpreted", InterpretOnly{}},
	{"compiled", SizeThresholdPolicy{}},
}

func addScript() []byte {
	return ncs.NewBuilder().
		ConstInt(2).
		ConstInt(3).
		Op(ncs.OpAdd, ncs.TypeIntInt).
		Retn().
		MustBytes()
}

type fixture struct {
	table    *vm.ActionTable
	provider *MemoryProvider
	timers   *ManualTimers
	out      bytes.Buffer
	rt       *Runtime
}

func newFixture(t *testing.T, policy JITPolicy) *fixture {
	t.Helper()
	fx := &fixture{
		table:    actions.DefaultDefinitions(),
		provider: NewMemoryProvider(),
		timers:   NewManualTimers(),
	}
	h := actions.NewHost(fx.table, actions.WithOutput(&fx.out), actions.WithSeed(1))
	opts := DefaultOptions()
	opts.Policy = policy
	opts.Timers = fx.timers
	fx.rt = NewRuntime(fx.table, h, fx.provider, opts)
	h.SetScheduler(fx.rt.Scheduler())
	return fx
}

func (fx *fixture) id(t *testing.T, name string) uint16 {
	t.Helper()
	d, ok := fx.table.ByName(name)
	if !ok {
		t.Fatalf("no action %s", name)
	}
	return uint16(d.ID)
}

// delayScript prints "now" and, two seconds later, "later".
func (fx *fixture) delayScript(t *testing.T) []byte {
	printID := fx.id(t, "PrintString")
	return ncs.NewBuilder().
		StoreState(0, 0).
		Jump(ncs.OpJmp, "schedule").
		ConstString("later").
		Action(printID, 1).
		Retn().
		Label("schedule").
		ConstFloat(2).
		Action(fx.id(t, "DelayCommand"), 2).
		ConstString("now").
		Action(printID, 1).
		Retn().
		MustBytes()
}

// assignScript has object 0x20 print "assigned" once the script returns.
func (fx *fixture) assignScript(t *testing.T) []byte {
	return ncs.NewBuilder().
		StoreState(0, 0).
		Jump(ncs.OpJmp, "assign").
		ConstString("assigned").
		Action(fx.id(t, "PrintString"), 1).
		Retn().
		Label("assign").
		ConstObject(0x20).
		Action(fx.id(t, "AssignCommand"), 2).
		Retn().
		MustBytes()
}

// captureSituation runs a script that saves its state and returns the
// situation, bound to an interpreted program named name.
func captureSituation(t *testing.T, name string) *vm.Situation {
	t.Helper()
	table, err := vm.NewActionTable(4, []vm.ActionDefinition{
		{ID: 0, Name: "Capture", Params: []vm.ActionType{vm.ActionAction}, MinParams: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	var sit *vm.Situation
	handler := vm.ActionHandlerFunc(func(v *vm.VM, _ *vm.Stack, _ int, _ int) error {
		sit, _ = v.TakeSavedState()
		return nil
	})
	p, err := ncs.Decode(name, ncs.NewBuilder().
		StoreState(0, 0).
		Jump(ncs.OpJmp, "go").
		Retn().
		Label("go").
		Action(0, 1).
		Retn().
		MustBytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vm.NewVM(table, handler).ExecuteScript(vm.Interpret(p), 1, nil, 0); err != nil {
		t.Fatal(err)
	}
	if sit == nil {
		t.Fatal("no situation captured")
	}
	return sit
}
