package actions

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

func mustID(t *testing.T, table *vm.ActionTable, name string) uint16 {
	t.Helper()
	d, ok := table.ByName(name)
	if !ok {
		t.Fatalf("%s not in table", name)
	}
	return uint16(d.ID)
}

// invoke runs an action through the stack convention. args are cells in
// declaration order, vectors as x, y, z; the result is what the action left
// on the stack.
func invoke(t *testing.T, h *Host, name string, args ...vm.Value) []vm.Value {
	t.Helper()
	d, ok := h.Table().ByName(name)
	if !ok {
		t.Fatalf("%s not in table", name)
	}

	var starts []int
	n := 0
	for _, p := range d.Params {
		if n >= len(args) {
			break
		}
		starts = append(starts, n)
		n += vm.GetTypeSize(p)
	}

	s := vm.NewStack()
	for i := len(starts) - 1; i >= 0; i-- {
		for j := 0; j < vm.GetTypeSize(d.Params[i]); j++ {
			if err := s.PushValue(args[starts[i]+j]); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := h.ExecuteAction(nil, s, d.ID, len(starts)); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return s.Values()
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

func TestDefaultDefinitions(t *testing.T) {
	table := DefaultDefinitions()
	if table.MaxID() != vm.DefaultMaxActionID {
		t.Errorf("MaxID = %d", table.MaxID())
	}
	d, ok := table.Lookup(59)
	if !ok || d.Name != "GetStringLength" || d.Return != vm.ActionInt {
		t.Fatalf("ordinal 59 = %v", d)
	}
	d, _ = table.ByName("FloatToString")
	if d.MinParams != 1 || len(d.Params) != 3 {
		t.Errorf("FloatToString takes %d..%d", d.MinParams, len(d.Params))
	}
	d, _ = table.ByName("DelayCommand")
	if d.Fast() {
		t.Error("DelayCommand allows fast calls")
	}

	h := NewHost(table)
	for _, d := range table.Definitions() {
		if !h.Implemented(d.ID) {
			t.Errorf("%s has no implementation", d.Name)
		}
	}
}

func TestLoadDefinitions(t *testing.T) {
	const src = `
max_id: 16
actions:
  - {id: 5, name: GetStringLength, return: int, params: [string]}
  - {id: 7, name: DelayCommand, params: [float, action]}
  - {id: 9, name: ApplyEffect, params: [effect, object, float], required: 2}
`
	table, err := LoadDefinitions(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 3 || table.MaxID() != 16 {
		t.Errorf("Len %d MaxID %d", table.Len(), table.MaxID())
	}
	d, _ := table.Lookup(9)
	if d.Params[0] != vm.ActionEngine(vm.EngineEffect) || d.MinParams != 2 || d.ParamBytes(3) != 12 {
		t.Errorf("ApplyEffect = %v, min %d", d, d.MinParams)
	}
}

func TestLoadDefinitionsErrors(t *testing.T) {
	tests := []struct {
		name, src string
	}{
		{"unknown field", "actions:\n  - {id: 1, name: A, flavour: x}\n"},
		{"bad type", "actions:\n  - {id: 1, name: A, params: [struct]}\n"},
		{"void param", "actions:\n  - {id: 1, name: A, params: [void]}\n"},
		{"no name", "actions:\n  - {id: 1}\n"},
		{"duplicate", "actions:\n  - {id: 1, name: A}\n  - {id: 1, name: B}\n"},
		{"not yaml", "actions: [\n"},
	}
	for _, tt := range tests {
		if _, err := LoadDefinitions(strings.NewReader(tt.src)); err == nil {
			t.Errorf("%s: no error", tt.name)
		}
	}
}

func TestWriteDefinitionsRoundTrip(t *testing.T) {
	table := DefaultDefinitions()
	var buf bytes.Buffer
	if err := WriteDefinitions(&buf, table); err != nil {
		t.Fatal(err)
	}
	again, err := LoadDefinitions(&buf)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, buf.String())
	}
	if again.Len() != table.Len() {
		t.Fatalf("reloaded %d actions, want %d", again.Len(), table.Len())
	}
	for _, d := range table.Definitions() {
		r, ok := again.Lookup(d.ID)
		if !ok || r.String() != d.String() || r.MinParams != d.MinParams {
			t.Errorf("%v reloaded as %v", d, r)
		}
	}
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func TestPrintActions(t *testing.T) {
	var out bytes.Buffer
	h := NewHost(DefaultDefinitions(), WithOutput(&out))
	invoke(t, h, "PrintString", vm.StringValue("hi"))
	invoke(t, h, "PrintInteger", vm.IntValue(42))
	invoke(t, h, "PrintFloat", vm.FloatValue(1.5), vm.IntValue(0), vm.IntValue(2))
	invoke(t, h, "PrintObject", vm.ObjectValue(vm.ObjectInvalid))

	want := "hi\n42\n1.50\n7f000000\n"
	if out.String() != want {
		t.Errorf("output %q, want %q", out.String(), want)
	}

	got := invoke(t, h, "FloatToString", vm.FloatValue(2))
	if got[0].Str != "       2.000000000" {
		t.Errorf("FloatToString(2.0) = %q", got[0].Str)
	}
}

func TestStringActions(t *testing.T) {
	h := NewHost(DefaultDefinitions())
	s, i := vm.StringValue, vm.IntValue

	tests := []struct {
		name string
		args []vm.Value
		want vm.Value
	}{
		{"GetStringLength", []vm.Value{s("hello")}, i(5)},
		{"GetStringUpperCase", []vm.Value{s("MiXed")}, s("MIXED")},
		{"GetStringLowerCase", []vm.Value{s("MiXed")}, s("mixed")},
		{"GetStringRight", []vm.Value{s("hello"), i(3)}, s("llo")},
		{"GetStringRight", []vm.Value{s("hello"), i(9)}, s("hello")},
		{"GetStringLeft", []vm.Value{s("hello"), i(2)}, s("he")},
		{"GetStringLeft", []vm.Value{s("hello"), i(-1)}, s("")},
		{"InsertString", []vm.Value{s("held"), s("llo wor"), i(2)}, s("hello world")},
		{"InsertString", []vm.Value{s("abc"), s("x"), i(4)}, s("")},
		{"GetSubString", []vm.Value{s("hello"), i(1), i(3)}, s("ell")},
		{"GetSubString", []vm.Value{s("hello"), i(3), i(10)}, s("lo")},
		{"GetSubString", []vm.Value{s("hello"), i(5), i(1)}, s("")},
		{"FindSubString", []vm.Value{s("banana"), s("an")}, i(1)},
		{"FindSubString", []vm.Value{s("banana"), s("an"), i(2)}, i(3)},
		{"FindSubString", []vm.Value{s("banana"), s("x")}, i(-1)},
		{"IntToString", []vm.Value{i(-12)}, s("-12")},
		{"StringToInt", []vm.Value{s(" 42abc")}, i(42)},
		{"StringToInt", []vm.Value{s("abc")}, i(0)},
		{"StringToFloat", []vm.Value{s("2.5x")}, vm.FloatValue(2.5)},
	}
	for _, tt := range tests {
		got := invoke(t, h, tt.name, tt.args...)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.args, got, tt.want)
		}
	}
}

func TestMathActions(t *testing.T) {
	h := NewHost(DefaultDefinitions())
	f := vm.FloatValue

	tests := []struct {
		name string
		args []vm.Value
		want float32
	}{
		{"fabs", []vm.Value{f(-2)}, 2},
		{"cos", []vm.Value{f(0)}, 1},
		{"sin", []vm.Value{f(90)}, 1},
		{"acos", []vm.Value{f(1)}, 0},
		{"sqrt", []vm.Value{f(16)}, 4},
		{"sqrt", []vm.Value{f(-1)}, 0},
		{"log", []vm.Value{f(0)}, 0},
		{"pow", []vm.Value{f(2), f(10)}, 1024},
		{"IntToFloat", []vm.Value{vm.IntValue(3)}, 3},
		{"VectorMagnitude", []vm.Value{f(3), f(4), f(0)}, 5},
	}
	for _, tt := range tests {
		got := invoke(t, h, tt.name, tt.args...)
		if len(got) != 1 || got[0].Float != tt.want {
			t.Errorf("%s%v = %v, want %g", tt.name, tt.args, got, tt.want)
		}
	}

	if got := invoke(t, h, "abs", vm.IntValue(-7)); got[0].Int != 7 {
		t.Errorf("abs(-7) = %v", got)
	}
	if got := invoke(t, h, "FloatToInt", f(-2.9)); got[0].Int != -2 {
		t.Errorf("FloatToInt(-2.9) = %v", got)
	}
}

func TestRandomIsSeeded(t *testing.T) {
	a := NewHost(DefaultDefinitions(), WithSeed(7))
	b := NewHost(DefaultDefinitions(), WithSeed(7))
	for n := 0; n < 20; n++ {
		x := invoke(t, a, "Random", vm.IntValue(10))[0].Int
		y := invoke(t, b, "Random", vm.IntValue(10))[0].Int
		if x != y || x < 0 || x >= 10 {
			t.Fatalf("Random(10) = %d and %d", x, y)
		}
	}
	if got := invoke(t, a, "Random", vm.IntValue(0))[0].Int; got != 0 {
		t.Errorf("Random(0) = %d", got)
	}
}

func TestDefineAndNotImplemented(t *testing.T) {
	table, err := LoadDefinitions(strings.NewReader("actions:\n  - {id: 3, name: SpeakString, params: [string]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHost(table)

	s := vm.NewStack()
	s.PushString("x")
	if err := h.ExecuteAction(nil, s, 3, 1); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}

	var spoken []string
	if err := h.Define("SpeakString", func(c *Call) error {
		spoken = append(spoken, c.Str(0))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.ExecuteAction(nil, s, 3, 1); err != nil {
		t.Fatal(err)
	}
	if len(spoken) != 1 || spoken[0] != "x" {
		t.Errorf("spoken = %v", spoken)
	}
	if err := h.Define("Nope", func(*Call) error { return nil }); err == nil {
		t.Error("Define of an unknown action succeeded")
	}
}

func TestDeclaredReturnTypeIsEnforced(t *testing.T) {
	h := NewHost(DefaultDefinitions())
	h.Define("GetStringLength", func(c *Call) error {
		c.ReturnString("five")
		return nil
	})
	s := vm.NewStack()
	s.PushString("hello")
	if err := h.ExecuteAction(nil, s, 59, 1); !errors.Is(err, vm.ErrStackTypeMismatch) {
		t.Errorf("err = %v, want ErrStackTypeMismatch", err)
	}
}

func TestFastCallMatchesStackCall(t *testing.T) {
	h := NewHost(DefaultDefinitions())
	cases := []struct {
		name string
		args []vm.Value
	}{
		{"GetSubString", []vm.Value{vm.StringValue("hello"), vm.IntValue(1), vm.IntValue(3)}},
		{"VectorNormalize", []vm.Value{vm.FloatValue(0), vm.FloatValue(3), vm.FloatValue(4)}},
		{"pow", []vm.Value{vm.FloatValue(3), vm.FloatValue(2)}},
	}
	for _, tt := range cases {
		d, _ := h.Table().ByName(tt.name)
		argc := len(d.Params)
		want := invoke(t, h, tt.name, tt.args...)

		cmds, n, err := vm.BuildFastCall(d, argc)
		if err != nil {
			t.Fatal(err)
		}
		slots := make([]vm.Value, n)
		copy(slots, tt.args)
		if err := h.ExecuteActionFast(nil, d.ID, argc, cmds, slots); err != nil {
			t.Fatalf("%s fast: %v", tt.name, err)
		}
		got := slots[len(tt.args):]
		if len(got) != len(want) {
			t.Fatalf("%s: fast returned %v, stack %v", tt.name, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("%s: fast returned %v, stack %v", tt.name, got, want)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

func runBoth(t *testing.T, table *vm.ActionTable, h *Host, b *ncs.Builder) []int32 {
	t.Helper()
	p, err := ncs.Decode("test", b.MustBytes())
	if err != nil {
		t.Fatal(err)
	}
	compiled, err := vm.Compile(p, table)
	if err != nil {
		t.Fatal(err)
	}
	var codes []int32
	for _, exe := range []vm.Executable{vm.Interpret(p), compiled} {
		code, err := vm.NewVM(table, h).ExecuteScript(exe, 0x10, nil, -1)
		if err != nil {
			t.Fatal(err)
		}
		codes = append(codes, code)
	}
	return codes
}

func TestGetStringLengthScript(t *testing.T) {
	table, err := LoadDefinitions(strings.NewReader("actions:\n  - {id: 5, name: GetStringLength, return: int, params: [string]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	b := ncs.NewBuilder().ConstString("hello").Action(5, 1).Retn()
	for _, code := range runBoth(t, table, NewHost(table), b) {
		if code != 5 {
			t.Errorf("script returned %d, want 5", code)
		}
	}
}

func TestDelayCommandRunsInline(t *testing.T) {
	var out bytes.Buffer
	table := DefaultDefinitions()
	h := NewHost(table, WithOutput(&out))
	printID := mustID(t, table, "PrintString")

	b := ncs.NewBuilder().
		StoreState(0, 0).
		Jump(ncs.OpJmp, "schedule").
		ConstString("later").
		Action(printID, 1).
		Retn().
		Label("schedule").
		ConstFloat(2).
		Action(mustID(t, table, "DelayCommand"), 2).
		ConstString("now").
		Action(printID, 1).
		Retn()
	runBoth(t, table, h, b)

	if want := "later\nnow\nlater\nnow\n"; out.String() != want {
		t.Errorf("output %q, want %q", out.String(), want)
	}
}

func TestExecuteScriptWithoutSchedulerContinues(t *testing.T) {
	var out bytes.Buffer
	table := DefaultDefinitions()
	h := NewHost(table, WithOutput(&out))

	b := ncs.NewBuilder().
		ConstObject(0).
		ConstString("other").
		Action(mustID(t, table, "ExecuteScript"), 2).
		ConstString("after").
		Action(mustID(t, table, "PrintString"), 1).
		ConstInt(1).
		Retn()
	for _, code := range runBoth(t, table, h, b) {
		if code != 1 {
			t.Errorf("returned %d, want 1", code)
		}
	}
	if out.String() != "after\nafter\n" {
		t.Errorf("output %q", out.String())
	}
}
