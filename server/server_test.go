package server

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/nwvm/actions"
	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Each test gets its own runtime, worker and HTTP server. Timers are
// manual and advanced on the worker.
// ---------------------------------------------------------------------------

type testEnv struct {
	table    *vm.ActionTable
	provider *host.MemoryProvider
	timers   *host.ManualTimers
	out      bytes.Buffer
	worker   *host.Worker
	server   *ScriptServer
	http     *httptest.Server
	client   *Client
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	return newTestEnvWith(t, nil, opts...)
}

// newTestEnvWith serves scripts from the env's memory provider, then from
// extra.
func newTestEnvWith(t *testing.T, extra host.ResourceProvider, opts ...ServerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		table:    actions.DefaultDefinitions(),
		provider: host.NewMemoryProvider(),
		timers:   host.NewManualTimers(),
	}
	var provider host.ResourceProvider = env.provider
	if extra != nil {
		provider = host.ChainProvider{env.provider, extra}
	}

	h := actions.NewHost(env.table, actions.WithOutput(&env.out), actions.WithSeed(1))
	hostOpts := host.DefaultOptions()
	hostOpts.Timers = env.timers
	rt := host.NewRuntime(env.table, h, provider, hostOpts)
	h.SetScheduler(rt.Scheduler())

	env.worker = host.NewWorker(rt)
	env.server = New(env.worker, opts...)
	env.http = httptest.NewServer(env.server.Handler())
	env.client = NewClient(env.http.Client(), env.http.URL)
	t.Cleanup(func() {
		env.http.Close()
		env.server.Stop()
	})

	env.provider.Add("add", addScript(), nil)
	env.provider.Add("div", ncs.NewBuilder().
		ConstInt(1).
		ConstInt(0).
		Op(ncs.OpDiv, ncs.TypeIntInt).
		Retn().
		MustBytes(), nil)
	env.provider.Add("delay", env.delayScript(t), nil)
	return env
}

func addScript() []byte {
	return ncs.NewBuilder().
		ConstInt(2).
		ConstInt(3).
		Op(ncs.OpAdd, ncs.TypeIntInt).
		Retn().
		MustBytes()
}

func (env *testEnv) id(t *testing.T, name string) uint16 {
	t.Helper()
	d, ok := env.table.ByName(name)
	if !ok {
		t.Fatalf("no action %s", name)
	}
	return uint16(d.ID)
}

// delayScript prints "now" and, two seconds later, "later".
func (env *testEnv) delayScript(t *testing.T) []byte {
	printID := env.id(t, "PrintString")
	return ncs.NewBuilder().
		StoreState(0, 0).
		Jump(ncs.OpJmp, "schedule").
		ConstString("later").
		Action(printID, 1).
		Retn().
		Label("schedule").
		ConstFloat(2).
		Action(env.id(t, "DelayCommand"), 2).
		ConstString("now").
		Action(printID, 1).
		Retn().
		MustBytes()
}

// output reads what scripts printed, on the worker.
func (env *testEnv) output(t *testing.T) string {
	t.Helper()
	var s string
	if err := env.worker.Do(func(*host.Runtime) error { s = env.out.String(); return nil }); err != nil {
		t.Fatal(err)
	}
	return s
}

func (env *testEnv) advance(t *testing.T, d time.Duration) {
	t.Helper()
	if err := env.worker.Do(func(*host.Runtime) error { env.timers.Advance(d); return nil }); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) execute(t *testing.T, script string, self vm.ObjectID) Result {
	t.Helper()
	r, err := env.client.Execute(bg(), script, self, -1)
	if err != nil {
		t.Fatalf("Execute %s: %v", script, err)
	}
	return r
}

func bg() context.Context {
	return context.Background()
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("error code = %s, want %s (%v)", got, code, err)
	}
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

func TestExecute(t *testing.T) {
	env := newTestEnv(t)

	if r := env.execute(t, "add", 1); !r.OK() || r.Code != 5 {
		t.Errorf("add = %+v", r)
	}

	r, err := env.client.Execute(bg(), "div", 1, -3)
	if err != nil {
		t.Fatal(err)
	}
	if r.OK() || r.Code != -3 || !strings.Contains(r.Err, "division by zero") {
		t.Errorf("div = %+v", r)
	}

	if r := env.execute(t, "missing", 1); r.OK() || !strings.Contains(r.Err, "script unavailable") {
		t.Errorf("missing = %+v", r)
	}

	_, err = env.client.Execute(bg(), "", 1, 0)
	wantCode(t, err, connect.CodeInvalidArgument)
}

func TestExecuteRejectsBadArguments(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"self", map[string]any{"script": "add", "self": "not a number"}},
		{"negative self", map[string]any{"script": "add", "self": -1}},
		{"default", map[string]any{"script": "add", "default": 1.5}},
		{"params", map[string]any{"script": "add", "params": "2"}},
	}
	for _, tt := range tests {
		_, err := env.client.call(bg(), ExecuteProcedure, tt.fields)
		if connect.CodeOf(err) != connect.CodeInvalidArgument {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}

	resp, err := env.client.call(bg(), ExecuteProcedure, map[string]any{"script": "add", "self": "0x7f000000"})
	if err != nil || !boolArg(resp, "ok") {
		t.Errorf("hex self: %v, %v", resp, err)
	}
}

// ---------------------------------------------------------------------------
// Situations
// ---------------------------------------------------------------------------

func TestDeferredSituationRuns(t *testing.T) {
	env := newTestEnv(t)

	if r := env.execute(t, "delay", 0x10); !r.OK() {
		t.Fatalf("delay = %+v", r)
	}
	if got := env.output(t); got != "now\n" {
		t.Errorf("output = %q", got)
	}

	list, err := env.client.Situations(bg())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Script != "delay" || list[0].Target != 0x10 || list[0].Delay != 2*time.Second {
		t.Fatalf("situations = %+v", list)
	}

	env.advance(t, 2*time.Second)
	if got := env.output(t); got != "now\nlater\n" {
		t.Errorf("output = %q", got)
	}
	if list, _ := env.client.Situations(bg()); len(list) != 0 {
		t.Errorf("situations after firing = %+v", list)
	}
}

func TestDetachAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.execute(t, "delay", 0x10)
	list, err := env.client.Situations(bg())
	if err != nil || len(list) != 1 {
		t.Fatalf("situations = %+v, %v", list, err)
	}

	d, err := env.client.Detach(bg(), list[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Handle == "" || d.Script != "delay" || d.Target != 0x10 || len(d.Data) == 0 {
		t.Fatalf("detached = %+v", d)
	}
	if list, _ := env.client.Situations(bg()); len(list) != 0 {
		t.Errorf("detached situation still deferred: %+v", list)
	}

	// The detached situation no longer fires on its own.
	env.advance(t, time.Minute)
	if got := env.output(t); got != "now\n" {
		t.Errorf("output = %q", got)
	}

	if r, err := env.client.Resume(bg(), d.Handle, 0x10); err != nil || !r.OK() {
		t.Fatalf("Resume = %+v, %v", r, err)
	}
	if got := env.output(t); got != "now\nlater\n" {
		t.Errorf("output = %q", got)
	}
	_, err = env.client.Resume(bg(), d.Handle, 0x10)
	wantCode(t, err, connect.CodeNotFound)

	// The serialized copy resumes independently.
	if r, err := env.client.ResumeData(bg(), d.Data); err != nil || !r.OK() {
		t.Fatalf("ResumeData = %+v, %v", r, err)
	}
	if got := env.output(t); got != "now\nlater\nlater\n" {
		t.Errorf("output = %q", got)
	}

	_, err = env.client.ResumeData(bg(), []byte("junk"))
	wantCode(t, err, connect.CodeInvalidArgument)
	_, err = env.client.Detach(bg(), list[0].ID)
	wantCode(t, err, connect.CodeNotFound)
}

func TestReleaseAndSweep(t *testing.T) {
	env := newTestEnv(t)
	detach := func() Detached {
		t.Helper()
		env.execute(t, "delay", 0x10)
		list, err := env.client.Situations(bg())
		if err != nil || len(list) != 1 {
			t.Fatalf("situations = %+v, %v", list, err)
		}
		d, err := env.client.Detach(bg(), list[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}

	d := detach()
	if ok, err := env.client.Release(bg(), d.Handle); err != nil || !ok {
		t.Errorf("Release = %t, %v", ok, err)
	}
	if ok, _ := env.client.Release(bg(), d.Handle); ok {
		t.Error("released twice")
	}

	d = detach()
	handles := env.server.Handles()
	if n := handles.Sweep(time.Hour); n != 0 {
		t.Errorf("swept %d fresh handles", n)
	}
	if n := handles.Sweep(-time.Second); n != 1 {
		t.Errorf("swept %d handles, want 1", n)
	}
	_, err := env.client.Resume(bg(), d.Handle, 0x10)
	wantCode(t, err, connect.CodeNotFound)
}

func TestCancelAndDestroy(t *testing.T) {
	env := newTestEnv(t)
	env.execute(t, "delay", 0x10)
	env.execute(t, "delay", 0x11)
	env.execute(t, "delay", 0x11)

	list, err := env.client.Situations(bg())
	if err != nil || len(list) != 3 {
		t.Fatalf("situations = %+v, %v", list, err)
	}
	var first string
	for _, s := range list {
		if s.Target == 0x10 {
			first = s.ID
		}
	}
	if ok, err := env.client.CancelSituation(bg(), first); err != nil || !ok {
		t.Errorf("CancelSituation = %t, %v", ok, err)
	}
	if ok, _ := env.client.CancelSituation(bg(), first); ok {
		t.Error("cancelled twice")
	}
	if n, err := env.client.DestroyObject(bg(), 0x11); err != nil || n != 2 {
		t.Errorf("DestroyObject = %d, %v", n, err)
	}

	env.advance(t, time.Minute)
	if got := env.output(t); got != "now\nnow\nnow\n" {
		t.Errorf("output = %q", got)
	}

	_, err = env.client.CancelSituation(bg(), "nope")
	wantCode(t, err, connect.CodeInvalidArgument)
	_, err = env.client.call(bg(), DestroyObjectProcedure, nil)
	wantCode(t, err, connect.CodeInvalidArgument)
}

// ---------------------------------------------------------------------------
// Cache and control
// ---------------------------------------------------------------------------

func TestStatisticsAndClearCache(t *testing.T) {
	env := newTestEnv(t)
	env.execute(t, "add", 1)
	env.execute(t, "add", 1)
	env.execute(t, "div", 1)

	st, err := env.client.Statistics(bg())
	if err != nil {
		t.Fatal(err)
	}
	if st.Instructions == 0 {
		t.Error("no instructions counted")
	}
	if len(st.Scripts) != 2 || st.Scripts[0].Name != "add" || st.Scripts[0].Calls != 2 || st.Scripts[0].MemoryCost == 0 {
		t.Errorf("scripts = %+v", st.Scripts)
	}

	if n, err := env.client.ClearCache(bg()); err != nil || n != 2 {
		t.Errorf("ClearCache = %d, %v", n, err)
	}
	if st, _ := env.client.Statistics(bg()); len(st.Scripts) != 0 {
		t.Errorf("scripts after clear = %+v", st.Scripts)
	}
}

func TestAbortIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	if err := env.client.Abort(bg()); err != nil {
		t.Fatal(err)
	}
	// A pending abort is cleared when the next script starts.
	if r := env.execute(t, "add", 1); !r.OK() || r.Code != 5 {
		t.Errorf("add after abort = %+v", r)
	}
}

func TestPutScript(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.PutScript(bg(), "sum", addScript(), nil)
	wantCode(t, err, connect.CodeUnimplemented)

	db, err := host.OpenDatabase(filepath.Join(t.TempDir(), "scripts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := host.NewSQLiteProvider(db)
	env = newTestEnvWith(t, store, WithScriptStore(store))

	if replaced, err := env.client.PutScript(bg(), "Sum.ncs", addScript(), nil); err != nil || replaced {
		t.Fatalf("PutScript = %t, %v", replaced, err)
	}
	if r := env.execute(t, "sum", 1); !r.OK() || r.Code != 5 {
		t.Errorf("sum = %+v", r)
	}

	seven := ncs.NewBuilder().ConstInt(7).Retn().MustBytes()
	if replaced, err := env.client.PutScript(bg(), "sum", seven, nil); err != nil || !replaced {
		t.Fatalf("PutScript = %t, %v", replaced, err)
	}
	if r := env.execute(t, "sum", 1); r.Code != 7 {
		t.Errorf("sum after upload = %+v", r)
	}

	_, err = env.client.PutScript(bg(), "bad", []byte("not ncs"), nil)
	wantCode(t, err, connect.CodeInvalidArgument)
	if names, _ := store.Names(); len(names) != 1 {
		t.Errorf("stored = %v", names)
	}
}

func TestStoppedServerIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.worker.Stop()
	_, err := env.client.Execute(bg(), "add", 1, 0)
	wantCode(t, err, connect.CodeUnavailable)
}
