package host

import (
	"errors"
	"testing"

	"github.com/chazu/nwvm/actions"
	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

type countingProvider struct {
	ResourceProvider
	loads map[string]int
}

func (p *countingProvider) LoadScriptBytes(name string) ([]byte, []byte, error) {
	p.loads[name]++
	return p.ResourceProvider.LoadScriptBytes(name)
}

func newCountingCache(policy JITPolicy) (*ScriptCache, *MemoryProvider, *countingProvider) {
	mem := NewMemoryProvider()
	counting := &countingProvider{ResourceProvider: mem, loads: make(map[string]int)}
	return NewScriptCache(counting, actions.DefaultDefinitions(), policy), mem, counting
}

func TestCacheLoadIsIdempotent(t *testing.T) {
	c, mem, counting := newCountingCache(nil)
	mem.Add("add", addScript(), nil)

	a, err := c.Load("ADD")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Load("add.ncs")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second load returned a different entry")
	}
	if counting.loads["add"] != 1 {
		t.Errorf("provider read %d times, want 1", counting.loads["add"])
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("%d entries after Clear", c.Len())
	}
	if _, err := c.Load("add"); err != nil {
		t.Fatal(err)
	}
	if counting.loads["add"] != 2 {
		t.Errorf("provider read %d times after Clear, want 2", counting.loads["add"])
	}
}

func TestBrokenScriptFailsFast(t *testing.T) {
	c, mem, counting := newCountingCache(nil)
	mem.Add("bad", []byte("NCS V1.0junk"), nil)

	for i := 0; i < 3; i++ {
		_, err := c.Load("bad")
		if !errors.Is(err, ErrScriptUnavailable) || !errors.Is(err, ncs.ErrMalformedProgram) {
			t.Fatalf("load %d: err = %v", i, err)
		}
	}
	if counting.loads["bad"] != 1 {
		t.Errorf("broken script read %d times, want 1", counting.loads["bad"])
	}
	if e, ok := c.Lookup("bad"); !ok || !e.Broken {
		t.Error("broken entry not cached")
	}

	// A fixed script is picked up once the cache is cleared.
	mem.Add("bad", addScript(), nil)
	if _, err := c.Load("bad"); !errors.Is(err, ErrScriptUnavailable) {
		t.Errorf("fixed script loaded before Clear: err = %v", err)
	}
	c.Clear()
	if _, err := c.Load("bad"); err != nil {
		t.Errorf("fixed script after Clear: %v", err)
	}
}

func TestMissingScriptIsNotCached(t *testing.T) {
	c, mem, counting := newCountingCache(nil)
	if _, err := c.Load("later"); !errors.Is(err, ErrScriptUnavailable) || !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("err = %v", err)
	}
	mem.Add("later", addScript(), nil)
	if _, err := c.Load("later"); err != nil {
		t.Fatal(err)
	}
	if counting.loads["later"] != 2 {
		t.Errorf("provider read %d times", counting.loads["later"])
	}
	if _, err := c.Load(""); !errors.Is(err, ErrScriptUnavailable) {
		t.Errorf("empty name: err = %v", err)
	}
}

func TestBadSymbolsAreIgnored(t *testing.T) {
	c, mem, _ := newCountingCache(nil)
	mem.Add("add", addScript(), []byte("not symbols"))
	e, err := c.Load("add")
	if err != nil {
		t.Fatal(err)
	}
	if e.Program.Symbols != nil {
		t.Error("bad symbols attached")
	}
}

func TestSizeThresholdPolicy(t *testing.T) {
	c, mem, _ := newCountingCache(SizeThresholdPolicy{MinCodeSize: 1000})
	mem.Add("small", addScript(), nil)
	e, _ := c.Load("small")
	if e.Compiled != nil {
		t.Error("small script compiled")
	}
	if _, ok := c.Executable(e).(*vm.InterpretedProgram); !ok {
		t.Error("small script not interpreted")
	}

	c, mem, _ = newCountingCache(SizeThresholdPolicy{})
	mem.Add("small", addScript(), nil)
	e, _ = c.Load("small")
	if e.Compiled == nil || c.Executable(e) != vm.Executable(e.Compiled) {
		t.Error("script not compiled on load")
	}
}

func TestHotScriptPolicy(t *testing.T) {
	policy := NewHotScriptPolicy(3)
	var hot []string
	policy.OnHot = func(name string, calls uint64) { hot = append(hot, name) }

	c, mem, _ := newCountingCache(policy)
	mem.Add("loop", addScript(), nil)
	e, err := c.Load("loop")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		_, compiled := c.Executable(e).(*vm.CompiledProgram)
		if want := i >= 3; compiled != want {
			t.Errorf("call %d: compiled = %t, want %t", i, compiled, want)
		}
	}
	if len(hot) != 1 || hot[0] != "loop" || policy.HotScripts() != 1 {
		t.Errorf("hot = %v, count %d", hot, policy.HotScripts())
	}
	if e.CallCount() != 5 {
		t.Errorf("CallCount = %d", e.CallCount())
	}
}

func TestCacheStatsOrder(t *testing.T) {
	c, mem, _ := newCountingCache(nil)
	mem.Add("a", addScript(), nil)
	mem.Add("b", addScript(), nil)
	mem.Add("c", []byte("broken"), nil)
	a, _ := c.Load("a")
	b, _ := c.Load("b")
	c.Load("c")
	c.Executable(a)
	c.Executable(b)
	c.Executable(b)

	stats := c.Stats()
	if len(stats) != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Name != "b" || stats[1].Name != "a" || stats[2].Name != "c" || !stats[2].Broken {
		t.Errorf("order = %+v", stats)
	}
}

func TestCacheEvict(t *testing.T) {
	c, mem, counting := newCountingCache(nil)
	mem.Add("add", addScript(), nil)
	if _, err := c.Load("add"); err != nil {
		t.Fatal(err)
	}
	if !c.Evict("ADD.ncs") || c.Evict("add") {
		t.Error("Evict should succeed exactly once")
	}
	if _, err := c.Load("add"); err != nil {
		t.Fatal(err)
	}
	if counting.loads["add"] != 2 {
		t.Errorf("provider read %d times, want 2", counting.loads["add"])
	}
}
