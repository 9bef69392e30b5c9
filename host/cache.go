package host

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

// ErrScriptUnavailable is returned for scripts that cannot be run: missing
// from every provider, or cached as broken.
var ErrScriptUnavailable = errors.New("script unavailable")

// ScriptEntry is a cached script.
type ScriptEntry struct {
	Name    ncs.ResRef32
	Program *ncs.Program

	// Compiled is set once the JIT policy has chosen the script and
	// compilation succeeded.
	Compiled *vm.CompiledProgram

	// Broken entries failed to decode. Err holds the reason.
	Broken bool
	Err    error

	// MemoryCost approximates the bytes the entry holds.
	MemoryCost int

	interpreted   *vm.InterpretedProgram
	compileFailed bool

	calls      atomic.Uint64
	situations atomic.Uint64
	runtime    atomic.Int64
}

// CallCount returns how many times the script has been entered.
func (e *ScriptEntry) CallCount() uint64 { return e.calls.Load() }

// SituationCount returns how many saved situations of the script were resumed.
func (e *ScriptEntry) SituationCount() uint64 { return e.situations.Load() }

// Runtime returns the total time spent in the script.
func (e *ScriptEntry) Runtime() time.Duration { return time.Duration(e.runtime.Load()) }

func (e *ScriptEntry) record(d time.Duration) { e.runtime.Add(int64(d)) }

// ScriptStats is a snapshot of one entry's counters.
type ScriptStats struct {
	Name       string
	Compiled   bool
	Broken     bool
	Calls      uint64
	Situations uint64
	Runtime    time.Duration
	MemoryCost int
}

func (e *ScriptEntry) stats() ScriptStats {
	return ScriptStats{
		Name:       e.Name.String(),
		Compiled:   e.Compiled != nil,
		Broken:     e.Broken,
		Calls:      e.CallCount(),
		Situations: e.SituationCount(),
		Runtime:    e.Runtime(),
		MemoryCost: e.MemoryCost,
	}
}

// ---------------------------------------------------------------------------
// ScriptCache
// ---------------------------------------------------------------------------

// ScriptCache holds decoded scripts by name. Loads are idempotent: a name
// is read from the provider once until the cache is cleared. Scripts that
// fail to decode are cached as broken and fail fast afterwards.
type ScriptCache struct {
	mu       sync.Mutex
	entries  map[ncs.ResRef32]*ScriptEntry
	provider ResourceProvider
	actions  *vm.ActionTable
	policy   JITPolicy
	log      commonlog.Logger
}

// NewScriptCache returns an empty cache. policy may be nil to interpret
// every script.
func NewScriptCache(provider ResourceProvider, actions *vm.ActionTable, policy JITPolicy) *ScriptCache {
	if policy == nil {
		policy = InterpretOnly{}
	}
	return &ScriptCache{
		entries:  make(map[ncs.ResRef32]*ScriptEntry),
		provider: provider,
		actions:  actions,
		policy:   policy,
		log:      commonlog.GetLogger("nwvm.host"),
	}
}

// Key returns the cache key for a script name.
func Key(name string) ncs.ResRef32 { return ncs.NewResRef32(ResourceName(name)) }

// Load returns the entry for name, reading and decoding the script on a
// miss.
func (c *ScriptCache) Load(name string) (*ScriptEntry, error) {
	key := Key(name)
	if key.IsEmpty() {
		return nil, fmt.Errorf("%w: empty script name", ErrScriptUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.Broken {
			return nil, fmt.Errorf("%w: %s: %w", ErrScriptUnavailable, key, e.Err)
		}
		return e, nil
	}

	code, symbols, err := c.provider.LoadScriptBytes(key.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScriptUnavailable, err)
	}

	e := &ScriptEntry{Name: key, MemoryCost: len(code) + len(symbols)}
	c.entries[key] = e

	p, err := ncs.Decode(key.String(), code)
	if err != nil {
		e.Broken, e.Err = true, err
		c.log.Errorf("script %s is broken: %s", key, err)
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptUnavailable, key, err)
	}
	if symbols != nil {
		if s, err := ncs.ParseSymbols(bytes.NewReader(symbols)); err != nil {
			c.log.Warningf("ignoring debug symbols of %s: %s", key, err)
		} else {
			p.AttachSymbols(s)
		}
	}
	e.Program = p
	e.interpreted = vm.Interpret(p)
	c.maybeCompile(e)
	c.log.Debugf("loaded %s: %d instructions, compiled %t", key, len(p.Instructions), e.Compiled != nil)
	return e, nil
}

// Lookup returns a cached entry without loading.
func (c *ScriptCache) Lookup(name string) (*ScriptEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key(name)]
	return e, ok
}

// maybeCompile asks the policy about e. Compile failures are remembered
// and the script keeps running interpreted. c.mu must be held.
func (c *ScriptCache) maybeCompile(e *ScriptEntry) {
	if e.Compiled != nil || e.compileFailed {
		return
	}
	if !c.policy.ShouldCompile(e.Name.String(), e.Program.CodeSize(), e.CallCount()) {
		return
	}
	cp, err := vm.Compile(e.Program, c.actions)
	if err != nil {
		e.compileFailed = true
		c.log.Warningf("compiling %s failed, interpreting: %s", e.Name, err)
		return
	}
	e.Compiled = cp
	e.MemoryCost += 16 * len(e.Program.Instructions)
}

// Executable counts a call of e and returns the engine to run it with.
func (c *ScriptCache) Executable(e *ScriptEntry) vm.Executable {
	e.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCompile(e)
	return e.executable()
}

// Bind attaches a decoded situation to the current engine of its script.
func (c *ScriptCache) Bind(sit *vm.Situation) error {
	e, err := c.Load(sit.Script)
	if err != nil {
		return err
	}
	c.mu.Lock()
	exe := e.executable()
	c.mu.Unlock()
	return sit.Bind(exe)
}

func (e *ScriptEntry) executable() vm.Executable {
	if e.Compiled != nil {
		return e.Compiled
	}
	return e.interpreted
}

// Evict drops the entry for name, so the next Load reads it again.
func (c *ScriptCache) Evict(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key(name)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear drops every entry. Programs already handed out stay valid.
func (c *ScriptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached entries, broken ones included.
func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of every entry, most called first.
func (c *ScriptCache) Stats() []ScriptStats {
	c.mu.Lock()
	all := make([]ScriptStats, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e.stats())
	}
	c.mu.Unlock()

	slices.SortFunc(all, func(a, b ScriptStats) int {
		if n := cmp.Compare(b.Calls, a.Calls); n != 0 {
			return n
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return all
}
