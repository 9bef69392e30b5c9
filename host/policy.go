package host

import (
	"sync"
	"sync/atomic"
)

// JITPolicy decides which scripts run on the compiled path. It is asked
// when a script is loaded, with calls 0, and again before each call until
// it says yes or compilation fails.
type JITPolicy interface {
	ShouldCompile(name string, codeSize int, calls uint64) bool
}

// SizeThresholdPolicy compiles every script of at least MinCodeSize bytes
// of code as soon as it is loaded.
type SizeThresholdPolicy struct {
	MinCodeSize int
}

func (p SizeThresholdPolicy) ShouldCompile(_ string, codeSize int, _ uint64) bool {
	return codeSize >= p.MinCodeSize
}

// InterpretOnly never compiles.
type InterpretOnly struct{}

func (InterpretOnly) ShouldCompile(string, int, uint64) bool { return false }

// HotScriptPolicy interprets a script until it has been called Threshold
// times, then compiles it. Short scripts are never worth compiling.
type HotScriptPolicy struct {
	Threshold   uint64
	MinCodeSize int

	// OnHot is called once per script, when it first qualifies.
	OnHot func(name string, calls uint64)

	hot      sync.Map // name -> struct{}
	hotCount atomic.Uint64
}

// NewHotScriptPolicy returns a policy with the given call threshold.
func NewHotScriptPolicy(threshold uint64) *HotScriptPolicy {
	return &HotScriptPolicy{Threshold: threshold}
}

func (p *HotScriptPolicy) ShouldCompile(name string, codeSize int, calls uint64) bool {
	if codeSize < p.MinCodeSize || calls < p.Threshold {
		return false
	}
	if _, seen := p.hot.LoadOrStore(name, struct{}{}); !seen {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(name, calls)
		}
	}
	return true
}

// HotScripts returns how many scripts have become hot.
func (p *HotScriptPolicy) HotScripts() uint64 { return p.hotCount.Load() }

// Reset forgets which scripts were hot.
func (p *HotScriptPolicy) Reset() {
	p.hot.Clear()
	p.hotCount.Store(0)
}
