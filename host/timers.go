package host

import (
	"slices"
	"sync"
	"time"
)

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// ran or was stopped.
	Stop() bool
}

// TimerManager runs callbacks after a delay.
type TimerManager interface {
	Schedule(delay time.Duration, fn func()) Timer
	// Now is the time elapsed on the manager's clock.
	Now() time.Duration
}

// ---------------------------------------------------------------------------
// WallClockTimers
// ---------------------------------------------------------------------------

// WallClockTimers fires on real time. Callbacks are handed to dispatch,
// which should move them onto the goroutine that owns the runtime; with a
// nil dispatch they run on the timer goroutine.
type WallClockTimers struct {
	dispatch func(func())
	start    time.Time
}

// NewWallClockTimers returns timers that fire through dispatch. Pass
// Worker.Post to serialize firing with the rest of the runtime.
func NewWallClockTimers(dispatch func(func())) *WallClockTimers {
	return &WallClockTimers{dispatch: dispatch, start: time.Now()}
}

// Now returns the wall time since the timers were created.
func (w *WallClockTimers) Now() time.Duration { return time.Since(w.start) }

func (w *WallClockTimers) Schedule(delay time.Duration, fn func()) Timer {
	if w.dispatch == nil {
		return time.AfterFunc(delay, fn)
	}
	return time.AfterFunc(delay, func() { w.dispatch(fn) })
}

// ---------------------------------------------------------------------------
// ManualTimers
// ---------------------------------------------------------------------------

// ManualTimers only advances when told to. Timers due at the same instant
// fire in scheduling order.
type ManualTimers struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	owner *ManualTimers
	due   time.Duration
	seq   uint64
	fn    func()
}

func NewManualTimers() *ManualTimers { return &ManualTimers{} }

func (m *ManualTimers) Schedule(delay time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, due: m.now + max(delay, 0), seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.pending, t)
	if i < 0 {
		return false
	}
	m.pending = slices.Delete(m.pending, i, i+1)
	return true
}

// Now returns the time advanced so far.
func (m *ManualTimers) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of timers that have not fired.
func (m *ManualTimers) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves time forward by d, firing every timer that comes due.
// Callbacks run on the caller's goroutine and may schedule more timers;
// those fire too if they are due by the end of d.
func (m *ManualTimers) Advance(d time.Duration) int {
	m.mu.Lock()
	end := m.now + d
	m.mu.Unlock()

	fired := 0
	for {
		t := m.next(end)
		if t == nil {
			break
		}
		t.fn()
		fired++
	}

	m.mu.Lock()
	m.now = end
	m.mu.Unlock()
	return fired
}

// next removes and returns the earliest timer due by end.
func (m *ManualTimers) next(end time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := -1
	for i, t := range m.pending {
		if t.due > end {
			continue
		}
		if best < 0 || t.due < m.pending[best].due ||
			(t.due == m.pending[best].due && t.seq < m.pending[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	t := m.pending[best]
	m.pending = slices.Delete(m.pending, best, best+1)
	if t.due > m.now {
		m.now = t.due
	}
	return t
}
