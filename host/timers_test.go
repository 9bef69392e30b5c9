package host

import (
	"testing"
	"time"
)

func TestManualTimersOrder(t *testing.T) {
	m := NewManualTimers()
	var fired []string
	record := func(s string) func() { return func() { fired = append(fired, s) } }

	m.Schedule(2*time.Second, record("b"))
	m.Schedule(time.Second, record("a1"))
	m.Schedule(time.Second, record("a2"))
	stopped := m.Schedule(time.Second, record("x"))
	m.Schedule(3*time.Second, func() {
		fired = append(fired, "c")
		m.Schedule(0, record("d"))
		m.Schedule(time.Hour, record("late"))
	})

	if !stopped.Stop() || stopped.Stop() {
		t.Error("Stop should succeed exactly once")
	}
	if n := m.Advance(3 * time.Second); n != 5 {
		t.Errorf("fired %d timers, want 5", n)
	}
	want := []string{"a1", "a2", "b", "c", "d"}
	if len(fired) != len(want) {
		t.Fatalf("fired %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired %v, want %v", fired, want)
			break
		}
	}
	if m.Now() != 3*time.Second || m.Pending() != 1 {
		t.Errorf("now %s, %d pending", m.Now(), m.Pending())
	}
}

func TestWallClockTimersDispatch(t *testing.T) {
	dispatched := make(chan struct{}, 1)
	fired := make(chan struct{})
	timers := NewWallClockTimers(func(fn func()) {
		dispatched <- struct{}{}
		fn()
	})
	timers.Schedule(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-dispatched:
	default:
		t.Error("timer bypassed dispatch")
	}
}
