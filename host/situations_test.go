package host

import (
	"testing"
	"time"

	"github.com/chazu/nwvm/vm"
)

func TestSituationLifecycle(t *testing.T) {
	timers := NewManualTimers()
	var ran []vm.ObjectID
	m := NewSituationManager(timers, func(d *Deferred) {
		ran = append(ran, d.Target)
		if !d.Situation.Discard() {
			t.Error("fired situation was already consumed")
		}
	})

	a := m.Defer(captureSituation(t, "a"), 1, 3*time.Second)
	b := m.Defer(captureSituation(t, "b"), 2, time.Second)
	c := m.Defer(captureSituation(t, "c"), 2, 2*time.Second)
	if pending, active := m.Counts(); pending != 3 || active != 0 {
		t.Fatalf("%d pending, %d active", pending, active)
	}
	if timers.Pending() != 0 {
		t.Error("timers started before InitiatePending")
	}

	if n := m.InitiatePending(); n != 3 {
		t.Errorf("initiated %d", n)
	}
	if pending, active := m.Counts(); pending != 0 || active != 3 {
		t.Fatalf("%d pending, %d active", pending, active)
	}

	if n := m.CancelForObject(2); n != 2 {
		t.Errorf("cancelled %d for object 2, want 2", n)
	}
	if !b.Situation.Consumed() || !c.Situation.Consumed() {
		t.Error("cancelled situations not consumed")
	}
	if timers.Pending() != 1 {
		t.Errorf("%d timers pending after cancel", timers.Pending())
	}

	timers.Advance(5 * time.Second)
	if len(ran) != 1 || ran[0] != 1 {
		t.Errorf("ran %v", ran)
	}
	if m.Cancel(a.ID) {
		t.Error("fired situation cancelled")
	}
	if _, active := m.Counts(); active != 0 {
		t.Errorf("%d active", active)
	}
}

func TestCancelPendingSituation(t *testing.T) {
	m := NewSituationManager(NewManualTimers(), func(*Deferred) { t.Error("cancelled situation ran") })
	d := m.Defer(captureSituation(t, "a"), 1, 0)
	if !m.Cancel(d.ID) {
		t.Fatal("pending situation not cancelled")
	}
	if m.Cancel(d.ID) {
		t.Error("cancelled twice")
	}
	m.InitiatePending()
	if n := m.CancelAll(); n != 0 {
		t.Errorf("CancelAll dropped %d", n)
	}
}

func TestTakeSituation(t *testing.T) {
	timers := NewManualTimers()
	m := NewSituationManager(timers, func(*Deferred) { t.Error("taken situation ran") })
	d := m.Defer(captureSituation(t, "a"), 7, time.Second)
	m.InitiatePending()

	got, ok := m.Take(d.ID)
	if !ok || got != d {
		t.Fatalf("Take = %v, %t", got, ok)
	}
	if got.Situation.Consumed() {
		t.Error("taken situation was discarded")
	}
	if _, ok := m.Take(d.ID); ok {
		t.Error("taken twice")
	}
	timers.Advance(time.Minute)
}

func TestSituationRemaining(t *testing.T) {
	timers := NewManualTimers()
	m := NewSituationManager(timers, func(*Deferred) {})
	timers.Advance(10 * time.Second)

	d := m.Defer(captureSituation(t, "a"), 1, 3*time.Second)
	timers.Advance(time.Second)
	if got := m.Remaining(d); got != 3*time.Second {
		t.Errorf("pending: remaining %s, want 3s", got)
	}

	m.InitiatePending()
	timers.Advance(1200 * time.Millisecond)
	if got := m.Remaining(d); got != 1800*time.Millisecond {
		t.Errorf("active: remaining %s, want 1.8s", got)
	}
	m.Cancel(d.ID)
}
