package host

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWorkerDo(t *testing.T) {
	fx := newFixture(t, InterpretOnly{})
	fx.provider.Add("add", addScript(), nil)
	w := NewWorker(fx.rt)
	defer w.Stop()

	var code int32
	err := w.Do(func(rt *Runtime) error {
		var err error
		code, err = rt.ExecuteScript("add", 1, nil, 0, FlagRaiseOnFailure)
		return err
	})
	if err != nil || code != 5 {
		t.Errorf("Do = %d, %v", code, err)
	}

	err = w.Do(func(*Runtime) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("panic: err = %v", err)
	}
	if err := w.Do(func(*Runtime) error { return nil }); err != nil {
		t.Errorf("worker did not survive the panic: %v", err)
	}
}

func TestWorkerFiresTimers(t *testing.T) {
	fx := newFixture(t, InterpretOnly{})
	w := NewWorker(fx.rt)
	defer w.Stop()

	done := make(chan struct{})
	timers := NewWallClockTimers(w.Post)
	timers.Schedule(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("posted timer did not run")
	}
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(newFixture(t, InterpretOnly{}).rt)
	w.Stop()
	w.Stop()
	if err := w.Do(func(*Runtime) error { return nil }); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop: err = %v", err)
	}
	w.Post(func() { t.Error("posted work ran after Stop") })
}
