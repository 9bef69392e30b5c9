package host

import (
	"errors"
	"fmt"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("runtime worker stopped")

type request struct {
	fn   func(*Runtime) error
	done chan error
}

// Worker serializes all access to a Runtime through one goroutine. A
// runtime runs one script thread at a time; timers and service handlers
// must go through the worker.
type Worker struct {
	rt       *Runtime
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
}

// NewWorker starts a worker for rt.
func NewWorker(rt *Runtime) *Worker {
	w := &Worker{
		rt:       rt,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			err := w.execute(req.fn)
			if req.done != nil {
				req.done <- err
			}
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the runtime, recovering from panics.
func (w *Worker) execute(fn func(*Runtime) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime worker: %v", r)
			w.rt.log.Errorf("%s", err)
		}
	}()
	return fn(w.rt)
}

// Do runs fn on the worker goroutine and waits for it.
func (w *Worker) Do(fn func(*Runtime) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return ErrWorkerStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-w.stopped:
		return ErrWorkerStopped
	}
}

// Post queues fn without waiting. It is the dispatch function for
// WallClockTimers. Work posted after Stop is dropped.
func (w *Worker) Post(fn func()) {
	req := request{fn: func(*Runtime) error { fn(); return nil }}
	select {
	case w.requests <- req:
	case <-w.stopped:
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}

// Runtime returns the runtime, for read-only access that does not touch
// execution state.
func (w *Worker) Runtime() *Runtime { return w.rt }
