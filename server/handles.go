package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/vm"
)

// handle is a situation detached from the runtime and held for a client.
type handle struct {
	id       string
	sit      *vm.Situation
	target   vm.ObjectID
	created  time.Time
	lastUsed time.Time
}

// HandleStore maps opaque string IDs to detached situations. A situation
// leaves the store either by being resumed or by being discarded.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	worker  *host.Worker
}

// NewHandleStore creates a new handle store. Discards are posted to
// worker; with a nil worker they run on the caller.
func NewHandleStore(worker *host.Worker) *HandleStore {
	return &HandleStore{
		handles: make(map[string]*handle),
		worker:  worker,
	}
}

// Create registers a situation and returns an opaque handle ID.
func (s *HandleStore) Create(sit *vm.Situation, target vm.ObjectID) string {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{id: id, sit: sit, target: target, created: now, lastUsed: now}
	return id
}

// Lookup returns the situation for a handle and the object it was
// deferred on, without removing it.
func (s *HandleStore) Lookup(id string) (*vm.Situation, vm.ObjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, vm.ObjectInvalid, false
	}
	h.lastUsed = time.Now()
	return h.sit, h.target, true
}

// Take removes a handle and returns its situation for resumption.
func (s *HandleStore) Take(id string) (*vm.Situation, vm.ObjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, vm.ObjectInvalid, false
	}
	delete(s.handles, id)
	return h.sit, h.target, true
}

// Release removes a handle and discards its situation.
func (s *HandleStore) Release(id string) bool {
	sit, _, ok := s.Take(id)
	if ok {
		s.discard(sit)
	}
	return ok
}

// ReleaseAll discards every held situation on the calling goroutine. Call
// it once the worker has stopped.
func (s *HandleStore) ReleaseAll() int {
	dropped := s.removeWhere(func(*handle) bool { return true })
	for _, sit := range dropped {
		sit.Discard()
	}
	return len(dropped)
}

// Sweep discards situations whose handles haven't been used within ttl.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	dropped := s.removeWhere(func(h *handle) bool { return h.lastUsed.Before(cutoff) })
	for _, sit := range dropped {
		s.discard(sit)
	}
	return len(dropped)
}

func (s *HandleStore) removeWhere(match func(*handle) bool) []*vm.Situation {
	var dropped []*vm.Situation
	s.mu.Lock()
	for id, h := range s.handles {
		if match(h) {
			dropped = append(dropped, h.sit)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()
	return dropped
}

// discard releases the saved stack on the worker goroutine.
func (s *HandleStore) discard(sit *vm.Situation) {
	if s.worker == nil {
		sit.Discard()
		return
	}
	s.worker.Post(func() { sit.Discard() })
}

// Len returns the number of held situations.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
