package host

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/vm"
)

// Deferred is a saved situation waiting to run.
type Deferred struct {
	ID        uuid.UUID
	Situation *vm.Situation
	Target    vm.ObjectID
	Delay     time.Duration

	timer   Timer
	running bool
	started time.Duration // timer clock reading when the timer started
}

// SituationManager holds the situations handed off by DelayCommand and
// AssignCommand. New situations are pending until InitiatePending starts
// their timers; they are then active until they fire or are cancelled.
// Every situation leaves the active list exactly once.
type SituationManager struct {
	mu      sync.Mutex
	pending []*Deferred
	active  map[uuid.UUID]*Deferred
	timers  TimerManager
	run     func(d *Deferred)
	log     commonlog.Logger
}

// NewSituationManager returns a manager that starts timers on timers and
// passes fired situations to run.
func NewSituationManager(timers TimerManager, run func(d *Deferred)) *SituationManager {
	return &SituationManager{
		active: make(map[uuid.UUID]*Deferred),
		timers: timers,
		run:    run,
		log:    commonlog.GetLogger("nwvm.host"),
	}
}

// Defer queues sit to run on target after delay, once InitiatePending is
// called.
func (m *SituationManager) Defer(sit *vm.Situation, target vm.ObjectID, delay time.Duration) *Deferred {
	d := &Deferred{ID: uuid.New(), Situation: sit, Target: target, Delay: delay}
	m.mu.Lock()
	m.pending = append(m.pending, d)
	m.mu.Unlock()
	return d
}

// InitiatePending starts the timers of every pending situation.
func (m *SituationManager) InitiatePending() int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	now := m.timers.Now()
	for _, d := range pending {
		m.active[d.ID] = d
		d.running = true
		d.started = now
	}
	m.mu.Unlock()

	for _, d := range pending {
		t := m.timers.Schedule(d.Delay, func() { m.fire(d.ID) })
		m.mu.Lock()
		if _, ok := m.active[d.ID]; ok {
			d.timer = t
		}
		m.mu.Unlock()
	}
	return len(pending)
}

func (m *SituationManager) fire(id uuid.UUID) {
	m.mu.Lock()
	d, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.run(d)
}

// Remaining returns how long d has left to wait. A pending situation has
// its whole delay left.
func (m *SituationManager) Remaining(d *Deferred) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !d.running {
		return d.Delay
	}
	return max(d.Delay-(m.timers.Now()-d.started), 0)
}

// Cancel drops a situation whether pending or active. It reports whether
// the situation was still waiting.
func (m *SituationManager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	d := m.remove(id)
	m.mu.Unlock()
	if d == nil {
		return false
	}
	m.discard(d)
	return true
}

// Take removes a waiting situation without discarding it, handing it to
// the caller.
func (m *SituationManager) Take(id uuid.UUID) (*Deferred, bool) {
	m.mu.Lock()
	d := m.remove(id)
	m.mu.Unlock()
	if d == nil {
		return nil, false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	return d, true
}

// CancelForObject drops the situations that would run on obj, as when
// the object is destroyed.
func (m *SituationManager) CancelForObject(obj vm.ObjectID) int {
	return m.cancelWhere(func(d *Deferred) bool { return d.Target == obj })
}

// CancelAll drops every situation.
func (m *SituationManager) CancelAll() int {
	return m.cancelWhere(func(*Deferred) bool { return true })
}

func (m *SituationManager) cancelWhere(match func(*Deferred) bool) int {
	var dropped []*Deferred
	m.mu.Lock()
	for _, d := range m.pending {
		if match(d) {
			dropped = append(dropped, d)
		}
	}
	for _, d := range m.active {
		if match(d) {
			dropped = append(dropped, d)
		}
	}
	for _, d := range dropped {
		m.remove(d.ID)
	}
	m.mu.Unlock()

	for _, d := range dropped {
		m.discard(d)
	}
	return len(dropped)
}

// remove takes d out of either list. m.mu must be held.
func (m *SituationManager) remove(id uuid.UUID) *Deferred {
	if d, ok := m.active[id]; ok {
		delete(m.active, id)
		return d
	}
	i := slices.IndexFunc(m.pending, func(d *Deferred) bool { return d.ID == id })
	if i < 0 {
		return nil
	}
	d := m.pending[i]
	m.pending = slices.Delete(m.pending, i, i+1)
	return d
}

func (m *SituationManager) discard(d *Deferred) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.Situation.Discard()
	m.log.Debugf("cancelled situation %s of %s on %s", d.ID, d.Situation.Script, d.Target)
}

// Snapshot returns the waiting situations, pending first.
func (m *SituationManager) Snapshot() []*Deferred {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := slices.Clone(m.pending)
	for _, d := range m.active {
		all = append(all, d)
	}
	return all
}

// Counts returns the number of pending and active situations.
func (m *SituationManager) Counts() (pending, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), len(m.active)
}
