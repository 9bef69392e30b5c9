package vm

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// Standard engine structure numbers.
const (
	EngineEffect       = 0
	EngineEvent        = 1
	EngineLocation     = 2
	EngineTalent       = 3
	EngineItemProperty = 4
)

// EngineStructure is an opaque host value. The runtime never looks inside;
// it only compares instances and eventually deletes them.
type EngineStructure interface {
	// EngineType returns the structure number, 0..9.
	EngineType() int

	// Compare reports logical equality with another structure of the
	// same type.
	Compare(other EngineStructure) bool

	// Delete frees the structure. It is called exactly once, by the last
	// EngineRef.Release.
	Delete()
}

// EngineFactory creates empty engine structures for RSADD.
type EngineFactory interface {
	CreateEngineStructure(engineType int) (EngineStructure, error)
}

// EngineRef is a reference-counted owning handle to an EngineStructure.
// Release is the single path that destroys the structure.
type EngineRef struct {
	s    EngineStructure
	refs atomic.Int32
}

// NewEngineRef wraps s in a handle holding one reference.
func NewEngineRef(s EngineStructure) *EngineRef {
	r := &EngineRef{s: s}
	r.refs.Store(1)
	return r
}

// Structure returns the wrapped structure.
func (r *EngineRef) Structure() EngineStructure { return r.s }

// Retain adds a reference and returns r.
func (r *EngineRef) Retain() *EngineRef {
	if r.refs.Add(1) <= 1 {
		panic("vm: retain of released engine structure")
	}
	return r
}

// Release drops a reference, deleting the structure when none remain.
func (r *EngineRef) Release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.s.Delete()
	case n < 0:
		panic("vm: engine structure released too many times")
	}
}

// Refs returns the current reference count.
func (r *EngineRef) Refs() int32 { return r.refs.Load() }

// Equal compares two handles through the host comparison.
func (r *EngineRef) Equal(o *EngineRef) bool {
	if r == o {
		return true
	}
	if r.s.EngineType() != o.s.EngineType() {
		return false
	}
	return r.s.Compare(o.s)
}

// ---------------------------------------------------------------------------
// BasicEngineStructure: engine structures for hosts without their own
// ---------------------------------------------------------------------------

// BasicEngineStructure is a generic engine structure carrying an arbitrary
// payload. Two instances are equal when their payloads are deeply equal.
type BasicEngineStructure struct {
	Kind     int
	Payload  any
	OnDelete func()
}

func (b *BasicEngineStructure) EngineType() int { return b.Kind }

func (b *BasicEngineStructure) Compare(other EngineStructure) bool {
	o, ok := other.(*BasicEngineStructure)
	return ok && o.Kind == b.Kind && reflect.DeepEqual(b.Payload, o.Payload)
}

func (b *BasicEngineStructure) Delete() {
	if b.OnDelete != nil {
		b.OnDelete()
	}
}

// BasicEngineFactory creates empty BasicEngineStructures.
type BasicEngineFactory struct{}

func (BasicEngineFactory) CreateEngineStructure(engineType int) (EngineStructure, error) {
	if engineType < 0 || engineType > 9 {
		return nil, fmt.Errorf("invalid engine structure type %d", engineType)
	}
	return &BasicEngineStructure{Kind: engineType}, nil
}
