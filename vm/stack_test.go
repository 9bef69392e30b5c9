package vm

import (
	"errors"
	"testing"

	"github.com/chazu/nwvm/pkg/ncs"
)

// ---------------------------------------------------------------------------
// Typed access
// ---------------------------------------------------------------------------

func TestStackTypeSafety(t *testing.T) {
	s := NewStack()
	s.PushInt(7)

	if _, err := s.PopString(); !errors.Is(err, ErrStackTypeMismatch) {
		t.Fatalf("PopString on int: err = %v, want ErrStackTypeMismatch", err)
	}
	if s.SP() != 4 {
		t.Errorf("SP after failed pop = %d, want 4", s.SP())
	}
	if _, err := s.PopFloat(); !errors.Is(err, ErrStackTypeMismatch) {
		t.Errorf("PopFloat on int: err = %v", err)
	}
	if _, err := s.PopObjectID(); !errors.Is(err, ErrStackTypeMismatch) {
		t.Errorf("PopObjectID on int: err = %v", err)
	}
	if v, err := s.PopInt(); err != nil || v != 7 {
		t.Errorf("PopInt = %d, %v; want 7", v, err)
	}
	if _, err := s.PopInt(); !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("PopInt on empty: err = %v, want ErrStackUnderflow", err)
	}
	if s.TopType() != TypeInvalid {
		t.Errorf("TopType on empty = %s, want invalid", s.TopType())
	}
}

func TestStackRoundTrip(t *testing.T) {
	s := NewStack()
	s.PushInt(-3)
	s.PushFloat(1.5)
	s.PushString("hello")
	s.PushObjectID(0x42)

	if got := s.TopType(); got != TypeObject {
		t.Fatalf("TopType = %s, want object", got)
	}
	if o, _ := s.PopObjectID(); o != 0x42 {
		t.Errorf("PopObjectID = %v", o)
	}
	if str, _ := s.PopString(); str != "hello" {
		t.Errorf("PopString = %q", str)
	}
	if f, _ := s.PopFloat(); f != 1.5 {
		t.Errorf("PopFloat = %g", f)
	}
	if i, _ := s.PopInt(); i != -3 {
		t.Errorf("PopInt = %d", i)
	}
}

func TestStackVectorDetection(t *testing.T) {
	s := NewStack()
	s.PushFloat(1)
	s.PushFloat(2)
	if s.CheckVectorOnTop() {
		t.Error("two floats detected as a vector")
	}
	s.PushInt(3)
	if s.CheckVectorOnTop() {
		t.Error("float, float, int detected as a vector")
	}
	if _, err := s.PopVector(); !errors.Is(err, ErrStackTypeMismatch) {
		t.Errorf("PopVector over an int: err = %v", err)
	}
	if s.Depth() != 3 {
		t.Errorf("failed PopVector changed depth to %d", s.Depth())
	}

	s.Clear()
	s.PushVector(Vector{1, 2, 3})
	if !s.CheckVectorOnTop() {
		t.Fatal("pushed vector not detected")
	}
	if f, _ := s.PopFloat(); f != 3 {
		t.Errorf("top of vector = %g, want z = 3", f)
	}
	s.PushFloat(3)
	v, err := s.PopVector()
	if err != nil || v != (Vector{1, 2, 3}) {
		t.Errorf("PopVector = %v, %v", v, err)
	}
}

// ---------------------------------------------------------------------------
// Frame-relative access
// ---------------------------------------------------------------------------

func TestStackCopies(t *testing.T) {
	s := NewStack()
	s.PushInt(1)
	s.PushInt(2)
	s.PushInt(3)

	// Copy the top cell down over the first one.
	if err := s.CopyDownSP(-12, 4); err != nil {
		t.Fatal(err)
	}
	if got := s.Values()[0].Int; got != 3 {
		t.Errorf("cell 0 = %d, want 3", got)
	}

	// Push a copy of the middle cell.
	if err := s.CopyTopSP(-8, 4); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.PopInt(); v != 2 {
		t.Errorf("CopyTopSP pushed %d, want 2", v)
	}

	if err := s.CopyTopSP(-16, 4); !errors.Is(err, ErrInvalidStackAccess) {
		t.Errorf("copy below the stack: err = %v", err)
	}
	if err := s.CopyTopSP(-6, 4); !errors.Is(err, ErrInvalidStackAccess) {
		t.Errorf("unaligned copy: err = %v", err)
	}
}

func TestStackBasePointer(t *testing.T) {
	s := NewStack()
	s.PushInt(10) // global
	s.SaveBP()
	if s.BP() != 8 {
		t.Fatalf("BP after SaveBP = %d, want 8", s.BP())
	}
	if err := s.CopyTopBP(-8, 4); err != nil {
		t.Fatal(err)
	}
	if err := s.AdjustIntBP(0, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.PopInt(); v != 11 {
		t.Errorf("global via BP = %d, want 11", v)
	}
	if err := s.RestoreBP(); err != nil {
		t.Fatal(err)
	}
	if s.BP() != 0 || s.SP() != 4 {
		t.Errorf("after RestoreBP: BP %d SP %d, want 0 and 4", s.BP(), s.SP())
	}
	if err := s.SetBP(8); !errors.Is(err, ErrInvalidStackAccess) {
		t.Errorf("SetBP past SP: err = %v", err)
	}
}

func TestStackMoveSPAndDestruct(t *testing.T) {
	s := NewStack()
	for i := int32(1); i <= 5; i++ {
		s.PushInt(i)
	}
	if err := s.MoveSP(-8); err != nil {
		t.Fatal(err)
	}
	if s.Depth() != 3 {
		t.Fatalf("depth after MOVSP -8 = %d, want 3", s.Depth())
	}
	if err := s.MoveSP(4); !errors.Is(err, ErrInvalidStackAccess) {
		t.Errorf("MOVSP +4: err = %v", err)
	}

	// [1 2 3]: drop all three, keep the middle one.
	if err := s.Destruct(12, 4, 4); err != nil {
		t.Fatal(err)
	}
	vals := s.Values()
	if len(vals) != 1 || vals[0].Int != 2 {
		t.Errorf("after DESTRUCT: %v, want [2]", s)
	}
}

func TestStackSaveStack(t *testing.T) {
	s := NewStack()
	s.PushInt(100) // global
	s.PushString("g")
	s.SaveBP() // pushes the caller BP (0) and moves BP above it
	s.PushInt(7)
	s.PushString("local")

	globals := int(s.BP() / ncs.CellSize)
	if globals != 3 {
		t.Fatalf("BP = %d cells, want 3", globals)
	}

	dest := NewStack()
	if err := s.SaveStack(dest, globals, 2, 0); err != nil {
		t.Fatal(err)
	}
	vals := dest.Values()
	if len(vals) != 6 {
		t.Fatalf("saved %d cells, want 6: %v", len(vals), dest)
	}
	if vals[0].Int != 100 || vals[1].Str != "g" || vals[2].Type != TypeInt || vals[2].Int != 0 {
		t.Errorf("globals = %v, want [100 g 0]", vals[:3])
	}
	if vals[3].Type != TypeInt || vals[3].Int != s.BP() {
		t.Errorf("saved BP cell = %v, want %d", vals[3], s.BP())
	}
	if vals[4].Int != 7 || vals[5].Str != "local" {
		t.Errorf("locals = %v", vals[4:])
	}

	// A resumed stack puts BP right after the globals, so BP-relative
	// offsets see the same cells they saw when the state was saved.
	if err := dest.SetBP(int32(globals * ncs.CellSize)); err != nil {
		t.Fatal(err)
	}
	if dest.BP() != s.BP() {
		t.Fatalf("resumed BP = %d, want %d", dest.BP(), s.BP())
	}
	for _, off := range []int32{-12, -8, -4} {
		if err := s.CopyTopBP(off, 4); err != nil {
			t.Fatal(err)
		}
		if err := dest.CopyTopBP(off, 4); err != nil {
			t.Fatal(err)
		}
		want, _ := s.PopValue()
		got, _ := dest.PopValue()
		if got != want {
			t.Errorf("BP%+d: resumed %v, saved %v", off, got, want)
		}
	}
	if dest.BP() != 3*ncs.CellSize || dest.Depth() != 6 {
		t.Errorf("resumed stack BP %d depth %d, want 12 and 6", dest.BP(), dest.Depth())
	}

	if err := s.SaveStack(NewStack(), 5, 0, 0); !errors.Is(err, ErrInvalidStackAccess) {
		t.Errorf("save beyond BP: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Engine structure ownership
// ---------------------------------------------------------------------------

func TestStackEngineReferences(t *testing.T) {
	deleted := 0
	ref := NewEngineRef(&BasicEngineStructure{Kind: EngineEffect, OnDelete: func() { deleted++ }})

	s := NewStack()
	s.PushEngineStructure(ref)
	if err := s.CopyTopSP(-4, 4); err != nil {
		t.Fatal(err)
	}
	if ref.Refs() != 2 {
		t.Fatalf("refs after copy = %d, want 2", ref.Refs())
	}

	clone := s.Clone()
	if ref.Refs() != 4 {
		t.Errorf("refs after clone = %d, want 4", ref.Refs())
	}
	clone.Clear()

	if err := s.MoveSP(-4); err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Fatal("structure deleted while still referenced")
	}
	popped, err := s.PopEngineStructure(EngineEffect)
	if err != nil {
		t.Fatal(err)
	}
	popped.Release()
	if deleted != 1 {
		t.Errorf("Delete called %d times, want 1", deleted)
	}
}
