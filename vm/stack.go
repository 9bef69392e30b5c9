package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/nwvm/pkg/ncs"
)

// cell is the payload of one 4-byte stack slot. Ints, floats and object ids
// share num; the parallel type array says which one is live.
type cell struct {
	num uint32
	str string
	eng *EngineRef
}

// Stack is the typed operand stack of one execution. SP and BP are tracked
// in cells and reported in bytes, four per cell.
//
// Pops check the type of the top cell first and leave the stack untouched
// on a mismatch. Engine structure cells own one reference each.
type Stack struct {
	cells []cell
	types []BaseType
	bp    int
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{
		cells: make([]cell, 0, 64),
		types: make([]BaseType, 0, 64),
	}
}

// ---------------------------------------------------------------------------
// Pointers
// ---------------------------------------------------------------------------

// Depth returns the number of live cells.
func (s *Stack) Depth() int { return len(s.cells) }

// SP returns the stack pointer in bytes.
func (s *Stack) SP() int32 { return int32(len(s.cells) * ncs.CellSize) }

// BP returns the base pointer in bytes.
func (s *Stack) BP() int32 { return int32(s.bp * ncs.CellSize) }

// SetBP moves the base pointer. bytes must be cell aligned and not past SP.
func (s *Stack) SetBP(bytes int32) error {
	if bytes < 0 || bytes%ncs.CellSize != 0 || int(bytes/ncs.CellSize) > len(s.cells) {
		return fmt.Errorf("%w: BP %d with SP %d", ErrInvalidStackAccess, bytes, s.SP())
	}
	s.bp = int(bytes / ncs.CellSize)
	return nil
}

// TopType returns the type of the top cell, or TypeInvalid when empty.
func (s *Stack) TopType() BaseType {
	if len(s.types) == 0 {
		return TypeInvalid
	}
	return s.types[len(s.types)-1]
}

// TypeAt returns the type of the cell at index i counted from the bottom.
func (s *Stack) TypeAt(i int) BaseType {
	if i < 0 || i >= len(s.types) {
		return TypeInvalid
	}
	return s.types[i]
}

// CheckVectorOnTop reports whether the top three cells are floats.
func (s *Stack) CheckVectorOnTop() bool {
	n := len(s.types)
	return n >= 3 && s.types[n-1] == TypeFloat && s.types[n-2] == TypeFloat && s.types[n-3] == TypeFloat
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

func (s *Stack) push(t BaseType, c cell) {
	s.cells = append(s.cells, c)
	s.types = append(s.types, t)
}

func (s *Stack) PushInt(i int32)         { s.push(TypeInt, cell{num: uint32(i)}) }
func (s *Stack) PushFloat(f float32)     { s.push(TypeFloat, cell{num: math.Float32bits(f)}) }
func (s *Stack) PushString(str string)   { s.push(TypeString, cell{str: str}) }
func (s *Stack) PushObjectID(o ObjectID) { s.push(TypeObject, cell{num: uint32(o)}) }

// PushVector pushes x, y and z as three float cells.
func (s *Stack) PushVector(v Vector) {
	s.PushFloat(v.X)
	s.PushFloat(v.Y)
	s.PushFloat(v.Z)
}

// PushEngineStructure pushes r, transferring the caller's reference to
// the stack.
func (s *Stack) PushEngineStructure(r *EngineRef) {
	s.push(EngineType(r.Structure().EngineType()), cell{eng: r})
}

// PushValue pushes v. Engine values transfer their reference.
func (s *Stack) PushValue(v Value) error {
	switch v.Type {
	case TypeInt:
		s.PushInt(v.Int)
	case TypeFloat:
		s.PushFloat(v.Float)
	case TypeString:
		s.PushString(v.Str)
	case TypeObject:
		s.PushObjectID(v.Object)
	default:
		if !v.Type.IsEngine() || v.Engine == nil {
			return fmt.Errorf("%w: cannot push %s", ErrStackTypeMismatch, v.Type)
		}
		s.push(v.Type, cell{eng: v.Engine})
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pop
// ---------------------------------------------------------------------------

func (s *Stack) check(t BaseType) error {
	n := len(s.types)
	if n == 0 {
		return ErrStackUnderflow
	}
	if s.types[n-1] != t {
		return fmt.Errorf("%w: want %s, top of stack is %s", ErrStackTypeMismatch, t, s.types[n-1])
	}
	return nil
}

// take removes the top cell without releasing it.
func (s *Stack) take() cell {
	n := len(s.cells) - 1
	c := s.cells[n]
	s.cells[n] = cell{}
	s.cells = s.cells[:n]
	s.types = s.types[:n]
	if s.bp > n {
		s.bp = n
	}
	return c
}

func (s *Stack) PopInt() (int32, error) {
	if err := s.check(TypeInt); err != nil {
		return 0, err
	}
	return int32(s.take().num), nil
}

func (s *Stack) PopFloat() (float32, error) {
	if err := s.check(TypeFloat); err != nil {
		return 0, err
	}
	return math.Float32frombits(s.take().num), nil
}

func (s *Stack) PopString() (string, error) {
	if err := s.check(TypeString); err != nil {
		return "", err
	}
	return s.take().str, nil
}

func (s *Stack) PopObjectID() (ObjectID, error) {
	if err := s.check(TypeObject); err != nil {
		return ObjectInvalid, err
	}
	return ObjectID(s.take().num), nil
}

// PopVector pops z, y and x. All three cells must be floats.
func (s *Stack) PopVector() (Vector, error) {
	if len(s.cells) < 3 {
		return Vector{}, ErrStackUnderflow
	}
	if !s.CheckVectorOnTop() {
		return Vector{}, fmt.Errorf("%w: want vector, top of stack is %s", ErrStackTypeMismatch, s.TopType())
	}
	var v Vector
	v.Z = math.Float32frombits(s.take().num)
	v.Y = math.Float32frombits(s.take().num)
	v.X = math.Float32frombits(s.take().num)
	return v, nil
}

// PopEngineStructure pops an engine structure of the given number. The
// caller receives the stack's reference and must Release it.
func (s *Stack) PopEngineStructure(engineType int) (*EngineRef, error) {
	if err := s.check(EngineType(engineType)); err != nil {
		return nil, err
	}
	return s.take().eng, nil
}

// PopValue pops the top cell whatever its type.
func (s *Stack) PopValue() (Value, error) {
	if len(s.cells) == 0 {
		return Value{}, ErrStackUnderflow
	}
	t := s.TopType()
	return cellValue(t, s.take()), nil
}

func cellValue(t BaseType, c cell) Value {
	v := Value{Type: t}
	switch t {
	case TypeInt:
		v.Int = int32(c.num)
	case TypeFloat:
		v.Float = math.Float32frombits(c.num)
	case TypeString:
		v.Str = c.str
	case TypeObject:
		v.Object = ObjectID(c.num)
	default:
		v.Engine = c.eng
	}
	return v
}

// Values returns a snapshot of all cells, bottom first. Engine references
// are borrowed, not retained.
func (s *Stack) Values() []Value {
	out := make([]Value, len(s.cells))
	for i := range s.cells {
		out[i] = cellValue(s.types[i], s.cells[i])
	}
	return out
}

// ---------------------------------------------------------------------------
// Frame-relative access
// ---------------------------------------------------------------------------

// window resolves a byte offset relative to a base cell into a cell index,
// checking that count cells starting there are live.
func (s *Stack) window(base int, offset int32, count int) (int, error) {
	if offset%ncs.CellSize != 0 {
		return 0, fmt.Errorf("%w: unaligned offset %d", ErrInvalidStackAccess, offset)
	}
	idx := base + int(offset/ncs.CellSize)
	if idx < 0 || count < 0 || idx+count > len(s.cells) {
		return 0, fmt.Errorf("%w: %d cells at offset %d (SP %d, BP %d)", ErrInvalidStackAccess, count, offset, s.SP(), s.BP())
	}
	return idx, nil
}

// copyCell copies cell src over cell dst, retaining the new engine
// reference before releasing the old one.
func (s *Stack) copyCell(dst, src int) {
	if dst == src {
		return
	}
	c := s.cells[src]
	if c.eng != nil {
		c.eng.Retain()
	}
	if old := s.cells[dst].eng; old != nil {
		old.Release()
	}
	s.cells[dst] = c
	s.types[dst] = s.types[src]
}

func (s *Stack) copyDown(base int, offset int32, size uint16) error {
	n := int(size) / ncs.CellSize
	if n > len(s.cells) {
		return ErrStackUnderflow
	}
	dst, err := s.window(base, offset, n)
	if err != nil {
		return err
	}
	src := len(s.cells) - n
	for i := 0; i < n; i++ {
		s.copyCell(dst+i, src+i)
	}
	return nil
}

func (s *Stack) copyTop(base int, offset int32, size uint16) error {
	n := int(size) / ncs.CellSize
	src, err := s.window(base, offset, n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		c := s.cells[src+i]
		if c.eng != nil {
			c.eng.Retain()
		}
		s.push(s.types[src+i], c)
	}
	return nil
}

// CopyDownSP overwrites the cells at SP+offset with the top size bytes.
func (s *Stack) CopyDownSP(offset int32, size uint16) error {
	return s.copyDown(len(s.cells), offset, size)
}

// CopyTopSP pushes a copy of size bytes starting at SP+offset.
func (s *Stack) CopyTopSP(offset int32, size uint16) error {
	return s.copyTop(len(s.cells), offset, size)
}

// CopyDownBP overwrites the cells at BP+offset with the top size bytes.
func (s *Stack) CopyDownBP(offset int32, size uint16) error {
	return s.copyDown(s.bp, offset, size)
}

// CopyTopBP pushes a copy of size bytes starting at BP+offset.
func (s *Stack) CopyTopBP(offset int32, size uint16) error {
	return s.copyTop(s.bp, offset, size)
}

// drop discards the top n cells, releasing engine references.
func (s *Stack) drop(n int) {
	for i := 0; i < n; i++ {
		if c := s.take(); c.eng != nil {
			c.eng.Release()
		}
	}
}

// MoveSP drops -offset bytes from the stack. offset must not be positive.
func (s *Stack) MoveSP(offset int32) error {
	if offset > 0 {
		return fmt.Errorf("%w: MOVSP %d grows the stack", ErrInvalidStackAccess, offset)
	}
	start, err := s.window(len(s.cells), offset, 0)
	if err != nil {
		return err
	}
	s.drop(len(s.cells) - start)
	return nil
}

// Destruct removes the top size bytes except for keepSize bytes starting
// keepOffset bytes into that block, which slide down to take its place.
func (s *Stack) Destruct(size, keepOffset, keepSize int16) error {
	n := int(size) / ncs.CellSize
	if n > len(s.cells) {
		return ErrStackUnderflow
	}
	start := len(s.cells) - n
	keep := start + int(keepOffset)/ncs.CellSize
	k := int(keepSize) / ncs.CellSize
	if keep+k > len(s.cells) {
		return fmt.Errorf("%w: DESTRUCT %d, %d, %d", ErrInvalidStackAccess, size, keepOffset, keepSize)
	}

	for i := start; i < len(s.cells); i++ {
		if (i < keep || i >= keep+k) && s.cells[i].eng != nil {
			s.cells[i].eng.Release()
		}
	}
	copy(s.cells[start:], s.cells[keep:keep+k])
	copy(s.types[start:], s.types[keep:keep+k])
	for i := start + k; i < len(s.cells); i++ {
		s.cells[i] = cell{}
	}
	s.cells = s.cells[:start+k]
	s.types = s.types[:start+k]
	if s.bp > len(s.cells) {
		s.bp = len(s.cells)
	}
	return nil
}

func (s *Stack) adjust(base int, offset int32, delta int32) error {
	idx, err := s.window(base, offset, 1)
	if err != nil {
		return err
	}
	if s.types[idx] != TypeInt {
		return fmt.Errorf("%w: want int at offset %d, found %s", ErrStackTypeMismatch, offset, s.types[idx])
	}
	s.cells[idx].num = uint32(int32(s.cells[idx].num) + delta)
	return nil
}

// AdjustIntSP adds delta to the int at SP+offset.
func (s *Stack) AdjustIntSP(offset int32, delta int32) error {
	return s.adjust(len(s.cells), offset, delta)
}

// AdjustIntBP adds delta to the int at BP+offset.
func (s *Stack) AdjustIntBP(offset int32, delta int32) error {
	return s.adjust(s.bp, offset, delta)
}

// SaveBP pushes the current BP and makes SP the new BP.
func (s *Stack) SaveBP() {
	s.PushInt(s.BP())
	s.bp = len(s.cells)
}

// RestoreBP pops a BP saved by SaveBP.
func (s *Stack) RestoreBP() error {
	if err := s.check(TypeInt); err != nil {
		return err
	}
	bp := int32(s.cells[len(s.cells)-1].num)
	if bp < 0 || bp%ncs.CellSize != 0 || int(bp/ncs.CellSize) > len(s.cells)-1 {
		return fmt.Errorf("%w: restored BP %d with SP %d", ErrInvalidStackAccess, bp, s.SP()-ncs.CellSize)
	}
	s.take()
	s.bp = int(bp / ncs.CellSize)
	return nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SaveStack appends a snapshot to dest: the bpCells cells below BP, then
// the numeric BP as an int, then the spCells cells ending spSaveOffset
// cells below SP. Strings are copied and engine references retained.
func (s *Stack) SaveStack(dest *Stack, bpCells, spCells, spSaveOffset int) error {
	gStart := s.bp - bpCells
	lEnd := len(s.cells) - spSaveOffset
	lStart := lEnd - spCells
	if bpCells < 0 || spCells < 0 || spSaveOffset < 0 || gStart < 0 || lStart < 0 || lEnd > len(s.cells) {
		return fmt.Errorf("%w: save %d globals and %d locals with BP %d, SP %d",
			ErrInvalidStackAccess, bpCells, spCells, s.BP(), s.SP())
	}

	appendRange := func(from, to int) {
		for i := from; i < to; i++ {
			c := s.cells[i]
			if s.types[i] == TypeString {
				c.str = strings.Clone(c.str)
			}
			if c.eng != nil {
				c.eng.Retain()
			}
			dest.push(s.types[i], c)
		}
	}
	appendRange(gStart, s.bp)
	dest.PushInt(s.BP())
	appendRange(lStart, lEnd)
	return nil
}

// Clone returns an independent copy of the stack, including BP.
func (s *Stack) Clone() *Stack {
	c := &Stack{
		cells: make([]cell, len(s.cells), cap(s.cells)),
		types: make([]BaseType, len(s.types), cap(s.types)),
		bp:    s.bp,
	}
	copy(c.cells, s.cells)
	copy(c.types, s.types)
	for _, cl := range c.cells {
		if cl.eng != nil {
			cl.eng.Retain()
		}
	}
	return c
}

// Clear empties the stack, releasing engine references.
func (s *Stack) Clear() {
	s.drop(len(s.cells))
	s.bp = 0
}

func (s *Stack) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range s.Values() {
		if i > 0 {
			sb.WriteString(" ")
		}
		if i == s.bp {
			sb.WriteString("| ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteString("]")
	return sb.String()
}
