package bridge

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/nwvm/vm"
)

// MemoryForeignStack is a ForeignStack held in Go memory, laid out the way
// the host lays out its own: a type byte array, a 4-byte node array and
// string buffers addressed by pointer.
type MemoryForeignStack struct {
	types []byte
	nodes []uint32
	bp    int

	heap map[uint32][]byte
	next uint32
}

// NewMemoryForeignStack returns an empty stack.
func NewMemoryForeignStack() *MemoryForeignStack {
	return &MemoryForeignStack{heap: make(map[uint32][]byte), next: 0x10000}
}

func (m *MemoryForeignStack) SP() int32 { return int32(len(m.nodes) * SlotSize) }
func (m *MemoryForeignStack) BP() int32 { return int32(m.bp * SlotSize) }

func (m *MemoryForeignStack) SetBP(bytes int32) error {
	if bytes < 0 || bytes%SlotSize != 0 || int(bytes/SlotSize) > len(m.nodes) {
		return fmt.Errorf("%w: BP %d outside 0..%d", ErrForeignStack, bytes, m.SP())
	}
	m.bp = int(bytes / SlotSize)
	return nil
}

func (m *MemoryForeignStack) TopType() byte {
	if len(m.types) == 0 {
		return SlotNone
	}
	return m.types[len(m.types)-1]
}

// Depth returns the number of slots.
func (m *MemoryForeignStack) Depth() int { return len(m.nodes) }

// LiveStrings returns the number of string buffers owned by the stack.
func (m *MemoryForeignStack) LiveStrings() int { return len(m.heap) }

// StringBuffer returns the pointer and buffer length of string slot i.
func (m *MemoryForeignStack) StringBuffer(i int) (ptr uint32, length int, err error) {
	typ, raw, err := m.Slot(i)
	if err != nil {
		return 0, 0, err
	}
	if typ != SlotString {
		return 0, 0, fmt.Errorf("%w: slot %d is type 0x%02X, not a string", ErrForeignStack, i, typ)
	}
	return raw, len(m.heap[raw]), nil
}

func (m *MemoryForeignStack) push(typ byte, raw uint32) error {
	m.types = append(m.types, typ)
	m.nodes = append(m.nodes, raw)
	return nil
}

func (m *MemoryForeignStack) pop(want byte) (uint32, error) {
	n := len(m.nodes)
	if n == 0 {
		return 0, fmt.Errorf("%w: %w", ErrForeignStack, vm.ErrStackUnderflow)
	}
	if m.types[n-1] != want {
		return 0, fmt.Errorf("%w: %w: want 0x%02X, top is 0x%02X", ErrForeignStack, vm.ErrStackTypeMismatch, want, m.types[n-1])
	}
	raw := m.nodes[n-1]
	m.types = m.types[:n-1]
	m.nodes = m.nodes[:n-1]
	if m.bp > n-1 {
		m.bp = n - 1
	}
	return raw, nil
}

func (m *MemoryForeignStack) PushInt(i int32) error { return m.push(SlotInt, uint32(i)) }

func (m *MemoryForeignStack) PopInt() (int32, error) {
	raw, err := m.pop(SlotInt)
	return int32(raw), err
}

func (m *MemoryForeignStack) PushFloat(f float32) error {
	return m.push(SlotFloat, math.Float32bits(f))
}

func (m *MemoryForeignStack) PopFloat() (float32, error) {
	raw, err := m.pop(SlotFloat)
	return math.Float32frombits(raw), err
}

func (m *MemoryForeignStack) PushString(s string) error {
	buf := EncodeNeutral(s)
	if buf == nil {
		return m.push(SlotString, 0)
	}
	ptr := m.next
	m.next += uint32(len(buf)+15) &^ 15
	m.heap[ptr] = buf
	return m.push(SlotString, ptr)
}

func (m *MemoryForeignStack) PopString() (string, error) {
	ptr, err := m.pop(SlotString)
	if err != nil || ptr == 0 {
		return "", err
	}
	buf := m.heap[ptr]
	delete(m.heap, ptr)
	return DecodeNeutral(buf), nil
}

func (m *MemoryForeignStack) PushObject(o vm.ObjectID) error { return m.push(SlotObject, uint32(o)) }

func (m *MemoryForeignStack) PopObject() (vm.ObjectID, error) {
	raw, err := m.pop(SlotObject)
	if err != nil {
		return vm.ObjectInvalid, err
	}
	return vm.ObjectID(raw), nil
}

func (m *MemoryForeignStack) PushEngine(engineType int, handle uint32) error {
	if engineType < 0 || engineType > int(SlotEngine9-SlotEngine0) {
		return fmt.Errorf("%w: engine type %d", ErrForeignStack, engineType)
	}
	return m.push(SlotEngine0+byte(engineType), handle)
}

func (m *MemoryForeignStack) PopEngine(engineType int) (uint32, error) {
	return m.pop(SlotEngine0 + byte(engineType))
}

func (m *MemoryForeignStack) Slot(i int) (byte, uint32, error) {
	if i < 0 || i >= len(m.nodes) {
		return 0, 0, fmt.Errorf("%w: slot %d outside 0..%d", ErrForeignStack, i, len(m.nodes)-1)
	}
	return m.types[i], m.nodes[i], nil
}

func (m *MemoryForeignStack) StringAt(i int) (string, error) {
	typ, raw, err := m.Slot(i)
	if err != nil {
		return "", err
	}
	if typ != SlotString {
		return "", fmt.Errorf("%w: slot %d is type 0x%02X, not a string", ErrForeignStack, i, typ)
	}
	return DecodeNeutral(m.heap[raw]), nil
}

// Clear drops every slot and frees the string buffers. Engine handles are
// not the stack's to delete and are simply dropped.
func (m *MemoryForeignStack) Clear() {
	m.types = m.types[:0]
	m.nodes = m.nodes[:0]
	m.bp = 0
	clear(m.heap)
}

func (m *MemoryForeignStack) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i := range m.nodes {
		if i > 0 {
			sb.WriteString(" ")
		}
		switch typ := m.types[i]; {
		case typ == SlotString:
			s, _ := m.StringAt(i)
			fmt.Fprintf(&sb, "%q", s)
		case typ == SlotFloat:
			fmt.Fprintf(&sb, "%gf", math.Float32frombits(m.nodes[i]))
		case IsEngineSlot(typ):
			fmt.Fprintf(&sb, "e%d:%08X", typ-SlotEngine0, m.nodes[i])
		default:
			fmt.Fprintf(&sb, "%d", int32(m.nodes[i]))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
