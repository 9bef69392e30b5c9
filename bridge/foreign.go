package bridge

import (
	"bytes"
	"errors"

	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

// Slot type bytes, as stored in the foreign type array.
const (
	SlotInt     byte = 0x03
	SlotFloat   byte = 0x04
	SlotString  byte = 0x05
	SlotObject  byte = 0x06
	SlotEngine0 byte = 0x10
	SlotEngine9 byte = 0x19

	// SlotNone is reported by TopType on an empty stack.
	SlotNone byte = 0xFF
)

// SlotSize is the width of one foreign stack slot.
const SlotSize = ncs.CellSize

// ErrForeignStack is returned when the foreign stack rejects an access.
var ErrForeignStack = errors.New("foreign stack error")

// ForeignStack is the host's execution stack, seen through its byte-layout
// contract:
//
//   - every slot is 4 bytes wide and tagged by one type byte
//   - ints and objects are stored by value, floats as their IEEE bits
//   - a string slot refers to a buffer and its length including the NUL
//     terminator; the empty string has no buffer and length 0
//   - an engine structure slot holds an opaque host handle
//   - SP and BP are byte offsets, four times the slot index
//
// Pops transfer ownership of strings and engine handles to the caller;
// pushes transfer ownership to the stack.
type ForeignStack interface {
	SP() int32
	BP() int32
	SetBP(bytes int32) error
	TopType() byte

	PushInt(i int32) error
	PopInt() (int32, error)
	PushFloat(f float32) error
	PopFloat() (float32, error)
	PushString(s string) error
	PopString() (string, error)
	PushObject(o vm.ObjectID) error
	PopObject() (vm.ObjectID, error)
	PushEngine(engineType int, handle uint32) error
	PopEngine(engineType int) (uint32, error)

	// Slot reads slot i (0 is the bottom) without popping it. For string
	// slots StringAt returns the contents.
	Slot(i int) (typ byte, raw uint32, err error)
	StringAt(i int) (string, error)
}

// EncodeNeutral returns the foreign buffer for s: its bytes and a NUL
// terminator, or nil for the empty string.
func EncodeNeutral(s string) []byte {
	if s == "" {
		return nil
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}

// DecodeNeutral returns the string held in a foreign buffer. Trailing NULs
// are not part of the string.
func DecodeNeutral(buf []byte) string {
	return string(bytes.TrimRight(buf, "\x00"))
}

// IsEngineSlot reports whether typ tags an engine structure.
func IsEngineSlot(typ byte) bool {
	return typ >= SlotEngine0 && typ <= SlotEngine9
}
