package ncs

import (
	"bytes"
	"strings"
)

// ResRef16 is the legacy 16-byte resource name.
type ResRef16 [16]byte

// ResRef32 is the current 32-byte resource name. Scripts are keyed by
// ResRef32; legacy names are widened.
type ResRef32 [32]byte

// NewResRef16 canonicalizes name: lowercased, NUL padded, truncated to 16 bytes.
func NewResRef16(name string) ResRef16 {
	var r ResRef16
	copy(r[:], strings.ToLower(name))
	return r
}

// NewResRef32 canonicalizes name: lowercased, NUL padded, truncated to 32 bytes.
func NewResRef32(name string) ResRef32 {
	var r ResRef32
	copy(r[:], strings.ToLower(name))
	return r
}

func (r ResRef16) String() string { return trimNul(r[:]) }
func (r ResRef32) String() string { return trimNul(r[:]) }

// Widen converts a legacy name to the 32-byte form.
func (r ResRef16) Widen() ResRef32 {
	var w ResRef32
	copy(w[:], r[:])
	return w
}

// Narrow converts to the legacy form. ok is false when the name is longer
// than 16 bytes and would be truncated.
func (r ResRef32) Narrow() (n ResRef16, ok bool) {
	copy(n[:], r[:])
	return n, r[len(n)] == 0
}

// IsEmpty reports whether the name is blank.
func (r ResRef32) IsEmpty() bool { return r[0] == 0 }

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
