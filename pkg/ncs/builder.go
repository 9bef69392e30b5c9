package ncs

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resume offsets used by the compiler: a STORE_STATE is always followed by
// a JMP over the resume block, so execution resumes right after the JMP.
const (
	StoreStateResumeOffset    = 0x10 // STORE_STATE (10 bytes) + JMP (6 bytes)
	StoreStateAllResumeOffset = 0x08 // STORE_STATEALL (2 bytes) + JMP (6 bytes)
)

// Builder assembles NCS images. Branch targets are named labels resolved
// when Bytes is called.
type Builder struct {
	code   []byte
	labels map[string]uint32
	fixups []fixup
	err    error
}

type fixup struct {
	at    int    // offset of the i32 displacement within code
	pc    uint32 // PC of the branch instruction
	label string
}

// NewBuilder creates an empty assembler.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]uint32)}
}

// PC returns the PC the next instruction will be emitted at.
func (b *Builder) PC() uint32 {
	return uint32(HeaderSize + len(b.code))
}

// Label binds name to the current PC.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("duplicate label %q", name)
	}
	b.labels[name] = b.PC()
	return b
}

func (b *Builder) emit(op Opcode, t TypeCode, operands ...byte) *Builder {
	b.code = append(b.code, byte(op), byte(t))
	b.code = append(b.code, operands...)
	return b
}

func be32(v int32) []byte  { return binary.BigEndian.AppendUint32(nil, uint32(v)) }
func be16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

// ConstInt emits CONST I.
func (b *Builder) ConstInt(v int32) *Builder { return b.emit(OpConst, TypeInt, be32(v)...) }

// ConstFloat emits CONST F.
func (b *Builder) ConstFloat(v float32) *Builder {
	return b.emit(OpConst, TypeFloat, be32(int32(math.Float32bits(v)))...)
}

// ConstString emits CONST S.
func (b *Builder) ConstString(s string) *Builder {
	if len(s) > math.MaxUint16 && b.err == nil {
		b.err = fmt.Errorf("string constant too long: %d bytes", len(s))
	}
	return b.emit(OpConst, TypeString, append(be16(uint16(len(s))), s...)...)
}

// ConstObject emits CONST O. Zero is OBJECT_SELF and one OBJECT_INVALID.
func (b *Builder) ConstObject(v int32) *Builder { return b.emit(OpConst, TypeObject, be32(v)...) }

// RSAdd reserves a default-valued cell.
func (b *Builder) RSAdd(t TypeCode) *Builder { return b.emit(OpRSAdd, t) }

func (b *Builder) stackCopy(op Opcode, offset int32, size uint16) *Builder {
	return b.emit(op, 0x01, append(be32(offset), be16(size)...)...)
}

// CopyDownSP emits CPDOWNSP.
func (b *Builder) CopyDownSP(offset int32, size uint16) *Builder {
	return b.stackCopy(OpCopyDownSP, offset, size)
}

// CopyTopSP emits CPTOPSP.
func (b *Builder) CopyTopSP(offset int32, size uint16) *Builder {
	return b.stackCopy(OpCopyTopSP, offset, size)
}

// CopyDownBP emits CPDOWNBP.
func (b *Builder) CopyDownBP(offset int32, size uint16) *Builder {
	return b.stackCopy(OpCopyDownBP, offset, size)
}

// CopyTopBP emits CPTOPBP.
func (b *Builder) CopyTopBP(offset int32, size uint16) *Builder {
	return b.stackCopy(OpCopyTopBP, offset, size)
}

// Action emits ACTION.
func (b *Builder) Action(id uint16, argc uint8) *Builder {
	return b.emit(OpAction, 0, append(be16(id), argc)...)
}

// Op emits an instruction without operands (binary and unary operators,
// RETN, SAVEBP, RESTOREBP, NOP).
func (b *Builder) Op(op Opcode, t TypeCode) *Builder { return b.emit(op, t) }

// CompareStructs emits EQUAL or NEQUAL over size bytes of structure.
func (b *Builder) CompareStructs(op Opcode, size uint16) *Builder {
	return b.emit(op, TypeStructStruct, be16(size)...)
}

// MoveSP emits MOVSP.
func (b *Builder) MoveSP(offset int32) *Builder { return b.emit(OpMoveSP, 0, be32(offset)...) }

// Adjust emits DECISP, INCISP, DECIBP or INCIBP.
func (b *Builder) Adjust(op Opcode, offset int32) *Builder {
	return b.emit(op, TypeInt, be32(offset)...)
}

// Destruct emits DESTRUCT.
func (b *Builder) Destruct(size, keepOffset, keepSize int16) *Builder {
	ops := append(be16(uint16(size)), be16(uint16(keepOffset))...)
	return b.emit(OpDestruct, 0x01, append(ops, be16(uint16(keepSize))...)...)
}

// Jump emits JMP, JSR, JZ or JNZ to label.
func (b *Builder) Jump(op Opcode, label string) *Builder {
	b.fixups = append(b.fixups, fixup{at: len(b.code) + 2, pc: b.PC(), label: label})
	return b.emit(op, 0, be32(0)...)
}

// StoreState emits STORE_STATE saving bpBytes of globals and spBytes of locals.
func (b *Builder) StoreState(bpBytes, spBytes int32) *Builder {
	return b.emit(OpStoreState, StoreStateResumeOffset, append(be32(bpBytes), be32(spBytes)...)...)
}

// StoreStateAll emits STORE_STATEALL.
func (b *Builder) StoreStateAll() *Builder { return b.emit(OpStoreStateAll, StoreStateAllResumeOffset) }

// Retn emits RETN.
func (b *Builder) Retn() *Builder { return b.emit(OpRetn, 0) }

// Raw appends arbitrary bytes, for constructing malformed images.
func (b *Builder) Raw(data ...byte) *Builder {
	b.code = append(b.code, data...)
	return b
}

// Bytes resolves labels and returns the complete image with its header.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	code := append([]byte(nil), b.code...)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		binary.BigEndian.PutUint32(code[f.at:], uint32(int32(int64(target)-int64(f.pc))))
	}

	out := make([]byte, 0, HeaderSize+len(code))
	out = append(out, FileSignature...)
	out = append(out, SizeRecordOpcode)
	out = binary.BigEndian.AppendUint32(out, uint32(HeaderSize+len(code)))
	return append(out, code...), nil
}

// MustBytes is like Bytes but panics on error. Intended for tests.
func (b *Builder) MustBytes() []byte {
	data, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	return data
}
