package ncs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// File format constants.
const (
	// FileSignature opens every compiled script: "NCS " followed by "V1.0".
	FileSignature = "NCS V1.0"

	// SizeRecordOpcode introduces the big-endian uint32 total file size.
	SizeRecordOpcode = 0x42

	// HeaderSize is the offset of the first instruction, and so the entry PC.
	HeaderSize = 13

	// CellSize is the width in bytes of one stack cell.
	CellSize = 4
)

// ErrMalformedProgram is returned when a bytecode image cannot be decoded.
var ErrMalformedProgram = errors.New("malformed program")

// DecodeError reports where decoding failed.
type DecodeError struct {
	Script string
	PC     uint32
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Script == "" {
		return fmt.Sprintf("malformed program at pc 0x%08X: %s", e.PC, e.Reason)
	}
	return fmt.Sprintf("malformed program %s at pc 0x%08X: %s", e.Script, e.PC, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedProgram }

// Instruction is one decoded instruction. Only the operand fields that
// belong to the instruction's OperandForm are meaningful.
type Instruction struct {
	PC   uint32
	Op   Opcode
	Type TypeCode
	Len  int

	// Offset is the stack offset (copies, MOVSP, INC/DEC) or the branch
	// displacement relative to PC (jumps).
	Offset int32

	// Size is the byte count of stack copies and structure compares.
	Size uint16

	// CONST operands.
	IntValue    int32
	FloatValue  float32
	StringValue string

	// ACTION operands.
	ActionID uint16
	ArgCount uint8

	// DESTRUCT operands, in bytes.
	DestructSize int16
	KeepOffset   int16
	KeepSize     int16

	// STORE_STATE operands, in bytes.
	SaveBPBytes int32
	SaveSPBytes int32

	// Target is the absolute branch or resume PC and TargetIndex its
	// position in Program.Instructions. TargetIndex is -1 when unused.
	Target      uint32
	TargetIndex int
}

// HasTarget reports whether the instruction refers to another instruction.
func (in *Instruction) HasTarget() bool {
	return in.Op.IsJump() || in.Op == OpStoreState || in.Op == OpStoreStateAll
}

// Subroutine is a JSR target (or the entry point) with its signature when
// debug symbols are attached.
type Subroutine struct {
	PC     uint32
	End    uint32
	Name   string
	Return SymbolType
	Params []SymbolType
}

// Program is an immutable decoded script image. It is safe for concurrent
// readers once Decode returns.
type Program struct {
	Name         string
	Code         []byte
	Instructions []Instruction
	Subroutines  []*Subroutine
	ResumeLabels []uint32
	Symbols      *Symbols

	index map[uint32]int
	subs  map[uint32]*Subroutine
}

// EntryPC returns the PC of the first instruction.
func (p *Program) EntryPC() uint32 { return HeaderSize }

// CodeSize returns the size of the encoded image in bytes.
func (p *Program) CodeSize() int { return len(p.Code) }

// IndexOf maps a PC to its instruction index.
func (p *Program) IndexOf(pc uint32) (int, bool) {
	i, ok := p.index[pc]
	return i, ok
}

// Subroutine returns the subroutine starting at pc, if any.
func (p *Program) Subroutine(pc uint32) *Subroutine {
	return p.subs[pc]
}

// SubroutineAt returns the subroutine whose body contains pc.
func (p *Program) SubroutineAt(pc uint32) *Subroutine {
	i := sort.Search(len(p.Subroutines), func(i int) bool { return p.Subroutines[i].PC > pc })
	if i == 0 {
		return nil
	}
	return p.Subroutines[i-1]
}

// EntrySubroutine returns the script's main function: the symbol named
// "main" or "StartingConditional" when present, else the entry point.
func (p *Program) EntrySubroutine() *Subroutine {
	for _, s := range p.Subroutines {
		if s.Name == "main" || s.Name == "StartingConditional" {
			return s
		}
	}
	return p.subs[p.EntryPC()]
}

// SourceLocation maps pc to a source file and line when symbols are attached.
func (p *Program) SourceLocation(pc uint32) (file string, line int, ok bool) {
	if p.Symbols == nil {
		return "", 0, false
	}
	return p.Symbols.Lookup(pc)
}

// AttachSymbols names subroutines and records their signatures.
// Symbols that do not line up with a decoded subroutine are ignored.
func (p *Program) AttachSymbols(s *Symbols) {
	if s == nil {
		return
	}
	p.Symbols = s
	for _, fn := range s.Functions {
		sub, ok := p.subs[fn.Start]
		if !ok {
			continue
		}
		sub.Name = fn.Name
		sub.End = fn.End
		sub.Return = fn.Return
		sub.Params = append([]SymbolType(nil), fn.Params...)
	}
}

// Decode parses an NCS V1.0 image. Either the whole program decodes and
// validates or an error wrapping ErrMalformedProgram is returned.
func Decode(name string, data []byte) (*Program, error) {
	fail := func(pc uint32, format string, args ...any) (*Program, error) {
		return nil, &DecodeError{Script: name, PC: pc, Reason: fmt.Sprintf(format, args...)}
	}

	if len(data) < HeaderSize {
		return fail(0, "image too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	if string(data[:8]) != FileSignature {
		return fail(0, "invalid signature %q", data[:8])
	}
	if data[8] != SizeRecordOpcode {
		return fail(8, "expected size record 0x%02X, got 0x%02X", SizeRecordOpcode, data[8])
	}
	if size := binary.BigEndian.Uint32(data[9:13]); int(size) != len(data) {
		return fail(9, "size record says %d bytes, image has %d", size, len(data))
	}
	if len(data) == HeaderSize {
		return fail(HeaderSize, "no instructions")
	}

	p := &Program{
		Name:  name,
		Code:  data,
		index: make(map[uint32]int),
		subs:  make(map[uint32]*Subroutine),
	}

	pc := uint32(HeaderSize)
	for int(pc) < len(data) {
		in, err := decodeInstruction(data, pc)
		if err != nil {
			return fail(pc, "%s", err)
		}
		p.index[pc] = len(p.Instructions)
		p.Instructions = append(p.Instructions, in)
		pc += uint32(in.Len)
	}

	// Resolve branch and resume targets now that every boundary is known.
	p.subs[HeaderSize] = &Subroutine{PC: HeaderSize}
	resume := make(map[uint32]bool)
	for i := range p.Instructions {
		in := &p.Instructions[i]
		in.TargetIndex = -1
		if !in.HasTarget() {
			continue
		}
		switch in.Op {
		case OpStoreState, OpStoreStateAll:
			in.Target = in.PC + uint32(in.Type)
		default:
			in.Target = uint32(int64(in.PC) + int64(in.Offset))
		}
		idx, ok := p.index[in.Target]
		if !ok {
			return fail(in.PC, "%s target 0x%08X is not an instruction boundary", in.Op, in.Target)
		}
		in.TargetIndex = idx
		switch in.Op {
		case OpJsr:
			if _, seen := p.subs[in.Target]; !seen {
				p.subs[in.Target] = &Subroutine{PC: in.Target}
			}
		case OpStoreState, OpStoreStateAll:
			resume[in.Target] = true
		}
	}

	for _, s := range p.subs {
		p.Subroutines = append(p.Subroutines, s)
	}
	sort.Slice(p.Subroutines, func(i, j int) bool { return p.Subroutines[i].PC < p.Subroutines[j].PC })
	for pc := range resume {
		p.ResumeLabels = append(p.ResumeLabels, pc)
	}
	sort.Slice(p.ResumeLabels, func(i, j int) bool { return p.ResumeLabels[i] < p.ResumeLabels[j] })

	return p, nil
}

// decodeInstruction decodes the instruction at pc.
func decodeInstruction(data []byte, pc uint32) (Instruction, error) {
	pos := int(pc)
	if pos+2 > len(data) {
		return Instruction{}, fmt.Errorf("truncated instruction header")
	}
	in := Instruction{PC: pc, Op: Opcode(data[pos]), Type: TypeCode(data[pos+1]), Len: 2}
	if !in.Op.Known() {
		return in, fmt.Errorf("unrecognized opcode 0x%02X", byte(in.Op))
	}
	if !in.Op.AcceptsType(in.Type) {
		return in, fmt.Errorf("invalid type %s for %s", in.Type, in.Op)
	}

	need := func(n int, what string) error {
		if pos+in.Len+n > len(data) {
			return fmt.Errorf("unexpected end of bytecode reading %s of %s", what, in.Op)
		}
		return nil
	}
	operands := func() []byte { return data[pos+in.Len:] }

	switch GetOpcodeInfo(in.Op).Form {
	case FormNone:
		if in.Op == OpStoreStateAll && in.Type == 0 {
			return in, fmt.Errorf("zero resume offset for %s", in.Op)
		}

	case FormStackCopy:
		if err := need(6, "offset and size"); err != nil {
			return in, err
		}
		in.Offset = int32(binary.BigEndian.Uint32(operands()))
		in.Size = binary.BigEndian.Uint16(operands()[4:])
		in.Len += 6
		if err := cellAligned(in.Op, int64(in.Offset), int64(in.Size)); err != nil {
			return in, err
		}

	case FormConst:
		switch in.Type {
		case TypeInt, TypeObject:
			if err := need(4, "constant"); err != nil {
				return in, err
			}
			in.IntValue = int32(binary.BigEndian.Uint32(operands()))
			in.Len += 4
		case TypeFloat:
			if err := need(4, "constant"); err != nil {
				return in, err
			}
			in.FloatValue = math.Float32frombits(binary.BigEndian.Uint32(operands()))
			in.Len += 4
		case TypeString:
			if err := need(2, "string length"); err != nil {
				return in, err
			}
			n := int(binary.BigEndian.Uint16(operands()))
			in.Len += 2
			if err := need(n, "string constant"); err != nil {
				return in, err
			}
			in.StringValue = string(operands()[:n])
			in.Len += n
		}

	case FormAction:
		if err := need(3, "action id and argument count"); err != nil {
			return in, err
		}
		in.ActionID = binary.BigEndian.Uint16(operands())
		in.ArgCount = operands()[2]
		in.Len += 3

	case FormBinary:
		if in.Type == TypeStructStruct {
			if err := need(2, "structure size"); err != nil {
				return in, err
			}
			in.Size = binary.BigEndian.Uint16(operands())
			in.Len += 2
			if err := cellAligned(in.Op, int64(in.Size)); err != nil {
				return in, err
			}
		}

	case FormInt32:
		if err := need(4, "offset"); err != nil {
			return in, err
		}
		in.Offset = int32(binary.BigEndian.Uint32(operands()))
		in.Len += 4
		if !in.Op.IsJump() {
			if err := cellAligned(in.Op, int64(in.Offset)); err != nil {
				return in, err
			}
		}

	case FormDestruct:
		if err := need(6, "destruct operands"); err != nil {
			return in, err
		}
		in.DestructSize = int16(binary.BigEndian.Uint16(operands()))
		in.KeepOffset = int16(binary.BigEndian.Uint16(operands()[2:]))
		in.KeepSize = int16(binary.BigEndian.Uint16(operands()[4:]))
		in.Len += 6
		if err := cellAligned(in.Op, int64(in.DestructSize), int64(in.KeepOffset), int64(in.KeepSize)); err != nil {
			return in, err
		}
		if in.DestructSize < 0 || in.KeepOffset < 0 || in.KeepSize < 0 || in.KeepOffset+in.KeepSize > in.DestructSize {
			return in, fmt.Errorf("inconsistent DESTRUCT window %d/%d/%d", in.DestructSize, in.KeepOffset, in.KeepSize)
		}

	case FormStoreState:
		if err := need(8, "save sizes"); err != nil {
			return in, err
		}
		in.SaveBPBytes = int32(binary.BigEndian.Uint32(operands()))
		in.SaveSPBytes = int32(binary.BigEndian.Uint32(operands()[4:]))
		in.Len += 8
		if in.Type == 0 {
			return in, fmt.Errorf("zero resume offset for %s", in.Op)
		}
		if in.SaveBPBytes < 0 || in.SaveSPBytes < 0 {
			return in, fmt.Errorf("negative save size for %s", in.Op)
		}
		if err := cellAligned(in.Op, int64(in.SaveBPBytes), int64(in.SaveSPBytes)); err != nil {
			return in, err
		}
	}
	return in, nil
}

func cellAligned(op Opcode, values ...int64) error {
	for _, v := range values {
		if v%CellSize != 0 {
			return fmt.Errorf("%s operand %d is not a multiple of %d", op, v, CellSize)
		}
	}
	return nil
}
