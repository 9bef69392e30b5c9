package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/fxamacker/cbor/v2"
)

// Situation is a suspended execution captured by STORE_STATE: the saved
// stack (globals, the BP at capture time, then locals), the PC to resume
// at and the acting object. It can be resumed exactly once.
type Situation struct {
	Script      string
	ResumePC    uint32
	Self        ObjectID
	GlobalCells int
	LocalCells  int

	exe      Executable
	stack    *Stack
	consumed atomic.Bool
}

// Program returns the program the situation resumes in, or nil when it was
// decoded and has not been bound yet.
func (s *Situation) Program() *ncs.Program {
	if s.exe == nil {
		return nil
	}
	return s.exe.Program()
}

// Executable returns the engine the situation resumes with.
func (s *Situation) Executable() Executable { return s.exe }

// Bind attaches the executable the situation resumes in. Decoded
// situations must be bound before they are resumed.
func (s *Situation) Bind(exe Executable) error {
	if exe.Program().Name != s.Script {
		return fmt.Errorf("situation for %s cannot resume in %s", s.Script, exe.Program().Name)
	}
	if _, ok := exe.Program().IndexOf(s.ResumePC); !ok {
		return fmt.Errorf("%w: resume pc 0x%08X in %s", ErrInvalidPC, s.ResumePC, s.Script)
	}
	s.exe = exe
	return nil
}

// Stack returns the saved stack. It must not be modified.
func (s *Situation) Stack() *Stack { return s.stack }

// Consume marks the situation used. Only the first call succeeds.
func (s *Situation) Consume() error {
	if !s.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s at 0x%08X", ErrUseAfterConsume, s.Script, s.ResumePC)
	}
	return nil
}

// Consumed reports whether the situation has been used.
func (s *Situation) Consumed() bool { return s.consumed.Load() }

// Discard consumes the situation without running it, releasing the saved
// stack. It reports whether this call did the consuming.
func (s *Situation) Discard() bool {
	if s.Consume() != nil {
		return false
	}
	s.stack.Clear()
	return true
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// SituationRecordID tags serialized situations.
const SituationRecordID = "NSSJ"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type situationRecord struct {
	ID          string       `cbor:"1,keyasint"`
	Script      string       `cbor:"2,keyasint"`
	ResumePC    uint32       `cbor:"3,keyasint"`
	Self        uint32       `cbor:"4,keyasint"`
	GlobalCells int          `cbor:"5,keyasint"`
	LocalCells  int          `cbor:"6,keyasint"`
	Cells       []cellRecord `cbor:"7,keyasint"`
}

type cellRecord struct {
	Type BaseType `cbor:"1,keyasint"`
	Num  uint32   `cbor:"2,keyasint,omitempty"`
	Str  string   `cbor:"3,keyasint,omitempty"`
}

// MarshalSituation serializes an unconsumed situation to CBOR. Situations
// holding engine structures cannot be serialized.
func MarshalSituation(s *Situation) ([]byte, error) {
	if s.Consumed() {
		return nil, fmt.Errorf("marshal situation: %w", ErrUseAfterConsume)
	}
	rec := situationRecord{
		ID:          SituationRecordID,
		Script:      s.Script,
		ResumePC:    s.ResumePC,
		Self:        uint32(s.Self),
		GlobalCells: s.GlobalCells,
		LocalCells:  s.LocalCells,
		Cells:       make([]cellRecord, len(s.stack.cells)),
	}
	for i, c := range s.stack.cells {
		t := s.stack.types[i]
		if t.IsEngine() {
			return nil, fmt.Errorf("marshal situation %s: %w: holds %s", s.Script, ErrNotSerializable, t)
		}
		rec.Cells[i] = cellRecord{Type: t, Num: c.num, Str: c.str}
	}
	return cborEncMode.Marshal(&rec)
}

// UnmarshalSituation decodes a situation. The result must be bound to its
// program with Bind before it can be resumed.
func UnmarshalSituation(data []byte) (*Situation, error) {
	var rec situationRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("vm: unmarshal situation: %w", err)
	}
	if rec.ID != SituationRecordID {
		return nil, fmt.Errorf("vm: unmarshal situation: bad record id %q", rec.ID)
	}
	if rec.GlobalCells+1+rec.LocalCells != len(rec.Cells) {
		return nil, fmt.Errorf("vm: unmarshal situation: %d cells for %d globals and %d locals",
			len(rec.Cells), rec.GlobalCells, rec.LocalCells)
	}

	stack := NewStack()
	for _, c := range rec.Cells {
		switch c.Type {
		case TypeInt, TypeFloat, TypeString, TypeObject:
			stack.push(c.Type, cell{num: c.Num, str: c.Str})
		default:
			return nil, fmt.Errorf("vm: unmarshal situation: invalid cell type %d", c.Type)
		}
	}
	return &Situation{
		Script:      rec.Script,
		ResumePC:    rec.ResumePC,
		Self:        ObjectID(rec.Self),
		GlobalCells: rec.GlobalCells,
		LocalCells:  rec.LocalCells,
		stack:       stack,
	}, nil
}
