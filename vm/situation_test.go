package vm

import (
	"errors"
	"testing"

	"github.com/chazu/nwvm/pkg/ncs"
)

// deferredMul builds a script that computes 2 + 3, suspends with the sum
// as its only local, and multiplies it by 4 once resumed. The main path
// hands the situation to DelayCommand and returns nothing.
func deferredMul() *ncs.Builder {
	return ncs.NewBuilder().
		ConstInt(2).
		ConstInt(3).
		Op(ncs.OpAdd, ncs.TypeIntInt).
		StoreState(0, 4).
		Jump(ncs.OpJmp, "schedule").
		ConstInt(4).
		Op(ncs.OpMul, ncs.TypeIntInt).
		Retn().
		Label("schedule").
		ConstFloat(1.5).
		Action(actDelayCommand, 2).
		MoveSP(-4).
		Retn()
}

func TestSituationRoundTrip(t *testing.T) {
	eachMode(t, func(t *testing.T, h *harness) {
		straight := ncs.NewBuilder().
			ConstInt(2).ConstInt(3).Op(ncs.OpAdd, ncs.TypeIntInt).
			ConstInt(4).Op(ncs.OpMul, ncs.TypeIntInt).
			Retn()
		want := h.mustRun(t, straight)

		exe := h.load(t, "deferred", deferredMul())
		if code, err := h.vm.ExecuteScript(exe, 0x100, nil, -1); err != nil || code != -1 {
			t.Fatalf("scheduling run: %d, %v", code, err)
		}
		if len(h.host.saved) != 1 {
			t.Fatalf("captured %d situations, want 1", len(h.host.saved))
		}
		sit := h.host.saved[0]
		if sit.Script != "deferred" || sit.Self != 0x100 || sit.GlobalCells != 0 || sit.LocalCells != 1 {
			t.Errorf("situation = %+v", sit)
		}
		if sit.ResumePC != 13+2*6+2+10+6 {
			t.Errorf("resume pc = %d", sit.ResumePC)
		}

		got, err := h.vm.ResumeSituation(sit, sit.Self)
		if err != nil {
			t.Fatal(err)
		}
		if got != want || got != 20 {
			t.Errorf("resumed result = %d, straight result = %d, want 20", got, want)
		}
	})
}

func TestSituationResumesAtMostOnce(t *testing.T) {
	eachMode(t, func(t *testing.T, h *harness) {
		exe := h.load(t, "deferred", deferredMul())
		if _, err := h.vm.ExecuteScript(exe, 1, nil, 0); err != nil {
			t.Fatal(err)
		}
		sit := h.host.saved[0]
		if _, err := h.vm.ResumeSituation(sit, 1); err != nil {
			t.Fatal(err)
		}
		_, err := h.vm.ResumeSituation(sit, 1)
		if !errors.Is(err, ErrUseAfterConsume) {
			t.Errorf("second resume: err = %v, want ErrUseAfterConsume", err)
		}
		if sit.Discard() {
			t.Error("Discard succeeded on a consumed situation")
		}
	})
}

func TestUnclaimedSituationIsReleased(t *testing.T) {
	eachMode(t, func(t *testing.T, h *harness) {
		deleted := 0
		h.vm.engines = factoryFunc(func(n int) (EngineStructure, error) {
			return &BasicEngineStructure{Kind: n, OnDelete: func() { deleted++ }}, nil
		})

		// The saved state is never taken by an action.
		b := ncs.NewBuilder().
			RSAdd(ncs.TypeEngine2).
			StoreState(0, 4).
			Jump(ncs.OpJmp, "done").
			Retn().
			Label("done").
			MoveSP(-4).
			Retn()
		if _, err := h.run(t, b); err != nil {
			t.Fatal(err)
		}
		if deleted != 1 {
			t.Errorf("engine structure deleted %d times, want 1", deleted)
		}
	})
}

func TestStoreStateAll(t *testing.T) {
	eachMode(t, func(t *testing.T, h *harness) {
		b := ncs.NewBuilder().
			ConstInt(40).
			Op(ncs.OpSaveBP, 0).
			ConstInt(2).
			StoreStateAll().
			Jump(ncs.OpJmp, "schedule").
			// Resumed: globals, saved BP, then the local 2.
			CopyTopBP(-8, 4).
			Op(ncs.OpAdd, ncs.TypeIntInt).
			Retn().
			Label("schedule").
			ConstFloat(0).
			Action(actDelayCommand, 2).
			MoveSP(-4).
			Op(ncs.OpRestoreBP, 0).
			Retn()
		if code := h.mustRun(t, b); code != 40 {
			t.Fatalf("scheduling run returned %d, want 40", code)
		}
		sit := h.host.saved[0]
		if sit.GlobalCells != 2 || sit.LocalCells != 1 {
			t.Errorf("globals %d locals %d, want 2 and 1", sit.GlobalCells, sit.LocalCells)
		}
		got, err := h.vm.ResumeSituation(sit, sit.Self)
		if err != nil {
			t.Fatal(err)
		}
		if got != 42 {
			t.Errorf("resumed result = %d, want 42", got)
		}
	})
}

func TestSituationSerialization(t *testing.T) {
	eachMode(t, func(t *testing.T, h *harness) {
		exe := h.load(t, "deferred", deferredMul())
		if _, err := h.vm.ExecuteScript(exe, 0x200, nil, 0); err != nil {
			t.Fatal(err)
		}
		sit := h.host.saved[0]

		data, err := MarshalSituation(sit)
		if err != nil {
			t.Fatal(err)
		}
		restored, err := UnmarshalSituation(data)
		if err != nil {
			t.Fatal(err)
		}
		if restored.Script != sit.Script || restored.ResumePC != sit.ResumePC || restored.Self != 0x200 {
			t.Errorf("restored %+v, want %+v", restored, sit)
		}
		if _, err := h.vm.ResumeSituation(restored, 0x200); err == nil {
			t.Error("unbound situation resumed")
		}
		if err := restored.Bind(exe); err != nil {
			t.Fatal(err)
		}
		got, err := h.vm.ResumeSituation(restored, 0x200)
		if err != nil || got != 20 {
			t.Errorf("resumed decoded situation: %d, %v; want 20", got, err)
		}

		sit.Discard()
		if _, err := MarshalSituation(sit); !errors.Is(err, ErrUseAfterConsume) {
			t.Errorf("marshal consumed situation: err = %v", err)
		}
	})
}

func TestSituationWithEngineIsNotSerializable(t *testing.T) {
	s := &Situation{Script: "x", stack: NewStack()}
	s.stack.PushInt(0)
	s.stack.PushEngineStructure(NewEngineRef(&BasicEngineStructure{Kind: EngineLocation}))
	if _, err := MarshalSituation(s); !errors.Is(err, ErrNotSerializable) {
		t.Errorf("err = %v, want ErrNotSerializable", err)
	}
}

func TestUnmarshalSituationRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalSituation([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage decoded")
	}
	bad, err := cborEncMode.Marshal(&situationRecord{ID: "XXXX"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalSituation(bad); err == nil {
		t.Error("wrong record id accepted")
	}
}

type factoryFunc func(int) (EngineStructure, error)

func (f factoryFunc) CreateEngineStructure(n int) (EngineStructure, error) { return f(n) }
