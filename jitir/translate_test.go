// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jitir

import (
	"testing"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/value"
)

type fakeOracle struct {
	kinds map[int]value.Kind
}

func (f fakeOracle) RegisterKind(id int) (value.Kind, bool) {
	k, ok := f.kinds[id]
	return k, ok
}

func TestTranslateSimpleArithmeticBlock(t *testing.T) {
	c := chunk.New()
	ci := c.AddConstant(value.I32(1))
	cj := c.AddConstant(value.I32(2))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 0, uint64(ci))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 1, uint64(cj))
	c.Emit(chunk.OpAddTyped, 1, 1, "a.orus", uint64(value.KindI32), 2, 0, 1)
	c.Emit(chunk.OpMoveTyped, 1, 1, "a.orus", uint64(value.KindI32), 3, 2)
	c.Emit(chunk.OpReturnVoid, 1, 1, "a.orus")

	prog, err := TranslateLinearBlock(c, 0, 0, fakeOracle{}, RolloutWideInts, nil)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if len(prog.Instructions) != 5 {
		t.Fatalf("got %d instructions, want 5", len(prog.Instructions))
	}
	if prog.Instructions[2].Op != OpAdd || prog.Instructions[2].Kind != value.KindI32 {
		t.Fatalf("instr[2] = %+v, want ADD I32", prog.Instructions[2])
	}
}

func TestTranslateWidensConstantsForMismatchedArithmetic(t *testing.T) {
	c := chunk.New()
	ci := c.AddConstant(value.I32(1))
	cj := c.AddConstant(value.I32(2))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 0, uint64(ci))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 1, uint64(cj))
	c.Emit(chunk.OpAddTyped, 1, 1, "a.orus", uint64(value.KindI64), 2, 0, 1)
	c.Emit(chunk.OpReturnVoid, 1, 1, "a.orus")

	prog, err := TranslateLinearBlock(c, 0, 0, fakeOracle{}, RolloutWideInts, nil)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if prog.Instructions[0].Kind != value.KindI64 || prog.Instructions[1].Kind != value.KindI64 {
		t.Fatalf("loads not promoted: %+v / %+v", prog.Instructions[0], prog.Instructions[1])
	}
	if prog.Instructions[0].Const.AsI64() != 1 || prog.Instructions[1].Const.AsI64() != 2 {
		t.Fatalf("promoted constant values wrong: %+v / %+v", prog.Instructions[0], prog.Instructions[1])
	}
	if prog.Instructions[2].Op != OpAdd || prog.Instructions[2].Kind != value.KindI64 {
		t.Fatalf("instr[2] = %+v, want ADD I64", prog.Instructions[2])
	}
}

func TestTranslateDivI64UnsupportedOpcode(t *testing.T) {
	c := chunk.New()
	c.Emit(chunk.OpDivTyped, 1, 1, "a.orus", uint64(value.KindI64), 0, 1, 2)

	_, err := TranslateLinearBlock(c, 0, 0, fakeOracle{}, RolloutFloats, nil)
	te, ok := err.(*TranslateError)
	if !ok || te.Status != StatusUnsupportedOpcode {
		t.Fatalf("err = %v, want UNSUPPORTED_OPCODE", err)
	}
}

func TestTranslateRolloutGateBlocksFloats(t *testing.T) {
	c := chunk.New()
	ci := c.AddConstant(value.F64(1.5))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindF64), 0, uint64(ci))

	log := NewFailureLog()
	_, err := TranslateLinearBlock(c, 0, 0, fakeOracle{}, RolloutI32Only, log)
	te, ok := err.(*TranslateError)
	if !ok || te.Status != StatusRolloutDisabled {
		t.Fatalf("err = %v, want ROLLOUT_DISABLED", err)
	}
	if log.CountByStatus(StatusRolloutDisabled) != 1 {
		t.Fatal("failure log did not record the rollout failure")
	}
}

func TestFusedLoopKindInferredFromOracle(t *testing.T) {
	c := chunk.New()
	back := int16(-4)
	c.Emit(chunk.OpIncCmpJmp, 1, 1, "a.orus", 0, 1, uint64(uint16(back)))

	oracle := fakeOracle{kinds: map[int]value.Kind{0: value.KindI32, 1: value.KindI32}}
	prog, err := TranslateLinearBlock(c, 0, 0, oracle, RolloutWideInts, nil)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	last := prog.Instructions[len(prog.Instructions)-1]
	if last.Op != OpIncCmpJump || last.Kind != value.KindI32 {
		t.Fatalf("fused instr = %+v, want INC_CMP_JUMP kind I32", last)
	}
	if prog.ValueKind != value.KindI32 {
		t.Fatalf("Program.ValueKind = %v, want I32", prog.ValueKind)
	}
}

func TestFusedLoopFallsBackToBoxedOnKindMismatch(t *testing.T) {
	c := chunk.New()
	back := int16(-4)
	c.Emit(chunk.OpIncCmpJmp, 1, 1, "a.orus", 0, 1, uint64(uint16(back)))

	oracle := fakeOracle{kinds: map[int]value.Kind{0: value.KindI32, 1: value.KindI64}}
	prog, err := TranslateLinearBlock(c, 0, 0, oracle, RolloutWideInts, nil)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	last := prog.Instructions[len(prog.Instructions)-1]
	if last.Kind != value.KindNil {
		t.Fatalf("fused instr kind = %v, want KindNil (boxed fallback)", last.Kind)
	}
}

func TestSafepointInsertedBeforeBackEdge(t *testing.T) {
	c := chunk.New()
	back := int16(-4)
	c.Emit(chunk.OpIncCmpJmp, 1, 1, "a.orus", 0, 1, uint64(uint16(back)))

	prog, err := TranslateLinearBlock(c, 0, 0, fakeOracle{}, RolloutWideInts, nil)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if len(prog.Instructions) < 2 || prog.Instructions[len(prog.Instructions)-2].Op != OpSafepoint {
		t.Fatal("expected a SAFEPOINT immediately before the fused back-edge")
	}
}
