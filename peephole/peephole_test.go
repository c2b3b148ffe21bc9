// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package peephole

import (
	"testing"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/value"
)

func countOps(c *chunk.Chunk, op chunk.Opcode) int {
	n := 0
	ip := 0
	for ip < c.Len() {
		got, _, width := c.DecodeAt(ip)
		if got == op {
			n++
		}
		ip += width
	}
	return n
}

func TestCollapsesRedundantRepeatedLoad(t *testing.T) {
	c := chunk.New()
	c.Emit(chunk.OpLoadTrue, 1, 1, "a.orus", 0)
	c.Emit(chunk.OpLoadTrue, 1, 1, "a.orus", 0)

	opt := peepholeOptimize(t, c)
	if got := countOps(opt, chunk.OpLoadTrue); got != 1 {
		t.Fatalf("LOAD_TRUE count = %d, want 1", got)
	}
}

func TestFusesLoadMoveLoad(t *testing.T) {
	c := chunk.New()
	ci := c.AddConstant(value.I32(5))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 0, uint64(ci))
	c.Emit(chunk.OpMoveTyped, 1, 1, "a.orus", uint64(value.KindI32), 1, 0)
	c.Emit(chunk.OpLoadTypedConst, 1, 1, "a.orus", uint64(value.KindI32), 1, uint64(ci))

	opt := peepholeOptimize(t, c)
	if got := countOps(opt, chunk.OpLoadTypedConst); got != 1 {
		t.Fatalf("LOAD_TYPED_CONST count = %d, want 1", got)
	}
	if got := countOps(opt, chunk.OpMoveTyped); got != 1 {
		t.Fatalf("MOVE_TYPED count = %d, want 1", got)
	}
}

func TestDeletesSelfMove(t *testing.T) {
	c := chunk.New()
	c.Emit(chunk.OpMove, 1, 1, "a.orus", 3, 3)
	c.Emit(chunk.OpLoadNil, 1, 1, "a.orus", 4)

	opt := peepholeOptimize(t, c)
	if got := countOps(opt, chunk.OpMove); got != 0 {
		t.Fatalf("MOVE count = %d, want 0", got)
	}
	if got := countOps(opt, chunk.OpLoadNil); got != 1 {
		t.Fatalf("LOAD_NIL count = %d, want 1", got)
	}
}

func TestJumpTargetsSurviveShrink(t *testing.T) {
	// A jump placed before a redundant LOAD_TRUE pair must still land on the
	// same logical instruction after the pair collapses to one.
	c := chunk.New()
	jmpStart := c.Emit(chunk.OpJumpShort, 1, 1, "a.orus", 0)
	c.Emit(chunk.OpLoadTrue, 2, 1, "a.orus", 0)
	c.Emit(chunk.OpLoadTrue, 2, 1, "a.orus", 0)
	landing := c.Emit(chunk.OpLoadNil, 3, 1, "a.orus", 1)

	after := jmpStart + chunk.OpJumpShort.Width()
	patchShortOffset(c, jmpStart, uint8(landing-after))

	opt := peepholeOptimize(t, c)
	// The duplicate LOAD_TRUE must be gone, the remapped jump must still land
	// on LOAD_NIL, and a linear decode walk must end exactly at the chunk end.
	if got := countOps(opt, chunk.OpLoadTrue); got != 1 {
		t.Fatalf("LOAD_TRUE count = %d, want 1", got)
	}
	_, jmpArgs, jmpWidth := opt.DecodeAt(0)
	if got := opt.OpcodeAt(jmpWidth + int(jmpArgs[0])); got != chunk.OpLoadNil {
		t.Fatalf("jump lands on %s, want LOAD_NIL", got)
	}
	ip := 0
	for ip < opt.Len() {
		_, _, width := opt.DecodeAt(ip)
		ip += width
	}
	if ip != opt.Len() {
		t.Fatalf("decode walk ended at %d, chunk length %d", ip, opt.Len())
	}
}

func peepholeOptimize(t *testing.T, c *chunk.Chunk) *chunk.Chunk {
	t.Helper()
	return Optimize(c)
}

func patchShortOffset(c *chunk.Chunk, instrStart int, off uint8) {
	c.PatchOffShort(instrStart+1, off)
}
