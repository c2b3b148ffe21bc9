// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package jitir implements the Orus VM's linear-block typed JIT IR (spec.md
// §4.5, component C8): a typed mirror of the bytecode opcode set, plus
// translate_linear_block, which lifts a run of bytecode starting at a
// sampled loop offset into a Program the jit package can compile.
//
// jitir depends only on value and chunk, never on vm, so the top-level vm
// package can import jitir/jit one-directionally with no import cycle.
package jitir

import "github.com/orusvm/orus/value"

// Op is one JIT IR opcode.
type Op uint8

const (
	OpLoadConst Op = iota // Kind, Dst, ConstIndex
	OpLoadStringConst      // Dst, StrConst
	OpAdd                  // Kind, Dst, A, B
	OpSub
	OpMul
	OpDiv // Kind ∈ {I32, U32} only; wider kinds are UNSUPPORTED_OPCODE at translate time
	OpMod
	OpLt // Kind, Dst, A, B -> Bool
	OpEq
	OpConvert    // FromKind, Kind(=to), Dst, A(=src)
	OpTypeOf     // Dst, A
	OpIsType     // Dst, A, Kind
	OpConcat     // Dst, A, B (string)
	OpMoveI64    // Dst, A
	OpMoveValue  // Dst, A (boxed)
	OpMoveString // Dst, A
	OpJumpShort  // Offset (fallthrough-adjusting unconditional)
	OpJumpIfNot  // A (predicate), Offset, Wide (8 vs 16 bit origin)
	OpLoopBack   // Offset (back-edge)
	OpReturn     // A (-1 if void)
	OpGetIter    // Dst, A (src: range/array)
	OpIterNext   // Dst, A(=hasValueFlagReg), B(=iterReg)
	OpPrint      // A
	OpAssertEq   // A, B
	OpMakeArray  // Dst, A(=countReg)
	OpArrayPush  // A(=arr), B(=val)
	OpEnumNew    // Dst, ConstIndex(=tag), SpillBase, SpillCount
	OpTimeStamp  // Dst
	OpCallNative // Dst, ConstIndex(=nativeIdx), SpillBase, SpillCount
	OpIncCmpJump // Kind, A(=counter), B(=limit), Offset
	OpDecCmpJump // Kind, A(=counter), B(=limit), Offset
	OpSafepoint  // (no operands)
)

// Instruction is one typed IR node. Unused register fields are -1.
type Instruction struct {
	Op         Op
	Kind       value.Kind // numeric kind this op is specialized for
	FromKind   value.Kind // source kind for OpConvert
	Dst, A, B  int
	Const      value.Value // resolved payload for OpLoadConst
	ConstIndex int         // selector for OpCallNative/OpEnumNew, not a pool index
	Offset     int         // relative branch offset, already resolved to IR-local terms
	Wide       bool
	StrConst   value.HeapRef // *heap.String, opaque here to avoid importing heap
	SpillBase  int
	SpillCount int

	// BytecodeOffset/BytecodeLength preserve the originating bytecode byte
	// range so a deopt can resume the baseline chunk at the exact origin
	// regardless of which branch-offset width produced this instruction
	// (spec.md §9 open question).
	BytecodeOffset int
	BytecodeLength int
}

// Program is a translated linear block, ready for jit.Compile.
type Program struct {
	FuncIndex    int
	LoopOffset   int
	Instructions []Instruction
	// ValueKind is the fused-loop specialization kind, or KindNil if the
	// program never fuses a loop (BOXED fallback — see translate.go).
	ValueKind value.Kind
}
