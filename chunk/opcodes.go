// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chunk implements the Orus VM's bytecode container (spec.md §4.3,
// component C4): an append-then-freeze instruction stream, a parallel
// per-byte source map, and a 16-bit-indexed constant pool.
//
// Instruction encoding follows spec.md §6's opcode byte + operand layout,
// with one documented widening: register operands are 2 bytes (big-endian)
// rather than spec.md's literal 1 byte, so SPILL_REG_START-and-above spill
// IDs (grown on demand per spec.md §3) never alias a direct register ID —
// see DESIGN.md's register operand width note. Everything else (16-bit indices,
// 1-byte short branch offsets, 2-byte signed long offsets, the fused-loop
// layout) matches spec.md §6 verbatim.
package chunk

import "fmt"

// Opcode is an 8-bit instruction code.
type Opcode uint8

// OperandKind describes one operand field following an opcode byte.
type OperandKind uint8

const (
	OKReg       OperandKind = iota // 2 bytes, big-endian register/spill ID
	OKImm16                        // 2 bytes, big-endian unsigned (const/func index)
	OKKind                          // 1 byte, value.Kind tag for a typed opcode
	OKOffShort                      // 1 byte, unsigned forward branch offset
	OKOffLong                       // 2 bytes, big-endian signed branch offset
	OKByte                          // 1 byte, plain count (e.g. spill_count, argc)
)

func (k OperandKind) Width() int {
	switch k {
	case OKReg, OKImm16, OKOffLong:
		return 2
	case OKKind, OKOffShort, OKByte:
		return 1
	default:
		return 0
	}
}

const (
	// ---- Boxed / general family (spec.md §4.2 family 1) --------------------

	OpLoadConst Opcode = iota // reg, imm16 const-pool index
	OpLoadTrue                // reg
	OpLoadFalse               // reg
	OpLoadNil                 // reg
	OpMove                    // dst, src (boxed copy)
	OpConcat                  // dst, a, b (string concat)
	OpCall                    // dst, funcIdx imm16, argBase reg, argCount byte
	OpCallNative              // dst, nativeIdx imm16, spillBase reg, spillCount byte
	OpReturn                  // reg
	OpReturnVoid              //
	OpJumpShort               // off8 (unconditional, forward)
	OpJumpLong                // off16 signed (unconditional, forward/backward)
	OpJumpIfNotShort          // reg, off8 (forward)
	OpJumpIfNotLong           // reg, off16 signed
	OpHalt                    // reg (exit value; synthetic when emitter-generated)
	OpGetIter                 // dst, src  (src: Range or Array -> RangeIterator/ArrayIterator)
	OpIterNext                // dst, hasValueReg, iterReg
	OpMakeArray               // dst, countReg (elements pulled from dst..dst+count-1, reused in place)
	OpArrayPush               // arrReg, valueReg
	OpArrayGet                // dst, arrReg, idxReg
	OpArraySet                // arrReg, idxReg, valueReg
	OpTypeOf                  // dst, src
	OpIsType                  // dst, src, kind
	OpPrint                   // reg
	OpAssertEq                // a, b

	// ---- Typed fast path (spec.md §4.2 family 2) ---------------------------
	// A single opcode per operation carries an explicit Kind operand instead
	// of one opcode per (op, kind) pair (spec.md lists ADD_I32_TYPED etc. as
	// distinct mnemonics; collapsing the kind into an operand byte keeps the
	// opcode table from combinatorially exploding across five numeric kinds
	// while preserving the exact same unboxed fast-path semantics — see
	// DESIGN.md).

	OpLoadTypedConst // kind, reg, imm16 const-pool index
	OpAddTyped        // kind, dst, a, b
	OpSubTyped        // kind, dst, a, b
	OpMulTyped        // kind, dst, a, b
	OpDivTyped        // kind, dst, a, b
	OpModTyped        // kind, dst, a, b
	OpLtTyped         // kind, dst, a, b -> Bool (boxed)
	OpEqTyped         // kind, dst, a, b -> Bool (boxed)
	OpIncTypedR       // kind, reg (in place)
	OpDecTypedR       // kind, reg (in place)
	OpMoveTyped       // kind, dst, src (typed-to-typed, no boxing)

	// ---- Fused control (spec.md §4.2 family 3) ------------------------------

	OpIncCmpJmp          // counter reg, limit reg, off16 signed
	OpDecCmpJmp          // counter reg, limit reg, off16 signed
	OpJumpIfNotTypedBool // reg (typed Bool slot), off16 signed

	opcodeCount
)

type opcodeInfo struct {
	name     string
	operands []OperandKind
}

var opcodeTable = [opcodeCount]opcodeInfo{
	OpLoadConst:          {"LOAD_CONST", []OperandKind{OKReg, OKImm16}},
	OpLoadTrue:           {"LOAD_TRUE", []OperandKind{OKReg}},
	OpLoadFalse:          {"LOAD_FALSE", []OperandKind{OKReg}},
	OpLoadNil:            {"LOAD_NIL", []OperandKind{OKReg}},
	OpMove:               {"MOVE", []OperandKind{OKReg, OKReg}},
	OpConcat:             {"CONCAT", []OperandKind{OKReg, OKReg, OKReg}},
	OpCall:               {"CALL", []OperandKind{OKReg, OKImm16, OKReg, OKByte}},
	OpCallNative:         {"CALL_NATIVE", []OperandKind{OKReg, OKImm16, OKReg, OKByte}},
	OpReturn:             {"RETURN", []OperandKind{OKReg}},
	OpReturnVoid:         {"RETURN_VOID", nil},
	OpJumpShort:          {"JUMP_SHORT", []OperandKind{OKOffShort}},
	OpJumpLong:           {"JUMP_LONG", []OperandKind{OKOffLong}},
	OpJumpIfNotShort:     {"JUMP_IF_NOT_SHORT", []OperandKind{OKReg, OKOffShort}},
	OpJumpIfNotLong:      {"JUMP_IF_NOT_R", []OperandKind{OKReg, OKOffLong}},
	OpHalt:               {"HALT", []OperandKind{OKReg}},
	OpGetIter:            {"GET_ITER", []OperandKind{OKReg, OKReg}},
	OpIterNext:           {"ITER_NEXT", []OperandKind{OKReg, OKReg, OKReg}},
	OpMakeArray:          {"MAKE_ARRAY", []OperandKind{OKReg, OKReg}},
	OpArrayPush:          {"ARRAY_PUSH", []OperandKind{OKReg, OKReg}},
	OpArrayGet:           {"ARRAY_GET", []OperandKind{OKReg, OKReg, OKReg}},
	OpArraySet:           {"ARRAY_SET", []OperandKind{OKReg, OKReg, OKReg}},
	OpTypeOf:             {"TYPEOF", []OperandKind{OKReg, OKReg}},
	OpIsType:             {"IS_TYPE", []OperandKind{OKReg, OKReg, OKKind}},
	OpPrint:              {"PRINT", []OperandKind{OKReg}},
	OpAssertEq:           {"ASSERT_EQ", []OperandKind{OKReg, OKReg}},
	OpLoadTypedConst:     {"LOAD_TYPED_CONST", []OperandKind{OKKind, OKReg, OKImm16}},
	OpAddTyped:           {"ADD_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpSubTyped:           {"SUB_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpMulTyped:           {"MUL_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpDivTyped:           {"DIV_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpModTyped:           {"MOD_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpLtTyped:            {"LT_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpEqTyped:            {"EQ_TYPED", []OperandKind{OKKind, OKReg, OKReg, OKReg}},
	OpIncTypedR:          {"INC_R", []OperandKind{OKKind, OKReg}},
	OpDecTypedR:          {"DEC_R", []OperandKind{OKKind, OKReg}},
	OpMoveTyped:          {"MOVE_TYPED", []OperandKind{OKKind, OKReg, OKReg}},
	OpIncCmpJmp:          {"INC_CMP_JMP", []OperandKind{OKReg, OKReg, OKOffLong}},
	OpDecCmpJmp:          {"DEC_CMP_JMP", []OperandKind{OKReg, OKReg, OKOffLong}},
	OpJumpIfNotTypedBool: {"JUMP_IF_NOT_TYPED", []OperandKind{OKReg, OKOffLong}},
}

func (op Opcode) String() string {
	if int(op) < len(opcodeTable) && opcodeTable[op].name != "" {
		return opcodeTable[op].name
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// Operands returns the operand-kind sequence for op.
func (op Opcode) Operands() []OperandKind {
	if int(op) < len(opcodeTable) {
		return opcodeTable[op].operands
	}
	return nil
}

// Width returns the total byte length of op's instruction, including the
// opcode byte itself.
func (op Opcode) Width() int {
	w := 1
	for _, k := range op.Operands() {
		w += k.Width()
	}
	return w
}

// IsFused reports whether op is one of the fused loop/guard opcodes (spec.md
// §4.2 family 3) that must execute atomically end-to-end.
func (op Opcode) IsFused() bool {
	switch op {
	case OpIncCmpJmp, OpDecCmpJmp, OpJumpIfNotTypedBool:
		return true
	}
	return false
}

// IsTyped reports whether op operates directly on the typed register window
// without reading the boxed mirror (spec.md §4.2 family 2).
func (op Opcode) IsTyped() bool {
	switch op {
	case OpLoadTypedConst, OpAddTyped, OpSubTyped, OpMulTyped, OpDivTyped, OpModTyped,
		OpLtTyped, OpEqTyped, OpIncTypedR, OpDecTypedR, OpMoveTyped:
		return true
	}
	return false
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return int(op) < int(opcodeCount)
}
