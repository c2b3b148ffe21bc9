// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jitir

import (
	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/value"
)

// TypeOracle lets the translator infer a register's current typed kind from
// live VM state without jitir importing the vm package (spec.md §4.5:
// "infers value kinds from register-file type tags"). The top-level vm
// package implements this.
type TypeOracle interface {
	RegisterKind(id int) (value.Kind, bool)
}

// TranslateLinearBlock lifts the bytecode of c starting at startOffset into
// a Program, per spec.md §4.5's translate_linear_block. Translation stops
// at the block's own back-edge (inserting a SAFEPOINT first), at a
// RETURN/RETURN_VOID/HALT, or on the first unsupported construct.
func TranslateLinearBlock(c *chunk.Chunk, funcIndex, startOffset int, oracle TypeOracle, stage RolloutStage, log *FailureLog) (*Program, error) {
	prog := &Program{FuncIndex: funcIndex, LoopOffset: startOffset, ValueKind: value.KindNil}
	lastLoadByDst := make(map[int]int) // register id -> index in prog.Instructions

	fail := func(status Status, kind value.Kind, offset int) (*Program, error) {
		err := &TranslateError{Status: status, Kind: kind, Offset: offset}
		if log != nil {
			log.Record(err)
		}
		return nil, err
	}

	ip := startOffset
	for ip < c.Len() {
		op, args, width := c.DecodeAt(ip)
		bcOff, bcLen := ip, width

		switch op {
		case chunk.OpLoadTypedConst:
			kind := value.Kind(args[0])
			dst := int(args[1])
			constIdx := args[2]
			if !Allowed(stage, kind) {
				return fail(StatusRolloutDisabled, kind, bcOff)
			}
			if int(constIdx) >= len(c.Constants) {
				return fail(StatusUnsupportedConstantKind, kind, bcOff)
			}
			v := c.Constants[constIdx]
			if v.Kind() != kind {
				return fail(StatusUnsupportedConstantKind, kind, bcOff)
			}
			instr := Instruction{Op: OpLoadConst, Kind: kind, Dst: dst, Const: v,
				BytecodeOffset: bcOff, BytecodeLength: bcLen}
			lastLoadByDst[dst] = len(prog.Instructions)
			prog.Instructions = append(prog.Instructions, instr)

		case chunk.OpAddTyped, chunk.OpSubTyped, chunk.OpMulTyped, chunk.OpDivTyped, chunk.OpModTyped:
			kind := value.Kind(args[0])
			dst, a, b := int(args[1]), int(args[2]), int(args[3])
			if !Allowed(stage, kind) {
				return fail(StatusRolloutDisabled, kind, bcOff)
			}
			if (op == chunk.OpDivTyped || op == chunk.OpModTyped) &&
				kind != value.KindI32 && kind != value.KindU32 {
				return fail(StatusUnsupportedOpcode, kind, bcOff)
			}
			promoteOperand(prog, lastLoadByDst, a, kind)
			promoteOperand(prog, lastLoadByDst, b, kind)
			irOp := map[chunk.Opcode]Op{
				chunk.OpAddTyped: OpAdd, chunk.OpSubTyped: OpSub, chunk.OpMulTyped: OpMul,
				chunk.OpDivTyped: OpDiv, chunk.OpModTyped: OpMod,
			}[op]
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: irOp, Kind: kind, Dst: dst, A: a, B: b,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			delete(lastLoadByDst, dst)

		case chunk.OpLtTyped, chunk.OpEqTyped:
			kind := value.Kind(args[0])
			dst, a, b := int(args[1]), int(args[2]), int(args[3])
			if !Allowed(stage, kind) {
				return fail(StatusRolloutDisabled, kind, bcOff)
			}
			irOp := OpLt
			if op == chunk.OpEqTyped {
				irOp = OpEq
			}
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: irOp, Kind: kind, Dst: dst, A: a, B: b,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			delete(lastLoadByDst, dst)

		case chunk.OpMoveTyped:
			kind := value.Kind(args[0])
			dst, src := int(args[1]), int(args[2])
			irOp := OpMoveI64
			if kind == value.KindString {
				irOp = OpMoveString
			}
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: irOp, Kind: kind, Dst: dst, A: src,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			if src2, ok := lastLoadByDst[src]; ok {
				lastLoadByDst[dst] = src2
			}

		case chunk.OpMove:
			dst, src := int(args[0]), int(args[1])
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpMoveValue, Dst: dst, A: src,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			delete(lastLoadByDst, dst)

		case chunk.OpConcat:
			if !Allowed(stage, value.KindString) {
				return fail(StatusRolloutDisabled, value.KindString, bcOff)
			}
			dst, a, b := int(args[0]), int(args[1]), int(args[2])
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpConcat, Dst: dst, A: a, B: b,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			appendSafepoint(prog, bcOff)

		case chunk.OpTypeOf:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpTypeOf, Dst: int(args[0]), A: int(args[1]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpIsType:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpIsType, Dst: int(args[0]), A: int(args[1]), Kind: value.Kind(args[2]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpPrint:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpPrint, A: int(args[0]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpAssertEq:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpAssertEq, A: int(args[0]), B: int(args[1]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpMakeArray:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpMakeArray, Dst: int(args[0]), A: int(args[1]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			appendSafepoint(prog, bcOff)
		case chunk.OpArrayPush:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpArrayPush, A: int(args[0]), B: int(args[1]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			appendSafepoint(prog, bcOff)
		case chunk.OpGetIter:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpGetIter, Dst: int(args[0]), A: int(args[1]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpIterNext:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpIterNext, Dst: int(args[0]), A: int(args[1]), B: int(args[2]),
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
		case chunk.OpCallNative:
			dst, nativeIdx, spillBase, spillCount := int(args[0]), int(args[1]), int(args[2]), int(args[3])
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpCallNative, Dst: dst, ConstIndex: nativeIdx,
				SpillBase: spillBase, SpillCount: spillCount,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			appendSafepoint(prog, bcOff)

		case chunk.OpIncCmpJmp, chunk.OpDecCmpJmp:
			counter, limit := int(args[0]), int(args[1])
			rel := int(int16(uint16(args[2])))
			kind := value.KindNil // BOXED fallback unless both operands share a live typed kind
			if ck, ok1 := oracle.RegisterKind(counter); ok1 {
				if lk, ok2 := oracle.RegisterKind(limit); ok2 && lk == ck {
					kind = ck
				}
			}
			irOp := OpIncCmpJump
			if op == chunk.OpDecCmpJmp {
				irOp = OpDecCmpJump
			}
			appendSafepoint(prog, bcOff)
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: irOp, Kind: kind, A: counter, B: limit, Offset: rel,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			prog.ValueKind = kind
			return prog, nil // a fused back-edge ends the linear block

		case chunk.OpJumpLong:
			rel := int(int16(uint16(args[0])))
			if rel < 0 {
				appendSafepoint(prog, bcOff)
				prog.Instructions = append(prog.Instructions, Instruction{
					Op: OpLoopBack, Offset: rel, BytecodeOffset: bcOff, BytecodeLength: bcLen,
				})
				return prog, nil
			}
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpJumpShort, Offset: rel, Wide: true, BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})

		case chunk.OpJumpShort:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpJumpShort, Offset: int(args[0]), BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})

		case chunk.OpJumpIfNotShort, chunk.OpJumpIfNotLong, chunk.OpJumpIfNotTypedBool:
			reg := int(args[0])
			var rel int
			wide := op != chunk.OpJumpIfNotShort
			if op == chunk.OpJumpIfNotShort {
				rel = int(uint8(args[1]))
			} else {
				rel = int(int16(uint16(args[1])))
			}
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpJumpIfNot, A: reg, Offset: rel, Wide: wide,
				BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})

		case chunk.OpReturn:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpReturn, A: int(args[0]), BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			return prog, nil
		case chunk.OpReturnVoid, chunk.OpHalt:
			prog.Instructions = append(prog.Instructions, Instruction{
				Op: OpReturn, A: -1, BytecodeOffset: bcOff, BytecodeLength: bcLen,
			})
			return prog, nil

		default:
			return fail(StatusUnsupportedOpcode, value.KindNil, bcOff)
		}

		ip += width
	}
	return prog, nil
}

func appendSafepoint(prog *Program, bcOff int) {
	prog.Instructions = append(prog.Instructions, Instruction{
		Op: OpSafepoint, BytecodeOffset: bcOff, BytecodeLength: 0,
	})
}

// promoteOperand widens a directly-preceding LOAD_CONST IR node for
// register reg up to kind, in place, when the arithmetic consuming it needs
// a wider kind (spec.md §8: "LOAD_I32_CONST + LOAD_I32_CONST + ADD_I64_TYPED
// → emits two LOAD_I64_CONST + ADD_I64").
func promoteOperand(prog *Program, lastLoadByDst map[int]int, reg int, kind value.Kind) {
	idx, ok := lastLoadByDst[reg]
	if !ok || idx >= len(prog.Instructions) {
		return
	}
	instr := &prog.Instructions[idx]
	if instr.Op != OpLoadConst || instr.Kind == kind {
		return
	}
	if bits, ok := value.WidenConstant(instr.Kind, instr.Const.Bits(), kind); ok {
		instr.Kind = kind
		instr.Const = value.FromBits(kind, bits)
	}
}
