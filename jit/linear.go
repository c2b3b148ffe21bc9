// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit

import (
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

// byteOffsetIndex maps a program's real (non-SAFEPOINT) instructions'
// originating bytecode offsets to their index in Instructions, so a branch
// offset read at runtime can be resolved back to an IR program counter.
func byteOffsetIndex(prog *jitir.Program) map[int]int {
	m := make(map[int]int, len(prog.Instructions))
	for i, instr := range prog.Instructions {
		if instr.Op == jitir.OpSafepoint {
			continue
		}
		if _, ok := m[instr.BytecodeOffset]; !ok {
			m[instr.BytecodeOffset] = i
		}
	}
	return m
}

func branchTarget(instr jitir.Instruction) int {
	return instr.BytecodeOffset + instr.BytecodeLength + instr.Offset
}

// compileLinear builds one closure per instruction via a direct switch over
// instr.Op (threaded code), capturing its operands. The entry point threads
// through the closure slice, following jumps by index.
func compileLinear(prog *jitir.Program) func(Host) Control {
	offsets := byteOffsetIndex(prog)
	steps := make([]func(h Host) (Control, int, bool), len(prog.Instructions))

	for i, instr := range prog.Instructions {
		instr := instr
		steps[i] = linearStep(instr, offsets)
	}

	return func(h Host) Control {
		pc := 0
		for pc >= 0 && pc < len(steps) {
			ctrl, next, jumped := steps[pc](h)
			if !jumped {
				if ctrl == ControlReturn {
					return ControlReturn
				}
				if ctrl == ControlDeopt {
					return ControlDeopt
				}
				if ctrl == ControlExit {
					return ControlExit
				}
				pc++
				continue
			}
			pc = next
		}
		return ControlReturn
	}
}

// linearStep returns (control, nextPC, jumped). jumped=false means "advance
// to pc+1 unless control is terminal".
func linearStep(instr jitir.Instruction, offsets map[int]int) func(Host) (Control, int, bool) {
	switch instr.Op {
	case jitir.OpLoadConst:
		return func(h Host) (Control, int, bool) {
			h.WriteTyped(instr.Dst, instr.Kind, instr.Const)
			return 0, 0, false
		}
	case jitir.OpLoadStringConst:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, value.Ref(value.KindString, instr.StrConst))
			return 0, 0, false
		}
	case jitir.OpAdd, jitir.OpSub, jitir.OpMul, jitir.OpDiv, jitir.OpMod:
		return arithmeticStep(instr)
	case jitir.OpLt, jitir.OpEq:
		return compareStep(instr)
	case jitir.OpMoveI64, jitir.OpMoveString:
		return func(h Host) (Control, int, bool) {
			v, ok := h.ReadTyped(instr.A, instr.Kind)
			if !ok {
				h.HandleTypeErrorDeopt(instr.BytecodeOffset)
				return ControlDeopt, 0, false
			}
			h.WriteTyped(instr.Dst, instr.Kind, v)
			return 0, 0, false
		}
	case jitir.OpMoveValue:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, h.ReadBoxed(instr.A))
			return 0, 0, false
		}
	case jitir.OpConcat:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, h.Concat(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B)))
			h.Safepoint()
			return 0, 0, false
		}
	case jitir.OpTypeOf:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, h.TypeOf(h.ReadBoxed(instr.A)))
			return 0, 0, false
		}
	case jitir.OpIsType:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, value.Bool(h.IsType(h.ReadBoxed(instr.A), instr.Kind)))
			return 0, 0, false
		}
	case jitir.OpPrint:
		return func(h Host) (Control, int, bool) {
			h.Print(h.ReadBoxed(instr.A))
			return 0, 0, false
		}
	case jitir.OpAssertEq:
		return func(h Host) (Control, int, bool) {
			if err := h.AssertEq(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B)); err != nil {
				h.HandleTypeErrorDeopt(instr.BytecodeOffset)
				return ControlDeopt, 0, false
			}
			return 0, 0, false
		}
	case jitir.OpMakeArray:
		return func(h Host) (Control, int, bool) {
			count := int(h.ReadBoxed(instr.A).AsI32())
			h.WriteBoxed(instr.Dst, h.MakeArray(instr.Dst, count))
			h.Safepoint()
			return 0, 0, false
		}
	case jitir.OpArrayPush:
		return func(h Host) (Control, int, bool) {
			h.ArrayPush(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B))
			h.Safepoint()
			return 0, 0, false
		}
	case jitir.OpGetIter:
		return func(h Host) (Control, int, bool) {
			h.WriteBoxed(instr.Dst, h.GetIter(h.ReadBoxed(instr.A)))
			return 0, 0, false
		}
	case jitir.OpIterNext:
		return func(h Host) (Control, int, bool) {
			v, has, ok := h.IterNext(h.ReadBoxed(instr.B))
			if !ok {
				h.HandleTypeErrorDeopt(instr.BytecodeOffset)
				return ControlDeopt, 0, false
			}
			h.WriteBoxed(instr.Dst, v)
			h.WriteBoxed(instr.A, value.Bool(has))
			return 0, 0, false
		}
	case jitir.OpCallNative:
		return func(h Host) (Control, int, bool) {
			v, err := h.CallNative(instr.ConstIndex, instr.SpillBase, instr.SpillCount)
			if err != nil {
				h.HandleTypeErrorDeopt(instr.BytecodeOffset)
				return ControlDeopt, 0, false
			}
			h.WriteBoxed(instr.Dst, v)
			h.Safepoint()
			return 0, 0, false
		}
	case jitir.OpSafepoint:
		return func(h Host) (Control, int, bool) {
			h.Safepoint()
			return 0, 0, false
		}
	case jitir.OpJumpShort:
		target := branchTarget(instr)
		return func(h Host) (Control, int, bool) {
			if idx, ok := offsets[target]; ok {
				return 0, idx, true
			}
			h.Resume(target)
			return ControlExit, 0, false
		}
	case jitir.OpJumpIfNot:
		target := branchTarget(instr)
		return func(h Host) (Control, int, bool) {
			cond := h.ReadBoxed(instr.A)
			if cond.Truthy() {
				return 0, 0, false
			}
			if idx, ok := offsets[target]; ok {
				return 0, idx, true
			}
			h.Resume(target)
			return ControlExit, 0, false
		}
	case jitir.OpIncCmpJump, jitir.OpDecCmpJump:
		return fusedStep(instr, offsets)
	case jitir.OpLoopBack:
		return func(h Host) (Control, int, bool) {
			return 0, 0, true // program counter 0: the block's own start
		}
	case jitir.OpReturn:
		return func(h Host) (Control, int, bool) {
			return ControlReturn, 0, false
		}
	}
	return func(h Host) (Control, int, bool) {
		h.HandleTypeErrorDeopt(instr.BytecodeOffset)
		return ControlDeopt, 0, false
	}
}

func arithmeticStep(instr jitir.Instruction) func(Host) (Control, int, bool) {
	return func(h Host) (Control, int, bool) {
		a, ok1 := h.ReadTyped(instr.A, instr.Kind)
		b, ok2 := h.ReadTyped(instr.B, instr.Kind)
		if !ok1 || !ok2 {
			h.HandleTypeErrorDeopt(instr.BytecodeOffset)
			return ControlDeopt, 0, false
		}
		result, err := applyArithmetic(instr.Op, instr.Kind, a, b)
		if err != nil {
			h.HandleTypeErrorDeopt(instr.BytecodeOffset)
			return ControlDeopt, 0, false
		}
		h.WriteTyped(instr.Dst, instr.Kind, result)
		return 0, 0, false
	}
}

func compareStep(instr jitir.Instruction) func(Host) (Control, int, bool) {
	return func(h Host) (Control, int, bool) {
		a, ok1 := h.ReadTyped(instr.A, instr.Kind)
		b, ok2 := h.ReadTyped(instr.B, instr.Kind)
		if !ok1 || !ok2 {
			h.HandleTypeErrorDeopt(instr.BytecodeOffset)
			return ControlDeopt, 0, false
		}
		var result bool
		if instr.Op == jitir.OpLt {
			result = compareLess(instr.Kind, a, b)
		} else {
			result = a.Bits() == b.Bits() && a.Kind() == b.Kind()
		}
		h.WriteBoxed(instr.Dst, value.Bool(result))
		return 0, 0, false
	}
}

func fusedStep(instr jitir.Instruction, offsets map[int]int) func(Host) (Control, int, bool) {
	target := branchTarget(instr)
	inc := instr.Op == jitir.OpIncCmpJump
	return func(h Host) (Control, int, bool) {
		if instr.Kind == value.KindNil {
			// Boxed fallback: read/compare/write through the boxed mirror.
			counter := h.ReadBoxed(instr.A)
			limit := h.ReadBoxed(instr.B)
			next, branch, err := boxedFusedStep(inc, counter, limit)
			if err != nil {
				h.HandleTypeErrorDeopt(instr.BytecodeOffset)
				return ControlDeopt, 0, false
			}
			h.WriteBoxed(instr.A, next)
			if branch {
				if idx, ok := offsets[target]; ok {
					return 0, idx, true
				}
				h.Resume(target)
				return ControlExit, 0, false
			}
			return 0, 0, false
		}
		counter, ok1 := h.ReadTyped(instr.A, instr.Kind)
		limit, ok2 := h.ReadTyped(instr.B, instr.Kind)
		if !ok1 || !ok2 {
			h.HandleTypeErrorDeopt(instr.BytecodeOffset)
			return ControlDeopt, 0, false
		}
		next, branch, err := typedFusedStep(inc, instr.Kind, counter, limit)
		if err != nil {
			h.HandleTypeErrorDeopt(instr.BytecodeOffset)
			return ControlDeopt, 0, false
		}
		h.WriteTyped(instr.A, instr.Kind, next)
		if branch {
			if idx, ok := offsets[target]; ok {
				return 0, idx, true
			}
			h.Resume(target)
			return ControlExit, 0, false
		}
		return 0, 0, false
	}
}
