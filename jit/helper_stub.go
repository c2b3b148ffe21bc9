// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit

import (
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

// compileHelperStub is the simplest possible Entry: it does no ahead-of-time
// work at all, re-dispatching on instr.Op every step straight out of
// prog.Instructions. It is the conservative fallback selected by
// ORUS_JIT_FORCE_HELPER_STUB; Compile never picks it on its own, whatever
// opcodes the program contains. It stays a strict interpretation of the IR
// with no emitter-specific precompilation to get wrong.
func compileHelperStub(prog *jitir.Program) func(Host) Control {
	offsets := byteOffsetIndex(prog)
	instrs := prog.Instructions

	return func(h Host) Control {
		pc := 0
		for pc >= 0 && pc < len(instrs) {
			ctrl, next, jumped := helperStep(instrs[pc], offsets, h)
			if !jumped {
				switch ctrl {
				case ControlReturn, ControlDeopt, ControlExit:
					return ctrl
				}
				pc++
				continue
			}
			pc = next
		}
		return ControlReturn
	}
}

// helperStep interprets a single instruction with no precomputed capture
// state beyond what the instruction itself carries.
func helperStep(instr jitir.Instruction, offsets map[int]int, h Host) (Control, int, bool) {
	deopt := func() (Control, int, bool) {
		h.HandleTypeErrorDeopt(instr.BytecodeOffset)
		return ControlDeopt, 0, false
	}
	target := branchTarget(instr)
	branch := func() (Control, int, bool) {
		if idx, ok := offsets[target]; ok {
			return 0, idx, true
		}
		h.Resume(target)
		return ControlExit, 0, false
	}

	switch instr.Op {
	case jitir.OpLoadConst:
		h.WriteTyped(instr.Dst, instr.Kind, instr.Const)
		return 0, 0, false
	case jitir.OpLoadStringConst:
		h.WriteBoxed(instr.Dst, value.Ref(value.KindString, instr.StrConst))
		return 0, 0, false
	case jitir.OpAdd, jitir.OpSub, jitir.OpMul, jitir.OpDiv, jitir.OpMod:
		a, ok1 := h.ReadTyped(instr.A, instr.Kind)
		b, ok2 := h.ReadTyped(instr.B, instr.Kind)
		if !ok1 || !ok2 {
			return deopt()
		}
		r, err := applyArithmetic(instr.Op, instr.Kind, a, b)
		if err != nil {
			return deopt()
		}
		h.WriteTyped(instr.Dst, instr.Kind, r)
		return 0, 0, false
	case jitir.OpLt, jitir.OpEq:
		a, ok1 := h.ReadTyped(instr.A, instr.Kind)
		b, ok2 := h.ReadTyped(instr.B, instr.Kind)
		if !ok1 || !ok2 {
			return deopt()
		}
		var res bool
		if instr.Op == jitir.OpLt {
			res = compareLess(instr.Kind, a, b)
		} else {
			res = a.Bits() == b.Bits() && a.Kind() == b.Kind()
		}
		h.WriteBoxed(instr.Dst, value.Bool(res))
		return 0, 0, false
	case jitir.OpMoveI64, jitir.OpMoveString:
		v, ok := h.ReadTyped(instr.A, instr.Kind)
		if !ok {
			return deopt()
		}
		h.WriteTyped(instr.Dst, instr.Kind, v)
		return 0, 0, false
	case jitir.OpMoveValue:
		h.WriteBoxed(instr.Dst, h.ReadBoxed(instr.A))
		return 0, 0, false
	case jitir.OpConcat:
		h.WriteBoxed(instr.Dst, h.Concat(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B)))
		h.Safepoint()
		return 0, 0, false
	case jitir.OpTypeOf:
		h.WriteBoxed(instr.Dst, h.TypeOf(h.ReadBoxed(instr.A)))
		return 0, 0, false
	case jitir.OpIsType:
		h.WriteBoxed(instr.Dst, value.Bool(h.IsType(h.ReadBoxed(instr.A), instr.Kind)))
		return 0, 0, false
	case jitir.OpPrint:
		h.Print(h.ReadBoxed(instr.A))
		return 0, 0, false
	case jitir.OpAssertEq:
		if err := h.AssertEq(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B)); err != nil {
			return deopt()
		}
		return 0, 0, false
	case jitir.OpMakeArray:
		count := int(h.ReadBoxed(instr.A).AsI32())
		h.WriteBoxed(instr.Dst, h.MakeArray(instr.Dst, count))
		h.Safepoint()
		return 0, 0, false
	case jitir.OpArrayPush:
		h.ArrayPush(h.ReadBoxed(instr.A), h.ReadBoxed(instr.B))
		h.Safepoint()
		return 0, 0, false
	case jitir.OpGetIter:
		h.WriteBoxed(instr.Dst, h.GetIter(h.ReadBoxed(instr.A)))
		return 0, 0, false
	case jitir.OpIterNext:
		v, has, ok := h.IterNext(h.ReadBoxed(instr.B))
		if !ok {
			return deopt()
		}
		h.WriteBoxed(instr.Dst, v)
		h.WriteBoxed(instr.A, value.Bool(has))
		return 0, 0, false
	case jitir.OpCallNative:
		v, err := h.CallNative(instr.ConstIndex, instr.SpillBase, instr.SpillCount)
		if err != nil {
			return deopt()
		}
		h.WriteBoxed(instr.Dst, v)
		h.Safepoint()
		return 0, 0, false
	case jitir.OpSafepoint:
		h.Safepoint()
		return 0, 0, false
	case jitir.OpJumpShort:
		return branch()
	case jitir.OpJumpIfNot:
		if h.ReadBoxed(instr.A).Truthy() {
			return 0, 0, false
		}
		return branch()
	case jitir.OpIncCmpJump, jitir.OpDecCmpJump:
		inc := instr.Op == jitir.OpIncCmpJump
		var next value.Value
		var branched bool
		var err error
		if instr.Kind == value.KindNil {
			next, branched, err = boxedFusedStep(inc, h.ReadBoxed(instr.A), h.ReadBoxed(instr.B))
			if err != nil {
				return deopt()
			}
			h.WriteBoxed(instr.A, next)
		} else {
			a, ok1 := h.ReadTyped(instr.A, instr.Kind)
			b, ok2 := h.ReadTyped(instr.B, instr.Kind)
			if !ok1 || !ok2 {
				return deopt()
			}
			next, branched, err = typedFusedStep(inc, instr.Kind, a, b)
			if err != nil {
				return deopt()
			}
			h.WriteTyped(instr.A, instr.Kind, next)
		}
		if branched {
			return branch()
		}
		return 0, 0, false
	case jitir.OpLoopBack:
		return 0, 0, true
	case jitir.OpReturn:
		return ControlReturn, 0, false
	}
	return deopt()
}
