// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit

import (
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

// tape is a flattened, struct-of-arrays encoding of a Program, interpreted
// by one generic stepping function rather than per-instruction closures
// (linear.go's approach). This mirrors a real DynASM-style backend, where a
// single template interprets a parameter tape instead of building one
// native routine per instruction.
type tape struct {
	ops    []jitir.Op
	kinds  []value.Kind
	dst    []int
	a      []int
	b      []int
	offset []int
	bcOff  []int
	bcLen  []int
	consts []value.Value
	spillB []int
	spillC []int
	cidx   []int
}

func buildTape(prog *jitir.Program) *tape {
	t := &tape{}
	for _, instr := range prog.Instructions {
		t.ops = append(t.ops, instr.Op)
		t.kinds = append(t.kinds, instr.Kind)
		t.dst = append(t.dst, instr.Dst)
		t.a = append(t.a, instr.A)
		t.b = append(t.b, instr.B)
		t.offset = append(t.offset, instr.Offset)
		t.bcOff = append(t.bcOff, instr.BytecodeOffset)
		t.bcLen = append(t.bcLen, instr.BytecodeLength)
		t.consts = append(t.consts, instr.Const)
		t.spillB = append(t.spillB, instr.SpillBase)
		t.spillC = append(t.spillC, instr.SpillCount)
		t.cidx = append(t.cidx, instr.ConstIndex)
	}
	return t
}

// compileDynASM builds the flattened tape once and returns an entry point
// that steps through it with one generic interpreter loop, resolving
// branches via the same offset index as the linear emitter (both must
// agree on where bytecode offsets land in IR-index space).
func compileDynASM(prog *jitir.Program) func(Host) Control {
	t := buildTape(prog)
	offsets := byteOffsetIndex(prog)

	return func(h Host) Control {
		pc := 0
		for pc >= 0 && pc < len(t.ops) {
			ctrl, next, jumped, terminal := stepTape(t, pc, offsets, h)
			if terminal {
				return ctrl
			}
			if jumped {
				pc = next
				continue
			}
			pc++
		}
		return ControlReturn
	}
}

// stepTape executes tape[pc] against h, returning (control, nextPC, jumped,
// terminal). terminal=true means the caller must return control
// immediately.
func stepTape(t *tape, pc int, offsets map[int]int, h Host) (Control, int, bool, bool) {
	op := t.ops[pc]
	kind := t.kinds[pc]
	dst, a, b := t.dst[pc], t.a[pc], t.b[pc]
	bcOff, bcLen, off := t.bcOff[pc], t.bcLen[pc], t.offset[pc]

	deopt := func() (Control, int, bool, bool) {
		h.HandleTypeErrorDeopt(bcOff)
		return ControlDeopt, 0, false, true
	}
	target := func() int { return bcOff + bcLen + off }
	branch := func() (Control, int, bool, bool) {
		if idx, ok := offsets[target()]; ok {
			return 0, idx, true, false
		}
		h.Resume(target())
		return ControlExit, 0, false, true
	}

	switch op {
	case jitir.OpLoadConst:
		h.WriteTyped(dst, kind, t.consts[pc])
		return 0, 0, false, false
	case jitir.OpLoadStringConst:
		h.WriteBoxed(dst, value.Ref(value.KindString, t.consts[pc].Ref()))
		return 0, 0, false, false
	case jitir.OpAdd, jitir.OpSub, jitir.OpMul, jitir.OpDiv, jitir.OpMod:
		av, ok1 := h.ReadTyped(a, kind)
		bv, ok2 := h.ReadTyped(b, kind)
		if !ok1 || !ok2 {
			return deopt()
		}
		r, err := applyArithmetic(op, kind, av, bv)
		if err != nil {
			return deopt()
		}
		h.WriteTyped(dst, kind, r)
		return 0, 0, false, false
	case jitir.OpLt, jitir.OpEq:
		av, ok1 := h.ReadTyped(a, kind)
		bv, ok2 := h.ReadTyped(b, kind)
		if !ok1 || !ok2 {
			return deopt()
		}
		var res bool
		if op == jitir.OpLt {
			res = compareLess(kind, av, bv)
		} else {
			res = av.Bits() == bv.Bits() && av.Kind() == bv.Kind()
		}
		h.WriteBoxed(dst, value.Bool(res))
		return 0, 0, false, false
	case jitir.OpMoveI64, jitir.OpMoveString:
		v, ok := h.ReadTyped(a, kind)
		if !ok {
			return deopt()
		}
		h.WriteTyped(dst, kind, v)
		return 0, 0, false, false
	case jitir.OpMoveValue:
		h.WriteBoxed(dst, h.ReadBoxed(a))
		return 0, 0, false, false
	case jitir.OpConcat:
		h.WriteBoxed(dst, h.Concat(h.ReadBoxed(a), h.ReadBoxed(b)))
		h.Safepoint()
		return 0, 0, false, false
	case jitir.OpTypeOf:
		h.WriteBoxed(dst, h.TypeOf(h.ReadBoxed(a)))
		return 0, 0, false, false
	case jitir.OpIsType:
		h.WriteBoxed(dst, value.Bool(h.IsType(h.ReadBoxed(a), kind)))
		return 0, 0, false, false
	case jitir.OpPrint:
		h.Print(h.ReadBoxed(a))
		return 0, 0, false, false
	case jitir.OpAssertEq:
		if err := h.AssertEq(h.ReadBoxed(a), h.ReadBoxed(b)); err != nil {
			return deopt()
		}
		return 0, 0, false, false
	case jitir.OpMakeArray:
		count := int(h.ReadBoxed(a).AsI32())
		h.WriteBoxed(dst, h.MakeArray(dst, count))
		h.Safepoint()
		return 0, 0, false, false
	case jitir.OpArrayPush:
		h.ArrayPush(h.ReadBoxed(a), h.ReadBoxed(b))
		h.Safepoint()
		return 0, 0, false, false
	case jitir.OpGetIter:
		h.WriteBoxed(dst, h.GetIter(h.ReadBoxed(a)))
		return 0, 0, false, false
	case jitir.OpIterNext:
		v, has, ok := h.IterNext(h.ReadBoxed(b))
		if !ok {
			return deopt()
		}
		h.WriteBoxed(dst, v)
		h.WriteBoxed(a, value.Bool(has))
		return 0, 0, false, false
	case jitir.OpCallNative:
		v, err := h.CallNative(t.cidx[pc], t.spillB[pc], t.spillC[pc])
		if err != nil {
			return deopt()
		}
		h.WriteBoxed(dst, v)
		h.Safepoint()
		return 0, 0, false, false
	case jitir.OpSafepoint:
		h.Safepoint()
		return 0, 0, false, false
	case jitir.OpJumpShort:
		return branch()
	case jitir.OpJumpIfNot:
		if h.ReadBoxed(a).Truthy() {
			return 0, 0, false, false
		}
		return branch()
	case jitir.OpIncCmpJump, jitir.OpDecCmpJump:
		inc := op == jitir.OpIncCmpJump
		var next value.Value
		var branched bool
		var err error
		if kind == value.KindNil {
			next, branched, err = boxedFusedStep(inc, h.ReadBoxed(a), h.ReadBoxed(b))
			if err != nil {
				return deopt()
			}
			h.WriteBoxed(a, next)
		} else {
			av, ok1 := h.ReadTyped(a, kind)
			bv, ok2 := h.ReadTyped(b, kind)
			if !ok1 || !ok2 {
				return deopt()
			}
			next, branched, err = typedFusedStep(inc, kind, av, bv)
			if err != nil {
				return deopt()
			}
			h.WriteTyped(a, kind, next)
		}
		if branched {
			return branch()
		}
		return 0, 0, false, false
	case jitir.OpLoopBack:
		return 0, 0, true, false
	case jitir.OpReturn:
		return ControlReturn, 0, false, true
	}
	return deopt()
}
