// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"errors"

	"github.com/orusvm/orus/value"
)

var errDivisionByZero = errors.New("division by zero")
var errUnsupportedArith = errors.New("vm: unsupported arithmetic")

// typedArith performs add/sub/mul/div/mod over a and b for kind, mirroring
// package jit's applyArithmetic bit-for-bit (jit/arith.go) so the baseline
// interpreter and the specialized tier agree on every result. It is
// duplicated rather than imported because jit's helpers are unexported and
// because the interpreter must also serve kinds the JIT translator declines
// to lift (I64/U64/F64 division and modulo — see DESIGN.md).
type arithOp uint8

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithDiv
	arithMod
)

func typedArith(op arithOp, kind value.Kind, a, b value.Value) (value.Value, error) {
	switch kind {
	case value.KindI32:
		x, y := a.AsI32(), b.AsI32()
		switch op {
		case arithAdd:
			r, err := value.AddI32(x, y)
			return value.I32(r), err
		case arithSub:
			r, err := value.SubI32(x, y)
			return value.I32(r), err
		case arithMul:
			r, err := value.MulI32(x, y)
			return value.I32(r), err
		case arithDiv:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.I32(x / y), nil
		case arithMod:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.I32(x % y), nil
		}
	case value.KindI64:
		x, y := a.AsI64(), b.AsI64()
		switch op {
		case arithAdd:
			r, err := value.AddI64(x, y)
			return value.I64(r), err
		case arithSub:
			r, err := value.SubI64(x, y)
			return value.I64(r), err
		case arithMul:
			r, err := value.MulI64(x, y)
			return value.I64(r), err
		case arithDiv:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.I64(x / y), nil
		case arithMod:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.I64(x % y), nil
		}
	case value.KindU32:
		x, y := a.AsU32(), b.AsU32()
		switch op {
		case arithAdd:
			return value.U32(x + y), nil
		case arithSub:
			return value.U32(x - y), nil
		case arithMul:
			return value.U32(x * y), nil
		case arithDiv:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.U32(x / y), nil
		case arithMod:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.U32(x % y), nil
		}
	case value.KindU64:
		x, y := a.AsU64(), b.AsU64()
		switch op {
		case arithAdd:
			return value.U64(x + y), nil
		case arithSub:
			return value.U64(x - y), nil
		case arithMul:
			return value.U64(x * y), nil
		case arithDiv:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.U64(x / y), nil
		case arithMod:
			if y == 0 {
				return value.Value{}, errDivisionByZero
			}
			return value.U64(x % y), nil
		}
	case value.KindF64:
		x, y := a.AsF64(), b.AsF64()
		switch op {
		case arithAdd:
			return value.F64(x + y), nil
		case arithSub:
			return value.F64(x - y), nil
		case arithMul:
			return value.F64(x * y), nil
		case arithDiv:
			return value.F64(x / y), nil
		case arithMod:
			return value.F64(mathMod(x, y)), nil
		}
	}
	return value.Value{}, errUnsupportedArith
}

func mathMod(x, y float64) float64 {
	if y == 0 {
		return nan()
	}
	r := x - y*float64(int64(x/y))
	return r
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func typedCompareLess(kind value.Kind, a, b value.Value) bool {
	switch kind {
	case value.KindI32:
		return a.AsI32() < b.AsI32()
	case value.KindI64:
		return a.AsI64() < b.AsI64()
	case value.KindU32:
		return a.AsU32() < b.AsU32()
	case value.KindU64:
		return a.AsU64() < b.AsU64()
	case value.KindF64:
		return a.AsF64() < b.AsF64()
	default:
		return false
	}
}

func typedOne(kind value.Kind) value.Value {
	switch kind {
	case value.KindI32:
		return value.I32(1)
	case value.KindI64:
		return value.I64(1)
	case value.KindU32:
		return value.U32(1)
	case value.KindU64:
		return value.U64(1)
	case value.KindF64:
		return value.F64(1)
	default:
		return value.I32(1)
	}
}

// typedFusedStep performs one increment-or-decrement + compare for
// INC_CMP_JMP/DEC_CMP_JMP over the typed register window, mirroring
// jit/arith.go's typedFusedStep so baseline and specialized loop tiers
// terminate after identical iteration counts (spec.md §4.2).
func typedFusedStep(inc bool, kind value.Kind, counter, limit value.Value) (next value.Value, branch bool, err error) {
	op := arithAdd
	if !inc {
		op = arithSub
	}
	next, err = typedArith(op, kind, counter, typedOne(kind))
	if err != nil {
		return value.Value{}, false, err
	}
	if inc {
		branch = typedCompareLess(kind, next, limit)
	} else {
		branch = typedCompareLess(kind, limit, next)
	}
	return next, branch, nil
}

// boxedFusedStep is the BOXED fallback used when the counter/limit registers
// carry no live typed kind, inferring the runtime kind from the boxed
// counter value (spec.md §4.5).
func boxedFusedStep(inc bool, counter, limit value.Value) (value.Value, bool, error) {
	return typedFusedStep(inc, counter.Kind(), counter, limit)
}
