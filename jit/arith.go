// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit

import (
	"fmt"

	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

// applyArithmetic performs add/sub/mul/div/mod for kind, used by both the
// linear and DynASM-style emitters so their numeric results are bit-for-bit
// identical (spec.md §4.6's parity requirement covers result bits, not
// internal dispatch shape).
func applyArithmetic(op jitir.Op, kind value.Kind, a, b value.Value) (value.Value, error) {
	switch kind {
	case value.KindI32:
		x, y := a.AsI32(), b.AsI32()
		switch op {
		case jitir.OpAdd:
			r, err := value.AddI32(x, y)
			return value.I32(r), err
		case jitir.OpSub:
			r, err := value.SubI32(x, y)
			return value.I32(r), err
		case jitir.OpMul:
			r, err := value.MulI32(x, y)
			return value.I32(r), err
		case jitir.OpDiv:
			if y == 0 {
				return value.Value{}, fmt.Errorf("division by zero")
			}
			return value.I32(x / y), nil
		case jitir.OpMod:
			if y == 0 {
				return value.Value{}, fmt.Errorf("division by zero")
			}
			return value.I32(x % y), nil
		}
	case value.KindI64:
		x, y := a.AsI64(), b.AsI64()
		switch op {
		case jitir.OpAdd:
			r, err := value.AddI64(x, y)
			return value.I64(r), err
		case jitir.OpSub:
			r, err := value.SubI64(x, y)
			return value.I64(r), err
		case jitir.OpMul:
			r, err := value.MulI64(x, y)
			return value.I64(r), err
		}
	case value.KindU32:
		x, y := a.AsU32(), b.AsU32()
		switch op {
		case jitir.OpAdd:
			return value.U32(x + y), nil // unsigned wraps
		case jitir.OpSub:
			return value.U32(x - y), nil
		case jitir.OpMul:
			return value.U32(x * y), nil
		case jitir.OpDiv:
			if y == 0 {
				return value.Value{}, fmt.Errorf("division by zero")
			}
			return value.U32(x / y), nil
		case jitir.OpMod:
			if y == 0 {
				return value.Value{}, fmt.Errorf("division by zero")
			}
			return value.U32(x % y), nil
		}
	case value.KindU64:
		x, y := a.AsU64(), b.AsU64()
		switch op {
		case jitir.OpAdd:
			return value.U64(x + y), nil
		case jitir.OpSub:
			return value.U64(x - y), nil
		case jitir.OpMul:
			return value.U64(x * y), nil
		}
	case value.KindF64:
		x, y := a.AsF64(), b.AsF64()
		switch op {
		case jitir.OpAdd:
			return value.F64(x + y), nil
		case jitir.OpSub:
			return value.F64(x - y), nil
		case jitir.OpMul:
			return value.F64(x * y), nil
		case jitir.OpDiv:
			return value.F64(x / y), nil
		}
	}
	return value.Value{}, fmt.Errorf("jit: unsupported arithmetic %v on kind %v", op, kind)
}

func compareLess(kind value.Kind, a, b value.Value) bool {
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

// typedFusedStep performs one increment-or-decrement + compare for a fused
// loop opcode over the typed register window (spec.md §4.2).
func typedFusedStep(inc bool, kind value.Kind, counter, limit value.Value) (next value.Value, branch bool, err error) {
	op := jitir.OpAdd
	if !inc {
		op = jitir.OpSub
	}
	next, err = applyArithmetic(op, kind, counter, one(kind))
	if err != nil {
		return value.Value{}, false, err
	}
	if inc {
		branch = compareLess(kind, next, limit)
	} else {
		branch = compareLess(kind, limit, next)
	}
	return next, branch, nil
}

func one(kind value.Kind) value.Value {
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

// boxedFusedStep is the BOXED fallback used when counter/limit don't share
// a live typed kind (spec.md §4.5: "value_kind = BOXED, kept to preserve
// correctness"). It infers the runtime kind from the boxed counter value.
func boxedFusedStep(inc bool, counter, limit value.Value) (next value.Value, branch bool, err error) {
	return typedFusedStep(inc, counter.Kind(), counter, limit)
}
