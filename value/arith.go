// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

import "fmt"

// OverflowError is returned by the checked arithmetic helpers below when a
// signed operation would overflow its declared width. The dispatcher (C6)
// and JIT backend (C9) both funnel this into a runtime ValueError.
type OverflowError struct {
	Kind Kind
	Op   string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s overflow in %s", e.Kind, e.Op)
}

// AddI32 adds two int32 operands, reporting overflow rather than wrapping —
// signed typed adds/subs/muls must trap per spec.md §4.2.
func AddI32(a, b int32) (int32, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, &OverflowError{Kind: KindI32, Op: "add"}
	}
	return r, nil
}

func SubI32(a, b int32) (int32, error) {
	r := a - b
	if (b < 0 && r < a) || (b > 0 && r > a) {
		return 0, &OverflowError{Kind: KindI32, Op: "sub"}
	}
	return r, nil
}

func MulI32(a, b int32) (int32, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if b == -1 && a == -1<<31 {
		return 0, &OverflowError{Kind: KindI32, Op: "mul"}
	}
	r := a * b
	if r/b != a {
		return 0, &OverflowError{Kind: KindI32, Op: "mul"}
	}
	return r, nil
}

func AddI64(a, b int64) (int64, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, &OverflowError{Kind: KindI64, Op: "add"}
	}
	return r, nil
}

func SubI64(a, b int64) (int64, error) {
	r := a - b
	if (b < 0 && r < a) || (b > 0 && r > a) {
		return 0, &OverflowError{Kind: KindI64, Op: "sub"}
	}
	return r, nil
}

func MulI64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if b == -1 && a == -1<<63 {
		return 0, &OverflowError{Kind: KindI64, Op: "mul"}
	}
	r := a * b
	if r/b != a {
		return 0, &OverflowError{Kind: KindI64, Op: "mul"}
	}
	return r, nil
}

// AddU32/AddU64/... intentionally have no overflow-checked counterparts:
// unsigned arithmetic wraps per spec.md §4.2.

// WidenConstant promotes a narrower integer constant to match a wider typed
// opcode's kind, per spec.md §3's widening rule ("an I32 constant feeding an
// I64 add is rewritten at lift-time to an I64 load"). Returns the promoted
// bit pattern and true if promotion is defined for (from, to); false if the
// pair is not a valid widening (e.g. F64 <- I32, which requires an explicit
// convert opcode instead).
func WidenConstant(from Kind, bits uint64, to Kind) (uint64, bool) {
	if from == to {
		return bits, true
	}
	switch {
	case from == KindI32 && to == KindI64:
		return uint64(int64(int32(uint32(bits)))), true
	case from == KindU32 && to == KindU64:
		return uint64(uint32(bits)), true
	default:
		return 0, false
	}
}
