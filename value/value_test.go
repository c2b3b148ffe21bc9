// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

import "testing"

func TestNumericRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"i32", I32(-7), "-7"},
		{"i64", I64(9000000000), "9000000000"},
		{"u32", U32(42), "42"},
		{"u64", U64(18446744073709551615), "18446744073709551615"},
		{"f64-int", F64(42.0), "42"},
		{"f64-frac", F64(3.5), "3.5"},
		{"bool-true", Bool(true), "true"},
		{"nil", Nil, "nil"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.v.String(); got != c.want {
				t.Fatalf("String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestFormatFloatScientific(t *testing.T) {
	// spec.md §8 scenario 6: print(1e-18) must be non-zero in scientific
	// notation; print(42.0) must be exactly "42".
	if got := FormatFloat(1e-18); got == "0" {
		t.Fatalf("FormatFloat(1e-18) = %q, want non-zero scientific form", got)
	}
	if got := FormatFloat(42.0); got != "42" {
		t.Fatalf("FormatFloat(42.0) = %q, want \"42\"", got)
	}
}

func TestTruthy(t *testing.T) {
	if Nil.Truthy() {
		t.Fatal("nil must be falsy")
	}
	if I32(0).Truthy() {
		t.Fatal("zero must be falsy")
	}
	if !I32(1).Truthy() {
		t.Fatal("non-zero must be truthy")
	}
	if Bool(false).Truthy() {
		t.Fatal("Bool(false) must be falsy")
	}
}

func TestOverflowChecked(t *testing.T) {
	if _, err := AddI32(1<<31-1, 1); err == nil {
		t.Fatal("expected overflow on INT32_MAX+1")
	}
	if _, err := AddI64(1<<63-1, 1); err == nil {
		t.Fatal("expected overflow on INT64_MAX+1")
	}
	if v, err := AddI32(2, 3); err != nil || v != 5 {
		t.Fatalf("AddI32(2,3) = (%d,%v), want (5,nil)", v, err)
	}
}

func TestWidenConstant(t *testing.T) {
	minusOne := int32(-1)
	bits, ok := WidenConstant(KindI32, uint64(uint32(minusOne)), KindI64)
	if !ok {
		t.Fatal("I32->I64 widening should be defined")
	}
	if int64(bits) != -1 {
		t.Fatalf("widened bits = %d, want -1", int64(bits))
	}
	if _, ok := WidenConstant(KindI32, 0, KindF64); ok {
		t.Fatal("I32->F64 is not a defined widening (needs explicit convert)")
	}
}
