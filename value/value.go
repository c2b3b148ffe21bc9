// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package value implements the Orus VM's tagged Value representation: the
// boxed, general-purpose form every register ultimately reconciles to.
package value

import (
	"fmt"
	"math"
)

// Kind tags a Value's variant.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindI32
	KindI64
	KindU32
	KindU64
	KindF64
	KindString
	KindArray
	KindRange
	KindRangeIterator
	KindArrayIterator
	KindClosure
	KindUpvalue
	KindError
)

var kindNames = [...]string{
	KindNil:           "nil",
	KindBool:          "bool",
	KindI32:           "i32",
	KindI64:           "i64",
	KindU32:           "u32",
	KindU64:           "u64",
	KindF64:           "f64",
	KindString:        "string",
	KindArray:         "array",
	KindRange:         "range",
	KindRangeIterator: "range_iterator",
	KindArrayIterator: "array_iterator",
	KindClosure:       "closure",
	KindUpvalue:       "upvalue",
	KindError:         "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsNumeric reports whether the kind is one of the unboxed numeric variants
// that may live directly in a typed register slot.
func (k Kind) IsNumeric() bool {
	switch k {
	case KindI32, KindI64, KindU32, KindU64, KindF64, KindBool:
		return true
	}
	return false
}

// IsReference reports whether the kind's payload is a pointer to a
// heap-managed object (see package heap).
func (k Kind) IsReference() bool {
	switch k {
	case KindString, KindArray, KindRange, KindRangeIterator, KindArrayIterator,
		KindClosure, KindUpvalue, KindError:
		return true
	}
	return false
}

// HeapRef is satisfied by any heap object a Value may reference. It is
// declared here (rather than imported from package heap) so that value has
// no dependency on heap — heap depends on value instead.
type HeapRef interface {
	// Mark flags the object (and everything it transitively references) as
	// reachable. Implemented by package heap's object types.
	Mark()
	// Marked reports whether Mark has been called since the last sweep.
	Marked() bool
}

// Value is the boxed, tagged representation every Orus register reconciles
// to. Numeric kinds carry their payload directly in num; reference kinds
// carry a HeapRef in ref. The zero Value is KindNil.
type Value struct {
	kind Kind
	num  uint64  // raw bit pattern for numeric kinds (incl. Bool as 0/1)
	ref  HeapRef // populated for reference kinds
}

// Nil is the canonical nil Value.
var Nil = Value{kind: KindNil}

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool, num: 0}
}

func I32(v int32) Value { return Value{kind: KindI32, num: uint64(uint32(v))} }
func I64(v int64) Value { return Value{kind: KindI64, num: uint64(v)} }
func U32(v uint32) Value { return Value{kind: KindU32, num: uint64(v)} }
func U64(v uint64) Value { return Value{kind: KindU64, num: v} }
func F64(v float64) Value { return Value{kind: KindF64, num: math.Float64bits(v)} }

// Ref constructs a reference-kind Value wrapping a heap object.
func Ref(kind Kind, obj HeapRef) Value {
	if !kind.IsReference() {
		panic(fmt.Sprintf("value: Ref called with non-reference kind %s", kind))
	}
	return Value{kind: kind, ref: obj}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) AsBool() bool { return v.num != 0 }
func (v Value) AsI32() int32  { return int32(uint32(v.num)) }
func (v Value) AsI64() int64  { return int64(v.num) }
func (v Value) AsU32() uint32 { return uint32(v.num) }
func (v Value) AsU64() uint64 { return v.num }
func (v Value) AsF64() float64 { return math.Float64frombits(v.num) }

// Bits returns the raw 64-bit payload of a numeric Value, for typed-register
// storage where the caller already knows the Kind.
func (v Value) Bits() uint64 { return v.num }

// FromBits reconstructs a numeric Value from a raw payload and Kind. Used by
// the register file when reconciling a typed slot into its boxed mirror.
func FromBits(kind Kind, bits uint64) Value {
	if !kind.IsNumeric() {
		panic(fmt.Sprintf("value: FromBits called with non-numeric kind %s", kind))
	}
	return Value{kind: kind, num: bits}
}

// Ref returns the heap object backing a reference-kind Value, or nil.
func (v Value) Ref() HeapRef { return v.ref }

// Truthy implements the VM's boolean-coercion rule used by JUMP_IF /
// JUMP_IF_NOT: nil and zero-valued numerics are falsy, everything else
// (including empty strings/arrays) is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.num != 0
	case KindI32, KindI64, KindU32, KindU64:
		return v.num != 0
	case KindF64:
		return v.AsF64() != 0
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindI32:
		return fmt.Sprintf("%d", v.AsI32())
	case KindI64:
		return fmt.Sprintf("%d", v.AsI64())
	case KindU32:
		return fmt.Sprintf("%d", v.AsU32())
	case KindU64:
		return fmt.Sprintf("%d", v.AsU64())
	case KindF64:
		return FormatFloat(v.AsF64())
	default:
		if s, ok := v.ref.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("<%s>", v.kind)
	}
}

// FormatFloat renders a float64 the way the VM's PRINT opcode does: integral
// values print without a fractional part ("42" not "42.0"), everything else
// uses Go's shortest round-tripping representation, which naturally falls
// back to scientific notation for very small/large magnitudes (spec.md §8
// scenario 6).
func FormatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
