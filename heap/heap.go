// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package heap implements the Orus VM's mark-sweep collected heap (spec.md
// §4.8, component C2): an intrusively-linked object list, swept whenever
// bytesAllocated exceeds gcThreshold.
package heap

import (
	"fmt"

	"github.com/orusvm/orus/value"
)

// Object is the common header every heap-allocated value embeds. It
// implements value.HeapRef.
type Object struct {
	next  Heapable // intrusive link in the owning Heap's object list
	marked bool
	size  uint64 // bytes charged against bytesAllocated
}

// Heapable is any concrete object type that embeds Object.
type Heapable interface {
	value.HeapRef
	header() *Object
}

func (o *Object) Mark()          { o.marked = true }
func (o *Object) Marked() bool   { return o.marked }
func (o *Object) unmark()        { o.marked = false }
func (o *Object) header() *Object { return o }

// ---- Concrete object kinds --------------------------------------------------

// String is an interned, immutable UTF-8 payload.
type String struct {
	Object
	next *String // unused: the interning table is the Heap.strings map
	Data string
	hash uint64
}

func (s *String) String() string { return s.Data }

// Array is a growable, homogeneous-by-convention slice of Values.
type Array struct {
	Object
	Elems []value.Value
}

func (a *Array) String() string { return fmt.Sprintf("array(len=%d)", len(a.Elems)) }

// Range describes a half-open [Start, Stop) stride used by OpGetIter /
// ITER_NEXT over integer ranges.
type Range struct {
	Object
	Start, Stop, Step int64
}

func (r *Range) String() string { return fmt.Sprintf("%d..%d step %d", r.Start, r.Stop, r.Step) }

// RangeIterator walks a Range, producing typed I64 payloads.
type RangeIterator struct {
	Object
	Src     *Range
	Current int64
	Done    bool
}

func (it *RangeIterator) String() string { return "range_iterator" }

// ArrayIterator walks an Array by index.
type ArrayIterator struct {
	Object
	Src   *Array
	Index int
}

func (it *ArrayIterator) String() string { return "array_iterator" }

// Upvalue is a reference to a still-open register slot, or (once closed) a
// copy of that slot's last boxed value. See spec.md §4.1/§9.
type Upvalue struct {
	Object
	// Location points at the live register slot while open; Closed holds the
	// captured value once the frame that owned the slot has been popped.
	Location *value.Value
	Closed   value.Value
	IsClosed bool
}

func (u *Upvalue) String() string { return "upvalue" }

// Get returns the upvalue's current value, following Location while open.
func (u *Upvalue) Get() value.Value {
	if u.IsClosed {
		return u.Closed
	}
	return *u.Location
}

// Set writes through an open upvalue, or to the closed copy once closed.
func (u *Upvalue) Set(v value.Value) {
	if u.IsClosed {
		u.Closed = v
		return
	}
	*u.Location = v
}

// Close snapshots the current value and detaches from the register slot. The
// register file calls this when the owning frame is popped (spec.md §4.1
// close_upvalues).
func (u *Upvalue) Close() {
	if u.IsClosed {
		return
	}
	u.Closed = *u.Location
	u.IsClosed = true
	u.Location = nil
}

// Closure pairs a function entry point with its captured upvalues.
type Closure struct {
	Object
	FuncIndex int
	Upvalues  []*Upvalue
}

func (c *Closure) String() string { return fmt.Sprintf("closure(func=%d)", c.FuncIndex) }

// ErrorKind matches spec.md §4.9's taxonomy.
type ErrorKind uint8

const (
	ErrorValue ErrorKind = iota
	ErrorType
	ErrorName
	ErrorImport
	ErrorRuntime
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorValue:
		return "ValueError"
	case ErrorType:
		return "TypeError"
	case ErrorName:
		return "NameError"
	case ErrorImport:
		return "ImportError"
	case ErrorRuntime:
		return "RuntimeError"
	default:
		return "Error"
	}
}

// ErrorObject is the heap-allocated form of a VM-level Error value.
type ErrorObject struct {
	Object
	Kind    ErrorKind
	Message string
	File    string
	Line    int
	Column  int
}

func (e *ErrorObject) String() string {
	return fmt.Sprintf("%s: %s (%s:%d:%d)", e.Kind, e.Message, e.File, e.Line, e.Column)
}
