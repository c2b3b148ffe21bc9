// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package regfile

import (
	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/value"
)

// RangeNext advances it and writes its payload to dst and a Bool has-value
// flag (false once the range is exhausted) to hasValueFlagReg, per spec.md §4.1's next(dst, has_value_flag_reg)
// contract. The first iteration eager-boxes (handled by StoreTypedHot's
// live-clear rule); later iterations defer boxing when dst isn't pinned by
// an open upvalue.
func (rf *RegisterFile) RangeNext(it *heap.RangeIterator, dst, hasValueFlagReg int) {
	if it.Done || !inBounds(it) {
		it.Done = true
		rf.SetRegister(hasValueFlagReg, value.Bool(false))
		return
	}
	rf.StoreTypedHot(dst, value.KindI64, value.I64(it.Current))
	it.Current += it.Src.Step
	if !inBounds(it) {
		it.Done = true
	}
	rf.SetRegister(hasValueFlagReg, value.Bool(true))
}

func inBounds(it *heap.RangeIterator) bool {
	if it.Src.Step >= 0 {
		return it.Current < it.Src.Stop
	}
	return it.Current > it.Src.Stop
}

// ArrayNext advances it over its source array's elements.
func (rf *RegisterFile) ArrayNext(it *heap.ArrayIterator, dst, hasValueFlagReg int) {
	if it.Index >= len(it.Src.Elems) {
		rf.SetRegister(hasValueFlagReg, value.Bool(false))
		return
	}
	rf.SetRegister(dst, it.Src.Elems[it.Index])
	it.Index++
	rf.SetRegister(hasValueFlagReg, value.Bool(true))
}
